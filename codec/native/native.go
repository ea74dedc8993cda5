//go:build darwin || linux

// Package native provides the production H.264 encoder backend, binding a
// flat-ABI native encoder shim (librdpenc, which wraps the system SVC
// encoder) via purego. The raw FFI surface stays inside this package: the
// rest of the system configures it exclusively through codec.Config, passed
// once at construction.
package native

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/lumen-remote/lumen/codec"
)

// BackendName is the registry name of this backend.
const BackendName = "native-svc"

// Shim return codes (rdpenc.h).
// A zero return from rdpenc_encode means the encoder produced no output
// for the frame (rate control); negative values are errors.
const (
	rcOK        = 0
	rcError     = -1
	rcBadConfig = -2
	rcNoMem     = -3
)

// Shim frame types (rdpenc.h).
const (
	ftIDR   = 0
	ftIntra = 1
	ftP     = 2
)

var (
	loadOnce sync.Once
	handle   uintptr
	loadErr  error
)

// librdpenc function pointers.
var (
	rdpencCreate    func(width, height, fps, bitrateKbps, profile, temporalLayers, sceneCut int32) uint64
	rdpencEncode    func(enc uint64, y, u, v uintptr, yStride, cStride, layer, forceIDR int32, out uintptr, outCap int32, frameType uintptr) int32
	rdpencMaxOutput func(enc uint64) int32
	rdpencForceIDR  func(enc uint64)
	rdpencDestroy   func(enc uint64)
	rdpencLastError func() uintptr
	rdpencAvailable func() int32
)

func load() error {
	loadOnce.Do(func() {
		loadErr = loadLib()
	})
	return loadErr
}

func loadLib() error {
	var lastErr error
	for _, path := range libPaths() {
		h, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		handle = h
		registerSymbols()
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("native: failed to load librdpenc: %w", lastErr)
	}
	return errors.New("native: librdpenc not found in any standard location")
}

func libPaths() []string {
	libName := "librdpenc.so"
	if runtime.GOOS == "darwin" {
		libName = "librdpenc.dylib"
	}

	var paths []string
	if env := os.Getenv("RDPENC_LIB_PATH"); env != "" {
		paths = append(paths, env)
	}
	if exe, err := os.Executable(); err == nil {
		dir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(dir, libName),
			filepath.Join(dir, "..", "lib", libName),
		)
	}
	switch runtime.GOOS {
	case "darwin":
		paths = append(paths, libName, "/usr/local/lib/"+libName, "/opt/homebrew/lib/"+libName)
	default:
		paths = append(paths, libName, "/usr/local/lib/"+libName, "/usr/lib/"+libName)
	}
	return paths
}

func registerSymbols() {
	purego.RegisterLibFunc(&rdpencCreate, handle, "rdpenc_create")
	purego.RegisterLibFunc(&rdpencEncode, handle, "rdpenc_encode")
	purego.RegisterLibFunc(&rdpencMaxOutput, handle, "rdpenc_max_output_size")
	purego.RegisterLibFunc(&rdpencForceIDR, handle, "rdpenc_force_idr")
	purego.RegisterLibFunc(&rdpencDestroy, handle, "rdpenc_destroy")
	purego.RegisterLibFunc(&rdpencLastError, handle, "rdpenc_last_error")
	purego.RegisterLibFunc(&rdpencAvailable, handle, "rdpenc_available")
}

// Available reports whether the native shim can be loaded and reports a
// usable encoder.
func Available() bool {
	if load() != nil {
		return false
	}
	return rdpencAvailable() != 0
}

func lastError() string {
	ptr := rdpencLastError()
	if ptr == 0 {
		return "unknown error"
	}
	return goString(ptr)
}

func goString(ptr uintptr) string {
	var out []byte
	for i := 0; ; i++ {
		b := *(*byte)(unsafe.Pointer(ptr + uintptr(i)))
		if b == 0 {
			break
		}
		out = append(out, b)
	}
	return string(out)
}

func init() {
	codec.Register(factory{})
}

type factory struct{}

func (factory) Capability() codec.Capability {
	return codec.Capability{
		Name:           BackendName,
		Codec:          "h264",
		Hardware:       false,
		TemporalLayers: true,
		MaxWidth:       4096,
		MaxHeight:      4096,
	}
}

func (factory) New(cfg codec.Config) (codec.Encoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := load(); err != nil {
		return nil, &codec.ConfigError{Reason: "native encoder library unavailable", Err: err}
	}
	if rdpencAvailable() == 0 {
		return nil, &codec.ConfigError{Reason: "native encoder reports unavailable"}
	}

	sceneCut := int32(0)
	if cfg.SceneChangeDetect {
		sceneCut = 1
	}
	h := rdpencCreate(int32(cfg.Width), int32(cfg.Height), int32(cfg.FrameRate),
		int32(cfg.BitrateKbps), int32(cfg.Profile), int32(cfg.TemporalLayers), sceneCut)
	if h == 0 {
		return nil, &codec.ConfigError{Reason: lastError()}
	}

	e := &encoder{
		handle: h,
		cfg:    cfg,
		outBuf: make([]byte, rdpencMaxOutput(h)),
	}
	runtime.SetFinalizer(e, func(e *encoder) { e.Close() })
	return e, nil
}

// encoder owns one native encoder handle. Not safe for concurrent use; the
// session layer guarantees strictly sequential encode calls.
type encoder struct {
	handle uint64
	cfg    codec.Config
	outBuf []byte
	closed bool

	stats codec.Stats
}

func (e *encoder) Encode(y, u, v []byte, yStride, cStride int, opts codec.EncodeOptions) (codec.Payload, error) {
	if e.closed {
		return codec.Payload{}, codec.ErrClosed
	}
	if opts.TemporalLayer < 0 || opts.TemporalLayer >= e.cfg.TemporalLayers {
		return codec.Payload{}, fmt.Errorf("native: temporal layer %d out of range (layers=%d)",
			opts.TemporalLayer, e.cfg.TemporalLayers)
	}
	if len(y) < yStride*e.cfg.Height || len(u) < cStride*e.cfg.Height/2 || len(v) < cStride*e.cfg.Height/2 {
		return codec.Payload{}, fmt.Errorf("native: plane sizes %d/%d/%d too small for %dx%d strides %d/%d",
			len(y), len(u), len(v), e.cfg.Width, e.cfg.Height, yStride, cStride)
	}

	forceKey := int32(0)
	if opts.ForceKeyframe {
		forceKey = 1
	}

	var frameType int32
	start := time.Now()
	n := rdpencEncode(e.handle,
		uintptr(unsafe.Pointer(&y[0])), uintptr(unsafe.Pointer(&u[0])), uintptr(unsafe.Pointer(&v[0])),
		int32(yStride), int32(cStride), int32(opts.TemporalLayer), forceKey,
		uintptr(unsafe.Pointer(&e.outBuf[0])), int32(len(e.outBuf)),
		uintptr(unsafe.Pointer(&frameType)))
	elapsed := time.Since(start)
	runtime.KeepAlive(y)
	runtime.KeepAlive(u)
	runtime.KeepAlive(v)

	e.stats.EncodeTimeMs += elapsed.Milliseconds()

	switch {
	case n == rcOK:
		return codec.Payload{}, codec.ErrFrameSkipped
	case n < 0:
		return codec.Payload{}, fmt.Errorf("native: encode failed (%d): %s", n, lastError())
	}

	data := make([]byte, n)
	copy(data, e.outBuf[:n])

	ft := codec.FrameP
	switch frameType {
	case ftIDR:
		ft = codec.FrameIDR
		e.stats.Keyframes++
	case ftIntra:
		ft = codec.FrameIntra
	}
	e.stats.FramesEncoded++
	e.stats.BytesEncoded += int64(n)

	return codec.Payload{Data: data, Type: ft}, nil
}

func (e *encoder) ForceKeyframe() {
	if !e.closed {
		rdpencForceIDR(e.handle)
	}
}

func (e *encoder) Stats() codec.Stats { return e.stats }

func (e *encoder) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	runtime.SetFinalizer(e, nil)
	rdpencDestroy(e.handle)
	e.handle = 0
	return nil
}
