package avc444

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lumen-remote/lumen/codec"
	"github.com/lumen-remote/lumen/color"
	"github.com/lumen-remote/lumen/h264"
	"github.com/lumen-remote/lumen/media"
)

// Mode is the operating mode the encoder settled on at construction.
type Mode int

const (
	// ModeDual is full AVC444 operation: main and auxiliary subframes
	// through one encoder with two temporal layers.
	ModeDual Mode = iota
	// ModeSingle is the degraded fallback: 4:2:0 main stream only, used
	// when the backend rejects the dual-stream configuration. Full chroma
	// fidelity is a quality enhancement, not a requirement for RDP to work.
	ModeSingle
)

func (m Mode) String() string {
	if m == ModeSingle {
		return "avc420"
	}
	return "avc444"
}

type state int

const (
	stateActive state = iota
	stateClosed
)

// Sentinel errors surfaced by Encode.
var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("avc444: encoder closed")
	// ErrStrideMismatch indicates the packer produced planes whose
	// dimensions disagree with what the native encoder was configured
	// with. This is a programming-contract violation, not a runtime
	// condition; it fails the cycle loudly instead of corrupting output.
	ErrStrideMismatch = errors.New("avc444: packed view dimensions disagree with encoder configuration")
)

// Options configures an Encoder. Width and Height are the source
// resolution; the encoder derives the macroblock-aligned encode size
// itself via AlignedDims.
type Options struct {
	Width  int
	Height int

	// Profile selects the color conversion profile when ProfileSet is
	// true; otherwise color.DefaultProfile for the resolution applies
	// (the zero Profile value is a valid profile, so presence needs its
	// own flag).
	Profile    color.Profile
	ProfileSet bool

	FrameRate   int // default 30
	BitrateKbps int // default 5000

	// MaxAuxInterval caps auxiliary omission; see ChangeTracker.
	MaxAuxInterval int

	// Backend creates the single underlying encoder instance.
	Backend codec.Factory

	Logger *slog.Logger
}

// Encoder orchestrates the per-frame AVC444 cycle: color conversion,
// dual-view packing, change-tracked auxiliary omission, and dual-bitstream
// assembly through exactly one underlying encoder instance.
//
// Exactly one native encoder serves both subframes for the lifetime of the
// session. Main subframes are encoded on temporal layer 0 (reference);
// auxiliary subframes on layer 1 (non-reference), which makes it
// structurally impossible for a later main frame to predict from auxiliary
// content: non-reference frames never enter the DPB, so neither the decoder
// nor the encoder's own motion search can select them.
//
// Not safe for concurrent use. The owner must not start a new cycle before
// the previous Encode call has returned.
type Encoder struct {
	opts    Options
	log     *slog.Logger
	profile color.Profile

	alignedW int
	alignedH int

	state state
	mode  Mode

	enc     codec.Encoder
	tracker *ChangeTracker

	// cachedParams is the SPS/PPS pair captured from the first IDR the
	// shared encoder produced, prepended to every later non-IDR payload so
	// each transmitted access unit is self-decodable.
	cachedSPS []byte
	cachedPPS []byte

	frameCount uint64 // monotone; never reset except by full rebuild
	forceKey   bool

	stats statCounters
}

// New constructs an Encoder. It first requests dual-stream (two temporal
// layer) operation; if the backend rejects that configuration, it retries
// in single-stream 4:2:0 mode rather than failing the session. Any other
// construction failure is returned as-is.
func New(opts Options) (*Encoder, error) {
	if opts.Backend == nil {
		return nil, errors.New("avc444: no encoder backend")
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("avc444: invalid resolution %dx%d", opts.Width, opts.Height)
	}
	if opts.FrameRate <= 0 {
		opts.FrameRate = 30
	}
	if opts.BitrateKbps <= 0 {
		opts.BitrateKbps = 5000
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "avc444")

	profile := opts.Profile
	if !opts.ProfileSet {
		profile = color.DefaultProfile(opts.Width, opts.Height)
	}

	aw, ah := AlignedDims(opts.Width, opts.Height)
	cfg := codec.Config{
		Width:             aw,
		Height:            ah,
		FrameRate:         opts.FrameRate,
		BitrateKbps:       opts.BitrateKbps,
		Profile:           codec.ProfileHigh,
		TemporalLayers:    2,
		SceneChangeDetect: false,
	}

	mode := ModeDual
	enc, err := opts.Backend.New(cfg)
	if err != nil {
		var cfgErr *codec.ConfigError
		if !errors.As(err, &cfgErr) {
			return nil, err
		}
		log.Warn("dual-stream configuration rejected, falling back to 4:2:0",
			"error", err)
		cfg.TemporalLayers = 1
		enc, err = opts.Backend.New(cfg)
		if err != nil {
			return nil, err
		}
		mode = ModeSingle
	}

	return &Encoder{
		opts:     opts,
		log:      log,
		profile:  profile,
		alignedW: aw,
		alignedH: ah,
		mode:     mode,
		enc:      enc,
		tracker:  NewChangeTracker(opts.MaxAuxInterval),
	}, nil
}

// Mode reports whether the encoder is running dual-stream or degraded.
func (e *Encoder) Mode() Mode { return e.mode }

// FrameCount returns the number of completed encode cycles that produced
// output.
func (e *Encoder) FrameCount() uint64 { return e.frameCount }

// ForceKeyframe requests that the next cycle produce independent frames on
// both subframes, used on client reconnect or transport-detected desync.
func (e *Encoder) ForceKeyframe() {
	e.forceKey = true
	e.tracker.Invalidate()
}

// NotifyDropped informs the encoder that an already-encoded output frame
// was discarded before reaching the client. The decoder never saw it, so
// the encoder's notion of the decoder state is stale: the next cycle is
// forced to independent frames and the change tracker is invalidated.
func (e *Encoder) NotifyDropped() {
	e.log.Warn("encoded frame dropped before transmission, forcing resync")
	e.ForceKeyframe()
}

// Stats returns a snapshot of cumulative encoder statistics.
func (e *Encoder) Stats() Stats { return e.stats.snapshot(e.mode.String()) }

// Close releases the underlying encoder. Further Encode calls fail with
// ErrClosed.
func (e *Encoder) Close() error {
	if e.state == stateClosed {
		return nil
	}
	e.state = stateClosed
	return e.enc.Close()
}

// Encode runs one full cycle for a captured frame. It returns nil with no
// error when the cycle legitimately produced no output (both subframes
// skipped or omitted).
func (e *Encoder) Encode(pix *media.PixelBuffer) (*media.DualStreamFrame, error) {
	if e.state == stateClosed {
		return nil, ErrClosed
	}
	if pix.Width != e.opts.Width || pix.Height != e.opts.Height {
		return nil, fmt.Errorf("avc444: frame %dx%d does not match session resolution %dx%d (resolution changes require a session rebuild)",
			pix.Width, pix.Height, e.opts.Width, e.opts.Height)
	}

	start := time.Now()

	yuv, err := color.Convert(pix, e.profile)
	if err != nil {
		return nil, fmt.Errorf("avc444: convert: %w", err)
	}
	mainView, auxView, err := Pack(yuv)
	if err != nil {
		return nil, fmt.Errorf("avc444: pack: %w", err)
	}
	if err := e.checkViewDims(mainView); err != nil {
		return nil, err
	}
	if err := e.checkViewDims(auxView); err != nil {
		return nil, err
	}

	forceIDR := e.forceKey || e.frameCount == 0

	mainAU, mainKey, err := e.encodeMain(mainView, forceIDR)
	if err != nil {
		return nil, err
	}

	// The auxiliary stream only becomes self-contained once the shared
	// encoder has produced its parameter sets, which arrive with the first
	// main keyframe. If that first main encode was skipped, the auxiliary
	// view is not attempted either: the cycle ends empty and the tracker
	// stays untouched, so the next cycle still starts from a forced send.
	var auxAU []byte
	if e.mode == ModeDual && e.cachedSPS != nil {
		auxAU, err = e.encodeAux(auxView, forceIDR)
		if err != nil {
			return nil, err
		}
	}

	e.stats.encodeTimeUs.Add(time.Since(start).Microseconds())

	if mainAU == nil && auxAU == nil {
		// Nothing to transmit this cycle: the encoder skipped the main view
		// and the auxiliary view was omitted or skipped. A legitimate
		// outcome, not an error; zero-length payloads must never go out.
		return nil, nil
	}

	out, err := media.NewDualStreamFrame(mainAU, auxAU, mainKey, pix.Timestamp)
	if err != nil {
		return nil, err
	}
	out.Regions = []media.Rect{{Left: 0, Top: 0, Right: e.opts.Width, Bottom: e.opts.Height}}

	if mainKey {
		// A pending ForceKeyframe request stays armed across main-skip
		// cycles; only a delivered main IDR satisfies it.
		e.forceKey = false
	}
	e.frameCount++
	e.stats.framesEncoded.Add(1)
	if mainKey {
		e.stats.keyframes.Add(1)
	}
	return out, nil
}

// checkViewDims enforces the single-source-of-truth stride contract between
// the packer and the encoder call site.
func (e *Encoder) checkViewDims(v *media.Yuv420Frame) error {
	if v.Width != e.alignedW || v.Height != e.alignedH {
		return fmt.Errorf("%w: view %dx%d, encoder %dx%d",
			ErrStrideMismatch, v.Width, v.Height, e.alignedW, e.alignedH)
	}
	return nil
}

// encodeMain encodes the main view on temporal layer 0 and returns the
// self-contained length-prefixed access unit, or nil when the encoder
// skipped the frame.
func (e *Encoder) encodeMain(view *media.Yuv420Frame, forceIDR bool) ([]byte, bool, error) {
	payload, err := e.enc.Encode(view.Y, view.U, view.V, view.Width, view.ChromaStride(),
		codec.EncodeOptions{ForceKeyframe: forceIDR, TemporalLayer: 0})
	if err != nil {
		if errors.Is(err, codec.ErrFrameSkipped) {
			// No main AU went out, so the decoder's main-view state is
			// unchanged; the cycle may still carry a chroma-only frame, and
			// an auxiliary view transmitted that way counts as sent.
			e.stats.mainSkipped.Add(1)
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("avc444: main encode: %w", err)
	}

	au := h264.ParseAccessUnit(payload.Data)
	isKey := payload.Type == codec.FrameIDR || au.HasIDR()
	e.cacheParameterSets(au)

	data, err := e.selfContained(au)
	if err != nil {
		return nil, false, fmt.Errorf("avc444: main stream: %w", err)
	}
	e.stats.bytesMain.Add(int64(len(data)))
	return data, isKey, nil
}

// encodeAux hashes the auxiliary view, applies the omission policy, and
// encodes on temporal layer 1 when a send is due. Returns nil when the view
// was omitted or skipped.
func (e *Encoder) encodeAux(view *media.Yuv420Frame, sessionIDR bool) ([]byte, error) {
	hash := HashView(view)
	decision := e.tracker.Decide(hash)
	if !decision.Send {
		e.tracker.MarkOmitted()
		e.stats.auxOmitted.Add(1)
		return nil, nil
	}

	payload, err := e.enc.Encode(view.Y, view.U, view.V, view.Width, view.ChromaStride(),
		codec.EncodeOptions{ForceKeyframe: decision.ForceIDR || sessionIDR, TemporalLayer: 1})
	if err != nil {
		if errors.Is(err, codec.ErrFrameSkipped) {
			e.tracker.MarkSkipped()
			e.stats.auxSkipped.Add(1)
			return nil, nil
		}
		return nil, fmt.Errorf("avc444: auxiliary encode: %w", err)
	}

	au := h264.ParseAccessUnit(payload.Data)
	if !au.NonReference() {
		// The layer marking did not hold (codec-library behavior varies
		// here, notably around scene-change keyframe insertion). A
		// reference-marked auxiliary frame would contaminate the shared
		// DPB, so degrade to 4:2:0-only rather than risk silent
		// wrong-reference corruption.
		e.log.Error("auxiliary access unit marked as reference, degrading to 4:2:0-only")
		e.mode = ModeSingle
		return nil, nil
	}

	e.cacheParameterSets(au)
	data, err := e.selfContained(au)
	if err != nil {
		return nil, fmt.Errorf("avc444: auxiliary stream: %w", err)
	}

	e.tracker.MarkSent(hash)
	e.stats.auxEncoded.Add(1)
	e.stats.bytesAux.Add(int64(len(data)))
	return data, nil
}

// cacheParameterSets captures SPS/PPS from encoder output once and
// cross-checks the coded resolution against the configured encode size.
func (e *Encoder) cacheParameterSets(au h264.AccessUnit) {
	if e.cachedSPS != nil || !au.HasParameterSets() {
		return
	}
	if info, err := h264.ParseSPS(au.SPS); err == nil {
		if info.Width != e.alignedW || info.Height != e.alignedH {
			// Same contract violation as checkViewDims, detected from the
			// bitstream side. Log loudly; tests assert it cannot happen.
			e.log.Error("SPS resolution disagrees with configured encode size",
				"sps", fmt.Sprintf("%dx%d", info.Width, info.Height),
				"configured", fmt.Sprintf("%dx%d", e.alignedW, e.alignedH))
		}
	}
	e.cachedSPS = append([]byte(nil), au.SPS...)
	e.cachedPPS = append([]byte(nil), au.PPS...)
	e.log.Debug("cached encoder parameter sets", "sps_len", len(e.cachedSPS), "pps_len", len(e.cachedPPS))
}

// selfContained renders an access unit as a length-prefixed payload,
// prepending the cached SPS/PPS when the unit does not carry its own, so
// the receiving parser can decode every transmitted unit in isolation.
func (e *Encoder) selfContained(au h264.AccessUnit) ([]byte, error) {
	units := au.Units
	if !au.HasParameterSets() {
		if e.cachedSPS == nil || e.cachedPPS == nil {
			return nil, errors.New("no cached parameter sets for non-IDR payload")
		}
		prefixed := make([]h264.NALUnit, 0, len(units)+2)
		prefixed = append(prefixed,
			h264.NALUnit{Type: h264.NALTypeSPS, RefIDC: 3, Data: e.cachedSPS},
			h264.NALUnit{Type: h264.NALTypePPS, RefIDC: 3, Data: e.cachedPPS},
		)
		prefixed = append(prefixed, units...)
		units = prefixed
	}
	return h264.LengthPrefixed(units), nil
}
