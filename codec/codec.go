// Package codec defines the backend-agnostic interface to H.264 encoder
// implementations (software or hardware) and the capability registry used
// to select one at session construction.
package codec

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Profile identifies the H.264 profile requested from a backend.
type Profile int

const (
	ProfileBaseline Profile = 66
	ProfileMain     Profile = 77
	ProfileHigh     Profile = 100
)

// Config carries the encoder parameters fixed at construction. A backend
// that cannot honor the configuration must fail construction with a
// ConfigError rather than silently degrading; the caller owns the fallback
// policy.
type Config struct {
	Width       int
	Height      int
	FrameRate   int
	BitrateKbps int
	Profile     Profile

	// TemporalLayers is 1 for plain single-stream encoding or 2 for
	// dual-stream operation, where layer 0 is the reference base layer and
	// layer 1 is non-reference.
	TemporalLayers int

	// SceneChangeDetect enables codec-internal scene-cut keyframe insertion.
	// Dual-stream operation requires it off: an automatic keyframe on the
	// non-reference layer would re-enter the reference picture buffer and
	// break the isolation the layering exists to provide.
	SceneChangeDetect bool
}

func (c Config) validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return &ConfigError{Reason: fmt.Sprintf("invalid dimensions %dx%d", c.Width, c.Height)}
	}
	if c.Width%2 != 0 || c.Height%2 != 0 {
		return &ConfigError{Reason: fmt.Sprintf("dimensions %dx%d not even", c.Width, c.Height)}
	}
	if c.TemporalLayers < 1 || c.TemporalLayers > 2 {
		return &ConfigError{Reason: fmt.Sprintf("unsupported temporal layer count %d", c.TemporalLayers)}
	}
	return nil
}

// Validate checks structural invariants common to all backends.
func (c Config) Validate() error { return c.validate() }

// EncodeOptions carries the per-call parameters for one subframe encode.
type EncodeOptions struct {
	// ForceKeyframe requests an independent frame. On the base layer this
	// produces a true IDR. On a non-reference enhancement layer it produces
	// an intra-coded, non-reference frame instead: an IDR would flush the
	// shared decoded picture buffer and orphan the base layer's references.
	ForceKeyframe bool
	// TemporalLayer assigns the frame to a layer; must be < TemporalLayers.
	TemporalLayer int
}

// FrameType classifies a produced access unit.
type FrameType int

const (
	// FrameIDR is an instantaneous decoder refresh: independent and
	// reference, flushes the DPB.
	FrameIDR FrameType = iota
	// FrameIntra is independently decodable but non-reference; used for
	// enhancement-layer refreshes.
	FrameIntra
	// FrameP is predictively coded.
	FrameP
)

func (t FrameType) String() string {
	switch t {
	case FrameIDR:
		return "IDR"
	case FrameIntra:
		return "intra"
	case FrameP:
		return "P"
	default:
		return "unknown"
	}
}

// Payload is one encoded access unit in Annex B form.
type Payload struct {
	Data []byte
	Type FrameType
}

// ErrFrameSkipped is returned by Encode when the encoder elects to produce
// no output for this call (rate-control decision). This is a legitimate
// outcome, not a failure; callers treat it as an omission.
var ErrFrameSkipped = errors.New("codec: encoder skipped frame")

// ErrClosed is returned by Encode after Close.
var ErrClosed = errors.New("codec: encoder closed")

// ConfigError reports that a backend rejected the requested configuration
// at construction. Callers distinguish it with errors.As to trigger the
// degraded single-stream fallback instead of failing the session.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("codec: configuration rejected: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("codec: configuration rejected: %s", e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Stats holds backend-level counters.
type Stats struct {
	FramesEncoded int64 `json:"framesEncoded"`
	Keyframes     int64 `json:"keyframes"`
	BytesEncoded  int64 `json:"bytesEncoded"`
	EncodeTimeMs  int64 `json:"encodeTimeMs"`
}

// Encoder is a single native encoder instance. Implementations are not safe
// for concurrent use: the owner must serialize Encode calls, and a new
// cycle's calls must not begin before the previous call returned. Plane
// pointers passed to Encode are only borrowed for the duration of the call.
type Encoder interface {
	// Encode submits one 4:2:0 view (as separate planes with explicit
	// strides) and returns the produced access unit in Annex B form.
	// Returns ErrFrameSkipped when rate control declines to emit output.
	Encode(y, u, v []byte, yStride, cStride int, opts EncodeOptions) (Payload, error)

	// ForceKeyframe requests that the next encoded frame be an IDR,
	// regardless of per-call options.
	ForceKeyframe()

	// Stats returns a point-in-time snapshot of backend counters.
	Stats() Stats

	// Close releases the native handle. The encoder is unusable afterwards.
	Close() error
}

// Capability describes an encoder backend for selection and for reporting
// over the stats API.
type Capability struct {
	Name           string `json:"name"`
	Codec          string `json:"codec"`
	Hardware       bool   `json:"hardware"`
	TemporalLayers bool   `json:"temporalLayers"`
	MaxWidth       int    `json:"maxWidth,omitempty"`
	MaxHeight      int    `json:"maxHeight,omitempty"`
}

// Factory creates encoder instances for one backend.
type Factory interface {
	Capability() Capability
	New(cfg Config) (Encoder, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a backend factory under its capability name. Typically
// called from backend package init. Later registrations with the same name
// replace earlier ones.
func Register(f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[f.Capability().Name] = f
}

// Lookup returns the named backend factory.
func Lookup(name string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// Backends lists registered backend capabilities, sorted by name.
func Backends() []Capability {
	registryMu.RLock()
	defer registryMu.RUnlock()
	caps := make([]Capability, 0, len(registry))
	for _, f := range registry {
		caps = append(caps, f.Capability())
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i].Name < caps[j].Name })
	return caps
}
