// Package session ties one connected client to one encoder instance and
// manages its lifecycle: construction, resolution changes (which rebuild the
// encoder from scratch), failure escalation, and teardown.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lumen-remote/lumen/avc444"
	"github.com/lumen-remote/lumen/codec"
	"github.com/lumen-remote/lumen/color"
	"github.com/lumen-remote/lumen/media"
)

// maxConsecutiveFailures is how many encode cycles may fail back to back
// before the session tears itself down. A single failed cycle is recoverable
// (the next capture simply becomes the next cycle); a run of them means the
// encoder state is wedged.
const maxConsecutiveFailures = 3

var (
	// ErrTornDown is returned by Encode once the session has escalated past
	// repeated cycle failures or has been closed.
	ErrTornDown = errors.New("session: torn down")
	// ErrDuplicateKey is returned by Manager.Create for an already-registered key.
	ErrDuplicateKey = errors.New("session: key already registered")
)

// Config carries the per-session encoder parameters. Width and Height are
// the client's current desktop resolution.
type Config struct {
	Width  int
	Height int

	Profile    color.Profile
	ProfileSet bool

	FrameRate   int
	BitrateKbps int

	MaxAuxInterval int

	Backend codec.Factory
	Logger  *slog.Logger
}

func (c Config) encoderOptions(log *slog.Logger) avc444.Options {
	return avc444.Options{
		Width:          c.Width,
		Height:         c.Height,
		Profile:        c.Profile,
		ProfileSet:     c.ProfileSet,
		FrameRate:      c.FrameRate,
		BitrateKbps:    c.BitrateKbps,
		MaxAuxInterval: c.MaxAuxInterval,
		Backend:        c.Backend,
		Logger:         log,
	}
}

// Session owns exactly one encoder for one client. All methods are safe for
// concurrent use; encode cycles themselves are serialized by the internal
// lock, preserving the encoder's strictly-sequential contract.
type Session struct {
	Key       string
	StartedAt time.Time

	log *slog.Logger

	mu       sync.Mutex
	cfg      Config
	enc      *avc444.Encoder
	failures int
	rebuilds int
	tornDown bool
}

// New creates a session and its encoder.
func New(key string, cfg Config) (*Session, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("session", key)

	enc, err := avc444.New(cfg.encoderOptions(log))
	if err != nil {
		return nil, fmt.Errorf("session %q: %w", key, err)
	}
	log.Info("session started",
		"resolution", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"mode", enc.Mode().String())

	return &Session{
		Key:       key,
		StartedAt: time.Now(),
		log:       log,
		cfg:       cfg,
		enc:       enc,
	}, nil
}

// Encode runs one encode cycle. A nil frame with nil error means the cycle
// legitimately produced no output. After maxConsecutiveFailures failed
// cycles in a row the session tears down and all further calls return
// ErrTornDown.
func (s *Session) Encode(pix *media.PixelBuffer) (*media.DualStreamFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tornDown {
		return nil, ErrTornDown
	}

	out, err := s.enc.Encode(pix)
	if err != nil {
		s.failures++
		s.log.Error("encode cycle failed", "error", err, "consecutive", s.failures)
		if s.failures >= maxConsecutiveFailures {
			s.teardownLocked()
			return nil, fmt.Errorf("%w: %d consecutive encode failures: %v", ErrTornDown, s.failures, err)
		}
		return nil, err
	}

	s.failures = 0
	return out, nil
}

// Resize rebuilds the encoder for a new resolution. Mid-stream resolution
// changes are not supported by the encode path; the rebuilt encoder starts
// from frame zero, so the first cycle afterwards is an IDR by construction.
func (s *Session) Resize(width, height int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tornDown {
		return ErrTornDown
	}
	if width == s.cfg.Width && height == s.cfg.Height {
		return nil
	}

	cfg := s.cfg
	cfg.Width, cfg.Height = width, height
	enc, err := avc444.New(cfg.encoderOptions(s.log))
	if err != nil {
		// The old encoder is still intact; the session keeps serving the old
		// resolution and the caller decides whether to retry or tear down.
		return fmt.Errorf("session %q: rebuild for %dx%d: %w", s.Key, width, height, err)
	}

	s.enc.Close()
	s.enc = enc
	s.cfg = cfg
	s.rebuilds++
	s.log.Info("session rebuilt for new resolution",
		"resolution", fmt.Sprintf("%dx%d", width, height), "rebuilds", s.rebuilds)
	return nil
}

// ForceKeyframe requests independent frames on the next cycle.
func (s *Session) ForceKeyframe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.tornDown {
		s.enc.ForceKeyframe()
	}
}

// NotifyDropped reports that an encoded frame was discarded after Encode
// returned it; the next cycle resynchronizes the decoder.
func (s *Session) NotifyDropped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.tornDown {
		s.enc.NotifyDropped()
	}
}

// Snapshot is the JSON shape served by the stats API for one session.
type Snapshot struct {
	Key        string       `json:"key"`
	StartedAt  time.Time    `json:"startedAt"`
	Width      int          `json:"width"`
	Height     int          `json:"height"`
	Rebuilds   int          `json:"rebuilds"`
	FrameCount uint64       `json:"frameCount"`
	TornDown   bool         `json:"tornDown"`
	Encoder    avc444.Stats `json:"encoder"`
}

// Stats returns a point-in-time snapshot.
func (s *Session) Stats() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Key:       s.Key,
		StartedAt: s.StartedAt,
		Width:     s.cfg.Width,
		Height:    s.cfg.Height,
		Rebuilds:  s.rebuilds,
		TornDown:  s.tornDown,
	}
	if !s.tornDown {
		snap.FrameCount = s.enc.FrameCount()
		snap.Encoder = s.enc.Stats()
	}
	return snap
}

// Close tears the session down.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.tornDown {
		s.teardownLocked()
	}
	return nil
}

func (s *Session) teardownLocked() {
	s.tornDown = true
	s.enc.Close()
	s.log.Info("session torn down")
}
