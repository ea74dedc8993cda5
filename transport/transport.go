// Package transport defines the frame handoff boundary between the encode
// pipeline and whatever carries frames to the client, plus a loopback
// implementation used by the binary's self-test mode and the pipeline tests.
package transport

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/lumen-remote/lumen/egfx"
	"github.com/lumen-remote/lumen/media"
)

var (
	// ErrBackpressure is returned by Send when the in-flight window is full.
	// The frame was not accepted; the caller owns the drop accounting.
	ErrBackpressure = errors.New("transport: in-flight window full")
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("transport: closed")
)

// FrameTransport carries encoded frames to a client. Implementations must
// not block in Send: a frame is either accepted immediately or refused with
// ErrBackpressure, so the encode loop's pacing never depends on the network.
type FrameTransport interface {
	// Ready reports whether the transport can accept a frame right now.
	// The pipeline polls it before encoding so that backpressure drops
	// frames before they cost an encode cycle.
	Ready() bool

	// Send hands over one encoded frame. Ownership of the frame transfers
	// on success.
	Send(frame *media.DualStreamFrame) error
}

// DefaultInFlight is the loopback's default in-flight window.
const DefaultInFlight = 2

// Loopback serializes frames to RFX_AVC444 wire bytes and delivers them on
// a bounded channel, standing in for a real client connection.
type Loopback struct {
	log   *slog.Logger
	quant egfx.QuantQuality
	out   chan []byte

	mu     sync.Mutex
	closed bool

	framesSent atomic.Int64
	bytesSent  atomic.Int64
}

// NewLoopback creates a loopback transport with the given in-flight window.
// A non-positive depth selects DefaultInFlight.
func NewLoopback(depth int, log *slog.Logger) *Loopback {
	if depth <= 0 {
		depth = DefaultInFlight
	}
	if log == nil {
		log = slog.Default()
	}
	return &Loopback{
		log:   log.With("component", "loopback-transport"),
		quant: egfx.QuantQuality{QP: 22, Quality: 100},
		out:   make(chan []byte, depth),
	}
}

func (l *Loopback) Ready() bool {
	return len(l.out) < cap(l.out)
}

func (l *Loopback) Send(frame *media.DualStreamFrame) error {
	data, err := egfx.EncodeAVC444(frame, l.quant)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	select {
	case l.out <- data:
		l.framesSent.Add(1)
		l.bytesSent.Add(int64(len(data)))
		return nil
	default:
		return ErrBackpressure
	}
}

// Output is the receive side: one RFX_AVC444_BITMAP_STREAM per frame. The
// channel closes after Close once drained.
func (l *Loopback) Output() <-chan []byte { return l.out }

// FramesSent returns the number of frames accepted so far.
func (l *Loopback) FramesSent() int64 { return l.framesSent.Load() }

// BytesSent returns the total wire bytes accepted so far.
func (l *Loopback) BytesSent() int64 { return l.bytesSent.Load() }

// Close stops accepting frames and closes the output channel.
func (l *Loopback) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.out)
	l.log.Debug("loopback closed", "frames", l.framesSent.Load(), "bytes", l.bytesSent.Load())
}
