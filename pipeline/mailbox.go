// Package pipeline drives the capture-to-transport data flow for a single
// session: frames arrive from an asynchronous capture source, pass through a
// latest-wins mailbox into the strictly sequential encode loop, and leave
// via the frame transport.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/lumen-remote/lumen/media"
)

// Mailbox is a single-slot, latest-wins handoff between the capture
// goroutine and the encode loop. Posting over an occupied slot replaces the
// old frame: screen content is only ever worth encoding in its newest state,
// so queueing depth beyond one frame would just add latency.
type Mailbox struct {
	mu     sync.Mutex
	slot   *media.PixelBuffer
	notify chan struct{}

	replaced atomic.Int64
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{notify: make(chan struct{}, 1)}
}

// Put deposits a frame, replacing any frame already waiting. Never blocks.
// Returns true when a waiting frame was replaced.
func (m *Mailbox) Put(frame *media.PixelBuffer) bool {
	m.mu.Lock()
	replaced := m.slot != nil
	m.slot = frame
	m.mu.Unlock()

	if replaced {
		m.replaced.Add(1)
	}
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return replaced
}

// Take removes and returns the waiting frame, blocking until one is
// available or ctx is done.
func (m *Mailbox) Take(ctx context.Context) (*media.PixelBuffer, error) {
	for {
		m.mu.Lock()
		frame := m.slot
		m.slot = nil
		m.mu.Unlock()
		if frame != nil {
			return frame, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.notify:
		}
	}
}

// Replaced returns how many frames were overwritten before being taken.
func (m *Mailbox) Replaced() int64 { return m.replaced.Load() }
