package avc444

import (
	"github.com/cespare/xxhash/v2"

	"github.com/lumen-remote/lumen/media"
)

// DefaultMaxAuxInterval is the default cap on how many frames the auxiliary
// view may be omitted before a refresh is forced.
const DefaultMaxAuxInterval = 30

// HashView computes the content hash of a 4:2:0 view over all three planes.
// xxhash is deliberate: a false "unchanged" verdict only costs one stale
// auxiliary frame for a refresh interval, so collision resistance buys
// nothing here and speed is what matters at per-frame rates.
func HashView(f *media.Yuv420Frame) uint64 {
	d := xxhash.New()
	d.Write(f.Y)
	d.Write(f.U)
	d.Write(f.V)
	return d.Sum64()
}

// Decision is the change tracker's verdict for one encode cycle.
type Decision struct {
	// Send is false when the auxiliary view should be omitted this cycle.
	Send bool
	// ForceIDR requests that the auxiliary view be encoded as an independent
	// frame, set whenever its previous reference may be stale relative to
	// what the decoder retains (resume after omission, first send, or
	// explicit invalidation).
	ForceIDR bool
}

// ChangeTracker decides whether the auxiliary stream needs retransmission
// for a given cycle. It tracks the hash of the last auxiliary view that was
// actually sent and the number of frames elapsed since.
//
// Not safe for concurrent use; it is owned by the Encoder, which is itself
// single-threaded per session.
type ChangeTracker struct {
	maxInterval int

	lastSent      uint64
	hasSent       bool
	sinceSent     int
	omittedSince  bool // an omission happened after the last send
	forceRefresh  bool // set by Invalidate; next decision must send an IDR
}

// NewChangeTracker creates a tracker. A non-positive maxInterval selects
// DefaultMaxAuxInterval.
func NewChangeTracker(maxInterval int) *ChangeTracker {
	if maxInterval <= 0 {
		maxInterval = DefaultMaxAuxInterval
	}
	return &ChangeTracker{maxInterval: maxInterval}
}

// Decide returns the verdict for an auxiliary view with the given content
// hash. It does not mutate send state; the caller reports the outcome via
// MarkSent, MarkOmitted, or MarkSkipped.
func (t *ChangeTracker) Decide(hash uint64) Decision {
	if t.forceRefresh {
		return Decision{Send: true, ForceIDR: true}
	}
	if !t.hasSent {
		return Decision{Send: true, ForceIDR: true}
	}
	if hash == t.lastSent && t.sinceSent < t.maxInterval {
		return Decision{Send: false}
	}
	return Decision{Send: true, ForceIDR: t.omittedSince}
}

// MarkSent records that an auxiliary view with the given hash was encoded
// and handed to the transport.
func (t *ChangeTracker) MarkSent(hash uint64) {
	t.lastSent = hash
	t.hasSent = true
	t.sinceSent = 0
	t.omittedSince = false
	t.forceRefresh = false
}

// MarkOmitted records a voluntary omission cycle.
func (t *ChangeTracker) MarkOmitted() {
	t.sinceSent++
	t.omittedSince = true
}

// MarkSkipped records that the encoder itself declined to produce output
// for the auxiliary view. Indistinguishable from omission as far as the
// decoder is concerned, so it is tracked the same way.
func (t *ChangeTracker) MarkSkipped() {
	t.sinceSent++
	t.omittedSince = true
}

// Invalidate discards the notion of "last sent": the next auxiliary view
// must be encoded as an independent frame regardless of content. Called
// when an already-encoded frame was dropped before reaching the client,
// since the decoder never saw what the tracker thinks it saw.
func (t *ChangeTracker) Invalidate() {
	t.forceRefresh = true
}
