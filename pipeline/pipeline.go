package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lumen-remote/lumen/capture"
	"github.com/lumen-remote/lumen/media"
	"github.com/lumen-remote/lumen/session"
	"github.com/lumen-remote/lumen/transport"
)

// Encoder is the subset of session.Session the pipeline drives. Accepting an
// interface here decouples the loop from the concrete session type, making
// it testable with stubs.
type Encoder interface {
	Encode(pix *media.PixelBuffer) (*media.DualStreamFrame, error)
	Resize(width, height int) error
	NotifyDropped()
}

// Pipeline bridges one capture source and one session. Frames flow capture →
// mailbox → encode → transport; every drop is accounted at the stage where
// it happens.
type Pipeline struct {
	log     *slog.Logger
	source  capture.Source
	sess    Encoder
	sink    transport.FrameTransport
	mailbox *Mailbox

	width  int
	height int

	startTime time.Time

	captured    atomic.Int64
	encoded     atomic.Int64
	droppedPre  atomic.Int64 // dropped before encode (backpressure or mailbox replace)
	droppedPost atomic.Int64 // encoded but refused by the transport
	emptyCycles atomic.Int64
	resizes     atomic.Int64
}

// New creates a pipeline for a session whose current resolution is
// width x height.
func New(source capture.Source, sess Encoder, sink transport.FrameTransport, width, height int, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		log:       log.With("component", "pipeline"),
		source:    source,
		sess:      sess,
		sink:      sink,
		mailbox:   NewMailbox(),
		width:     width,
		height:    height,
		startTime: time.Now(),
	}
}

// Run starts the capture and encode goroutines and blocks until the context
// is cancelled or the session tears down. A cancelled context is a clean
// shutdown and returns nil.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.captureLoop(ctx) })
	g.Go(func() error { return p.encodeLoop(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pipeline) captureLoop(ctx context.Context) error {
	for {
		pix, err := p.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("capture: %w", err)
		}
		p.captured.Add(1)
		if p.mailbox.Put(pix) {
			p.droppedPre.Add(1)
		}
	}
}

func (p *Pipeline) encodeLoop(ctx context.Context) error {
	for {
		pix, err := p.mailbox.Take(ctx)
		if err != nil {
			return err
		}

		if pix.Width != p.width || pix.Height != p.height {
			if err := p.sess.Resize(pix.Width, pix.Height); err != nil {
				return fmt.Errorf("resize to %dx%d: %w", pix.Width, pix.Height, err)
			}
			p.width, p.height = pix.Width, pix.Height
			p.resizes.Add(1)
		}

		// Backpressure drops happen here, before the encode: an encoded frame
		// the transport cannot take would force a decoder resync, while an
		// unencoded one costs nothing.
		if !p.sink.Ready() {
			p.droppedPre.Add(1)
			continue
		}

		out, err := p.sess.Encode(pix)
		if err != nil {
			if errors.Is(err, session.ErrTornDown) {
				return err
			}
			// Recoverable cycle failure; the session escalates on its own if
			// these persist.
			p.log.Warn("encode cycle failed", "error", err)
			continue
		}
		if out == nil {
			p.emptyCycles.Add(1)
			continue
		}
		p.encoded.Add(1)

		if err := p.sink.Send(out); err != nil {
			p.droppedPost.Add(1)
			p.sess.NotifyDropped()
			p.log.Warn("transport refused encoded frame", "error", err)
		}
	}
}

// Stats is the pipeline's JSON-serializable counter snapshot.
type Stats struct {
	UptimeMs        int64 `json:"uptimeMs"`
	FramesCaptured  int64 `json:"framesCaptured"`
	FramesEncoded   int64 `json:"framesEncoded"`
	DroppedPre      int64 `json:"droppedPreEncode"`
	DroppedPost     int64 `json:"droppedPostEncode"`
	EmptyCycles     int64 `json:"emptyCycles"`
	MailboxReplaced int64 `json:"mailboxReplaced"`
	Resizes         int64 `json:"resizes"`
}

// Snapshot returns the current counters.
func (p *Pipeline) Snapshot() Stats {
	return Stats{
		UptimeMs:        time.Since(p.startTime).Milliseconds(),
		FramesCaptured:  p.captured.Load(),
		FramesEncoded:   p.encoded.Load(),
		DroppedPre:      p.droppedPre.Load(),
		DroppedPost:     p.droppedPost.Load(),
		EmptyCycles:     p.emptyCycles.Load(),
		MailboxReplaced: p.mailbox.Replaced(),
		Resizes:         p.resizes.Load(),
	}
}
