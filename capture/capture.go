// Package capture defines the frame acquisition boundary consumed by the
// encode pipeline. The production compositor capture lives outside this
// module; this package carries the interface plus a synthetic test-pattern
// source used by the binary's self-test mode and the pipeline tests.
package capture

import (
	"context"
	"sync"
	"time"

	"github.com/lumen-remote/lumen/media"
)

// Source delivers captured desktop frames in presentation order. A
// resolution change shows up as a frame with new dimensions; the consumer
// owns the session rebuild that follows.
type Source interface {
	// Next blocks until the next frame is available or ctx is done. The
	// returned buffer is owned by the caller.
	Next(ctx context.Context) (*media.PixelBuffer, error)

	Close() error
}

// Pattern is a synthetic source producing moving vertical color bands at a
// fixed rate. The pattern shifts every frame so the chroma content is never
// static, and Resize takes effect on the next frame.
type Pattern struct {
	ticker *time.Ticker

	mu     sync.Mutex
	width  int
	height int
	frame  int
	closed bool
}

// NewPattern creates a pattern source at the given resolution and rate.
func NewPattern(width, height, fps int) *Pattern {
	if fps <= 0 {
		fps = 30
	}
	return &Pattern{
		ticker: time.NewTicker(time.Second / time.Duration(fps)),
		width:  width,
		height: height,
	}
}

// Resize changes the dimensions of subsequently produced frames.
func (p *Pattern) Resize(width, height int) {
	p.mu.Lock()
	p.width, p.height = width, height
	p.mu.Unlock()
}

func (p *Pattern) Next(ctx context.Context) (*media.PixelBuffer, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ticker.C:
	}

	p.mu.Lock()
	w, h, n := p.width, p.height, p.frame
	p.frame++
	p.mu.Unlock()

	return renderBands(w, h, n), nil
}

func (p *Pattern) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.ticker.Stop()
	}
	return nil
}

// bandColors are BGRA band colors chosen for distinct chroma content.
var bandColors = [][3]byte{
	{0x00, 0x00, 0xFF}, // red
	{0x00, 0xFF, 0x00}, // green
	{0xFF, 0x00, 0x00}, // blue
	{0x00, 0xFF, 0xFF}, // yellow
	{0xFF, 0xFF, 0x00}, // cyan
	{0xFF, 0x00, 0xFF}, // magenta
	{0xFF, 0xFF, 0xFF}, // white
	{0x00, 0x00, 0x00}, // black
}

func renderBands(width, height, frame int) *media.PixelBuffer {
	const bandWidth = 16
	data := make([]byte, width*height*4)
	for y := 0; y < height; y++ {
		row := data[y*width*4:]
		for x := 0; x < width; x++ {
			c := bandColors[((x+frame)/bandWidth)%len(bandColors)]
			row[x*4] = c[0]
			row[x*4+1] = c[1]
			row[x*4+2] = c[2]
			row[x*4+3] = 0xFF
		}
	}
	return &media.PixelBuffer{Data: data, Width: width, Height: height, Timestamp: time.Now()}
}
