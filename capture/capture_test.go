package capture

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestPatternProducesValidFrames(t *testing.T) {
	t.Parallel()
	p := NewPattern(64, 48, 120)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	a, err := p.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if a.Width != 64 || a.Height != 48 {
		t.Fatalf("frame %dx%d, want 64x48", a.Width, a.Height)
	}
	if err := a.Validate(); err != nil {
		t.Fatal(err)
	}

	b, err := p.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a.Data, b.Data) {
		t.Error("pattern must move between frames")
	}
}

func TestPatternResize(t *testing.T) {
	t.Parallel()
	p := NewPattern(64, 48, 120)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p.Resize(32, 16)
	f, err := p.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if f.Width != 32 || f.Height != 16 {
		t.Errorf("frame %dx%d after resize, want 32x16", f.Width, f.Height)
	}
	if err := f.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestPatternRespectsContext(t *testing.T) {
	t.Parallel()
	p := NewPattern(64, 48, 1) // slow enough that cancellation wins
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Next(ctx); err == nil {
		t.Error("cancelled context must abort Next")
	}
}
