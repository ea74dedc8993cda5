// Package media defines the frame types that flow through the Lumen encoding
// pipeline, from screen capture through color conversion, dual-view packing,
// and bitstream assembly.
package media

import (
	"errors"
	"fmt"
	"time"
)

// PixelBuffer is a raw BGRA8888 frame as delivered by the capture layer:
// row-major, 4 bytes per pixel, no row padding at this boundary. The buffer
// is owned by the capture layer until handed to the converter and must not
// be mutated during conversion.
type PixelBuffer struct {
	Data      []byte
	Width     int
	Height    int
	Timestamp time.Time
}

// ErrBufferSize indicates a pixel buffer whose length disagrees with its
// declared dimensions.
var ErrBufferSize = errors.New("media: pixel buffer length does not match dimensions")

// Validate checks that the buffer length matches Width*Height*4.
func (p *PixelBuffer) Validate() error {
	if want := p.Width * p.Height * 4; len(p.Data) != want {
		return fmt.Errorf("%w: have %d bytes, want %d (%dx%d)", ErrBufferSize, len(p.Data), want, p.Width, p.Height)
	}
	return nil
}

// Yuv444Frame holds three full-resolution planes: every plane is exactly
// Width*Height bytes. Frames are produced fresh per capture and consumed
// within a single encode cycle.
type Yuv444Frame struct {
	Width  int
	Height int
	Y      []byte
	U      []byte
	V      []byte
}

// NewYuv444Frame allocates a frame with all three planes sized Width*Height.
func NewYuv444Frame(width, height int) *Yuv444Frame {
	n := width * height
	return &Yuv444Frame{
		Width:  width,
		Height: height,
		Y:      make([]byte, n),
		U:      make([]byte, n),
		V:      make([]byte, n),
	}
}

// Yuv420Frame holds a full-resolution luma plane and half-resolution chroma
// planes (Width/2 x Height/2; dimensions are always even in this pipeline
// because frames are padded to the macroblock grid before packing).
type Yuv420Frame struct {
	Width  int
	Height int
	Y      []byte
	U      []byte
	V      []byte
}

// NewYuv420Frame allocates a 4:2:0 frame for even width and height.
func NewYuv420Frame(width, height int) *Yuv420Frame {
	return &Yuv420Frame{
		Width:  width,
		Height: height,
		Y:      make([]byte, width*height),
		U:      make([]byte, (width/2)*(height/2)),
		V:      make([]byte, (width/2)*(height/2)),
	}
}

// ChromaStride returns the byte stride of the chroma planes.
func (f *Yuv420Frame) ChromaStride() int { return f.Width / 2 }

// ChromaDisposition indicates which of the two AVC444 subframes a
// DualStreamFrame carries. The wire format allows three states; "neither"
// is not representable (the DualStreamFrame constructor rejects it).
type ChromaDisposition int

const (
	// DispositionBoth carries the main (luma+subsampled chroma) and the
	// auxiliary (residual chroma) subframes.
	DispositionBoth ChromaDisposition = iota
	// DispositionLumaOnly carries only the main subframe; the auxiliary
	// update is deferred or omitted.
	DispositionLumaOnly
	// DispositionChromaOnly carries only the auxiliary subframe, refreshing
	// chroma against a previously transmitted main frame.
	DispositionChromaOnly
)

func (d ChromaDisposition) String() string {
	switch d {
	case DispositionBoth:
		return "both"
	case DispositionLumaOnly:
		return "luma-only"
	case DispositionChromaOnly:
		return "chroma-only"
	default:
		return "unknown"
	}
}

// Rect is a dirty-region rectangle in frame coordinates, inclusive left/top,
// exclusive right/bottom.
type Rect struct {
	Left   int
	Top    int
	Right  int
	Bottom int
}

// ErrEmptyFrame is returned when a DualStreamFrame would carry neither
// subframe, which the wire format forbids.
var ErrEmptyFrame = errors.New("media: dual-stream frame must carry at least one subframe")

// DualStreamFrame is the per-cycle output handed to the frame transport.
// Both bitstreams are self-contained, length-prefixed access units; the
// transport treats them as opaque byte ranges. Ownership transfers to the
// transport on handoff.
type DualStreamFrame struct {
	Disposition ChromaDisposition
	Main        []byte // length-prefixed AU, nil when disposition is chroma-only
	Auxiliary   []byte // length-prefixed AU, nil unless disposition includes chroma
	Keyframe    bool   // main subframe is an IDR
	Regions     []Rect
	Timestamp   time.Time
}

// NewDualStreamFrame assembles an output frame, deriving the disposition
// from which bitstreams are present. Returns ErrEmptyFrame when both are
// empty: the wire format has no encoding for that state.
func NewDualStreamFrame(main, aux []byte, keyframe bool, ts time.Time) (*DualStreamFrame, error) {
	f := &DualStreamFrame{Main: main, Auxiliary: aux, Keyframe: keyframe, Timestamp: ts}
	switch {
	case len(main) > 0 && len(aux) > 0:
		f.Disposition = DispositionBoth
	case len(main) > 0:
		f.Disposition = DispositionLumaOnly
		f.Auxiliary = nil
	case len(aux) > 0:
		f.Disposition = DispositionChromaOnly
		f.Main = nil
	default:
		return nil, ErrEmptyFrame
	}
	return f, nil
}
