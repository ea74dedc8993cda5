// Package avc444 implements the dual-stream 4:4:4 encoding core: packing a
// YUV 4:4:4 frame into the main/auxiliary YUV 4:2:0 view pair, deciding when
// the auxiliary view needs retransmission, and orchestrating both subframes
// through a single shared H.264 encoder instance.
package avc444

import (
	"fmt"

	"github.com/lumen-remote/lumen/media"
)

// macroblockSize is the H.264 macroblock edge. Both views are padded to this
// grid, and the padded dimensions are the exact dimensions declared to the
// encoder: the packer and the encoder call site share AlignedDims as the
// single source of truth, so the planes and the reported stride can never
// disagree.
const macroblockSize = 16

// neutralChroma is the value used to pad chroma samples (and the
// chroma-carrying regions of the auxiliary luma plane). Zero would read as
// a saturated color and bleed into the visible edge through prediction.
const neutralChroma = 128

// AlignedDims returns the macroblock-aligned dimensions for a source size.
func AlignedDims(width, height int) (int, int) {
	return align(width), align(height)
}

func align(n int) int {
	return (n + macroblockSize - 1) &^ (macroblockSize - 1)
}

// Pack splits a YUV 4:4:4 frame into the two 4:2:0 views of the AVC444 wire
// format, both padded to the macroblock grid:
//
//   - main: the luma plane unchanged plus 2x2 box-filtered chroma. A 4:2:0-only
//     decoder needs nothing else.
//   - auxiliary: the chroma information the box filter discards, re-packed into
//     a second 4:2:0 container. The auxiliary luma plane carries the odd rows
//     of U and V at full width, interleaved in 8-row halves per 16-row
//     macroblock band (U rows in the top half, V rows in the bottom). The
//     auxiliary chroma planes carry the odd-column, even-row U and V samples.
//
// Pack is deterministic: identical input planes produce identical output
// planes, which the change tracker relies on.
func Pack(frame *media.Yuv444Frame) (main, aux *media.Yuv420Frame, err error) {
	w, h := frame.Width, frame.Height
	if w <= 0 || h <= 0 {
		return nil, nil, fmt.Errorf("avc444: invalid frame dimensions %dx%d", w, h)
	}
	if n := w * h; len(frame.Y) != n || len(frame.U) != n || len(frame.V) != n {
		return nil, nil, fmt.Errorf("avc444: plane sizes %d/%d/%d do not match %dx%d",
			len(frame.Y), len(frame.U), len(frame.V), w, h)
	}

	aw, ah := AlignedDims(w, h)
	main = media.NewYuv420Frame(aw, ah)
	aux = media.NewYuv420Frame(aw, ah)

	packMainLuma(frame, main)
	packMainChroma(frame, main)
	packAuxLuma(frame, aux)
	packAuxChroma(frame, aux)
	return main, aux, nil
}

// yAt reads a luma sample with edge replication for padded coordinates.
func yAt(f *media.Yuv444Frame, x, y int) byte {
	if x >= f.Width {
		x = f.Width - 1
	}
	if y >= f.Height {
		y = f.Height - 1
	}
	return f.Y[y*f.Width+x]
}

// chromaAt reads a chroma sample, returning the neutral value outside the
// source rectangle.
func chromaAt(plane []byte, f *media.Yuv444Frame, x, y int) byte {
	if x >= f.Width || y >= f.Height {
		return neutralChroma
	}
	return plane[y*f.Width+x]
}

func packMainLuma(src *media.Yuv444Frame, dst *media.Yuv420Frame) {
	aw := dst.Width
	for y := 0; y < dst.Height; y++ {
		row := dst.Y[y*aw : (y+1)*aw]
		if y < src.Height {
			copy(row, src.Y[y*src.Width:(y+1)*src.Width])
			// Replicate the rightmost pixel across the horizontal padding.
			edge := row[src.Width-1]
			for x := src.Width; x < aw; x++ {
				row[x] = edge
			}
		} else {
			copy(row, dst.Y[(src.Height-1)*aw:src.Height*aw])
		}
	}
}

// packMainChroma fills the main view's chroma planes with the rounded 2x2
// box average of the 4:4:4 chroma, computed over the 128-padded grid.
func packMainChroma(src *media.Yuv444Frame, dst *media.Yuv420Frame) {
	cw := dst.Width / 2
	ch := dst.Height / 2
	for cy := 0; cy < ch; cy++ {
		sy := cy * 2
		for cx := 0; cx < cw; cx++ {
			sx := cx * 2
			dst.U[cy*cw+cx] = boxAvg(
				chromaAt(src.U, src, sx, sy), chromaAt(src.U, src, sx+1, sy),
				chromaAt(src.U, src, sx, sy+1), chromaAt(src.U, src, sx+1, sy+1))
			dst.V[cy*cw+cx] = boxAvg(
				chromaAt(src.V, src, sx, sy), chromaAt(src.V, src, sx+1, sy),
				chromaAt(src.V, src, sx, sy+1), chromaAt(src.V, src, sx+1, sy+1))
		}
	}
}

func boxAvg(a, b, c, d byte) byte {
	return byte((int(a) + int(b) + int(c) + int(d) + 2) >> 2)
}

// packAuxLuma writes the odd chroma rows into the auxiliary luma plane.
// Within each 16-row macroblock band b, output rows b*16+0..7 carry U rows
// 16b+1, 16b+3, ..., 16b+15 and output rows b*16+8..15 carry the same V rows.
func packAuxLuma(src *media.Yuv444Frame, dst *media.Yuv420Frame) {
	aw := dst.Width
	for r := 0; r < dst.Height; r++ {
		band := r / macroblockSize
		k := r % macroblockSize
		var plane []byte
		j := k
		if k >= 8 {
			plane = src.V
			j = k - 8
		} else {
			plane = src.U
		}
		sy := band*macroblockSize + 2*j + 1

		row := dst.Y[r*aw : (r+1)*aw]
		for x := 0; x < aw; x++ {
			row[x] = chromaAt(plane, src, x, sy)
		}
	}
}

// packAuxChroma writes the odd-column, even-row chroma samples (unfiltered)
// into the auxiliary chroma planes. Together with the auxiliary luma plane
// and the main view's box average, these recover all four samples of each
// 2x2 chroma block.
func packAuxChroma(src *media.Yuv444Frame, dst *media.Yuv420Frame) {
	cw := dst.Width / 2
	ch := dst.Height / 2
	for cy := 0; cy < ch; cy++ {
		sy := cy * 2
		for cx := 0; cx < cw; cx++ {
			sx := cx*2 + 1
			dst.U[cy*cw+cx] = chromaAt(src.U, src, sx, sy)
			dst.V[cy*cw+cx] = chromaAt(src.V, src, sx, sy)
		}
	}
}

// Reconstruct combines a main/auxiliary view pair back into a YUV 4:4:4
// frame of the given source dimensions. It is the receiving side of Pack and
// exists for clients and for round-trip verification: samples carried
// directly (odd rows; even-row odd-column) are recovered exactly, and the
// even-row even-column sample is derived from the box average as
// 4*avg - (other three), exact up to the filter's defined rounding.
func Reconstruct(main, aux *media.Yuv420Frame, width, height int) (*media.Yuv444Frame, error) {
	aw, ah := AlignedDims(width, height)
	if main.Width != aw || main.Height != ah || aux.Width != aw || aux.Height != ah {
		return nil, fmt.Errorf("avc444: view dimensions %dx%d/%dx%d do not match aligned %dx%d",
			main.Width, main.Height, aux.Width, aux.Height, aw, ah)
	}

	out := media.NewYuv444Frame(width, height)
	for y := 0; y < height; y++ {
		copy(out.Y[y*width:(y+1)*width], main.Y[y*aw:y*aw+width])
	}

	reconstructChroma(out.U, main.U, auxPlaneU, main, aux, width, height)
	reconstructChroma(out.V, main.V, auxPlaneV, main, aux, width, height)
	return out, nil
}

type auxPlane int

const (
	auxPlaneU auxPlane = iota
	auxPlaneV
)

// auxLumaSample reads the chroma sample stored in the auxiliary luma plane
// for odd source row sy. Inverse of the packAuxLuma mapping.
func auxLumaSample(aux *media.Yuv420Frame, p auxPlane, x, sy int) byte {
	band := sy / macroblockSize
	j := (sy % macroblockSize) / 2 // sy is odd: rows 1,3,..,15 -> j 0..7
	r := band*macroblockSize + j
	if p == auxPlaneV {
		r += 8
	}
	return aux.Y[r*aux.Width+x]
}

func reconstructChroma(dst []byte, mainPlane []byte, p auxPlane, main, aux *media.Yuv420Frame, width, height int) {
	aw := aux.Width
	cw := aw / 2

	auxChroma := aux.U
	if p == auxPlaneV {
		auxChroma = aux.V
	}

	// Work on the aligned grid so every 2x2 block has all four samples, then
	// crop while writing.
	for y := 0; y < height; y++ {
		if y%2 == 1 {
			for x := 0; x < width; x++ {
				dst[y*width+x] = auxLumaSample(aux, p, x, y)
			}
			continue
		}
		cy := y / 2
		for x := 0; x < width; x++ {
			if x%2 == 1 {
				dst[y*width+x] = auxChroma[cy*cw+(x-1)/2]
				continue
			}
			// Even row, even column: derive from the box average and the
			// three directly carried neighbors of the aligned 2x2 block.
			avg := int(mainPlane[cy*cw+x/2])
			right := int(auxChroma[cy*cw+x/2])
			below := int(auxLumaSample(aux, p, x, y+1))
			diag := int(auxLumaSample(aux, p, x+1, y+1))
			v := 4*avg - right - below - diag
			if v < 0 {
				v = 0
			} else if v > 255 {
				v = 255
			}
			dst[y*width+x] = byte(v)
		}
	}
}
