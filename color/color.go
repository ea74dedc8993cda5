// Package color converts BGRA pixel buffers to planar YUV 4:4:4.
//
// Conversion is deterministic by construction: all arithmetic is 16.16
// fixed point, so identical input bytes always produce identical output
// bytes. The change-detection layer hashes converted output, which makes
// this determinism load-bearing rather than cosmetic.
package color

import (
	"fmt"

	"github.com/lumen-remote/lumen/media"
)

// Profile selects the coefficient set and output range for conversion.
// It is chosen once at encoder-session construction and never mutated.
type Profile int

const (
	// BT709Full is full-range BT.709, the default for desktop content.
	BT709Full Profile = iota
	// BT601Full is full-range BT.601, used for SD-class resolutions.
	BT601Full
	// BT709Limited is limited-range BT.709 (luma clamped to [16,235],
	// chroma to [16,240]) for codecs negotiated in studio range.
	BT709Limited
)

func (p Profile) String() string {
	switch p {
	case BT709Full:
		return "bt709-full"
	case BT601Full:
		return "bt601-full"
	case BT709Limited:
		return "bt709-limited"
	default:
		return "unknown"
	}
}

// DefaultProfile returns the conversion profile for a target resolution:
// BT.601 for SD-class sizes, BT.709 full range otherwise.
func DefaultProfile(width, height int) Profile {
	if width <= 720 && height <= 576 {
		return BT601Full
	}
	return BT709Full
}

const fixShift = 16

// fix converts a floating coefficient to 16.16 fixed point at package init.
func fix(f float64) int32 {
	if f >= 0 {
		return int32(f*(1<<fixShift) + 0.5)
	}
	return -int32(-f*(1<<fixShift) + 0.5)
}

// coeffSet holds one profile's fixed-point linear combination and clamp range.
type coeffSet struct {
	yr, yg, yb int32
	ur, ug, ub int32
	vr, vg, vb int32
	yOffset    int32
	yMin, yMax int32
	cMin, cMax int32
}

var profiles = map[Profile]coeffSet{
	BT709Full: {
		yr: fix(0.2126), yg: fix(0.7152), yb: fix(0.0722),
		ur: fix(-0.1146), ug: fix(-0.3854), ub: fix(0.5000),
		vr: fix(0.5000), vg: fix(-0.4542), vb: fix(-0.0458),
		yOffset: 0,
		yMin:    0, yMax: 255,
		cMin: 0, cMax: 255,
	},
	BT601Full: {
		yr: fix(0.2990), yg: fix(0.5870), yb: fix(0.1140),
		ur: fix(-0.168736), ug: fix(-0.331264), ub: fix(0.5000),
		vr: fix(0.5000), vg: fix(-0.418688), vb: fix(-0.081312),
		yOffset: 0,
		yMin:    0, yMax: 255,
		cMin: 0, cMax: 255,
	},
	BT709Limited: {
		yr: fix(0.1826), yg: fix(0.6142), yb: fix(0.0620),
		ur: fix(-0.1006), ug: fix(-0.3386), ub: fix(0.4392),
		vr: fix(0.4392), vg: fix(-0.3989), vb: fix(-0.0403),
		yOffset: 16,
		yMin:    16, yMax: 235,
		cMin: 16, cMax: 240,
	},
}

// Convert transforms a BGRA pixel buffer into a freshly allocated YUV 4:4:4
// frame. It has no side effects and no retained state; calling it twice with
// the same bytes yields byte-identical frames.
func Convert(pix *media.PixelBuffer, profile Profile) (*media.Yuv444Frame, error) {
	if err := pix.Validate(); err != nil {
		return nil, err
	}
	cs, ok := profiles[profile]
	if !ok {
		return nil, fmt.Errorf("color: unknown profile %d", int(profile))
	}

	out := media.NewYuv444Frame(pix.Width, pix.Height)
	for row := 0; row < pix.Height; row++ {
		off := row * pix.Width * 4
		dst := row * pix.Width
		convertRowFast(pix.Data[off:off+pix.Width*4], out.Y[dst:dst+pix.Width], out.U[dst:dst+pix.Width], out.V[dst:dst+pix.Width], &cs)
	}
	return out, nil
}

// convertRow converts one row of BGRA pixels. This is the scalar reference
// path; any vectorized variant must stay byte-identical to it (enforced by
// TestFastRowMatchesReference).
func convertRow(src, y, u, v []byte, cs *coeffSet) {
	const half = 1 << (fixShift - 1)
	for i := 0; i < len(y); i++ {
		b := int32(src[i*4+0])
		g := int32(src[i*4+1])
		r := int32(src[i*4+2])

		yv := (cs.yr*r+cs.yg*g+cs.yb*b+half)>>fixShift + cs.yOffset
		uv := (cs.ur*r+cs.ug*g+cs.ub*b+half)>>fixShift + 128
		vv := (cs.vr*r+cs.vg*g+cs.vb*b+half)>>fixShift + 128

		y[i] = clamp(yv, cs.yMin, cs.yMax)
		u[i] = clamp(uv, cs.cMin, cs.cMax)
		v[i] = clamp(vv, cs.cMin, cs.cMax)
	}
}

// convertRowFast is the production path: identical arithmetic to convertRow
// with the pixel loop unrolled four wide so the compiler can keep the
// coefficient set in registers and eliminate bounds checks. Output bytes are
// required to match convertRow exactly.
func convertRowFast(src, y, u, v []byte, cs *coeffSet) {
	const half = 1 << (fixShift - 1)
	n := len(y)
	i := 0
	for ; i+4 <= n; i += 4 {
		s := src[i*4 : i*4+16 : i*4+16]
		for k := 0; k < 4; k++ {
			b := int32(s[k*4+0])
			g := int32(s[k*4+1])
			r := int32(s[k*4+2])

			yv := (cs.yr*r+cs.yg*g+cs.yb*b+half)>>fixShift + cs.yOffset
			uv := (cs.ur*r+cs.ug*g+cs.ub*b+half)>>fixShift + 128
			vv := (cs.vr*r+cs.vg*g+cs.vb*b+half)>>fixShift + 128

			y[i+k] = clamp(yv, cs.yMin, cs.yMax)
			u[i+k] = clamp(uv, cs.cMin, cs.cMax)
			v[i+k] = clamp(vv, cs.cMin, cs.cMax)
		}
	}
	if i < n {
		convertRow(src[i*4:], y[i:], u[i:], v[i:], cs)
	}
}

func clamp(v, lo, hi int32) byte {
	if v < lo {
		return byte(lo)
	}
	if v > hi {
		return byte(hi)
	}
	return byte(v)
}

// ConvertPixel converts a single BGRA pixel. Exposed for tests and for
// synthesizing neutral padding values that match the active profile.
func ConvertPixel(b, g, r byte, profile Profile) (byte, byte, byte) {
	cs := profiles[profile]
	var y, u, v [1]byte
	convertRow([]byte{b, g, r, 0xFF}, y[:], u[:], v[:], &cs)
	return y[0], u[0], v[0]
}
