// Package egfx serializes encoded frames into the RDPGFX bitmap stream
// structures (MS-RDPEGFX sections 2.2.4.4 and 2.2.4.5) carried inside
// WIRE_TO_SURFACE PDUs. Bitstream payloads are treated as opaque bytes; the
// channel layer that frames the PDUs themselves lives outside this module.
package egfx

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/lumen-remote/lumen/media"
)

// LC values of the RFX_AVC444_BITMAP_STREAM header. The two-bit field leaves
// one encoding unused; 3 is invalid on the wire.
const (
	lcBothStreams = 0 // stream 1 is luma, stream 2 is chroma
	lcLumaOnly    = 1
	lcChromaOnly  = 2 // stream 1 carries the chroma stream
)

// cbStreamMax bounds the 30-bit stream-1 length field.
const cbStreamMax = 1<<30 - 1

var (
	// ErrTruncated indicates a stream shorter than its own header claims.
	ErrTruncated = errors.New("egfx: truncated bitmap stream")
	// ErrInvalidLC indicates the forbidden LC value 3.
	ErrInvalidLC = errors.New("egfx: invalid LC field")
)

// QuantQuality is the per-rect RDPGFX_AVC420_QUANT_QUALITY pair.
type QuantQuality struct {
	QP          uint8 // 6-bit quantization parameter
	Progressive bool
	Quality     uint8 // 0..100
}

func (q QuantQuality) qpVal() uint8 {
	v := q.QP & 0x3F
	if q.Progressive {
		v |= 0x80
	}
	return v
}

// AVC420Stream is a decoded RFX_AVC420_BITMAP_STREAM.
type AVC420Stream struct {
	Regions   []media.Rect
	Quant     []QuantQuality
	Bitstream []byte
}

// AVC444Stream is a decoded RFX_AVC444_BITMAP_STREAM: the disposition plus
// one embedded AVC420 stream per present subframe.
type AVC444Stream struct {
	Disposition media.ChromaDisposition
	Main        *AVC420Stream // nil when disposition is chroma-only
	Auxiliary   *AVC420Stream // nil when disposition is luma-only
}

// EncodeAVC420 renders one RFX_AVC420_BITMAP_STREAM: a region-rect count,
// the rects, one quant/quality pair per rect, then the bitstream. The same
// quant value is applied to every rect; per-rect quantization is a rate
// control refinement this encoder does not perform.
func EncodeAVC420(regions []media.Rect, quant QuantQuality, bitstream []byte) ([]byte, error) {
	for _, r := range regions {
		if r.Left < 0 || r.Top < 0 || r.Right > 0xFFFF || r.Bottom > 0xFFFF || r.Right < r.Left || r.Bottom < r.Top {
			return nil, fmt.Errorf("egfx: region %+v not representable as RECT16", r)
		}
	}

	out := make([]byte, 0, 4+len(regions)*10+len(bitstream))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(regions)))
	for _, r := range regions {
		out = binary.LittleEndian.AppendUint16(out, uint16(r.Left))
		out = binary.LittleEndian.AppendUint16(out, uint16(r.Top))
		out = binary.LittleEndian.AppendUint16(out, uint16(r.Right))
		out = binary.LittleEndian.AppendUint16(out, uint16(r.Bottom))
	}
	for range regions {
		out = append(out, quant.qpVal(), quant.Quality)
	}
	return append(out, bitstream...), nil
}

// DecodeAVC420 parses an RFX_AVC420_BITMAP_STREAM.
func DecodeAVC420(data []byte) (*AVC420Stream, error) {
	if len(data) < 4 {
		return nil, ErrTruncated
	}
	n := int(binary.LittleEndian.Uint32(data))
	data = data[4:]
	if len(data) < n*10 {
		return nil, fmt.Errorf("%w: %d rects declared, %d bytes remain", ErrTruncated, n, len(data))
	}

	s := &AVC420Stream{
		Regions: make([]media.Rect, n),
		Quant:   make([]QuantQuality, n),
	}
	for i := 0; i < n; i++ {
		s.Regions[i] = media.Rect{
			Left:   int(binary.LittleEndian.Uint16(data[i*8:])),
			Top:    int(binary.LittleEndian.Uint16(data[i*8+2:])),
			Right:  int(binary.LittleEndian.Uint16(data[i*8+4:])),
			Bottom: int(binary.LittleEndian.Uint16(data[i*8+6:])),
		}
	}
	data = data[n*8:]
	for i := 0; i < n; i++ {
		s.Quant[i] = QuantQuality{
			QP:          data[i*2] & 0x3F,
			Progressive: data[i*2]&0x80 != 0,
			Quality:     data[i*2+1],
		}
	}
	s.Bitstream = data[n*2:]
	return s, nil
}

// EncodeAVC444 renders one RFX_AVC444_BITMAP_STREAM for an encoded frame.
// The header packs the LC disposition flag into the top two bits of a
// little-endian uint32 whose low 30 bits carry the byte length of the first
// embedded AVC420 stream. When only one subframe is present, it travels as
// stream 1 with LC saying which one it is; a frame carrying neither cannot
// be constructed (media.NewDualStreamFrame rejects it).
func EncodeAVC444(frame *media.DualStreamFrame, quant QuantQuality) ([]byte, error) {
	var lc uint32
	var first, second []byte

	switch frame.Disposition {
	case media.DispositionBoth:
		lc = lcBothStreams
		first, second = frame.Main, frame.Auxiliary
	case media.DispositionLumaOnly:
		lc = lcLumaOnly
		first = frame.Main
	case media.DispositionChromaOnly:
		lc = lcChromaOnly
		first = frame.Auxiliary
	default:
		return nil, fmt.Errorf("egfx: unknown disposition %v", frame.Disposition)
	}

	stream1, err := EncodeAVC420(frame.Regions, quant, first)
	if err != nil {
		return nil, err
	}
	if len(stream1) > cbStreamMax {
		return nil, fmt.Errorf("egfx: stream 1 length %d exceeds 30-bit field", len(stream1))
	}

	out := make([]byte, 0, 4+len(stream1))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(stream1))|lc<<30)
	out = append(out, stream1...)

	if second != nil {
		stream2, err := EncodeAVC420(frame.Regions, quant, second)
		if err != nil {
			return nil, err
		}
		out = append(out, stream2...)
	}
	return out, nil
}

// DecodeAVC444 parses an RFX_AVC444_BITMAP_STREAM.
func DecodeAVC444(data []byte) (*AVC444Stream, error) {
	if len(data) < 4 {
		return nil, ErrTruncated
	}
	header := binary.LittleEndian.Uint32(data)
	lc := header >> 30
	cb := int(header & cbStreamMax)
	data = data[4:]
	if len(data) < cb {
		return nil, fmt.Errorf("%w: stream 1 declares %d bytes, %d remain", ErrTruncated, cb, len(data))
	}

	first, err := DecodeAVC420(data[:cb])
	if err != nil {
		return nil, err
	}

	switch lc {
	case lcBothStreams:
		second, err := DecodeAVC420(data[cb:])
		if err != nil {
			return nil, err
		}
		return &AVC444Stream{Disposition: media.DispositionBoth, Main: first, Auxiliary: second}, nil
	case lcLumaOnly:
		return &AVC444Stream{Disposition: media.DispositionLumaOnly, Main: first}, nil
	case lcChromaOnly:
		return &AVC444Stream{Disposition: media.DispositionChromaOnly, Auxiliary: first}, nil
	default:
		return nil, ErrInvalidLC
	}
}
