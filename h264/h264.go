// Package h264 provides the minimal H.264 bitstream handling the encoding
// core needs: splitting encoder output into NAL units, classifying them
// (parameter sets, IDR, reference vs. non-reference), extracting resolution
// from the SPS to cross-check the declared encode dimensions, and
// assembling self-contained length-prefixed access units for the transport.
package h264

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// NAL unit type constants as defined in ITU-T H.264 Table 7-1.
const (
	NALTypeSlice      = 1
	NALTypeIDR        = 5
	NALTypeSEI        = 6
	NALTypeSPS        = 7
	NALTypePPS        = 8
	NALTypeAUD        = 9
	NALTypeFillerData = 12
)

// NALUnit is a parsed H.264 NAL unit: raw data including the header byte,
// without a start code.
type NALUnit struct {
	Type   byte // 5-bit nal_unit_type
	RefIDC byte // 2-bit nal_ref_idc; 0 means non-reference
	Data   []byte
}

// IsReference reports whether the NAL participates in reference picture
// handling. Auxiliary-stream access units must never be reference.
func (n NALUnit) IsReference() bool { return n.RefIDC != 0 }

// ParseAnnexB scans an Annex B byte stream and extracts NAL units. Both
// 3-byte (0x000001) and 4-byte (0x00000001) start codes are recognized.
func ParseAnnexB(data []byte) []NALUnit {
	n := len(data)
	if n < 4 {
		return nil
	}

	type span struct{ start, dataStart int }
	var positions []span
	i := 0
	for i < n-2 {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				positions = append(positions, span{i, i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				positions = append(positions, span{i, i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	var units []NALUnit
	for idx, pos := range positions {
		end := n
		if idx+1 < len(positions) {
			end = positions[idx+1].start
		}
		if pos.dataStart >= end {
			continue
		}
		nal := data[pos.dataStart:end]
		units = append(units, NALUnit{
			Type:   nal[0] & 0x1F,
			RefIDC: nal[0] >> 5 & 0x3,
			Data:   nal,
		})
	}
	return units
}

// AccessUnit is the classified content of one encoder output buffer.
type AccessUnit struct {
	Units []NALUnit
	SPS   []byte // raw SPS NAL, nil if absent
	PPS   []byte // raw PPS NAL, nil if absent
}

// ParseAccessUnit splits an Annex B encoder output buffer and records the
// parameter sets it carries.
func ParseAccessUnit(annexb []byte) AccessUnit {
	au := AccessUnit{Units: ParseAnnexB(annexb)}
	for _, u := range au.Units {
		switch u.Type {
		case NALTypeSPS:
			if au.SPS == nil {
				au.SPS = u.Data
			}
		case NALTypePPS:
			if au.PPS == nil {
				au.PPS = u.Data
			}
		}
	}
	return au
}

// HasIDR reports whether the access unit contains an IDR slice.
func (au AccessUnit) HasIDR() bool {
	for _, u := range au.Units {
		if u.Type == NALTypeIDR {
			return true
		}
	}
	return false
}

// HasParameterSets reports whether both SPS and PPS are present.
func (au AccessUnit) HasParameterSets() bool {
	return au.SPS != nil && au.PPS != nil
}

// NonReference reports whether every VCL NAL in the access unit is marked
// non-reference (nal_ref_idc == 0). Parameter sets and SEI are ignored;
// they carry nonzero ref_idc by definition without entering the DPB.
func (au AccessUnit) NonReference() bool {
	for _, u := range au.Units {
		if u.Type == NALTypeSlice || u.Type == NALTypeIDR {
			if u.IsReference() {
				return false
			}
		}
	}
	return true
}

// LengthPrefixed serializes NAL units as 4-byte big-endian length-prefixed
// ranges (AVC1 framing). The result is the self-contained opaque payload
// handed to the frame transport, which never parses codec internals.
func LengthPrefixed(units []NALUnit) []byte {
	var total int
	for _, u := range units {
		total += 4 + len(u.Data)
	}
	out := make([]byte, 0, total)
	var lenBuf [4]byte
	for _, u := range units {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(u.Data)))
		out = append(out, lenBuf[:]...)
		out = append(out, u.Data...)
	}
	return out
}

// SplitLengthPrefixed is the inverse of LengthPrefixed. It fails on
// truncated input.
func SplitLengthPrefixed(data []byte) ([]NALUnit, error) {
	var units []NALUnit
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, errors.New("h264: truncated length prefix")
		}
		n := int(binary.BigEndian.Uint32(data[:4]))
		data = data[4:]
		if n == 0 || n > len(data) {
			return nil, fmt.Errorf("h264: NAL length %d exceeds remaining %d bytes", n, len(data))
		}
		nal := data[:n]
		units = append(units, NALUnit{
			Type:   nal[0] & 0x1F,
			RefIDC: nal[0] >> 5 & 0x3,
			Data:   nal,
		})
		data = data[n:]
	}
	return units, nil
}
