package avc444

import "sync/atomic"

// Stats is a point-in-time snapshot of encoder activity, serialized as JSON
// by the stats API.
type Stats struct {
	FramesEncoded   int64   `json:"framesEncoded"`
	Keyframes       int64   `json:"keyframes"`
	AuxEncoded      int64   `json:"auxEncoded"`
	AuxOmitted      int64   `json:"auxOmitted"`
	MainSkipped     int64   `json:"mainSkipped"`
	AuxSkipped      int64   `json:"auxSkipped"`
	BytesMain       int64   `json:"bytesMain"`
	BytesAux        int64   `json:"bytesAux"`
	EncodeTimeMs    int64   `json:"encodeTimeMs"`
	AuxOmissionRate float64 `json:"auxOmissionRate"`
	Mode            string  `json:"mode"`
}

// statCounters accumulates encoder activity. Counters are atomic so the
// stats API can snapshot them from another goroutine while the encode loop
// is running.
type statCounters struct {
	framesEncoded atomic.Int64
	keyframes     atomic.Int64
	auxEncoded    atomic.Int64
	auxOmitted    atomic.Int64
	mainSkipped   atomic.Int64
	auxSkipped    atomic.Int64
	bytesMain     atomic.Int64
	bytesAux      atomic.Int64
	encodeTimeUs  atomic.Int64
}

// snapshot renders the counters into a Stats value. The omission rate is
// the fraction of auxiliary decisions that chose omission.
func (c *statCounters) snapshot(mode string) Stats {
	encoded := c.auxEncoded.Load()
	omitted := c.auxOmitted.Load()
	rate := 0.0
	if encoded+omitted > 0 {
		rate = float64(omitted) / float64(encoded+omitted)
	}
	return Stats{
		FramesEncoded:   c.framesEncoded.Load(),
		Keyframes:       c.keyframes.Load(),
		AuxEncoded:      encoded,
		AuxOmitted:      omitted,
		MainSkipped:     c.mainSkipped.Load(),
		AuxSkipped:      c.auxSkipped.Load(),
		BytesMain:       c.bytesMain.Load(),
		BytesAux:        c.bytesAux.Load(),
		EncodeTimeMs:    c.encodeTimeUs.Load() / 1000,
		AuxOmissionRate: rate,
		Mode:            mode,
	}
}
