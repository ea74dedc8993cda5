package session

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/lumen-remote/lumen/codec"
	"github.com/lumen-remote/lumen/media"
)

// fakeEncoder produces minimal but well-formed Annex B output: SPS/PPS/IDR
// on a forced base-layer frame, a reference P slice otherwise, and a
// non-reference slice on the enhancement layer. failNext injects encode
// errors for the escalation tests.
type fakeEncoder struct {
	cfg      codec.Config
	failNext int
	encodes  int
}

func annexB(nal ...byte) []byte {
	return append([]byte{0x00, 0x00, 0x00, 0x01}, nal...)
}

func (f *fakeEncoder) Encode(y, u, v []byte, yStride, cStride int, opts codec.EncodeOptions) (codec.Payload, error) {
	if f.failNext > 0 {
		f.failNext--
		return codec.Payload{}, errors.New("fake: injected encode failure")
	}
	f.encodes++
	if opts.TemporalLayer == 0 {
		if opts.ForceKeyframe {
			data := append(annexB(0x67, 0x42, 0x00, 0x1F, 0xF4, 0x23, 0xC8), annexB(0x68, 0xCE, 0x38, 0x80)...)
			return codec.Payload{Data: append(data, annexB(0x65, 0x88, 0x84)...), Type: codec.FrameIDR}, nil
		}
		return codec.Payload{Data: annexB(0x41, 0x9A, 0x10), Type: codec.FrameP}, nil
	}
	return codec.Payload{Data: annexB(0x01, 0x9A, 0x30), Type: codec.FrameP}, nil
}

func (f *fakeEncoder) ForceKeyframe()     {}
func (f *fakeEncoder) Stats() codec.Stats { return codec.Stats{} }
func (f *fakeEncoder) Close() error       { return nil }

type fakeFactory struct {
	enc     *fakeEncoder
	created int
}

func (f *fakeFactory) Capability() codec.Capability {
	return codec.Capability{Name: "fake", Codec: "h264", TemporalLayers: true}
}

func (f *fakeFactory) New(cfg codec.Config) (codec.Encoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f.created++
	f.enc = &fakeEncoder{cfg: cfg}
	return f.enc, nil
}

func testConfig(f *fakeFactory) Config {
	return Config{
		Width:   60,
		Height:  40,
		Backend: f,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func solidFrame(w, h int, b, g, r byte) *media.PixelBuffer {
	data := make([]byte, w*h*4)
	for i := 0; i < len(data); i += 4 {
		data[i], data[i+1], data[i+2], data[i+3] = b, g, r, 0xFF
	}
	return &media.PixelBuffer{Data: data, Width: w, Height: h, Timestamp: time.Unix(0, 0)}
}

func TestSessionEncodeCycle(t *testing.T) {
	t.Parallel()
	f := &fakeFactory{}
	s, err := New("client-1", testConfig(f))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	out, err := s.Encode(solidFrame(60, 40, 255, 0, 0))
	if err != nil {
		t.Fatal(err)
	}
	if out == nil || !out.Keyframe {
		t.Fatal("first cycle must produce an IDR frame")
	}

	snap := s.Stats()
	if snap.Key != "client-1" || snap.FrameCount != 1 || snap.Width != 60 {
		t.Errorf("snapshot %+v", snap)
	}
}

func TestSessionFailureEscalation(t *testing.T) {
	t.Parallel()
	f := &fakeFactory{}
	s, err := New("client-1", testConfig(f))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	pix := solidFrame(60, 40, 0, 0, 0)
	f.enc.failNext = maxConsecutiveFailures

	for i := 0; i < maxConsecutiveFailures-1; i++ {
		if _, err := s.Encode(pix); err == nil {
			t.Fatalf("cycle %d: expected injected failure", i)
		} else if errors.Is(err, ErrTornDown) {
			t.Fatalf("cycle %d: premature teardown", i)
		}
	}

	if _, err := s.Encode(pix); !errors.Is(err, ErrTornDown) {
		t.Fatalf("cycle %d should escalate to teardown, got %v", maxConsecutiveFailures, err)
	}
	if _, err := s.Encode(pix); !errors.Is(err, ErrTornDown) {
		t.Error("torn-down session must keep rejecting encodes")
	}
	if !s.Stats().TornDown {
		t.Error("snapshot must report teardown")
	}
}

func TestSessionFailureCounterResets(t *testing.T) {
	t.Parallel()
	f := &fakeFactory{}
	s, err := New("client-1", testConfig(f))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	pix := solidFrame(60, 40, 0, 0, 0)

	// Failures interleaved with successes never accumulate to teardown.
	for round := 0; round < maxConsecutiveFailures; round++ {
		f.enc.failNext = maxConsecutiveFailures - 1
		for i := 0; i < maxConsecutiveFailures-1; i++ {
			if _, err := s.Encode(pix); errors.Is(err, ErrTornDown) {
				t.Fatal("premature teardown")
			}
		}
		if _, err := s.Encode(pix); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSessionResizeRebuildsEncoder(t *testing.T) {
	t.Parallel()
	f := &fakeFactory{}
	s, err := New("client-1", testConfig(f))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := s.Encode(solidFrame(60, 40, 1, 2, 3)); err != nil {
		t.Fatal(err)
	}
	if err := s.Resize(120, 80); err != nil {
		t.Fatal(err)
	}
	if f.created != 2 {
		t.Errorf("encoder constructed %d times, want 2 after resize", f.created)
	}

	// The old resolution is now rejected; the new one starts from an IDR.
	if _, err := s.Encode(solidFrame(60, 40, 1, 2, 3)); err == nil {
		t.Error("old resolution must be rejected after resize")
	}
	out, err := s.Encode(solidFrame(120, 80, 1, 2, 3))
	if err != nil {
		t.Fatal(err)
	}
	if !out.Keyframe {
		t.Error("first cycle after rebuild must be an IDR")
	}

	snap := s.Stats()
	if snap.Width != 120 || snap.Height != 80 || snap.Rebuilds != 1 {
		t.Errorf("snapshot %+v", snap)
	}
}

func TestSessionResizeNoopForSameResolution(t *testing.T) {
	t.Parallel()
	f := &fakeFactory{}
	s, err := New("client-1", testConfig(f))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.Resize(60, 40); err != nil {
		t.Fatal(err)
	}
	if f.created != 1 {
		t.Error("same-resolution resize must not rebuild")
	}
}

func TestManagerLifecycle(t *testing.T) {
	t.Parallel()
	m := NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)))

	f := &fakeFactory{}
	s, err := m.Create("client-1", testConfig(f))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Create("client-1", testConfig(&fakeFactory{})); !errors.Is(err, ErrDuplicateKey) {
		t.Errorf("duplicate create err = %v, want ErrDuplicateKey", err)
	}

	got, ok := m.Get("client-1")
	if !ok || got != s {
		t.Fatal("Get did not return the created session")
	}
	if len(m.List()) != 1 {
		t.Fatal("List should report one session")
	}

	if _, err := m.Create("client-2", testConfig(&fakeFactory{})); err != nil {
		t.Fatal(err)
	}
	snaps := m.Snapshots()
	if len(snaps) != 2 || snaps[0].Key != "client-1" || snaps[1].Key != "client-2" {
		t.Errorf("snapshots %+v, want sorted by key", snaps)
	}

	m.Remove("client-1")
	if _, ok := m.Get("client-1"); ok {
		t.Error("removed session still present")
	}
	if _, err := s.Encode(solidFrame(60, 40, 0, 0, 0)); !errors.Is(err, ErrTornDown) {
		t.Error("removed session must be closed")
	}

	m.CloseAll()
	if len(m.List()) != 0 {
		t.Error("CloseAll must empty the manager")
	}
}
