package avc444

import (
	"bytes"
	"testing"

	"github.com/lumen-remote/lumen/media"
)

func TestAlignedDims(t *testing.T) {
	t.Parallel()
	cases := []struct {
		w, h   int
		aw, ah int
	}{
		{1920, 1080, 1920, 1088},
		{16, 16, 16, 16},
		{30, 14, 32, 16},
		{1, 1, 16, 16},
		{2560, 1440, 2560, 1440},
	}
	for _, c := range cases {
		aw, ah := AlignedDims(c.w, c.h)
		if aw != c.aw || ah != c.ah {
			t.Errorf("AlignedDims(%d,%d) = %dx%d, want %dx%d", c.w, c.h, aw, ah, c.aw, c.ah)
		}
	}
}

// fillBlocks writes a distinct 2x2 pattern into every chroma block so that
// each block's sum is a multiple of 4, which makes the average-based
// reconstruction of the even/even sample exact.
func fillBlocks(plane []byte, width, height int, seed int) {
	for by := 0; by < height/2; by++ {
		for bx := 0; bx < width/2; bx++ {
			base := byte((seed + (by*(width/2)+bx)*4) % 200)
			plane[(by*2)*width+bx*2] = base
			plane[(by*2)*width+bx*2+1] = base + 4
			plane[(by*2+1)*width+bx*2] = base + 8
			plane[(by*2+1)*width+bx*2+1] = base + 12
		}
	}
}

func testFrame(width, height int) *media.Yuv444Frame {
	f := media.NewYuv444Frame(width, height)
	for i := range f.Y {
		f.Y[i] = byte((i*7 + 13) % 251)
	}
	fillBlocks(f.U, width, height, 10)
	fillBlocks(f.V, width, height, 50)
	return f
}

func TestPackRoundTrip(t *testing.T) {
	t.Parallel()
	src := testFrame(32, 16)

	main, aux, err := Pack(src)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Reconstruct(main, aux, src.Width, src.Height)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(got.Y, src.Y) {
		t.Error("luma plane not preserved")
	}
	if !bytes.Equal(got.U, src.U) {
		t.Error("U plane not recovered exactly")
	}
	if !bytes.Equal(got.V, src.V) {
		t.Error("V plane not recovered exactly")
	}
}

func TestPackRoundTripUnalignedDims(t *testing.T) {
	t.Parallel()
	// Even but not macroblock-aligned: every 2x2 chroma block lies fully
	// inside the source, so padding never contaminates a reconstructed
	// sample.
	src := testFrame(30, 14)

	main, aux, err := Pack(src)
	if err != nil {
		t.Fatal(err)
	}
	if main.Width != 32 || main.Height != 16 {
		t.Fatalf("main view %dx%d, want padded 32x16", main.Width, main.Height)
	}

	got, err := Reconstruct(main, aux, 30, 14)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.U, src.U) || !bytes.Equal(got.V, src.V) {
		t.Error("chroma not recovered exactly on unaligned dimensions")
	}
}

func TestPackDeterministic(t *testing.T) {
	t.Parallel()
	src := testFrame(32, 32)

	m1, a1, err := Pack(src)
	if err != nil {
		t.Fatal(err)
	}
	m2, a2, err := Pack(src)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(m1.Y, m2.Y) || !bytes.Equal(m1.U, m2.U) || !bytes.Equal(m1.V, m2.V) {
		t.Error("main view differs between identical inputs")
	}
	if !bytes.Equal(a1.Y, a2.Y) || !bytes.Equal(a1.U, a2.U) || !bytes.Equal(a1.V, a2.V) {
		t.Error("auxiliary view differs between identical inputs")
	}
	if HashView(a1) != HashView(a2) {
		t.Error("auxiliary hashes differ between identical inputs")
	}
}

func TestPackAuxLumaLayout(t *testing.T) {
	t.Parallel()
	src := media.NewYuv444Frame(32, 32)
	// Tag each odd chroma row with its row number so the band interleave is
	// directly observable in the auxiliary luma plane.
	for y := 1; y < 32; y += 2 {
		for x := 0; x < 32; x++ {
			src.U[y*32+x] = byte(y)
			src.V[y*32+x] = byte(100 + y)
		}
	}

	_, aux, err := Pack(src)
	if err != nil {
		t.Fatal(err)
	}

	// Band 0: rows 0..7 carry U rows 1,3,..,15; rows 8..15 carry V rows.
	for j := 0; j < 8; j++ {
		if got := aux.Y[j*32]; got != byte(2*j+1) {
			t.Errorf("aux luma row %d = %d, want U row %d", j, got, 2*j+1)
		}
		if got := aux.Y[(8+j)*32]; got != byte(100+2*j+1) {
			t.Errorf("aux luma row %d = %d, want V row %d", 8+j, got, 2*j+1)
		}
	}
	// Band 1: row 16 carries U row 17.
	if got := aux.Y[16*32]; got != 17 {
		t.Errorf("aux luma row 16 = %d, want U row 17", got)
	}
}

func TestPackPadding(t *testing.T) {
	t.Parallel()
	src := media.NewYuv444Frame(30, 14)
	for i := range src.Y {
		src.Y[i] = 200
	}
	// Rightmost column gets a marker to verify edge replication.
	for y := 0; y < 14; y++ {
		src.Y[y*30+29] = 77
	}

	main, aux, err := Pack(src)
	if err != nil {
		t.Fatal(err)
	}

	// Main luma pads by edge replication, not a fixed value.
	if main.Y[0*32+30] != 77 || main.Y[0*32+31] != 77 {
		t.Error("horizontal luma padding should replicate the edge pixel")
	}
	if main.Y[15*32+5] != 200 {
		t.Error("vertical luma padding should replicate the bottom row")
	}

	// Chroma padding is neutral: the source planes are zero, so the aux luma
	// columns beyond the source carry 128 while in-source columns carry 0.
	if aux.Y[0*32+29] != 0 {
		t.Errorf("in-source aux luma sample = %d, want 0", aux.Y[0*32+29])
	}
	if aux.Y[0*32+30] != neutralChroma || aux.Y[0*32+31] != neutralChroma {
		t.Error("aux luma padding should be neutral chroma")
	}
	// Row 15 of the band maps to U source row 15, beyond height 14.
	if aux.Y[7*32+0] != neutralChroma {
		t.Error("aux luma rows past the source height should be neutral chroma")
	}
}

func TestPackRejectsBadInput(t *testing.T) {
	t.Parallel()
	if _, _, err := Pack(&media.Yuv444Frame{Width: 0, Height: 16}); err == nil {
		t.Error("zero width should fail")
	}
	bad := media.NewYuv444Frame(16, 16)
	bad.U = bad.U[:10]
	if _, _, err := Pack(bad); err == nil {
		t.Error("short plane should fail")
	}
}

func TestReconstructRejectsMismatchedViews(t *testing.T) {
	t.Parallel()
	main := media.NewYuv420Frame(32, 16)
	aux := media.NewYuv420Frame(16, 16)
	if _, err := Reconstruct(main, aux, 30, 14); err == nil {
		t.Error("mismatched view dimensions should fail")
	}
}
