package capture

import "testing"

func TestCompactRowsDropsPadding(t *testing.T) {
	// 2x2 frame with 4 bytes of padding per row.
	raw := RawFrame{
		Pix: []byte{
			1, 2, 3, 4, 5, 6, 7, 8, 0xEE, 0xEE, 0xEE, 0xEE,
			9, 10, 11, 12, 13, 14, 15, 16, 0xEE, 0xEE, 0xEE, 0xEE,
		},
		Width: 2, Height: 2, Stride: 12,
	}
	f, err := compactRows(raw, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	if string(f.Pix) != string(want) {
		t.Fatalf("pix = %v", f.Pix)
	}
	if f.Stride() != 8 {
		t.Fatalf("stride = %d", f.Stride())
	}
}

func TestCompactRowsLastRowUnpadded(t *testing.T) {
	// Mapped textures may end right after the last row's pixels.
	raw := RawFrame{Pix: make([]byte, 12+8), Width: 2, Height: 2, Stride: 12}
	if _, err := compactRows(raw, nil); err != nil {
		t.Fatal(err)
	}
}

func TestCompactRowsReusesBuffer(t *testing.T) {
	raw := RawFrame{Pix: make([]byte, 16), Width: 2, Height: 2}
	buf := make([]byte, 64)
	f, err := compactRows(raw, buf)
	if err != nil {
		t.Fatal(err)
	}
	if &f.Pix[0] != &buf[0] {
		t.Fatal("buffer not reused")
	}
}

func TestCompactRowsRejectsBadGeometry(t *testing.T) {
	cases := []RawFrame{
		{Pix: make([]byte, 16), Width: 0, Height: 2},
		{Pix: make([]byte, 16), Width: 2, Height: 2, Stride: 4},
		{Pix: make([]byte, 10), Width: 2, Height: 2},
	}
	for i, raw := range cases {
		if _, err := compactRows(raw, nil); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestDownsampleKeepsSolidColor(t *testing.T) {
	raw := RawFrame{Pix: make([]byte, 8*4*4), Width: 8, Height: 4}
	for i := 0; i < len(raw.Pix); i += 4 {
		raw.Pix[i], raw.Pix[i+1], raw.Pix[i+2], raw.Pix[i+3] = 200, 100, 50, 255
	}
	f, _ := compactRows(raw, nil)
	out := downsample(f, 4, 2, nil)
	if out.Width != 4 || out.Height != 2 || len(out.Pix) != 4*2*4 {
		t.Fatalf("got %dx%d (%d bytes)", out.Width, out.Height, len(out.Pix))
	}
	for i := 0; i < len(out.Pix); i += 4 {
		if out.Pix[i] != 200 || out.Pix[i+1] != 100 || out.Pix[i+2] != 50 {
			t.Fatalf("pixel %d = %v", i/4, out.Pix[i:i+4])
		}
	}
}
