package codec

import (
	"bytes"
	"errors"
	"testing"
)

// redNV12 returns a tightly packed solid red NV12 picture.
func redNV12(w, h int) []byte {
	buf := BGRAToNV12(solidBGRA(w, h, 255, 0, 0), w, h, w*4)
	out := append([]byte(nil), buf...)
	PutNV12(buf)
	return out
}

func TestDecoderProducesRGBA(t *testing.T) {
	dec := NewDecoder(WithEnumerator(fakeEnum(&fakeCandidate{name: "soft", make: func(int) *fakeTransform {
		return &fakeTransform{output: func([]byte) Sample { return Sample{Data: redNV12(16, 8)} }}
	}})))
	if err := dec.Initialize(16, 8); err != nil {
		t.Fatal(err)
	}
	defer dec.Shutdown()

	img, err := dec.Decode([]byte{0, 0, 0, 1, 0x65, 0x88})
	if err != nil || img == nil {
		t.Fatalf("img=%v err=%v", img, err)
	}
	if img.Rect.Dx() != 16 || img.Rect.Dy() != 8 {
		t.Fatalf("image size %v", img.Rect)
	}
	if c := img.RGBAAt(5, 5); c.R < 251 || c.G > 4 || c.B > 4 {
		t.Fatalf("pixel = %v, want red", c)
	}
}

func TestDecoderFormatChange(t *testing.T) {
	soft := &fakeCandidate{name: "soft", make: func(int) *fakeTransform {
		return &fakeTransform{
			outErrs:   []error{ErrStreamChange},
			newFormat: Format{Subtype: SubtypeNV12, Width: 32, Height: 16},
			output:    func([]byte) Sample { return Sample{Data: redNV12(32, 16)} },
		}
	}}
	dec := NewDecoder(WithEnumerator(fakeEnum(soft)))
	if err := dec.Initialize(16, 8); err != nil {
		t.Fatal(err)
	}

	img, err := dec.Decode([]byte{0, 0, 0, 1, 0x67, 0x42})
	if err != nil || img != nil {
		t.Fatalf("format change call: img=%v err=%v, want nil,nil", img, err)
	}
	if w, h := dec.Dimensions(); w != 32 || h != 16 {
		t.Fatalf("dimensions %dx%d, want 32x16", w, h)
	}
	if soft.last().renegotiated != 1 {
		t.Fatal("output not renegotiated")
	}

	img, err = dec.Decode([]byte{0, 0, 0, 1, 0x65, 0x88})
	if err != nil || img == nil {
		t.Fatalf("after change: img=%v err=%v", img, err)
	}
	if img.Rect.Dx() != 32 || img.Rect.Dy() != 16 {
		t.Fatalf("image size %v, want 32x16", img.Rect)
	}
}

func TestDecoderBufferingAndEmptyInput(t *testing.T) {
	dec := NewDecoder(WithEnumerator(fakeEnum(&fakeCandidate{name: "soft", make: func(int) *fakeTransform {
		return &fakeTransform{delay: 1, output: func([]byte) Sample { return Sample{Data: redNV12(4, 4)} }}
	}})))
	if err := dec.Initialize(4, 4); err != nil {
		t.Fatal(err)
	}
	if img, err := dec.Decode(nil); img != nil || err != nil {
		t.Fatalf("empty input: img=%v err=%v", img, err)
	}
	if img, err := dec.Decode([]byte{1}); img != nil || err != nil {
		t.Fatalf("buffered input: img=%v err=%v", img, err)
	}
	if img, err := dec.Decode([]byte{2}); img == nil || err != nil {
		t.Fatalf("second input: img=%v err=%v", img, err)
	}
}

func TestDecoderPaddedOutput(t *testing.T) {
	// 8x6 picture delivered in a buffer with stride 16 and 8 luma rows.
	padded := func([]byte) Sample {
		const stride, rows = 16, 8
		buf := make([]byte, stride*rows*3/2)
		src := redNV12(8, 6)
		for y := 0; y < 6; y++ {
			copy(buf[y*stride:], src[y*8:y*8+8])
		}
		for y := 0; y < 3; y++ {
			copy(buf[stride*rows+y*stride:], src[48+y*8:48+y*8+8])
		}
		return Sample{Data: buf, Stride: stride, PlaneHeight: rows}
	}
	dec := NewDecoder(WithEnumerator(fakeEnum(&fakeCandidate{name: "soft", make: func(int) *fakeTransform {
		return &fakeTransform{output: padded}
	}})))
	if err := dec.Initialize(8, 6); err != nil {
		t.Fatal(err)
	}
	img, err := dec.Decode([]byte{1})
	if err != nil || img == nil {
		t.Fatalf("img=%v err=%v", img, err)
	}
	if c := img.RGBAAt(7, 5); c.R < 251 || c.G > 4 {
		t.Fatalf("pixel = %v, want red", c)
	}
}

func TestDecoderDeviceLost(t *testing.T) {
	soft := &fakeCandidate{name: "soft", make: func(n int) *fakeTransform {
		f := &fakeTransform{output: func([]byte) Sample { return Sample{Data: redNV12(4, 4)} }}
		if n == 1 {
			f.inputErrs = []error{ErrDeviceLost}
		}
		return f
	}}
	dec := NewDecoder(WithEnumerator(fakeEnum(soft)))
	if err := dec.Initialize(4, 4); err != nil {
		t.Fatal(err)
	}
	if img, err := dec.Decode([]byte{1}); img != nil || err != nil {
		t.Fatalf("device lost: img=%v err=%v", img, err)
	}
	if soft.activated != 2 {
		t.Fatalf("activations = %d, want rebind", soft.activated)
	}
	if img, err := dec.Decode([]byte{1}); img == nil || err != nil {
		t.Fatalf("after rebind: img=%v err=%v", img, err)
	}
}

// recordingDecoder returns a decoder whose transform refuses its first
// refusals inputs and renegotiates on the first output pull. fed collects
// every unit the transform accepted.
func recordingDecoder(t *testing.T, refusals int, fed *[][]byte) *Decoder {
	t.Helper()
	soft := &fakeCandidate{name: "soft", make: func(int) *fakeTransform {
		f := &fakeTransform{
			outErrs:   []error{ErrStreamChange},
			newFormat: Format{Subtype: SubtypeNV12, Width: 32, Height: 16},
			output: func(in []byte) Sample {
				*fed = append(*fed, append([]byte(nil), in...))
				return Sample{Data: redNV12(32, 16)}
			},
		}
		for i := 0; i < refusals; i++ {
			f.inputErrs = append(f.inputErrs, ErrNotAccepting)
		}
		return f
	}}
	dec := NewDecoder(WithEnumerator(fakeEnum(soft)))
	if err := dec.Initialize(16, 8); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(dec.Shutdown)
	return dec
}

func TestDecoderNotAcceptingAcrossFormatChange(t *testing.T) {
	var fed [][]byte
	dec := recordingDecoder(t, 1, &fed)

	idr := []byte{0, 0, 0, 1, 0x65, 0x88}
	delta := []byte{0, 0, 0, 1, 0x41, 0x9a}
	if _, err := dec.Decode(idr); err != nil {
		t.Fatalf("first unit: %v", err)
	}
	if w, h := dec.Dimensions(); w != 32 || h != 16 {
		t.Fatalf("dimensions %dx%d, want 32x16", w, h)
	}
	img, err := dec.Decode(delta)
	if err != nil || img == nil {
		t.Fatalf("second unit: img=%v err=%v", img, err)
	}
	if len(fed) != 2 || !bytes.Equal(fed[0], idr) || !bytes.Equal(fed[1], delta) {
		t.Fatalf("transform fed %x, want both units in order", fed)
	}
}

func TestDecoderHoldsRefusedUnit(t *testing.T) {
	var fed [][]byte
	dec := recordingDecoder(t, 2, &fed)

	buf := []byte{0, 0, 0, 1, 0x65, 0x88}
	idr := append([]byte(nil), buf...)
	img, err := dec.Decode(buf)
	if err != nil || img != nil {
		t.Fatalf("refused unit: img=%v err=%v, want nil,nil", img, err)
	}
	if len(fed) != 0 {
		t.Fatalf("fed %d units while transform refused input", len(fed))
	}
	// The caller reuses its buffer; the held unit must not change.
	buf[5] = 0xff

	delta := []byte{0, 0, 0, 1, 0x41, 0x9a}
	img, err = dec.Decode(delta)
	if err != nil || img == nil {
		t.Fatalf("next unit: img=%v err=%v", img, err)
	}
	if len(fed) != 2 || !bytes.Equal(fed[0], idr) || !bytes.Equal(fed[1], delta) {
		t.Fatalf("transform fed %x, want held unit then new unit", fed)
	}
}

func TestDecoderUninitialized(t *testing.T) {
	dec := NewDecoder(WithEnumerator(fakeEnum()))
	dec.Shutdown()
	if _, err := dec.Decode([]byte{1}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("err = %v, want ErrNotInitialized", err)
	}
	if err := dec.Initialize(4, 4); !errors.Is(err, ErrCodecUnavailable) {
		t.Fatalf("err = %v, want ErrCodecUnavailable", err)
	}
}
