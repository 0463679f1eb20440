package codec

import (
	"errors"
	"testing"

	"github.com/bohdanbtw/TalkMe-sub001/internal/media"
)

func testFrame(w, h int) *media.Frame {
	return &media.Frame{Pix: solidBGRA(w, h, 200, 10, 10), Width: w, Height: h}
}

func TestEncoderFallsBackToSoftware(t *testing.T) {
	broken := &fakeCandidate{name: "hw-broken", hardware: true}
	picky := &fakeCandidate{name: "hw-picky", hardware: true, make: func(int) *fakeTransform {
		return &fakeTransform{reject: ErrUnsupportedFormat}
	}}
	soft := &fakeCandidate{name: "soft", make: plain}

	enc := NewEncoder(WithEnumerator(fakeEnum(broken, picky, soft)))
	if err := enc.Initialize(64, 64, 30, 1000); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer enc.Shutdown()

	if enc.Backend() != "soft" || enc.IsHardware() {
		t.Fatalf("bound %q hardware=%v, want software fallback", enc.Backend(), enc.IsHardware())
	}
	if broken.activated != 1 || picky.activated != 1 {
		t.Fatalf("hardware candidates not tried first: broken=%d picky=%d", broken.activated, picky.activated)
	}
	if !picky.last().closed {
		t.Fatal("rejected transform was not closed")
	}
	if broken.released != 1 || soft.released != 1 {
		t.Fatalf("activators not released: %d %d", broken.released, soft.released)
	}

	pkt, err := enc.Encode(testFrame(64, 64))
	if err != nil || pkt == nil {
		t.Fatalf("Encode after fallback: pkt=%v err=%v", pkt, err)
	}
}

func TestEncoderPrefersHardware(t *testing.T) {
	hw := &fakeCandidate{name: "hw", hardware: true, make: plain}
	soft := &fakeCandidate{name: "soft", make: plain}

	enc := NewEncoder(WithEnumerator(fakeEnum(soft, hw)))
	if err := enc.Initialize(32, 32, 30, 500); err != nil {
		t.Fatal(err)
	}
	if enc.Backend() != "hw" || !enc.IsHardware() {
		t.Fatalf("bound %q, want hardware", enc.Backend())
	}
	if soft.activated != 0 {
		t.Fatal("software candidate activated although hardware succeeded")
	}

	enc2 := NewEncoder(WithEnumerator(fakeEnum(soft, hw)), WithPreferHardware(false))
	if err := enc2.Initialize(32, 32, 30, 500); err != nil {
		t.Fatal(err)
	}
	if enc2.Backend() != "soft" {
		t.Fatalf("bound %q with hardware disabled", enc2.Backend())
	}
}

func TestEncoderUnavailable(t *testing.T) {
	enc := NewEncoder(WithEnumerator(fakeEnum(&fakeCandidate{name: "dead", hardware: true})))
	err := enc.Initialize(64, 64, 30, 0)
	if !errors.Is(err, ErrCodecUnavailable) {
		t.Fatalf("Initialize err = %v, want ErrCodecUnavailable", err)
	}
	if _, err := enc.Encode(testFrame(64, 64)); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Encode err = %v, want ErrNotInitialized", err)
	}
}

func TestEncoderShutdownWithoutInitialize(t *testing.T) {
	enc := NewEncoder(WithEnumerator(fakeEnum()))
	enc.Shutdown()
	enc.Shutdown()
	if enc.Backend() != "" {
		t.Fatal("backend reported without a binding")
	}
}

func TestEncoderInitializeRoundsAndDerives(t *testing.T) {
	soft := &fakeCandidate{name: "soft", make: plain}
	enc := NewEncoder(WithEnumerator(fakeEnum(soft)))
	if err := enc.Initialize(101, 57, 0, 0); err != nil {
		t.Fatal(err)
	}
	s := enc.Settings()
	if s.Width != 100 || s.Height != 56 || s.FPS != media.DefaultFPS {
		t.Fatalf("settings = %+v", s)
	}
	if s.BitrateKbps != media.BitrateForQuality(100, 56, media.DefaultFPS, media.DefaultQuality) {
		t.Fatalf("bitrate = %d", s.BitrateKbps)
	}
	if got := soft.last().in; got.Subtype != SubtypeNV12 || got.Width != 100 {
		t.Fatalf("transform input format = %+v", got)
	}
	if err := enc.Initialize(1, 1, 30, 0); err == nil {
		t.Fatal("expected error for sub-2 dimensions")
	}
}

func TestEncoderNeedMoreInput(t *testing.T) {
	soft := &fakeCandidate{name: "soft", make: func(int) *fakeTransform {
		return &fakeTransform{delay: 2}
	}}
	enc := NewEncoder(WithEnumerator(fakeEnum(soft)))
	if err := enc.Initialize(16, 16, 30, 100); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		pkt, err := enc.Encode(testFrame(16, 16))
		if err != nil || pkt != nil {
			t.Fatalf("frame %d: pkt=%v err=%v, want nil,nil while buffering", i, pkt, err)
		}
	}
	pkt, err := enc.Encode(testFrame(16, 16))
	if err != nil || pkt == nil {
		t.Fatalf("third frame: pkt=%v err=%v", pkt, err)
	}
	if pkt.Width != 16 || pkt.Height != 16 {
		t.Fatalf("packet size %dx%d", pkt.Width, pkt.Height)
	}
}

func TestEncoderStreamChangeRenegotiates(t *testing.T) {
	soft := &fakeCandidate{name: "soft", make: func(int) *fakeTransform {
		return &fakeTransform{outErrs: []error{ErrStreamChange}}
	}}
	enc := NewEncoder(WithEnumerator(fakeEnum(soft)))
	if err := enc.Initialize(16, 16, 30, 100); err != nil {
		t.Fatal(err)
	}
	pkt, err := enc.Encode(testFrame(16, 16))
	if err != nil || pkt == nil {
		t.Fatalf("pkt=%v err=%v", pkt, err)
	}
	if soft.last().renegotiated != 1 {
		t.Fatalf("renegotiated %d times", soft.last().renegotiated)
	}
}

func TestEncoderTooManyStreamChanges(t *testing.T) {
	soft := &fakeCandidate{name: "soft", make: func(int) *fakeTransform {
		errs := make([]error, maxStreamChanges+1)
		for i := range errs {
			errs[i] = ErrStreamChange
		}
		return &fakeTransform{outErrs: errs}
	}}
	enc := NewEncoder(WithEnumerator(fakeEnum(soft)))
	if err := enc.Initialize(16, 16, 30, 100); err != nil {
		t.Fatal(err)
	}
	if _, err := enc.Encode(testFrame(16, 16)); err == nil {
		t.Fatal("expected error after repeated stream changes")
	}
}

func TestEncoderNotAcceptingDrainsAndRetries(t *testing.T) {
	soft := &fakeCandidate{name: "soft", make: func(int) *fakeTransform {
		return &fakeTransform{
			inputErrs: []error{ErrNotAccepting},
			pending:   []Sample{{Data: []byte{0, 0, 0, 1, 0x41, 0xEE}}},
		}
	}}
	enc := NewEncoder(WithEnumerator(fakeEnum(soft)))
	if err := enc.Initialize(16, 16, 30, 100); err != nil {
		t.Fatal(err)
	}
	pkt, err := enc.Encode(testFrame(16, 16))
	if err != nil || pkt == nil {
		t.Fatalf("pkt=%v err=%v", pkt, err)
	}
	if soft.last().inputs != 1 {
		t.Fatalf("input accepted %d times, want retry to succeed once", soft.last().inputs)
	}
	// Drained unit plus the unit produced by the retried input.
	if len(SplitAnnexB(pkt.Data)) != 2 {
		t.Fatalf("packet carries %d NALs, want 2", len(SplitAnnexB(pkt.Data)))
	}
}

func TestEncoderDeviceLostRebinds(t *testing.T) {
	soft := &fakeCandidate{name: "soft", make: func(n int) *fakeTransform {
		if n == 1 {
			return &fakeTransform{inputErrs: []error{ErrDeviceLost}}
		}
		return &fakeTransform{}
	}}
	enc := NewEncoder(WithEnumerator(fakeEnum(soft)))
	if err := enc.Initialize(16, 16, 30, 100); err != nil {
		t.Fatal(err)
	}
	first := soft.last()

	pkt, err := enc.Encode(testFrame(16, 16))
	if err != nil || pkt != nil {
		t.Fatalf("device lost frame: pkt=%v err=%v, want nil,nil", pkt, err)
	}
	if !first.closed || soft.activated != 2 {
		t.Fatalf("transform not rebuilt: closed=%v activations=%d", first.closed, soft.activated)
	}
	if got := soft.last().in; got.Width != 16 || got.BitrateKbps != 100 {
		t.Fatalf("rebuilt with different settings: %+v", got)
	}

	pkt, err = enc.Encode(testFrame(16, 16))
	if err != nil || pkt == nil {
		t.Fatalf("after rebind: pkt=%v err=%v", pkt, err)
	}
}

func TestEncoderFatalErrorShutsDown(t *testing.T) {
	boom := errors.New("boom")
	soft := &fakeCandidate{name: "soft", make: func(int) *fakeTransform {
		return &fakeTransform{inputErrs: []error{boom}}
	}}
	enc := NewEncoder(WithEnumerator(fakeEnum(soft)))
	if err := enc.Initialize(16, 16, 30, 100); err != nil {
		t.Fatal(err)
	}
	if _, err := enc.Encode(testFrame(16, 16)); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if !soft.last().closed {
		t.Fatal("transform left open after fatal error")
	}
	if _, err := enc.Encode(testFrame(16, 16)); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("err = %v, want ErrNotInitialized", err)
	}
}

func TestEncoderKeyframes(t *testing.T) {
	soft := &fakeCandidate{name: "soft", make: func(int) *fakeTransform {
		return &fakeTransform{output: func([]byte) Sample {
			return Sample{Data: []byte{0, 0, 0, 1, 0x67, 0x42, 0, 0, 0, 1, 0x65, 0x88}}
		}}
	}}
	enc := NewEncoder(WithEnumerator(fakeEnum(soft)))
	if err := enc.Initialize(16, 16, 30, 100); err != nil {
		t.Fatal(err)
	}
	pkt, err := enc.Encode(testFrame(16, 16))
	if err != nil {
		t.Fatal(err)
	}
	if !pkt.KeyFrame {
		t.Fatal("IDR access unit not flagged as key frame")
	}
	if soft.last().keyframes != 1 {
		t.Fatalf("first frame keyframe requests = %d, want 1", soft.last().keyframes)
	}

	enc.Encode(testFrame(16, 16))
	if soft.last().keyframes != 1 {
		t.Fatal("keyframe requested without a pending request")
	}
	enc.RequestKeyframe()
	enc.Encode(testFrame(16, 16))
	if soft.last().keyframes != 2 {
		t.Fatalf("keyframe requests = %d, want 2", soft.last().keyframes)
	}
}

func TestEncoderRebindsOnSizeChange(t *testing.T) {
	soft := &fakeCandidate{name: "soft", make: plain}
	enc := NewEncoder(WithEnumerator(fakeEnum(soft)))
	if err := enc.Initialize(16, 16, 30, 100); err != nil {
		t.Fatal(err)
	}
	pkt, err := enc.Encode(testFrame(32, 24))
	if err != nil || pkt == nil {
		t.Fatalf("pkt=%v err=%v", pkt, err)
	}
	if pkt.Width != 32 || pkt.Height != 24 || soft.activated != 2 {
		t.Fatalf("packet %dx%d after %d activations", pkt.Width, pkt.Height, soft.activated)
	}
}

func TestEncoderRejectsShortFrame(t *testing.T) {
	enc := NewEncoder(WithEnumerator(fakeEnum(&fakeCandidate{name: "soft", make: plain})))
	if err := enc.Initialize(16, 16, 30, 100); err != nil {
		t.Fatal(err)
	}
	if _, err := enc.Encode(&media.Frame{Pix: make([]byte, 8), Width: 16, Height: 16}); err == nil {
		t.Fatal("expected error for short frame")
	}
}
