package voice

import "testing"

func TestLinearToMulawSilence(t *testing.T) {
	if got := LinearToMulaw(0); got != MulawSilence {
		t.Fatalf("LinearToMulaw(0) = 0x%02X, want 0xFF", got)
	}
}

func TestLinearToMulawSymmetry(t *testing.T) {
	pos := LinearToMulaw(1000)
	neg := LinearToMulaw(-1000)
	if pos^neg != 0x80 {
		t.Fatalf("LinearToMulaw(1000)=0x%02X, LinearToMulaw(-1000)=0x%02X, XOR=0x%02X (want 0x80)",
			pos, neg, pos^neg)
	}
}

func TestLinearToMulawClips(t *testing.T) {
	if got := LinearToMulaw(32767); got != 0x80 {
		t.Fatalf("LinearToMulaw(32767) = 0x%02X, want 0x80", got)
	}
	// -32768 cannot be negated as int16.
	if got := LinearToMulaw(-32768); got != 0x00 {
		t.Fatalf("LinearToMulaw(-32768) = 0x%02X, want 0x00", got)
	}
}

func TestLinearToMulawMonotonic(t *testing.T) {
	prev := LinearToMulaw(0)
	for i := int16(100); i < 32000; i += 100 {
		cur := LinearToMulaw(i)
		if cur > prev {
			t.Fatalf("non-monotonic at %d: prev=0x%02X, cur=0x%02X", i, prev, cur)
		}
		prev = cur
	}
}

func TestLinearToMulawKnownValues(t *testing.T) {
	tests := []struct {
		input int16
		want  byte
	}{
		{0, 0xFF},
		{8, 0xFE},
		{-8, 0x7E},
		{1000, 0xCE},
		{-1000, 0x4E},
	}
	for _, tt := range tests {
		if got := LinearToMulaw(tt.input); got != tt.want {
			t.Errorf("LinearToMulaw(%d) = 0x%02X, want 0x%02X", tt.input, got, tt.want)
		}
	}
}

func TestMulawRoundTrip(t *testing.T) {
	for v := -32768; v <= 32767; v += 7 {
		got := int(MulawToLinear(LinearToMulaw(int16(v))))
		diff, mag := got-v, v
		if diff < 0 {
			diff = -diff
		}
		if mag < 0 {
			mag = -mag
		}
		// the quantization step doubles with each segment
		if diff > mag/16+16 {
			t.Fatalf("round trip %d -> %d", v, got)
		}
	}
}

func BenchmarkLinearToMulaw(b *testing.B) {
	for i := 0; i < b.N; i++ {
		LinearToMulaw(int16(i % 65536))
	}
}
