package voice

const (
	mulawBias = 0x84
	mulawClip = 32635

	// MulawSilence is the μ-law code for a zero sample.
	MulawSilence = 0xFF
)

// LinearToMulaw encodes one 16-bit sample as G.711 μ-law.
func LinearToMulaw(sample int16) byte {
	s := int32(sample)
	sign := byte(0)
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exp := 7
	for mask := int32(0x4000); exp > 0 && s&mask == 0; exp-- {
		mask >>= 1
	}
	mantissa := (s >> (uint(exp) + 3)) & 0x0F
	return ^(sign | byte(exp<<4) | byte(mantissa))
}

// MulawToLinear decodes one μ-law byte.
func MulawToLinear(b byte) int16 {
	b = ^b
	exp := (b >> 4) & 0x07
	mantissa := int32(b & 0x0F)
	s := ((mantissa << 3) + mulawBias) << exp
	s -= mulawBias
	if b&0x80 != 0 {
		return int16(-s)
	}
	return int16(s)
}
