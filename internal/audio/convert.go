package audio

import (
	"encoding/binary"
	"math"
)

func supported(f Format) bool {
	if f.Float {
		return f.BitsPerSample == 32
	}
	switch f.BitsPerSample {
	case 16, 24, 32:
		return true
	}
	return false
}

// toFloat32 converts frames of interleaved little-endian samples to float
// in [-1, 1]. Integer PCM is divided by its full-scale value. A short data
// buffer is cut to whole frames. dst is reused when large enough.
func toFloat32(data []byte, frames int, f Format, dst []float32) []float32 {
	n := frames * f.Channels
	width := f.BitsPerSample / 8
	if avail := len(data) / width; n > avail {
		n = avail - avail%f.Channels
	}
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]

	switch {
	case f.Float:
		for i := range dst {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
	case width == 2:
		for i := range dst {
			dst[i] = float32(int16(binary.LittleEndian.Uint16(data[i*2:]))) / 32768
		}
	case width == 3:
		for i := range dst {
			b := data[i*3:]
			v := int32(uint32(b[0])<<8|uint32(b[1])<<16|uint32(b[2])<<24) >> 8
			dst[i] = float32(v) / 8388608
		}
	case width == 4:
		for i := range dst {
			dst[i] = float32(float64(int32(binary.LittleEndian.Uint32(data[i*4:]))) / 2147483648)
		}
	}
	return dst
}
