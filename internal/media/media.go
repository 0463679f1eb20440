// Package media holds the value types passed between the capture, codec,
// audio and pacing components.
package media

import "math"

// Frame is a tightly packed BGRA image: len(Pix) == Width*Height*4.
type Frame struct {
	Pix    []byte
	Width  int
	Height int
}

// Stride returns the row length in bytes.
func (f *Frame) Stride() int { return f.Width * 4 }

// EncodedVideoPacket is one compressed access unit as produced by the
// encoder (Annex-B H.264). Ownership passes to whoever receives it.
type EncodedVideoPacket struct {
	Data     []byte
	Width    int
	Height   int
	KeyFrame bool
}

// AudioChunk is one period of interleaved float PCM in [-1, 1].
// Samples is only valid for the duration of the callback that received it.
type AudioChunk struct {
	Samples    []float32
	Frames     int
	SampleRate int
	Channels   int
}

const (
	DefaultFPS       = 30
	DefaultQuality   = 70
	DefaultMaxWidth  = 1920
	DefaultMaxHeight = 1080

	minBitrateKbps = 250
	maxBitrateKbps = 20000
)

// CaptureSettings is fixed for the lifetime of one capture session.
type CaptureSettings struct {
	FPS         int
	Quality     int
	MaxWidth    int
	MaxHeight   int
	BitrateKbps int // 0 derives the rate from Quality and the output size
}

// Normalize fills zero fields with defaults and clamps the rest.
func (s CaptureSettings) Normalize() CaptureSettings {
	if s.FPS <= 0 {
		s.FPS = DefaultFPS
	}
	if s.FPS > 120 {
		s.FPS = 120
	}
	if s.Quality <= 0 {
		s.Quality = DefaultQuality
	}
	if s.Quality > 100 {
		s.Quality = 100
	}
	if s.MaxWidth <= 0 {
		s.MaxWidth = DefaultMaxWidth
	}
	if s.MaxHeight <= 0 {
		s.MaxHeight = DefaultMaxHeight
	}
	if s.BitrateKbps < 0 {
		s.BitrateKbps = 0
	}
	return s
}

// EncodeSettings is what an encoder is initialized with.
type EncodeSettings struct {
	Width       int
	Height      int
	FPS         int
	BitrateKbps int
}

// BitrateForQuality maps a 1-100 quality knob to a target bitrate for the
// given output size. Quality 100 spends 0.15 bits per pixel, quality 1
// roughly 0.02.
func BitrateForQuality(width, height, fps, quality int) int {
	if quality < 1 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}
	if fps <= 0 {
		fps = DefaultFPS
	}
	bpp := 0.02 + 0.13*float64(quality)/100
	kbps := int(math.Round(float64(width*height*fps) * bpp / 1000))
	if kbps < minBitrateKbps {
		return minBitrateKbps
	}
	if kbps > maxBitrateKbps {
		return maxBitrateKbps
	}
	return kbps
}

// FitWithin scales (w, h) down to fit inside (maxW, maxH) keeping the aspect
// ratio, rounded down to even values. Sizes already inside are only evened.
func FitWithin(w, h, maxW, maxH int) (int, int) {
	if w <= 0 || h <= 0 {
		return 0, 0
	}
	if maxW > 0 && maxH > 0 && (w > maxW || h > maxH) {
		if w*maxH > h*maxW {
			w, h = maxW, h*maxW/w
		} else {
			w, h = w*maxH/h, maxH
		}
	}
	w &^= 1
	h &^= 1
	if w < 2 {
		w = 2
	}
	if h < 2 {
		h = 2
	}
	return w, h
}
