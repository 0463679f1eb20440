// Package voice turns loopback PCM into the 8 kHz G.711 μ-law frames
// carried on the PCMU track.
package voice

import (
	"errors"
	"time"

	"github.com/bohdanbtw/TalkMe-sub001/internal/logging"
	"github.com/bohdanbtw/TalkMe-sub001/internal/media"
)

var log = logging.L("voice")

const (
	SampleRate = 8000
	// FrameSize is 20 ms of mono μ-law at 8 kHz.
	FrameSize     = 160
	FrameDuration = 20 * time.Millisecond
)

var ErrNilEmit = errors.New("voice: nil frame callback")

// EmitFunc receives each complete frame. The slice is owned by the callee.
type EmitFunc func(frame []byte)

// Encoder downmixes to mono, decimates to 8 kHz by averaging and packs
// μ-law frames. It is not safe for concurrent use; feed it from the audio
// callback.
type Encoder struct {
	emit EmitFunc

	rate int
	// acc advances by SampleRate per input frame; an output sample is due
	// each time it passes rate.
	acc int
	sum float64
	n   int

	frame [FrameSize]byte
	fill  int
}

func NewEncoder(emit EmitFunc) (*Encoder, error) {
	if emit == nil {
		return nil, ErrNilEmit
	}
	return &Encoder{emit: emit}, nil
}

// Write consumes one chunk. A sample rate change resets the resampler but
// keeps the partially filled frame.
func (e *Encoder) Write(chunk media.AudioChunk) {
	if chunk.Channels <= 0 || chunk.SampleRate < SampleRate || chunk.Frames <= 0 {
		return
	}
	if chunk.SampleRate != e.rate {
		if e.rate != 0 {
			log.Debug("input rate changed", "from", e.rate, "to", chunk.SampleRate)
		}
		e.rate = chunk.SampleRate
		e.acc, e.sum, e.n = 0, 0, 0
	}

	frames := chunk.Frames
	if avail := len(chunk.Samples) / chunk.Channels; frames > avail {
		frames = avail
	}
	ch := chunk.Channels
	for i := 0; i < frames; i++ {
		var mono float64
		for c := 0; c < ch; c++ {
			mono += float64(chunk.Samples[i*ch+c])
		}
		e.sum += mono / float64(ch)
		e.n++
		e.acc += SampleRate
		if e.acc < e.rate {
			continue
		}
		e.acc -= e.rate
		e.push(e.sum / float64(e.n))
		e.sum, e.n = 0, 0
	}
}

func (e *Encoder) push(v float64) {
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	e.frame[e.fill] = LinearToMulaw(int16(v * 32767))
	e.fill++
	if e.fill == FrameSize {
		e.send()
	}
}

func (e *Encoder) send() {
	out := make([]byte, FrameSize)
	copy(out, e.frame[:])
	e.fill = 0
	e.emit(out)
}

// Flush pads a partial frame with silence and emits it.
func (e *Encoder) Flush() {
	if e.fill == 0 {
		return
	}
	for i := e.fill; i < FrameSize; i++ {
		e.frame[i] = MulawSilence
	}
	e.send()
}
