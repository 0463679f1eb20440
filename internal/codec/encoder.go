package codec

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bohdanbtw/TalkMe-sub001/internal/logging"
	"github.com/bohdanbtw/TalkMe-sub001/internal/media"
)

// maxStreamChanges bounds renegotiation attempts within one drain.
const maxStreamChanges = 5

// Encoder compresses BGRA frames to H.264 access units. Methods are safe
// for concurrent use but calls are serialized.
type Encoder struct {
	mu   sync.Mutex
	opts options

	b        binding
	settings media.EncodeSettings
	frames   uint64
	keyReq   bool
}

func NewEncoder(opts ...Option) *Encoder {
	return &Encoder{opts: buildOptions(opts)}
}

// Initialize binds a transform for width x height at fps. Odd dimensions
// are rounded down to even. A non-positive bitrate is derived from the
// frame size. It fails with ErrCodecUnavailable when no hardware or
// software compressor accepts the format.
func (e *Encoder) Initialize(width, height, fps, bitrateKbps int) error {
	width &^= 1
	height &^= 1
	if width < 2 || height < 2 {
		return fmt.Errorf("encoder: invalid size %dx%d", width, height)
	}
	if fps <= 0 {
		fps = media.DefaultFPS
	}
	if bitrateKbps <= 0 {
		bitrateKbps = media.BitrateForQuality(width, height, fps, media.DefaultQuality)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.closeLocked()
	e.settings = media.EncodeSettings{Width: width, Height: height, FPS: fps, BitrateKbps: bitrateKbps}
	return e.bindLocked()
}

func (e *Encoder) bindLocked() error {
	s := e.settings
	in := Format{Subtype: SubtypeNV12, Width: s.Width, Height: s.Height, FPS: s.FPS, BitrateKbps: s.BitrateKbps}
	out := in
	out.Subtype = SubtypeH264

	b, err := bind(e.opts.enum, RoleEncoder, in, out, e.opts.preferHW)
	if err != nil {
		return err
	}
	e.b = b
	e.frames = 0
	e.keyReq = true
	log.Info("encoder bound",
		"backend", b.name,
		"hardware", b.hardware,
		"width", s.Width,
		"height", s.Height,
		"fps", s.FPS,
		"bitrateKbps", s.BitrateKbps,
	)
	return nil
}

// Encode converts frame to NV12 and feeds it to the transform. A nil packet
// with a nil error means the transform needs more input before it can
// produce output. A frame whose size differs from the bound size rebinds
// the transform first. Device loss rebinds in place and skips the frame.
func (e *Encoder) Encode(frame *media.Frame) (*media.EncodedVideoPacket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.b.t == nil {
		return nil, ErrNotInitialized
	}
	if frame == nil || len(frame.Pix) < frame.Width*frame.Height*4 {
		return nil, errors.New("encoder: short frame")
	}
	if frame.Width&^1 != e.settings.Width || frame.Height&^1 != e.settings.Height {
		log.Info("frame size changed, rebinding",
			"from", fmt.Sprintf("%dx%d", e.settings.Width, e.settings.Height),
			"to", fmt.Sprintf("%dx%d", frame.Width, frame.Height))
		e.closeLocked()
		e.settings.Width, e.settings.Height = frame.Width&^1, frame.Height&^1
		if err := e.bindLocked(); err != nil {
			return nil, err
		}
	}

	s := e.settings
	nv12 := BGRAToNV12(frame.Pix, s.Width, s.Height, frame.Stride())
	defer PutNV12(nv12)

	if e.keyReq {
		if kr, ok := e.b.t.(KeyframeRequester); ok {
			if err := kr.RequestKeyframe(); err != nil {
				log.Debug("keyframe request failed", logging.Err(err))
			} else {
				e.keyReq = false
			}
		} else {
			e.keyReq = false
		}
	}

	pts := time.Duration(e.frames) * frameDuration(s.FPS)
	e.frames++

	var data []byte
	var key bool
	err := e.b.t.ProcessInput(nv12, pts)
	if errors.Is(err, ErrNotAccepting) {
		data, key, err = e.drainLocked()
		if err == nil {
			err = e.b.t.ProcessInput(nv12, pts)
			if errors.Is(err, ErrNotAccepting) {
				log.Debug("transform still full, dropping frame")
				err = nil
			}
		}
	}
	if err == nil {
		var more []byte
		var k bool
		more, k, err = e.drainLocked()
		data = append(data, more...)
		key = key || k
	}
	if err != nil {
		return e.failLocked(err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return &media.EncodedVideoPacket{
		Data:     data,
		Width:    s.Width,
		Height:   s.Height,
		KeyFrame: key || ContainsIDR(data),
	}, nil
}

// drainLocked pulls every available output unit.
func (e *Encoder) drainLocked() ([]byte, bool, error) {
	var out []byte
	key := false
	changes := 0
	for {
		sample, err := e.b.t.ProcessOutput()
		switch {
		case err == nil:
			out = append(out, sample.Data...)
			key = key || sample.KeyFrame
		case errors.Is(err, ErrNeedMoreInput):
			return out, key, nil
		case errors.Is(err, ErrStreamChange):
			changes++
			if changes > maxStreamChanges {
				return out, key, fmt.Errorf("encoder: %d stream changes in one drain", changes)
			}
			if _, err := e.b.t.RenegotiateOutput(); err != nil {
				return out, key, fmt.Errorf("renegotiate output: %w", err)
			}
		default:
			return out, key, err
		}
	}
}

// failLocked handles a transform error. Device loss rebinds in place and
// reports no output. Anything else releases the transform, so later calls
// fail with ErrNotInitialized until the next Initialize.
func (e *Encoder) failLocked(err error) (*media.EncodedVideoPacket, error) {
	if !errors.Is(err, ErrDeviceLost) {
		log.Error("encoder failed, shutting down", "backend", e.b.name, logging.Err(err))
		e.closeLocked()
		return nil, fmt.Errorf("encode: %w", err)
	}
	log.Warn("encoder device lost, rebinding", "backend", e.b.name, logging.Err(err))
	e.closeLocked()
	if berr := e.bindLocked(); berr != nil {
		return nil, fmt.Errorf("rebind after device loss: %w", berr)
	}
	return nil, nil
}

// RequestKeyframe asks for the next output to be an IDR.
func (e *Encoder) RequestKeyframe() {
	e.mu.Lock()
	e.keyReq = true
	e.mu.Unlock()
}

// Backend names the bound transform, or "" when none is bound.
func (e *Encoder) Backend() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.b.name
}

func (e *Encoder) IsHardware() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.b.hardware
}

// Settings reports the bound size, rate and bitrate.
func (e *Encoder) Settings() media.EncodeSettings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

// Shutdown releases the transform. It is safe to call at any time,
// including before Initialize.
func (e *Encoder) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeLocked()
}

func (e *Encoder) closeLocked() {
	if e.b.t == nil {
		return
	}
	if err := e.b.t.Close(); err != nil {
		log.Debug("transform close", "backend", e.b.name, logging.Err(err))
	}
	e.b = binding{}
}
