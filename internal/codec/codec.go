// Package codec binds H.264 compressors and decompressors behind a
// hardware-first, software-fallback selection and converts between packed
// BGRA/RGBA and the planar NV12 layout those transforms consume.
package codec

import (
	"errors"
	"fmt"
	"time"

	"github.com/bohdanbtw/TalkMe-sub001/internal/logging"
)

var log = logging.L("codec")

var (
	// ErrNeedMoreInput means the transform is buffering and has no output
	// yet. It is not a failure.
	ErrNeedMoreInput = errors.New("codec: need more input")
	// ErrStreamChange means the transform changed its output format and the
	// caller must renegotiate before pulling output again.
	ErrStreamChange = errors.New("codec: output stream format changed")
	// ErrNotAccepting means the transform wants its output drained before
	// taking more input.
	ErrNotAccepting = errors.New("codec: transform not accepting input")
	// ErrDeviceLost means the hardware behind the transform went away and
	// the transform must be rebuilt.
	ErrDeviceLost = errors.New("codec: device lost")
	// ErrCodecUnavailable is returned by Initialize when neither a hardware
	// nor a software transform could be activated.
	ErrCodecUnavailable = errors.New("codec: no compressor available")
	// ErrNotInitialized is returned by Encode/Decode before a successful
	// Initialize or after a fatal failure.
	ErrNotInitialized = errors.New("codec: not initialized")
	// ErrUnsupportedFormat is returned by SetFormats when a transform
	// rejects the requested media types.
	ErrUnsupportedFormat = errors.New("codec: unsupported format")
)

// Role selects compressors or decompressors during enumeration.
type Role int

const (
	RoleEncoder Role = iota
	RoleDecoder
)

func (r Role) String() string {
	if r == RoleDecoder {
		return "decoder"
	}
	return "encoder"
}

// Subtype identifies a media payload layout.
type Subtype string

const (
	SubtypeNV12 Subtype = "NV12"
	SubtypeH264 Subtype = "H264"
)

// Format describes one side of a transform.
type Format struct {
	Subtype     Subtype
	Width       int
	Height      int
	FPS         int
	BitrateKbps int
}

// Sample is one unit pulled from a transform.
type Sample struct {
	Data     []byte
	KeyFrame bool

	// Raw NV12 output only: distance between rows and number of rows in
	// the luma plane, including any alignment padding. Zero means tightly
	// packed.
	Stride      int
	PlaneHeight int
}

// Transform is a single bound compressor or decompressor instance. It is
// not safe for concurrent use.
type Transform interface {
	// SetFormats negotiates input and output media types. It fails with
	// ErrUnsupportedFormat when the transform cannot handle them.
	SetFormats(in, out Format) error
	// ProcessInput feeds one unit. It may return ErrNotAccepting or
	// ErrDeviceLost.
	ProcessInput(data []byte, pts time.Duration) error
	// ProcessOutput pulls one unit. It returns ErrNeedMoreInput when there
	// is nothing to pull and ErrStreamChange when RenegotiateOutput must be
	// called first.
	ProcessOutput() (Sample, error)
	// RenegotiateOutput accepts the transform's preferred output type after
	// a stream change and reports the resulting format.
	RenegotiateOutput() (Format, error)
	Close() error
}

// KeyframeRequester is implemented by encoder transforms that can force the
// next output to be an IDR.
type KeyframeRequester interface {
	RequestKeyframe() error
}

// Activator creates one candidate transform.
type Activator struct {
	Name     string
	Hardware bool
	Activate func() (Transform, error)
	// Release frees enumeration resources. Optional.
	Release func()
}

// Enumerator lists the transforms installed for a role. hardware selects
// hardware-accelerated candidates; false lists software ones.
type Enumerator interface {
	Enumerate(role Role, hardware bool) ([]Activator, error)
}

// EnumeratorFunc adapts a function to Enumerator.
type EnumeratorFunc func(role Role, hardware bool) ([]Activator, error)

func (f EnumeratorFunc) Enumerate(role Role, hardware bool) ([]Activator, error) {
	return f(role, hardware)
}

// Chain concatenates the candidates of several enumerators in order. An
// enumerator that fails is skipped as long as another returns candidates.
func Chain(enums ...Enumerator) Enumerator {
	return EnumeratorFunc(func(role Role, hardware bool) ([]Activator, error) {
		var all []Activator
		var errs []error
		for _, e := range enums {
			if e == nil {
				continue
			}
			acts, err := e.Enumerate(role, hardware)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			all = append(all, acts...)
		}
		if len(all) == 0 && len(errs) > 0 {
			return nil, errors.Join(errs...)
		}
		return all, nil
	})
}

// DefaultEnumerator returns the platform transforms followed by the
// openh264 software encoder loaded from its default library name.
func DefaultEnumerator() Enumerator {
	return Chain(PlatformEnumerator(), NewOpenH264Enumerator(""))
}

// binding is the transform selected by bind.
type binding struct {
	t        Transform
	name     string
	hardware bool
}

// bind activates the first candidate that accepts in/out. Hardware
// candidates are tried first when preferHW is set; software candidates are
// enumerated only after every hardware one failed.
func bind(enum Enumerator, role Role, in, out Format, preferHW bool) (binding, error) {
	passes := []bool{false}
	if preferHW {
		passes = []bool{true, false}
	}

	var errs []error
	for _, hw := range passes {
		acts, err := enum.Enumerate(role, hw)
		if err != nil {
			errs = append(errs, fmt.Errorf("enumerate (hardware=%v): %w", hw, err))
			continue
		}
		b, ok, err := tryActivators(acts, in, out)
		releaseAll(acts)
		if ok {
			return b, nil
		}
		if err != nil {
			errs = append(errs, err)
		}
		if hw && len(acts) > 0 {
			log.Info("no hardware transform accepted the format, trying software",
				"role", role.String(), "candidates", len(acts))
		}
	}
	if len(errs) == 0 {
		errs = append(errs, errors.New("no candidates"))
	}
	return binding{}, fmt.Errorf("%w: %s %s->%s %dx%d: %w",
		ErrCodecUnavailable, role, in.Subtype, out.Subtype, in.Width, in.Height, errors.Join(errs...))
}

func tryActivators(acts []Activator, in, out Format) (binding, bool, error) {
	var errs []error
	for _, a := range acts {
		if a.Activate == nil {
			continue
		}
		t, err := a.Activate()
		if err != nil {
			log.Debug("activation failed", logging.KeyBackend, a.Name, logging.Err(err))
			errs = append(errs, fmt.Errorf("%s: activate: %w", a.Name, err))
			continue
		}
		if err := t.SetFormats(in, out); err != nil {
			t.Close()
			log.Debug("format rejected", logging.KeyBackend, a.Name, logging.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", a.Name, err))
			continue
		}
		return binding{t: t, name: a.Name, hardware: a.Hardware}, true, nil
	}
	return binding{}, false, errors.Join(errs...)
}

func releaseAll(acts []Activator) {
	for _, a := range acts {
		if a.Release != nil {
			a.Release()
		}
	}
}

type options struct {
	enum     Enumerator
	preferHW bool
}

// Option configures an Encoder or Decoder.
type Option func(*options)

// WithEnumerator replaces the transform source.
func WithEnumerator(e Enumerator) Option {
	return func(o *options) { o.enum = e }
}

// WithPreferHardware controls whether hardware candidates are tried first.
// It defaults to true.
func WithPreferHardware(v bool) Option {
	return func(o *options) { o.preferHW = v }
}

func buildOptions(opts []Option) options {
	o := options{preferHW: true}
	for _, fn := range opts {
		fn(&o)
	}
	if o.enum == nil {
		o.enum = DefaultEnumerator()
	}
	return o
}

// frameDuration is the presentation interval at fps.
func frameDuration(fps int) time.Duration {
	if fps <= 0 {
		fps = 30
	}
	return time.Second / time.Duration(fps)
}
