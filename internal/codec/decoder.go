package codec

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/bohdanbtw/TalkMe-sub001/internal/logging"
)

// Decoder turns H.264 access units back into RGBA images.
type Decoder struct {
	mu   sync.Mutex
	opts options

	b             binding
	width, height int
	stride, rows  int
	held          [][]byte
}

func NewDecoder(opts ...Option) *Decoder {
	return &Decoder{opts: buildOptions(opts)}
}

// Initialize binds an H.264 to NV12 transform, preferring hardware. The
// dimensions are a hint; the stream's own size wins after the first format
// change.
func (d *Decoder) Initialize(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("decoder: invalid size %dx%d", width, height)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closeLocked()
	d.width, d.height = width, height
	d.stride, d.rows = 0, 0
	return d.bindLocked()
}

func (d *Decoder) bindLocked() error {
	in := Format{Subtype: SubtypeH264, Width: d.width, Height: d.height}
	out := in
	out.Subtype = SubtypeNV12
	b, err := bind(d.opts.enum, RoleDecoder, in, out, d.opts.preferHW)
	if err != nil {
		return err
	}
	d.b = b
	log.Info("decoder bound",
		"backend", b.name,
		"hardware", b.hardware,
		logging.KeyWidth, d.width,
		logging.KeyHeight, d.height,
	)
	return nil
}

// maxHeldUnits bounds the access units kept while the transform refuses
// input.
const maxHeldUnits = 16

// Decode feeds one access unit and returns the next decoded picture. A nil
// image with a nil error means the transform is still buffering or has just
// changed its output format; the following call resumes normally. A unit the
// transform refuses is kept and fed ahead of the next one, so no reference
// picture is lost across a format change.
func (d *Decoder) Decode(data []byte) (*image.RGBA, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.b.t == nil {
		return nil, ErrNotInitialized
	}
	if len(data) == 0 && len(d.held) == 0 {
		return nil, nil
	}
	if len(data) > 0 {
		d.held = append(d.held, data)
	}

	var img *image.RGBA
	for len(d.held) > 0 {
		err := d.b.t.ProcessInput(d.held[0], 0)
		if errors.Is(err, ErrNotAccepting) {
			if img != nil {
				return d.holdLocked(img, data), nil
			}
			// Pull the pending picture, which may renegotiate, then retry.
			var perr error
			img, _, perr = d.pullLocked()
			if perr != nil {
				return d.failLocked(perr)
			}
			err = d.b.t.ProcessInput(d.held[0], 0)
			if errors.Is(err, ErrNotAccepting) {
				return d.holdLocked(img, data), nil
			}
		}
		if err != nil {
			return d.failLocked(err)
		}
		d.held[0] = nil
		d.held = d.held[1:]
	}
	d.held = nil

	if img == nil {
		var err error
		if img, _, err = d.pullLocked(); err != nil {
			return d.failLocked(err)
		}
	}
	return img, nil
}

// holdLocked keeps the unfed units for the next call. The caller owns data,
// so the newest unit is copied before it is retained.
func (d *Decoder) holdLocked(img *image.RGBA, data []byte) *image.RGBA {
	if n := len(d.held); n > 0 && len(data) > 0 && &d.held[n-1][0] == &data[0] {
		d.held[n-1] = append([]byte(nil), data...)
	}
	if extra := len(d.held) - maxHeldUnits; extra > 0 {
		log.Warn("decoder backlog full, dropping oldest units", "dropped", extra)
		d.held = append([][]byte(nil), d.held[extra:]...)
	}
	log.Debug("decoder not accepting, holding units", "held", len(d.held))
	return img
}

// pullLocked pulls at most one picture. changed reports that the output
// format was renegotiated and no picture is returned for this call.
func (d *Decoder) pullLocked() (*image.RGBA, bool, error) {
	sample, err := d.b.t.ProcessOutput()
	switch {
	case err == nil:
	case errors.Is(err, ErrNeedMoreInput):
		return nil, false, nil
	case errors.Is(err, ErrStreamChange):
		f, rerr := d.b.t.RenegotiateOutput()
		if rerr != nil {
			return nil, true, fmt.Errorf("renegotiate output: %w", rerr)
		}
		if f.Width > 0 && f.Height > 0 {
			if f.Width != d.width || f.Height != d.height {
				log.Info("decoder output format changed",
					"from", fmt.Sprintf("%dx%d", d.width, d.height),
					"to", fmt.Sprintf("%dx%d", f.Width, f.Height))
			}
			d.width, d.height = f.Width, f.Height
		}
		d.stride, d.rows = 0, 0
		return nil, true, nil
	default:
		return nil, false, err
	}

	if len(sample.Data) == 0 {
		return nil, false, nil
	}
	if sample.Stride > 0 {
		d.stride = sample.Stride
	}
	if sample.PlaneHeight > 0 {
		d.rows = sample.PlaneHeight
	}
	img, err := NV12ToRGBA(sample.Data, d.width, d.height, d.stride, d.rows, nil)
	if err != nil {
		return nil, false, err
	}
	return img, false, nil
}

func (d *Decoder) failLocked(err error) (*image.RGBA, error) {
	d.held = nil
	if errors.Is(err, ErrDeviceLost) {
		log.Warn("decoder device lost, rebinding", "backend", d.b.name, logging.Err(err))
		d.closeLocked()
		if berr := d.bindLocked(); berr != nil {
			return nil, fmt.Errorf("rebind after device loss: %w", berr)
		}
		return nil, nil
	}
	return nil, fmt.Errorf("decode: %w", err)
}

// Dimensions reports the current output size.
func (d *Decoder) Dimensions() (width, height int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.width, d.height
}

// Backend names the bound transform, or "" when none is bound.
func (d *Decoder) Backend() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.b.name
}

// Shutdown releases the transform. Safe before Initialize and when called
// repeatedly.
func (d *Decoder) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked()
}

func (d *Decoder) closeLocked() {
	d.held = nil
	if d.b.t == nil {
		return
	}
	if err := d.b.t.Close(); err != nil {
		log.Debug("transform close", "backend", d.b.name, logging.Err(err))
	}
	d.b = binding{}
}
