package codec

import (
	"errors"
	"sync"
	"time"
)

// fakeTransform is a scriptable Transform. Each ProcessInput queues one
// output after delay inputs have been buffered.
type fakeTransform struct {
	mu sync.Mutex

	reject    error
	delay     int
	inputErrs []error
	outErrs   []error
	output    func(in []byte) Sample
	newFormat Format

	in, out      Format
	inputs       int
	pending      []Sample
	renegotiated int
	keyframes    int
	closed       bool
}

func (f *fakeTransform) SetFormats(in, out Format) error {
	if f.reject != nil {
		return f.reject
	}
	f.in, f.out = in, out
	return nil
}

func (f *fakeTransform) ProcessInput(data []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inputErrs) > 0 {
		err := f.inputErrs[0]
		f.inputErrs = f.inputErrs[1:]
		if err != nil {
			return err
		}
	}
	f.inputs++
	if f.inputs <= f.delay {
		return nil
	}
	s := Sample{Data: []byte{0, 0, 0, 1, 0x41, byte(f.inputs)}}
	if f.output != nil {
		s = f.output(data)
	}
	f.pending = append(f.pending, s)
	return nil
}

func (f *fakeTransform) ProcessOutput() (Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.outErrs) > 0 {
		err := f.outErrs[0]
		f.outErrs = f.outErrs[1:]
		return Sample{}, err
	}
	if len(f.pending) == 0 {
		return Sample{}, ErrNeedMoreInput
	}
	s := f.pending[0]
	f.pending = f.pending[1:]
	return s, nil
}

func (f *fakeTransform) RenegotiateOutput() (Format, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renegotiated++
	if f.newFormat.Width > 0 {
		f.out = f.newFormat
	}
	return f.out, nil
}

func (f *fakeTransform) RequestKeyframe() error {
	f.mu.Lock()
	f.keyframes++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransform) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// fakeCandidate produces transforms through make; a nil make fails
// activation.
type fakeCandidate struct {
	name     string
	hardware bool
	make     func(n int) *fakeTransform

	mu        sync.Mutex
	activated int
	released  int
	made      []*fakeTransform
}

func (c *fakeCandidate) activator() Activator {
	return Activator{
		Name:     c.name,
		Hardware: c.hardware,
		Activate: func() (Transform, error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.activated++
			if c.make == nil {
				return nil, errors.New("activation refused")
			}
			t := c.make(c.activated)
			c.made = append(c.made, t)
			return t, nil
		},
		Release: func() {
			c.mu.Lock()
			c.released++
			c.mu.Unlock()
		},
	}
}

func (c *fakeCandidate) last() *fakeTransform {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.made) == 0 {
		return nil
	}
	return c.made[len(c.made)-1]
}

func fakeEnum(cands ...*fakeCandidate) Enumerator {
	return EnumeratorFunc(func(_ Role, hardware bool) ([]Activator, error) {
		var acts []Activator
		for _, c := range cands {
			if c.hardware == hardware {
				acts = append(acts, c.activator())
			}
		}
		return acts, nil
	})
}

func plain(int) *fakeTransform { return &fakeTransform{} }
