// Package audio captures what the system is playing (loopback) and delivers
// it as interleaved float PCM in periods of roughly ten milliseconds.
package audio

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bohdanbtw/TalkMe-sub001/internal/logging"
	"github.com/bohdanbtw/TalkMe-sub001/internal/media"
	"github.com/bohdanbtw/TalkMe-sub001/internal/metrics"
)

var log = logging.L("audio")

var (
	ErrNotSupported = errors.New("audio: loopback capture not supported")
	// ErrDeviceLost means the endpoint disappeared; the session ends.
	ErrDeviceLost = errors.New("audio: device invalidated")
	// ErrNoPacket is returned by Device.Next when nothing is buffered.
	ErrNoPacket    = errors.New("audio: no packet available")
	ErrNilCallback = errors.New("audio: nil chunk callback")
)

const DefaultPollInterval = 10 * time.Millisecond

// Format is the device mix format, fixed for a session.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	Float         bool
}

func (f Format) BytesPerFrame() int {
	return f.Channels * f.BitsPerSample / 8
}

func (f Format) String() string {
	kind := "int"
	if f.Float {
		kind = "float"
	}
	return fmt.Sprintf("%d Hz %d ch %d-bit %s", f.SampleRate, f.Channels, f.BitsPerSample, kind)
}

// Packet is one buffer of device frames. Data is only valid until the
// matching Release.
type Packet struct {
	Data   []byte
	Frames int
	Silent bool
}

// Device is an opened loopback endpoint, used from a single goroutine.
type Device interface {
	// Open initializes the stream, starts it and reports its format.
	Open() (Format, error)
	// Next returns the next buffered packet, ErrNoPacket when none is
	// waiting, or ErrDeviceLost.
	Next() (Packet, error)
	// Release hands the last packet's buffer back to the device.
	Release(frames int) error
	Close() error
}

type DeviceFactory func() (Device, error)

// ChunkFunc receives each non-silent period. chunk.Samples is reused after
// the callback returns; copy or encode it before returning.
type ChunkFunc func(chunk media.AudioChunk)

type Option func(*Source)

func WithDeviceFactory(f DeviceFactory) Option {
	return func(s *Source) {
		if f != nil {
			s.newDevice = f
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.poll = d
		}
	}
}

func WithMetrics(m *metrics.Audio) Option {
	return func(s *Source) {
		if m != nil {
			s.metrics = m
		}
	}
}

type Source struct {
	newDevice DeviceFactory
	poll      time.Duration
	metrics   *metrics.Audio

	control sync.Mutex
	running atomic.Bool
	stop    chan struct{}
	done    chan struct{}

	fmtMu  sync.Mutex
	format Format
}

func New(opts ...Option) *Source {
	s := &Source{newDevice: NewLoopbackDevice, poll: DefaultPollInterval}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = &metrics.Audio{}
	}
	return s
}

// Start opens the default render endpoint in loopback mode on the capture
// goroutine. Initialization failures are returned and not retried. A
// running source ignores Start.
func (s *Source) Start(onAudio ChunkFunc) error {
	if onAudio == nil {
		return ErrNilCallback
	}
	s.control.Lock()
	defer s.control.Unlock()

	if s.running.Load() {
		return nil
	}
	s.reapLocked()

	stop := make(chan struct{})
	done := make(chan struct{})
	ready := make(chan error, 1)
	go s.run(onAudio, stop, done, ready)
	if err := <-ready; err != nil {
		<-done
		return err
	}
	s.stop, s.done = stop, done
	return nil
}

// Stop ends capture and blocks until the device is closed.
func (s *Source) Stop() {
	s.control.Lock()
	defer s.control.Unlock()
	s.reapLocked()
}

func (s *Source) reapLocked() {
	if s.done == nil {
		return
	}
	close(s.stop)
	<-s.done
	s.stop, s.done = nil, nil
}

func (s *Source) IsRunning() bool { return s.running.Load() }

// Format reports the format of the current or last session.
func (s *Source) Format() Format {
	s.fmtMu.Lock()
	defer s.fmtMu.Unlock()
	return s.format
}

func (s *Source) run(onAudio ChunkFunc, stop <-chan struct{}, done chan<- struct{}, ready chan<- error) {
	defer close(done)

	dev, err := s.newDevice()
	if err != nil {
		ready <- fmt.Errorf("open loopback endpoint: %w", err)
		return
	}
	f, err := dev.Open()
	if err == nil && (f.Channels <= 0 || f.SampleRate <= 0 || !supported(f)) {
		err = fmt.Errorf("unsupported mix format %s", f)
	}
	if err != nil {
		dev.Close()
		ready <- fmt.Errorf("initialize loopback stream: %w", err)
		return
	}

	s.fmtMu.Lock()
	s.format = f
	s.fmtMu.Unlock()
	log.Info("loopback capture started",
		"sampleRate", f.SampleRate,
		"channels", f.Channels,
		"bitsPerSample", f.BitsPerSample,
		"float", f.Float,
	)

	s.running.Store(true)
	ready <- nil
	defer func() {
		if err := dev.Close(); err != nil {
			log.Debug("device close", logging.Err(err))
		}
		s.running.Store(false)
	}()

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	var samples []float32
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		var ok bool
		if samples, ok = s.drain(dev, f, onAudio, samples, stop); !ok {
			return
		}
	}
}

// drain delivers every packet currently buffered. It returns false when the
// device is gone.
func (s *Source) drain(dev Device, f Format, onAudio ChunkFunc, samples []float32, stop <-chan struct{}) ([]float32, bool) {
	for {
		select {
		case <-stop:
			return samples, true
		default:
		}

		pkt, err := dev.Next()
		switch {
		case err == nil:
		case errors.Is(err, ErrNoPacket):
			return samples, true
		case errors.Is(err, ErrDeviceLost):
			log.Warn("audio endpoint invalidated, stopping capture", logging.Err(err))
			return samples, false
		default:
			log.Debug("transient read error", logging.Err(err))
			return samples, true
		}

		if pkt.Silent || pkt.Frames == 0 {
			if pkt.Silent {
				s.metrics.RecordSilent()
			}
		} else {
			samples = toFloat32(pkt.Data, pkt.Frames, f, samples)
			if frames := len(samples) / f.Channels; frames > 0 {
				deliver(onAudio, media.AudioChunk{
					Samples:    samples,
					Frames:     frames,
					SampleRate: f.SampleRate,
					Channels:   f.Channels,
				})
				s.metrics.RecordChunk(frames)
			}
		}
		if err := dev.Release(pkt.Frames); err != nil {
			if errors.Is(err, ErrDeviceLost) {
				log.Warn("audio endpoint invalidated, stopping capture", logging.Err(err))
				return samples, false
			}
			log.Debug("release buffer", logging.Err(err))
		}
	}
}

func deliver(onAudio ChunkFunc, chunk media.AudioChunk) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("audio callback panicked", "panic", fmt.Sprint(r))
		}
	}()
	onAudio(chunk)
}
