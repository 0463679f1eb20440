// Package capture grabs desktop frames through the platform duplication
// API, scales them to the session's size limits and hands them to a video
// encoder at a fixed frame rate.
package capture

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bohdanbtw/TalkMe-sub001/internal/codec"
	"github.com/bohdanbtw/TalkMe-sub001/internal/logging"
	"github.com/bohdanbtw/TalkMe-sub001/internal/media"
	"github.com/bohdanbtw/TalkMe-sub001/internal/metrics"
)

var log = logging.L("capture")

var (
	// ErrAcquireTimeout means no new desktop image arrived within the wait.
	ErrAcquireTimeout = errors.New("capture: acquire timeout")
	// ErrDeviceLost means the duplication session or its GPU went away and
	// must be rebuilt.
	ErrDeviceLost = errors.New("capture: device lost")
	// ErrNotSupported is returned by the default duplicator factory on
	// platforms without desktop duplication.
	ErrNotSupported = errors.New("capture: desktop duplication not supported")
	ErrNilCallback  = errors.New("capture: nil frame callback")
)

const (
	acquireTimeout    = 100 * time.Millisecond
	deviceLostBackoff = 200 * time.Millisecond
	failureBackoff    = 100 * time.Millisecond
	maxFailures       = 5
)

// RawFrame is a hardware frame mapped into CPU memory. Pix is only valid
// until ReleaseFrame.
type RawFrame struct {
	Pix    []byte
	Width  int
	Height int
	Stride int
}

// Duplicator is one desktop duplication session. It is used from a single
// goroutine.
type Duplicator interface {
	// Open starts duplicating and reports the native desktop size.
	Open() (width, height int, err error)
	// AcquireFrame waits up to timeout for a new image. It returns
	// ErrAcquireTimeout when nothing changed and ErrDeviceLost when the
	// session must be rebuilt.
	AcquireFrame(timeout time.Duration) (RawFrame, error)
	ReleaseFrame()
	Close() error
}

type DuplicatorFactory func(display int) (Duplicator, error)

// FrameEncoder is the part of codec.Encoder the capture loop drives.
type FrameEncoder interface {
	Initialize(width, height, fps, bitrateKbps int) error
	Encode(frame *media.Frame) (*media.EncodedVideoPacket, error)
	RequestKeyframe()
	Backend() string
	Shutdown()
}

type EncoderFactory func() FrameEncoder

// FrameFunc receives every encoded access unit. It runs on the capture
// goroutine; panics are recovered and logged.
type FrameFunc func(pkt media.EncodedVideoPacket)

type Option func(*Source)

func WithDuplicatorFactory(f DuplicatorFactory) Option {
	return func(s *Source) {
		if f != nil {
			s.newDup = f
		}
	}
}

func WithEncoderFactory(f EncoderFactory) Option {
	return func(s *Source) {
		if f != nil {
			s.newEnc = f
		}
	}
}

func WithMetrics(m *metrics.Video) Option {
	return func(s *Source) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithDisplay selects the output to duplicate; 0 is the primary display.
func WithDisplay(index int) Option {
	return func(s *Source) {
		if index >= 0 {
			s.display = index
		}
	}
}

// Source runs one capture session at a time.
type Source struct {
	display int
	newDup  DuplicatorFactory
	newEnc  EncoderFactory
	metrics *metrics.Video

	control sync.Mutex // serializes Start and Stop
	running atomic.Bool
	stop    chan struct{}
	done    chan struct{}

	encMu sync.Mutex
	enc   FrameEncoder
}

func New(opts ...Option) *Source {
	s := &Source{
		newDup: NewDuplicator,
		newEnc: func() FrameEncoder { return codec.NewEncoder() },
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = &metrics.Video{}
	}
	return s
}

// Start opens the duplicator and encoder on the capture goroutine and
// returns once they are ready or failed. Calling Start on a running source
// does nothing.
func (s *Source) Start(settings media.CaptureSettings, onFrame FrameFunc) error {
	if onFrame == nil {
		return ErrNilCallback
	}
	s.control.Lock()
	defer s.control.Unlock()

	if s.running.Load() {
		return nil
	}
	s.reapLocked()

	settings = settings.Normalize()
	stop := make(chan struct{})
	done := make(chan struct{})
	ready := make(chan error, 1)
	go s.run(settings, onFrame, stop, done, ready)

	if err := <-ready; err != nil {
		<-done
		return err
	}
	s.stop, s.done = stop, done
	return nil
}

// Stop ends the session and waits until the duplicator and encoder have
// been released. It is safe to call repeatedly.
func (s *Source) Stop() {
	s.control.Lock()
	defer s.control.Unlock()
	s.reapLocked()
}

// reapLocked stops the previous session, which may already have ended on
// its own.
func (s *Source) reapLocked() {
	if s.done == nil {
		return
	}
	close(s.stop)
	<-s.done
	s.stop, s.done = nil, nil
}

func (s *Source) IsRunning() bool {
	return s.running.Load()
}

// RequestKeyframe forces the next encoded frame to be an IDR.
func (s *Source) RequestKeyframe() {
	s.encMu.Lock()
	defer s.encMu.Unlock()
	if s.enc != nil {
		s.enc.RequestKeyframe()
	}
}

// session is the hardware state owned by the capture goroutine.
type session struct {
	dup    Duplicator
	enc    FrameEncoder
	width  int
	height int

	buf    []byte
	scaled []byte
}

func (s *Source) open(settings media.CaptureSettings) (*session, error) {
	dup, err := s.newDup(s.display)
	if err != nil {
		return nil, fmt.Errorf("create duplicator: %w", err)
	}
	w, h, err := dup.Open()
	if err != nil {
		dup.Close()
		return nil, fmt.Errorf("open duplication (display %d): %w", s.display, err)
	}

	outW, outH := media.FitWithin(w, h, settings.MaxWidth, settings.MaxHeight)
	kbps := settings.BitrateKbps
	if kbps <= 0 {
		kbps = media.BitrateForQuality(outW, outH, settings.FPS, settings.Quality)
	}
	enc := s.newEnc()
	if err := enc.Initialize(outW, outH, settings.FPS, kbps); err != nil {
		enc.Shutdown()
		dup.Close()
		return nil, fmt.Errorf("initialize encoder %dx%d: %w", outW, outH, err)
	}

	s.encMu.Lock()
	s.enc = enc
	s.encMu.Unlock()
	s.metrics.SetBackend(enc.Backend())

	log.Info("capture session opened",
		"display", s.display,
		"native", fmt.Sprintf("%dx%d", w, h),
		logging.KeyWidth, outW,
		logging.KeyHeight, outH,
		"fps", settings.FPS,
		"bitrateKbps", kbps,
		logging.KeyBackend, enc.Backend(),
	)
	return &session{dup: dup, enc: enc, width: w, height: h}, nil
}

func (s *Source) close(sess *session) {
	if sess == nil {
		return
	}
	s.encMu.Lock()
	s.enc = nil
	s.encMu.Unlock()
	sess.enc.Shutdown()
	if err := sess.dup.Close(); err != nil {
		log.Debug("duplicator close", logging.Err(err))
	}
}

func (s *Source) run(settings media.CaptureSettings, onFrame FrameFunc, stop <-chan struct{}, done chan<- struct{}, ready chan<- error) {
	defer close(done)

	sess, err := s.open(settings)
	if err != nil {
		ready <- err
		return
	}
	s.running.Store(true)
	ready <- nil
	defer func() {
		s.close(sess)
		s.running.Store(false)
	}()

	interval := time.Second / time.Duration(settings.FPS)
	failures := 0

	// sleep waits d or until stop; false means stop.
	sleep := func(d time.Duration) bool {
		if d <= 0 {
			select {
			case <-stop:
				return false
			default:
				return true
			}
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-stop:
			return false
		case <-t.C:
			return true
		}
	}
	fail := func(err error) bool {
		failures++
		s.metrics.RecordFailure()
		log.Warn("capture iteration failed", "failures", failures, logging.Err(err))
		if failures >= maxFailures {
			log.Error("capture stopped after repeated failures", "failures", failures, logging.Err(err))
			return false
		}
		return sleep(failureBackoff)
	}

	for {
		select {
		case <-stop:
			return
		default:
		}
		began := time.Now()

		if sess == nil {
			if sess, err = s.open(settings); err != nil {
				if !fail(err) {
					return
				}
				continue
			}
			s.metrics.RecordReinit()
		}

		err := s.step(sess, settings, onFrame)
		switch {
		case err == nil:
			failures = 0
		case errors.Is(err, ErrAcquireTimeout):
			s.metrics.RecordTimeout()
		case errors.Is(err, ErrDeviceLost):
			log.Warn("duplication lost, reinitializing", logging.Err(err))
			s.close(sess)
			sess = nil
			if !sleep(deviceLostBackoff) {
				return
			}
			continue
		default:
			if !fail(err) {
				return
			}
			continue
		}

		if !sleep(interval - time.Since(began)) {
			return
		}
	}
}

// step captures, scales, encodes and delivers one frame.
func (s *Source) step(sess *session, settings media.CaptureSettings, onFrame FrameFunc) error {
	t0 := time.Now()
	raw, err := sess.dup.AcquireFrame(acquireTimeout)
	if err != nil {
		return err
	}
	frame, err := compactRows(raw, sess.buf)
	sess.dup.ReleaseFrame()
	if err != nil {
		return err
	}
	sess.buf = frame.Pix
	s.metrics.RecordCapture(time.Since(t0))

	outW, outH := media.FitWithin(frame.Width, frame.Height, settings.MaxWidth, settings.MaxHeight)
	if outW != frame.Width || outH != frame.Height {
		t1 := time.Now()
		frame = downsample(frame, outW, outH, sess.scaled)
		sess.scaled = frame.Pix
		s.metrics.RecordScale(time.Since(t1))
	}

	t2 := time.Now()
	pkt, err := sess.enc.Encode(&frame)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if pkt == nil {
		s.metrics.RecordSkip()
		return nil
	}
	s.metrics.RecordEncode(time.Since(t2), len(pkt.Data), pkt.KeyFrame)
	deliver(onFrame, *pkt)
	return nil
}

func deliver(onFrame FrameFunc, pkt media.EncodedVideoPacket) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("frame callback panicked", "panic", fmt.Sprint(r))
		}
	}()
	onFrame(pkt)
}
