// Package metrics keeps per-session counters for the media pipeline and
// periodically reports them with process resource usage.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Video tracks capture and encode performance for one capture session.
type Video struct {
	mu sync.RWMutex

	captured uint64
	encoded  uint64
	skipped  uint64
	timeouts uint64
	reinits  uint64
	failures uint64

	lastCapture time.Duration
	lastScale   time.Duration
	lastEncode  time.Duration
	lastSize    int
	keyFrames   uint64
	bytesOut    uint64
	backend     string
}

func (m *Video) RecordCapture(d time.Duration) {
	m.mu.Lock()
	m.captured++
	m.lastCapture = d
	m.mu.Unlock()
}

func (m *Video) RecordScale(d time.Duration) {
	m.mu.Lock()
	m.lastScale = d
	m.mu.Unlock()
}

func (m *Video) RecordEncode(d time.Duration, size int, key bool) {
	m.mu.Lock()
	m.encoded++
	m.lastEncode = d
	m.lastSize = size
	m.bytesOut += uint64(size)
	if key {
		m.keyFrames++
	}
	m.mu.Unlock()
}

// RecordSkip counts an encode call that produced no output.
func (m *Video) RecordSkip() {
	m.mu.Lock()
	m.skipped++
	m.mu.Unlock()
}

func (m *Video) RecordTimeout() {
	m.mu.Lock()
	m.timeouts++
	m.mu.Unlock()
}

func (m *Video) RecordReinit() {
	m.mu.Lock()
	m.reinits++
	m.mu.Unlock()
}

func (m *Video) RecordFailure() {
	m.mu.Lock()
	m.failures++
	m.mu.Unlock()
}

func (m *Video) SetBackend(name string) {
	m.mu.Lock()
	m.backend = name
	m.mu.Unlock()
}

// Audio counts loopback periods delivered and skipped as silent.
type Audio struct {
	chunks atomic.Uint64
	silent atomic.Uint64
	frames atomic.Uint64
}

func (m *Audio) RecordChunk(frames int) {
	m.chunks.Add(1)
	m.frames.Add(uint64(frames))
}

func (m *Audio) RecordSilent() { m.silent.Add(1) }

// Pacer counts queue traffic. Every method is safe to call from Enqueue
// without blocking.
type Pacer struct {
	enqueued   atomic.Uint64
	dropped    atomic.Uint64
	sent       atomic.Uint64
	sendErrors atomic.Uint64
	ticks      atomic.Uint64
	bytesSent  atomic.Uint64
}

func (m *Pacer) RecordEnqueue()   { m.enqueued.Add(1) }
func (m *Pacer) RecordDrop()      { m.dropped.Add(1) }
func (m *Pacer) RecordTick()      { m.ticks.Add(1) }
func (m *Pacer) RecordSendError() { m.sendErrors.Add(1) }

func (m *Pacer) RecordSend(size int) {
	m.sent.Add(1)
	m.bytesSent.Add(uint64(size))
}

// Pipeline groups the per-component counters of one running pipeline.
type Pipeline struct {
	Video Video
	Audio Audio
	Pacer Pacer

	start time.Time
}

func NewPipeline() *Pipeline {
	return &Pipeline{start: time.Now()}
}

// Snapshot is a point-in-time copy of the pipeline counters.
type Snapshot struct {
	Uptime time.Duration

	FramesCaptured uint64
	FramesEncoded  uint64
	FramesSkipped  uint64
	KeyFrames      uint64
	AcquireTimeout uint64
	Reinits        uint64
	Failures       uint64
	CaptureMs      float64
	ScaleMs        float64
	EncodeMs       float64
	LastFrameSize  int
	VideoKbps      float64
	Backend        string

	AudioChunks uint64
	AudioSilent uint64
	AudioFrames uint64

	PacerEnqueued   uint64
	PacerDropped    uint64
	PacerSent       uint64
	PacerSendErrors uint64
	PacerTicks      uint64
	PacerKbps       float64
}

func (p *Pipeline) Snapshot() Snapshot {
	uptime := time.Since(p.start)

	v := &p.Video
	v.mu.RLock()
	s := Snapshot{
		Uptime:         uptime,
		FramesCaptured: v.captured,
		FramesEncoded:  v.encoded,
		FramesSkipped:  v.skipped,
		KeyFrames:      v.keyFrames,
		AcquireTimeout: v.timeouts,
		Reinits:        v.reinits,
		Failures:       v.failures,
		CaptureMs:      ms(v.lastCapture),
		ScaleMs:        ms(v.lastScale),
		EncodeMs:       ms(v.lastEncode),
		LastFrameSize:  v.lastSize,
		VideoKbps:      kbps(v.bytesOut, uptime),
		Backend:        v.backend,
	}
	v.mu.RUnlock()

	s.AudioChunks = p.Audio.chunks.Load()
	s.AudioSilent = p.Audio.silent.Load()
	s.AudioFrames = p.Audio.frames.Load()

	s.PacerEnqueued = p.Pacer.enqueued.Load()
	s.PacerDropped = p.Pacer.dropped.Load()
	s.PacerSent = p.Pacer.sent.Load()
	s.PacerSendErrors = p.Pacer.sendErrors.Load()
	s.PacerTicks = p.Pacer.ticks.Load()
	s.PacerKbps = kbps(p.Pacer.bytesSent.Load(), uptime)
	return s
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}

func kbps(bytes uint64, over time.Duration) float64 {
	if over <= 0 {
		return 0
	}
	return float64(bytes) * 8 / 1000 / over.Seconds()
}
