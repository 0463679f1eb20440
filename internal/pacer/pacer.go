// Package pacer meters outbound payloads onto the network at a fixed
// cadence. Producers enqueue without blocking into a small drop-oldest
// queue; a dedicated high-priority thread drains the whole queue on every
// tick of a high-resolution timer.
package pacer

import (
	"errors"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bohdanbtw/TalkMe-sub001/internal/logging"
	"github.com/bohdanbtw/TalkMe-sub001/internal/metrics"
)

var log = logging.L("pacer")

const (
	DefaultInterval = 10 * time.Millisecond
	DefaultCapacity = 20
)

// State is the pacer lifecycle: Idle -> Running -> Stopping -> Idle.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// SendFunc delivers one payload. Errors and panics are logged and the
// payload is discarded.
type SendFunc func(payload []byte) error

var ErrNilSend = errors.New("pacer: nil send function")

// tickSource blocks the pacer thread until the next period. wake makes the
// current and every later wait return false.
type tickSource interface {
	wait() bool
	wake()
	close()
}

type Option func(*Pacer)

func WithInterval(d time.Duration) Option {
	return func(p *Pacer) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithCapacity(n int) Option {
	return func(p *Pacer) {
		if n > 0 {
			p.capacity = n
		}
	}
}

func WithMetrics(m *metrics.Pacer) Option {
	return func(p *Pacer) {
		if m != nil {
			p.metrics = m
		}
	}
}

func withTickSource(f func(time.Duration) (tickSource, error)) Option {
	return func(p *Pacer) { p.newTicks = f }
}

type Pacer struct {
	interval time.Duration
	capacity int
	metrics  *metrics.Pacer
	newTicks func(time.Duration) (tickSource, error)

	mu    sync.Mutex
	ring  [][]byte
	head  int
	count int

	state   atomic.Int32
	control sync.Mutex // serializes Start and Stop
	ticks   tickSource
	done    chan struct{}

	sendErrs atomic.Uint64
}

func New(opts ...Option) *Pacer {
	p := &Pacer{
		interval: DefaultInterval,
		capacity: DefaultCapacity,
		newTicks: newTickSource,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = &metrics.Pacer{}
	}
	p.ring = make([][]byte, p.capacity)
	return p
}

// Start launches the pacer thread. It is a no-op unless the pacer is idle.
func (p *Pacer) Start(send SendFunc) error {
	if send == nil {
		return ErrNilSend
	}
	p.control.Lock()
	defer p.control.Unlock()

	if State(p.state.Load()) != StateIdle {
		return nil
	}

	ticks, err := p.newTicks(p.interval)
	if err != nil {
		return err
	}
	p.ticks = ticks
	p.done = make(chan struct{})
	p.state.Store(int32(StateRunning))

	go p.run(ticks, send, p.done)
	log.Info("started", "interval", p.interval.String(), "capacity", p.capacity)
	return nil
}

// Stop wakes the pacer thread, waits for it to exit and discards anything
// still queued. It is a no-op unless the pacer is running. Stop must not be
// called from inside the send function.
func (p *Pacer) Stop() {
	p.control.Lock()
	defer p.control.Unlock()

	if !p.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return
	}
	p.ticks.wake()
	<-p.done
	p.ticks.close()
	p.ticks = nil

	dropped := p.clear()
	p.state.Store(int32(StateIdle))
	log.Info("stopped", "discarded", dropped)
}

// Close stops the pacer if it is running.
func (p *Pacer) Close() error {
	p.Stop()
	return nil
}

// Enqueue appends payload without blocking. When the queue is full the
// oldest payload is dropped to make room.
func (p *Pacer) Enqueue(payload []byte) {
	p.mu.Lock()
	if p.count == p.capacity {
		p.ring[p.head] = nil
		p.head = (p.head + 1) % p.capacity
		p.count--
		p.metrics.RecordDrop()
	}
	p.ring[(p.head+p.count)%p.capacity] = payload
	p.count++
	p.mu.Unlock()
	p.metrics.RecordEnqueue()
}

// Len reports how many payloads are waiting.
func (p *Pacer) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

func (p *Pacer) State() State {
	return State(p.state.Load())
}

func (p *Pacer) IsRunning() bool {
	return p.State() == StateRunning
}

func (p *Pacer) pop() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.count == 0 {
		return nil, false
	}
	b := p.ring[p.head]
	p.ring[p.head] = nil
	p.head = (p.head + 1) % p.capacity
	p.count--
	return b, true
}

func (p *Pacer) clear() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.count
	for i := range p.ring {
		p.ring[i] = nil
	}
	p.head, p.count = 0, 0
	return n
}

func (p *Pacer) run(ticks tickSource, send SendFunc, done chan struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(done)

	if err := raisePriority(); err != nil {
		log.Debug("thread priority unchanged", "error", err.Error())
	}

	for p.IsRunning() {
		if !ticks.wait() {
			return
		}
		p.metrics.RecordTick()
		p.drain(send)
	}
}

// drain sends everything queued, in order, until the queue is empty or a
// stop is requested.
func (p *Pacer) drain(send SendFunc) {
	for p.IsRunning() {
		payload, ok := p.pop()
		if !ok {
			return
		}
		p.deliver(send, payload)
	}
}

func (p *Pacer) deliver(send SendFunc, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.RecordSendError()
			log.Error("send panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	if err := send(payload); err != nil {
		p.metrics.RecordSendError()
		if n := p.sendErrs.Add(1); n&(n-1) == 0 {
			log.Warn("send failed", "error", err.Error(), "failures", n)
		}
		return
	}
	p.metrics.RecordSend(len(payload))
}
