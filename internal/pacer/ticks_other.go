//go:build !linux && !windows

package pacer

import (
	"sync"
	"time"
)

type tickerTicks struct {
	t    *time.Ticker
	stop chan struct{}
	once sync.Once
}

func newTickSource(interval time.Duration) (tickSource, error) {
	return &tickerTicks{t: time.NewTicker(interval), stop: make(chan struct{})}, nil
}

func (t *tickerTicks) wait() bool {
	select {
	case <-t.stop:
		return false
	default:
	}
	select {
	case <-t.stop:
		return false
	case <-t.t.C:
		return true
	}
}

func (t *tickerTicks) wake() {
	t.once.Do(func() { close(t.stop) })
}

func (t *tickerTicks) close() {
	t.t.Stop()
}

func raisePriority() error { return nil }
