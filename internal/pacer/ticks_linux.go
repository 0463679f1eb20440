//go:build linux

package pacer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// timerfdTicks waits on a periodic CLOCK_MONOTONIC timerfd and an eventfd
// used as the stop signal.
type timerfdTicks struct {
	timer int
	stop  int
	once  sync.Once
}

func newTickSource(interval time.Duration) (tickSource, error) {
	tfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("timerfd_create: %w", err)
	}
	spec := unix.ItimerSpec{
		Interval: unix.NsecToTimespec(interval.Nanoseconds()),
		Value:    unix.NsecToTimespec(interval.Nanoseconds()),
	}
	if err := unix.TimerfdSettime(tfd, 0, &spec, nil); err != nil {
		unix.Close(tfd)
		return nil, fmt.Errorf("timerfd_settime: %w", err)
	}
	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(tfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	return &timerfdTicks{timer: tfd, stop: efd}, nil
}

func (t *timerfdTicks) wait() bool {
	fds := []unix.PollFd{
		{Fd: int32(t.stop), Events: unix.POLLIN},
		{Fd: int32(t.timer), Events: unix.POLLIN},
	}
	for {
		_, err := unix.Poll(fds, -1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			log.Error("poll failed", "error", err.Error())
			return false
		}
		// The eventfd is never read, so a wake stays visible to every
		// later wait.
		if fds[0].Revents != 0 {
			return false
		}
		if fds[1].Revents&unix.POLLIN != 0 {
			var expirations [8]byte
			if _, err := unix.Read(t.timer, expirations[:]); err != nil && !errors.Is(err, unix.EINTR) {
				log.Error("timerfd read failed", "error", err.Error())
				return false
			}
			return true
		}
	}
}

func (t *timerfdTicks) wake() {
	t.once.Do(func() {
		one := [8]byte{1}
		if _, err := unix.Write(t.stop, one[:]); err != nil {
			log.Error("eventfd write failed", "error", err.Error())
		}
	})
}

func (t *timerfdTicks) close() {
	unix.Close(t.timer)
	unix.Close(t.stop)
}

// raisePriority lowers the calling thread's nice value as far as the
// process is permitted to.
func raisePriority() error {
	tid := unix.Gettid()
	var err error
	for _, nice := range []int{-20, -10, -5} {
		if err = unix.Setpriority(unix.PRIO_PROCESS, tid, nice); err == nil {
			return nil
		}
	}
	return fmt.Errorf("setpriority: %w", err)
}
