//go:build windows

package pacer

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	kernel32                   = windows.NewLazySystemDLL("kernel32.dll")
	procCreateWaitableTimerExW = kernel32.NewProc("CreateWaitableTimerExW")
	procSetWaitableTimer       = kernel32.NewProc("SetWaitableTimer")
	procCancelWaitableTimer    = kernel32.NewProc("CancelWaitableTimer")
	procGetCurrentThread       = kernel32.NewProc("GetCurrentThread")
	procSetThreadPriority      = kernel32.NewProc("SetThreadPriority")
)

const (
	createWaitableTimerHighResolution = 0x00000002
	timerAllAccess                    = 0x001F0003
	threadPriorityTimeCritical        = 15
	threadPriorityHighest             = 2
)

// waitableTicks waits on a periodic waitable timer and a manual-reset stop
// event with WaitForMultipleObjects.
type waitableTicks struct {
	timer windows.Handle
	stop  windows.Handle
	once  sync.Once
}

func newTickSource(interval time.Duration) (tickSource, error) {
	timer, err := createTimer(createWaitableTimerHighResolution)
	if err != nil {
		// High-resolution timers need Windows 10 1803 or later.
		timer, err = createTimer(0)
		if err != nil {
			return nil, err
		}
	}

	period := int32(interval / time.Millisecond)
	if period < 1 {
		period = 1
	}
	due := -int64(interval / 100) // relative, in 100ns units
	r, _, callErr := procSetWaitableTimer.Call(
		uintptr(timer),
		uintptr(unsafe.Pointer(&due)),
		uintptr(period),
		0, 0, 0,
	)
	if r == 0 {
		windows.CloseHandle(timer)
		return nil, fmt.Errorf("SetWaitableTimer: %w", callErr)
	}

	stop, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		procCancelWaitableTimer.Call(uintptr(timer))
		windows.CloseHandle(timer)
		return nil, fmt.Errorf("CreateEvent: %w", err)
	}
	return &waitableTicks{timer: timer, stop: stop}, nil
}

func createTimer(flags uintptr) (windows.Handle, error) {
	h, _, err := procCreateWaitableTimerExW.Call(0, 0, flags, timerAllAccess)
	if h == 0 {
		return 0, fmt.Errorf("CreateWaitableTimerExW(0x%x): %w", flags, err)
	}
	return windows.Handle(h), nil
}

func (t *waitableTicks) wait() bool {
	ev, err := windows.WaitForMultipleObjects([]windows.Handle{t.stop, t.timer}, false, windows.INFINITE)
	if err != nil {
		log.Error("WaitForMultipleObjects failed", "error", err.Error())
		return false
	}
	return ev == windows.WAIT_OBJECT_0+1
}

func (t *waitableTicks) wake() {
	t.once.Do(func() {
		if err := windows.SetEvent(t.stop); err != nil {
			log.Error("SetEvent failed", "error", err.Error())
		}
	})
}

func (t *waitableTicks) close() {
	procCancelWaitableTimer.Call(uintptr(t.timer))
	windows.CloseHandle(t.timer)
	windows.CloseHandle(t.stop)
}

func raisePriority() error {
	thread, _, _ := procGetCurrentThread.Call()
	for _, prio := range []int{threadPriorityTimeCritical, threadPriorityHighest} {
		r, _, err := procSetThreadPriority.Call(thread, uintptr(prio))
		if r != 0 {
			return nil
		}
		if prio == threadPriorityHighest {
			return fmt.Errorf("SetThreadPriority: %w", err)
		}
	}
	return nil
}
