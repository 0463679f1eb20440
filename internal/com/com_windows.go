//go:build windows

// Package com holds the vtable-calling helpers shared by the DXGI, Media
// Foundation and WASAPI backends. Interfaces are handled as raw pointers
// (pointer to pointer to vtable) and methods are invoked by index.
package com

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"syscall"
	"unsafe"

	ole "github.com/go-ole/go-ole"
)

// HRESULT is a failed COM call result.
type HRESULT uint32

func (h HRESULT) Error() string {
	return fmt.Sprintf("HRESULT 0x%08X", uint32(h))
}

// Failed reports whether hr is an error code.
func Failed(hr uintptr) bool {
	return int32(hr) < 0
}

const (
	sFalse          = 0x00000001
	rpcEChangedMode = 0x80010106
	vtblQueryIface  = 0
	vtblRelease     = 2
)

// Code extracts the HRESULT from err, or 0 when err did not come from a
// COM call.
func Code(err error) uint32 {
	var h HRESULT
	if errors.As(err, &h) {
		return uint32(h)
	}
	var oe *ole.OleError
	if errors.As(err, &oe) {
		return uint32(oe.Code())
	}
	return 0
}

// Fn returns the address of method idx of obj.
func Fn(obj uintptr, idx int) uintptr {
	vtbl := *(*uintptr)(unsafe.Pointer(obj))
	return *(*uintptr)(unsafe.Pointer(vtbl + uintptr(idx)*unsafe.Sizeof(uintptr(0))))
}

// Call invokes method idx of obj with obj as the implicit first argument.
func Call(obj uintptr, idx int, args ...uintptr) (uintptr, error) {
	if obj == 0 {
		return 0, fmt.Errorf("vtable[%d] on nil interface", idx)
	}
	all := make([]uintptr, 0, len(args)+1)
	all = append(all, obj)
	all = append(all, args...)
	ret, _, _ := syscall.SyscallN(Fn(obj, idx), all...)
	if Failed(ret) {
		return ret, fmt.Errorf("vtable[%d]: %w", idx, HRESULT(ret))
	}
	return ret, nil
}

// Release calls IUnknown::Release. A zero pointer is ignored.
func Release(obj uintptr) {
	if obj != 0 {
		syscall.SyscallN(Fn(obj, vtblRelease), obj)
	}
}

// QueryInterface asks obj for iid.
func QueryInterface(obj uintptr, iid *ole.GUID) (uintptr, error) {
	var out uintptr
	if _, err := Call(obj, vtblQueryIface, uintptr(unsafe.Pointer(iid)), uintptr(unsafe.Pointer(&out))); err != nil {
		return 0, err
	}
	return out, nil
}

// GUID parses a registry-format GUID and panics on malformed input; it is
// meant for package-level constants.
func GUID(s string) *ole.GUID {
	g := ole.NewGUID(s)
	if g == nil {
		panic("com: bad GUID " + s)
	}
	return g
}

// Init joins the calling thread to the multithreaded apartment. The
// returned func must be called on the same thread. Callers lock the
// goroutine to its OS thread first.
func Init() (func(), error) {
	err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED)
	if err != nil {
		switch Code(err) {
		case sFalse:
			// already initialized on this thread; still balanced by Uninit
		case rpcEChangedMode:
			return func() {}, nil
		default:
			return nil, fmt.Errorf("CoInitializeEx: %w", err)
		}
	}
	return ole.CoUninitialize, nil
}

var (
	mtaOnce sync.Once
	mtaErr  error
)

// EnsureMTA parks one OS thread in the multithreaded apartment for the life
// of the process. While it exists every other thread is implicitly MTA, so
// interface pointers can be used from any goroutine without per-thread
// initialization.
func EnsureMTA() error {
	mtaOnce.Do(func() {
		ready := make(chan error, 1)
		go func() {
			runtime.LockOSThread()
			if _, err := Init(); err != nil {
				ready <- err
				runtime.UnlockOSThread()
				return
			}
			ready <- nil
			select {}
		}()
		mtaErr = <-ready
	})
	return mtaErr
}

// CreateInstance creates an in-process or local server object and returns
// its iid interface.
func CreateInstance(clsid, iid *ole.GUID) (uintptr, error) {
	unk, err := ole.CreateInstance(clsid, iid)
	if err != nil {
		return 0, fmt.Errorf("CoCreateInstance %s: %w", clsid.String(), err)
	}
	return uintptr(unsafe.Pointer(unk)), nil
}

// TaskMemFree frees memory returned by a COM allocator.
func TaskMemFree(p uintptr) {
	if p != 0 {
		ole.CoTaskMemFree(p)
	}
}

// Pack64 packs two uint32 values into the hi/lo halves of a UINT64
// attribute, the layout Media Foundation uses for frame size and rate.
func Pack64(hi, lo uint32) uint64 {
	return uint64(hi)<<32 | uint64(lo)
}

// Unpack64 splits a packed UINT64 attribute.
func Unpack64(v uint64) (hi, lo uint32) {
	return uint32(v >> 32), uint32(v)
}
