//go:build !windows

package audio

// NewLoopbackDevice reports ErrNotSupported; loopback capture is
// implemented with WASAPI only.
func NewLoopbackDevice() (Device, error) {
	return nil, ErrNotSupported
}
