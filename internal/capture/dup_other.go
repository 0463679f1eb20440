//go:build !windows

package capture

// NewDuplicator reports ErrNotSupported; desktop duplication is a Windows
// facility.
func NewDuplicator(int) (Duplicator, error) {
	return nil, ErrNotSupported
}
