//go:build !windows

package codec

// PlatformEnumerator lists no native transforms off Windows; openh264 is
// the only compressor there.
func PlatformEnumerator() Enumerator {
	return EnumeratorFunc(func(Role, bool) ([]Activator, error) {
		return nil, nil
	})
}
