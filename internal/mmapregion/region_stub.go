//go:build windows

package mmapregion

import "errors"

// NewRing is unavailable on windows builds; the mmap fast path is a
// Non-goal there and callers fall back to the normal packet transport.
func NewRing(path string, size int) (*Ring, error) {
	return nil, errors.New("mmapregion: not supported on this platform")
}
