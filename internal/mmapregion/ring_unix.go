//go:build !windows

package mmapregion

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// NewRing creates or opens the backing file at path sized for a data area
// of size bytes plus the ring header, and maps it MAP_SHARED so the viewer
// process sees writes and the producer sees the consumer position advance.
func NewRing(path string, size int) (*Ring, error) {
	total := size + ringHeaderSize
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("mmapregion: open %s: %w", path, err)
	}
	defer f.Close()
	if err := f.Truncate(int64(total)); err != nil {
		return nil, fmt.Errorf("mmapregion: truncate: %w", err)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmapregion: mmap: %w", err)
	}
	r, err := newRingOver(mem)
	if err != nil {
		_ = unix.Munmap(mem)
		return nil, err
	}
	r.closer = func() error { return unix.Munmap(mem) }
	return r, nil
}
