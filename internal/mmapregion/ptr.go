package mmapregion

import "unsafe"

// ptrAt returns a pointer into mem at byte offset off, used to atomically
// read/write the ring's write cursor stored in the mapped memory itself.
func ptrAt(mem []byte, off int) unsafe.Pointer {
	return unsafe.Pointer(&mem[off])
}
