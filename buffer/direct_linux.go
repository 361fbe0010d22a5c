//go:build linux

package buffer

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// AllocateDirect returns a buffer whose storage is an anonymous private mapping
// outside the Go heap. Allocation costs a syscall; the caller releases it with Free.
func AllocateDirect(capacity int) (*ByteBuffer, error) {
	if capacity < 0 {
		return nil, fmt.Errorf("%w: capacity %d", ErrInvalidArgument, capacity)
	}
	if capacity == 0 {
		return newByteBuffer([]byte{}, true, nil), nil
	}

	mem, err := unix.Mmap(-1, 0, capacity, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", capacity, err)
	}
	return newByteBuffer(mem, true, unix.Munmap), nil
}
