//go:build linux

package buffer

import (
	"io"

	"golang.org/x/sys/unix"
)

// ReadFd reads from fd into [position, limit) and advances the position.
// A buffer with nothing remaining reads nothing and returns (0, nil). A zero byte
// read into free space is end of stream and returns io.EOF. EAGAIN is returned as is.
func (b *ByteBuffer) ReadFd(fd int) (int, error) {
	if !b.HasRemaining() {
		return 0, nil
	}
	n, err := unix.Read(fd, b.buf[b.position:b.limit])
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	b.position += n
	return n, nil
}

// WriteFd writes [position, limit) to fd and advances the position by the bytes
// accepted, which may be fewer than Remaining.
func (b *ByteBuffer) WriteFd(fd int) (int, error) {
	if !b.HasRemaining() {
		return 0, nil
	}
	n, err := unix.Write(fd, b.buf[b.position:b.limit])
	if err != nil {
		return 0, err
	}
	b.position += n
	return n, nil
}

// ReadScatter reads from fd into bufs with a single readv. Buffers are filled in
// order, each up to its limit.
func ReadScatter(fd int, bufs ...*ByteBuffer) (int, error) {
	iovs := make([][]byte, 0, len(bufs))
	for _, b := range bufs {
		if b.HasRemaining() {
			iovs = append(iovs, b.Bytes())
		}
	}
	if len(iovs) == 0 {
		return 0, nil
	}

	n, err := unix.Readv(fd, iovs)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	advance(bufs, n)
	return n, nil
}

// WriteGather writes the remaining bytes of bufs to fd with a single writev.
// Buffers are drained in order.
func WriteGather(fd int, bufs ...*ByteBuffer) (int, error) {
	iovs := make([][]byte, 0, len(bufs))
	for _, b := range bufs {
		if b.HasRemaining() {
			iovs = append(iovs, b.Bytes())
		}
	}
	if len(iovs) == 0 {
		return 0, nil
	}

	n, err := unix.Writev(fd, iovs)
	if err != nil {
		return 0, err
	}
	advance(bufs, n)
	return n, nil
}

func advance(bufs []*ByteBuffer, n int) {
	for _, b := range bufs {
		if n == 0 {
			return
		}
		step := b.Remaining()
		if step > n {
			step = n
		}
		b.position += step
		n -= step
	}
}
