// Package buffer implements a fixed capacity byte buffer with position, limit and
// mark cursors.
//
// A buffer is in fill mode after Allocate or Clear (bytes are appended at position
// up to limit == capacity) and in drain mode after Flip (bytes are consumed from
// position up to the end of the valid data). The cursors always satisfy
//
//	0 <= mark <= position <= limit <= capacity
//
// Buffers are not safe for concurrent use.
package buffer

import "fmt"

const noMark = -1

type ByteBuffer struct {
	buf      []byte
	position int
	limit    int
	mark     int
	direct   bool
	free     func([]byte) error
}

// Allocate returns a heap backed buffer with position 0 and limit == capacity.
func Allocate(capacity int) (*ByteBuffer, error) {
	if capacity < 0 {
		return nil, fmt.Errorf("%w: capacity %d", ErrInvalidArgument, capacity)
	}
	return newByteBuffer(make([]byte, capacity), false, nil), nil
}

// Wrap returns a heap buffer over b. The buffer and b share storage.
func Wrap(b []byte) *ByteBuffer {
	return newByteBuffer(b, false, nil)
}

func newByteBuffer(b []byte, direct bool, free func([]byte) error) *ByteBuffer {
	return &ByteBuffer{
		buf:    b,
		limit:  len(b),
		mark:   noMark,
		direct: direct,
		free:   free,
	}
}

// IsDirect reports whether the buffer was allocated with AllocateDirect.
func (b *ByteBuffer) IsDirect() bool { return b.direct }

func (b *ByteBuffer) Capacity() int { return len(b.buf) }

func (b *ByteBuffer) Position() int { return b.position }

func (b *ByteBuffer) Limit() int { return b.limit }

// Remaining returns limit - position.
func (b *ByteBuffer) Remaining() int { return b.limit - b.position }

func (b *ByteBuffer) HasRemaining() bool { return b.position < b.limit }

// SetPosition moves the position. A mark beyond the new position is discarded.
func (b *ByteBuffer) SetPosition(p int) error {
	if p < 0 || p > b.limit {
		return fmt.Errorf("%w: position %d outside [0, %d]", ErrInvalidArgument, p, b.limit)
	}
	b.position = p
	if b.mark > p {
		b.mark = noMark
	}
	return nil
}

// SetLimit moves the limit, pulling the position back if needed. A mark beyond the
// new limit is discarded.
func (b *ByteBuffer) SetLimit(l int) error {
	if l < 0 || l > len(b.buf) {
		return fmt.Errorf("%w: limit %d outside [0, %d]", ErrInvalidArgument, l, len(b.buf))
	}
	b.limit = l
	if b.position > l {
		b.position = l
	}
	if b.mark > l {
		b.mark = noMark
	}
	return nil
}

// Put copies p at the position and advances it. Nothing is copied when p does not fit.
func (b *ByteBuffer) Put(p []byte) error {
	if len(p) > b.Remaining() {
		return fmt.Errorf("%w: put %d bytes with %d remaining", ErrBufferOverflow, len(p), b.Remaining())
	}
	b.position += copy(b.buf[b.position:b.limit], p)
	return nil
}

func (b *ByteBuffer) PutByte(c byte) error {
	if b.position >= b.limit {
		return ErrBufferOverflow
	}
	b.buf[b.position] = c
	b.position++
	return nil
}

// Get fills dst from the position and advances it by len(dst).
func (b *ByteBuffer) Get(dst []byte) error {
	return b.GetRange(dst, 0, len(dst))
}

// GetRange copies length bytes into dst[off:off+length] and advances the position.
func (b *ByteBuffer) GetRange(dst []byte, off, length int) error {
	if off < 0 || length < 0 || off+length > len(dst) {
		return fmt.Errorf("%w: range [%d, %d) of %d", ErrInvalidArgument, off, off+length, len(dst))
	}
	if length > b.Remaining() {
		return fmt.Errorf("%w: get %d bytes with %d remaining", ErrBufferUnderflow, length, b.Remaining())
	}
	b.position += copy(dst[off:off+length], b.buf[b.position:b.position+length])
	return nil
}

func (b *ByteBuffer) GetByte() (byte, error) {
	if b.position >= b.limit {
		return 0, ErrBufferUnderflow
	}
	c := b.buf[b.position]
	b.position++
	return c, nil
}

// At reads the byte at index without touching the cursors. index must be below the limit.
func (b *ByteBuffer) At(index int) (byte, error) {
	if index < 0 || index >= b.limit {
		return 0, fmt.Errorf("%w: index %d outside [0, %d)", ErrInvalidArgument, index, b.limit)
	}
	return b.buf[index], nil
}

// Bytes returns the bytes between position and limit. The slice aliases the buffer
// and is only valid until the next mutation.
func (b *ByteBuffer) Bytes() []byte {
	return b.buf[b.position:b.limit]
}

// Flip switches from fill mode to drain mode: limit = position, position = 0.
func (b *ByteBuffer) Flip() {
	b.limit = b.position
	b.position = 0
	b.mark = noMark
}

// Rewind sets the position to 0 so the drained region can be read again.
func (b *ByteBuffer) Rewind() {
	b.position = 0
	b.mark = noMark
}

// Clear returns to fill mode. Old bytes stay in memory but are no longer valid.
func (b *ByteBuffer) Clear() {
	b.position = 0
	b.limit = len(b.buf)
	b.mark = noMark
}

// Compact moves the unread bytes to the front and returns to fill mode after them.
func (b *ByteBuffer) Compact() {
	n := copy(b.buf, b.buf[b.position:b.limit])
	b.position = n
	b.limit = len(b.buf)
	b.mark = noMark
}

func (b *ByteBuffer) Mark() {
	b.mark = b.position
}

// Reset moves the position back to the mark.
func (b *ByteBuffer) Reset() error {
	if b.mark == noMark {
		return fmt.Errorf("%w: reset without mark", ErrInvalidState)
	}
	b.position = b.mark
	return nil
}

// Free releases direct storage. The buffer must not be used afterwards. It is a
// no-op for heap buffers.
func (b *ByteBuffer) Free() error {
	if b.free == nil {
		return nil
	}
	err := b.free(b.buf)
	b.free = nil
	b.buf = nil
	b.position, b.limit, b.mark = 0, 0, noMark
	return err
}

func (b *ByteBuffer) String() string {
	return fmt.Sprintf("ByteBuffer[pos=%d lim=%d cap=%d direct=%t]", b.position, b.limit, len(b.buf), b.direct)
}
