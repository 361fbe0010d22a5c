package buffer

import "errors"

var (
	// ErrInvalidArgument is returned for negative capacities and out of range offsets.
	ErrInvalidArgument = errors.New("buffer: invalid argument")

	// ErrBufferOverflow is returned when a put does not fit below the limit.
	ErrBufferOverflow = errors.New("buffer: overflow")

	// ErrBufferUnderflow is returned when a get asks for more than remains.
	ErrBufferUnderflow = errors.New("buffer: underflow")

	// ErrInvalidState is returned by Reset when no mark is set.
	ErrInvalidState = errors.New("buffer: invalid state")
)
