package envelope

import "errors"

var (
	// ErrEmptyFrame indicates a frame header announcing a zero-length body.
	ErrEmptyFrame = errors.New("frame length is zero")

	// ErrFrameTooLarge indicates a frame header announcing a body above the configured limit.
	ErrFrameTooLarge = errors.New("frame length exceeds limit")

	// ErrMalformed indicates a complete frame whose body is not a valid envelope.
	// The stream is still in sync after this error.
	ErrMalformed = errors.New("malformed envelope")
)
