package renderer

import (
	"github.com/cockroachdb/errors"
)

// Errors returned by chain components. All of them surface synchronously from
// the call that detects them and none are retried internally; retrying after
// device recovery is the frame loop's concern.
var (
	// ErrInvalidDimensions marks rejected geometry: a zero extent or a level
	// count outside [1, MaxMipLevels]. Detected before any allocation.
	ErrInvalidDimensions = errors.New("invalid chain dimensions")

	// ErrResourceExhausted marks transient allocator exhaustion. The caller
	// owns the allocator and its sizing.
	ErrResourceExhausted = errors.New("transient allocator exhausted")

	// ErrPrecondition marks a call that violates the component's lifecycle
	// contract. It indicates a caller bug, not an environment failure.
	ErrPrecondition = errors.New("lifecycle precondition violated")
)

func invalidDimensionsf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidDimensions)
}

func exhaustedf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrResourceExhausted)
}

func preconditionf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrPrecondition)
}
