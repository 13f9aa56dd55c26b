package camera

import "github.com/pkg/errors"

// Failure taxonomy shared by every stage of the pipeline. Callers match with errors.Is.
var (
	// ErrConnectionFailed means the source could not be opened. Fatal to the requesting operation.
	ErrConnectionFailed = errors.New("camera: connection failed")

	// ErrReadFailed means a poll attempt yielded no frame. Transient.
	ErrReadFailed = errors.New("camera: read failed")

	// ErrEncodeFailed means a frame could not be serialized to JPEG.
	ErrEncodeFailed = errors.New("camera: encode failed")

	// ErrTransformFailed means an injected transform returned an error or panicked.
	ErrTransformFailed = errors.New("camera: transform failed")

	// ErrNoFrame means nothing has been captured yet.
	ErrNoFrame = errors.New("camera: no frame yet")

	// ErrSourceFailed means a session gave up on its source after repeated failures.
	ErrSourceFailed = errors.New("camera: source failed")
)

// IsTransient reports whether err should be retried on the caller's own cadence.
func IsTransient(err error) bool {
	return errors.Is(err, ErrReadFailed) || errors.Is(err, ErrNoFrame)
}
