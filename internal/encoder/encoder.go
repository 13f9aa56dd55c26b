// Package encoder turns frames into JPEG bytes, optionally passing them through a transform first.
package encoder

import (
	"fmt"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"camstream/internal/camera"
)

const DefaultQuality = 80

// Transform rewrites a frame before it is encoded.
//
// Apply must return a new Mat owned by the caller, of the same or compatible dimensions,
// and must not keep a reference to src after it returns.
type Transform interface {
	Apply(src gocv.Mat) (gocv.Mat, error)
}

// TransformFunc adapts a plain function to Transform.
type TransformFunc func(src gocv.Mat) (gocv.Mat, error)

// Apply calls f(src).
func (f TransformFunc) Apply(src gocv.Mat) (gocv.Mat, error) {
	return f(src)
}

// Encoder produces JPEG bytes.
type Encoder struct {
	Quality int // 1-100
}

// New returns an encoder with the given JPEG quality; out of range values use DefaultQuality.
func New(quality int) *Encoder {
	if quality < 1 || quality > 100 {
		quality = DefaultQuality
	}
	return &Encoder{Quality: quality}
}

// Encode applies t (if not nil) to a copy of the frame's pixels and JPEG-encodes the result.
// Transform failures, including panics, wrap camera.ErrTransformFailed; empty or malformed frames
// and codec failures wrap camera.ErrEncodeFailed.
func (e *Encoder) Encode(frame *camera.Frame, t Transform) ([]byte, error) {
	if frame.Empty() {
		return nil, errors.Wrap(camera.ErrEncodeFailed, "empty frame")
	}

	img := frame.Mat
	if t != nil {
		out, err := apply(t, frame.Mat)
		if err != nil {
			return nil, err
		}
		defer out.Close()
		img = out
	}

	return e.encode(img)
}

func (e *Encoder) encode(img gocv.Mat) ([]byte, error) {
	if img.Empty() {
		return nil, errors.Wrap(camera.ErrEncodeFailed, "empty image")
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, img, []int{gocv.IMWriteJpegQuality, e.Quality})
	if err != nil {
		return nil, errors.Wrap(camera.ErrEncodeFailed, err.Error())
	}
	defer buf.Close()

	b := buf.GetBytes()
	if len(b) == 0 {
		return nil, errors.Wrap(camera.ErrEncodeFailed, "codec produced no output")
	}

	// GetBytes aliases native memory released by Close
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// apply runs the transform on its own copy of src, turning panics into errors.
func apply(t Transform, src gocv.Mat) (out gocv.Mat, err error) {
	in := src.Clone()
	defer in.Close()

	defer func() {
		if r := recover(); r != nil {
			out = gocv.Mat{}
			err = errors.Wrap(camera.ErrTransformFailed, fmt.Sprintf("panic: %v", r))
		}
	}()

	out, err = t.Apply(in)
	if err != nil {
		if out.Ptr() != nil && out.Ptr() != in.Ptr() {
			out.Close()
		}
		return gocv.Mat{}, errors.Wrap(camera.ErrTransformFailed, err.Error())
	}
	if out.Ptr() == in.Ptr() {
		// transform worked in place; hand back an owned copy
		return in.Clone(), nil
	}
	if out.Empty() {
		out.Close()
		return gocv.Mat{}, errors.Wrap(camera.ErrTransformFailed, "transform returned an empty image")
	}
	return out, nil
}
