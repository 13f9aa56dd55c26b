package camera

import (
	"image"
	"time"

	"gocv.io/x/gocv"
)

// Frame is a decoded BGR raster with its capture time.
//
// Frames are value-like: whoever holds a *Frame owns its native memory and must Close it.
// Hand a Clone to anyone else.
type Frame struct {
	Mat        gocv.Mat
	CapturedAt time.Time
}

// NewFrame wraps mat, taking ownership of it.
func NewFrame(mat gocv.Mat, capturedAt time.Time) *Frame {
	return &Frame{Mat: mat, CapturedAt: capturedAt}
}

// Clone returns a deep copy that shares no pixel memory with f.
func (f *Frame) Clone() *Frame {
	return &Frame{Mat: f.Mat.Clone(), CapturedAt: f.CapturedAt}
}

// Close releases the underlying Mat. Safe on a nil frame.
func (f *Frame) Close() error {
	if f == nil {
		return nil
	}
	return f.Mat.Close()
}

// Empty reports whether the frame carries no pixels.
func (f *Frame) Empty() bool {
	return f == nil || f.Mat.Empty()
}

// Size returns width and height in pixels.
func (f *Frame) Size() image.Point {
	return image.Pt(f.Mat.Cols(), f.Mat.Rows())
}
