package encoder

import (
	"time"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"camstream/internal/camera"
)

// Extractor derives structured values from a frame. Like a Transform it must not keep the frame.
type Extractor interface {
	Name() string
	Extract(frame *camera.Frame) (map[string]any, error)
}

// FrameStats reports dimensions and mean brightness.
type FrameStats struct{}

func (FrameStats) Name() string { return "framestats" }

func (FrameStats) Extract(frame *camera.Frame) (map[string]any, error) {
	if frame.Empty() {
		return nil, errors.Wrap(camera.ErrNoFrame, "empty frame")
	}

	gray := toGray(frame.Mat)
	defer gray.Close()

	size := frame.Size()
	total := size.X * size.Y

	return map[string]any{
		"width":      size.X,
		"height":     size.Y,
		"channels":   frame.Mat.Channels(),
		"brightness": gray.Mean().Val1,
		"nonZero":    float64(gocv.CountNonZero(gray)) / float64(total),
		"capturedAt": frame.CapturedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}
