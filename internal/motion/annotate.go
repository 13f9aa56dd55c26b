package motion

import (
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"camstream/internal/camera"
)

var regionColor = color.RGBA{R: 0, G: 255, B: 0, A: 0}

// Annotate draws a rectangle around each region directly on frame.
func Annotate(frame *camera.Frame, regions []image.Rectangle) {
	if frame.Empty() {
		return
	}
	for _, r := range regions {
		gocv.Rectangle(&frame.Mat, r, regionColor, 2)
	}
}
