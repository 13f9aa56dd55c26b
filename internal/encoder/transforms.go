package encoder

import (
	"sort"
	"strings"

	"gocv.io/x/gocv"
)

const DefaultBinarizeThreshold = 127

// Binarize converts to grey and thresholds at level, producing a black and white image.
func Binarize(level float32) Transform {
	return TransformFunc(func(src gocv.Mat) (gocv.Mat, error) {
		gray := toGray(src)
		defer gray.Close()

		out := gocv.NewMat()
		gocv.Threshold(gray, &out, level, 255, gocv.ThresholdBinary)
		return out, nil
	})
}

// Grayscale converts to a single grey channel.
func Grayscale() Transform {
	return TransformFunc(func(src gocv.Mat) (gocv.Mat, error) {
		return toGray(src), nil
	})
}

func toGray(src gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	if src.Channels() == 1 {
		src.CopyTo(&gray)
		return gray
	}
	gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)
	return gray
}

var registry = map[string]func() Transform{
	"binarize":  func() Transform { return Binarize(DefaultBinarizeThreshold) },
	"processed": func() Transform { return Binarize(DefaultBinarizeThreshold) },
	"gray":      Grayscale,
	"grayscale": Grayscale,
}

// Lookup resolves a transform name as passed in ?mode=. The empty name and "none" resolve to
// a nil transform.
func Lookup(name string) (Transform, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == "none" {
		return nil, true
	}
	ctor, ok := registry[name]
	if !ok {
		return nil, false
	}
	return ctor(), true
}

// Names lists the registered transform names.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
