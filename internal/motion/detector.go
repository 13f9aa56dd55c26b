// Package motion implements frame-differencing motion detection against a periodically
// refreshed reference frame.
package motion

import (
	"image"
	"time"

	"gocv.io/x/gocv"

	"camstream/internal/camera"
)

const (
	DefaultCadence       = 5 * time.Second
	DefaultDiffThreshold = 50
	DefaultMinArea       = 5000
	DefaultBlurSize      = 21
)

// Detector holds the tuning parameters. It carries no per-consumer state and may be
// shared by any number of sessions.
type Detector struct {
	// Cadence is how long a reference frame is kept before the next baseline tick.
	Cadence time.Duration

	// DiffThreshold is the per-pixel grey-level change counted as "changed".
	DiffThreshold float32

	// MinArea is the contour area a region must exceed to count as motion.
	MinArea float64

	// BlurSize is the odd Gaussian kernel size applied before differencing.
	BlurSize int
}

// NewDetector returns a detector with the default tuning.
func NewDetector() *Detector {
	return &Detector{
		Cadence:       DefaultCadence,
		DiffThreshold: DefaultDiffThreshold,
		MinArea:       DefaultMinArea,
		BlurSize:      DefaultBlurSize,
	}
}

// Result describes one evaluation.
type Result struct {
	// Baseline is set when the reference was replaced and no comparison happened.
	Baseline bool

	// Regions are the bounding boxes of changed regions larger than MinArea.
	Regions []image.Rectangle
}

// Motion reports whether this evaluation found a qualifying region.
func (r Result) Motion() bool {
	return len(r.Regions) > 0
}

// Evaluate updates st with current.
//
// With no reference, or a reference at least Cadence old, current becomes the new reference,
// IsMotion is cleared and nothing is compared. Otherwise any changed region larger than MinArea
// sets IsMotion and LastMotionTime; no such region leaves IsMotion as it was.
func (d *Detector) Evaluate(st *State, current *camera.Frame, now time.Time) Result {
	if current.Empty() {
		return Result{}
	}

	if st.Reference == nil || now.Sub(st.ReferenceTime) >= d.Cadence {
		st.Reference.Close()
		st.Reference = current.Clone()
		st.ReferenceTime = now
		st.IsMotion = false
		d.setPrepared(st, d.prepare(current.Mat))
		return Result{Baseline: true}
	}

	if st.prepared.Ptr() == nil {
		d.setPrepared(st, d.prepare(st.Reference.Mat))
	}

	regions := d.changedRegions(st.prepared, current.Mat)
	if len(regions) > 0 {
		st.IsMotion = true
		t := now
		st.LastMotionTime = &t
	}
	return Result{Regions: regions}
}

func (d *Detector) setPrepared(st *State, gray gocv.Mat) {
	if st.prepared.Ptr() != nil {
		st.prepared.Close()
	}
	st.prepared = gray
}

// changedRegions returns bounding boxes of the external contours in the thresholded
// difference between the prepared reference and current whose area exceeds MinArea.
func (d *Detector) changedRegions(refGray, current gocv.Mat) []image.Rectangle {
	if refGray.Rows() != current.Rows() || refGray.Cols() != current.Cols() {
		return nil
	}

	curGray := d.prepare(current)
	defer curGray.Close()

	delta := gocv.NewMat()
	defer delta.Close()
	gocv.AbsDiff(refGray, curGray, &delta)

	mask := gocv.NewMat()
	defer mask.Close()
	gocv.Threshold(delta, &mask, d.DiffThreshold, 255, gocv.ThresholdBinary)

	contours := gocv.FindContours(mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	var regions []image.Rectangle
	for i := 0; i < contours.Size(); i++ {
		c := contours.At(i)
		if gocv.ContourArea(c) > d.MinArea {
			regions = append(regions, gocv.BoundingRect(c))
		}
	}
	return regions
}

// prepare converts to single-channel grey and blurs.
func (d *Detector) prepare(src gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	if src.Channels() == 1 {
		src.CopyTo(&gray)
	} else {
		gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)
	}

	k := d.BlurSize
	if k <= 0 {
		return gray
	}
	if k%2 == 0 {
		k++
	}
	gocv.GaussianBlur(gray, &gray, image.Pt(k, k), 0, 0, gocv.BorderDefault)
	return gray
}
