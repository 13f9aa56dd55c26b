package motion

import (
	"time"

	"gocv.io/x/gocv"

	"camstream/internal/camera"
	"camstream/pkg/models"
)

// State is the motion memory of exactly one consumer. It is not safe for concurrent use;
// callers that share a State across goroutines guard it themselves.
type State struct {
	IsMotion       bool
	LastMotionTime *time.Time
	Reference      *camera.Frame
	ReferenceTime  time.Time

	// grey, blurred copy of Reference built at the baseline tick
	prepared gocv.Mat
}

// Reset clears every field and releases the reference frame.
func (s *State) Reset() {
	s.Reference.Close()
	if s.prepared.Ptr() != nil {
		s.prepared.Close()
	}
	*s = State{}
}

// Status returns a copy suitable for handing to other goroutines.
func (s *State) Status(now time.Time) models.MotionStatus {
	status := models.MotionStatus{
		IsMotion:  s.IsMotion,
		UpdatedAt: now,
	}
	if s.LastMotionTime != nil {
		t := *s.LastMotionTime
		status.LastMotionTime = &t
	}
	if s.Reference != nil {
		t := s.ReferenceTime
		status.ReferenceTime = &t
	}
	return status
}
