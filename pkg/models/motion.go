package models

import "time"

// MotionStatus is a point-in-time view of a motion state
type MotionStatus struct {
	IsMotion       bool       `json:"isMotion"`
	LastMotionTime *time.Time `json:"lastMotionTime,omitempty"`
	ReferenceTime  *time.Time `json:"referenceTime,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	Error          string     `json:"error,omitempty"`
}
