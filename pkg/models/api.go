package models

// SessionInfo represents session metadata returned by the API
type SessionInfo struct {
	ID            string `json:"id"`
	State         string `json:"state"`
	Mode          string `json:"mode"`
	Motion        bool   `json:"motion"`
	Annotate      bool   `json:"annotate,omitempty"`
	Transform     string `json:"transform,omitempty"`
	ClientIP      string `json:"clientIp,omitempty"`
	StartedAt     string `json:"startedAt"`
	Duration      int    `json:"duration"` // seconds
	FramesEmitted uint64 `json:"framesEmitted"`
	BytesEmitted  uint64 `json:"bytesEmitted"`
}

// SessionListResponse represents a list of sessions
type SessionListResponse struct {
	Sessions  []SessionInfo `json:"sessions"`
	Total     int           `json:"total"`
	Streaming int           `json:"streaming"` // sessions currently emitting frames
}

// StillInfo represents a stored motion still
type StillInfo struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	Size      int64  `json:"size"`
	CreatedAt string `json:"createdAt"`
}

// StillListResponse represents the stored stills, newest first
type StillListResponse struct {
	Stills []StillInfo `json:"stills"`
	Total  int         `json:"total"`
}

// CameraInfo describes the configured camera and its acquisition state
type CameraInfo struct {
	Source        string `json:"source"` // redacted URL
	Mode          string `json:"mode"`
	Running       bool   `json:"running"`
	Connected     bool   `json:"connected"`
	FramesRead    uint64 `json:"framesRead"`
	ReadErrors    uint64 `json:"readErrors"`
	Reconnects    uint64 `json:"reconnects"`
	LastFrameTime string `json:"lastFrameTime,omitempty"`

	MotionSubscribers int `json:"motionSubscribers"` // open motion event streams
}

// FeaturesResponse wraps the values produced by a feature extractor
type FeaturesResponse struct {
	Extractor string         `json:"extractor"`
	Features  map[string]any `json:"features"`
}
