package models

import (
	"sync"
	"time"
)

// SessionState represents where a video session is in its lifecycle
type SessionState string

const (
	SessionStateStarting     SessionState = "starting"
	SessionStateStreaming    SessionState = "streaming"
	SessionStateStopped      SessionState = "stopped"
	SessionStateTimedOut     SessionState = "timed_out"
	SessionStateSourceFailed SessionState = "source_failed"
)

// Terminal reports whether no further transitions are possible from s
func (s SessionState) Terminal() bool {
	switch s {
	case SessionStateStopped, SessionStateTimedOut, SessionStateSourceFailed:
		return true
	}
	return false
}

// Session is the shared, lock-protected record of one video session
type Session struct {
	ID        string       // Unique session id
	State     SessionState // Current state
	Mode      string       // Feed mode: "cache" or "direct"
	Motion    bool         // Whether motion detection is enabled
	Annotate  bool         // Whether motion regions are drawn
	Transform string       // Transform name, empty for none
	ClientIP  string       // Remote address of the viewer
	StartedAt time.Time    // When the session was created
	EndedAt   *time.Time   // When the session reached a terminal state

	// Stats
	Stats SessionStats

	mu sync.RWMutex
}

// SessionStats tracks per-session counters
type SessionStats struct {
	FramesEmitted       uint64    // Chunks written to the client
	BytesEmitted        uint64    // JPEG bytes written to the client
	SkippedIterations   uint64    // Iterations that produced no chunk
	ConsecutiveFailures int       // Current run of failed frame fetches
	LastFrameTime       time.Time // Time the last chunk was written
}

// NewSession creates a session record in the starting state
func NewSession(id string) *Session {
	return &Session{
		ID:        id,
		State:     SessionStateStarting,
		StartedAt: time.Now(),
	}
}

// RecordFrame counts one emitted chunk
func (s *Session) RecordFrame(size int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Stats.FramesEmitted++
	s.Stats.BytesEmitted += uint64(size)
	s.Stats.ConsecutiveFailures = 0
	s.Stats.LastFrameTime = time.Now()
}

// RecordFetch ends the current run of failed frame fetches
func (s *Session) RecordFetch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Stats.ConsecutiveFailures = 0
}

// RecordSkip counts an iteration without output. failed marks a frame fetch failure.
// It returns the current consecutive failure count.
func (s *Session) RecordSkip(failed bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Stats.SkippedIterations++
	if failed {
		s.Stats.ConsecutiveFailures++
	}
	return s.Stats.ConsecutiveFailures
}

// SetState safely updates the session state
func (s *Session) SetState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state

	if state.Terminal() && s.EndedAt == nil {
		now := time.Now()
		s.EndedAt = &now
	}
}

// GetState safely returns the current session state
func (s *Session) GetState() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

// Info returns the API view of the session
func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := SessionInfo{
		ID:            s.ID,
		State:         string(s.State),
		Mode:          s.Mode,
		Motion:        s.Motion,
		Annotate:      s.Annotate,
		Transform:     s.Transform,
		ClientIP:      s.ClientIP,
		StartedAt:     s.StartedAt.Format(time.RFC3339),
		FramesEmitted: s.Stats.FramesEmitted,
		BytesEmitted:  s.Stats.BytesEmitted,
	}

	end := time.Now()
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	info.Duration = int(end.Sub(s.StartedAt).Seconds())
	return info
}
