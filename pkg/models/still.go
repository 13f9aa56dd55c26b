package models

import "time"

// Still is one JPEG captured when motion started
type Still struct {
	Name      string    `json:"name"`      // Object name, e.g. "20261017T101500Z-1a2b3c4d.jpg"
	Path      string    `json:"path"`      // Storage path
	Size      int64     `json:"size"`      // Size in bytes
	CreatedAt time.Time `json:"createdAt"` // Capture time of the frame
}

// StillIndex is the sliding window of stored stills, oldest first
type StillIndex struct {
	Stills    []*Still `json:"stills"`
	MaxStills int      `json:"-"`
	Sequence  uint64   `json:"sequence"` // Number of stills ever added
}

// AddStill appends a still and returns the ones that fell out of the window
func (idx *StillIndex) AddStill(still *Still) []*Still {
	idx.Stills = append(idx.Stills, still)
	idx.Sequence++

	if idx.MaxStills <= 0 || len(idx.Stills) <= idx.MaxStills {
		return nil
	}

	n := len(idx.Stills) - idx.MaxStills
	evicted := make([]*Still, n)
	copy(evicted, idx.Stills[:n])
	idx.Stills = append([]*Still(nil), idx.Stills[n:]...)
	return evicted
}

// Find returns the still with the given name
func (idx *StillIndex) Find(name string) (*Still, bool) {
	for _, s := range idx.Stills {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}
