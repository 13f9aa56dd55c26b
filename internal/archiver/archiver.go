// Package archiver keeps a bounded window of JPEG stills captured when motion starts.
package archiver

import (
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"camstream/internal/camera"
	"camstream/internal/encoder"
	"camstream/internal/metrics"
	"camstream/internal/storage"
	"camstream/pkg/models"
)

const (
	DefaultMaxStills = 50

	stillsDir = "stills"
	indexPath = stillsDir + "/index.json"
)

// ErrStillNotFound is returned for names outside the current window
var ErrStillNotFound = errors.New("still not found")

// Archiver writes stills to storage and remembers the newest MaxStills of them
type Archiver struct {
	storage storage.Storage
	enc     *encoder.Encoder
	metrics *metrics.Metrics

	mu    sync.RWMutex
	index *models.StillIndex
}

// New creates an archiver. maxStills <= 0 uses DefaultMaxStills.
func New(store storage.Storage, enc *encoder.Encoder, maxStills int, m *metrics.Metrics) *Archiver {
	if maxStills <= 0 {
		maxStills = DefaultMaxStills
	}
	return &Archiver{
		storage: store,
		enc:     enc,
		metrics: m,
		index:   &models.StillIndex{MaxStills: maxStills},
	}
}

// Load restores the index written by a previous run. A missing index is not an error.
// Stills that fell out of a smaller window are deleted.
func (a *Archiver) Load() error {
	data, err := a.storage.Read(indexPath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return errors.Wrap(err, "read still index")
	}

	var saved models.StillIndex
	if err := json.Unmarshal(data, &saved); err != nil {
		return errors.Wrap(err, "decode still index")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.index.Sequence = saved.Sequence
	a.index.Stills = nil
	var evicted []*models.Still
	for _, still := range saved.Stills {
		if ok, err := a.storage.Exists(still.Path); err != nil || !ok {
			continue
		}
		evicted = append(evicted, a.index.AddStill(still)...)
	}
	a.index.Sequence = saved.Sequence
	for _, old := range evicted {
		if err := a.storage.Delete(old.Path); err != nil {
			log.Warnf("Failed to delete still %s: %v", old.Name, err)
		}
	}

	for range a.index.Stills {
		a.metrics.RecordStill()
	}
	log.Infof("Loaded %d motion stills", len(a.index.Stills))
	return nil
}

// Save encodes frame and stores it as the newest still
func (a *Archiver) Save(frame *camera.Frame) (*models.Still, error) {
	data, err := a.enc.Encode(frame, nil)
	if err != nil {
		return nil, err
	}

	captured := frame.CapturedAt
	if captured.IsZero() {
		captured = time.Now()
	}
	name := fmt.Sprintf("%s-%s.jpg", captured.UTC().Format("20060102T150405.000Z"), uuid.NewString()[:8])
	still := &models.Still{
		Name:      name,
		Path:      path.Join(stillsDir, name),
		Size:      int64(len(data)),
		CreatedAt: captured,
	}

	if err := a.storage.Write(still.Path, data); err != nil {
		return nil, errors.Wrapf(err, "write still %s", name)
	}
	a.metrics.RecordStill()

	a.mu.Lock()
	defer a.mu.Unlock()

	evicted := a.index.AddStill(still)
	a.removeLocked(evicted)
	if err := a.writeIndexLocked(); err != nil {
		log.Errorf("Failed to write still index: %v", err)
	}

	log.Infof("Stored motion still %s (%.2f KB)", name, float64(len(data))/1024)
	return still, nil
}

// List returns the stills in the window, newest first
func (a *Archiver) List() []models.Still {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]models.Still, 0, len(a.index.Stills))
	for i := len(a.index.Stills) - 1; i >= 0; i-- {
		out = append(out, *a.index.Stills[i])
	}
	return out
}

// Get returns the JPEG bytes of a still in the window
func (a *Archiver) Get(name string) ([]byte, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return nil, ErrStillNotFound
	}

	a.mu.RLock()
	still, ok := a.index.Find(name)
	a.mu.RUnlock()
	if !ok {
		return nil, ErrStillNotFound
	}

	data, err := a.storage.Read(still.Path)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrStillNotFound
	}
	return data, err
}

func (a *Archiver) removeLocked(evicted []*models.Still) {
	for _, old := range evicted {
		if err := a.storage.Delete(old.Path); err != nil {
			log.Warnf("Failed to delete still %s: %v", old.Name, err)
			continue
		}
		a.metrics.RecordStillDeleted()
	}
}

func (a *Archiver) writeIndexLocked() error {
	data, err := json.Marshal(a.index)
	if err != nil {
		return err
	}
	return a.storage.Write(indexPath, data)
}
