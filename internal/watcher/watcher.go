// Package watcher samples the camera in the background and publishes motion status changes.
package watcher

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"camstream/internal/camera"
	"camstream/internal/feed"
	"camstream/internal/metrics"
	"camstream/internal/motion"
	"camstream/pkg/models"
)

const DefaultInterval = time.Second

// DefaultReopenAfter is how many failed ticks in a row make the watcher reopen its feed.
const DefaultReopenAfter = 5

// StillSaver receives the frame on which motion started.
type StillSaver interface {
	Save(frame *camera.Frame) (*models.Still, error)
}

// Watcher owns one motion.State and evaluates it every Interval.
type Watcher struct {
	feeds    feed.Factory
	detector *motion.Detector
	saver    StillSaver
	interval time.Duration
	metrics  *metrics.Metrics

	// ReopenAfter consecutive failed ticks close and reopen the feed. 0 never reopens
	// on transient failures.
	ReopenAfter int

	state motion.State

	mu     sync.RWMutex
	status models.MotionStatus

	subMu       sync.Mutex
	subscribers []chan models.MotionStatus
}

// New creates a watcher. saver may be nil.
func New(feeds feed.Factory, detector *motion.Detector, saver StillSaver, interval time.Duration, m *metrics.Metrics) *Watcher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Watcher{
		feeds:    feeds,
		detector: detector,
		saver:    saver,
		interval: interval,
		metrics:  m,

		ReopenAfter: DefaultReopenAfter,
	}
}

// Status returns the latest published motion status.
func (w *Watcher) Status() models.MotionStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// Run samples until ctx is cancelled. Subscriber channels are closed when it returns.
func (w *Watcher) Run(ctx context.Context) error {
	log.Infof("Starting motion watcher (every %s)", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var f feed.Feed
	defer func() {
		if f != nil {
			f.Close()
		}
		w.state.Reset()
		w.closeSubscribers()
		log.Info("Motion watcher stopped")
	}()

	failures := 0
	for {
		if f == nil {
			candidate := w.feeds.New()
			if err := candidate.Open(ctx); err != nil {
				candidate.Close()
				w.publish(time.Now(), err)
			} else {
				f = candidate
			}
		}

		if f != nil {
			err := w.tick(ctx, f)
			switch {
			case err == nil:
				failures = 0
			case ctx.Err() != nil:
			case !camera.IsTransient(err):
				log.Warnf("Motion watcher feed failed, reopening: %v", err)
				f.Close()
				f = nil
				failures = 0
			default:
				failures++
				if w.ReopenAfter > 0 && failures >= w.ReopenAfter {
					log.Warnf("Motion watcher feed failed %d times in a row, reopening: %v", failures, err)
					f.Close()
					f = nil
					failures = 0
				}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// tick evaluates one frame.
func (w *Watcher) tick(ctx context.Context, f feed.Feed) error {
	frame, err := f.Next(ctx)
	if err != nil {
		w.publish(time.Now(), err)
		return err
	}
	defer frame.Close()

	was := w.state.IsMotion
	now := time.Now()
	w.detector.Evaluate(&w.state, frame, now)
	rising := !was && w.state.IsMotion

	w.metrics.RecordMotion(w.state.IsMotion, rising)
	if rising {
		log.Infof("Motion detected at %s", now.Format(time.RFC3339))
		if w.saver != nil {
			if _, err := w.saver.Save(frame); err != nil {
				log.Errorf("Failed to store motion still: %v", err)
			}
		}
	}

	w.publish(now, nil)
	return nil
}

func (w *Watcher) publish(now time.Time, err error) {
	status := w.state.Status(now)
	if err != nil {
		status.Error = err.Error()
	}

	w.mu.Lock()
	w.status = status
	w.mu.Unlock()

	w.broadcast(status)
}

// Subscribe returns a channel receiving every published status and a cleanup function.
// Updates are dropped for a subscriber whose buffer is full.
func (w *Watcher) Subscribe(bufferSize int) (<-chan models.MotionStatus, func()) {
	if bufferSize < 1 {
		bufferSize = 1
	}
	ch := make(chan models.MotionStatus, bufferSize)

	w.subMu.Lock()
	w.subscribers = append(w.subscribers, ch)
	w.subMu.Unlock()

	return ch, func() { w.unsubscribe(ch) }
}

// SubscriberCount returns the number of active subscribers.
func (w *Watcher) SubscriberCount() int {
	w.subMu.Lock()
	defer w.subMu.Unlock()
	return len(w.subscribers)
}

func (w *Watcher) broadcast(status models.MotionStatus) {
	w.subMu.Lock()
	defer w.subMu.Unlock()

	for _, ch := range w.subscribers {
		select {
		case ch <- status:
		default:
			w.metrics.RecordSubscriberDrop()
		}
	}
}

func (w *Watcher) unsubscribe(ch chan models.MotionStatus) {
	w.subMu.Lock()
	defer w.subMu.Unlock()

	for i, sub := range w.subscribers {
		if sub == ch {
			w.subscribers = append(w.subscribers[:i], w.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

func (w *Watcher) closeSubscribers() {
	w.subMu.Lock()
	defer w.subMu.Unlock()

	for _, ch := range w.subscribers {
		close(ch)
	}
	w.subscribers = nil
}
