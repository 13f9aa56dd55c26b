package framecache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"camstream/internal/camera"
	"camstream/internal/metrics"
)

// LoopConfig tunes the acquisition loop.
type LoopConfig struct {
	// ReadRetryDelay is the pause after a failed read (default 50ms).
	ReadRetryDelay time.Duration

	// ReconnectAfter reopens the source after this many consecutive failed reads (default 100).
	ReconnectAfter int

	// RetryDelay is the first reconnect backoff (default 1s), doubled per attempt up to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	// MaxReconnectAttempts stops the loop after this many failed opens in a row. 0 retries forever.
	MaxReconnectAttempts int
}

// DefaultLoopConfig returns the default acquisition settings.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		ReadRetryDelay: 50 * time.Millisecond,
		ReconnectAfter: 100,
		RetryDelay:     1 * time.Second,
		MaxRetryDelay:  30 * time.Second,
	}
}

// Stats is a snapshot of acquisition counters.
type Stats struct {
	Connected     bool      `json:"connected"`
	FramesRead    uint64    `json:"framesRead"`
	ReadErrors    uint64    `json:"readErrors"`
	Reconnects    uint64    `json:"reconnects"`
	LastFrameTime time.Time `json:"lastFrameTime,omitempty"`
}

// Loop is the long-lived background reader used in push-cache mode.
type Loop struct {
	cache      *Cache
	descriptor camera.Descriptor
	opts       camera.Options
	open       camera.Opener
	cfg        LoopConfig
	metrics    *metrics.Metrics

	running    atomic.Bool
	connected  atomic.Bool
	framesRead atomic.Uint64
	readErrors atomic.Uint64
	reconnects atomic.Uint64

	mu            sync.RWMutex
	lastFrameTime time.Time
}

// NewLoop creates an acquisition loop that feeds cache from the source d.
// A nil open uses camera.Open.
func NewLoop(cache *Cache, d camera.Descriptor, opts camera.Options, open camera.Opener, cfg LoopConfig, m *metrics.Metrics) *Loop {
	def := DefaultLoopConfig()
	if cfg.ReadRetryDelay <= 0 {
		cfg.ReadRetryDelay = def.ReadRetryDelay
	}
	if cfg.ReconnectAfter <= 0 {
		cfg.ReconnectAfter = def.ReconnectAfter
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = def.MaxRetryDelay
	}
	if open == nil {
		open = camera.Open
	}

	return &Loop{
		cache:      cache,
		descriptor: d,
		opts:       opts,
		open:       open,
		cfg:        cfg,
		metrics:    m,
	}
}

// Cache returns the cache this loop writes to.
func (l *Loop) Cache() *Cache {
	return l.cache
}

// Running reports whether Run is active.
func (l *Loop) Running() bool {
	return l.running.Load()
}

// Stats returns a snapshot of the acquisition counters.
func (l *Loop) Stats() Stats {
	l.mu.RLock()
	last := l.lastFrameTime
	l.mu.RUnlock()

	return Stats{
		Connected:     l.connected.Load(),
		FramesRead:    l.framesRead.Load(),
		ReadErrors:    l.readErrors.Load(),
		Reconnects:    l.reconnects.Load(),
		LastFrameTime: last,
	}
}

// Run reads from the source until ctx is cancelled, reconnecting with exponential backoff.
// The cache is emptied whenever the source goes stale and when Run returns.
// It returns ctx.Err() on cancellation, or an error wrapping camera.ErrConnectionFailed once
// MaxReconnectAttempts consecutive opens have failed.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("framecache: loop already running")
	}
	defer l.running.Store(false)
	defer l.cache.Close()

	log.Infof("Starting frame acquisition from %s", l.descriptor)

	for {
		src, err := l.connect(ctx)
		if err != nil {
			return err
		}

		err = l.readUntilStale(ctx, src)
		src.Close()
		l.connected.Store(false)
		// readers see ErrNoFrame instead of a frozen frame while reconnecting
		l.cache.Close()

		if err != nil {
			log.Info("Frame acquisition stopped")
			return err
		}

		l.reconnects.Add(1)
		l.metrics.RecordReconnect()
		log.Warnf("Source %s went stale after %d failed reads, reconnecting", l.descriptor, l.cfg.ReconnectAfter)
	}
}

// connect opens the source, retrying with exponential backoff.
func (l *Loop) connect(ctx context.Context) (camera.Source, error) {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		src, err := l.open(l.descriptor, l.opts)
		if err == nil {
			l.connected.Store(true)
			log.Infof("Connected to %s", l.descriptor)
			return src, nil
		}

		attempt++
		l.metrics.RecordCaptureError("connect")
		log.Errorf("Failed to open %s (attempt %d): %v", l.descriptor, attempt, err)

		if l.cfg.MaxReconnectAttempts > 0 && attempt >= l.cfg.MaxReconnectAttempts {
			return nil, errors.Wrapf(err, "giving up after %d attempts", attempt)
		}

		select {
		case <-time.After(backoff(attempt, l.cfg)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// readUntilStale feeds the cache. It returns nil when the source should be reopened.
func (l *Loop) readUntilStale(ctx context.Context, src camera.Source) error {
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		frame, err := src.ReadLatest()
		if err != nil {
			failures++
			l.readErrors.Add(1)
			l.metrics.RecordCaptureError("read")
			if failures >= l.cfg.ReconnectAfter {
				return nil
			}

			select {
			case <-time.After(l.cfg.ReadRetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		failures = 0
		l.mu.Lock()
		l.lastFrameTime = frame.CapturedAt
		l.mu.Unlock()

		l.cache.Update(frame)
		l.framesRead.Add(1)
		l.metrics.RecordCaptureFrame()
	}
}

// backoff returns RetryDelay * 2^(attempt-1), capped at MaxRetryDelay.
func backoff(attempt int, cfg LoopConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 16 {
		return cfg.MaxRetryDelay
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
