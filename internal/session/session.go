// Package session runs one multipart JPEG video stream for one client.
package session

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"camstream/internal/camera"
	"camstream/internal/encoder"
	"camstream/internal/feed"
	"camstream/internal/metrics"
	"camstream/internal/motion"
	"camstream/pkg/models"
)

// Boundary separates parts of the multipart/x-mixed-replace response.
const Boundary = "frame"

// ContentType is the response content type matching the chunks written by Run.
const ContentType = "multipart/x-mixed-replace; boundary=" + Boundary

const (
	DefaultMaxDuration   = 3 * time.Minute
	DefaultFrameInterval = 33 * time.Millisecond
	DefaultPollInterval  = 50 * time.Millisecond
)

var (
	chunkHeader  = []byte("--" + Boundary + "\r\nContent-Type: image/jpeg\r\n\r\n")
	chunkTrailer = []byte("\r\n")
)

// Config bounds a session's lifetime and pacing.
type Config struct {
	// MaxDuration ends the session as TimedOut once exceeded. 0 means no limit.
	MaxDuration time.Duration

	// FrameInterval is the minimum spacing between chunks.
	FrameInterval time.Duration

	// PollInterval is the wait after a frame fetch fails.
	PollInterval time.Duration

	// MaxConsecutiveFailures ends the session as SourceFailed after that many failed fetches
	// in a row. 0 retries forever.
	MaxConsecutiveFailures int
}

// DefaultConfig returns the default session limits.
func DefaultConfig() Config {
	return Config{
		MaxDuration:   DefaultMaxDuration,
		FrameInterval: DefaultFrameInterval,
		PollInterval:  DefaultPollInterval,
	}
}

// Options selects per-request processing.
type Options struct {
	Detector      *motion.Detector  // nil disables motion detection
	Annotate      bool              // draw motion regions on emitted frames
	Transform     encoder.Transform // nil for none
	TransformName string
	Mode          feed.Mode
	ClientIP      string
}

// Session is one client's stream. Its motion state belongs to it alone.
type Session struct {
	record    *models.Session
	feed      feed.Feed
	enc       *encoder.Encoder
	detector  *motion.Detector
	annotate  bool
	transform encoder.Transform
	cfg       Config
	metrics   *metrics.Metrics
	logger    *log.Entry

	motion motion.State

	mu     sync.RWMutex
	status models.MotionStatus
}

// New creates a session over f. Zero durations in cfg fall back to the defaults, except
// MaxDuration, where 0 means no limit.
func New(f feed.Feed, enc *encoder.Encoder, cfg Config, opts Options, m *metrics.Metrics) *Session {
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = DefaultFrameInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxDuration < 0 {
		cfg.MaxDuration = 0
	}

	record := models.NewSession(uuid.NewString())
	record.Mode = string(opts.Mode)
	record.Motion = opts.Detector != nil
	record.Annotate = opts.Annotate && opts.Detector != nil
	record.Transform = opts.TransformName
	record.ClientIP = opts.ClientIP

	return &Session{
		record:    record,
		feed:      f,
		enc:       enc,
		detector:  opts.Detector,
		annotate:  record.Annotate,
		transform: opts.Transform,
		cfg:       cfg,
		metrics:   m,
		logger:    log.WithField("session", record.ID),
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.record.ID
}

// State returns the current lifecycle state.
func (s *Session) State() models.SessionState {
	return s.record.GetState()
}

// Info returns the API view of the session.
func (s *Session) Info() models.SessionInfo {
	return s.record.Info()
}

// Motion returns a copy of the session's latest motion status.
func (s *Session) Motion() models.MotionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Run streams chunks to w until ctx is cancelled, the duration budget runs out, the client goes
// away, or the feed fails for good. Stopped and TimedOut return a nil error; SourceFailed
// returns an error wrapping camera.ErrConnectionFailed or camera.ErrSourceFailed.
//
// If w implements Flush() it is flushed after every chunk.
func (s *Session) Run(ctx context.Context, w io.Writer) (models.SessionState, error) {
	s.logger.Infof("Session starting (mode=%s motion=%v transform=%q)", s.record.Mode, s.record.Motion, s.record.Transform)

	if err := s.feed.Open(ctx); err != nil {
		s.feed.Close()
		s.record.SetState(models.SessionStateSourceFailed)
		s.logger.Errorf("Failed to open feed: %v", err)
		if !errors.Is(err, camera.ErrConnectionFailed) {
			err = errors.Wrap(camera.ErrConnectionFailed, err.Error())
		}
		return models.SessionStateSourceFailed, err
	}

	start := time.Now()
	s.record.SetState(models.SessionStateStreaming)
	s.metrics.RecordSessionStart()

	state, err := s.stream(ctx, w, start)

	s.feed.Close()
	s.motion.Reset()
	s.publishMotion(time.Now())
	s.record.SetState(state)
	s.metrics.RecordSessionEnd(string(state), time.Since(start).Seconds())

	info := s.record.Info()
	s.logger.WithFields(log.Fields{
		"state":    state,
		"frames":   info.FramesEmitted,
		"duration": info.Duration,
	}).Info("Session ended")

	return state, err
}

func (s *Session) stream(ctx context.Context, w io.Writer, start time.Time) (models.SessionState, error) {
	limiter := rate.NewLimiter(rate.Every(s.cfg.FrameInterval), 1)
	flush := flusherOf(w)

	for {
		if ctx.Err() != nil {
			return models.SessionStateStopped, nil
		}
		if s.cfg.MaxDuration > 0 && time.Since(start) > s.cfg.MaxDuration {
			s.logger.Infof("Session exceeded %s, closing stream", s.cfg.MaxDuration)
			return models.SessionStateTimedOut, nil
		}

		frame, err := s.feed.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			failures := s.record.RecordSkip(true)
			s.metrics.RecordIterationSkipped("read")
			if s.cfg.MaxConsecutiveFailures > 0 && failures >= s.cfg.MaxConsecutiveFailures {
				s.logger.Errorf("Giving up after %d consecutive failed reads: %v", failures, err)
				return models.SessionStateSourceFailed, errors.Wrapf(camera.ErrSourceFailed, "%d consecutive failed reads: %v", failures, err)
			}
			sleep(ctx, s.cfg.PollInterval)
			continue
		}

		s.record.RecordFetch()

		jpeg, err := s.process(frame)
		frame.Close()
		if err != nil {
			s.record.RecordSkip(false)
			if errors.Is(err, camera.ErrTransformFailed) {
				s.metrics.RecordIterationSkipped("transform")
			} else {
				s.metrics.RecordIterationSkipped("encode")
			}
			s.logger.Debugf("Skipping frame: %v", err)
		} else {
			if err := writeChunk(w, jpeg); err != nil {
				s.logger.Debugf("Client gone: %v", err)
				return models.SessionStateStopped, nil
			}
			if flush != nil {
				flush.Flush()
			}
			s.record.RecordFrame(len(jpeg))
			s.metrics.RecordFrameEmitted(len(jpeg))
		}

		if err := limiter.Wait(ctx); err != nil && ctx.Err() == nil {
			sleep(ctx, s.cfg.FrameInterval)
		}
	}
}

// process runs the motion tick, annotation and encoding for one frame.
func (s *Session) process(frame *camera.Frame) ([]byte, error) {
	if s.detector != nil {
		now := time.Now()
		res := s.detector.Evaluate(&s.motion, frame, now)
		s.publishMotion(now)
		if s.annotate && res.Motion() {
			motion.Annotate(frame, res.Regions)
		}
	}
	return s.enc.Encode(frame, s.transform)
}

func (s *Session) publishMotion(now time.Time) {
	status := s.motion.Status(now)
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

type flusher interface {
	Flush()
}

func flusherOf(w io.Writer) flusher {
	if f, ok := w.(flusher); ok {
		return f
	}
	return nil
}

// writeChunk writes one multipart part carrying jpeg.
func writeChunk(w io.Writer, jpeg []byte) error {
	if _, err := w.Write(chunkHeader); err != nil {
		return err
	}
	if _, err := w.Write(jpeg); err != nil {
		return err
	}
	_, err := w.Write(chunkTrailer)
	return err
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
