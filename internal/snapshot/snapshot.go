// Package snapshot serves single frames and frame features on demand.
package snapshot

import (
	"context"

	"github.com/pkg/errors"

	"camstream/internal/camera"
	"camstream/internal/encoder"
	"camstream/internal/feed"
	"camstream/internal/metrics"
)

// Service takes one frame from a fresh feed per call. It keeps no state between calls.
type Service struct {
	feeds   feed.Factory
	enc     *encoder.Encoder
	metrics *metrics.Metrics
}

// New creates a snapshot service
func New(feeds feed.Factory, enc *encoder.Encoder, m *metrics.Metrics) *Service {
	return &Service{feeds: feeds, enc: enc, metrics: m}
}

// Take returns the current frame as JPEG, passed through t when t is not nil.
// It fails with camera.ErrConnectionFailed when the source cannot be reached and with
// camera.ErrNoFrame when no frame is available yet.
func (s *Service) Take(ctx context.Context, t encoder.Transform) ([]byte, error) {
	frame, err := s.frame(ctx)
	if err != nil {
		s.metrics.RecordSnapshot(result(err))
		return nil, err
	}
	defer frame.Close()

	data, err := s.enc.Encode(frame, t)
	s.metrics.RecordSnapshot(result(err))
	return data, err
}

// Features runs ex on the current frame.
func (s *Service) Features(ctx context.Context, ex encoder.Extractor) (map[string]any, error) {
	frame, err := s.frame(ctx)
	if err != nil {
		return nil, err
	}
	defer frame.Close()

	features, err := ex.Extract(frame)
	if err != nil {
		return nil, errors.Wrapf(err, "extract %s", ex.Name())
	}
	if features == nil {
		features = map[string]any{}
	}
	return features, nil
}

func (s *Service) frame(ctx context.Context) (*camera.Frame, error) {
	f := s.feeds.New()
	defer f.Close()

	if err := f.Open(ctx); err != nil {
		return nil, err
	}

	frame, err := f.Next(ctx)
	if err != nil {
		if errors.Is(err, camera.ErrReadFailed) {
			return nil, errors.Wrap(camera.ErrNoFrame, err.Error())
		}
		return nil, err
	}
	return frame, nil
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, camera.ErrConnectionFailed):
		return "unavailable"
	case errors.Is(err, camera.ErrNoFrame):
		return "no_frame"
	case errors.Is(err, camera.ErrTransformFailed):
		return "transform_failed"
	default:
		return "encode_failed"
	}
}
