package session

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/mock/gomock"
	"gocv.io/x/gocv"

	"camstream/internal/camera"
	"camstream/internal/encoder"
	"camstream/internal/feed"
	"camstream/internal/feed/mocks"
	"camstream/internal/framecache"
	"camstream/internal/motion"
	"camstream/pkg/models"
)

func testFrame(square bool) *camera.Frame {
	mat := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), 240, 320, gocv.MatTypeCV8UC3)
	if square {
		gocv.Rectangle(&mat, image.Rect(100, 60, 200, 160), color.RGBA{R: 255, G: 255, B: 255}, -1)
	}
	return camera.NewFrame(mat, time.Now())
}

// fakeFeed returns a fresh frame per call; squares alternate so motion has something to find.
type fakeFeed struct {
	mu     sync.Mutex
	calls  int
	closes int
}

func (f *fakeFeed) Open(ctx context.Context) error { return nil }

func (f *fakeFeed) Next(ctx context.Context) (*camera.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return testFrame(f.calls%2 == 0), nil
}

func (f *fakeFeed) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

type syncBuffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	flushes int
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Flush() {
	b.mu.Lock()
	b.flushes++
	b.mu.Unlock()
}

func (b *syncBuffer) chunks() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	parts := bytes.Split(b.buf.Bytes(), chunkHeader)
	if len(parts) > 0 && len(parts[0]) == 0 {
		parts = parts[1:]
	}
	return parts
}

type brokenWriter struct{}

func (brokenWriter) Write(p []byte) (int, error) { return 0, errors.New("broken pipe") }

func fastConfig(maxDuration time.Duration) Config {
	return Config{
		MaxDuration:   maxDuration,
		FrameInterval: 5 * time.Millisecond,
		PollInterval:  5 * time.Millisecond,
	}
}

func TestRunTimesOut(t *testing.T) {
	f := &fakeFeed{}
	out := &syncBuffer{}
	s := New(f, encoder.New(80), fastConfig(200*time.Millisecond), Options{}, nil)

	start := time.Now()
	state, err := s.Run(context.Background(), out)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if state != models.SessionStateTimedOut {
		t.Fatalf("state = %s, want timed_out", state)
	}
	if elapsed < 200*time.Millisecond || elapsed > time.Second {
		t.Errorf("timed out after %s", elapsed)
	}
	if f.closes != 1 {
		t.Errorf("feed closed %d times, want 1", f.closes)
	}
	if s.State() != models.SessionStateTimedOut {
		t.Errorf("recorded state = %s", s.State())
	}

	chunks := out.chunks()
	if len(chunks) == 0 {
		t.Fatal("no chunks written")
	}
	for i, c := range chunks {
		if !bytes.HasPrefix(c, []byte{0xFF, 0xD8}) || !bytes.HasSuffix(c, []byte("\r\n")) {
			t.Fatalf("chunk %d is not a framed JPEG", i)
		}
	}
	if out.flushes != len(chunks) {
		t.Errorf("flushes = %d, chunks = %d", out.flushes, len(chunks))
	}
	if info := s.Info(); info.FramesEmitted != uint64(len(chunks)) {
		t.Errorf("FramesEmitted = %d, want %d", info.FramesEmitted, len(chunks))
	}
}

func TestRunOpenFailureEmitsNothing(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := mocks.NewMockFeed(ctrl)
	f.EXPECT().Open(gomock.Any()).Return(errors.New("connection refused"))
	f.EXPECT().Close().Return(nil).AnyTimes()

	out := &syncBuffer{}
	s := New(f, encoder.New(80), fastConfig(time.Second), Options{}, nil)

	state, err := s.Run(context.Background(), out)
	if state != models.SessionStateSourceFailed {
		t.Errorf("state = %s, want source_failed", state)
	}
	if !errors.Is(err, camera.ErrConnectionFailed) {
		t.Errorf("Run() error = %v, want ErrConnectionFailed", err)
	}
	if out.buf.Len() != 0 {
		t.Errorf("wrote %d bytes before failing", out.buf.Len())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := &fakeFeed{}
	out := &syncBuffer{}
	s := New(f, encoder.New(80), fastConfig(0), Options{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		state models.SessionState
		err   error
	}
	done := make(chan result, 1)
	go func() {
		state, err := s.Run(ctx, out)
		done <- result{state, err}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for len(out.chunks()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case r := <-done:
		if r.err != nil || r.state != models.SessionStateStopped {
			t.Errorf("Run() = (%s, %v), want (stopped, nil)", r.state, r.err)
		}
	case <-time.After(time.Second):
		t.Fatal("session did not stop after cancel")
	}
}

func TestRunGivesUpAfterConsecutiveFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := mocks.NewMockFeed(ctrl)
	f.EXPECT().Open(gomock.Any()).Return(nil)
	f.EXPECT().Next(gomock.Any()).Return(nil, camera.ErrReadFailed).Times(3)
	f.EXPECT().Close().Return(nil)

	cfg := fastConfig(time.Minute)
	cfg.MaxConsecutiveFailures = 3
	s := New(f, encoder.New(80), cfg, Options{}, nil)

	state, err := s.Run(context.Background(), &syncBuffer{})
	if state != models.SessionStateSourceFailed {
		t.Errorf("state = %s, want source_failed", state)
	}
	if !errors.Is(err, camera.ErrSourceFailed) {
		t.Errorf("Run() error = %v, want ErrSourceFailed", err)
	}
}

func TestRunFailureCountResetsOnFetch(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := mocks.NewMockFeed(ctrl)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.EXPECT().Open(gomock.Any()).Return(nil)
	gomock.InOrder(
		f.EXPECT().Next(gomock.Any()).Return(nil, camera.ErrReadFailed).Times(2),
		f.EXPECT().Next(gomock.Any()).DoAndReturn(func(context.Context) (*camera.Frame, error) {
			return testFrame(false), nil
		}),
		f.EXPECT().Next(gomock.Any()).Return(nil, camera.ErrReadFailed).Times(2),
		f.EXPECT().Next(gomock.Any()).DoAndReturn(func(context.Context) (*camera.Frame, error) {
			cancel()
			return nil, context.Canceled
		}),
	)
	f.EXPECT().Close().Return(nil)

	failing := encoder.TransformFunc(func(gocv.Mat) (gocv.Mat, error) {
		return gocv.Mat{}, errors.New("model not loaded")
	})
	cfg := fastConfig(0)
	cfg.MaxConsecutiveFailures = 3
	s := New(f, encoder.New(80), cfg, Options{Transform: failing}, nil)

	state, err := s.Run(ctx, &syncBuffer{})
	if err != nil || state != models.SessionStateStopped {
		t.Errorf("Run() = (%s, %v), want (stopped, nil)", state, err)
	}
}

func TestRunCacheModeFailsWhenLoopStops(t *testing.T) {
	cache := framecache.New()
	defer cache.Close()
	cache.Update(testFrame(false))

	var running atomic.Bool
	running.Store(true)

	cfg := fastConfig(0)
	cfg.MaxConsecutiveFailures = 3
	out := &syncBuffer{}
	s := New(feed.NewCacheFeed(cache, running.Load), encoder.New(80), cfg, Options{Mode: feed.ModeCache}, nil)

	type result struct {
		state models.SessionState
		err   error
	}
	done := make(chan result, 1)
	go func() {
		state, err := s.Run(context.Background(), out)
		done <- result{state, err}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for len(out.chunks()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	running.Store(false)

	select {
	case r := <-done:
		if r.state != models.SessionStateSourceFailed || !errors.Is(r.err, camera.ErrSourceFailed) {
			t.Errorf("Run() = (%s, %v), want (source_failed, ErrSourceFailed)", r.state, r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session kept streaming after the capture loop stopped")
	}
}

func TestRunRetriesReadFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := mocks.NewMockFeed(ctrl)
	f.EXPECT().Open(gomock.Any()).Return(nil)
	gomock.InOrder(
		f.EXPECT().Next(gomock.Any()).Return(nil, camera.ErrNoFrame).Times(4),
		f.EXPECT().Next(gomock.Any()).DoAndReturn(func(context.Context) (*camera.Frame, error) {
			return testFrame(false), nil
		}).MinTimes(1),
	)
	f.EXPECT().Close().Return(nil)

	out := &syncBuffer{}
	s := New(f, encoder.New(80), fastConfig(150*time.Millisecond), Options{}, nil)

	state, err := s.Run(context.Background(), out)
	if err != nil || state != models.SessionStateTimedOut {
		t.Fatalf("Run() = (%s, %v), want (timed_out, nil)", state, err)
	}
	if len(out.chunks()) == 0 {
		t.Error("no chunks after the feed recovered")
	}
}

func TestRunAbsorbsTransformPanics(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	flaky := encoder.TransformFunc(func(src gocv.Mat) (gocv.Mat, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n%2 == 1 {
			panic("detector crashed")
		}
		return src.Clone(), nil
	})

	out := &syncBuffer{}
	s := New(&fakeFeed{}, encoder.New(80), fastConfig(150*time.Millisecond), Options{Transform: flaky}, nil)

	state, err := s.Run(context.Background(), out)
	if err != nil || state != models.SessionStateTimedOut {
		t.Fatalf("Run() = (%s, %v), want (timed_out, nil)", state, err)
	}
	if len(out.chunks()) == 0 {
		t.Error("no chunks emitted between transform panics")
	}
	if info := s.Info(); info.FramesEmitted == 0 {
		t.Error("no frames recorded")
	}
}

func TestRunStopsWhenClientGone(t *testing.T) {
	f := &fakeFeed{}
	s := New(f, encoder.New(80), fastConfig(time.Minute), Options{}, nil)

	state, err := s.Run(context.Background(), brokenWriter{})
	if err != nil || state != models.SessionStateStopped {
		t.Errorf("Run() = (%s, %v), want (stopped, nil)", state, err)
	}
	if f.closes != 1 {
		t.Errorf("feed closed %d times, want 1", f.closes)
	}
}

func TestMotionStateClearedOnEnd(t *testing.T) {
	d := motion.NewDetector()
	d.Cadence = time.Hour

	s := New(&fakeFeed{}, encoder.New(80), fastConfig(100*time.Millisecond), Options{Detector: d, Annotate: true}, nil)
	if _, err := s.Run(context.Background(), &syncBuffer{}); err != nil {
		t.Fatal(err)
	}

	status := s.Motion()
	if status.IsMotion || status.ReferenceTime != nil {
		t.Errorf("motion status not reset after the session ended: %+v", status)
	}
	if !s.Info().Motion || !s.Info().Annotate {
		t.Error("session info does not reflect motion options")
	}
}

func TestSessionsHaveUniqueIDs(t *testing.T) {
	a := New(&fakeFeed{}, encoder.New(80), DefaultConfig(), Options{}, nil)
	b := New(&fakeFeed{}, encoder.New(80), DefaultConfig(), Options{}, nil)
	if a.ID() == "" || a.ID() == b.ID() {
		t.Errorf("ids %q and %q", a.ID(), b.ID())
	}
	if a.State() != models.SessionStateStarting {
		t.Errorf("new session state = %s", a.State())
	}
}

func TestWriteChunkFraming(t *testing.T) {
	var buf bytes.Buffer
	if err := writeChunk(&buf, []byte("JPEG")); err != nil {
		t.Fatal(err)
	}
	want := "--frame\r\nContent-Type: image/jpeg\r\n\r\nJPEG\r\n"
	if buf.String() != want {
		t.Errorf("chunk = %q, want %q", buf.String(), want)
	}
}
