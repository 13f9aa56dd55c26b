package snapshot

import (
	"bytes"
	"context"
	"io"
	"sync"
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
	"camstream/internal/session"
	"camstream/pkg/models"
)

type factoryFunc func() feed.Feed

func (f factoryFunc) New() feed.Feed { return f() }

func grey(v float64) *camera.Frame {
	mat := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(v, v, v, 0), 48, 64, gocv.MatTypeCV8UC3)
	return camera.NewFrame(mat, time.Now())
}

func cacheFactory(cache *framecache.Cache) feed.Factory {
	return factoryFunc(func() feed.Feed { return feed.NewCacheFeed(cache, nil) })
}

func TestTakeNoFrameYet(t *testing.T) {
	s := New(cacheFactory(framecache.New()), encoder.New(80), nil)

	if _, err := s.Take(context.Background(), nil); !errors.Is(err, camera.ErrNoFrame) {
		t.Errorf("Take() error = %v, want ErrNoFrame", err)
	}
}

func TestTakeEncodesCachedFrame(t *testing.T) {
	cache := framecache.New()
	defer cache.Close()
	cache.Update(grey(120))

	s := New(cacheFactory(cache), encoder.New(80), nil)
	data, err := s.Take(context.Background(), nil)
	if err != nil {
		t.Fatalf("Take() error = %v", err)
	}
	if !bytes.HasPrefix(data, []byte{0xFF, 0xD8}) {
		t.Error("snapshot is not a JPEG")
	}

	// the cache still holds its frame
	if _, ok := cache.Read(); !ok {
		t.Error("snapshot consumed the cached frame")
	}
}

func TestTakeSourceUnavailable(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := mocks.NewMockFeed(ctrl)
	m.EXPECT().Open(gomock.Any()).Return(errors.Wrap(camera.ErrConnectionFailed, "refused"))
	m.EXPECT().Close().Return(nil)

	s := New(factoryFunc(func() feed.Feed { return m }), encoder.New(80), nil)
	if _, err := s.Take(context.Background(), nil); !errors.Is(err, camera.ErrConnectionFailed) {
		t.Errorf("Take() error = %v, want ErrConnectionFailed", err)
	}
}

func TestTakeReadFailureIsNoFrame(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := mocks.NewMockFeed(ctrl)
	m.EXPECT().Open(gomock.Any()).Return(nil)
	m.EXPECT().Next(gomock.Any()).Return(nil, camera.ErrReadFailed)
	m.EXPECT().Close().Return(nil)

	s := New(factoryFunc(func() feed.Feed { return m }), encoder.New(80), nil)
	if _, err := s.Take(context.Background(), nil); !errors.Is(err, camera.ErrNoFrame) {
		t.Errorf("Take() error = %v, want ErrNoFrame", err)
	}
}

func TestFeatures(t *testing.T) {
	cache := framecache.New()
	defer cache.Close()
	cache.Update(grey(200))

	s := New(cacheFactory(cache), encoder.New(80), nil)
	features, err := s.Features(context.Background(), encoder.FrameStats{})
	if err != nil {
		t.Fatalf("Features() error = %v", err)
	}
	if features["width"] != 64 || features["height"] != 48 {
		t.Errorf("unexpected features %v", features)
	}
}

func TestConcurrentSnapshotsAndUpdates(t *testing.T) {
	cache := framecache.New()
	defer cache.Close()
	cache.Update(grey(10))

	s := New(cacheFactory(cache), encoder.New(80), nil)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ctx.Err() == nil; i++ {
			cache.Update(grey(float64(i % 200)))
		}
	}()

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				data, err := s.Take(context.Background(), nil)
				if err != nil {
					t.Errorf("Take() error = %v", err)
					return
				}
				img, err := gocv.IMDecode(data, gocv.IMReadColor)
				if err != nil || img.Empty() {
					t.Error("torn snapshot")
					return
				}
				img.Close()
			}
		}()
	}

	time.Sleep(200 * time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("deadlock between snapshots and cache updates")
	}
}

func TestSnapshotsAlongsideStreaming(t *testing.T) {
	cache := framecache.New()
	defer cache.Close()
	cache.Update(grey(10))

	enc := encoder.New(80)
	feeds := cacheFactory(cache)
	s := New(feeds, enc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for i := 0; ctx.Err() == nil; i++ {
			cache.Update(grey(float64(i % 200)))
		}
	}()

	cfg := session.Config{
		MaxDuration:   300 * time.Millisecond,
		FrameInterval: time.Millisecond,
		PollInterval:  time.Millisecond,
	}
	sess := session.New(feeds.New(), enc, cfg, session.Options{}, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		state, err := sess.Run(context.Background(), io.Discard)
		if err != nil || state != models.SessionStateTimedOut {
			t.Errorf("Run() = (%s, %v), want (timed_out, nil)", state, err)
		}
	}()

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				data, err := s.Take(context.Background(), nil)
				if err != nil {
					t.Errorf("Take() error = %v", err)
					return
				}
				img, err := gocv.IMDecode(data, gocv.IMReadGrayScale)
				if err != nil || img.Empty() {
					t.Error("undecodable snapshot")
					return
				}
				a, b := int(img.GetUCharAt(0, 0)), int(img.GetUCharAt(img.Rows()-1, img.Cols()-1))
				img.Close()
				if d := a - b; d > 3 || d < -3 {
					t.Errorf("torn snapshot: corners %d and %d", a, b)
					return
				}
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("deadlock between snapshots and a streaming session")
	}

	if info := sess.Info(); info.FramesEmitted == 0 {
		t.Error("session emitted no frames while snapshots ran")
	}
}
