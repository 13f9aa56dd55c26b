// Package feed gives sessions a uniform way to fetch frames, whether they come from the
// shared background cache or from a connection opened just for them.
package feed

//go:generate mockgen -destination=mocks/mock_feed.go -package=mocks camstream/internal/feed Feed

import (
	"context"

	"github.com/pkg/errors"

	"camstream/internal/camera"
	"camstream/internal/framecache"
)

// Mode selects where frames come from.
type Mode string

const (
	// ModeCache reads copies of the frame kept fresh by the background loop.
	ModeCache Mode = "cache"

	// ModeDirect opens a dedicated camera connection per consumer.
	ModeDirect Mode = "direct"
)

// Feed is a per-consumer frame supplier.
type Feed interface {
	// Open prepares the feed. Errors wrap camera.ErrConnectionFailed.
	Open(ctx context.Context) error

	// Next returns a frame owned by the caller. camera.ErrNoFrame and camera.ErrReadFailed
	// are transient.
	Next(ctx context.Context) (*camera.Frame, error)

	// Close releases what Open acquired. It is idempotent.
	Close() error
}

// Factory hands out unopened feeds, one per consumer.
type Factory interface {
	New() Feed
}

// CacheFeed reads from a shared framecache.Cache.
type CacheFeed struct {
	cache   *framecache.Cache
	running func() bool
}

// NewCacheFeed creates a feed over cache. running reports whether the loop writing the cache
// is alive; nil means always.
func NewCacheFeed(cache *framecache.Cache, running func() bool) *CacheFeed {
	return &CacheFeed{cache: cache, running: running}
}

func (f *CacheFeed) Open(ctx context.Context) error {
	if f.running != nil && !f.running() {
		return errors.Wrap(camera.ErrConnectionFailed, "capture loop is not running")
	}
	return nil
}

func (f *CacheFeed) Next(ctx context.Context) (*camera.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.running != nil && !f.running() {
		return nil, errors.Wrap(camera.ErrReadFailed, "capture loop stopped")
	}
	frame, ok := f.cache.Read()
	if !ok {
		return nil, camera.ErrNoFrame
	}
	return frame, nil
}

// Close leaves the shared cache untouched.
func (f *CacheFeed) Close() error {
	return nil
}

// DeviceFeed owns a camera connection for its lifetime.
type DeviceFeed struct {
	descriptor camera.Descriptor
	opts       camera.Options
	open       camera.Opener
	src        camera.Source
}

// NewDeviceFeed creates a feed that connects to d on Open. A nil open uses camera.Open.
func NewDeviceFeed(d camera.Descriptor, opts camera.Options, open camera.Opener) *DeviceFeed {
	if open == nil {
		open = camera.Open
	}
	return &DeviceFeed{descriptor: d, opts: opts, open: open}
}

func (f *DeviceFeed) Open(ctx context.Context) error {
	if f.src != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(camera.ErrConnectionFailed, err.Error())
	}

	src, err := f.open(f.descriptor, f.opts)
	if err != nil {
		if !errors.Is(err, camera.ErrConnectionFailed) {
			err = errors.Wrap(camera.ErrConnectionFailed, err.Error())
		}
		return err
	}
	f.src = src
	return nil
}

func (f *DeviceFeed) Next(ctx context.Context) (*camera.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.src == nil {
		return nil, errors.Wrap(camera.ErrReadFailed, "feed not open")
	}
	return f.src.ReadLatest()
}

func (f *DeviceFeed) Close() error {
	if f.src == nil {
		return nil
	}
	err := f.src.Close()
	f.src = nil
	return err
}

// Provider hands out a fresh Feed per request for the configured mode.
type Provider struct {
	mode       Mode
	cache      *framecache.Cache
	running    func() bool
	descriptor camera.Descriptor
	opts       camera.Options
	open       camera.Opener
}

// NewCacheProvider serves CacheFeeds over loop's cache.
func NewCacheProvider(loop *framecache.Loop) *Provider {
	return &Provider{mode: ModeCache, cache: loop.Cache(), running: loop.Running}
}

// NewDirectProvider serves DeviceFeeds connecting to d.
func NewDirectProvider(d camera.Descriptor, opts camera.Options, open camera.Opener) *Provider {
	return &Provider{mode: ModeDirect, descriptor: d, opts: opts, open: open}
}

// Mode returns the configured mode.
func (p *Provider) Mode() Mode {
	return p.mode
}

// New returns a fresh, unopened Feed.
func (p *Provider) New() Feed {
	if p.mode == ModeCache {
		return NewCacheFeed(p.cache, p.running)
	}
	return NewDeviceFeed(p.descriptor, p.opts, p.open)
}

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeCache, ModeDirect:
		return Mode(s), nil
	}
	return "", errors.Errorf("unknown camera mode %q (want %q or %q)", s, ModeCache, ModeDirect)
}
