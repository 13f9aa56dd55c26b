package camera

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/mattn/go-mjpeg"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// mjpegSource reads an HTTP multipart JPEG camera.
type mjpegSource struct {
	mu         sync.Mutex
	resp       *http.Response
	cancel     context.CancelFunc
	dec        *mjpeg.Decoder
	drainReads int
	closed     bool
}

func openMJPEG(d Descriptor, opts Options) (Source, error) {
	ctx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL(), nil)
	if err != nil {
		cancel()
		return nil, errors.Wrapf(ErrConnectionFailed, "open %s: %v", d, err)
	}

	client := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: opts.ConnectTimeout,
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, errors.Wrapf(ErrConnectionFailed, "open %s: %v", d, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, errors.Wrapf(ErrConnectionFailed, "open %s: status %s", d, resp.Status)
	}

	dec, err := mjpeg.NewDecoderFromResponse(resp)
	if err != nil {
		resp.Body.Close()
		cancel()
		return nil, errors.Wrapf(ErrConnectionFailed, "open %s: %v", d, err)
	}

	log.Debugf("Opened MJPEG source %s", d)
	return &mjpegSource{
		resp:       resp,
		cancel:     cancel,
		dec:        dec,
		drainReads: opts.DrainReads,
	}, nil
}

func (s *mjpegSource) ReadLatest() (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.Wrap(ErrReadFailed, "source closed")
	}

	var latest *Frame
	for i := 0; i < s.drainReads; i++ {
		img, err := s.dec.Decode()
		if err != nil {
			continue
		}
		mat, err := gocv.ImageToMatRGB(img)
		if err != nil {
			continue
		}
		if mat.Empty() {
			mat.Close()
			continue
		}
		if latest != nil {
			latest.Close()
		}
		latest = NewFrame(mat, time.Now())
	}

	if latest == nil {
		return nil, errors.Wrapf(ErrReadFailed, "no part decoded in %d reads", s.drainReads)
	}
	return latest, nil
}

func (s *mjpegSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	return s.resp.Body.Close()
}
