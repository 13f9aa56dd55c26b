package camera

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// DefaultDrainReads is how many consecutive reads ReadLatest performs to flush buffered frames.
const DefaultDrainReads = 5

// Source owns one open video connection.
type Source interface {
	// ReadLatest discards stale buffered frames and returns the freshest decode.
	// The caller owns the returned frame.
	ReadLatest() (*Frame, error)

	// Close releases the connection. Idempotent.
	Close() error
}

// Opener opens a Source for a descriptor. Open is the production implementation.
type Opener func(d Descriptor, opts Options) (Source, error)

// Options tunes how a Source is opened and drained.
type Options struct {
	// DrainReads is the number of reads per ReadLatest call (default 5).
	DrainReads int

	// ConnectTimeout bounds the HTTP handshake for MJPEG cameras (default 10s).
	ConnectTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.DrainReads <= 0 {
		o.DrainReads = DefaultDrainReads
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	return o
}

// videoReader is the subset of *gocv.VideoCapture used by capture.
type videoReader interface {
	Read(m *gocv.Mat) bool
	Close() error
}

// Open connects to the source described by d.
//
// RTSP sources are opened through OpenCV with the internal buffer limited to one frame,
// so the transport never queues stale frames. HTTP sources use the MJPEG driver.
func Open(d Descriptor, opts Options) (Source, error) {
	opts = opts.withDefaults()

	if d.IsMJPEG() {
		return openMJPEG(d, opts)
	}

	vc, err := gocv.VideoCaptureFile(d.URL())
	if err != nil {
		return nil, errors.Wrapf(ErrConnectionFailed, "open %s: %v", d, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, errors.Wrapf(ErrConnectionFailed, "open %s: capture not opened", d)
	}

	// Minimize OpenCV buffer size for real-time RTSP streaming
	vc.Set(gocv.VideoCaptureBufferSize, 1)

	log.Debugf("Opened video source %s", d)
	return newCapture(vc, opts.DrainReads), nil
}

type capture struct {
	mu         sync.Mutex
	reader     videoReader
	drainReads int
	closed     bool
}

func newCapture(reader videoReader, drainReads int) *capture {
	if drainReads <= 0 {
		drainReads = DefaultDrainReads
	}
	return &capture{reader: reader, drainReads: drainReads}
}

// ReadLatest performs drainReads consecutive reads and keeps only the last successful decode.
func (c *capture) ReadLatest() (*Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errors.Wrap(ErrReadFailed, "source closed")
	}

	var latest *Frame
	for i := 0; i < c.drainReads; i++ {
		img := gocv.NewMat()
		if ok := c.reader.Read(&img); !ok || img.Empty() {
			img.Close()
			continue
		}
		if latest != nil {
			latest.Close()
		}
		latest = NewFrame(img, time.Now())
	}

	if latest == nil {
		return nil, errors.Wrapf(ErrReadFailed, "no frame decoded in %d reads", c.drainReads)
	}
	return latest, nil
}

func (c *capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.reader.Close()
}
