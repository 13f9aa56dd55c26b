package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics.
//
// Every Record method is a no-op on a nil *Metrics, so components can be built without one.
type Metrics struct {
	// Session metrics
	ActiveSessions    prometheus.Gauge
	SessionsStarted   prometheus.Counter
	SessionsEnded     *prometheus.CounterVec
	SessionDuration   prometheus.Histogram
	FramesEmitted     prometheus.Counter
	FrameSize         prometheus.Histogram
	IterationsSkipped *prometheus.CounterVec

	// Capture metrics
	CaptureFrames prometheus.Counter
	CaptureErrors *prometheus.CounterVec
	Reconnects    prometheus.Counter

	// Motion metrics
	MotionEvents    prometheus.Counter
	MotionActive    prometheus.Gauge
	SubscriberDrops prometheus.Counter

	// Snapshot metrics
	Snapshots *prometheus.CounterVec

	// Still metrics
	StillsStored  prometheus.Gauge
	StillsWritten prometheus.Counter

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates all metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "camstream_active_sessions",
			Help: "Number of currently open video sessions",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "camstream_sessions_started_total",
			Help: "Total number of video sessions started",
		}),
		SessionsEnded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camstream_sessions_ended_total",
				Help: "Total number of video sessions ended, by terminal state",
			},
			[]string{"state"},
		),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "camstream_session_duration_seconds",
			Help:    "Duration of video sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34m
		}),
		FramesEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "camstream_frames_emitted_total",
			Help: "Total number of JPEG chunks written to clients",
		}),
		FrameSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "camstream_frame_size_bytes",
			Help:    "Size of encoded JPEG frames in bytes",
			Buckets: prometheus.ExponentialBuckets(4096, 2, 10), // 4KB to ~2MB
		}),
		IterationsSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camstream_iterations_skipped_total",
				Help: "Session loop iterations that produced no chunk",
			},
			[]string{"reason"},
		),

		// Capture metrics
		CaptureFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "camstream_capture_frames_total",
			Help: "Frames decoded by the background acquisition loop",
		}),
		CaptureErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camstream_capture_errors_total",
				Help: "Capture failures by stage",
			},
			[]string{"stage"}, // connect or read
		),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "camstream_capture_reconnects_total",
			Help: "Times the acquisition loop reopened a stale source",
		}),

		// Motion metrics
		MotionEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "camstream_motion_events_total",
			Help: "Transitions from no motion to motion seen by the watcher",
		}),
		MotionActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "camstream_motion_active",
			Help: "1 while the watcher reports motion",
		}),
		SubscriberDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "camstream_motion_subscriber_drops_total",
			Help: "Motion updates dropped because a subscriber was slow",
		}),

		// Snapshot metrics
		Snapshots: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camstream_snapshots_total",
				Help: "Snapshot requests by result",
			},
			[]string{"result"},
		),

		// Still metrics
		StillsStored: factory.NewGauge(prometheus.GaugeOpts{
			Name: "camstream_stills_stored",
			Help: "Number of motion stills currently stored",
		}),
		StillsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "camstream_stills_written_total",
			Help: "Total number of motion stills written",
		}),

		// HTTP metrics
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camstream_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "camstream_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}

	return m
}

// RecordSessionStart records a video session starting
func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
	m.SessionsStarted.Inc()
}

// RecordSessionEnd records a video session reaching a terminal state
func (m *Metrics) RecordSessionEnd(state string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionsEnded.WithLabelValues(state).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordFrameEmitted records a chunk written to a client
func (m *Metrics) RecordFrameEmitted(size int) {
	if m == nil {
		return
	}
	m.FramesEmitted.Inc()
	m.FrameSize.Observe(float64(size))
}

// RecordIterationSkipped records a loop iteration that produced no chunk
func (m *Metrics) RecordIterationSkipped(reason string) {
	if m == nil {
		return
	}
	m.IterationsSkipped.WithLabelValues(reason).Inc()
}

// RecordCaptureFrame records a frame decoded by the acquisition loop
func (m *Metrics) RecordCaptureFrame() {
	if m == nil {
		return
	}
	m.CaptureFrames.Inc()
}

// RecordCaptureError records a connect or read failure
func (m *Metrics) RecordCaptureError(stage string) {
	if m == nil {
		return
	}
	m.CaptureErrors.WithLabelValues(stage).Inc()
}

// RecordReconnect records the acquisition loop reopening its source
func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

// RecordMotion records the watcher's current motion flag
func (m *Metrics) RecordMotion(active, risingEdge bool) {
	if m == nil {
		return
	}
	if active {
		m.MotionActive.Set(1)
	} else {
		m.MotionActive.Set(0)
	}
	if risingEdge {
		m.MotionEvents.Inc()
	}
}

// RecordSubscriberDrop records a motion update a slow subscriber missed
func (m *Metrics) RecordSubscriberDrop() {
	if m == nil {
		return
	}
	m.SubscriberDrops.Inc()
}

// RecordSnapshot records a snapshot request outcome
func (m *Metrics) RecordSnapshot(result string) {
	if m == nil {
		return
	}
	m.Snapshots.WithLabelValues(result).Inc()
}

// RecordStill records a motion still written
func (m *Metrics) RecordStill() {
	if m == nil {
		return
	}
	m.StillsWritten.Inc()
	m.StillsStored.Inc()
}

// RecordStillDeleted records a motion still removed from the window
func (m *Metrics) RecordStillDeleted() {
	if m == nil {
		return
	}
	m.StillsStored.Dec()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path string, status int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, statusCodeToString(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(durationSeconds)
}

// statusCodeToString converts an HTTP status code to a class label
func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
