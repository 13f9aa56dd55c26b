package httpServer

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"camstream/internal/archiver"
	"camstream/internal/camera"
	"camstream/internal/encoder"
	"camstream/internal/feed"
	"camstream/internal/framecache"
	"camstream/internal/metrics"
	"camstream/internal/motion"
	"camstream/internal/session"
	"camstream/internal/snapshot"
	"camstream/internal/streammanager"
	"camstream/internal/watcher"
	"camstream/pkg/models"
)

// Deps are the components the HTTP server routes requests to.
// Watcher, Archiver and Loop may be nil.
type Deps struct {
	Feeds         feed.Factory
	Mode          feed.Mode
	Encoder       *encoder.Encoder
	Detector      *motion.Detector
	SessionConfig session.Config
	Sessions      *streammanager.Manager
	Snapshots     *snapshot.Service
	Watcher       *watcher.Watcher
	Archiver      *archiver.Archiver
	Loop          *framecache.Loop
	Camera        camera.Descriptor
	Metrics       *metrics.Metrics
	Gatherer      prometheus.Gatherer
}

// Server wraps the HTTP server with dependencies
type Server struct {
	router     *gin.Engine
	deps       Deps
	extractors map[string]encoder.Extractor
}

// New creates a new HTTP server
func New(deps Deps) *Server {
	if deps.Sessions == nil {
		deps.Sessions = streammanager.New()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		deps: deps,
		extractors: map[string]encoder.Extractor{
			encoder.FrameStats{}.Name(): encoder.FrameStats{},
		},
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(), s.metricsMiddleware())

	router.GET("/snapshot", s.handleSnapshot)
	router.GET("/video", s.handleVideo)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.GET("/v1/camera", s.handleCamera)
		api.GET("/v1/features", s.handleFeatures)
		api.GET("/v1/motion", s.handleMotion)
		api.GET("/v1/motion/events", s.handleMotionEvents)
		api.GET("/v1/sessions", s.handleListSessions)
		api.GET("/v1/sessions/:id", s.handleGetSession)
		api.POST("/v1/sessions/:id/stop", s.handleStopSession)
		api.GET("/v1/stills", s.handleListStills)
		api.GET("/v1/stills/:name", s.handleGetStill)
	}

	s.router = router
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then stops all sessions and shuts down.
// Request contexts derive from ctx.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("HTTP server listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}

	if n := s.deps.Sessions.StopAll(); n > 0 {
		log.Infof("Stopping %d video sessions", n)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "http shutdown")
	}
	return nil
}

// Handler implementations

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
		"time":    time.Now().Unix(),
	})
}

func (s *Server) handleSnapshot(c *gin.Context) {
	transform, ok := encoder.Lookup(c.Query("mode"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown mode", "modes": encoder.Names()})
		return
	}

	data, err := s.deps.Snapshots.Take(c.Request.Context(), transform)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Data(http.StatusOK, "image/jpeg", data)
}

func (s *Server) handleVideo(c *gin.Context) {
	mode := c.Query("mode")
	transform, ok := encoder.Lookup(mode)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown mode", "modes": encoder.Names()})
		return
	}

	opts := session.Options{
		Transform:     transform,
		TransformName: mode,
		Mode:          s.deps.Mode,
		ClientIP:      c.ClientIP(),
	}
	if queryBool(c, "motion") {
		opts.Detector = s.deps.Detector
		opts.Annotate = queryBool(c, "annotate")
	}

	sess := session.New(s.deps.Feeds.New(), s.deps.Encoder, s.deps.SessionConfig, opts, s.deps.Metrics)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	unregister := s.deps.Sessions.Register(sess, cancel)
	defer unregister()

	w := &streamWriter{c: c}
	_, err := sess.Run(ctx, w)
	if err != nil && !w.started {
		s.abortWithError(c, err)
	}
}

func (s *Server) handleMotion(c *gin.Context) {
	if s.deps.Watcher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "motion watcher disabled"})
		return
	}
	c.JSON(http.StatusOK, s.deps.Watcher.Status())
}

func (s *Server) handleMotionEvents(c *gin.Context) {
	if s.deps.Watcher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "motion watcher disabled"})
		return
	}

	updates, cleanup := s.deps.Watcher.Subscribe(8)
	defer cleanup()

	c.Header("Content-Type", sse.ContentType)
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	send := func(status models.MotionStatus) error {
		if err := sse.Encode(c.Writer, sse.Event{Event: "motion", Data: status}); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	}

	if err := send(s.deps.Watcher.Status()); err != nil {
		return
	}

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case status, ok := <-updates:
			if !ok {
				return
			}
			if err := send(status); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleFeatures(c *gin.Context) {
	name := c.DefaultQuery("extractor", encoder.FrameStats{}.Name())
	ex, ok := s.extractors[name]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown extractor"})
		return
	}

	features, err := s.deps.Snapshots.Features(c.Request.Context(), ex)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.FeaturesResponse{
		Extractor: name,
		Features:  features,
	})
}

func (s *Server) handleListSessions(c *gin.Context) {
	sessions := s.deps.Sessions.List()
	c.JSON(http.StatusOK, models.SessionListResponse{
		Sessions:  sessions,
		Total:     len(sessions),
		Streaming: s.deps.Sessions.StreamingCount(),
	})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, exists := s.deps.Sessions.Get(c.Param("id"))
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session": sess.Info(),
		"motion":  sess.Motion(),
	})
}

func (s *Server) handleStopSession(c *gin.Context) {
	id := c.Param("id")

	if err := s.deps.Sessions.Stop(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "session stopped",
		"id":      id,
	})
}

func (s *Server) handleListStills(c *gin.Context) {
	if s.deps.Archiver == nil {
		c.JSON(http.StatusOK, models.StillListResponse{Stills: []models.StillInfo{}})
		return
	}

	stills := s.deps.Archiver.List()
	infos := make([]models.StillInfo, len(stills))
	for i, still := range stills {
		infos[i] = models.StillInfo{
			Name:      still.Name,
			URL:       "/api/v1/stills/" + still.Name,
			Size:      still.Size,
			CreatedAt: still.CreatedAt.Format(time.RFC3339),
		}
	}

	c.JSON(http.StatusOK, models.StillListResponse{
		Stills: infos,
		Total:  len(infos),
	})
}

func (s *Server) handleGetStill(c *gin.Context) {
	if s.deps.Archiver == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "still not found"})
		return
	}

	data, err := s.deps.Archiver.Get(c.Param("name"))
	if err != nil {
		if errors.Is(err, archiver.ErrStillNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "still not found"})
			return
		}
		log.Errorf("Failed to read still %s: %v", c.Param("name"), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read still"})
		return
	}

	// Stills are immutable once written
	c.Header("Cache-Control", "public, max-age=3600")
	c.Data(http.StatusOK, "image/jpeg", data)
}

func (s *Server) handleCamera(c *gin.Context) {
	info := models.CameraInfo{
		Source: s.deps.Camera.String(),
		Mode:   string(s.deps.Mode),
	}

	if s.deps.Loop != nil {
		stats := s.deps.Loop.Stats()
		info.Running = s.deps.Loop.Running()
		info.Connected = stats.Connected
		info.FramesRead = stats.FramesRead
		info.ReadErrors = stats.ReadErrors
		info.Reconnects = stats.Reconnects
		if !stats.LastFrameTime.IsZero() {
			info.LastFrameTime = stats.LastFrameTime.Format(time.RFC3339Nano)
		}
	}
	if s.deps.Watcher != nil {
		info.MotionSubscribers = s.deps.Watcher.SubscriberCount()
	}

	c.JSON(http.StatusOK, info)
}

// Helper functions

// abortWithError maps camera errors to explicit JSON responses
func (s *Server) abortWithError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, camera.ErrNoFrame):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no frame yet"})
	case errors.Is(err, camera.ErrConnectionFailed), errors.Is(err, camera.ErrSourceFailed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "source unavailable"})
	case errors.Is(err, context.Canceled):
		c.Status(499)
	case errors.Is(err, camera.ErrTransformFailed):
		log.Warnf("Transform failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "transform failed"})
	default:
		log.Errorf("Request failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "encode failed"})
	}
}

func queryBool(c *gin.Context, key string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(c.Query(key)))
	return err == nil && v
}

// streamWriter sends the multipart headers on the first chunk, so a session that fails to
// start can still answer with a JSON error.
type streamWriter struct {
	c       *gin.Context
	started bool
}

func (w *streamWriter) Write(p []byte) (int, error) {
	if !w.started {
		h := w.c.Writer.Header()
		h.Set("Content-Type", session.ContentType)
		h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
		h.Set("Pragma", "no-cache")
		h.Set("Connection", "close")
		w.c.Writer.WriteHeader(http.StatusOK)
		w.started = true
	}
	return w.c.Writer.Write(p)
}

func (w *streamWriter) Flush() {
	w.c.Writer.Flush()
}
