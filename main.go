package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"camstream/config"
	"camstream/httpServer"
	"camstream/internal/archiver"
	"camstream/internal/camera"
	"camstream/internal/encoder"
	"camstream/internal/feed"
	"camstream/internal/framecache"
	"camstream/internal/metrics"
	"camstream/internal/motion"
	"camstream/internal/session"
	"camstream/internal/snapshot"
	"camstream/internal/storage"
	"camstream/internal/streammanager"
	"camstream/internal/watcher"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.Info("Starting camstream server...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	descriptor, err := cfg.Descriptor()
	if err != nil {
		log.Fatalf("Invalid camera configuration: %v", err)
	}
	mode, err := feed.ParseMode(cfg.CameraMode)
	if err != nil {
		log.Fatalf("Invalid camera mode: %v", err)
	}

	log.Infof("HTTP Server: %s", cfg.HTTPAddr)
	log.Infof("Camera: %s (mode=%s)", descriptor, mode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	var (
		stillStore storage.Storage
		closers    []func() error
	)
	if cfg.StorageType == "gcs" {
		gcsStorage, err := storage.NewGCSStorage(ctx, cfg.GCSProjectID, cfg.GCSBucketName, cfg.GCSBaseDir)
		if err != nil {
			log.Fatalf("Failed to initialize GCS storage: %v", err)
		}
		stillStore = gcsStorage
		closers = append(closers, gcsStorage.Close)
		log.Infof("Storage initialized: GCS bucket=%s, project=%s, baseDir=%s",
			cfg.GCSBucketName, cfg.GCSProjectID, cfg.GCSBaseDir)
	} else {
		localStorage, err := storage.NewLocalStorage(cfg.StorageDir)
		if err != nil {
			log.Fatalf("Failed to initialize local storage: %v", err)
		}
		stillStore = localStorage
		log.Infof("Storage initialized: Local directory=%s", cfg.StorageDir)
	}

	// Initialize metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	enc := encoder.New(cfg.JPEGQuality)
	detector := &motion.Detector{
		Cadence:       cfg.MotionCadence,
		DiffThreshold: float32(cfg.MotionDiffThreshold),
		MinArea:       float64(cfg.MotionMinArea),
		BlurSize:      motion.DefaultBlurSize,
	}
	camOpts := camera.Options{
		DrainReads:     cfg.DrainReads,
		ConnectTimeout: cfg.ConnectTimeout,
	}

	// Frame acquisition
	var (
		loop     *framecache.Loop
		provider *feed.Provider
	)
	if mode == feed.ModeCache {
		loopCfg := framecache.DefaultLoopConfig()
		loopCfg.MaxReconnectAttempts = cfg.ReconnectMaxAttempts
		loop = framecache.NewLoop(framecache.New(), descriptor, camOpts, camera.Open, loopCfg, m)
		provider = feed.NewCacheProvider(loop)
	} else {
		provider = feed.NewDirectProvider(descriptor, camOpts, camera.Open)
	}

	arch := archiver.New(stillStore, enc, cfg.MaxStills, m)
	if err := arch.Load(); err != nil {
		log.Warnf("Failed to load still index, starting empty: %v", err)
	}

	var motionWatcher *watcher.Watcher
	if cfg.WatchEnabled {
		motionWatcher = watcher.New(provider, detector, arch, cfg.WatchInterval, m)
	}

	sessionCfg := session.Config{
		MaxDuration:            cfg.MaxSessionDuration,
		FrameInterval:          cfg.FrameInterval,
		PollInterval:           cfg.PollInterval,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
	}

	httpSrv := httpServer.New(httpServer.Deps{
		Feeds:         provider,
		Mode:          mode,
		Encoder:       enc,
		Detector:      detector,
		SessionConfig: sessionCfg,
		Sessions:      streammanager.New(),
		Snapshots:     snapshot.New(provider, enc, m),
		Watcher:       motionWatcher,
		Archiver:      arch,
		Loop:          loop,
		Camera:        descriptor,
		Metrics:       m,
		Gatherer:      reg,
	})

	log.Info("---")
	log.Info("Endpoints:")
	log.Info("  GET  /snapshot?mode=binarize")
	log.Info("  GET  /video?motion=1&annotate=1&mode=gray")
	log.Info("  GET  /api/v1/camera")
	log.Info("  GET  /api/v1/motion, /api/v1/motion/events")
	log.Info("  GET  /api/v1/sessions, POST /api/v1/sessions/:id/stop")
	log.Info("  GET  /api/v1/stills")
	log.Info("  GET  /metrics")
	log.Info("---")

	g, gctx := errgroup.WithContext(ctx)

	if loop != nil {
		g.Go(func() error {
			// The server keeps answering "source unavailable" after the loop gives up.
			if err := loop.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorf("Frame acquisition gave up: %v", err)
			}
			return nil
		})
	}

	if motionWatcher != nil {
		g.Go(func() error {
			if err := motionWatcher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		return httpSrv.Run(gctx, cfg.HTTPAddr)
	})

	var result *multierror.Error
	if err := g.Wait(); err != nil {
		result = multierror.Append(result, err)
	}
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "close storage"))
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		log.Fatalf("Server stopped with errors: %v", err)
	}
	log.Info("Server stopped")
}
