package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mikeyg42/camrecorder/internal/config"
	"github.com/mikeyg42/camrecorder/internal/health"
	"github.com/mikeyg42/camrecorder/internal/motion"
	"github.com/mikeyg42/camrecorder/internal/recorder"
	"github.com/mikeyg42/camrecorder/internal/recorder/buffer"
	"github.com/mikeyg42/camrecorder/internal/recorder/pipeline"
	"github.com/mikeyg42/camrecorder/internal/recorder/recorderlog"
	"github.com/mikeyg42/camrecorder/internal/recorder/storage"
	"github.com/mikeyg42/camrecorder/internal/video"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (environment only when empty)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := recorderlog.New(recorderlog.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	recorderlog.ReplaceGlobal(logger)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		if errors.Is(err, video.ErrNoDevice) {
			logger.Error("Capture device unavailable", recorderlog.Error(err))
			logger.Sync()
			os.Exit(1)
		}
		if !errors.Is(err, context.Canceled) {
			logger.Error("Recorder stopped with error", recorderlog.Error(err))
		}
	}
}

func run(ctx context.Context, cfg *config.Config, logger recorderlog.Logger) error {
	if cfg.Metrics.ListenAddr != "" {
		go func() {
			if err := recorder.ServeMetrics(ctx, cfg.Metrics.ListenAddr, cfg.Metrics.Path, logger); err != nil {
				logger.Warn("Metrics server failed", recorderlog.Error(err))
			}
		}()
	}

	camera, err := video.OpenCamera(cfg.Capture.Devices, logger)
	if err != nil {
		return err
	}

	manager := storage.NewManager(
		volume("primary", cfg.Storage.Primary),
		volume("secondary", cfg.Storage.Secondary),
		storage.UnixMounter{Command: cfg.Storage.UnmountCommand},
		storage.ManagerConfig{
			PollInterval:   cfg.Storage.PollInterval,
			ReleaseSettle:  cfg.Storage.ReleaseSettle,
			MaxUnmountWait: cfg.Storage.MaxUnmountWait,
		},
		logger,
	)

	sessions := pipeline.NewSessionFactory(video.GocvOpener{}, pipeline.SessionOptions{
		FPS:       cfg.Recording.FPS,
		FourCC:    cfg.Recording.FourCC,
		Extension: cfg.Recording.Extension,
		TZLabel:   cfg.Recording.TimeZone,
	}, logger)

	ring := buffer.NewRingBuffer(cfg.Buffer.Capacity,
		buffer.WithDrainQuota(cfg.Buffer.DrainQuota),
		buffer.WithMaxRegions(cfg.Buffer.MaxRegions()),
		buffer.WithLogger(logger))

	controller := pipeline.NewController(pipeline.ControllerConfig{
		Silence:        cfg.Motion.Silence,
		AdaptAfter:     cfg.Motion.AdaptAfter,
		Threshold:      cfg.Motion.Threshold,
		ThresholdFloor: cfg.Motion.ThresholdFloor,
		ThresholdMax:   cfg.Motion.ThresholdMax,
		ThresholdStep:  cfg.Motion.ThresholdStep,
	}, logger)

	deps := recorder.Deps{
		Device:     camera,
		Stamper:    video.Stamper{TZLabel: cfg.Recording.TimeZone},
		Manager:    manager,
		Sessions:   sessions,
		Buffer:     ring,
		Controller: controller,
	}

	if cfg.Recording.Mode == config.ModeMotionGated {
		detector, err := motion.NewDetector(cfg.Motion, logger)
		if err != nil {
			camera.Close()
			return err
		}
		defer detector.Close()
		deps.Classifier = detector
	}

	if cfg.Display.Mode == config.DisplayWindow {
		deps.Display = video.NewWindow(cfg.Display.WindowName)
	} else {
		deps.Display = video.Headless{}
	}

	hl, err := health.New(cfg.Health, logger)
	if err != nil {
		logger.Warn("Health logging disabled", recorderlog.Error(err))
	} else {
		defer hl.Close()
		deps.Health = hl
	}

	offloader, archive, err := newOffloader(ctx, cfg, logger)
	if err != nil {
		logger.Warn("Archive disabled", recorderlog.Error(err))
	} else if offloader != nil {
		offloader.Start(context.Background())
		deps.Offloader = offloader
		if archive != nil {
			deps.Reporters = map[string]recorder.StatsReporter{"archive": archive}
		}
	}

	svc, err := recorder.NewRecordingService(recorder.OptionsFromConfig(cfg), deps, logger)
	if err != nil {
		camera.Close()
		if offloader != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if cerr := offloader.Close(closeCtx); cerr != nil {
				logger.Warn("Offloader close failed", recorderlog.Error(cerr))
			}
		}
		return err
	}
	return svc.Run(ctx)
}

func volume(name string, vc config.VolumeConfig) storage.Volume {
	return storage.Volume{Name: name, Label: vc.Label, Device: vc.Device, MountPoint: vc.MountPoint}
}

// newOffloader returns nil when neither archive nor catalog is enabled. The
// MinIO store is returned too so its upload counters can be reported.
func newOffloader(ctx context.Context, cfg *config.Config, logger recorderlog.Logger) (*storage.Offloader, *storage.MinIOStore, error) {
	if !cfg.Archive.Enabled && !cfg.Catalog.Enabled {
		return nil, nil, nil
	}

	var store storage.ObjectStore
	var minioStore *storage.MinIOStore
	if cfg.Archive.Enabled {
		s, err := storage.NewMinIOStore(ctx, storage.MinIOConfig{
			Endpoint:        cfg.Archive.Endpoint,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
			UseSSL:          cfg.Archive.UseSSL,
			Bucket:          cfg.Archive.Bucket,
			Region:          cfg.Archive.Region,
			RequestTimeout:  cfg.Archive.RequestTimeout,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		store, minioStore = s, s
	}

	var catalog storage.Catalog
	if cfg.Catalog.Enabled {
		c, err := storage.NewPostgresCatalog(ctx, storage.PostgresConfig{
			DSN:             cfg.CatalogDSN(),
			MaxConnections:  cfg.Catalog.MaxConnections,
			MaxIdleConns:    cfg.Catalog.MaxIdleConns,
			ConnMaxLifetime: cfg.Catalog.ConnMaxLifetime,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		catalog = c
	}

	return storage.NewOffloader(store, catalog, storage.OffloadConfig{
		QueueSize:         cfg.Archive.QueueSize,
		Prefix:            cfg.Archive.Prefix,
		MaxRetries:        cfg.Archive.MaxRetries,
		DeleteAfterUpload: cfg.Archive.DeleteAfterUpload,
	}, logger), minioStore, nil
}
