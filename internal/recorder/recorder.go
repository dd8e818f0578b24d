// internal/recorder/recorder.go
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikeyg42/camrecorder/internal/config"
	"github.com/mikeyg42/camrecorder/internal/recorder/buffer"
	"github.com/mikeyg42/camrecorder/internal/recorder/pipeline"
	"github.com/mikeyg42/camrecorder/internal/recorder/recorderlog"
	"github.com/mikeyg42/camrecorder/internal/recorder/storage"
)

// ErrNotRunning is returned by Tick before Start or after Stop.
var ErrNotRunning = errors.New("recording service not running")

// Device is the frame source.
type Device interface {
	Read() (buffer.Frame, error)
	Geometry() pipeline.Geometry
	Close() error
}

// Stamper draws the capture time onto a frame.
type Stamper interface {
	Stamp(f *buffer.Frame, t time.Time)
}

// Classifier decides whether a frame shows motion.
type Classifier interface {
	Classify(f buffer.Frame, threshold int) (pipeline.Observation, error)
}

// Keys is the operator input collected during one tick.
type Keys struct {
	Quit      bool
	FullSpeed bool
}

// Display shows frames to an operator, if there is one.
type Display interface {
	Show(f buffer.Frame)
	PollKeys() Keys
	Close() error
}

// HealthLogger records a device health snapshot for the active volume.
type HealthLogger interface {
	Snapshot(volumeDir string)
}

// StatsReporter exposes component statistics for the periodic metrics log.
type StatsReporter interface {
	Metrics() map[string]interface{}
}

// Clock supplies time to the capture loop.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// Options configures the capture loop.
type Options struct {
	Mode                string
	MaintenanceInterval time.Duration
	IntervalsCSV        string
	StartupDelay        time.Duration
	ReportInterval      time.Duration
	ShutdownTimeout     time.Duration
}

// OptionsFromConfig extracts loop options from the service config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Mode:                cfg.Recording.Mode,
		MaintenanceInterval: cfg.Maintenance.Interval,
		IntervalsCSV:        cfg.Recording.IntervalsCSV,
		StartupDelay:        cfg.Service.StartupDelay,
	}
}

// Deps are the components the loop drives. Classifier is required in
// motion_gated mode; Display, Health, Clock and Offloader are optional.
// Reporters are logged with the loop counters under their key; the
// classifier and offloader are added when they report statistics.
type Deps struct {
	Device     Device
	Stamper    Stamper
	Classifier Classifier
	Display    Display
	Health     HealthLogger
	Clock      Clock

	Manager    *storage.Manager
	Sessions   *pipeline.SessionFactory
	Buffer     *buffer.RingBuffer
	Controller *pipeline.Controller
	Offloader  *storage.Offloader
	Reporters  map[string]StatsReporter
}

// RecordingService runs the capture loop. All state below is owned by the
// goroutine calling Run or Tick.
type RecordingService struct {
	opts    Options
	logger  recorderlog.Logger
	metrics *Metrics

	device     Device
	stamper    Stamper
	classifier Classifier
	display    Display
	health     HealthLogger
	clock      Clock

	manager    *storage.Manager
	sessions   *pipeline.SessionFactory
	buffer     *buffer.RingBuffer
	controller *pipeline.Controller
	offloader  *storage.Offloader
	reporters  map[string]StatsReporter

	session         *pipeline.Session
	lastMaintenance time.Time
	refresh         bool

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewRecordingService wires the loop and registers its session and handoff
// hooks.
func NewRecordingService(opts Options, deps Deps, logger recorderlog.Logger) (*RecordingService, error) {
	if deps.Device == nil {
		return nil, errors.New("capture device is required")
	}
	if deps.Manager == nil || deps.Sessions == nil {
		return nil, errors.New("storage manager and session factory are required")
	}
	switch opts.Mode {
	case "":
		opts.Mode = config.ModeContinuous
	case config.ModeContinuous:
	case config.ModeMotionGated:
		if deps.Classifier == nil {
			return nil, errors.New("motion_gated mode needs a classifier")
		}
		if deps.Buffer == nil || deps.Controller == nil {
			return nil, errors.New("motion_gated mode needs a ring buffer and controller")
		}
	default:
		return nil, fmt.Errorf("unknown recording mode %q", opts.Mode)
	}
	if opts.MaintenanceInterval <= 0 {
		opts.MaintenanceInterval = 300 * time.Second
	}
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = 30 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	if deps.Buffer == nil {
		deps.Buffer = buffer.NewRingBuffer(1)
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock()
	}
	if logger == nil {
		logger = recorderlog.L()
	}

	r := &RecordingService{
		opts:       opts,
		logger:     logger.Named("capture"),
		metrics:    &Metrics{},
		device:     deps.Device,
		stamper:    deps.Stamper,
		classifier: deps.Classifier,
		display:    deps.Display,
		health:     deps.Health,
		clock:      deps.Clock,
		manager:    deps.Manager,
		sessions:   deps.Sessions,
		buffer:     deps.Buffer,
		controller: deps.Controller,
		offloader:  deps.Offloader,
		reporters:  make(map[string]StatsReporter),
		stopCh:     make(chan struct{}),
	}
	if rep, ok := deps.Classifier.(StatsReporter); ok {
		r.reporters["motion"] = rep
	}
	if deps.Offloader != nil {
		r.reporters["offload"] = deps.Offloader
	}
	for name, rep := range deps.Reporters {
		if rep != nil {
			r.reporters[name] = rep
		}
	}

	r.sessions.OnClosed(func(seg pipeline.ClosedSegment) {
		r.metrics.inc(&r.metrics.SessionsClosed, "session_closed")
		if r.offloader != nil {
			r.offloader.EnqueueSegment(seg)
		}
	})
	r.manager.OnHandoff(func(from, to storage.Volume) {
		if r.offloader != nil {
			r.offloader.ReleaseVolume(from.MountPoint)
		}
		activeVolume.WithLabelValues(from.Name).Set(0)
		activeVolume.WithLabelValues(to.Name).Set(1)
	})

	return r, nil
}

// Metrics returns the loop counters.
func (r *RecordingService) Metrics() *Metrics { return r.metrics }

// Session returns the open output session, or nil.
func (r *RecordingService) Session() *pipeline.Session { return r.session }

// Run starts the service and ticks until the quit key or ctx ends, then
// shuts down.
func (r *RecordingService) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		r.abort()
		return err
	}

	for {
		quit, err := r.Tick(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Warn("capture tick failed", recorderlog.Error(err))
		}
		if quit || ctx.Err() != nil {
			break
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.opts.ShutdownTimeout)
	defer cancel()
	return r.Stop(shutdownCtx)
}

// abort releases what Run was handed when Start never completed.
func (r *RecordingService) abort() {
	if err := r.device.Close(); err != nil {
		r.logger.Warn("close device failed", recorderlog.Error(err))
	}
	if r.display != nil {
		if err := r.display.Close(); err != nil {
			r.logger.Warn("close display failed", recorderlog.Error(err))
		}
	}
	if r.offloader != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.ShutdownTimeout)
		defer cancel()
		if err := r.offloader.Close(ctx); err != nil {
			r.logger.Warn("close offloader failed", recorderlog.Error(err))
		}
	}
}

// Start waits out the startup delay and blocks until a volume is mounted.
func (r *RecordingService) Start(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return fmt.Errorf("service already running")
	}

	if r.opts.StartupDelay > 0 {
		if err := r.clock.Sleep(ctx, r.opts.StartupDelay); err != nil {
			r.running.Store(false)
			return err
		}
	}

	var err error
	if r.session, err = r.manager.WaitForVolume(ctx, r.session); err != nil {
		r.running.Store(false)
		return fmt.Errorf("wait for storage: %w", err)
	}
	if v, ok := r.manager.Active(); ok {
		activeVolume.WithLabelValues(v.Name).Set(1)
	}

	r.wg.Add(1)
	go r.metricsReporter(ctx, r.opts.ReportInterval)

	r.logger.Info("Recording service started",
		recorderlog.String("mode", r.opts.Mode),
		recorderlog.String("geometry", r.device.Geometry().String()))
	return nil
}

// Tick runs one capture iteration. quit reports that the operator asked to
// stop. Errors are non-fatal; the next tick retries.
func (r *RecordingService) Tick(ctx context.Context) (quit bool, err error) {
	if !r.running.Load() {
		return false, ErrNotRunning
	}

	if err := r.reconcile(ctx); err != nil {
		return false, err
	}

	frame, err := r.device.Read()
	if err != nil {
		r.metrics.inc(&r.metrics.ReadErrors, "read_error")
		r.logger.Warn("frame read failed", recorderlog.Error(err))
		return false, nil
	}
	r.metrics.inc(&r.metrics.FramesCaptured, "frame_captured")

	now := r.clock.Now()
	frame.Timestamp = now
	if r.stamper != nil {
		r.stamper.Stamp(&frame, now)
	}

	if r.lastMaintenance.IsZero() || now.Sub(r.lastMaintenance) > r.opts.MaintenanceInterval {
		r.maintain(now)
	}

	if r.refresh && r.display != nil {
		r.display.Show(frame)
	}
	r.refresh = false

	switch r.opts.Mode {
	case config.ModeMotionGated:
		r.dispatchMotion(frame, now)
	default:
		r.dispatchContinuous(frame, now)
	}

	if r.display != nil {
		keys := r.display.PollKeys()
		if keys.FullSpeed {
			r.refresh = true
		}
		if keys.Quit {
			r.logger.Info("quit requested")
			return true, nil
		}
	}
	return false, nil
}

// reconcile follows volume changes and blocks while no volume is mounted.
func (r *RecordingService) reconcile(ctx context.Context) error {
	before := r.manager.Handoffs()
	out, err := r.manager.Reconcile(ctx, r.session)
	r.session = out
	if n := r.manager.Handoffs(); n > before {
		r.metrics.Handoffs.Add(n - before)
		eventsTotal.WithLabelValues("handoff").Add(float64(n - before))
	}
	if err != nil {
		return fmt.Errorf("reconcile storage: %w", err)
	}

	if !r.manager.Available() {
		if err := r.session.Release(); err != nil {
			r.logger.Warn("release on lost volume failed", recorderlog.Error(err))
		}
		r.session = nil
		if r.session, err = r.manager.WaitForVolume(ctx, nil); err != nil {
			return fmt.Errorf("wait for storage: %w", err)
		}
	}
	return nil
}

func (r *RecordingService) maintain(now time.Time) {
	r.lastMaintenance = now
	r.metrics.inc(&r.metrics.Maintenance, "maintenance")

	if r.health != nil {
		v, _ := r.manager.Active()
		r.health.Snapshot(v.MountPoint)
	}

	if r.session != nil {
		if err := r.session.Release(); err != nil {
			r.logger.Warn("session reset failed", recorderlog.Error(err))
		}
		r.session = nil
	}

	if r.opts.Mode == config.ModeMotionGated {
		motionThreshold.Set(float64(r.controller.Relax()))
	}
	bufferFrames.Set(float64(r.buffer.Len()))
	r.refresh = true
}

// ensureSession opens a session on the active volume when none is live.
func (r *RecordingService) ensureSession(now time.Time) (*pipeline.Session, error) {
	v, ok := r.manager.Active()
	if !ok {
		return nil, storage.ErrNoVolume
	}
	prev := r.session
	s, err := r.sessions.EnsureOpen(prev, v.MountPoint, r.device.Geometry(), now)
	if err != nil {
		if !prev.Live() {
			r.session = nil
		}
		return nil, err
	}
	if s != prev {
		r.metrics.inc(&r.metrics.SessionsOpened, "session_opened")
	}
	r.session = s
	return s, nil
}

func (r *RecordingService) dispatchContinuous(frame buffer.Frame, now time.Time) {
	defer frame.Release()

	s, err := r.ensureSession(now)
	if err != nil {
		r.metrics.inc(&r.metrics.FramesDropped, "frame_dropped")
		r.logger.Warn("no output session, frame dropped", recorderlog.Error(err))
		return
	}
	if err := s.WriteFrame(frame); err != nil {
		r.metrics.inc(&r.metrics.FramesDropped, "frame_dropped")
		r.logger.Warn("frame write failed", recorderlog.Error(err))
		return
	}
	r.metrics.inc(&r.metrics.FramesWritten, "frame_written")
}

func (r *RecordingService) dispatchMotion(frame buffer.Frame, now time.Time) {
	obs, err := r.classifier.Classify(frame, r.controller.Threshold())
	if err != nil {
		r.logger.Warn("motion classification failed", recorderlog.Error(err))
		obs = pipeline.Observation{}
	}
	frame.Regions = obs.Regions

	d := r.controller.Observe(obs, now)
	motionThreshold.Set(float64(r.controller.Threshold()))

	if d.SegmentEnded {
		r.metrics.inc(&r.metrics.SegmentsEnded, "segment_ended")
		r.buffer.ForceDrain(r.sink())
		if err := r.session.Release(); err != nil {
			r.logger.Warn("release after motion failed", recorderlog.Error(err))
		}
		r.session = nil
		if r.offloader != nil {
			r.offloader.EnqueueInterval(d.Ended)
		}
	}
	if d.SegmentStarted {
		r.metrics.inc(&r.metrics.SegmentsStarted, "segment_started")
	}

	if d.Action == pipeline.ActionRecord {
		if _, err := r.ensureSession(now); err != nil {
			r.logger.Warn("no output session, buffering", recorderlog.Error(err))
		}
		// Suppressed multi-object frames skip the catch-up drain.
		sink := r.sink()
		admitted := r.buffer.Admits(frame)
		r.buffer.Push(frame, sink)
		if admitted {
			r.buffer.Drain(sink)
		}
	} else {
		r.buffer.Push(frame, r.sink())
	}
	bufferFrames.Set(float64(r.buffer.Len()))
}

// sink returns the open session as a buffer sink, or a nil interface.
func (r *RecordingService) sink() buffer.Sink {
	if !r.session.Live() {
		return nil
	}
	return countingSink{session: r.session, metrics: r.metrics}
}

type countingSink struct {
	session *pipeline.Session
	metrics *Metrics
}

func (c countingSink) WriteFrame(f buffer.Frame) error {
	if err := c.session.WriteFrame(f); err != nil {
		c.metrics.inc(&c.metrics.FramesDropped, "frame_dropped")
		return err
	}
	c.metrics.inc(&c.metrics.FramesWritten, "frame_written")
	return nil
}

// Stop flushes buffered frames, closes the session and the device, exports
// motion intervals and flushes the offloader.
func (r *RecordingService) Stop(ctx context.Context) error {
	if !r.running.CompareAndSwap(true, false) {
		return nil
	}
	close(r.stopCh)
	r.wg.Wait()

	var errs []error

	if r.opts.Mode == config.ModeMotionGated {
		if iv, ok := r.controller.Finish(); ok && r.offloader != nil {
			r.offloader.EnqueueInterval(iv)
		}
		if r.buffer.Len() > 0 {
			if r.sink() != nil {
				r.buffer.ForceDrain(r.sink())
			} else {
				r.buffer.Reset()
			}
		}
	}

	if err := r.session.Release(); err != nil {
		errs = append(errs, err)
	}
	r.session = nil

	if err := r.device.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close device: %w", err))
	}
	if r.display != nil {
		if err := r.display.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close display: %w", err))
		}
	}

	if r.opts.Mode == config.ModeMotionGated && r.opts.IntervalsCSV != "" {
		if err := pipeline.SaveIntervalsCSV(r.opts.IntervalsCSV, r.controller.Intervals()); err != nil {
			errs = append(errs, err)
		} else {
			r.logger.Info("motion intervals saved",
				recorderlog.String("path", r.opts.IntervalsCSV),
				recorderlog.Int("intervals", len(r.controller.Intervals())))
		}
	}

	if r.offloader != nil {
		if err := r.offloader.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush offloader: %w", err))
		}
	}

	r.reportMetrics()
	r.logger.Info("Recording service stopped")
	return errors.Join(errs...)
}
