package recorder

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mikeyg42/camrecorder/internal/recorder/recorderlog"
)

var (
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camrecorder_events_total",
			Help: "Capture loop events by type",
		},
		[]string{"event"},
	)
	bufferFrames = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "camrecorder_buffer_frames",
		Help: "Frames held in the lookback buffer",
	})
	motionThreshold = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "camrecorder_motion_threshold",
		Help: "Current motion detection threshold",
	})
	activeVolume = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "camrecorder_active_volume",
			Help: "1 for the volume currently receiving output",
		},
		[]string{"volume"},
	)
)

func init() {
	prometheus.MustRegister(eventsTotal, bufferFrames, motionThreshold, activeVolume)
}

// Metrics tracks service performance
type Metrics struct {
	FramesCaptured  atomic.Uint64
	FramesWritten   atomic.Uint64
	FramesDropped   atomic.Uint64
	ReadErrors      atomic.Uint64
	SessionsOpened  atomic.Uint64
	SessionsClosed  atomic.Uint64
	Handoffs        atomic.Uint64
	SegmentsStarted atomic.Uint64
	SegmentsEnded   atomic.Uint64
	Maintenance     atomic.Uint64
}

func (m *Metrics) inc(c *atomic.Uint64, event string) {
	c.Add(1)
	eventsTotal.WithLabelValues(event).Inc()
}

// ServeMetrics exposes the Prometheus registry on addr until ctx ends.
func ServeMetrics(ctx context.Context, addr, path string, log recorderlog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("Metrics listening", recorderlog.String("addr", addr), recorderlog.String("path", path))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// metricsReporter periodically logs metrics
func (r *RecordingService) metricsReporter(ctx context.Context, every time.Duration) {
	defer r.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.reportMetrics()
		}
	}
}

// reportMetrics logs current service metrics
func (r *RecordingService) reportMetrics() {
	bm := r.buffer.Metrics()
	fields := []recorderlog.Field{
		recorderlog.Uint64("frames_captured", r.metrics.FramesCaptured.Load()),
		recorderlog.Uint64("frames_written", r.metrics.FramesWritten.Load()),
		recorderlog.Uint64("frames_dropped", r.metrics.FramesDropped.Load()),
		recorderlog.Uint64("read_errors", r.metrics.ReadErrors.Load()),
		recorderlog.Uint64("sessions_opened", r.metrics.SessionsOpened.Load()),
		recorderlog.Uint64("handoffs", r.metrics.Handoffs.Load()),
		recorderlog.Uint64("segments_started", r.metrics.SegmentsStarted.Load()),
		recorderlog.Any("buffer_frames", bm["current_size"]),
		recorderlog.Any("buffer_evictions", bm["evictions"]),
		recorderlog.Any("buffer_suppressed", bm["suppressed"]),
	}
	for name, rep := range r.reporters {
		fields = append(fields, recorderlog.Any(name, rep.Metrics()))
	}
	r.logger.Info("Recording service metrics", fields...)
}
