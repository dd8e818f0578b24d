package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mikeyg42/camrecorder/internal/recorder/pipeline"
	"github.com/mikeyg42/camrecorder/internal/recorder/recorderlog"
)

// OffloadConfig tunes the background archive worker.
type OffloadConfig struct {
	QueueSize         int
	Prefix            string // object key prefix
	MaxRetries        uint64
	RetryInterval     time.Duration // initial backoff interval
	DeleteAfterUpload bool
	ReleaseTimeout    time.Duration // how long ReleaseVolume waits for an in-flight job
}

type offloadJob struct {
	segment  *pipeline.ClosedSegment
	interval *pipeline.Interval
	epoch    uint64
}

type inflight struct {
	dir    string
	cancel context.CancelFunc
	done   chan struct{}
}

// Offloader copies closed segments to an ObjectStore and records them in a
// Catalog on a single background worker. Either collaborator may be nil.
type Offloader struct {
	store   ObjectStore
	catalog Catalog
	cfg     OffloadConfig
	logger  recorderlog.Logger

	jobs   chan offloadJob
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	epochs  map[string]uint64 // per volume dir; bumped on release
	current *inflight

	uploaded atomic.Uint64
	failed   atomic.Uint64
	dropped  atomic.Uint64
	skipped  atomic.Uint64
}

// NewOffloader creates an idle offloader. Call Start to run the worker.
func NewOffloader(store ObjectStore, catalog Catalog, cfg OffloadConfig, log recorderlog.Logger) *Offloader {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = 5 * time.Second
	}
	if log == nil {
		log = recorderlog.L()
	}
	return &Offloader{
		store:   store,
		catalog: catalog,
		cfg:     cfg,
		logger:  log.Named("offload"),
		jobs:    make(chan offloadJob, cfg.QueueSize),
		epochs:  make(map[string]uint64),
	}
}

// Start launches the worker. Cancelling ctx aborts in-flight work.
func (o *Offloader) Start(ctx context.Context) {
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.wg.Add(1)
	go o.run()
}

// EnqueueSegment schedules a closed segment without blocking. It reports
// false when the queue is full or the offloader is closed.
func (o *Offloader) EnqueueSegment(seg pipeline.ClosedSegment) bool {
	o.mu.Lock()
	epoch := o.epochs[seg.VolumeDir]
	o.mu.Unlock()
	return o.enqueue(offloadJob{segment: &seg, epoch: epoch})
}

// EnqueueInterval schedules a motion interval for the catalog.
func (o *Offloader) EnqueueInterval(iv pipeline.Interval) bool {
	if o.catalog == nil {
		return false
	}
	return o.enqueue(offloadJob{interval: &iv})
}

func (o *Offloader) enqueue(j offloadJob) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	select {
	case o.jobs <- j:
		return true
	default:
		o.dropped.Add(1)
		o.logger.Warn("offload queue full, job dropped", recorderlog.Int("queue_size", o.cfg.QueueSize))
		return false
	}
}

// ReleaseVolume abandons queued and in-flight work on files under dir so the
// volume can be unmounted. It waits up to ReleaseTimeout for the in-flight
// job to stop.
func (o *Offloader) ReleaseVolume(dir string) {
	o.mu.Lock()
	o.epochs[dir]++
	cur := o.current
	o.mu.Unlock()

	if cur == nil || cur.dir != dir {
		return
	}
	cur.cancel()
	select {
	case <-cur.done:
	case <-time.After(o.cfg.ReleaseTimeout):
		o.logger.Warn("offload job still running on released volume", recorderlog.String("dir", dir))
	}
}

// Close stops accepting work and waits for queued jobs to finish or ctx to end.
func (o *Offloader) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	close(o.jobs)
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		if o.cancel != nil {
			o.cancel()
		}
		<-done
		err = ctx.Err()
	}
	if o.cancel != nil {
		o.cancel()
	}
	if o.catalog != nil {
		if cerr := o.catalog.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (o *Offloader) run() {
	defer o.wg.Done()
	for j := range o.jobs {
		switch {
		case j.segment != nil:
			o.processSegment(*j.segment, j.epoch)
		case j.interval != nil:
			o.processInterval(*j.interval)
		}
	}
}

func (o *Offloader) processSegment(seg pipeline.ClosedSegment, epoch uint64) {
	o.mu.Lock()
	if epoch != o.epochs[seg.VolumeDir] {
		o.mu.Unlock()
		o.skipped.Add(1)
		o.logger.Debug("skipping segment on released volume", recorderlog.String("path", seg.Path))
		return
	}
	ctx, cancel := context.WithCancel(o.ctx)
	cur := &inflight{dir: seg.VolumeDir, cancel: cancel, done: make(chan struct{})}
	o.current = cur
	o.mu.Unlock()

	defer func() {
		cancel()
		o.mu.Lock()
		o.current = nil
		o.mu.Unlock()
		close(cur.done)
	}()

	rec := SegmentRecord{
		ID:         seg.ID,
		Path:       seg.Path,
		Volume:     filepath.Base(seg.VolumeDir),
		StartedAt:  seg.StartTime,
		EndedAt:    seg.EndTime,
		FrameCount: seg.FrameCount,
		Width:      seg.Geometry.Width,
		Height:     seg.Geometry.Height,
	}
	if fi, err := os.Stat(seg.Path); err == nil {
		rec.SizeBytes = fi.Size()
	}
	if sum, err := checksumFile(seg.Path); err == nil {
		rec.Checksum = sum
	} else {
		o.logger.Warn("checksum failed", recorderlog.String("path", seg.Path), recorderlog.Error(err))
	}

	uploaded := false
	if o.store != nil {
		key := o.objectKey(seg)
		err := o.retry(ctx, func() error { return o.store.PutFile(ctx, key, seg.Path) })
		if err != nil {
			o.failed.Add(1)
			if ctx.Err() != nil {
				o.logger.Info("upload abandoned", recorderlog.String("path", seg.Path))
				return
			}
			o.logger.Warn("upload failed", recorderlog.String("path", seg.Path), recorderlog.Error(err))
		} else {
			uploaded = true
			rec.ObjectKey = key
			o.uploaded.Add(1)
			o.logger.Info("segment archived",
				recorderlog.String("key", key),
				recorderlog.Int64("size", rec.SizeBytes))
		}
	}

	if o.catalog != nil {
		if err := o.retry(ctx, func() error { return o.catalog.SaveSegment(ctx, rec) }); err != nil {
			o.logger.Warn("catalog write failed", recorderlog.String("id", rec.ID), recorderlog.Error(err))
		}
	}

	if uploaded && o.cfg.DeleteAfterUpload {
		if err := os.Remove(seg.Path); err != nil {
			o.logger.Warn("failed to remove archived file", recorderlog.String("path", seg.Path), recorderlog.Error(err))
		}
	}
}

func (o *Offloader) processInterval(iv pipeline.Interval) {
	err := o.retry(o.ctx, func() error { return o.catalog.SaveInterval(o.ctx, iv) })
	if err != nil {
		o.logger.Warn("catalog interval write failed", recorderlog.Error(err))
	}
}

func (o *Offloader) objectKey(seg pipeline.ClosedSegment) string {
	return path.Join(o.cfg.Prefix, filepath.Base(seg.VolumeDir), filepath.Base(seg.Path))
}

func (o *Offloader) retry(ctx context.Context, op func() error) error {
	ebo := backoff.NewExponentialBackOff()
	if o.cfg.RetryInterval > 0 {
		ebo.InitialInterval = o.cfg.RetryInterval
	}
	ebo.Reset()

	return backoff.Retry(func() error {
		err := op()
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		var serr *StorageError
		if errors.As(err, &serr) && !serr.Retryable {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(ebo, o.cfg.MaxRetries), ctx))
}

// Metrics returns offload statistics
func (o *Offloader) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"uploaded":   o.uploaded.Load(),
		"failed":     o.failed.Load(),
		"dropped":    o.dropped.Load(),
		"skipped":    o.skipped.Load(),
		"queue_len":  len(o.jobs),
		"queue_size": o.cfg.QueueSize,
	}
}

func checksumFile(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", p, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
