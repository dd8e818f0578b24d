package recorder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mikeyg42/camrecorder/internal/config"
	"github.com/mikeyg42/camrecorder/internal/recorder/buffer"
	"github.com/mikeyg42/camrecorder/internal/recorder/pipeline"
	"github.com/mikeyg42/camrecorder/internal/recorder/recorderlog"
	"github.com/mikeyg42/camrecorder/internal/recorder/storage"
)

type testPixels struct{ closed *int }

func (p testPixels) Close() error {
	*p.closed++
	return nil
}

type fakeDevice struct {
	seq    uint64
	closes int
	failOn map[uint64]bool
	closed bool
}

func (d *fakeDevice) Read() (buffer.Frame, error) {
	d.seq++
	if d.failOn[d.seq] {
		return buffer.Frame{}, errors.New("select timeout")
	}
	return buffer.Frame{Image: testPixels{&d.closes}, Sequence: d.seq}, nil
}

func (d *fakeDevice) Geometry() pipeline.Geometry { return pipeline.Geometry{Width: 640, Height: 480} }

func (d *fakeDevice) Close() error {
	d.closed = true
	return nil
}

type fakeMounter struct {
	mounted  map[string]bool
	unmounts []string
	events   *[]string
}

func (m *fakeMounter) Mounted(v storage.Volume) bool { return m.mounted[v.MountPoint] }

func (m *fakeMounter) Unmount(v storage.Volume) error {
	m.unmounts = append(m.unmounts, v.Device)
	*m.events = append(*m.events, "unmount "+v.Device)
	m.mounted[v.MountPoint] = false
	return nil
}

type fakeWriter struct {
	path   string
	frames int
	open   bool
	events *[]string
}

func (w *fakeWriter) WriteFrame(buffer.Frame) error {
	w.frames++
	return nil
}

func (w *fakeWriter) IsOpen() bool { return w.open }

func (w *fakeWriter) Close() error {
	w.open = false
	*w.events = append(*w.events, "close "+w.path)
	return nil
}

type fakeOpener struct {
	writers []*fakeWriter
	events  *[]string
}

func (o *fakeOpener) Open(path, fourcc string, fps float64, g pipeline.Geometry) (pipeline.Writer, error) {
	w := &fakeWriter{path: path, open: true, events: o.events}
	o.writers = append(o.writers, w)
	*o.events = append(*o.events, "open "+path)
	return w, nil
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

type fakeHealth struct{ dirs []string }

func (h *fakeHealth) Snapshot(dir string) { h.dirs = append(h.dirs, dir) }

// scriptedClassifier reports motion for the frame sequences in motion.
type scriptedClassifier struct{ motion map[uint64]bool }

func (c scriptedClassifier) Classify(f buffer.Frame, threshold int) (pipeline.Observation, error) {
	if c.motion[f.Sequence] {
		return pipeline.Observation{Motion: true, Regions: 1}, nil
	}
	return pipeline.Observation{}, nil
}

type harness struct {
	svc     *RecordingService
	device  *fakeDevice
	mounter *fakeMounter
	opener  *fakeOpener
	clock   *fakeClock
	health  *fakeHealth
	events  []string
	volA    storage.Volume
	volB    storage.Volume
}

func newHarness(t *testing.T, mode string, classifier Classifier, mounted ...string) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		device: &fakeDevice{},
		clock:  &fakeClock{now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)},
		health: &fakeHealth{},
		volA:   storage.Volume{Name: "primary", Label: "USB20FD1", Device: "/dev/sdc1", MountPoint: filepath.Join(root, "USB20FD1")},
		volB:   storage.Volume{Name: "secondary", Label: "USB20FD", Device: "/dev/sdb1", MountPoint: filepath.Join(root, "USB20FD")},
	}
	for _, v := range []storage.Volume{h.volA, h.volB} {
		if err := os.Mkdir(v.MountPoint, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	h.mounter = &fakeMounter{mounted: map[string]bool{}, events: &h.events}
	for _, name := range mounted {
		switch name {
		case "A":
			h.mounter.mounted[h.volA.MountPoint] = true
		case "B":
			h.mounter.mounted[h.volB.MountPoint] = true
		}
	}
	h.opener = &fakeOpener{events: &h.events}

	log := recorderlog.NewNop()
	mgr := storage.NewManager(h.volA, h.volB, h.mounter, storage.ManagerConfig{PollInterval: time.Second}, log)
	mgr.SetSleeper(func(ctx context.Context, d time.Duration) error { return ctx.Err() })
	sessions := pipeline.NewSessionFactory(h.opener, pipeline.DefaultSessionOptions(), log)
	sessions.SetClock(h.clock.Now)

	svc, err := NewRecordingService(Options{
		Mode:         mode,
		IntervalsCSV: filepath.Join(root, "intervals.csv"),
	}, Deps{
		Device:     h.device,
		Classifier: classifier,
		Health:     h.health,
		Clock:      h.clock,
		Manager:    mgr,
		Sessions:   sessions,
		Buffer:     buffer.NewRingBuffer(10, buffer.WithLogger(log)),
		Controller: pipeline.NewController(pipeline.DefaultControllerConfig(), log),
	}, log)
	if err != nil {
		t.Fatalf("NewRecordingService() error = %v", err)
	}
	h.svc = svc
	return h
}

func (h *harness) tick(t *testing.T, advance time.Duration) {
	t.Helper()
	h.clock.now = h.clock.now.Add(advance)
	quit, err := h.svc.Tick(context.Background())
	if err != nil || quit {
		t.Fatalf("Tick() = %v, %v", quit, err)
	}
}

func indexOf(events []string, prefix string) int {
	for i, e := range events {
		if strings.HasPrefix(e, prefix) {
			return i
		}
	}
	return -1
}

func TestStartupAdoptsSingleVolume(t *testing.T) {
	h := newHarness(t, config.ModeContinuous, nil, "A")
	if err := h.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.svc.Stop(context.Background())

	if v, ok := h.svc.manager.Active(); !ok || v.Name != "primary" {
		t.Fatalf("active volume = %v, %v", v, ok)
	}
	h.tick(t, 0)

	if h.svc.manager.Handoffs() != 0 || len(h.mounter.unmounts) != 0 {
		t.Fatalf("handoffs = %d unmounts = %v", h.svc.manager.Handoffs(), h.mounter.unmounts)
	}
	s := h.svc.Session()
	if s == nil || s.Dir != h.volA.MountPoint {
		t.Fatalf("session = %+v, want one under %s", s, h.volA.MountPoint)
	}
	if got := h.opener.writers[0].frames; got != 1 {
		t.Fatalf("frames written = %d, want 1", got)
	}
}

func TestHandoffToSecondVolume(t *testing.T) {
	h := newHarness(t, config.ModeContinuous, nil, "A")
	if err := h.svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer h.svc.Stop(context.Background())

	h.tick(t, 0)
	h.tick(t, 100*time.Millisecond)
	first := h.svc.Session()

	h.mounter.mounted[h.volB.MountPoint] = true
	h.tick(t, 100*time.Millisecond)

	if n := h.svc.manager.Handoffs(); n != 1 {
		t.Fatalf("Handoffs() = %d, want 1", n)
	}
	if len(h.mounter.unmounts) != 1 || h.mounter.unmounts[0] != h.volA.Device {
		t.Fatalf("unmounts = %v", h.mounter.unmounts)
	}
	closeAt := indexOf(h.events, "close "+first.Path)
	unmountAt := indexOf(h.events, "unmount "+h.volA.Device)
	if closeAt < 0 || unmountAt < 0 || closeAt > unmountAt {
		t.Fatalf("session not released before unmount: %v", h.events)
	}
	s := h.svc.Session()
	if s == nil || filepath.Dir(s.Path) != h.volB.MountPoint {
		t.Fatalf("new session = %+v, want one under %s", s, h.volB.MountPoint)
	}
	if h.svc.Metrics().Handoffs.Load() != 1 {
		t.Fatal("handoff not counted")
	}
}

func TestMaintenanceStartsNewSession(t *testing.T) {
	h := newHarness(t, config.ModeContinuous, nil, "A")
	if err := h.svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer h.svc.Stop(context.Background())

	h.tick(t, 0)
	first := h.svc.Session()
	for i := 0; i < 5; i++ {
		h.tick(t, 100*time.Millisecond)
	}
	if h.svc.Session() != first {
		t.Fatal("session replaced before maintenance interval")
	}

	h.tick(t, 300*time.Second)
	second := h.svc.Session()
	if second == nil || second == first {
		t.Fatal("maintenance did not start a new session")
	}
	if first.Live() {
		t.Fatal("previous session still live")
	}
	if !second.StartTime.After(first.StartTime) {
		t.Fatalf("new session %s does not follow %s", second.StartTime, first.StartTime)
	}
	if second.Path == first.Path {
		t.Fatalf("new session reused path %s", first.Path)
	}
	if len(h.health.dirs) != 2 || h.health.dirs[1] != h.volA.MountPoint {
		t.Fatalf("health snapshots = %v", h.health.dirs)
	}
	if got := h.opener.writers[0].frames; got != 6 {
		t.Fatalf("first session frames = %d, want 6", got)
	}
}

func TestReadFailureSkipsTick(t *testing.T) {
	h := newHarness(t, config.ModeContinuous, nil, "A")
	h.device.failOn = map[uint64]bool{2: true}
	if err := h.svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer h.svc.Stop(context.Background())

	for i := 0; i < 3; i++ {
		h.tick(t, 100*time.Millisecond)
	}
	m := h.svc.Metrics()
	if m.ReadErrors.Load() != 1 || m.FramesWritten.Load() != 2 {
		t.Fatalf("read errors = %d written = %d", m.ReadErrors.Load(), m.FramesWritten.Load())
	}
}

func TestTickBeforeStart(t *testing.T) {
	h := newHarness(t, config.ModeContinuous, nil, "A")
	if _, err := h.svc.Tick(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Tick() error = %v, want ErrNotRunning", err)
	}
}

func TestMotionGatedSegment(t *testing.T) {
	classifier := scriptedClassifier{motion: map[uint64]bool{5: true}}
	h := newHarness(t, config.ModeMotionGated, classifier, "A")
	if err := h.svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// four still frames go to the lookback buffer only
	for i := 0; i < 4; i++ {
		h.tick(t, time.Second)
	}
	if len(h.opener.writers) != 0 {
		t.Fatal("session opened without motion")
	}
	if h.svc.buffer.Len() != 4 {
		t.Fatalf("buffered = %d, want 4", h.svc.buffer.Len())
	}

	h.tick(t, time.Second) // motion
	if len(h.opener.writers) != 1 {
		t.Fatal("motion did not open a session")
	}
	h.tick(t, time.Second)
	h.tick(t, time.Second)

	h.tick(t, 63*time.Second) // silence elapsed
	if h.svc.Session() != nil {
		t.Fatal("session still open after silence")
	}
	w := h.opener.writers[0]
	if w.open || w.frames != 7 {
		t.Fatalf("writer open=%v frames=%d, want closed with 7", w.open, w.frames)
	}
	if h.svc.buffer.Len() != 1 {
		t.Fatalf("buffered after segment = %d, want 1", h.svc.buffer.Len())
	}

	ivs := h.svc.controller.Intervals()
	if len(ivs) != 1 || !ivs[0].Start.Equal(ivs[0].End) {
		t.Fatalf("intervals = %v", ivs)
	}

	if err := h.svc.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if !h.device.closed {
		t.Fatal("device not closed")
	}
	if h.device.closes != 8 {
		t.Fatalf("frames released = %d, want 8", h.device.closes)
	}
	data, err := os.ReadFile(h.svc.opts.IntervalsCSV)
	if err != nil {
		t.Fatal(err)
	}
	if lines := strings.Split(strings.TrimSpace(string(data)), "\n"); len(lines) != 2 || lines[0] != "Start,End" {
		t.Fatalf("intervals csv = %q", data)
	}
}

func TestStopFlushesActiveSegment(t *testing.T) {
	classifier := scriptedClassifier{motion: map[uint64]bool{3: true, 4: true}}
	h := newHarness(t, config.ModeMotionGated, classifier, "A")
	if err := h.svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		h.tick(t, time.Second)
	}
	if err := h.svc.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	w := h.opener.writers[0]
	if w.open || w.frames != 4 {
		t.Fatalf("writer open=%v frames=%d, want closed with 4", w.open, w.frames)
	}
	if len(h.svc.controller.Intervals()) != 1 {
		t.Fatal("open segment not recorded at shutdown")
	}
}

func TestNewRecordingServiceValidates(t *testing.T) {
	log := recorderlog.NewNop()
	mgr := storage.NewManager(
		storage.Volume{Name: "primary", MountPoint: "/mnt/a"},
		storage.Volume{Name: "secondary", MountPoint: "/mnt/b"},
		&fakeMounter{mounted: map[string]bool{}, events: new([]string)},
		storage.ManagerConfig{}, log)
	sessions := pipeline.NewSessionFactory(&fakeOpener{events: new([]string)}, pipeline.DefaultSessionOptions(), log)

	tests := []struct {
		name    string
		opts    Options
		deps    Deps
		wantErr string
	}{
		{name: "no device", deps: Deps{}, wantErr: "capture device"},
		{name: "no storage", deps: Deps{Device: &fakeDevice{}}, wantErr: "storage manager"},
		{
			name:    "unknown mode",
			opts:    Options{Mode: "timelapse"},
			deps:    Deps{Device: &fakeDevice{}, Manager: mgr, Sessions: sessions},
			wantErr: `"timelapse"`,
		},
		{
			name:    "motion without classifier",
			opts:    Options{Mode: config.ModeMotionGated},
			deps:    Deps{Device: &fakeDevice{}, Manager: mgr, Sessions: sessions},
			wantErr: "classifier",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRecordingService(tt.opts, tt.deps, log)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %q, want it to mention %s", err, tt.wantErr)
			}
		})
	}
}

type regionClassifier struct{ regions map[uint64]int }

func (c regionClassifier) Classify(f buffer.Frame, threshold int) (pipeline.Observation, error) {
	n := c.regions[f.Sequence]
	return pipeline.Observation{Motion: n > 0, Regions: n}, nil
}

func TestSuppressedFrameSkipsCatchUpDrain(t *testing.T) {
	h := newHarness(t, config.ModeMotionGated, regionClassifier{regions: map[uint64]int{6: 1, 7: 3}}, "A")
	if err := h.svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		h.tick(t, time.Second)
	}
	if h.svc.buffer.Len() != 5 {
		t.Fatalf("buffered = %d, want 5", h.svc.buffer.Len())
	}

	h.tick(t, time.Second) // single region: push then drain two
	if len(h.opener.writers) != 1 {
		t.Fatal("motion did not open a session")
	}
	w := h.opener.writers[0]
	if w.frames != 2 || h.svc.buffer.Len() != 4 {
		t.Fatalf("after motion: written=%d buffered=%d, want 2 and 4", w.frames, h.svc.buffer.Len())
	}

	h.tick(t, time.Second) // three regions: suppressed, no drain
	if w.frames != 2 || h.svc.buffer.Len() != 4 {
		t.Fatalf("after multi-object frame: written=%d buffered=%d, want 2 and 4", w.frames, h.svc.buffer.Len())
	}
	if got := h.svc.buffer.Metrics()["suppressed"]; got != uint64(1) {
		t.Fatalf("suppressed = %v, want 1", got)
	}

	h.tick(t, time.Second) // still frame resumes the catch-up
	if w.frames != 6 || h.svc.buffer.Len() != 1 {
		t.Fatalf("after still frame: written=%d buffered=%d, want 6 and 1", w.frames, h.svc.buffer.Len())
	}
}

type statsClassifier struct{ scriptedClassifier }

func (statsClassifier) Metrics() map[string]interface{} {
	return map[string]interface{}{"frames_processed": int64(3)}
}

type staticReporter map[string]interface{}

func (s staticReporter) Metrics() map[string]interface{} { return s }

func TestReportMetricsIncludesComponentStats(t *testing.T) {
	h := newHarness(t, config.ModeContinuous, nil, "A")
	core, logs := observer.New(zap.InfoLevel)

	svc, err := NewRecordingService(Options{Mode: config.ModeMotionGated}, Deps{
		Device:     h.device,
		Classifier: statsClassifier{},
		Manager:    h.svc.manager,
		Sessions:   h.svc.sessions,
		Buffer:     buffer.NewRingBuffer(4),
		Controller: pipeline.NewController(pipeline.DefaultControllerConfig(), recorderlog.NewNop()),
		Offloader:  storage.NewOffloader(nil, nil, storage.OffloadConfig{}, recorderlog.NewNop()),
		Reporters:  map[string]StatsReporter{"archive": staticReporter{"uploads": uint64(2)}},
	}, recorderlog.FromZap(zap.New(core)))
	if err != nil {
		t.Fatal(err)
	}

	svc.reportMetrics()
	entries := logs.FilterMessage("Recording service metrics").All()
	if len(entries) != 1 {
		t.Fatalf("metrics entries = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	for _, key := range []string{"frames_captured", "motion", "offload", "archive"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("metrics log missing %q: %v", key, fields)
		}
	}
}

func TestRunClosesOffloaderWhenStartFails(t *testing.T) {
	h := newHarness(t, config.ModeContinuous, nil) // nothing mounted
	off := storage.NewOffloader(nil, nil, storage.OffloadConfig{}, recorderlog.NewNop())
	off.Start(context.Background())
	h.svc.offloader = off

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.svc.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if !h.device.closed {
		t.Fatal("device not closed")
	}
	if off.EnqueueSegment(pipeline.ClosedSegment{Path: "/mnt/a/x.avi", VolumeDir: "/mnt/a"}) {
		t.Fatal("offloader still accepting segments")
	}
}
