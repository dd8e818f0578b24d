package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mikeyg42/camrecorder/internal/recorder/buffer"
	"github.com/mikeyg42/camrecorder/internal/recorder/recorderlog"
)

type fakeWriter struct {
	path     string
	frames   int
	closed   bool
	stuck    bool // IsOpen stays true after Close
	closeErr error
}

func (w *fakeWriter) WriteFrame(buffer.Frame) error {
	if w.closed {
		return errors.New("closed")
	}
	w.frames++
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return w.closeErr
}

func (w *fakeWriter) IsOpen() bool { return !w.closed || w.stuck }

type fakeOpener struct {
	writers []*fakeWriter
	stuck   bool
	err     error
}

func (o *fakeOpener) Open(path, fourcc string, fps float64, g Geometry) (Writer, error) {
	if o.err != nil {
		return nil, o.err
	}
	w := &fakeWriter{path: path, stuck: o.stuck}
	o.writers = append(o.writers, w)
	return w, nil
}

func TestFileName(t *testing.T) {
	tests := []struct {
		name string
		t    time.Time
		want string
	}{
		{"morning", time.Date(2024, 3, 7, 9, 5, 2, 0, time.UTC), "03-07-2024 090502 AM PST.mp4"},
		{"afternoon", time.Date(2024, 11, 21, 15, 30, 0, 0, time.UTC), "11-21-2024 033000 PM PST.mp4"},
		{"midnight", time.Date(2024, 1, 1, 0, 0, 9, 0, time.UTC), "01-01-2024 120009 AM PST.mp4"},
		{"noon", time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), "01-01-2024 120000 PM PST.mp4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FileName(tt.t, "PST", "mp4"); got != tt.want {
				t.Fatalf("FileName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEnsureOpenReusesLiveSession(t *testing.T) {
	opener := &fakeOpener{}
	f := NewSessionFactory(opener, SessionOptions{}, recorderlog.NewNop())
	dir := t.TempDir()
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	s1, err := f.EnsureOpen(nil, dir, Geometry{640, 480}, now)
	if err != nil {
		t.Fatalf("EnsureOpen() error = %v", err)
	}
	s2, err := f.EnsureOpen(s1, dir, Geometry{640, 480}, now.Add(time.Second))
	if err != nil {
		t.Fatalf("EnsureOpen() error = %v", err)
	}
	if s1 != s2 || len(opener.writers) != 1 {
		t.Fatalf("live session was replaced (%d writers opened)", len(opener.writers))
	}
	if want := filepath.Join(dir, "05-01-2024 080000 AM PST.mp4"); s1.Path != want {
		t.Fatalf("Path = %q, want %q", s1.Path, want)
	}
	if s1.ID == "" {
		t.Fatal("session has no ID")
	}
}

func TestEnsureOpenAfterRelease(t *testing.T) {
	opener := &fakeOpener{}
	f := NewSessionFactory(opener, SessionOptions{}, recorderlog.NewNop())
	dir := t.TempDir()
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	s1, _ := f.EnsureOpen(nil, dir, Geometry{640, 480}, now)
	if err := s1.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	s2, err := f.EnsureOpen(s1, dir, Geometry{640, 480}, now.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("EnsureOpen() error = %v", err)
	}
	if s2 == s1 || len(opener.writers) != 2 {
		t.Fatal("released session was reused")
	}
	if !opener.writers[0].closed {
		t.Fatal("first writer not closed")
	}
}

func TestEnsureOpenMovesToNewVolume(t *testing.T) {
	opener := &fakeOpener{}
	f := NewSessionFactory(opener, SessionOptions{}, recorderlog.NewNop())
	a, b := t.TempDir(), t.TempDir()
	now := time.Now()

	s1, _ := f.EnsureOpen(nil, a, Geometry{320, 240}, now)
	s2, err := f.EnsureOpen(s1, b, Geometry{320, 240}, now)
	if err != nil {
		t.Fatalf("EnsureOpen() error = %v", err)
	}
	if s1.Live() {
		t.Fatal("session on old volume still live")
	}
	if !strings.HasPrefix(s2.Path, b) {
		t.Fatalf("new session %q not under %q", s2.Path, b)
	}
}

func TestEnsureOpenErrors(t *testing.T) {
	f := NewSessionFactory(&fakeOpener{}, SessionOptions{}, recorderlog.NewNop())
	if _, err := f.EnsureOpen(nil, "", Geometry{640, 480}, time.Now()); err == nil {
		t.Fatal("expected error without a volume")
	}
	if _, err := f.EnsureOpen(nil, t.TempDir(), Geometry{}, time.Now()); err == nil {
		t.Fatal("expected error for empty geometry")
	}

	boom := errors.New("codec missing")
	f = NewSessionFactory(&fakeOpener{err: boom}, SessionOptions{}, recorderlog.NewNop())
	if _, err := f.EnsureOpen(nil, t.TempDir(), Geometry{640, 480}, time.Now()); !errors.Is(err, boom) {
		t.Fatalf("EnsureOpen() error = %v, want %v", err, boom)
	}
}

func TestSameSecondCollisionGetsSuffix(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 5, 1, 20, 15, 0, 0, time.UTC)
	name := FileName(now, "PST", "mp4")
	if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	f := NewSessionFactory(&fakeOpener{}, SessionOptions{}, recorderlog.NewNop())
	s, err := f.EnsureOpen(nil, dir, Geometry{640, 480}, now)
	if err != nil {
		t.Fatalf("EnsureOpen() error = %v", err)
	}
	if want := filepath.Join(dir, "05-01-2024 081500 PM PST (1).mp4"); s.Path != want {
		t.Fatalf("Path = %q, want %q", s.Path, want)
	}
}

func TestReleaseReportsStillOpenWriter(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	f := NewSessionFactory(&fakeOpener{stuck: true}, SessionOptions{}, recorderlog.FromZap(zap.New(core)))

	var closed []ClosedSegment
	f.OnClosed(func(c ClosedSegment) { closed = append(closed, c) })

	s, _ := f.EnsureOpen(nil, t.TempDir(), Geometry{640, 480}, time.Now())
	_ = s.WriteFrame(buffer.Frame{})
	if err := s.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if logs.FilterMessage("output still open").Len() != 1 {
		t.Fatalf("expected one 'output still open' warning, got %v", logs.All())
	}
	if len(closed) != 1 || closed[0].FrameCount != 1 || closed[0].Path != s.Path {
		t.Fatalf("closed hooks = %+v", closed)
	}

	// second release is a no-op
	if err := s.Release(); err != nil || len(closed) != 1 {
		t.Fatalf("second Release() ran again: err=%v hooks=%d", err, len(closed))
	}
	if err := s.WriteFrame(buffer.Frame{}); !errors.Is(err, buffer.ErrNoSink) {
		t.Fatalf("WriteFrame after release = %v, want ErrNoSink", err)
	}
}

func TestNilSessionIsSafe(t *testing.T) {
	var s *Session
	if err := s.Release(); err != nil {
		t.Fatalf("nil Release() = %v", err)
	}
	if err := s.WriteFrame(buffer.Frame{}); !errors.Is(err, buffer.ErrNoSink) {
		t.Fatalf("nil WriteFrame() = %v", err)
	}
	if s.Live() || s.FrameCount() != 0 {
		t.Fatal("nil session reported live")
	}
}
