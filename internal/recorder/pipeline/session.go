package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/mikeyg42/camrecorder/internal/recorder/buffer"
	"github.com/mikeyg42/camrecorder/internal/recorder/recorderlog"
)

// Geometry is the frame size a writer is opened with.
type Geometry struct {
	Width  int
	Height int
}

func (g Geometry) String() string { return fmt.Sprintf("%dx%d", g.Width, g.Height) }

// Writer is an open video file.
type Writer interface {
	WriteFrame(buffer.Frame) error
	Close() error
	IsOpen() bool
}

// WriterOpener creates video file writers.
type WriterOpener interface {
	Open(path, fourcc string, fps float64, g Geometry) (Writer, error)
}

// ClosedSegment describes an output file after its writer was released.
type ClosedSegment struct {
	ID         string
	Path       string
	VolumeDir  string
	StartTime  time.Time
	EndTime    time.Time
	FrameCount int64
	Geometry   Geometry
}

// Duration returns the wall-clock span the file covers.
func (c ClosedSegment) Duration() time.Duration { return c.EndTime.Sub(c.StartTime) }

// SessionOptions fixes the writer parameters of every session.
type SessionOptions struct {
	FPS       float64
	FourCC    string
	Extension string
	TZLabel   string
}

// DefaultSessionOptions returns 10 fps mp4v files labelled PST.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{FPS: 10, FourCC: "mp4v", Extension: "mp4", TZLabel: "PST"}
}

// Session owns the currently open output file. At most one is live at a
// time; the capture loop holds the only reference.
type Session struct {
	ID        string
	Path      string
	Dir       string
	StartTime time.Time
	Geometry  Geometry

	frames   int64
	writer   Writer
	released bool
	now      func() time.Time
	onClosed []func(ClosedSegment)
	log      recorderlog.Logger
}

// WriteFrame writes one frame. It implements buffer.Sink.
func (s *Session) WriteFrame(f buffer.Frame) error {
	if s == nil || s.released || s.writer == nil {
		return buffer.ErrNoSink
	}
	if err := s.writer.WriteFrame(f); err != nil {
		return fmt.Errorf("write frame to %s: %w", s.Path, err)
	}
	s.frames++
	return nil
}

// Live reports whether the session can still accept frames.
func (s *Session) Live() bool {
	return s != nil && !s.released
}

// FrameCount returns the number of frames written so far.
func (s *Session) FrameCount() int64 {
	if s == nil {
		return 0
	}
	return s.frames
}

// Release flushes and closes the writer. The caller must drop its reference
// afterwards. Releasing a nil or already released session is a no-op.
func (s *Session) Release() error {
	if s == nil || s.released {
		return nil
	}
	s.released = true

	err := s.writer.Close()
	if s.writer.IsOpen() {
		s.log.Warn("output still open", recorderlog.String("path", s.Path))
	}

	seg := ClosedSegment{
		ID:         s.ID,
		Path:       s.Path,
		VolumeDir:  s.Dir,
		StartTime:  s.StartTime,
		EndTime:    s.now(),
		FrameCount: s.frames,
		Geometry:   s.Geometry,
	}
	s.log.Info("stopped recording",
		recorderlog.String("path", s.Path),
		recorderlog.Int64("frames", s.frames),
		recorderlog.Duration("duration", seg.Duration()))

	for _, h := range s.onClosed {
		h(seg)
	}

	if err != nil {
		return fmt.Errorf("close %s: %w", s.Path, err)
	}
	return nil
}

// SessionFactory opens sessions against the active volume.
type SessionFactory struct {
	opener   WriterOpener
	opts     SessionOptions
	now      func() time.Time
	onClosed []func(ClosedSegment)
	log      recorderlog.Logger
}

// NewSessionFactory creates a factory. Zero fields of opts take the defaults.
func NewSessionFactory(opener WriterOpener, opts SessionOptions, log recorderlog.Logger) *SessionFactory {
	def := DefaultSessionOptions()
	if opts.FPS <= 0 {
		opts.FPS = def.FPS
	}
	if opts.FourCC == "" {
		opts.FourCC = def.FourCC
	}
	if opts.Extension == "" {
		opts.Extension = def.Extension
	}
	if opts.TZLabel == "" {
		opts.TZLabel = def.TZLabel
	}
	if log == nil {
		log = recorderlog.L()
	}
	return &SessionFactory{
		opener: opener,
		opts:   opts,
		now:    time.Now,
		log:    log.Named("session"),
	}
}

// SetClock replaces the clock used to stamp segment end times.
func (f *SessionFactory) SetClock(now func() time.Time) {
	if now != nil {
		f.now = now
	}
}

// OnClosed registers a hook run after every session release.
func (f *SessionFactory) OnClosed(h func(ClosedSegment)) {
	f.onClosed = append(f.onClosed, h)
}

// EnsureOpen returns cur when it is live on dir, otherwise opens a new
// session under dir named after now.
func (f *SessionFactory) EnsureOpen(cur *Session, dir string, g Geometry, now time.Time) (*Session, error) {
	if cur.Live() {
		if cur.Dir == dir {
			return cur, nil
		}
		f.log.Warn("session on inactive volume, releasing",
			recorderlog.String("path", cur.Path),
			recorderlog.String("active_dir", dir))
		if err := cur.Release(); err != nil {
			f.log.Warn("release failed", recorderlog.Error(err))
		}
	}
	if dir == "" {
		return nil, errors.New("no active volume")
	}
	if g.Width <= 0 || g.Height <= 0 {
		return nil, fmt.Errorf("invalid frame geometry %s", g)
	}

	path := uniquePath(dir, FileName(now, f.opts.TZLabel, f.opts.Extension))
	w, err := f.opener.Open(path, f.opts.FourCC, f.opts.FPS, g)
	if err != nil {
		return nil, fmt.Errorf("open writer %s: %w", path, err)
	}

	f.log.Info("started recording",
		recorderlog.String("path", path),
		recorderlog.String("geometry", g.String()),
		recorderlog.Float64("fps", f.opts.FPS))

	return &Session{
		ID:        uuid.NewString(),
		Path:      path,
		Dir:       dir,
		StartTime: now,
		Geometry:  g,
		writer:    w,
		now:       f.now,
		onClosed:  f.onClosed,
		log:       f.log,
	}, nil
}

// Stamp formats t as "MM-DD-YYYY HHMMSS AM|PM TZ" on a 12-hour clock.
func Stamp(t time.Time, tzLabel string) string {
	return t.Format("01-02-2006 030405 PM") + " " + tzLabel
}

// FileName is Stamp with the extension appended.
func FileName(t time.Time, tzLabel, ext string) string {
	return Stamp(t, tzLabel) + "." + ext
}

// uniquePath appends " (n)" before the extension while name exists in dir.
func uniquePath(dir, name string) string {
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err != nil {
		return path
	}
	ext := filepath.Ext(name)
	base := name[:len(name)-len(ext)]
	for n := 1; ; n++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, n, ext))
		if _, err := os.Stat(candidate); err != nil {
			return candidate
		}
	}
}
