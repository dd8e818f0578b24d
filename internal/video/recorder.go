package video

import (
	"fmt"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/camrecorder/internal/recorder/buffer"
	"github.com/mikeyg42/camrecorder/internal/recorder/pipeline"
)

// GocvOpener creates OpenCV video file writers.
type GocvOpener struct{}

func (GocvOpener) Open(path, fourcc string, fps float64, g pipeline.Geometry) (pipeline.Writer, error) {
	vw, err := gocv.VideoWriterFile(path, fourcc, fps, g.Width, g.Height, true)
	if err != nil {
		return nil, fmt.Errorf("failed to create video writer: %w", err)
	}
	if !vw.IsOpened() {
		vw.Close()
		return nil, fmt.Errorf("video writer for %s did not open", path)
	}
	return &fileWriter{vw: vw, open: true}, nil
}

type fileWriter struct {
	vw   *gocv.VideoWriter
	open bool
}

func (w *fileWriter) WriteFrame(f buffer.Frame) error {
	mat, ok := f.Image.(*gocv.Mat)
	if !ok || mat == nil {
		return fmt.Errorf("frame %d carries no image", f.Sequence)
	}
	return w.vw.Write(*mat)
}

func (w *fileWriter) Close() error {
	if !w.open {
		return nil
	}
	w.open = false
	return w.vw.Close()
}

func (w *fileWriter) IsOpen() bool { return w.open && w.vw.IsOpened() }
