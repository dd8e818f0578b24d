package video

import (
	"image"
	"image/color"
	"time"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/camrecorder/internal/recorder"
	"github.com/mikeyg42/camrecorder/internal/recorder/buffer"
	"github.com/mikeyg42/camrecorder/internal/recorder/pipeline"
)

var stampColor = color.RGBA{R: 255, A: 255}

// Stamper writes the capture time in the top-left corner.
type Stamper struct {
	TZLabel string
}

func (s Stamper) Stamp(f *buffer.Frame, t time.Time) {
	mat, ok := f.Image.(*gocv.Mat)
	if !ok || mat == nil {
		return
	}
	gocv.PutTextWithParams(mat, pipeline.Stamp(t, s.TZLabel), image.Point{X: 20, Y: 40},
		gocv.FontHersheyPlain, 2, stampColor, 2, gocv.LineAA, false)
}

// Window shows frames in a desktop window and reads keys from it.
type Window struct {
	win *gocv.Window
}

func NewWindow(name string) *Window {
	return &Window{win: gocv.NewWindow(name)}
}

func (w *Window) Show(f buffer.Frame) {
	if mat, ok := f.Image.(*gocv.Mat); ok && mat != nil {
		w.win.IMShow(*mat)
	}
}

func (w *Window) PollKeys() recorder.Keys {
	var keys recorder.Keys
	switch w.win.WaitKey(1) {
	case 'q':
		keys.Quit = true
	case ' ':
		keys.FullSpeed = true
	}
	return keys
}

func (w *Window) Close() error { return w.win.Close() }

// Headless discards frames and never reports keys.
type Headless struct{}

func (Headless) Show(buffer.Frame) {}
func (Headless) PollKeys() recorder.Keys { return recorder.Keys{} }
func (Headless) Close() error { return nil }
