package video

import (
	"errors"
	"fmt"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/camrecorder/internal/recorder/buffer"
	"github.com/mikeyg42/camrecorder/internal/recorder/pipeline"
	"github.com/mikeyg42/camrecorder/internal/recorder/recorderlog"
)

// ErrNoDevice is returned when none of the candidate capture devices opens.
var ErrNoDevice = errors.New("no capture device available")

// Camera reads frames from a V4L device through OpenCV.
type Camera struct {
	path     string
	capture  *gocv.VideoCapture
	geometry pipeline.Geometry
	seq      uint64
	log      recorderlog.Logger
}

// OpenCamera opens the first of paths that yields a frame.
func OpenCamera(paths []string, log recorderlog.Logger) (*Camera, error) {
	if log == nil {
		log = recorderlog.L()
	}
	log = log.Named("camera")

	for _, p := range paths {
		capture, err := gocv.OpenVideoCapture(p)
		if err != nil {
			log.Warn("capture device failed to open", recorderlog.String("device", p), recorderlog.Error(err))
			continue
		}
		if !capture.IsOpened() {
			capture.Close()
			log.Warn("capture device not opened", recorderlog.String("device", p))
			continue
		}

		// probe a frame so geometry reflects what the device actually delivers
		probe := gocv.NewMat()
		if ok := capture.Read(&probe); !ok || probe.Empty() {
			probe.Close()
			capture.Close()
			log.Warn("capture device returned no frame", recorderlog.String("device", p))
			continue
		}
		g := pipeline.Geometry{Width: probe.Cols(), Height: probe.Rows()}
		probe.Close()

		log.Info("capture device opened",
			recorderlog.String("device", p),
			recorderlog.String("geometry", g.String()),
			recorderlog.Float64("fps", capture.Get(gocv.VideoCaptureFPS)))
		return &Camera{path: p, capture: capture, geometry: g, log: log}, nil
	}
	return nil, fmt.Errorf("%w: tried %v", ErrNoDevice, paths)
}

// Read grabs one frame. The returned frame owns its Mat.
func (c *Camera) Read() (buffer.Frame, error) {
	img := gocv.NewMat()
	if ok := c.capture.Read(&img); !ok || img.Empty() {
		img.Close()
		return buffer.Frame{}, fmt.Errorf("read from %s failed", c.path)
	}
	c.seq++
	return buffer.Frame{Image: &img, Sequence: c.seq}, nil
}

func (c *Camera) Geometry() pipeline.Geometry { return c.geometry }

func (c *Camera) Close() error {
	c.log.Info("capture device closed", recorderlog.String("device", c.path))
	return c.capture.Close()
}
