package motion

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/camrecorder/internal/config"
	"github.com/mikeyg42/camrecorder/internal/recorder/buffer"
	"github.com/mikeyg42/camrecorder/internal/recorder/pipeline"
	"github.com/mikeyg42/camrecorder/internal/recorder/recorderlog"
)

// ErrNotMat is returned for frames that do not carry a *gocv.Mat.
var ErrNotMat = errors.New("frame image is not a gocv.Mat")

var boxColor = color.RGBA{G: 255, A: 255}

// Detector finds motion by differencing each frame against a motionless
// reference frame.
type Detector struct {
	minArea    float64
	blur       int
	iterations int
	log        recorderlog.Logger

	mu        sync.Mutex
	reference gocv.Mat
	hasRef    bool
	stats     stats
}

type stats struct {
	FramesProcessed int64
	MotionFrames    int64
	MaxMotionArea   float64
	LastMotionTime  time.Time
	ProcessingTime  time.Duration
}

func NewDetector(cfg config.MotionConfig, log recorderlog.Logger) (*Detector, error) {
	if cfg.BlurKernel <= 0 || cfg.BlurKernel%2 == 0 {
		return nil, fmt.Errorf("blur kernel must be odd and positive, got %d", cfg.BlurKernel)
	}
	if cfg.DilateIterations < 0 {
		return nil, fmt.Errorf("dilate iterations must not be negative")
	}
	if log == nil {
		log = recorderlog.L()
	}
	return &Detector{
		minArea:    cfg.MinArea,
		blur:       cfg.BlurKernel,
		iterations: cfg.DilateIterations,
		log:        log.Named("motion"),
	}, nil
}

// Metrics returns detection statistics.
func (d *Detector) Metrics() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]interface{}{
		"frames_processed": d.stats.FramesProcessed,
		"motion_frames":    d.stats.MotionFrames,
		"max_motion_area":  d.stats.MaxMotionArea,
		"last_motion":      d.stats.LastMotionTime,
		"processing_time":  d.stats.ProcessingTime,
	}
}

// Classify reports whether f differs from the reference by at least one
// region of MinArea pixels, drawing a box around each such region onto f.
// The first frame classified becomes the reference and shows no motion.
func (d *Detector) Classify(f buffer.Frame, threshold int) (pipeline.Observation, error) {
	mat, ok := f.Image.(*gocv.Mat)
	if !ok || mat == nil {
		return pipeline.Observation{}, ErrNotMat
	}
	if mat.Empty() {
		return pipeline.Observation{}, errors.New("empty frame")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	defer func() { d.stats.ProcessingTime = time.Since(start) }()

	gray := d.prepare(*mat)
	if !d.hasRef {
		d.reference = gray
		d.hasRef = true
		d.log.Debug("reference frame captured", recorderlog.Uint64("sequence", f.Sequence))
		return pipeline.Observation{}, nil
	}
	defer gray.Close()

	diff := Difference(gray, d.reference)
	defer diff.Close()

	thresh := gocv.NewMat()
	defer thresh.Close()
	gocv.Threshold(diff, &thresh, float32(threshold), 255, gocv.ThresholdBinary)

	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Point{X: 3, Y: 3})
	defer kernel.Close()
	for i := 0; i < d.iterations; i++ {
		gocv.Dilate(thresh, &thresh, kernel)
	}

	contours := gocv.FindContours(thresh, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	regions := 0
	var maxArea float64
	for i := 0; i < contours.Size(); i++ {
		c := contours.At(i)
		area := gocv.ContourArea(c)
		if area < d.minArea {
			continue
		}
		regions++
		if area > maxArea {
			maxArea = area
		}
		gocv.Rectangle(mat, gocv.BoundingRect(c), boxColor, 3)
	}

	d.stats.FramesProcessed++
	if regions > 0 {
		d.stats.MotionFrames++
		d.stats.LastMotionTime = time.Now()
		if maxArea > d.stats.MaxMotionArea {
			d.stats.MaxMotionArea = maxArea
		}
	}
	return pipeline.Observation{Motion: regions > 0, Regions: regions}, nil
}

// prepare converts to grayscale and blurs; the caller owns the result.
func (d *Detector) prepare(frame gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	if frame.Channels() > 1 {
		gocv.CvtColor(frame, &gray, gocv.ColorBGRToGray)
	} else {
		frame.CopyTo(&gray)
	}
	gocv.GaussianBlur(gray, &gray, image.Point{X: d.blur, Y: d.blur}, 0, 0, gocv.BorderDefault)
	return gray
}

// Difference returns the absolute per-pixel difference of two grayscale
// frames. The caller owns the result.
func Difference(current, reference gocv.Mat) gocv.Mat {
	diff := gocv.NewMat()
	gocv.AbsDiff(reference, current, &diff)
	return diff
}

// Reset drops the reference so the next frame replaces it.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.hasRef {
		d.reference.Close()
		d.hasRef = false
	}
}

// Close releases resources
func (d *Detector) Close() error {
	d.Reset()
	return nil
}
