package pipeline

import (
	"time"

	"github.com/mikeyg42/camrecorder/internal/recorder/recorderlog"
)

// Sample is one binary motion observation. The zero value is unset.
type Sample int8

const (
	SampleUnset Sample = iota
	SampleStill
	SampleMotion
)

func (s Sample) String() string {
	switch s {
	case SampleStill:
		return "0"
	case SampleMotion:
		return "1"
	default:
		return "unset"
	}
}

// History holds the previous and the latest observation.
type History [2]Sample

// Push shifts s in as the latest observation.
func (h History) Push(s Sample) History {
	return History{h[1], s}
}

// MotionJustStarted is true for (unset,1) and (0,1).
func MotionJustStarted(h History) bool {
	return h[1] == SampleMotion && (h[0] == SampleUnset || h[0] == SampleStill)
}

// MotionJustEnded is true for (1,0).
func MotionJustEnded(h History) bool {
	return h[0] == SampleMotion && h[1] == SampleStill
}

// SegmentState is the controller state.
type SegmentState int

const (
	StateIdle SegmentState = iota
	StateActive
)

func (s SegmentState) String() string {
	if s == StateActive {
		return "active"
	}
	return "idle"
}

// Action tells the capture loop where the current frame goes.
type Action int

const (
	// ActionBuffer keeps the frame in the lookback buffer only.
	ActionBuffer Action = iota
	// ActionRecord pushes the frame and drains the buffer into the session.
	ActionRecord
)

// Observation is the classifier result for one frame.
type Observation struct {
	Motion  bool
	Regions int
}

// Interval is a completed motion segment.
type Interval struct {
	Start time.Time
	End   time.Time
}

// Decision is the controller verdict for one frame.
type Decision struct {
	Action         Action
	SegmentStarted bool
	SegmentEnded   bool
	MotionEnded    bool
	Ended          Interval // set when SegmentEnded
}

// ControllerConfig holds the segmentation timing and threshold bounds.
type ControllerConfig struct {
	Silence        time.Duration // trailing silence that ends a segment
	AdaptAfter     time.Duration // segment length after which motion raises the threshold
	Threshold      int
	ThresholdFloor int
	ThresholdMax   int
	ThresholdStep  int
}

// DefaultControllerConfig returns a 60 s silence window starting at threshold 15.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		Silence:        60 * time.Second,
		AdaptAfter:     60 * time.Second,
		Threshold:      15,
		ThresholdFloor: 15,
		ThresholdMax:   255,
		ThresholdStep:  1,
	}
}

// Controller decides when motion segments start and end.
type Controller struct {
	cfg ControllerConfig
	log recorderlog.Logger

	state        SegmentState
	history      History
	segmentStart time.Time
	lastMotion   time.Time
	threshold    int
	intervals    []Interval
}

// NewController creates an idle controller.
func NewController(cfg ControllerConfig, log recorderlog.Logger) *Controller {
	def := DefaultControllerConfig()
	if cfg.Silence <= 0 {
		cfg.Silence = def.Silence
	}
	if cfg.AdaptAfter <= 0 {
		cfg.AdaptAfter = def.AdaptAfter
	}
	if cfg.ThresholdStep <= 0 {
		cfg.ThresholdStep = def.ThresholdStep
	}
	if cfg.ThresholdMax <= 0 {
		cfg.ThresholdMax = def.ThresholdMax
	}
	if cfg.Threshold < cfg.ThresholdFloor {
		cfg.Threshold = cfg.ThresholdFloor
	}
	if log == nil {
		log = recorderlog.L()
	}
	return &Controller{
		cfg:       cfg,
		log:       log.Named("segments"),
		threshold: cfg.Threshold,
	}
}

// Observe folds one observation taken at now into the controller.
func (c *Controller) Observe(obs Observation, now time.Time) Decision {
	var d Decision

	if c.state == StateActive && now.Sub(c.lastMotion) > c.cfg.Silence {
		d.SegmentEnded = true
		d.Ended = Interval{Start: c.segmentStart, End: c.lastMotion}
		c.intervals = append(c.intervals, d.Ended)
		c.log.Info("motion segment ended",
			recorderlog.Time("start", d.Ended.Start),
			recorderlog.Time("last_motion", d.Ended.End),
			recorderlog.Int("threshold", c.threshold))

		c.state = StateIdle
		c.history = History{}
		c.segmentStart = time.Time{}
		c.lastMotion = time.Time{}
	}

	sample := SampleStill
	if obs.Motion {
		sample = SampleMotion
		if c.state == StateActive && now.Sub(c.segmentStart) > c.cfg.AdaptAfter {
			c.raise()
		}
		c.lastMotion = now
	}

	c.history = c.history.Push(sample)
	switch {
	case MotionJustStarted(c.history):
		if c.state != StateActive {
			c.state = StateActive
			c.segmentStart = now
			d.SegmentStarted = true
			c.log.Info("motion segment started",
				recorderlog.Int("regions", obs.Regions),
				recorderlog.Int("threshold", c.threshold))
		}
	case MotionJustEnded(c.history):
		d.MotionEnded = true
		c.log.Debug("motion stopped, silence countdown running",
			recorderlog.Duration("silence", c.cfg.Silence))
	}

	if c.state == StateActive {
		d.Action = ActionRecord
	}
	return d
}

// Finish closes an active segment at shutdown and records its interval.
func (c *Controller) Finish() (Interval, bool) {
	if c.state != StateActive {
		return Interval{}, false
	}
	iv := Interval{Start: c.segmentStart, End: c.lastMotion}
	c.intervals = append(c.intervals, iv)
	c.state = StateIdle
	c.history = History{}
	c.segmentStart = time.Time{}
	c.lastMotion = time.Time{}
	return iv, true
}

func (c *Controller) raise() {
	if c.threshold >= c.cfg.ThresholdMax {
		return
	}
	c.threshold += c.cfg.ThresholdStep
	if c.threshold > c.cfg.ThresholdMax {
		c.threshold = c.cfg.ThresholdMax
	}
	c.log.Info("increased threshold", recorderlog.Int("threshold", c.threshold))
}

// Relax lowers the threshold one step toward the floor while idle. It
// returns the resulting threshold.
func (c *Controller) Relax() int {
	if c.state != StateIdle || c.threshold <= c.cfg.ThresholdFloor {
		return c.threshold
	}
	c.threshold -= c.cfg.ThresholdStep
	if c.threshold < c.cfg.ThresholdFloor {
		c.threshold = c.cfg.ThresholdFloor
	}
	c.log.Debug("relaxed threshold", recorderlog.Int("threshold", c.threshold))
	return c.threshold
}

func (c *Controller) State() SegmentState { return c.state }
func (c *Controller) Threshold() int      { return c.threshold }
func (c *Controller) History() History    { return c.history }
func (c *Controller) LastMotion() time.Time {
	return c.lastMotion
}

// Intervals returns a copy of the completed motion intervals.
func (c *Controller) Intervals() []Interval {
	out := make([]Interval, len(c.intervals))
	copy(out, c.intervals)
	return out
}
