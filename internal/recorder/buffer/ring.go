package buffer

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikeyg42/camrecorder/internal/recorder/recorderlog"
)

// Pixels is the image payload of a frame. *gocv.Mat satisfies it.
type Pixels interface {
	Close() error
}

// Frame represents a captured video frame with metadata
type Frame struct {
	Image     Pixels
	Timestamp time.Time // capture time
	Sequence  uint64    // device sequence number
	Regions   int       // motion regions found by the classifier
}

// Release frees the pixel payload. Safe on a zero Frame.
func (f Frame) Release() {
	if f.Image != nil {
		_ = f.Image.Close()
	}
}

// Sink receives frames drained from the buffer. WriteFrame borrows the frame;
// the buffer releases it afterwards.
type Sink interface {
	WriteFrame(Frame) error
}

// ErrNoSink is reported when a drain is requested without an open sink.
var ErrNoSink = errors.New("no sink available")

const (
	defaultDrainQuota = 2
	defaultMaxRegions = 1
)

// Option configures a RingBuffer.
type Option func(*RingBuffer)

// WithDrainQuota sets how many frames a quota drain writes per call.
func WithDrainQuota(n int) Option {
	return func(rb *RingBuffer) {
		if n > 0 {
			rb.quota = n
		}
	}
}

// WithMaxRegions sets the multi-object policy: frames with more regions than
// n are suppressed instead of buffered. n <= 0 disables the policy.
func WithMaxRegions(n int) Option {
	return func(rb *RingBuffer) { rb.maxRegions = n }
}

func WithLogger(l recorderlog.Logger) Option {
	return func(rb *RingBuffer) {
		if l != nil {
			rb.log = l
		}
	}
}

// RingBuffer is the bounded lookback FIFO between the capture loop and the
// output session.
// Semantics:
//   - Push appends the newest frame; if full, the oldest is evicted and released.
//   - After a push, a pending catch-up drain writes at most quota frames.
//   - Drain writes at most quota frames and marks the remainder as owed.
//   - ForceDrain writes everything, oldest first.
type RingBuffer struct {
	mu         sync.Mutex
	frames     []Frame
	capacity   int
	head       int // index of the oldest frame
	size       int
	pending    bool
	quota      int
	maxRegions int
	log        recorderlog.Logger

	// Metrics
	totalPushes atomic.Uint64
	totalWrites atomic.Uint64
	evictions   atomic.Uint64
	suppressed  atomic.Uint64
	dropped     atomic.Uint64 // frames lost to a missing or failing sink
}

// NewRingBuffer creates a ring buffer holding at most capacity frames.
func NewRingBuffer(capacity int, opts ...Option) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	rb := &RingBuffer{
		frames:     make([]Frame, capacity),
		capacity:   capacity,
		quota:      defaultDrainQuota,
		maxRegions: defaultMaxRegions,
		log:        recorderlog.L().Named("ring"),
	}
	for _, opt := range opts {
		opt(rb)
	}
	return rb
}

// Admits reports whether Push would keep f rather than suppress it.
func (rb *RingBuffer) Admits(f Frame) bool {
	return rb.maxRegions <= 0 || f.Regions <= rb.maxRegions
}

// Push appends a frame and, when a catch-up drain is owed and sink is set,
// writes up to the quota of the oldest frames into sink. It returns sink.
func (rb *RingBuffer) Push(frame Frame, sink Sink) Sink {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if !rb.Admits(frame) {
		rb.suppressed.Add(1)
		frame.Release()
		rb.log.Debug("multi-object frame suppressed",
			recorderlog.Int("regions", frame.Regions),
			recorderlog.Uint64("sequence", frame.Sequence))
		return sink
	}

	if rb.size == rb.capacity {
		rb.popLocked().Release()
		rb.evictions.Add(1)
	}
	rb.frames[(rb.head+rb.size)%rb.capacity] = frame
	rb.size++
	rb.totalPushes.Add(1)

	if rb.pending && sink != nil {
		rb.writeLocked(sink, rb.quota)
		rb.pending = rb.size > 0
	}
	return sink
}

// Drain writes up to the quota of the oldest frames into sink. Frames left
// behind set the pending flag so later pushes keep catching up. With a nil
// sink the frames are dropped.
func (rb *RingBuffer) Drain(sink Sink) Sink {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.writeLocked(sink, rb.quota)
	rb.pending = rb.size > 0
	return sink
}

// ForceDrain writes every buffered frame into sink regardless of quota.
func (rb *RingBuffer) ForceDrain(sink Sink) Sink {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.writeLocked(sink, rb.size)
	rb.pending = false
	return sink
}

// Reset releases all buffered frames.
func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.size > 0 {
		rb.popLocked().Release()
	}
	rb.head = 0
	rb.pending = false
}

// writeLocked pops up to n frames into sink, oldest first.
func (rb *RingBuffer) writeLocked(sink Sink, n int) {
	if n > rb.size {
		n = rb.size
	}
	if n == 0 {
		return
	}
	if sink == nil {
		rb.log.Warn("output was none during drain, dropping frames", recorderlog.Int("frames", n))
	}
	for i := 0; i < n; i++ {
		f := rb.popLocked()
		if sink == nil {
			rb.dropped.Add(1)
			f.Release()
			continue
		}
		if err := sink.WriteFrame(f); err != nil {
			rb.dropped.Add(1)
			rb.log.Warn("sink write failed, frame dropped",
				recorderlog.Uint64("sequence", f.Sequence),
				recorderlog.Error(err))
		} else {
			rb.totalWrites.Add(1)
		}
		f.Release()
	}
}

func (rb *RingBuffer) popLocked() Frame {
	f := rb.frames[rb.head]
	rb.frames[rb.head] = Frame{}
	rb.head = (rb.head + 1) % rb.capacity
	rb.size--
	return f
}

// Len returns the number of buffered frames (<= capacity).
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.size
}

// Capacity returns the maximum capacity of the buffer
func (rb *RingBuffer) Capacity() int {
	return rb.capacity
}

// DrainPending reports whether the buffer owes a catch-up drain.
func (rb *RingBuffer) DrainPending() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.pending
}

// Oldest returns the timestamp of the oldest buffered frame.
func (rb *RingBuffer) Oldest() (time.Time, bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.size == 0 {
		return time.Time{}, false
	}
	return rb.frames[rb.head].Timestamp, true
}

// Metrics returns buffer statistics
func (rb *RingBuffer) Metrics() map[string]interface{} {
	rb.mu.Lock()
	size, pending := rb.size, rb.pending
	rb.mu.Unlock()

	return map[string]interface{}{
		"capacity":      rb.capacity,
		"current_size":  size,
		"drain_pending": pending,
		"total_pushes":  rb.totalPushes.Load(),
		"total_writes":  rb.totalWrites.Load(),
		"evictions":     rb.evictions.Load(),
		"suppressed":    rb.suppressed.Load(),
		"dropped":       rb.dropped.Load(),
	}
}
