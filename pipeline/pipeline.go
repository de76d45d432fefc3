package pipeline

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Tutortoise/face-alignment-gate/checklist"
	"github.com/Tutortoise/face-alignment-gate/headpose"
	"github.com/Tutortoise/face-alignment-gate/landmarks"
	"github.com/Tutortoise/face-alignment-gate/models"
	"github.com/Tutortoise/face-alignment-gate/scheduler"
)

const DefaultRectDebounce = 500 * time.Millisecond

var (
	ErrClosed  = errors.New("pipeline closed")
	ErrRunning = errors.New("pipeline already running")
)

type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Snapshot is one consistent view of a session's results. Snapshots are
// immutable once published.
type Snapshot struct {
	Sequence  uint64          `json:"sequence"`
	Landmarks landmarks.Set   `json:"landmarks"`
	Pose      *headpose.Pose  `json:"pose,omitempty"`
	Checklist checklist.State `json:"checklist"`
	Passed    bool            `json:"passed"`
	Rect      checklist.Rect  `json:"rect"`
	FrameSize Size            `json:"frameSize"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Pipeline runs smoothing, pose estimation and the checklist for a single
// session. It is the scheduler's sink.
type Pipeline struct {
	id        string
	smoother  *landmarks.Smoother
	estimator *headpose.Estimator
	evaluator *checklist.Evaluator
	log       logrus.FieldLogger
	debounce  time.Duration

	consumeMu sync.Mutex
	seq       uint64
	snapshot  atomic.Pointer[Snapshot]

	rectMu      sync.Mutex
	rect        checklist.Rect
	pendingRect *checklist.Rect
	rectTimer   *time.Timer
	rectGen     uint64

	subMu   sync.Mutex
	subs    map[int]chan Snapshot
	nextSub int

	schedMu sync.Mutex
	sched   *scheduler.Scheduler

	closed atomic.Bool
}

type config struct {
	solver        headpose.GeometrySolver
	smootherOpts  []landmarks.SmootherOption
	evaluatorOpts []checklist.Option
	log           logrus.FieldLogger
	debounce      time.Duration
	rect          checklist.Rect
}

type Option func(*config)

func WithSolver(solver headpose.GeometrySolver) Option {
	return func(c *config) {
		if solver != nil {
			c.solver = solver
		}
	}
}

func WithSmootherOptions(opts ...landmarks.SmootherOption) Option {
	return func(c *config) { c.smootherOpts = append(c.smootherOpts, opts...) }
}

func WithEvaluatorOptions(opts ...checklist.Option) Option {
	return func(c *config) { c.evaluatorOpts = append(c.evaluatorOpts, opts...) }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(c *config) {
		if log != nil {
			c.log = log
		}
	}
}

func WithRectDebounce(d time.Duration) Option {
	return func(c *config) {
		if d >= 0 {
			c.debounce = d
		}
	}
}

// WithRect sets the initial target rect without debouncing.
func WithRect(rect checklist.Rect) Option {
	return func(c *config) { c.rect = rect }
}

func New(id string, opts ...Option) *Pipeline {
	cfg := config{
		log:      logrus.StandardLogger(),
		debounce: DefaultRectDebounce,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.solver == nil {
		cfg.solver = headpose.NewSolver()
	}

	p := &Pipeline{
		id:        id,
		smoother:  landmarks.NewSmoother(cfg.smootherOpts...),
		estimator: headpose.NewEstimator(cfg.solver),
		evaluator: checklist.NewEvaluator(cfg.evaluatorOpts...),
		log:       cfg.log.WithField("session", id),
		debounce:  cfg.debounce,
		rect:      cfg.rect,
		subs:      make(map[int]chan Snapshot),
	}
	p.snapshot.Store(&Snapshot{Rect: cfg.rect})
	return p
}

func (p *Pipeline) ID() string { return p.id }

// Run starts a scheduler feeding this pipeline from src through detector.
func (p *Pipeline) Run(ctx context.Context, detector scheduler.Detector, src scheduler.Source, opts ...scheduler.Option) error {
	if p.closed.Load() {
		return ErrClosed
	}

	p.schedMu.Lock()
	defer p.schedMu.Unlock()
	if p.sched != nil {
		return ErrRunning
	}

	opts = append([]scheduler.Option{scheduler.WithLogger(p.log)}, opts...)
	sched := scheduler.New(detector, src, p, opts...)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	p.sched = sched
	return nil
}

// SchedulerStats reports the attached scheduler's counters, if running.
func (p *Pipeline) SchedulerStats() (scheduler.Stats, bool) {
	p.schedMu.Lock()
	defer p.schedMu.Unlock()
	if p.sched == nil {
		return scheduler.Stats{}, false
	}
	return p.sched.Stats(), true
}

// Consume feeds one detection outcome through the stages and publishes the
// resulting snapshot.
func (p *Pipeline) Consume(ctx context.Context, frame image.Image, obs models.Observation[landmarks.Set]) {
	if p.closed.Load() {
		return
	}

	p.consumeMu.Lock()
	defer p.consumeMu.Unlock()
	if p.closed.Load() {
		return
	}

	var size image.Point
	if frame != nil {
		size = frame.Bounds().Size()
	}

	raw, ok := obs.Get()
	if !ok {
		// no face in the frame: filters keep their state for the next detection
		p.publishEmpty(size)
		return
	}

	start := time.Now()
	timings := &models.ProcessingTimings{RequestID: p.id}

	smoothStart := time.Now()
	smoothed := p.smoother.Update(raw)
	timings.Smoothing = time.Since(smoothStart)

	poseStart := time.Now()
	pose, err := p.estimator.Estimate(ctx, smoothed, size)
	timings.Pose = time.Since(poseStart)
	if err != nil {
		entry := p.log.WithError(err)
		if errors.Is(err, headpose.ErrNotReady) || errors.Is(err, headpose.ErrNoConvergence) {
			entry.Debug("no pose this tick")
		} else {
			entry.Warn("pose estimation failed")
		}
	}

	angles := models.NotDetected[headpose.EulerAngles]()
	var posePtr *headpose.Pose
	if v, ok := pose.Get(); ok {
		angles = models.Detected(v.Angles)
		posePtr = &v
	}

	rect := p.Rect()
	checkStart := time.Now()
	state := p.evaluator.Evaluate(smoothed, angles, rect, frame)
	timings.Checklist = time.Since(checkStart)

	p.seq++
	snap := &Snapshot{
		Sequence:  p.seq,
		Landmarks: smoothed,
		Pose:      posePtr,
		Checklist: state,
		Passed:    state.Passed(),
		Rect:      rect,
		FrameSize: Size{Width: size.X, Height: size.Y},
		UpdatedAt: time.Now(),
	}
	p.publish(snap)

	timings.Total = time.Since(start)
	logTimings(p.log, timings)
}

// publishEmpty reports a frame without a face: no landmarks, no pose and a
// failed checklist.
func (p *Pipeline) publishEmpty(size image.Point) {
	p.seq++
	p.publish(&Snapshot{
		Sequence:  p.seq,
		Rect:      p.Rect(),
		FrameSize: Size{Width: size.X, Height: size.Y},
		UpdatedAt: time.Now(),
	})
}

func logTimings(log logrus.FieldLogger, t *models.ProcessingTimings) {
	log.WithFields(logrus.Fields{
		"smoothing": t.Smoothing,
		"pose":      t.Pose,
		"checklist": t.Checklist,
		"total":     t.Total,
	}).Debug("processing times")
}

func (p *Pipeline) publish(snap *Snapshot) {
	p.snapshot.Store(snap)

	p.subMu.Lock()
	defer p.subMu.Unlock()
	for _, ch := range p.subs {
		offer(ch, *snap)
	}
}

// offer delivers s, dropping the oldest queued snapshot if ch is full.
func offer(ch chan Snapshot, s Snapshot) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Snapshot returns the latest published result.
func (p *Pipeline) Snapshot() Snapshot {
	return *p.snapshot.Load()
}

// Subscribe returns a channel of published snapshots and a function that
// unsubscribes. Slow readers only ever see the newest snapshot.
func (p *Pipeline) Subscribe() (<-chan Snapshot, func()) {
	p.subMu.Lock()
	defer p.subMu.Unlock()

	ch := make(chan Snapshot, 1)
	if p.closed.Load() {
		close(ch)
		return ch, func() {}
	}

	id := p.nextSub
	p.nextSub++
	p.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.subMu.Lock()
			defer p.subMu.Unlock()
			if _, ok := p.subs[id]; ok {
				delete(p.subs, id)
				close(ch)
			}
		})
	}
}

// SetRect updates the target region. Rapid successive calls collapse into
// the last one, applied after the debounce interval.
func (p *Pipeline) SetRect(rect checklist.Rect) {
	p.rectMu.Lock()
	defer p.rectMu.Unlock()

	if p.closed.Load() {
		return
	}
	if p.debounce == 0 {
		p.rect = rect
		p.pendingRect = nil
		return
	}

	p.pendingRect = &rect
	if p.rectTimer != nil {
		p.rectTimer.Stop()
	}
	p.rectGen++
	gen := p.rectGen
	p.rectTimer = time.AfterFunc(p.debounce, func() { p.flushRect(gen) })
}

// flushRect is the debounce timer callback. A timer that already fired
// while a newer SetRect replaced it must not apply the newer rect early.
func (p *Pipeline) flushRect(gen uint64) {
	p.rectMu.Lock()
	defer p.rectMu.Unlock()

	if gen != p.rectGen {
		return
	}
	p.applyPendingRect()
}

// FlushRect applies a pending SetRect immediately.
func (p *Pipeline) FlushRect() {
	p.rectMu.Lock()
	defer p.rectMu.Unlock()

	p.rectGen++
	p.applyPendingRect()
}

func (p *Pipeline) applyPendingRect() {
	if p.rectTimer != nil {
		p.rectTimer.Stop()
		p.rectTimer = nil
	}
	if p.pendingRect != nil {
		p.rect = *p.pendingRect
		p.pendingRect = nil
		p.log.WithField("rect", p.rect).Debug("target rect updated")
	}
}

func (p *Pipeline) Rect() checklist.Rect {
	p.rectMu.Lock()
	defer p.rectMu.Unlock()
	return p.rect
}

// Close stops detection, discards all filter state and ends every
// subscription. It is safe to call more than once.
func (p *Pipeline) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}

	p.schedMu.Lock()
	sched := p.sched
	p.sched = nil
	p.schedMu.Unlock()
	if sched != nil {
		sched.Stop()
	}

	p.rectMu.Lock()
	if p.rectTimer != nil {
		p.rectTimer.Stop()
		p.rectTimer = nil
	}
	p.pendingRect = nil
	p.rectMu.Unlock()

	p.consumeMu.Lock()
	p.smoother.Reset()
	p.snapshot.Store(&Snapshot{})
	p.consumeMu.Unlock()

	p.subMu.Lock()
	for id, ch := range p.subs {
		delete(p.subs, id)
		close(ch)
	}
	p.subMu.Unlock()
}
