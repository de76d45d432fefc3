package scheduler

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Tutortoise/face-alignment-gate/landmarks"
	"github.com/Tutortoise/face-alignment-gate/models"
)

const (
	// DefaultEvery is the throttle: one detection per this many ticks.
	DefaultEvery = 5
	// DefaultRefreshRate approximates a display refresh of 60 Hz.
	DefaultRefreshRate = 60
)

var ErrAlreadyStarted = errors.New("scheduler already started")

// Detector finds the facial landmarks in a frame.
type Detector interface {
	Ready() <-chan struct{}
	Detect(ctx context.Context, frame image.Image) (models.Observation[landmarks.Set], error)
}

// Source exposes the newest frame of a video stream.
type Source interface {
	Active() bool
	Frame() (image.Image, bool)
}

// Sink receives every detection outcome together with the frame it was
// computed from.
type Sink interface {
	Consume(ctx context.Context, frame image.Image, obs models.Observation[landmarks.Set])
}

type SinkFunc func(ctx context.Context, frame image.Image, obs models.Observation[landmarks.Set])

func (f SinkFunc) Consume(ctx context.Context, frame image.Image, obs models.Observation[landmarks.Set]) {
	f(ctx, frame, obs)
}

type Stats struct {
	Ticks            uint64 `json:"ticks"`
	Detections       uint64 `json:"detections"`
	SkippedInFlight  uint64 `json:"skipped_in_flight"`
	NotReady         uint64 `json:"not_ready"`
	NoStream         uint64 `json:"no_stream"`
	DetectorFailures uint64 `json:"detector_failures"`
}

// Scheduler throttles detections to one every N display ticks. At most one
// detection runs at a time; a detection tick that finds one pending is
// skipped.
type Scheduler struct {
	detector Detector
	source   Source
	sink     Sink
	log      logrus.FieldLogger
	every    int
	interval time.Duration

	mu      sync.Mutex
	counter int

	inFlight atomic.Bool
	wg       sync.WaitGroup

	// lifecycleMu orders wg.Add for new detections against Stop's wg.Wait.
	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	loopDone    chan struct{}
	stopped     bool

	ticks            atomic.Uint64
	detections       atomic.Uint64
	skippedInFlight  atomic.Uint64
	notReady         atomic.Uint64
	noStream         atomic.Uint64
	detectorFailures atomic.Uint64
}

type Option func(*Scheduler)

func WithEvery(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.every = n
		}
	}
}

// WithRefreshRate sets the tick frequency in Hz.
func WithRefreshRate(hz float64) Option {
	return func(s *Scheduler) {
		if hz > 0 {
			s.interval = time.Duration(float64(time.Second) / hz)
		}
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Scheduler) {
		if log != nil {
			s.log = log
		}
	}
}

func New(detector Detector, source Source, sink Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		detector: detector,
		source:   source,
		sink:     sink,
		log:      logrus.StandardLogger(),
		every:    DefaultEvery,
		interval: time.Second / DefaultRefreshRate,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the tick loop until ctx is cancelled or Stop is called. It
// returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.cancel != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = false
	s.loopDone = make(chan struct{})

	go s.loop(ctx, s.loopDone)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Stop cancels the tick loop and any in-flight detection, then waits for
// them to finish. Ticks after Stop do nothing until the next Start. Stop
// may be called more than once.
func (s *Scheduler) Stop() {
	s.lifecycleMu.Lock()
	s.stopped = true
	cancel, done := s.cancel, s.loopDone
	s.cancel, s.loopDone = nil, nil
	s.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	s.wg.Wait()
}

func (s *Scheduler) isStopped() bool {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	return s.stopped
}

// Wait blocks until no detection is in flight.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Tick advances the throttle by one display frame. Detections triggered by
// this tick run with ctx.
func (s *Scheduler) Tick(ctx context.Context) {
	if s.isStopped() {
		return
	}
	s.ticks.Add(1)

	if !s.source.Active() {
		s.noStream.Add(1)
		s.log.Debug("tick without active stream")
		return
	}

	s.mu.Lock()
	fire := s.counter == 0
	s.counter = (s.counter + 1) % s.every
	s.mu.Unlock()

	if fire {
		s.detect(ctx)
	}
}

func (s *Scheduler) detect(ctx context.Context) {
	frame, ok := s.source.Frame()
	if !ok {
		s.noStream.Add(1)
		s.log.Debug("active stream has no frame yet")
		return
	}

	select {
	case <-s.detector.Ready():
	default:
		s.notReady.Add(1)
		s.sink.Consume(ctx, frame, models.NotDetected[landmarks.Set]())
		return
	}

	if !s.inFlight.CompareAndSwap(false, true) {
		s.skippedInFlight.Add(1)
		s.log.Debug("detection still in flight, skipping")
		return
	}

	s.lifecycleMu.Lock()
	if s.stopped {
		s.lifecycleMu.Unlock()
		s.inFlight.Store(false)
		return
	}
	s.detections.Add(1)
	s.wg.Add(1)
	s.lifecycleMu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.inFlight.Store(false)

		obs, err := s.detector.Detect(ctx, frame)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.detectorFailures.Add(1)
			s.log.WithError(err).Warn("landmark detection failed")
			obs = models.NotDetected[landmarks.Set]()
		}
		s.sink.Consume(ctx, frame, obs)
	}()
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		Ticks:            s.ticks.Load(),
		Detections:       s.detections.Load(),
		SkippedInFlight:  s.skippedInFlight.Load(),
		NotReady:         s.notReady.Load(),
		NoStream:         s.noStream.Load(),
		DetectorFailures: s.detectorFailures.Load(),
	}
}
