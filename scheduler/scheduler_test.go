package scheduler

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tutortoise/face-alignment-gate/landmarks"
	"github.com/Tutortoise/face-alignment-gate/models"
)

type fakeSource struct {
	active atomic.Bool
	frame  image.Image
}

func newFakeSource(active bool) *fakeSource {
	s := &fakeSource{frame: image.NewNRGBA(image.Rect(0, 0, 64, 48))}
	s.active.Store(active)
	return s
}

func (s *fakeSource) Active() bool { return s.active.Load() }

func (s *fakeSource) Frame() (image.Image, bool) {
	if !s.active.Load() {
		return nil, false
	}
	return s.frame, true
}

type fakeDetector struct {
	ready chan struct{}
	calls atomic.Int32
	run   func(ctx context.Context) (models.Observation[landmarks.Set], error)
}

func readyDetector() *fakeDetector {
	d := &fakeDetector{ready: make(chan struct{})}
	close(d.ready)
	return d
}

func (d *fakeDetector) Ready() <-chan struct{} { return d.ready }

func (d *fakeDetector) Detect(ctx context.Context, _ image.Image) (models.Observation[landmarks.Set], error) {
	d.calls.Add(1)
	if d.run != nil {
		return d.run(ctx)
	}
	return models.Detected(landmarks.Set{}.With(landmarks.Nose, landmarks.Point{X: 1, Y: 2})), nil
}

type recordingSink struct {
	mu   sync.Mutex
	seen []models.Observation[landmarks.Set]
}

func (r *recordingSink) Consume(_ context.Context, _ image.Image, obs models.Observation[landmarks.Set]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, obs)
}

func (r *recordingSink) all() []models.Observation[landmarks.Set] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Observation[landmarks.Set](nil), r.seen...)
}

func quietLogger() logrus.FieldLogger {
	log, _ := test.NewNullLogger()
	return log
}

func TestTick_Cadence(t *testing.T) {
	for ticks := 1; ticks <= 23; ticks++ {
		det := readyDetector()
		sink := &recordingSink{}
		s := New(det, newFakeSource(true), sink, WithLogger(quietLogger()))

		for i := 0; i < ticks; i++ {
			s.Tick(context.Background())
			s.Wait()
		}

		want := (ticks + DefaultEvery - 1) / DefaultEvery
		assert.Equal(t, want, int(det.calls.Load()), "ticks=%d", ticks)
		assert.Len(t, sink.all(), want)
		assert.Equal(t, uint64(want), s.Stats().Detections)
	}
}

func TestTick_NoStreamDoesNotAdvance(t *testing.T) {
	det := readyDetector()
	src := newFakeSource(false)
	s := New(det, src, &recordingSink{}, WithLogger(quietLogger()))

	for i := 0; i < 7; i++ {
		s.Tick(context.Background())
	}
	assert.Zero(t, det.calls.Load())
	assert.Equal(t, uint64(7), s.Stats().NoStream)

	src.active.Store(true)
	s.Tick(context.Background())
	s.Wait()
	assert.Equal(t, int32(1), det.calls.Load())
}

func TestTick_NotReadyPushesNotDetected(t *testing.T) {
	det := &fakeDetector{ready: make(chan struct{})}
	sink := &recordingSink{}
	s := New(det, newFakeSource(true), sink, WithLogger(quietLogger()))

	s.Tick(context.Background())
	s.Wait()

	require.Len(t, sink.all(), 1)
	assert.False(t, sink.all()[0].IsDetected())
	assert.Zero(t, det.calls.Load())
	assert.Equal(t, uint64(1), s.Stats().NotReady)

	close(det.ready)
	for i := 0; i < DefaultEvery; i++ {
		s.Tick(context.Background())
	}
	s.Wait()
	assert.Equal(t, int32(1), det.calls.Load())
	assert.True(t, sink.all()[1].IsDetected())
}

func TestTick_SingleInFlight(t *testing.T) {
	release := make(chan struct{})
	det := readyDetector()
	det.run = func(ctx context.Context) (models.Observation[landmarks.Set], error) {
		<-release
		return models.NotDetected[landmarks.Set](), nil
	}
	s := New(det, newFakeSource(true), &recordingSink{}, WithLogger(quietLogger()))

	for i := 0; i < 3*DefaultEvery; i++ {
		s.Tick(context.Background())
	}
	close(release)
	s.Wait()

	stats := s.Stats()
	assert.Equal(t, int32(1), det.calls.Load())
	assert.Equal(t, uint64(1), stats.Detections)
	assert.Equal(t, uint64(2), stats.SkippedInFlight)
	assert.Equal(t, uint64(3*DefaultEvery), stats.Ticks)
}

func TestTick_DetectorErrorBecomesNotDetected(t *testing.T) {
	det := readyDetector()
	det.run = func(context.Context) (models.Observation[landmarks.Set], error) {
		return models.Detected(landmarks.Set{}), errors.New("inference failed")
	}
	sink := &recordingSink{}
	s := New(det, newFakeSource(true), sink, WithLogger(quietLogger()))

	s.Tick(context.Background())
	s.Wait()

	require.Len(t, sink.all(), 1)
	assert.False(t, sink.all()[0].IsDetected())
	assert.Equal(t, uint64(1), s.Stats().DetectorFailures)
}

func TestStartStop_CancelsInFlight(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	det := readyDetector()
	det.run = func(ctx context.Context) (models.Observation[landmarks.Set], error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return models.NotDetected[landmarks.Set](), ctx.Err()
	}
	sink := &recordingSink{}
	s := New(det, newFakeSource(true), sink, WithLogger(quietLogger()), WithRefreshRate(1000))

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("detection never started")
	}

	s.Stop()
	assert.Empty(t, sink.all())

	// stopping twice is harmless
	s.Stop()

	ticks := s.Stats().Ticks
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, ticks, s.Stats().Ticks)
}

func TestTick_ConcurrentWithStop(t *testing.T) {
	det := readyDetector()
	det.run = func(ctx context.Context) (models.Observation[landmarks.Set], error) {
		time.Sleep(time.Millisecond)
		return models.Detected(landmarks.Set{}), nil
	}
	sink := &recordingSink{}
	s := New(det, newFakeSource(true), sink, WithLogger(quietLogger()), WithEvery(1))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				s.Tick(context.Background())
			}
		}()
	}

	time.Sleep(2 * time.Millisecond)
	s.Stop()
	calls := det.calls.Load()
	seen := len(sink.all())
	detections := s.Stats().Detections

	wg.Wait()
	s.Wait()
	assert.Equal(t, calls, det.calls.Load())
	assert.Len(t, sink.all(), seen)
	assert.Equal(t, detections, s.Stats().Detections)
}

func TestStop_ThenStartAgain(t *testing.T) {
	det := readyDetector()
	sink := &recordingSink{}
	s := New(det, newFakeSource(true), sink, WithLogger(quietLogger()), WithRefreshRate(1000))

	s.Stop()
	s.Tick(context.Background())
	assert.Zero(t, s.Stats().Ticks)

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return len(sink.all()) > 0 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
}

func TestWithOptions(t *testing.T) {
	s := New(readyDetector(), newFakeSource(true), &recordingSink{}, WithEvery(0), WithRefreshRate(-1))
	assert.Equal(t, DefaultEvery, s.every)
	assert.Equal(t, time.Second/DefaultRefreshRate, s.interval)

	s = New(readyDetector(), newFakeSource(true), &recordingSink{}, WithEvery(3), WithRefreshRate(30))
	assert.Equal(t, 3, s.every)
	assert.Equal(t, time.Second/30, s.interval)
}
