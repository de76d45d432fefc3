package detections

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"sync/atomic"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tutortoise/face-alignment-gate/landmarks"
	"github.com/Tutortoise/face-alignment-gate/models"
)

type fakeModel struct {
	calls  atomic.Int32
	output []float32
	err    error
}

func (m *fakeModel) Infer(_ context.Context, fill func([]float32)) ([]float32, error) {
	m.calls.Add(1)
	fill(make([]float32, InputWidth*InputHeight*3))
	if m.err != nil {
		return nil, m.err
	}
	return append([]float32(nil), m.output...), nil
}

// faceOutput places a single confident box centred in the frame covering a
// quarter of each dimension.
func faceOutput(conf float32) []float32 {
	out := make([]float32, 6*NumPredictions)
	out[0] = 0.5
	out[NumPredictions] = 0.5
	out[2*NumPredictions] = 0.25
	out[3*NumPredictions] = 0.25
	out[4*NumPredictions] = conf
	return out
}

func landmarkOutput() []float32 {
	out := make([]float32, NumLandmarks*2)
	for i := range out {
		out[i] = 0.5
	}
	out[2*30] = 0.25
	out[2*30+1] = 0.75
	return out
}

func newTestDetector(face, landmark Model) *Detector {
	log, _ := test.NewNullLogger()
	d := NewDetector(Config{PoolSize: 1}, log)
	d.Use(face, landmark)
	return d
}

func frame() image.Image {
	return imaging.New(640, 480, color.Gray{Y: 128})
}

func TestDetector_NotReady(t *testing.T) {
	d := NewDetector(Config{}, nil)

	select {
	case <-d.Ready():
		t.Fatal("detector ready before load")
	default:
	}

	obs, err := d.Detect(context.Background(), frame())
	assert.ErrorIs(t, err, ErrNotReady)
	assert.False(t, obs.IsDetected())
	assert.Nil(t, d.Metrics())
}

func TestDetector_FindsLandmarks(t *testing.T) {
	face := &fakeModel{output: faceOutput(0.9)}
	lm := &fakeModel{output: landmarkOutput()}
	d := newTestDetector(face, lm)

	select {
	case <-d.Ready():
	default:
		t.Fatal("detector not ready after Use")
	}

	obs, err := d.Detect(context.Background(), frame())
	require.NoError(t, err)

	set, ok := obs.Get()
	require.True(t, ok)
	assert.Equal(t, len(landmarks.Keys()), set.Len())

	// box (240,180)-(400,300) padded and squared to (208,128)-(432,352)
	nose, ok := set.Get(landmarks.Nose)
	require.True(t, ok)
	assert.InDelta(t, 264.0, nose.X, 1e-3)
	assert.InDelta(t, 296.0, nose.Y, 1e-3)

	jaw, _ := set.Get(landmarks.Jaw)
	assert.InDelta(t, 320.0, jaw.X, 1e-3)
	assert.InDelta(t, 240.0, jaw.Y, 1e-3)
}

func TestDetector_NoFace(t *testing.T) {
	face := &fakeModel{output: faceOutput(0.1)}
	lm := &fakeModel{output: landmarkOutput()}
	d := newTestDetector(face, lm)

	obs, err := d.Detect(context.Background(), frame())
	require.NoError(t, err)
	assert.False(t, obs.IsDetected())
	assert.Zero(t, lm.calls.Load())
}

func TestDetector_RetriesTransientFailures(t *testing.T) {
	face := &fakeModel{err: errors.New("session run failed")}
	d := newTestDetector(face, &fakeModel{output: landmarkOutput()})

	obs, err := d.Detect(context.Background(), frame())
	assert.Error(t, err)
	assert.False(t, obs.IsDetected())
	assert.Equal(t, int32(RetryAttempts), face.calls.Load())
}

func TestDetector_DoesNotRetryClosedPool(t *testing.T) {
	face := &fakeModel{err: ErrPoolClosed}
	d := newTestDetector(face, &fakeModel{output: landmarkOutput()})

	_, err := d.Detect(context.Background(), frame())
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.Equal(t, int32(1), face.calls.Load())
}

func TestDetector_CancelledContext(t *testing.T) {
	face := &fakeModel{output: faceOutput(0.9)}
	d := newTestDetector(face, &fakeModel{output: landmarkOutput()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Detect(ctx, frame())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, face.calls.Load())
}

func TestDetector_MalformedOutputs(t *testing.T) {
	d := newTestDetector(&fakeModel{output: make([]float32, 10)}, &fakeModel{output: landmarkOutput()})
	_, err := d.Detect(context.Background(), frame())
	var perr *ProcessingError
	assert.ErrorAs(t, err, &perr)

	d = newTestDetector(&fakeModel{output: faceOutput(0.9)}, &fakeModel{output: make([]float32, 4)})
	_, err = d.Detect(context.Background(), frame())
	assert.ErrorAs(t, err, &perr)
}

func TestProcessPredictions(t *testing.T) {
	out := faceOutput(0.95)
	// a weaker second box in the corner
	out[1] = 0.1
	out[NumPredictions+1] = 0.1
	out[2*NumPredictions+1] = 0.1
	out[3*NumPredictions+1] = 0.1
	out[4*NumPredictions+1] = 0.85

	dets, err := processPredictions(out, 640, 480)
	require.NoError(t, err)
	require.Len(t, dets, 2)
	assert.Equal(t, [4]int32{240, 180, 400, 300}, dets[0].BBox)
	assert.Equal(t, float32(0.95), dets[0].Confidence)
	assert.Equal(t, [4]int32{32, 24, 96, 72}, dets[1].BBox)

	_, err = processPredictions(out[:100], 640, 480)
	assert.Error(t, err)
}

func TestCalculateBBox_Clips(t *testing.T) {
	box := calculateBBox([4]float32{0.05, 0.95, 0.2, 0.2}, 640, 480)
	assert.Equal(t, int32(0), box[0])
	assert.Equal(t, int32(480), box[3])
}

func TestDecodeLandmarks(t *testing.T) {
	set, err := decodeLandmarks(landmarkOutput(), image.Rect(100, 50, 300, 250))
	require.NoError(t, err)
	nose, ok := set.Get(landmarks.Nose)
	require.True(t, ok)
	assert.Equal(t, landmarks.Point{X: 150, Y: 200}, nose)

	_, err = decodeLandmarks(nil, image.Rect(0, 0, 10, 10))
	assert.Error(t, err)
}

func TestDecodeLandmarks_DropsImplausiblePoints(t *testing.T) {
	out := landmarkOutput()
	// jaw, left outline and right outline land nowhere near the crop
	out[2*8] = 7
	out[2*0+1] = -3
	out[2*16] = float32(math.NaN())
	// both eyes sit on the edge of the accepted range
	out[2*36] = 1.5
	out[2*45+1] = -0.5

	set, err := decodeLandmarks(out, image.Rect(100, 50, 300, 250))
	require.NoError(t, err)

	for _, k := range []landmarks.Key{landmarks.Jaw, landmarks.LeftOutline, landmarks.RightOutline} {
		_, ok := set.Get(k)
		assert.False(t, ok, k.String())
	}
	eye, ok := set.Get(landmarks.LeftEye)
	require.True(t, ok)
	assert.Equal(t, 400.0, eye.X)
	_, ok = set.Get(landmarks.RightEye)
	assert.True(t, ok)
	assert.Equal(t, len(landmarks.Keys())-3, set.Len())
}

func TestObservationOfEmptyFrame(t *testing.T) {
	d := newTestDetector(&fakeModel{output: faceOutput(0.9)}, &fakeModel{output: landmarkOutput()})
	obs, err := d.Detect(context.Background(), image.NewNRGBA(image.Rect(0, 0, 0, 0)))
	assert.NoError(t, err)
	assert.Equal(t, models.NotDetected[landmarks.Set](), obs)
}
