package checklist

import (
	"image"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tutortoise/face-alignment-gate/headpose"
	"github.com/Tutortoise/face-alignment-gate/landmarks"
	"github.com/Tutortoise/face-alignment-gate/models"
)

var target = Rect{X: 100, Y: 100, Width: 200, Height: 200}

func faceInside() landmarks.Set {
	var s landmarks.Set
	for i, k := range landmarks.Keys() {
		s = s.With(k, landmarks.Point{X: 130 + float64(i)*12, Y: 270 - float64(i)*12})
	}
	return s
}

func frontal() models.Observation[headpose.EulerAngles] {
	return models.Detected(headpose.EulerAngles{Pitch: 175, Yaw: 5, Roll: 5})
}

func uniform(w, h int, c color.Color) image.Image {
	return imaging.New(w, h, c)
}

type countingCropper struct {
	calls int
}

func (c *countingCropper) crop(src image.Image, r image.Rectangle) *image.NRGBA {
	c.calls++
	return imaging.Crop(src, r)
}

func TestContains(t *testing.T) {
	tests := []struct {
		name string
		set  landmarks.Set
		rect Rect
		want bool
	}{
		{"scenario A all inside", faceInside(), target, true},
		{"empty set", landmarks.Set{}, target, false},
		{"only the nose", landmarks.Set{}.With(landmarks.Nose, landmarks.Point{X: 200, Y: 200}), target, false},
		{"one point outside", faceInside().With(landmarks.Jaw, landmarks.Point{X: 200, Y: 301}), target, false},
		{"left edge", faceInside().With(landmarks.Jaw, landmarks.Point{X: 100, Y: 200}), target, false},
		{"top edge", faceInside().With(landmarks.Jaw, landmarks.Point{X: 200, Y: 100}), target, false},
		{"right edge", faceInside().With(landmarks.Jaw, landmarks.Point{X: 300, Y: 200}), target, false},
		{"bottom edge", faceInside().With(landmarks.Jaw, landmarks.Point{X: 200, Y: 300}), target, false},
		{"just inside corner", faceInside().With(landmarks.Nose, landmarks.Point{X: 100.001, Y: 299.999}), target, true},
		{"empty rect", faceInside(), Rect{X: 100, Y: 100}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Contains(tt.set, tt.rect))
		})
	}
}

func TestContains_AnyMissingKeyFails(t *testing.T) {
	for _, k := range landmarks.Keys() {
		t.Run(k.String(), func(t *testing.T) {
			assert.False(t, Contains(faceInside().Without(k), target))
		})
	}
	assert.False(t, Contains(faceInside().Without(landmarks.LeftOutline).Without(landmarks.UpperLip), target))
}

func TestDirection(t *testing.T) {
	tests := []struct {
		name   string
		angles models.Observation[headpose.EulerAngles]
		want   bool
	}{
		{"scenario B frontal", frontal(), true},
		{"scenario B pitch too low", models.Detected(headpose.EulerAngles{Pitch: 150, Yaw: 5, Roll: 5}), false},
		{"negative pitch", models.Detected(headpose.EulerAngles{Pitch: -178, Yaw: 0, Roll: 0}), true},
		{"pitch at threshold", models.Detected(headpose.EulerAngles{Pitch: 160, Yaw: 0, Roll: 0}), false},
		{"pitch near zero is not frontal", models.Detected(headpose.EulerAngles{Pitch: 2, Yaw: 0, Roll: 0}), false},
		{"yaw at range", models.Detected(headpose.EulerAngles{Pitch: 180, Yaw: 20, Roll: 0}), false},
		{"roll too large", models.Detected(headpose.EulerAngles{Pitch: 180, Yaw: 0, Roll: -25}), false},
		{"absent", models.NotDetected[headpose.EulerAngles](), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Direction(DefaultDirectionRange, tt.angles))
		})
	}
}

func TestDirection_Symmetric(t *testing.T) {
	for _, pitch := range []float64{-179, -165, 150, 170, 180} {
		for _, yaw := range []float64{0, 3, 19.9, 20, 35} {
			for _, roll := range []float64{0, 7, 19, 21} {
				a := models.Detected(headpose.EulerAngles{Pitch: pitch, Yaw: yaw, Roll: roll})
				b := models.Detected(headpose.EulerAngles{Pitch: pitch, Yaw: -yaw, Roll: -roll})
				assert.Equal(t, Direction(20, a), Direction(20, b))
			}
		}
	}
}

func TestLuma(t *testing.T) {
	assert.InDelta(t, 1.0, Luma(255, 255, 255), 1e-12)
	assert.Equal(t, 0.0, Luma(0, 0, 0))

	prev := -1.0
	for v := 0.0; v <= 255; v += 15 {
		for _, l := range []float64{Luma(v, 0, 0), Luma(0, v, 0), Luma(0, 0, v)} {
			assert.GreaterOrEqual(t, l, 0.0)
		}
		cur := Luma(v, 100, 100)
		assert.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
	assert.Less(t, Luma(0, 0, 255), Luma(255, 0, 0))
	assert.Less(t, Luma(255, 0, 0), Luma(0, 255, 0))
}

func TestEvaluate_ScenarioC_BrightCrop(t *testing.T) {
	cropper := &countingCropper{}
	e := NewEvaluator(WithCropper(cropper.crop), WithBrightnessThreshold(0.99))

	state := e.Evaluate(faceInside(), frontal(), target, uniform(640, 480, color.White))

	assert.Equal(t, State{Contains: true, Direction: true, Brightness: true}, state)
	assert.True(t, state.Passed())
	assert.Equal(t, 1, cropper.calls)
}

func TestEvaluate_DarkCrop(t *testing.T) {
	src := imaging.New(640, 480, color.White)
	// only the target area is dark
	src = imaging.Paste(src, imaging.New(200, 200, color.NRGBA{R: 40, G: 40, B: 40, A: 255}), image.Pt(100, 100))

	state := NewEvaluator().Evaluate(faceInside(), frontal(), target, src)

	assert.True(t, state.Contains)
	assert.True(t, state.Direction)
	assert.False(t, state.Brightness)
}

func TestEvaluate_ScenarioD_EmptySet(t *testing.T) {
	cropper := &countingCropper{}
	e := NewEvaluator(WithCropper(cropper.crop))

	state := e.Evaluate(landmarks.Set{}, models.NotDetected[headpose.EulerAngles](), target, uniform(640, 480, color.White))

	assert.Equal(t, State{}, state)
	assert.Zero(t, cropper.calls)
}

func TestEvaluate_BrightnessShortCircuit(t *testing.T) {
	src := uniform(640, 480, color.White)
	tests := []struct {
		name   string
		set    landmarks.Set
		angles models.Observation[headpose.EulerAngles]
		want   State
	}{
		{"outside rect", faceInside().With(landmarks.Nose, landmarks.Point{X: 5, Y: 5}), frontal(), State{Direction: true}},
		{"not frontal", faceInside(), models.Detected(headpose.EulerAngles{Pitch: 90}), State{Contains: true}},
		{"no pose", faceInside(), models.NotDetected[headpose.EulerAngles](), State{Contains: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cropper := &countingCropper{}
			state := NewEvaluator(WithCropper(cropper.crop)).Evaluate(tt.set, tt.angles, target, src)
			assert.Equal(t, tt.want, state)
			assert.Zero(t, cropper.calls)
		})
	}
}

func TestEvaluate_MissingSource(t *testing.T) {
	state := NewEvaluator().Evaluate(faceInside(), frontal(), target, nil)
	assert.True(t, state.Contains)
	assert.True(t, state.Direction)
	assert.False(t, state.Brightness)
}

func TestEvaluate_RectOutsideSource(t *testing.T) {
	var set landmarks.Set
	for _, k := range landmarks.Keys() {
		p, _ := faceInside().Get(k)
		set = set.With(k, landmarks.Point{X: p.X + 800, Y: p.Y + 800})
	}
	state := NewEvaluator().Evaluate(set, frontal(), Rect{X: 900, Y: 900, Width: 200, Height: 200}, uniform(640, 480, color.White))
	assert.True(t, state.Contains)
	assert.False(t, state.Brightness)
}

func TestAverageColor(t *testing.T) {
	img := imaging.New(2, 1, color.NRGBA{R: 200, G: 100, B: 0, A: 255})
	img.SetNRGBA(1, 0, color.NRGBA{R: 0, G: 100, B: 200, A: 255})

	r, g, b, ok := AverageColor(img)
	require.True(t, ok)
	assert.Equal(t, 100.0, r)
	assert.Equal(t, 100.0, g)
	assert.Equal(t, 100.0, b)

	_, _, _, ok = AverageColor(imaging.New(3, 3, color.Transparent))
	assert.False(t, ok)
}
