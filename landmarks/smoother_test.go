package landmarks

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSmoother_FirstObservationSeeds(t *testing.T) {
	s := NewSmoother()

	out := s.Update(Set{}.With(Nose, Point{X: 10, Y: 20}))

	p, ok := out.Get(Nose)
	require.True(t, ok)
	assert.Equal(t, Point{X: 10, Y: 20}, p)
	assert.Equal(t, 1, out.Len())
}

func TestSmoother_ConvergesOnRepeatedPoint(t *testing.T) {
	s := NewSmoother()
	s.Update(Set{}.With(Jaw, Point{X: 0, Y: 0}))

	target := Point{X: 320, Y: 240}
	var out Set
	for i := 0; i < 200; i++ {
		out = s.Update(Set{}.With(Jaw, target))
	}

	p, ok := out.Get(Jaw)
	require.True(t, ok)
	assert.InDelta(t, target.X, p.X, 1e-6)
	assert.InDelta(t, target.Y, p.Y, 1e-6)
}

func TestSmoother_DampensJitter(t *testing.T) {
	s := NewSmoother()
	s.Update(Set{}.With(Nose, Point{X: 100, Y: 100}))

	out := s.Update(Set{}.With(Nose, Point{X: 110, Y: 90}))

	p, _ := out.Get(Nose)
	assert.Greater(t, p.X, 100.0)
	assert.Less(t, p.X, 110.0)
	assert.Less(t, p.Y, 100.0)
	assert.Greater(t, p.Y, 90.0)
}

func TestSmoother_FreezeOnMiss(t *testing.T) {
	s := NewSmoother()
	s.Update(Set{}.With(LeftEye, Point{X: 1, Y: 1}).With(RightEye, Point{X: 5, Y: 5}))
	second := s.Update(Set{}.With(LeftEye, Point{X: 3, Y: 3}).With(RightEye, Point{X: 9, Y: 9}))
	frozen, _ := second.Get(RightEye)

	// right eye missing for several frames
	var out Set
	for i := 0; i < 5; i++ {
		out = s.Update(Set{}.With(LeftEye, Point{X: 3, Y: 3}))
	}

	p, ok := out.Get(RightEye)
	require.True(t, ok)
	assert.Equal(t, frozen, p)

	// the frozen filter resumes from where it stopped
	resumed := s.Update(Set{}.With(RightEye, Point{X: 9, Y: 9}))
	r, _ := resumed.Get(RightEye)
	assert.Greater(t, r.X, frozen.X)
}

func TestSmoother_NeverSeenStaysAbsent(t *testing.T) {
	s := NewSmoother()
	out := s.Update(Set{}.With(Nose, Point{X: 1, Y: 1}))

	_, ok := out.Get(Jaw)
	assert.False(t, ok)

	out = s.Update(Set{})
	assert.Equal(t, 1, out.Len())
}

func TestSmoother_AxesIndependent(t *testing.T) {
	s := NewSmoother()
	s.Update(Set{}.With(Nose, Point{X: 0, Y: 50}))

	out := s.Update(Set{}.With(Nose, Point{X: 100, Y: 50}))

	p, _ := out.Get(Nose)
	assert.InDelta(t, 50.0, p.Y, 1e-12)
}

func TestSmoother_Reset(t *testing.T) {
	s := NewSmoother()
	s.Update(Set{}.With(Nose, Point{X: 1, Y: 1}))
	s.Reset()

	assert.Equal(t, 0, s.Last().Len())

	out := s.Update(Set{}.With(Nose, Point{X: 50, Y: 60}))
	p, _ := out.Get(Nose)
	assert.Equal(t, Point{X: 50, Y: 60}, p)
}

func TestSet_WithRejectsNonFinite(t *testing.T) {
	s := Set{}.With(Nose, Point{X: math.NaN(), Y: 1})
	assert.Equal(t, 0, s.Len())

	s = Set{}.With(Nose, Point{X: 1, Y: 1}).With(Nose, Point{X: math.Inf(1), Y: 1})
	assert.Equal(t, 0, s.Len())
}

func TestSet_JSON(t *testing.T) {
	s := Set{}.With(Nose, Point{X: 1.5, Y: 2}).With(RightOutline, Point{X: 3, Y: 4})

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{"nose":[1.5,2],"rightOutline":[3,4]}`, string(data))

	var back Set
	require.NoError(t, json.Unmarshal([]byte(`{"jaw":[7,8],"leftEye":[1]}`), &back))
	assert.Equal(t, 1, back.Len())
	p, ok := back.Get(Jaw)
	assert.True(t, ok)
	assert.Equal(t, Point{X: 7, Y: 8}, p)

	assert.Error(t, json.Unmarshal([]byte(`{"ear":[1,2]}`), &back))
}

func TestParseKey(t *testing.T) {
	for _, k := range Keys() {
		got, ok := ParseKey(k.String())
		assert.True(t, ok)
		assert.Equal(t, k, got)
	}
	_, ok := ParseKey("forehead")
	assert.False(t, ok)
}
