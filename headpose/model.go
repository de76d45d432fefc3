package headpose

import (
	"github.com/golang/geo/r3"

	"github.com/Tutortoise/face-alignment-gate/landmarks"
)

// MinCorrespondences is the number of named points a solve needs.
const MinCorrespondences = 8

// AxisLength is the length, in model units, of the drawn orientation axes.
const AxisLength = 300.0

// ReferenceModel holds generic 3D face coordinates in model units. Y points
// up and the nose tip is the origin; only relative geometry matters.
type ReferenceModel map[landmarks.Key]r3.Vector

// DefaultModel covers the eight landmarks used for pose. Left/right follow
// the image, not the subject.
var DefaultModel = ReferenceModel{
	landmarks.Nose:         {X: 0, Y: 0, Z: 0},
	landmarks.Jaw:          {X: 0, Y: -330, Z: -65},
	landmarks.LeftEye:      {X: -225, Y: 170, Z: -135},
	landmarks.RightEye:     {X: 225, Y: 170, Z: -135},
	landmarks.LeftMouth:    {X: -150, Y: -150, Z: -125},
	landmarks.RightMouth:   {X: 150, Y: -150, Z: -125},
	landmarks.LeftOutline:  {X: -350, Y: 120, Z: -420},
	landmarks.RightOutline: {X: 350, Y: 120, Z: -420},
}

// correspondences pairs model and image points for every key present in
// both, in key order so the nose (when present) comes first.
func (m ReferenceModel) correspondences(set landmarks.Set) ([]r3.Vector, []landmarks.Point) {
	object := make([]r3.Vector, 0, len(m))
	img := make([]landmarks.Point, 0, len(m))
	for _, k := range landmarks.Keys() {
		ref, ok := m[k]
		if !ok {
			continue
		}
		p, ok := set.Get(k)
		if !ok {
			continue
		}
		object = append(object, ref)
		img = append(img, p)
	}
	return object, img
}

var axisPoints = []r3.Vector{
	{X: 0, Y: 0, Z: 0},
	{X: AxisLength, Y: 0, Z: 0},
	{X: 0, Y: AxisLength, Z: 0},
	{X: 0, Y: 0, Z: AxisLength},
}
