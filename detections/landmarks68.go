package detections

import (
	"fmt"
	"image"

	"github.com/Tutortoise/face-alignment-gate/landmarks"
)

// landmarkIndex picks each named key out of the 68-point annotation.
var landmarkIndex = map[landmarks.Key]int{
	landmarks.Nose:         30,
	landmarks.LeftEye:      36,
	landmarks.RightEye:     45,
	landmarks.LeftEyeBrow:  19,
	landmarks.RightEyeBrow: 24,
	landmarks.Jaw:          8,
	landmarks.LeftMouth:    48,
	landmarks.RightMouth:   54,
	landmarks.UpperLip:     62,
	landmarks.LowerLip:     66,
	landmarks.LeftOutline:  0,
	landmarks.RightOutline: 16,
}

// Normalized coordinates outside this range are not on the face and are
// reported as absent.
const (
	minLandmarkCoord = -0.5
	maxLandmarkCoord = 1.5
)

func plausible(v float32) bool {
	return v >= minLandmarkCoord && v <= maxLandmarkCoord
}

// decodeLandmarks maps the model's interleaved x,y output, normalized to
// the crop, back into frame pixels.
func decodeLandmarks(output []float32, crop image.Rectangle) (landmarks.Set, error) {
	var set landmarks.Set
	if len(output) < NumLandmarks*2 {
		return set, fmt.Errorf("unexpected landmark output length: got %d, want %d", len(output), NumLandmarks*2)
	}

	w := float64(crop.Dx())
	h := float64(crop.Dy())
	for key, idx := range landmarkIndex {
		x, y := output[2*idx], output[2*idx+1]
		if !plausible(x) || !plausible(y) {
			continue
		}
		set = set.With(key, landmarks.Point{
			X: float64(crop.Min.X) + float64(x)*w,
			Y: float64(crop.Min.Y) + float64(y)*h,
		})
	}
	return set, nil
}
