package headpose

import (
	"image"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Intrinsics models a distortion-free pinhole camera derived from the frame
// size alone: focal length is the longer side, principal point the centre.
type Intrinsics struct {
	Width  int
	Height int
	Focal  float64
	CX     float64
	CY     float64
}

func NewIntrinsics(width, height int) Intrinsics {
	return Intrinsics{
		Width:  width,
		Height: height,
		Focal:  math.Max(float64(width), float64(height)),
		CX:     float64(width) / 2,
		CY:     float64(height) / 2,
	}
}

func (k Intrinsics) Valid() bool {
	return k.Width > 0 && k.Height > 0
}

// Size reports the frame dimensions the intrinsics were built for.
func (k Intrinsics) Size() image.Point {
	return image.Pt(k.Width, k.Height)
}

// Matrix returns the 3x3 camera matrix.
func (k Intrinsics) Matrix() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		k.Focal, 0, k.CX,
		0, k.Focal, k.CY,
		0, 0, 1,
	})
}
