package landmarks

import (
	"gonum.org/v1/gonum/mat"
)

// kalman is a constant-state filter over a 2-D point. Transition and
// observation are identity and the noise matrices are diagonal, so the two
// axes never couple.
type kalman struct {
	x      *mat.VecDense
	p      *mat.Dense
	q      *mat.Dense
	r      *mat.Dense
	seeded bool
}

func newKalman(processNoise, measurementNoise float64) *kalman {
	return &kalman{
		q: mat.NewDense(2, 2, []float64{processNoise, 0, 0, processNoise}),
		r: mat.NewDense(2, 2, []float64{measurementNoise, 0, 0, measurementNoise}),
	}
}

func (k *kalman) filter(z Point) Point {
	zv := mat.NewVecDense(2, []float64{z.X, z.Y})

	// first observation seeds the estimate directly
	if !k.seeded {
		k.x = zv
		k.p = mat.DenseCopyOf(k.r)
		k.seeded = true
		return z
	}

	// predict
	var pp mat.Dense
	pp.Add(k.p, k.q)

	// gain = pp * (pp + r)^-1
	var s, sInv mat.Dense
	s.Add(&pp, k.r)
	if err := sInv.Inverse(&s); err != nil {
		return k.estimate()
	}
	var gain mat.Dense
	gain.Mul(&pp, &sInv)

	// update
	var innovation, correction mat.VecDense
	innovation.SubVec(zv, k.x)
	correction.MulVec(&gain, &innovation)
	k.x.AddVec(k.x, &correction)

	var ik mat.Dense
	ik.Sub(identity2, &gain)
	k.p.Mul(&ik, &pp)

	return k.estimate()
}

func (k *kalman) estimate() Point {
	return Point{X: k.x.AtVec(0), Y: k.x.AtVec(1)}
}

var identity2 = mat.NewDense(2, 2, []float64{1, 0, 0, 1})
