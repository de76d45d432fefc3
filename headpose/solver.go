package headpose

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/Tutortoise/face-alignment-gate/landmarks"
)

var (
	ErrNotReady           = errors.New("geometry solver not ready")
	ErrNoConvergence      = errors.New("pose solve did not converge")
	ErrInsufficientPoints = errors.New("not enough correspondences")
	ErrInvalidFrameSize   = errors.New("invalid frame size")
)

// GeometrySolver is the set of camera-geometry primitives pose estimation
// relies on.
type GeometrySolver interface {
	// Ready is closed once the solver can be used.
	Ready() <-chan struct{}
	SolvePnP(object []r3.Vector, image []landmarks.Point, k Intrinsics) (rvec, tvec r3.Vector, err error)
	Rodrigues(rvec r3.Vector) *mat.Dense
	EulerAngles(rot mat.Matrix) EulerAngles
	Project(object []r3.Vector, rvec, tvec r3.Vector, k Intrinsics) []landmarks.Point
}

const (
	positMaxIterations = 100
	positTolerance     = 1e-10

	// DefaultMaxReprojectionError is the accepted RMS reprojection error
	// expressed as a fraction of the focal length.
	DefaultMaxReprojectionError = 0.05
)

// Solver implements GeometrySolver in pure Go: a POSIT estimate refined by
// Nelder-Mead over the reprojection error.
type Solver struct {
	ready                chan struct{}
	maxReprojectionError float64
	refine               bool
}

type SolverOption func(*Solver)

func WithMaxReprojectionError(fraction float64) SolverOption {
	return func(s *Solver) {
		if fraction > 0 {
			s.maxReprojectionError = fraction
		}
	}
}

// WithoutRefinement keeps the raw POSIT estimate.
func WithoutRefinement() SolverOption {
	return func(s *Solver) {
		s.refine = false
	}
}

func NewSolver(opts ...SolverOption) *Solver {
	s := &Solver{
		ready:                make(chan struct{}),
		maxReprojectionError: DefaultMaxReprojectionError,
		refine:               true,
	}
	for _, opt := range opts {
		opt(s)
	}
	close(s.ready)
	return s
}

func (s *Solver) Ready() <-chan struct{} {
	return s.ready
}

func (s *Solver) SolvePnP(object []r3.Vector, img []landmarks.Point, k Intrinsics) (r3.Vector, r3.Vector, error) {
	if len(object) != len(img) {
		return r3.Vector{}, r3.Vector{}, fmt.Errorf("solve pnp: %d object points vs %d image points", len(object), len(img))
	}
	if len(object) < 4 {
		return r3.Vector{}, r3.Vector{}, ErrInsufficientPoints
	}
	if !k.Valid() {
		return r3.Vector{}, r3.Vector{}, ErrInvalidFrameSize
	}

	rot, tvec, err := posit(object, img, k)
	if err != nil {
		return r3.Vector{}, r3.Vector{}, err
	}
	rvec := rotationVector(rot)

	if s.refine {
		rvec, tvec = s.refinePose(object, img, k, rvec, tvec)
	}

	rms := math.Sqrt(reprojectionError(object, img, k, rvec, tvec) / float64(len(object)))
	if math.IsNaN(rms) || rms > s.maxReprojectionError*k.Focal {
		return r3.Vector{}, r3.Vector{}, fmt.Errorf("%w: rms %.2fpx", ErrNoConvergence, rms)
	}
	return rvec, tvec, nil
}

// posit runs DeMenthon & Davis' iteration. The first object point is the
// reference; the returned translation is for the model origin.
func posit(object []r3.Vector, img []landmarks.Point, k Intrinsics) (*mat.Dense, r3.Vector, error) {
	n := len(object)
	a := mat.NewDense(n-1, 3, nil)
	for i := 1; i < n; i++ {
		d := object[i].Sub(object[0])
		a.SetRow(i-1, []float64{d.X, d.Y, d.Z})
	}

	// b = (AᵀA)⁻¹Aᵀ
	var ata, ataInv, b mat.Dense
	ata.Mul(a.T(), a)
	if err := ataInv.Inverse(&ata); err != nil {
		return nil, r3.Vector{}, fmt.Errorf("%w: degenerate object points", ErrNoConvergence)
	}
	b.Mul(&ataInv, a.T())

	xs := make([]float64, n)
	ys := make([]float64, n)
	for i, p := range img {
		xs[i] = p.X - k.CX
		ys[i] = p.Y - k.CY
	}

	eps := make([]float64, n)
	xp := mat.NewVecDense(n-1, nil)
	yp := mat.NewVecDense(n-1, nil)
	var r1, r2, r3v r3.Vector
	var z0 float64

	for iter := 0; iter < positMaxIterations; iter++ {
		for i := 1; i < n; i++ {
			xp.SetVec(i-1, xs[i]*(1+eps[i])-xs[0])
			yp.SetVec(i-1, ys[i]*(1+eps[i])-ys[0])
		}

		var iv, jv mat.VecDense
		iv.MulVec(&b, xp)
		jv.MulVec(&b, yp)
		i3 := r3.Vector{X: iv.AtVec(0), Y: iv.AtVec(1), Z: iv.AtVec(2)}
		j3 := r3.Vector{X: jv.AtVec(0), Y: jv.AtVec(1), Z: jv.AtVec(2)}

		s1, s2 := i3.Norm(), j3.Norm()
		if s1 < 1e-12 || s2 < 1e-12 {
			return nil, r3.Vector{}, fmt.Errorf("%w: collapsed projection", ErrNoConvergence)
		}
		scale := (s1 + s2) / 2
		r1 = i3.Mul(1 / s1)
		r2 = j3.Mul(1 / s2)
		r3v = r1.Cross(r2).Normalize()
		z0 = k.Focal / scale

		delta := 0.0
		for i := 1; i < n; i++ {
			next := object[i].Sub(object[0]).Dot(r3v) / z0
			delta = math.Max(delta, math.Abs(next-eps[i]))
			eps[i] = next
		}
		if delta < positTolerance {
			break
		}
	}

	// re-orthogonalize
	r2 = r3v.Cross(r1).Normalize()
	rot := mat.NewDense(3, 3, []float64{
		r1.X, r1.Y, r1.Z,
		r2.X, r2.Y, r2.Z,
		r3v.X, r3v.Y, r3v.Z,
	})

	ref := r3.Vector{X: xs[0] * z0 / k.Focal, Y: ys[0] * z0 / k.Focal, Z: z0}
	tvec := ref.Sub(rotate(rot, object[0]))
	if math.IsNaN(tvec.Norm()) {
		return nil, r3.Vector{}, ErrNoConvergence
	}
	return rot, tvec, nil
}

func (s *Solver) refinePose(object []r3.Vector, img []landmarks.Point, k Intrinsics, rvec, tvec r3.Vector) (r3.Vector, r3.Vector) {
	// translation is optimized in units of the initial depth so both halves
	// of the parameter vector move on comparable scales
	depth := math.Max(math.Abs(tvec.Z), 1)
	x0 := []float64{rvec.X, rvec.Y, rvec.Z, tvec.X / depth, tvec.Y / depth, tvec.Z / depth}
	unpack := func(x []float64) (r3.Vector, r3.Vector) {
		return r3.Vector{X: x[0], Y: x[1], Z: x[2]},
			r3.Vector{X: x[3] * depth, Y: x[4] * depth, Z: x[5] * depth}
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			rv, tv := unpack(x)
			return reprojectionError(object, img, k, rv, tv)
		},
	}
	settings := &optimize.Settings{
		FuncEvaluations: 4000,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-9,
			Relative:   1e-9,
			Iterations: 60,
		},
	}

	initial := problem.Func(x0)
	result, err := optimize.Minimize(problem, x0, settings, &optimize.NelderMead{SimplexSize: 0.01})
	if result == nil || (err != nil && math.IsNaN(result.F)) || !(result.F < initial) {
		return rvec, tvec
	}
	return unpack(result.X)
}

// reprojectionError is the sum of squared pixel distances.
func reprojectionError(object []r3.Vector, img []landmarks.Point, k Intrinsics, rvec, tvec r3.Vector) float64 {
	rot := rodrigues(rvec)
	sum := 0.0
	for i, p := range object {
		c := rotate(rot, p).Add(tvec)
		if c.Z < 1e-9 {
			// behind the camera
			return math.Inf(1)
		}
		u := k.Focal*c.X/c.Z + k.CX
		v := k.Focal*c.Y/c.Z + k.CY
		du, dv := u-img[i].X, v-img[i].Y
		sum += du*du + dv*dv
	}
	return sum
}

func (s *Solver) Rodrigues(rvec r3.Vector) *mat.Dense {
	return rodrigues(rvec)
}

func (s *Solver) EulerAngles(rot mat.Matrix) EulerAngles {
	return decompose(rot)
}

func (s *Solver) Project(object []r3.Vector, rvec, tvec r3.Vector, k Intrinsics) []landmarks.Point {
	rot := rodrigues(rvec)
	out := make([]landmarks.Point, len(object))
	for i, p := range object {
		c := rotate(rot, p).Add(tvec)
		if math.Abs(c.Z) < 1e-9 {
			c.Z = 1e-9
		}
		out[i] = landmarks.Point{
			X: k.Focal*c.X/c.Z + k.CX,
			Y: k.Focal*c.Y/c.Z + k.CY,
		}
	}
	return out
}

func rotate(rot mat.Matrix, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: rot.At(0, 0)*v.X + rot.At(0, 1)*v.Y + rot.At(0, 2)*v.Z,
		Y: rot.At(1, 0)*v.X + rot.At(1, 1)*v.Y + rot.At(1, 2)*v.Z,
		Z: rot.At(2, 0)*v.X + rot.At(2, 1)*v.Y + rot.At(2, 2)*v.Z,
	}
}

// rodrigues converts an axis-angle vector into a rotation matrix.
func rodrigues(rvec r3.Vector) *mat.Dense {
	theta := rvec.Norm()
	if theta < 1e-12 {
		return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	}
	ax := rvec.Mul(1 / theta)
	c, s := math.Cos(theta), math.Sin(theta)
	t := 1 - c
	return mat.NewDense(3, 3, []float64{
		c + t*ax.X*ax.X, t*ax.X*ax.Y - s*ax.Z, t*ax.X*ax.Z + s*ax.Y,
		t*ax.X*ax.Y + s*ax.Z, c + t*ax.Y*ax.Y, t*ax.Y*ax.Z - s*ax.X,
		t*ax.X*ax.Z - s*ax.Y, t*ax.Y*ax.Z + s*ax.X, c + t*ax.Z*ax.Z,
	})
}

// rotationVector is the inverse of rodrigues.
func rotationVector(rot mat.Matrix) r3.Vector {
	tr := rot.At(0, 0) + rot.At(1, 1) + rot.At(2, 2)
	cosT := math.Max(-1, math.Min(1, (tr-1)/2))
	theta := math.Acos(cosT)
	if theta < 1e-12 {
		return r3.Vector{}
	}

	// sin(theta) * axis
	skew := r3.Vector{
		X: rot.At(2, 1) - rot.At(1, 2),
		Y: rot.At(0, 2) - rot.At(2, 0),
		Z: rot.At(1, 0) - rot.At(0, 1),
	}.Mul(0.5)

	if theta < math.Pi/2 {
		return skew.Mul(theta / math.Sin(theta))
	}

	// near pi the skew part vanishes; recover the axis from the symmetric part
	t := 1 - cosT
	diag := []float64{rot.At(0, 0), rot.At(1, 1), rot.At(2, 2)}
	i := 0
	for j := 1; j < 3; j++ {
		if diag[j] > diag[i] {
			i = j
		}
	}
	ax := make([]float64, 3)
	ax[i] = math.Sqrt(math.Max(0, (diag[i]-cosT)/t))
	for j := 0; j < 3; j++ {
		if j != i {
			ax[j] = (rot.At(i, j) + rot.At(j, i)) / (2 * t * ax[i])
		}
	}
	axis := r3.Vector{X: ax[0], Y: ax[1], Z: ax[2]}.Normalize()
	if axis.Dot(skew) < 0 {
		axis = axis.Mul(-1)
	}
	return axis.Mul(theta)
}

// decompose splits a rotation into Givens rotations about x, then y, then
// z, the order used when RQ-decomposing a projection matrix. A face looking
// straight at the camera comes out with pitch near ±180.
func decompose(rot mat.Matrix) EulerAngles {
	m := mat.DenseCopyOf(rot)

	s, c := givens(m.At(2, 1), m.At(2, 2))
	qx := mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, c, s,
		0, -s, c,
	})
	pitch := math.Atan2(s, c)

	var r mat.Dense
	r.Mul(m, qx)

	s, c = givens(-r.At(2, 0), r.At(2, 2))
	qy := mat.NewDense(3, 3, []float64{
		c, 0, -s,
		0, 1, 0,
		s, 0, c,
	})
	yaw := math.Atan2(s, c)

	m.Mul(&r, qy)

	s, c = givens(m.At(1, 0), m.At(1, 1))
	roll := math.Atan2(s, c)

	return EulerAngles{
		Pitch: pitch * 180 / math.Pi,
		Yaw:   yaw * 180 / math.Pi,
		Roll:  roll * 180 / math.Pi,
	}
}

func givens(s, c float64) (float64, float64) {
	z := 1 / math.Sqrt(c*c+s*s+1e-300)
	return s * z, c * z
}
