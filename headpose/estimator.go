package headpose

import (
	"context"
	"errors"
	"image"
	"sync"

	"github.com/golang/geo/r3"

	"github.com/Tutortoise/face-alignment-gate/landmarks"
	"github.com/Tutortoise/face-alignment-gate/models"
)

// EulerAngles are in degrees.
type EulerAngles struct {
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
	Roll  float64 `json:"roll"`
}

// AxisProjection is the image position of the model origin and of the
// three axis endpoints. It is only meant for drawing.
type AxisProjection struct {
	Nose landmarks.Point `json:"nose"`
	X    landmarks.Point `json:"x"`
	Y    landmarks.Point `json:"y"`
	Z    landmarks.Point `json:"z"`
}

type Pose struct {
	Angles      EulerAngles    `json:"eulerAngles"`
	Axes        AxisProjection `json:"projectPoints"`
	Rotation    r3.Vector      `json:"-"`
	Translation r3.Vector      `json:"-"`
}

// Estimator turns stabilized landmarks into a head pose. It caches the
// camera intrinsics and rebuilds them whenever the frame size changes.
type Estimator struct {
	solver GeometrySolver
	model  ReferenceModel

	mu         sync.Mutex
	intrinsics Intrinsics
}

type EstimatorOption func(*Estimator)

func WithModel(model ReferenceModel) EstimatorOption {
	return func(e *Estimator) {
		if len(model) > 0 {
			e.model = model
		}
	}
}

func NewEstimator(solver GeometrySolver, opts ...EstimatorOption) *Estimator {
	e := &Estimator{
		solver: solver,
		model:  DefaultModel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WaitReady blocks until the solver is usable or ctx ends.
func (e *Estimator) WaitReady(ctx context.Context) error {
	select {
	case <-e.solver.Ready():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Estimator) ready() bool {
	select {
	case <-e.solver.Ready():
		return true
	default:
		return false
	}
}

// Intrinsics returns the camera model for size, recomputing it if the
// dimensions changed since the last call.
func (e *Estimator) Intrinsics(size image.Point) Intrinsics {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.intrinsics.Width != size.X || e.intrinsics.Height != size.Y {
		e.intrinsics = NewIntrinsics(size.X, size.Y)
	}
	return e.intrinsics
}

// Estimate solves the head pose for set as seen in a frame of the given
// size. Missing correspondences and failed solves yield NotDetected; the
// error says why when it is not a plain absence of landmarks.
func (e *Estimator) Estimate(ctx context.Context, set landmarks.Set, size image.Point) (models.Observation[Pose], error) {
	none := models.NotDetected[Pose]()

	if !e.ready() {
		return none, ErrNotReady
	}
	if err := ctx.Err(); err != nil {
		return none, err
	}

	object, img := e.model.correspondences(set)
	if len(object) < MinCorrespondences {
		return none, nil
	}

	k := e.Intrinsics(size)
	if !k.Valid() {
		return none, ErrInvalidFrameSize
	}

	rvec, tvec, err := e.solver.SolvePnP(object, img, k)
	if err != nil {
		if errors.Is(err, ErrInsufficientPoints) {
			return none, nil
		}
		return none, err
	}

	angles := e.solver.EulerAngles(e.solver.Rodrigues(rvec))
	axes := e.solver.Project(axisPoints, rvec, tvec, k)

	return models.Detected(Pose{
		Angles: angles,
		Axes: AxisProjection{
			Nose: axes[0],
			X:    axes[1],
			Y:    axes[2],
			Z:    axes[3],
		},
		Rotation:    rvec,
		Translation: tvec,
	}), nil
}
