package detections

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"

	"github.com/Tutortoise/face-alignment-gate/landmarks"
	"github.com/Tutortoise/face-alignment-gate/models"
)

// Model runs a single inference. fill writes the input tensor in place; the
// returned output is owned by the caller.
type Model interface {
	Infer(ctx context.Context, fill func(input []float32)) ([]float32, error)
}

type pooledModel struct {
	pool *ModelSessionPool
}

func (m pooledModel) Infer(ctx context.Context, fill func(input []float32)) ([]float32, error) {
	session, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	fill(session.Input.GetData())
	if err := session.Session.Run(); err != nil {
		m.pool.Release(session, true)
		return nil, &ProcessingError{Message: "model inference", Cause: err}
	}

	out := append([]float32(nil), session.Output.GetData()...)
	m.pool.Release(session, false)
	return out, nil
}

type Config struct {
	FaceModelPath     string
	LandmarkModelPath string
	PoolSize          int
}

// Detector finds the primary face in a frame and locates its landmarks.
// It is unusable until Load (or Use) completes; Ready reports that.
type Detector struct {
	cfg Config
	log logrus.FieldLogger

	facePre     *Preprocessor
	landmarkPre *Preprocessor

	ready    chan struct{}
	loadOnce sync.Once
	loadErr  error

	face     Model
	landmark Model
	pools    []*ModelSessionPool
}

func NewDetector(cfg Config, log logrus.FieldLogger) *Detector {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Detector{
		cfg:         cfg,
		log:         log,
		facePre:     NewPreprocessor(InputWidth, InputHeight),
		landmarkPre: NewPreprocessor(LandmarkInputSize, LandmarkInputSize),
		ready:       make(chan struct{}),
	}
}

func (d *Detector) Ready() <-chan struct{} {
	return d.ready
}

// Load creates the session pools for both models. The runtime must already
// be initialized. Only the first call does any work.
func (d *Detector) Load(ctx context.Context) error {
	d.loadOnce.Do(func() {
		d.loadErr = d.load(ctx)
	})
	return d.loadErr
}

func (d *Detector) load(ctx context.Context) error {
	start := time.Now()

	facePool, err := NewModelSessionPool("face", d.cfg.PoolSize, OrtFactory(FaceModelSpec(d.cfg.FaceModelPath)), d.log)
	if err != nil {
		return fmt.Errorf("face model: %w", err)
	}
	if err := ctx.Err(); err != nil {
		facePool.Destroy()
		return err
	}

	landmarkPool, err := NewModelSessionPool("landmark", d.cfg.PoolSize, OrtFactory(LandmarkModelSpec(d.cfg.LandmarkModelPath)), d.log)
	if err != nil {
		facePool.Destroy()
		return fmt.Errorf("landmark model: %w", err)
	}

	d.pools = []*ModelSessionPool{facePool, landmarkPool}
	d.face = pooledModel{pool: facePool}
	d.landmark = pooledModel{pool: landmarkPool}
	close(d.ready)

	d.log.WithFields(logrus.Fields{
		"pool_size": d.cfg.PoolSize,
		"took":      time.Since(start),
	}).Info("detector loaded")
	return nil
}

// Use installs already-built models in place of Load.
func (d *Detector) Use(face, landmark Model) {
	d.loadOnce.Do(func() {
		d.face = face
		d.landmark = landmark
		close(d.ready)
	})
}

func (d *Detector) isReady() bool {
	select {
	case <-d.ready:
		return true
	default:
		return false
	}
}

// Metrics reports the session pools, empty before Load.
func (d *Detector) Metrics() []PoolMetrics {
	if !d.isReady() {
		return nil
	}
	out := make([]PoolMetrics, 0, len(d.pools))
	for _, p := range d.pools {
		out = append(out, p.GetMetrics())
	}
	return out
}

func (d *Detector) Close() {
	if !d.isReady() {
		return
	}
	for _, p := range d.pools {
		p.Destroy()
	}
}

// Detect returns the landmarks of the largest face in img, or NotDetected
// when there is none. Transient failures are retried.
func (d *Detector) Detect(ctx context.Context, img image.Image) (models.Observation[landmarks.Set], error) {
	none := models.NotDetected[landmarks.Set]()
	if !d.isReady() {
		return none, ErrNotReady
	}
	if img == nil || img.Bounds().Empty() {
		return none, nil
	}

	var lastErr error
	for attempt := 1; attempt <= RetryAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return none, err
		}

		obs, err := d.detectOnce(ctx, img)
		if err == nil {
			return obs, nil
		}
		lastErr = err
		if errors.Is(err, ErrPoolClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			break
		}

		if attempt < RetryAttempts {
			timer := time.NewTimer(time.Duration(attempt) * RetryDelayMs * time.Millisecond)
			select {
			case <-ctx.Done():
				timer.Stop()
				return none, ctx.Err()
			case <-timer.C:
			}
		}
	}

	return none, lastErr
}

func (d *Detector) detectOnce(ctx context.Context, img image.Image) (models.Observation[landmarks.Set], error) {
	none := models.NotDetected[landmarks.Set]()
	startTotal := time.Now()
	timings := &models.ProcessingTimings{}
	bounds := img.Bounds()

	resizeStart := time.Now()
	resized := imaging.Resize(img, InputWidth, InputHeight, imaging.Linear)
	timings.Resize = time.Since(resizeStart)

	inferStart := time.Now()
	predictions, err := d.face.Infer(ctx, func(input []float32) {
		prepStart := time.Now()
		d.facePre.Process(resized, input)
		timings.Preprocess = time.Since(prepStart)
	})
	if err != nil {
		return none, fmt.Errorf("face inference: %w", err)
	}
	timings.Inference = time.Since(inferStart) - timings.Preprocess

	postStart := time.Now()
	dets, err := processPredictions(predictions, bounds.Dx(), bounds.Dy())
	if err != nil {
		return none, &ProcessingError{Message: "process predictions", Cause: err}
	}
	timings.Postprocess = time.Since(postStart)

	clusterStart := time.Now()
	boxes := ClusterBoxes(dets)
	timings.Clustering = time.Since(clusterStart)

	box, ok := PrimaryBox(boxes)
	if !ok {
		timings.Total = time.Since(startTotal)
		d.logTimings(timings, 0)
		return none, nil
	}

	region := cropRegion(translate(box, bounds.Min), FaceMargin, bounds)
	if region.Empty() {
		return none, nil
	}

	landmarkStart := time.Now()
	face := imaging.Resize(imaging.Crop(img, region), LandmarkInputSize, LandmarkInputSize, imaging.Linear)
	output, err := d.landmark.Infer(ctx, func(input []float32) {
		d.landmarkPre.Process(face, input)
	})
	if err != nil {
		return none, fmt.Errorf("landmark inference: %w", err)
	}
	set, err := decodeLandmarks(output, region)
	if err != nil {
		return none, &ProcessingError{Message: "decode landmarks", Cause: err}
	}
	timings.Landmarks = time.Since(landmarkStart)

	timings.Total = time.Since(startTotal)
	d.logTimings(timings, len(boxes))

	return models.Detected(set), nil
}

func translate(box [4]int32, origin image.Point) [4]int32 {
	dx, dy := int32(origin.X), int32(origin.Y)
	return [4]int32{box[0] + dx, box[1] + dy, box[2] + dx, box[3] + dy}
}

func (d *Detector) logTimings(t *models.ProcessingTimings, faces int) {
	d.log.WithFields(logrus.Fields{
		"faces":       faces,
		"resize":      t.Resize,
		"preprocess":  t.Preprocess,
		"inference":   t.Inference,
		"postprocess": t.Postprocess,
		"clustering":  t.Clustering,
		"landmarks":   t.Landmarks,
		"total":       t.Total,
	}).Debug("detection times")
}
