package checklist

import (
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/Tutortoise/face-alignment-gate/headpose"
	"github.com/Tutortoise/face-alignment-gate/landmarks"
	"github.com/Tutortoise/face-alignment-gate/models"
)

const (
	DefaultDirectionRange      = 20.0
	DefaultBrightnessThreshold = 0.4
)

var lumaWeights = [3]float64{0.2126, 0.7152, 0.0722}

// Rect is the target region, in the same coordinate space as landmarks.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width" validate:"gt=0"`
	Height float64 `json:"height" validate:"gt=0"`
}

func (r Rect) Empty() bool {
	return !(r.Width > 0) || !(r.Height > 0)
}

// Bounds converts r into an integer pixel rectangle.
func (r Rect) Bounds() image.Rectangle {
	return image.Rect(
		int(math.Round(r.X)),
		int(math.Round(r.Y)),
		int(math.Round(r.X+r.Width)),
		int(math.Round(r.Y+r.Height)),
	)
}

type State struct {
	Contains   bool `json:"contains"`
	Direction  bool `json:"direction"`
	Brightness bool `json:"brightness"`
}

// Passed reports whether all three criteria hold.
func (s State) Passed() bool {
	return s.Contains && s.Direction && s.Brightness
}

// Cropper copies the rect region of src into a new raster.
type Cropper func(src image.Image, rect image.Rectangle) *image.NRGBA

type Evaluator struct {
	directionRange      float64
	brightnessThreshold float64
	crop                Cropper
}

type Option func(*Evaluator)

func WithDirectionRange(deg float64) Option {
	return func(e *Evaluator) {
		if deg > 0 {
			e.directionRange = deg
		}
	}
}

func WithBrightnessThreshold(threshold float64) Option {
	return func(e *Evaluator) {
		if threshold >= 0 && threshold <= 1 {
			e.brightnessThreshold = threshold
		}
	}
}

func WithCropper(crop Cropper) Option {
	return func(e *Evaluator) {
		if crop != nil {
			e.crop = crop
		}
	}
}

func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{
		directionRange:      DefaultDirectionRange,
		brightnessThreshold: DefaultBrightnessThreshold,
		crop:                imaging.Crop,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate computes the gate. Brightness needs a raster crop, so it is only
// looked at once the face is both inside the rect and facing forward.
func (e *Evaluator) Evaluate(set landmarks.Set, angles models.Observation[headpose.EulerAngles], rect Rect, source image.Image) State {
	contains := Contains(set, rect)
	direction := Direction(e.directionRange, angles)

	return State{
		Contains:   contains,
		Direction:  direction,
		Brightness: contains && direction && e.brightness(source, rect),
	}
}

// Contains reports whether every landmark is present and lies strictly
// inside rect. A set missing any key never passes.
func Contains(set landmarks.Set, rect Rect) bool {
	if rect.Empty() {
		return false
	}
	for _, k := range landmarks.Keys() {
		p, ok := set.Get(k)
		if !ok {
			return false
		}
		x := p.X - rect.X
		y := p.Y - rect.Y
		if !(x > 0 && x < rect.Width && y > 0 && y < rect.Height) {
			return false
		}
	}
	return true
}

// Direction reports a frontal pose. The angle decomposition puts a frontal
// face at pitch ±180, hence the check against 180-rangeDeg.
func Direction(rangeDeg float64, angles models.Observation[headpose.EulerAngles]) bool {
	a, ok := angles.Get()
	if !ok {
		return false
	}
	return math.Abs(a.Pitch) > 180-rangeDeg &&
		math.Abs(a.Yaw) < rangeDeg &&
		math.Abs(a.Roll) < rangeDeg
}

func (e *Evaluator) brightness(source image.Image, rect Rect) bool {
	if source == nil || rect.Empty() {
		return false
	}
	bounds := rect.Bounds().Intersect(source.Bounds())
	if bounds.Empty() {
		return false
	}
	crop := e.crop(source, bounds)
	if crop == nil {
		return false
	}
	r, g, b, ok := AverageColor(crop)
	if !ok {
		return false
	}
	return Luma(r, g, b) > e.brightnessThreshold
}

// Luma maps an 8-bit RGB triple onto [0,1] with Rec. 709 weights.
func Luma(r, g, b float64) float64 {
	return (r*lumaWeights[0] + g*lumaWeights[1] + b*lumaWeights[2]) /
		((lumaWeights[0] + lumaWeights[1] + lumaWeights[2]) * 255)
}

// AverageColor returns the mean 8-bit RGB of img's visible pixels.
// Fully transparent pixels are skipped.
func AverageColor(img *image.NRGBA) (r, g, b float64, ok bool) {
	var sr, sg, sb, n float64
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		row := img.Pix[img.PixOffset(bounds.Min.X, y):img.PixOffset(bounds.Max.X, y)]
		for i := 0; i+3 < len(row); i += 4 {
			if row[i+3] == 0 {
				continue
			}
			sr += float64(row[i])
			sg += float64(row[i+1])
			sb += float64(row[i+2])
			n++
		}
	}
	if n == 0 {
		return 0, 0, 0, false
	}
	return sr / n, sg / n, sb / n, true
}
