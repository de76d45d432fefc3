package landmarks

import (
	"fmt"
	"math"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Point is a position in image pixel space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (p Point) valid() bool {
	return !math.IsNaN(p.X) && !math.IsNaN(p.Y) && !math.IsInf(p.X, 0) && !math.IsInf(p.Y, 0)
}

// Key names one tracked facial feature.
type Key int

const (
	Nose Key = iota
	LeftEye
	RightEye
	LeftEyeBrow
	RightEyeBrow
	LeftMouth
	RightMouth
	UpperLip
	LowerLip
	Jaw
	LeftOutline
	RightOutline

	numKeys
)

var keyNames = [numKeys]string{
	Nose:         "nose",
	LeftEye:      "leftEye",
	RightEye:     "rightEye",
	LeftEyeBrow:  "leftEyeBrow",
	RightEyeBrow: "rightEyeBrow",
	LeftMouth:    "leftMouth",
	RightMouth:   "rightMouth",
	UpperLip:     "upperLip",
	LowerLip:     "lowerLip",
	Jaw:          "jaw",
	LeftOutline:  "leftOutline",
	RightOutline: "rightOutline",
}

func (k Key) String() string {
	if k < 0 || k >= numKeys {
		return fmt.Sprintf("Key(%d)", int(k))
	}
	return keyNames[k]
}

// ParseKey maps a wire name back to its Key.
func ParseKey(name string) (Key, bool) {
	for k, n := range keyNames {
		if n == name {
			return Key(k), true
		}
	}
	return 0, false
}

// Keys lists every landmark key in declaration order.
func Keys() []Key {
	keys := make([]Key, numKeys)
	for i := range keys {
		keys[i] = Key(i)
	}
	return keys
}

// Set maps every Key to an optional Point. It is a value type: copies never
// share storage, so a Set can be published by plain assignment.
type Set struct {
	points  [numKeys]Point
	present [numKeys]bool
}

// Get returns the point for k and whether it was detected.
func (s Set) Get(k Key) (Point, bool) {
	if k < 0 || k >= numKeys {
		return Point{}, false
	}
	return s.points[k], s.present[k]
}

// With returns a copy of s with k set to p. Non-finite points are treated as
// not detected.
func (s Set) With(k Key, p Point) Set {
	if k < 0 || k >= numKeys {
		return s
	}
	if !p.valid() {
		return s.Without(k)
	}
	s.points[k] = p
	s.present[k] = true
	return s
}

// Without returns a copy of s with k absent.
func (s Set) Without(k Key) Set {
	if k < 0 || k >= numKeys {
		return s
	}
	s.points[k] = Point{}
	s.present[k] = false
	return s
}

// Len counts the defined points.
func (s Set) Len() int {
	n := 0
	for _, ok := range s.present {
		if ok {
			n++
		}
	}
	return n
}

// Points returns the defined points in key order.
func (s Set) Points() []Point {
	pts := make([]Point, 0, numKeys)
	for k, ok := range s.present {
		if ok {
			pts = append(pts, s.points[k])
		}
	}
	return pts
}

func (s Set) MarshalJSON() ([]byte, error) {
	m := make(map[string][2]float64, numKeys)
	for k, ok := range s.present {
		if ok {
			m[keyNames[k]] = [2]float64{s.points[k].X, s.points[k].Y}
		}
	}
	return json.Marshal(m)
}

func (s *Set) UnmarshalJSON(data []byte) error {
	var m map[string][]float64
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}

	var out Set
	for name, xy := range m {
		k, ok := ParseKey(name)
		if !ok {
			return fmt.Errorf("unknown landmark %q", name)
		}
		// malformed entries resolve to absent
		if len(xy) != 2 {
			continue
		}
		out = out.With(k, Point{X: xy[0], Y: xy[1]})
	}
	*s = out
	return nil
}
