package models

import "time"

type Detection struct {
	BBox       [4]int32
	Confidence float32
}

// Observation is the result of a pipeline stage that may legitimately find
// nothing. The zero value is NotDetected.
type Observation[T any] struct {
	value    T
	detected bool
}

func Detected[T any](v T) Observation[T] {
	return Observation[T]{value: v, detected: true}
}

func NotDetected[T any]() Observation[T] {
	return Observation[T]{}
}

// Get returns the value and whether it was detected.
func (o Observation[T]) Get() (T, bool) {
	return o.value, o.detected
}

func (o Observation[T]) IsDetected() bool {
	return o.detected
}

type ProcessingTimings struct {
	RequestID   string
	ImageDecode time.Duration
	Resize      time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Clustering  time.Duration
	Landmarks   time.Duration
	Smoothing   time.Duration
	Pose        time.Duration
	Checklist   time.Duration
	Total       time.Duration
}
