package detections

import "time"

const (
	InputWidth     = 256
	InputHeight    = 256
	NumPredictions = 1344
	ConfThreshold  = 0.8
	RetryAttempts  = 3
	RetryDelayMs   = 100

	// LandmarkInputSize is the square input of the 68-point landmark model.
	LandmarkInputSize = 112
	NumLandmarks      = 68
	// FaceMargin pads the face box on every side before the landmark crop.
	FaceMargin = 0.2

	FaceInputName      = "images"
	FaceOutputName     = "output0"
	LandmarkInputName  = "input"
	LandmarkOutputName = "output"
)

const (
	// DefaultPoolSize Pool configuration
	DefaultPoolSize   = 4
	AcquireTimeout    = 5 * time.Second
	HealthCheckPeriod = 60 * time.Second
)
