package detections

import (
	"fmt"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"
)

type ModelSession struct {
	Session *ort.AdvancedSession
	Input   *ort.Tensor[float32]
	Output  *ort.Tensor[float32]
}

func (m *ModelSession) Destroy() {
	if m.Session != nil {
		m.Session.Destroy()
	}
	if m.Input != nil {
		m.Input.Destroy()
	}
	if m.Output != nil {
		m.Output.Destroy()
	}
}

// ModelSpec describes one ONNX model and its single input and output.
type ModelSpec struct {
	Path        string
	InputName   string
	OutputName  string
	InputShape  ort.Shape
	OutputShape ort.Shape
}

// FaceModelSpec is the face box detector.
func FaceModelSpec(path string) ModelSpec {
	return ModelSpec{
		Path:        path,
		InputName:   FaceInputName,
		OutputName:  FaceOutputName,
		InputShape:  ort.NewShape(1, 3, InputHeight, InputWidth),
		OutputShape: ort.NewShape(1, 6, NumPredictions),
	}
}

// LandmarkModelSpec is the 68-point landmark regressor.
func LandmarkModelSpec(path string) ModelSpec {
	return ModelSpec{
		Path:        path,
		InputName:   LandmarkInputName,
		OutputName:  LandmarkOutputName,
		InputShape:  ort.NewShape(1, 3, LandmarkInputSize, LandmarkInputSize),
		OutputShape: ort.NewShape(1, NumLandmarks*2),
	}
}

// OrtFactory builds sessions for spec on the ONNX Runtime.
func OrtFactory(spec ModelSpec) SessionFactory {
	return func() (*ModelSession, error) {
		return newOrtSession(spec)
	}
}

func newOrtSession(spec ModelSpec) (*ModelSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	options.SetIntraOpNumThreads(runtime.NumCPU())
	options.SetInterOpNumThreads(runtime.NumCPU())

	inputTensor, err := ort.NewEmptyTensor[float32](spec.InputShape)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](spec.OutputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		spec.Path,
		[]string{spec.InputName},
		[]string{spec.OutputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session for %s: %w", spec.Path, err)
	}

	return &ModelSession{
		Session: session,
		Input:   inputTensor,
		Output:  outputTensor,
	}, nil
}

// InitRuntime loads the ONNX Runtime shared library at libPath.
func InitRuntime(libPath string) error {
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnx environment: %w", err)
	}
	return nil
}

func DestroyRuntime() error {
	return ort.DestroyEnvironment()
}
