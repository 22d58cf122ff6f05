package objectdetector

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNXModel satisfies Model by loading a single YOLO-style detection
// graph through ONNX Runtime. Grounded on the pack's
// yalue/onnxruntime_go usage (shared-library init, per-session
// SessionOptions, fixed input/output tensor shapes) seen across the
// retrieved vision pipelines; unlike those multi-model pipelines
// (detector + embedder + attributes), C3 needs exactly one graph.
type ONNXModel struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]

	inputW, inputH int
	classes        []string
	outputShapeA   int
	outputShapeB   int
}

// NewONNXModel loads modelPath and binds fixed-shape input/output
// tensors once at construction; Infer reuses the same buffers on every
// call since the Detector processes at most one frame at a time.
func NewONNXModel(libPath, modelPath string, inputW, inputH int, classes []string, outputShapeA, outputShapeB int) (*ONNXModel, error) {
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnxruntime: %w", err)
		}
	}

	inputShape := ort.NewShape(1, 3, int64(inputH), int64(inputW))
	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	outputShape := ort.NewShape(1, int64(outputShapeA), int64(outputShapeB))
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer opts.Destroy()

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"images"}, []string{"output0"},
		[]ort.Value{inputTensor}, []ort.Value{outputTensor}, opts)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("load onnx model %s: %w", modelPath, err)
	}

	return &ONNXModel{
		session:      session,
		input:        inputTensor,
		output:       outputTensor,
		inputW:       inputW,
		inputH:       inputH,
		classes:      classes,
		outputShapeA: outputShapeA,
		outputShapeB: outputShapeB,
	}, nil
}

func (m *ONNXModel) InputSize() (w, h int) { return m.inputW, m.inputH }

func (m *ONNXModel) Classes() []string { return m.classes }

// Infer copies chw into the bound input tensor, runs the session, and
// returns the output tensor's backing data. The caller (Detector) owns
// post-processing; serialized by mu since the bound tensors are shared
// across calls.
func (m *ONNXModel) Infer(chw []float32) ([]float32, int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data := m.input.GetData()
	if len(data) != len(chw) {
		return nil, 0, 0, fmt.Errorf("input size mismatch: got %d want %d", len(chw), len(data))
	}
	copy(data, chw)

	if err := m.session.Run(); err != nil {
		return nil, 0, 0, fmt.Errorf("onnx inference failed: %w", err)
	}

	out := m.output.GetData()
	result := make([]float32, len(out))
	copy(result, out)
	return result, m.outputShapeA, m.outputShapeB, nil
}

func (m *ONNXModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session.Destroy()
	m.input.Destroy()
	m.output.Destroy()
	return nil
}
