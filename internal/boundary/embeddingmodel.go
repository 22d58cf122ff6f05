package boundary

import (
	"fmt"
	"image"
	"math"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// EmbeddingModel loads a face-embedding ONNX graph (e.g. a FaceNet/ArcFace
// style network) producing a fixed-dimension descriptor per face crop.
// Grounded the same way as objectdetector.ONNXModel: single bound
// input/output tensor pair, reused across calls. Hosted by
// cmd/visionworker behind DescriptorExtractor's HTTP contract rather
// than called in-process, since the kernel's verifier.Extractor
// interface is HTTP-delegating by design (spec §4.7, §9).
type EmbeddingModel struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]

	inputW, inputH int
	dims           int
}

func NewEmbeddingModel(libPath, modelPath string, inputW, inputH, dims int) (*EmbeddingModel, error) {
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnxruntime: %w", err)
		}
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(inputH), int64(inputW)))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(dims)))
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
		[]string{"input"}, []string{"embedding"},
		[]ort.Value{inputTensor}, []ort.Value{outputTensor}, opts)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("load embedding model %s: %w", modelPath, err)
	}

	return &EmbeddingModel{
		session: session,
		input:   inputTensor,
		output:  outputTensor,
		inputW:  inputW,
		inputH:  inputH,
		dims:    dims,
	}, nil
}

// Embed runs inference on a pre-cropped, pre-resized face image (the
// caller is responsible for face detection and crop/resize to
// inputW x inputH) and returns the L2-normalized descriptor.
func (m *EmbeddingModel) Embed(img *image.RGBA) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chw := toCHW(img, m.inputW, m.inputH)
	data := m.input.GetData()
	if len(data) != len(chw) {
		return nil, fmt.Errorf("input size mismatch: got %d want %d", len(chw), len(data))
	}
	copy(data, chw)

	if err := m.session.Run(); err != nil {
		return nil, fmt.Errorf("embedding inference failed: %w", err)
	}

	out := m.output.GetData()
	result := make([]float32, len(out))
	copy(result, out)
	return normalize(result), nil
}

func (m *EmbeddingModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session.Destroy()
	m.input.Destroy()
	m.output.Destroy()
	return nil
}

func toCHW(img *image.RGBA, w, h int) []float32 {
	out := make([]float32, 3*w*h)
	plane := w * h
	for y := 0; y < h && y < img.Rect.Dy(); y++ {
		for x := 0; x < w && x < img.Rect.Dx(); x++ {
			r, g, b, _ := img.At(img.Rect.Min.X+x, img.Rect.Min.Y+y).RGBA()
			idx := y*w + x
			out[idx] = float32(r>>8) / 255.0
			out[plane+idx] = float32(g>>8) / 255.0
			out[2*plane+idx] = float32(b>>8) / 255.0
		}
	}
	return out
}

func normalize(v []float32) []float32 {
	var sumSq float64
	for _, f := range v {
		sumSq += float64(f) * float64(f)
	}
	if sumSq == 0 {
		return v
	}
	norm := float32(1.0 / math.Sqrt(sumSq))
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = f * norm
	}
	return out
}
