package objectdetector

import (
	"image"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/technosupport/proctorkernel/internal/config"
)

// fakeModel returns a fixed <boxes, channels> tensor: one confident
// "phone" detection near the frame center, everything else near zero.
type fakeModel struct {
	w, h    int
	classes []string
	boxes   int
	tensor  []float32
}

func (f *fakeModel) InputSize() (int, int) { return f.w, f.h }
func (f *fakeModel) Classes() []string     { return f.classes }
func (f *fakeModel) Infer(chw []float32) ([]float32, int, int, error) {
	return f.tensor, f.boxes, 4 + len(f.classes), nil
}

func newFakeModel(classes []string) *fakeModel {
	const boxes = 8
	channels := 4 + len(classes)
	tensor := make([]float32, boxes*channels)
	// box 0: centered, already-sigmoided high confidence for class 0.
	tensor[0*channels+0] = 320 // cx
	tensor[0*channels+1] = 320 // cy
	tensor[0*channels+2] = 40  // w
	tensor[0*channels+3] = 40  // h
	tensor[0*channels+4] = 0.9 // class 0 score

	return &fakeModel{w: 640, h: 640, classes: classes, boxes: boxes, tensor: tensor}
}

func blankFrame(w, h int) *image.RGBA {
	return image.NewRGBA(image.Rect(0, 0, w, h))
}

func TestDetectFindsHighConfidenceBox(t *testing.T) {
	cfg := config.ObjectDetectorConfig{ConfidenceThreshold: 0.5, ForceSigmoid: "off"}
	d, err := New(newFakeModel([]string{"phone"}), cfg)
	require.NoError(t, err)

	dets, err := d.Detect(blankFrame(640, 480))
	require.NoError(t, err)
	require.Len(t, dets, 1)
	require.Equal(t, "phone", dets[0].Label)
	require.InDelta(t, 0.9, dets[0].Confidence, 1e-6)
}

func TestDetectBelowThresholdYieldsNothing(t *testing.T) {
	cfg := config.ObjectDetectorConfig{ConfidenceThreshold: 0.95, ForceSigmoid: "off"}
	d, err := New(newFakeModel([]string{"phone"}), cfg)
	require.NoError(t, err)

	dets, err := d.Detect(blankFrame(640, 480))
	require.NoError(t, err)
	require.Empty(t, dets)
}

func TestNewRejectsNilModel(t *testing.T) {
	_, err := New(nil, config.ObjectDetectorConfig{})
	require.ErrorIs(t, err, ErrModelLoadFailed)
}

func TestResolveShapeDetectsTransposedLayout(t *testing.T) {
	boxes, channels, transposed, err := resolveShape(8400, 9, 5)
	require.NoError(t, err)
	require.Equal(t, 8400, boxes)
	require.Equal(t, 9, channels)
	require.True(t, transposed)
}

func TestResolveShapeAmbiguousReturnsError(t *testing.T) {
	_, _, _, err := resolveShape(9, 9, 5)
	require.ErrorIs(t, err, ErrAmbiguousTensor)
}

func TestNMSSuppressesOverlappingBoxesSameClass(t *testing.T) {
	cfg := config.ObjectDetectorConfig{ConfidenceThreshold: 0.1, ForceSigmoid: "off"}
	classes := []string{"phone"}
	channels := 4 + len(classes)

	fm := &fakeModel{w: 640, h: 640, classes: classes, boxes: 2}
	fm.tensor = make([]float32, fm.boxes*channels)
	// Two near-identical boxes for the same class; NMS should keep one.
	for _, row := range []int{0, 1} {
		fm.tensor[row*channels+0] = 320
		fm.tensor[row*channels+1] = 320
		fm.tensor[row*channels+2] = 40
		fm.tensor[row*channels+3] = 40
		fm.tensor[row*channels+4] = 0.8
	}

	d, err := New(fm, cfg)
	require.NoError(t, err)

	dets, err := d.Detect(blankFrame(640, 480))
	require.NoError(t, err)
	require.Len(t, dets, 1)
}
