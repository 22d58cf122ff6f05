// Package objectdetector implements C3: local tensor post-processing for
// a YOLO-style object-detection model (letterbox preprocessing, auto
// logit/probability detection, per-class NMS) per spec §4.3. Loosely
// grounded on orbo's pipeline.Detector, but Detector here exposes only
// Classes and Detect (no Name/Type/IsHealthy/Close) and decodes locally
// instead of delegating to an HTTP microservice.
package objectdetector

import (
	"errors"
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"

	"github.com/technosupport/proctorkernel/internal/config"
	"github.com/technosupport/proctorkernel/internal/model"
)

var (
	ErrModelLoadFailed  = errors.New("object detection model load failed")
	ErrAmbiguousTensor   = errors.New("ambiguous output tensor shape")
)

// SigmoidMode is the explicit, load-time-decided state named in spec §9
// ("never a runtime guess per frame").
type SigmoidMode int

const (
	SigmoidAuto SigmoidMode = iota
	SigmoidForcedOn
	SigmoidForcedOff
)

// Model is the inference backend contract: a real runtime would satisfy
// this with a loaded ONNX/TFLite session. Infer returns the raw output
// tensor plus its declared shape (boxes dimension, channel dimension).
type Model interface {
	InputSize() (w, h int)
	Classes() []string
	Infer(chw []float32) (tensor []float32, shapeA, shapeB int, err error)
}

// Detector runs one model against one letterboxed frame per Detect call.
// The Supervisor holds a single Detector shared by all sessions; each
// session's detection loop calls Detect at most once per 500 ms (§4.3, §5).
type Detector struct {
	model Model
	cfg   config.ObjectDetectorConfig

	sigmoidMode SigmoidMode
	decided     bool
}

func New(m Model, cfg config.ObjectDetectorConfig) (*Detector, error) {
	if m == nil {
		return nil, ErrModelLoadFailed
	}
	mode := SigmoidAuto
	switch cfg.ForceSigmoid {
	case "on":
		mode = SigmoidForcedOn
	case "off":
		mode = SigmoidForcedOff
	}
	return &Detector{model: m, cfg: cfg, sigmoidMode: mode, decided: mode != SigmoidAuto}, nil
}

func (d *Detector) Classes() []string { return d.model.Classes() }

// Detect runs preprocessing, inference, and postprocessing for one frame.
func (d *Detector) Detect(frame *image.RGBA) ([]model.Detection, error) {
	inW, inH := d.model.InputSize()
	chw, scale, padX, padY := letterbox(frame, inW, inH)

	tensor, shapeA, shapeB, err := d.model.Infer(chw)
	if err != nil {
		return nil, err
	}

	classes := d.model.Classes()
	numClasses := len(classes)

	boxes, channels, transposed, err := resolveShape(shapeA, shapeB, numClasses)
	if err != nil {
		return nil, err
	}

	if !d.decided {
		d.sigmoidMode = decideSigmoid(tensor, channels, boxes, transposed, numClasses)
		d.decided = true
	}

	raw := parseDetections(tensor, boxes, channels, transposed, numClasses, classes, d.sigmoidMode, d.cfg.ConfidenceThreshold)
	for i := range raw {
		raw[i].Box = unletterbox(raw[i].Box, scale, padX, padY, frame.Bounds().Dx(), frame.Bounds().Dy())
	}

	return nms(raw, 0.45), nil
}

// letterbox resizes the frame to inW x inH preserving aspect ratio with
// gray padding, then returns it in channel-height-width [0,1] layout.
func letterbox(frame *image.RGBA, inW, inH int) (chw []float32, scale float64, padX, padY int) {
	srcW, srcH := frame.Bounds().Dx(), frame.Bounds().Dy()
	scale = math.Min(float64(inW)/float64(srcW), float64(inH)/float64(srcH))
	newW := int(float64(srcW) * scale)
	newH := int(float64(srcH) * scale)

	resized := image.NewRGBA(image.Rect(0, 0, newW, newH))
	draw.CatmullRom.Scale(resized, resized.Bounds(), frame, frame.Bounds(), draw.Over, nil)

	padX = (inW - newW) / 2
	padY = (inH - newH) / 2

	canvas := image.NewRGBA(image.Rect(0, 0, inW, inH))
	gray := image.NewUniform(image.Gray{Y: 114})
	draw.Draw(canvas, canvas.Bounds(), gray, image.Point{}, draw.Src)
	draw.Draw(canvas, image.Rect(padX, padY, padX+newW, padY+newH), resized, image.Point{}, draw.Src)

	chw = make([]float32, 3*inW*inH)
	plane := inW * inH
	for y := 0; y < inH; y++ {
		for x := 0; x < inW; x++ {
			r, g, b, _ := canvas.At(x, y).RGBA()
			idx := y*inW + x
			chw[idx] = float32(r>>8) / 255
			chw[plane+idx] = float32(g>>8) / 255
			chw[2*plane+idx] = float32(b>>8) / 255
		}
	}
	return chw, scale, padX, padY
}

func unletterbox(b model.BoundingBox, scale float64, padX, padY, origW, origH int) model.BoundingBox {
	unscale := func(v float64, pad int) float64 {
		return (v - float64(pad)) / scale
	}
	out := model.BoundingBox{
		X1: clamp(unscale(b.X1, padX), 0, float64(origW)),
		Y1: clamp(unscale(b.Y1, padY), 0, float64(origH)),
		X2: clamp(unscale(b.X2, padX), 0, float64(origW)),
		Y2: clamp(unscale(b.Y2, padY), 0, float64(origH)),
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// resolveShape auto-detects <channels,boxes> vs <boxes,channels> by
// matching the channel count against 4+numClasses (detection) or
// 4+numClasses+32 (segmentation; mask coefficients ignored).
func resolveShape(a, b, numClasses int) (boxes, channels int, transposed bool, err error) {
	det := 4 + numClasses
	seg := 4 + numClasses + 32

	matches := func(v int) bool { return v == det || v == seg }

	switch {
	case matches(a) && !matches(b):
		return b, a, false, nil // <channels, boxes>
	case matches(b) && !matches(a):
		return a, b, true, nil // <boxes, channels>
	default:
		return 0, 0, false, fmt.Errorf("%w: a=%d b=%d numClasses=%d", ErrAmbiguousTensor, a, b, numClasses)
	}
}

// decideSigmoid is made once per model load per spec §4.3 step 2.
func decideSigmoid(tensor []float32, channels, boxes int, transposed bool, numClasses int) SigmoidMode {
	var samples []float64
	sample := func(v float32) { samples = append(samples, float64(v)) }

	limit := boxes
	if limit > 256 {
		limit = 256
	}
	for i := 0; i < limit; i++ {
		for c := 4; c < 4+numClasses; c++ {
			if transposed {
				sample(tensor[i*channels+c])
			} else {
				sample(tensor[c*boxes+i])
			}
		}
	}
	if len(samples) == 0 {
		return SigmoidAuto
	}

	var mean, min, max float64
	min, max = samples[0], samples[0]
	for _, s := range samples {
		mean += s
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	mean /= float64(len(samples))

	if min < -0.1 || max > 1.5 {
		return SigmoidForcedOn
	}
	var variance float64
	for _, s := range samples {
		d := s - mean
		variance += d * d
	}
	variance /= float64(len(samples))
	if mean >= 0.4 && mean <= 0.6 && variance < 0.05 {
		return SigmoidForcedOn
	}
	return SigmoidForcedOff
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

func parseDetections(tensor []float32, boxes, channels int, transposed bool, numClasses int, classes []string, mode SigmoidMode, threshold float64) []model.Detection {
	get := func(row, col int) float64 {
		if transposed {
			return float64(tensor[row*channels+col])
		}
		return float64(tensor[col*boxes+row])
	}

	var out []model.Detection
	for i := 0; i < boxes; i++ {
		cx, cy, w, h := get(i, 0), get(i, 1), get(i, 2), get(i, 3)

		bestScore := -math.MaxFloat64
		bestClass := -1
		for c := 0; c < numClasses; c++ {
			score := get(i, 4+c)
			if mode == SigmoidForcedOn {
				score = sigmoid(score)
			}
			if score > bestScore {
				bestScore = score
				bestClass = c
			}
		}
		if bestClass < 0 || bestScore < threshold {
			continue
		}

		out = append(out, model.Detection{
			Label:      classes[bestClass],
			Confidence: bestScore,
			Box: model.BoundingBox{
				X1: cx - w/2,
				Y1: cy - h/2,
				X2: cx + w/2,
				Y2: cy + h/2,
			},
		})
	}
	return out
}

// nms applies per-class non-maximum suppression at the given IoU
// threshold.
func nms(dets []model.Detection, iouThreshold float64) []model.Detection {
	byClass := map[string][]model.Detection{}
	for _, d := range dets {
		byClass[d.Label] = append(byClass[d.Label], d)
	}

	var kept []model.Detection
	for _, group := range byClass {
		kept = append(kept, nmsOneClass(group, iouThreshold)...)
	}
	return kept
}

func nmsOneClass(dets []model.Detection, iouThreshold float64) []model.Detection {
	for i := 0; i < len(dets); i++ {
		for j := i + 1; j < len(dets); j++ {
			if dets[j].Confidence > dets[i].Confidence {
				dets[i], dets[j] = dets[j], dets[i]
			}
		}
	}

	suppressed := make([]bool, len(dets))
	var kept []model.Detection
	for i := range dets {
		if suppressed[i] {
			continue
		}
		kept = append(kept, dets[i])
		for j := i + 1; j < len(dets); j++ {
			if suppressed[j] {
				continue
			}
			if iou(dets[i].Box, dets[j].Box) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

func iou(a, b model.BoundingBox) float64 {
	x1 := math.Max(a.X1, b.X1)
	y1 := math.Max(a.Y1, b.Y1)
	x2 := math.Min(a.X2, b.X2)
	y2 := math.Min(a.Y2, b.Y2)

	interW := math.Max(0, x2-x1)
	interH := math.Max(0, y2-y1)
	inter := interW * interH

	areaA := (a.X2 - a.X1) * (a.Y2 - a.Y1)
	areaB := (b.X2 - b.X1) * (b.Y2 - b.Y1)
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
