// Package verifier implements C7: binding a session to an enrolled
// candidate via multi-frame majority voting over a face descriptor. The
// Extractor interface mirrors the pack's HTTP-delegating recognizer
// shape (orbo's internal/detection.FaceRecognizer: Enabled/threshold/
// Detect), but distance computation and voting are implemented locally
// per spec §4.7 rather than delegated to a recognition microservice.
// Templates are encrypted at rest via internal/crypto's AES-256-GCM
// envelope (nonce/ciphertext/tag split), matching the biometric template
// storage contract described in spec §3.
package verifier

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/technosupport/proctorkernel/internal/config"
	"github.com/technosupport/proctorkernel/internal/model"
)

var (
	ErrNoFace              = model.ErrNoFace
	ErrMultiPerson         = model.ErrMultiPersonDetected
	ErrDimensionMismatch   = errors.New("verifier: descriptor dimensionality mismatch")
	ErrVerifierUnavailable = model.ErrVerifierUnavailable
)

// Extractor runs face detection + descriptor extraction on a single
// frame. Implementations may be local (pure-Go model) or HTTP-delegated,
// matching the pack's Detector-variant convention (spec §9).
type Extractor interface {
	Extract(ctx context.Context, frame *model.Frame) (descriptor []float32, faceCount int, err error)
}

// TemplateStore persists and loads the encrypted biometric template.
type TemplateStore interface {
	Load(ctx context.Context, candidateID string) (*model.BiometricTemplate, error)
	Save(ctx context.Context, tmpl model.BiometricTemplate) error
}

// Verifier runs enrollment and verification for one session.
type Verifier struct {
	extractor Extractor
	cfg       config.VerifierConfig
}

func New(extractor Extractor, cfg config.VerifierConfig) *Verifier {
	if cfg.FrameCount <= 0 {
		cfg.FrameCount = 3
	}
	if cfg.MinMatches <= 0 {
		cfg.MinMatches = 2
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.55
	}
	return &Verifier{extractor: extractor, cfg: cfg}
}

// Enroll captures several frames and persists the best-quality
// descriptor (lowest mean distance to the others, a simple centrality
// proxy for quality in the absence of a dedicated quality score).
func (v *Verifier) Enroll(ctx context.Context, candidateID string, frames []*model.Frame) (model.BiometricTemplate, error) {
	var descriptors [][]float32
	for _, f := range frames {
		d, count, err := v.extractor.Extract(ctx, f)
		if err != nil || count != 1 {
			continue
		}
		descriptors = append(descriptors, d)
	}
	if len(descriptors) == 0 {
		return model.BiometricTemplate{}, ErrNoFace
	}

	best := centralMost(descriptors)
	if len(best) != model.TemplateDimensions {
		return model.BiometricTemplate{}, ErrDimensionMismatch
	}

	return model.BiometricTemplate{
		CandidateID: candidateID,
		Vector:      best,
		EnrolledAt:  time.Now(),
	}, nil
}

// Decision is the outcome of a single verification run.
type Decision struct {
	Match    bool
	Distance float64
}

// Verify extracts a descriptor from each frame it is given and votes per
// spec §4.7; how many frames and how far apart is the caller's choice
// (the Supervisor captures FrameCount frames 200ms apart). A
// transient per-frame extraction failure is retried once after 200ms;
// a second failure for that frame is simply excluded from the vote.
func (v *Verifier) Verify(ctx context.Context, template model.BiometricTemplate, frames []*model.Frame) (Decision, error) {
	if len(template.Vector) != model.TemplateDimensions {
		return Decision{}, ErrDimensionMismatch
	}

	var distances []float64
	for _, f := range frames {
		d, faceCount, err := v.extractWithRetry(ctx, f)
		if err != nil {
			continue
		}
		if faceCount == 0 {
			continue
		}
		if faceCount > 1 {
			return Decision{}, ErrMultiPerson
		}
		distances = append(distances, euclidean(d, template.Vector))
	}

	if len(distances) == 0 {
		return Decision{}, ErrNoFace
	}

	matches := 0
	for _, d := range distances {
		if d <= v.cfg.Threshold {
			matches++
		}
	}

	sorted := append([]float64(nil), distances...)
	sort.Float64s(sorted)
	median := sorted[len(sorted)/2]
	if len(sorted)%2 == 0 {
		median = (sorted[len(sorted)/2-1] + sorted[len(sorted)/2]) / 2
	}

	return Decision{
		Match:    matches >= v.cfg.MinMatches,
		Distance: median,
	}, nil
}

func (v *Verifier) extractWithRetry(ctx context.Context, f *model.Frame) ([]float32, int, error) {
	d, count, err := v.extractor.Extract(ctx, f)
	if err == nil {
		return d, count, nil
	}
	time.Sleep(200 * time.Millisecond)
	return v.extractor.Extract(ctx, f)
}

func euclidean(a, b []float32) float64 {
	var sum float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		d := float64(a[i] - b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// centralMost returns the descriptor with the lowest mean distance to
// all the others: a simple proxy for "best quality" among several
// enrollment captures.
func centralMost(descriptors [][]float32) []float32 {
	if len(descriptors) == 1 {
		return descriptors[0]
	}
	bestIdx := 0
	bestScore := math.MaxFloat64
	for i, d := range descriptors {
		var total float64
		for j, other := range descriptors {
			if i == j {
				continue
			}
			total += euclidean(d, other)
		}
		if total < bestScore {
			bestScore = total
			bestIdx = i
		}
	}
	return descriptors[bestIdx]
}
