package verifier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/technosupport/proctorkernel/internal/config"
	"github.com/technosupport/proctorkernel/internal/model"
)

type fakeExtractor struct {
	perFrame map[*model.Frame][]float32
	count    int
}

func (f *fakeExtractor) Extract(ctx context.Context, frame *model.Frame) ([]float32, int, error) {
	return f.perFrame[frame], f.count, nil
}

func template(vec []float32) model.BiometricTemplate {
	return model.BiometricTemplate{CandidateID: "cand-1", Vector: vec, EnrolledAt: time.Now()}
}

func vector128(fill float32) []float32 {
	v := make([]float32, model.TemplateDimensions)
	for i := range v {
		v[i] = fill
	}
	return v
}

func TestVerify_MismatchScenarioF(t *testing.T) {
	tmpl := template(vector128(0))

	// Distances {0.8, 0.78, 0.82} against threshold 0.55: 0 matches.
	frames := []*model.Frame{{}, {}, {}}
	distances := []float64{0.8, 0.78, 0.82}
	extractor := &distanceExtractor{base: vector128(0), distances: distances, frames: frames, count: 1}

	v := New(extractor, config.VerifierConfig{Threshold: 0.55, FrameCount: 3, MinMatches: 2})
	decision, err := v.Verify(context.Background(), tmpl, frames)
	require.NoError(t, err)
	require.False(t, decision.Match)
	require.InDelta(t, 0.8, decision.Distance, 0.001)
}

func TestVerify_MajorityMatch(t *testing.T) {
	tmpl := template(vector128(0))
	frames := []*model.Frame{{}, {}, {}}
	distances := []float64{0.1, 0.2, 0.9}
	extractor := &distanceExtractor{base: vector128(0), distances: distances, frames: frames, count: 1}

	v := New(extractor, config.VerifierConfig{Threshold: 0.55, FrameCount: 3, MinMatches: 2})
	decision, err := v.Verify(context.Background(), tmpl, frames)
	require.NoError(t, err)
	require.True(t, decision.Match)
}

func TestVerify_MultiPersonFailsFast(t *testing.T) {
	tmpl := template(vector128(0))
	frames := []*model.Frame{{}}
	extractor := &distanceExtractor{base: vector128(0), distances: []float64{0}, frames: frames, count: 2}

	v := New(extractor, config.VerifierConfig{Threshold: 0.55, FrameCount: 1, MinMatches: 1})
	_, err := v.Verify(context.Background(), tmpl, frames)
	require.ErrorIs(t, err, ErrMultiPerson)
}

// distanceExtractor returns a descriptor offset from base by a target
// Euclidean distance along a single axis, letting tests assert exact
// decisions without depending on real model geometry.
type distanceExtractor struct {
	base      []float32
	distances []float64
	frames    []*model.Frame
	count     int
	call      int
}

func (d *distanceExtractor) Extract(ctx context.Context, frame *model.Frame) ([]float32, int, error) {
	idx := d.call
	d.call++
	vec := append([]float32(nil), d.base...)
	vec[0] += float32(d.distances[idx])
	return vec, d.count, nil
}
