package guardian

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/technosupport/proctorkernel/internal/config"
	"github.com/technosupport/proctorkernel/internal/model"
)

type noCallGenerator struct{ calls int }

func (g *noCallGenerator) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	g.calls++
	return "generated text", nil
}

func TestWarn_PrecomputedTableNeverCallsGenerator(t *testing.T) {
	gen := &noCallGenerator{}
	g := New(gen, config.GuardianConfig{RateLimitCalls: 10, RateLimitWindowSeconds: 60})

	text := g.Warn(context.Background(), model.AlertPhoneDetected, 1, 10)
	require.NotEmpty(t, text)
	require.Equal(t, 0, gen.calls)
}

func TestWarn_FallsBackWhenGeneratorNil(t *testing.T) {
	g := New(nil, config.GuardianConfig{RateLimitCalls: 10, RateLimitWindowSeconds: 60})
	text := g.Warn(context.Background(), model.AlertKind("UnknownKind"), 4, 50)
	require.Equal(t, "An event was detected and recorded for this session.", text)
}

func TestReport_ScenarioB_SinglePhoneFlash(t *testing.T) {
	g := New(nil, config.GuardianConfig{})
	report := g.Report(context.Background(), "sess-1", model.Counters{CheatCount: 1}, map[model.AlertKind]int{model.AlertPhoneDetected: 1})
	require.Equal(t, 90, report.Score)
	require.Equal(t, model.RiskLow, report.Tier)
}

func TestReport_ScenarioE_MultiPersonAndPhone(t *testing.T) {
	g := New(nil, config.GuardianConfig{})
	counters := model.Counters{CheatCount: 1, CriticalCount: 1}
	report := g.Report(context.Background(), "sess-1", counters, map[model.AlertKind]int{model.AlertMultiPerson: 1, model.AlertPhoneDetected: 1})
	require.Equal(t, 70, report.Score)
	require.Equal(t, model.RiskMedium, report.Tier)
}

func TestReport_CachedOnSecondCall(t *testing.T) {
	g := New(nil, config.GuardianConfig{})
	first := g.Report(context.Background(), "sess-1", model.Counters{CheatCount: 5}, nil)
	second := g.Report(context.Background(), "sess-1", model.Counters{CheatCount: 0}, nil)
	require.Equal(t, first.Score, second.Score, "report must be cached and not recomputed on a second submit")
}

func TestReport_ScoreClampedToZero(t *testing.T) {
	g := New(nil, config.GuardianConfig{})
	report := g.Report(context.Background(), "sess-1", model.Counters{CheatCount: 50}, nil)
	require.Equal(t, 0, report.Score)
	require.Equal(t, model.RiskCritical, report.Tier)
}

func TestTokenBucket_LimitsCalls(t *testing.T) {
	b := NewTokenBucket(2, 60*time.Second)
	require.True(t, b.Allow())
	require.True(t, b.Allow())
	require.False(t, b.Allow())
}
