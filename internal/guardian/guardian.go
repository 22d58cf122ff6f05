// Package guardian implements C8: per-event warning text and the final
// integrity report, through a three-tier strategy (pre-computed table,
// LRU+TTL cache, rate-limited generative call with deterministic
// fallback). The cache tier reuses the same hashicorp/golang-lru/v2
// dependency as internal/fusion's cooldown table; the rate limiter is a
// session-scoped in-process token bucket, adapted from the teacher's
// Redis-backed sliding-window internal/ratelimit.Limiter (IP-scoped,
// cross-process) since the Guardian's limiter here only needs to bound
// one session's calls, not coordinate across a fleet of servers.
package guardian

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/technosupport/proctorkernel/internal/config"
	"github.com/technosupport/proctorkernel/internal/model"
)

// Generator is the narrow prompt interface to the external generative
// text service (spec §6). Any failure degrades to a deterministic
// default; the core never blocks submit on this.
type Generator interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
}

type cacheEntry struct {
	text     string
	cachedAt time.Time
}

// TokenBucket is a minimal session-scoped rate limiter: N calls per W
// seconds, refilled continuously.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	last       time.Time
}

func NewTokenBucket(calls int, window time.Duration) *TokenBucket {
	cap := float64(calls)
	return &TokenBucket{
		tokens:     cap,
		capacity:   cap,
		refillRate: cap / window.Seconds(),
		last:       time.Now(),
	}
}

// Allow reports whether a call may proceed right now, consuming a token
// if so.
func (b *TokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.last).Seconds()
	b.last = now
	b.tokens = minF(b.capacity, b.tokens+elapsed*b.refillRate)

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// Guardian resolves warning text and integrity reports for one session.
type Guardian struct {
	generator Generator
	limiter   *TokenBucket

	cacheMu sync.Mutex
	cache   *lru.Cache[string, cacheEntry]

	reportMu sync.Mutex
	report   *model.IntegrityReport
	reportAt time.Time
}

func New(generator Generator, cfg config.GuardianConfig) *Guardian {
	cache, _ := lru.New[string, cacheEntry](256)
	window := time.Duration(cfg.RateLimitWindowSeconds) * time.Second
	if window <= 0 {
		window = 60 * time.Second
	}
	calls := cfg.RateLimitCalls
	if calls <= 0 {
		calls = 10
	}
	return &Guardian{
		generator: generator,
		limiter:   NewTokenBucket(calls, window),
		cache:     cache,
	}
}

const cacheTTL = 5 * time.Minute

// Warn resolves warning text for one alert. Tier 1 (table) never calls
// the external model; tier 2 (cache) hits TTL 5 minutes; tier 3 (rate-
// limited generative call) only runs on a full miss.
func (g *Guardian) Warn(ctx context.Context, kind model.AlertKind, warningCount int, progressPct int) string {
	level := warningCount
	if level > 3 {
		level = 3
	}
	if level < 1 {
		level = 1
	}

	if text, ok := precomputed[tableKey{kind, level}]; ok {
		return text
	}

	cacheKey := fmt.Sprintf("%s:%d", kind, warningCount)
	g.cacheMu.Lock()
	entry, found := g.cache.Get(cacheKey)
	g.cacheMu.Unlock()
	if found && time.Since(entry.cachedAt) < cacheTTL {
		return entry.text
	}

	if g.generator != nil && g.limiter.Allow() {
		prompt := fmt.Sprintf("Describe alert kind=%s warning_count=%d progress_pct=%d in one short sentence for a test-taker.", kind, warningCount, progressPct)
		text, err := g.generator.Generate(ctx, prompt, 60)
		if err == nil && text != "" {
			g.cacheMu.Lock()
			g.cache.Add(cacheKey, cacheEntry{text: text, cachedAt: time.Now()})
			g.cacheMu.Unlock()
			return text
		}
	}

	return defaultMessage(kind, warningCount)
}

const reportCacheTTL = 10 * time.Minute

// Report computes the integrity report once per session and caches it
// for 10 minutes to absorb duplicate submit requests.
func (g *Guardian) Report(ctx context.Context, sessionID string, counters model.Counters, perKind map[model.AlertKind]int) model.IntegrityReport {
	g.reportMu.Lock()
	defer g.reportMu.Unlock()

	if g.report != nil && time.Since(g.reportAt) < reportCacheTTL {
		return *g.report
	}

	score := 100
	score -= 10 * counters.CheatCount
	score -= 5 * counters.TabViolations
	score -= 5 * counters.FullscreenViolations
	score -= 1 * counters.GazeAwayCount
	score -= 15 * counters.FaceVerificationFailures
	score -= 20 * counters.CriticalCount
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	tier := model.RiskLow
	switch {
	case score >= 90:
		tier = model.RiskLow
	case score >= 70:
		tier = model.RiskMedium
	case score >= 50:
		tier = model.RiskHigh
	default:
		tier = model.RiskCritical
	}

	totalEvents := 0
	for _, c := range perKind {
		totalEvents += c
	}

	explanation := defaultExplanation(tier, counters)
	if g.generator != nil && (tier == model.RiskHigh || tier == model.RiskCritical) && totalEvents > 5 && g.limiter.Allow() {
		prompt := fmt.Sprintf("Write a short integrity report explanation for score=%d tier=%s cheat_count=%d tab=%d fullscreen=%d verification_failures=%d.",
			score, tier, counters.CheatCount, counters.TabViolations, counters.FullscreenViolations, counters.FaceVerificationFailures)
		if text, err := g.generator.Generate(ctx, prompt, 200); err == nil && text != "" {
			explanation = text
		}
	}

	report := model.IntegrityReport{
		SessionID:     sessionID,
		Score:         score,
		Tier:          tier,
		PerKindCounts: perKind,
		Explanation:   explanation,
		ComputedAt:    time.Now(),
	}
	g.report = &report
	g.reportAt = time.Now()
	return report
}

func defaultExplanation(tier model.RiskTier, c model.Counters) string {
	switch tier {
	case model.RiskLow:
		return "No significant integrity concerns were detected during this session."
	case model.RiskMedium:
		return fmt.Sprintf("Some monitored events were recorded (%d flagged behaviors); review is recommended.", c.CheatCount+c.TabViolations+c.FullscreenViolations)
	case model.RiskHigh:
		return "Multiple monitored violations were recorded during this session; instructor review is recommended."
	default:
		return "Critical integrity violations were recorded during this session; instructor review is required."
	}
}
