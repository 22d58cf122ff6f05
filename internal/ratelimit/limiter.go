// Package ratelimit implements a Redis-backed fixed-window rate limiter,
// used for the HTTP-layer request limits in front of the session
// lifecycle interface (global-IP and per-session-token limits). The
// Guardian's own generative-call limiter is a separate, in-process
// token bucket (internal/guardian) since that one only needs to bound a
// single session's calls rather than coordinate across server replicas.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrRedisUnavailable  = errors.New("redis unavailable")
)

type Scope string

const (
	ScopeGlobalIP Scope = "ip"
	ScopeSession  Scope = "session"
	ScopeEndpoint Scope = "endpoint"
)

type Decision struct {
	Scope      Scope
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter int
	Allowed    bool
}

type LimitConfig struct {
	Rate   int           `yaml:"rate"`
	Window time.Duration `yaml:"window"`
	Burst  int           `yaml:"burst"`
}

type Limiter struct {
	client *redis.Client
	salt   string
}

func NewLimiter(client *redis.Client, salt string) *Limiter {
	if salt == "" {
		salt = "default-salt-change-me"
	}
	return &Limiter{client: client, salt: salt}
}

// HashIP creates a privacy-safe hash of the IP.
func (l *Limiter) HashIP(ip string) string {
	hash := sha256.Sum256([]byte(ip + l.salt))
	return hex.EncodeToString(hash[:])
}

var incrScript = redis.NewScript(`
	local current = redis.call("INCR", KEYS[1])
	if tonumber(current) == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return current
`)

// CheckRateLimit checks the request against a fixed window rooted at the
// first request for key, atomically incrementing via a Lua script.
func (l *Limiter) CheckRateLimit(ctx context.Context, key string, config LimitConfig) (*Decision, error) {
	count, err := incrScript.Run(ctx, l.client, []string{key}, config.Window.Milliseconds()).Int()
	if err != nil {
		return nil, ErrRedisUnavailable
	}

	remaining := config.Rate - count
	if remaining < 0 {
		remaining = 0
	}

	return &Decision{
		Limit:      config.Rate,
		Remaining:  remaining,
		Reset:      time.Now().Add(config.Window),
		RetryAfter: int(config.Window.Seconds()),
		Allowed:    count <= config.Rate,
	}, nil
}
