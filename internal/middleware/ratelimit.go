package middleware

import (
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/technosupport/proctorkernel/internal/ratelimit"
)

// RateLimitMiddleware bounds request volume on the session lifecycle
// interface (spec §6: start/submit_answer/submit/log_event). Global IP
// limits sit ahead of authentication and cover start(); the session
// limit keys on the bearer token's SessionID and applies only where
// GlobalLimiter runs behind JWTAuth. cmd/proctorsvc wraps the whole
// router with GlobalLimiter ahead of JWTAuth, so there only the IP limit
// is enforced and the session limit never applies.
type RateLimitMiddleware struct {
	limiter *ratelimit.Limiter
	config  Config
}

type Config struct {
	GlobalIP ratelimit.LimitConfig `yaml:"global_ip"`
	Session  ratelimit.LimitConfig `yaml:"session"`
}

func DefaultConfig() Config {
	return Config{
		GlobalIP: ratelimit.LimitConfig{Rate: 30, Window: 60 * time.Second},
		Session:  ratelimit.LimitConfig{Rate: 600, Window: 60 * time.Second},
	}
}

func NewRateLimitMiddleware(l *ratelimit.Limiter, c Config) *RateLimitMiddleware {
	return &RateLimitMiddleware{limiter: l, config: c}
}

// GlobalLimiter applies the IP-scoped limit and, when SessionContext is
// already present (i.e. it runs after JWTAuth), the session-scoped
// limit too.
func (m *RateLimitMiddleware) GlobalLimiter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		ipHash := m.limiter.HashIP(ip)
		ipKey := fmt.Sprintf("rl:ip:%s", ipHash)

		decision, err := m.limiter.CheckRateLimit(r.Context(), ipKey, m.config.GlobalIP)
		if err == ratelimit.ErrRedisUnavailable {
			// start() is the entry point onto a paid exam session; fail
			// closed there and fail open everywhere else.
			if strings.HasSuffix(r.URL.Path, "/start") {
				log.Printf("ratelimit: redis unavailable, failing closed on %s", r.URL.Path)
				http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
				return
			}
			log.Printf("ratelimit: redis unavailable, failing open on %s", r.URL.Path)
			next.ServeHTTP(w, r)
			return
		} else if err != nil {
			log.Printf("ratelimit: %v", err)
			next.ServeHTTP(w, r)
			return
		}

		if !decision.Allowed {
			m.writeRateLimitHeaders(w, decision)
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		if sc, ok := SessionFromContext(r.Context()); ok {
			sessKey := fmt.Sprintf("rl:session:%s", sc.SessionID)
			sDecision, err := m.limiter.CheckRateLimit(r.Context(), sessKey, m.config.Session)
			if err == nil && !sDecision.Allowed {
				m.writeRateLimitHeaders(w, sDecision)
				http.Error(w, "session rate limit exceeded", http.StatusTooManyRequests)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	return strings.Split(r.RemoteAddr, ":")[0]
}

func (m *RateLimitMiddleware) writeRateLimitHeaders(w http.ResponseWriter, d *ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	if !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
	}
}
