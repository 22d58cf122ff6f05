package middleware_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/technosupport/proctorkernel/internal/middleware"
	"github.com/technosupport/proctorkernel/internal/ratelimit"
)

func TestRateLimit_GlobalIP(t *testing.T) {
	mr, _ := miniredis.Run()
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	limiter := ratelimit.NewLimiter(rdb, "salt")
	cfg := middleware.Config{
		GlobalIP: ratelimit.LimitConfig{Rate: 2, Window: time.Second},
	}
	mw := middleware.NewRateLimitMiddleware(limiter, cfg)

	handler := mw.GlobalLimiter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "1.2.3.4:1234"

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != 429 {
		t.Errorf("Expected 429, got %d", w.Code)
	}
	if w.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Error("Expected remaining 0")
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After header")
	}
}

func TestRateLimit_RedisDown_FailOpen(t *testing.T) {
	mr, _ := miniredis.Run()
	addr := mr.Addr()
	mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	limiter := ratelimit.NewLimiter(rdb, "salt")
	cfg := middleware.Config{GlobalIP: ratelimit.LimitConfig{Rate: 1, Window: time.Second}}
	mw := middleware.NewRateLimitMiddleware(limiter, cfg)

	req := httptest.NewRequest("GET", "/sessions/abc/log_event", nil)
	w := httptest.NewRecorder()

	mw.GlobalLimiter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	})).ServeHTTP(w, req)

	if w.Code != 200 {
		t.Errorf("Expected 200 (fail open), got %d", w.Code)
	}
}

func TestRateLimit_RedisDown_Start_FailClosed(t *testing.T) {
	mr, _ := miniredis.Run()
	addr := mr.Addr()
	mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	limiter := ratelimit.NewLimiter(rdb, "salt")
	cfg := middleware.Config{GlobalIP: ratelimit.LimitConfig{Rate: 1, Window: time.Second}}
	mw := middleware.NewRateLimitMiddleware(limiter, cfg)

	req := httptest.NewRequest("POST", "/v1/sessions/start", nil)
	w := httptest.NewRecorder()

	mw.GlobalLimiter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	})).ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (fail closed), got %d", w.Code)
	}
}

func TestRateLimit_Session(t *testing.T) {
	mr, _ := miniredis.Run()
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	limiter := ratelimit.NewLimiter(rdb, "salt")
	cfg := middleware.Config{
		GlobalIP: ratelimit.LimitConfig{Rate: 100, Window: time.Second},
		Session:  ratelimit.LimitConfig{Rate: 1, Window: time.Second},
	}
	mw := middleware.NewRateLimitMiddleware(limiter, cfg)

	sc := &middleware.SessionContext{SessionID: "sess-1", CandidateID: "cand-1", ExamID: "exam-1"}
	ctx := middleware.WithSessionContext(context.Background(), sc)
	req := httptest.NewRequest("POST", "/v1/sessions/sess-1/log_event", nil).WithContext(ctx)
	req.RemoteAddr = "10.0.0.1:123"

	handler := mw.GlobalLimiter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != 429 {
		t.Errorf("Expected 429 (session limit), got %d", w.Code)
	}
}
