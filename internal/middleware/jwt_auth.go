package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/technosupport/proctorkernel/internal/tokens"
)

type TokenValidator interface {
	ValidateToken(tokenString string) (*tokens.Claims, error)
}

type JWTAuth struct {
	tokens TokenValidator
}

func NewJWTAuth(t TokenValidator) *JWTAuth {
	return &JWTAuth{tokens: t}
}

type contextKey string

const sessionContextKey contextKey = "session_claims"

// SessionContext carries the validated bearer token's identity into the
// handler.
type SessionContext struct {
	SessionID   string
	CandidateID string
	ExamID      string
}

func WithSessionContext(ctx context.Context, sc *SessionContext) context.Context {
	return context.WithValue(ctx, sessionContextKey, sc)
}

func SessionFromContext(ctx context.Context) (*SessionContext, bool) {
	sc, ok := ctx.Value(sessionContextKey).(*SessionContext)
	return sc, ok
}

// Middleware verifies the bearer session token and injects SessionContext.
func (m *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		claims, err := m.tokens.ValidateToken(parts[1])
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		sc := &SessionContext{
			SessionID:   claims.SessionID,
			CandidateID: claims.CandidateID,
			ExamID:      claims.ExamID,
		}

		ctx := WithSessionContext(r.Context(), sc)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
