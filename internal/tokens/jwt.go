// Package tokens issues and validates the bearer tokens the session
// lifecycle interface (spec §6) hands to the embedding exam UI.
// Grounded on the teacher's internal/tokens.Manager (HS256 + kid header
// for future key rotation), generalized from tenant/user access tokens
// to session/candidate session tokens.
package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid token")

type TokenType string

const (
	SessionToken TokenType = "session"
	ResumeToken  TokenType = "resume"
)

// Claims identifies the session and candidate a bearer token was issued
// for.
type Claims struct {
	SessionID   string    `json:"session_id"`
	CandidateID string    `json:"sub"`
	ExamID      string    `json:"exam_id"`
	TokenType   TokenType `json:"token_type"`
	jwt.RegisteredClaims
}

// Manager signs and validates session tokens with a single HMAC key.
type Manager struct {
	signingKey []byte
}

func NewManager(signingKey string) *Manager {
	return &Manager{signingKey: []byte(signingKey)}
}

// GenerateSessionToken issues the bearer token returned from start().
func (m *Manager) GenerateSessionToken(sessionID, candidateID, examID string, duration time.Duration) (string, error) {
	return m.generateToken(sessionID, candidateID, examID, SessionToken, duration)
}

// GenerateResumeToken issues a longer-lived token allowing the UI to
// resume a session after a reload.
func (m *Manager) GenerateResumeToken(sessionID, candidateID, examID string) (string, error) {
	return m.generateToken(sessionID, candidateID, examID, ResumeToken, 24*time.Hour)
}

func (m *Manager) generateToken(sessionID, candidateID, examID string, tokenType TokenType, duration time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		SessionID:   sessionID,
		CandidateID: candidateID,
		ExamID:      examID,
		TokenType:   tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
			Subject:   candidateID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = "v1"

	return token.SignedString(m.signingKey)
}

func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.signingKey, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}
