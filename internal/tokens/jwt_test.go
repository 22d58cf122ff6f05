package tokens_test

import (
	"testing"
	"time"

	"github.com/technosupport/proctorkernel/internal/tokens"
)

func TestTokenGeneration(t *testing.T) {
	mgr := tokens.NewManager("test-secret-key")
	sessionID := "sess-123"
	candidateID := "cand-abc"
	examID := "exam-1"

	token, err := mgr.GenerateSessionToken(sessionID, candidateID, examID, time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate session token: %v", err)
	}

	claims, err := mgr.ValidateToken(token)
	if err != nil {
		t.Fatalf("Failed to validate token: %v", err)
	}

	if claims.SessionID != sessionID {
		t.Errorf("Expected SessionID %s, got %s", sessionID, claims.SessionID)
	}
	if claims.CandidateID != candidateID {
		t.Errorf("Expected CandidateID %s, got %s", candidateID, claims.CandidateID)
	}
	if claims.TokenType != tokens.SessionToken {
		t.Errorf("Expected TokenType %s, got %s", tokens.SessionToken, claims.TokenType)
	}
}

func TestInvalidSignature(t *testing.T) {
	mgr1 := tokens.NewManager("secret-1")
	mgr2 := tokens.NewManager("secret-2")

	token, _ := mgr1.GenerateSessionToken("s1", "c1", "e1", time.Hour)
	_, err := mgr2.ValidateToken(token)
	if err == nil {
		t.Error("Expected validation error for wrong signature")
	}
}

func TestExpiredToken(t *testing.T) {
	mgr := tokens.NewManager("secret")
	token, _ := mgr.GenerateSessionToken("s1", "c1", "e1", -time.Minute)
	_, err := mgr.ValidateToken(token)
	if err == nil {
		t.Error("Expected validation error for expired token")
	}
}
