// Package supervisor implements C9: the per-session state machine that
// wires C1-C8 together and owns every lifecycle transition
// (pending -> active -> submitted | auto_submitted). The distributed
// state cache below is adapted from the teacher's internal/session.Manager
// (HSet/Expire session-hash pattern), generalized from a user-login
// session cap to the single-session-per-candidate-exam lifecycle; the
// lockout/brute-force fields have no counterpart here and were dropped.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/technosupport/proctorkernel/internal/model"
)

// StateStore mirrors session lifecycle state into Redis so a second
// proctorsvc replica can answer "is this session active" (e.g. for the
// Ledger's SessionStateChecker) without owning the in-memory Supervisor
// that created it.
type StateStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStateStore(client *redis.Client, ttl time.Duration) *StateStore {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &StateStore{client: client, ttl: ttl}
}

func sessionKey(sessionID string) string {
	return fmt.Sprintf("session:%s", sessionID)
}

// Put mirrors a session's current lifecycle state and degradation level.
func (s *StateStore) Put(ctx context.Context, sess *model.Session) error {
	key := sessionKey(sess.ID)
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key,
		"state", string(sess.State),
		"exam_id", sess.ExamID,
		"candidate_id", sess.CandidateID,
		"degradation", string(sess.Degradation),
		"started_at", sess.StartedAt.Unix(),
	)
	pipe.Expire(ctx, key, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// IsActive satisfies ledger.SessionStateChecker. A Redis error or a
// missing key both report not-active; a write that arrives for a
// session the state store has lost track of should never be written.
func (s *StateStore) IsActive(sessionID string) bool {
	val, err := s.client.HGet(context.Background(), sessionKey(sessionID), "state").Result()
	if err != nil {
		return false
	}
	return model.SessionState(val) == model.SessionActive
}

// Remove drops the mirrored state once a session reaches a terminal
// state and its ledger has been flushed.
func (s *StateStore) Remove(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, sessionKey(sessionID)).Err()
}
