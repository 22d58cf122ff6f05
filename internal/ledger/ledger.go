// Package ledger implements C6: the durable, append-only session event
// log. Grounded on the teacher's internal/audit package — WriteEvent's
// `INSERT ... ON CONFLICT (event_id) DO NOTHING` idempotency, QueryEvents'
// cursor pagination, and the "append-only enforcement: no Update or
// Delete methods exposed" convention — generalized from a tenant-scoped
// audit trail to a per-session event ledger keyed on
// (session_id, idempotency_key), with the disk-spool failover shape from
// internal/audit/failover.go replaced by the bounded in-memory buffer
// spec §4.6 calls for.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/technosupport/proctorkernel/internal/model"
)

var (
	ErrSessionClosed   = model.ErrSessionClosed
	ErrTimestampInverted = errors.New("ledger: timestamp inversion could not be repaired")
)

// DBTX abstracts *sql.DB/*sql.Tx, matching the teacher's
// internal/data.DBTX interface.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SessionStateChecker is consulted before every append so the ledger can
// reject writes once the session has left `active`.
type SessionStateChecker interface {
	IsActive(sessionID string) bool
}

// Service is the Postgres-backed ledger, with an in-memory bounded
// buffer absorbing transient storage failures.
type Service struct {
	db      DBTX
	states  SessionStateChecker
	buffer  *Buffer

	lastTimestamp map[string]time.Time
}

func NewService(db DBTX, states SessionStateChecker) *Service {
	return &Service{
		db:            db,
		states:        states,
		buffer:        NewBuffer(200),
		lastTimestamp: map[string]time.Time{},
	}
}

// Append persists one event idempotently, keyed on
// (session_id, idempotency_key). Fails with ErrSessionClosed if the
// session is not active. Timestamps are forced non-decreasing per
// session (spec §4.6).
func (s *Service) Append(ctx context.Context, evt model.Event) (uint64, error) {
	if s.states != nil && !s.states.IsActive(evt.SessionID) {
		return 0, ErrSessionClosed
	}

	if prev, ok := s.lastTimestamp[evt.SessionID]; ok && evt.Timestamp.Before(prev) {
		evt.Timestamp = prev.Add(time.Millisecond)
	}
	s.lastTimestamp[evt.SessionID] = evt.Timestamp

	if evt.IdempotencyKey == "" {
		evt.IdempotencyKey = fmt.Sprintf("%s:%d", evt.SessionID, evt.Sequence)
	}

	if err := s.writeDB(ctx, evt); err != nil {
		log.Printf("[Ledger] db write failed for session %s seq %d: %v. Buffering.", evt.SessionID, evt.Sequence, err)
		if dropped, ok := s.buffer.Push(evt); ok {
			log.Printf("[Ledger] buffer overflow: dropped event kind=%s session=%s seq=%d", dropped.Kind, dropped.SessionID, dropped.Sequence)
		}
		return evt.Sequence, nil
	}
	return evt.Sequence, nil
}

func (s *Service) writeDB(ctx context.Context, evt model.Event) error {
	detailsJSON, err := json.Marshal(evt.Details)
	if err != nil {
		return fmt.Errorf("marshal event details: %w", err)
	}

	var bucket, key sql.NullString
	if evt.EvidenceHandle != nil {
		bucket = sql.NullString{String: evt.EvidenceHandle.Bucket, Valid: true}
		key = sql.NullString{String: evt.EvidenceHandle.Key, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_events (
			session_id, sequence, idempotency_key, kind, severity, details,
			evidence_bucket, evidence_key, source, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id, idempotency_key) DO NOTHING
	`,
		evt.SessionID, evt.Sequence, evt.IdempotencyKey, evt.Kind, evt.Severity, detailsJSON,
		bucket, key, evt.Source, evt.Timestamp,
	)
	return err
}

// Read returns all events for a session in sequence order.
func (s *Service) Read(ctx context.Context, sessionID string) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, sequence, idempotency_key, kind, severity, details,
		       evidence_bucket, evidence_key, source, created_at
		FROM session_events
		WHERE session_id = $1
		ORDER BY sequence ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var evt model.Event
		var details []byte
		var bucket, key sql.NullString

		if err := rows.Scan(&evt.SessionID, &evt.Sequence, &evt.IdempotencyKey, &evt.Kind, &evt.Severity,
			&details, &bucket, &key, &evt.Source, &evt.Timestamp); err != nil {
			return nil, err
		}
		evt.Details = details
		if bucket.Valid && key.Valid {
			evt.EvidenceHandle = &model.EvidenceHandle{Bucket: bucket.String, Key: key.String}
		}
		events = append(events, evt)
	}
	return append(events, s.buffer.EventsFor(sessionID)...), rows.Err()
}

// Flush retries every buffered event against the database, mirroring the
// teacher's ReplaySpool loop shape but operating on the in-memory buffer
// instead of a spool file. Called by the Supervisor during submit.
func (s *Service) Flush(ctx context.Context) (flushed, remaining int) {
	pending := s.buffer.Drain()
	for _, evt := range pending {
		if err := s.writeDB(ctx, evt); err != nil {
			s.buffer.Push(evt)
			remaining++
			continue
		}
		flushed++
	}
	return flushed, remaining
}

// BufferedCount reports how many events are currently held in memory
// pending a successful database write.
func (s *Service) BufferedCount() int { return s.buffer.Len() }
