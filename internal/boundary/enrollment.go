package boundary

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/technosupport/proctorkernel/internal/model"
)

// EnrollmentChecker satisfies supervisor.Enrollment against Postgres:
// start() is only permitted for a candidate/exam pair with an
// enrollment row, inside its availability window, with attempts
// remaining. Grounded on the teacher's data.CameraModel repository
// shape (one *sql.DB-backed struct per table, no ORM).
type EnrollmentChecker struct {
	db *sql.DB
}

func NewEnrollmentChecker(db *sql.DB) *EnrollmentChecker {
	return &EnrollmentChecker{db: db}
}

func (e *EnrollmentChecker) CheckEligible(ctx context.Context, examID, candidateID string) error {
	var (
		maxAttempts, attemptsUsed        int
		availableFrom, availableUntil    time.Time
	)
	row := e.db.QueryRowContext(ctx, `
		SELECT max_attempts, attempts_used, available_from, available_until
		FROM enrollments WHERE candidate_id = $1 AND exam_id = $2
	`, candidateID, examID)
	if err := row.Scan(&maxAttempts, &attemptsUsed, &availableFrom, &availableUntil); err != nil {
		if err == sql.ErrNoRows {
			return model.ErrNotEnrolled
		}
		return fmt.Errorf("check eligibility: %w", err)
	}

	now := time.Now()
	if now.Before(availableFrom) || now.After(availableUntil) {
		return model.ErrExamNotAvailable
	}
	if attemptsUsed >= maxAttempts {
		return model.ErrMaxAttemptsReached
	}

	_, err := e.db.ExecContext(ctx, `
		UPDATE enrollments SET attempts_used = attempts_used + 1
		WHERE candidate_id = $1 AND exam_id = $2
	`, candidateID, examID)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}
