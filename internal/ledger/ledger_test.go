package ledger_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/proctorkernel/internal/ledger"
	"github.com/technosupport/proctorkernel/internal/model"
)

type alwaysActive struct{}

func (alwaysActive) IsActive(string) bool { return true }

type neverActive struct{}

func (neverActive) IsActive(string) bool { return false }

func TestAppend_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := ledger.NewService(db, alwaysActive{})

	mock.ExpectExec("INSERT INTO session_events").WillReturnResult(sqlmock.NewResult(1, 1))

	seq, err := s.Append(context.Background(), model.Event{
		SessionID: "sess-1", Sequence: 1, Kind: model.AlertPhoneDetected,
		Severity: model.SeverityWarning, Timestamp: time.Now(), Source: model.SourceObjectDetector,
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)
	require.Equal(t, 0, s.BufferedCount())
}

func TestAppend_RejectsClosedSession(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := ledger.NewService(db, neverActive{})
	_, err = s.Append(context.Background(), model.Event{SessionID: "sess-1", Sequence: 1})
	require.ErrorIs(t, err, ledger.ErrSessionClosed)
}

func TestAppend_BuffersOnDBFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := ledger.NewService(db, alwaysActive{})
	mock.ExpectExec("INSERT INTO session_events").WillReturnError(sql.ErrConnDone)

	seq, err := s.Append(context.Background(), model.Event{
		SessionID: "sess-1", Sequence: 1, Timestamp: time.Now(),
	})
	require.NoError(t, err, "ledger must not surface transient storage failures to the caller")
	require.Equal(t, uint64(1), seq)
	require.Equal(t, 1, s.BufferedCount())
}

func TestFlush_RetriesBufferedEvents(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := ledger.NewService(db, alwaysActive{})
	mock.ExpectExec("INSERT INTO session_events").WillReturnError(sql.ErrConnDone)
	_, err = s.Append(context.Background(), model.Event{SessionID: "sess-1", Sequence: 1, Timestamp: time.Now()})
	require.NoError(t, err)
	require.Equal(t, 1, s.BufferedCount())

	mock.ExpectExec("INSERT INTO session_events").WillReturnResult(sqlmock.NewResult(1, 1))
	flushed, remaining := s.Flush(context.Background())
	require.Equal(t, 1, flushed)
	require.Equal(t, 0, remaining)
	require.Equal(t, 0, s.BufferedCount())
}

func TestTimestampNeverDecreases(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := ledger.NewService(db, alwaysActive{})
	base := time.Now()
	mock.ExpectExec("INSERT INTO session_events").WillReturnResult(sqlmock.NewResult(1, 1))
	// The second event's earlier timestamp must be stored as base+1ms.
	mock.ExpectExec("INSERT INTO session_events").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), base.Add(time.Millisecond)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	_, err = s.Append(context.Background(), model.Event{SessionID: "sess-1", Sequence: 1, Timestamp: base})
	require.NoError(t, err)

	earlier := base.Add(-time.Second)
	_, err = s.Append(context.Background(), model.Event{SessionID: "sess-1", Sequence: 2, Timestamp: earlier})
	require.NoError(t, err)
	require.Equal(t, 0, s.BufferedCount())
	require.NoError(t, mock.ExpectationsWereMet())
}
