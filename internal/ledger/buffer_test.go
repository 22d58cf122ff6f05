package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/technosupport/proctorkernel/internal/model"
)

func TestBuffer_DropsOldestNonCriticalFirst(t *testing.T) {
	b := NewBuffer(2)

	_, dropped := b.Push(model.Event{SessionID: "s", Sequence: 1, Severity: model.SeverityWarning})
	require.False(t, dropped)
	_, dropped = b.Push(model.Event{SessionID: "s", Sequence: 2, Severity: model.SeverityCritical})
	require.False(t, dropped)

	evicted, dropped := b.Push(model.Event{SessionID: "s", Sequence: 3, Severity: model.SeverityWarning})
	require.True(t, dropped)
	require.Equal(t, uint64(1), evicted.Sequence, "the non-critical event should be evicted, not the critical one")
	require.Equal(t, 2, b.Len())
}

func TestBuffer_DrainEmpties(t *testing.T) {
	b := NewBuffer(10)
	b.Push(model.Event{SessionID: "s", Sequence: 1})
	b.Push(model.Event{SessionID: "s", Sequence: 2})

	events := b.Drain()
	require.Len(t, events, 2)
	require.Equal(t, 0, b.Len())
}
