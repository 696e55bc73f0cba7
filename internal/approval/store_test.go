package approval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eunjae-lee/tinyclaw/internal/bus"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestWriteListReadPending(t *testing.T) {
	s := newTestStore(t)
	p := bus.PendingApproval{
		RequestID: "1_100", ToolName: "Bash", ToolPattern: "Bash(git status:*)",
		ToolInputSummary: "git status", AgentID: "default", Timestamp: time.Now().UnixMilli(),
	}
	require.NoError(t, s.WritePending(p))

	ids, err := s.ListPending()
	require.NoError(t, err)
	require.Equal(t, []string{"1_100"}, ids)

	got, err := s.ReadPending("1_100")
	require.NoError(t, err)
	assert.Equal(t, p.ToolPattern, got.ToolPattern)
	assert.False(t, got.Notified)
}

func TestMarkNotified(t *testing.T) {
	s := newTestStore(t)
	p := bus.PendingApproval{RequestID: "1_100", ToolName: "Bash", Timestamp: time.Now().UnixMilli()}
	require.NoError(t, s.WritePending(p))
	require.NoError(t, s.MarkNotified("1_100"))

	got, err := s.ReadPending("1_100")
	require.NoError(t, err)
	assert.True(t, got.Notified)
}

func TestMarkNotifiedOfMissingIsNoop(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.MarkNotified("missing"))
}

func TestDeletePending(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.WritePending(bus.PendingApproval{RequestID: "1_100"}))
	require.NoError(t, s.DeletePending("1_100"))
	ids, err := s.ListPending()
	require.NoError(t, err)
	assert.Empty(t, ids)
	// Deleting again tolerates absence.
	require.NoError(t, s.DeletePending("1_100"))
}

func TestWriteReadDeleteDecision(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.ReadDecision("1_100")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.WriteDecision("1_100", bus.Decision{Decision: bus.DecisionAllow}))
	d, ok, err := s.ReadDecision("1_100")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, bus.DecisionAllow, d.Decision)

	require.NoError(t, s.DeleteDecision("1_100"))
	_, ok, err = s.ReadDecision("1_100")
	require.NoError(t, err)
	assert.False(t, ok)
}
