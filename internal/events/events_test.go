package events

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilSinkRecordIsNoOp(t *testing.T) {
	var s *Sink
	require.NoError(t, s.Record(context.Background(), "m1", "discord", "u1", "default", "completed", "", 1))
	require.NoError(t, s.Close())
}

func TestOpenRecordsAndPersists(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "events.db")
	sink, err := Open(dbPath)
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.Record(context.Background(), "m1", "discord", "u1", "default", "completed", "", 1000))
	require.NoError(t, sink.Record(context.Background(), "m2", "telegram", "u2", "default", "failed", "boom", 2000))

	var count int
	require.NoError(t, sink.db.QueryRow(`SELECT COUNT(*) FROM dispatch_events`).Scan(&count))
	assert.Equal(t, 2, count)

	var status, errText string
	require.NoError(t, sink.db.QueryRow(`SELECT status, error FROM dispatch_events WHERE message_id = ?`, "m2").Scan(&status, &errText))
	assert.Equal(t, "failed", status)
	assert.Equal(t, "boom", errText)
}
