package queue

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eunjae-lee/tinyclaw/internal/bus"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := New(t.TempDir())
	require.NoError(t, err)
	return q
}

func TestEnqueueClaimComplete(t *testing.T) {
	q := newTestQueue(t)

	msg := bus.Message{Channel: "discord", Sender: "alice", Message: "hi", Timestamp: time.Now().UnixMilli(), MessageID: "m1"}
	require.NoError(t, q.Enqueue(msg))

	claimed, ok, err := q.Claim(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "m1", claimed.Message.MessageID)

	// The file must no longer be claimable a second time (rename is the lock).
	_, ok2, err := q.Claim(context.Background())
	require.NoError(t, err)
	assert.False(t, ok2)

	resp := bus.Response{Channel: "discord", Sender: "bot", Message: "hello", MessageID: "m1"}
	require.NoError(t, q.Complete(claimed, resp))

	entries, err := os.ReadDir(filepath.Join(q.Root, dirProcessing))
	require.NoError(t, err)
	assert.Empty(t, entries)

	out, err := q.ListOutgoing()
	require.NoError(t, err)
	require.Len(t, out, 1)
	got, err := q.ReadOutgoingResponse(out[0])
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Message)
}

func TestClaimIsMutuallyExclusive(t *testing.T) {
	// Two "dispatchers" racing to claim the same message: only one wins.
	q := newTestQueue(t)
	require.NoError(t, q.Enqueue(bus.Message{Channel: "discord", Message: "hi", Timestamp: time.Now().UnixMilli(), MessageID: "m1"}))

	results := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, ok, err := q.Claim(context.Background())
			assert.NoError(t, err)
			results <- ok
		}()
	}
	a, b := <-results, <-results
	assert.True(t, a != b, "exactly one claim should succeed")
}

func TestFailRetriesThenDeadLetters(t *testing.T) {
	q := newTestQueue(t)
	q.MaxRetryCount = 2

	require.NoError(t, q.Enqueue(bus.Message{Channel: "discord", Message: "hi", Timestamp: time.Now().UnixMilli(), MessageID: "m1"}))

	for i := 0; i < 1; i++ {
		claimed, ok, err := q.Claim(context.Background())
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, q.Fail(claimed, assertErr("boom")))
	}
	// retryCount now 1 < MaxRetryCount(2): back in incoming/.
	incoming, err := os.ReadDir(filepath.Join(q.Root, dirIncoming))
	require.NoError(t, err)
	require.Len(t, incoming, 1)

	claimed, ok, err := q.Claim(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, q.Fail(claimed, assertErr("boom again")))

	// retryCount now 2 >= MaxRetryCount(2): dead-letter.
	dead, err := os.ReadDir(filepath.Join(q.Root, dirDeadLetter))
	require.NoError(t, err)
	require.Len(t, dead, 1)

	incoming, err = os.ReadDir(filepath.Join(q.Root, dirIncoming))
	require.NoError(t, err)
	assert.Empty(t, incoming)
}

func TestRecoverStuckRoutesBackToIncoming(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Enqueue(bus.Message{Channel: "discord", Message: "hi", Timestamp: time.Now().UnixMilli(), MessageID: "m1"}))

	claimed, ok, err := q.Claim(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	// Backdate the processing file's mtime to simulate a crash long ago.
	stuckPath := q.path(dirProcessing, claimed.Basename)
	old := time.Now().Add(-1 * time.Hour)
	require.NoError(t, os.Chtimes(stuckPath, old, old))

	n, err := q.RecoverStuck(15 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	incoming, err := os.ReadDir(filepath.Join(q.Root, dirIncoming))
	require.NoError(t, err)
	require.Len(t, incoming, 1)
}

func TestStreamingPartialOverwritesInPlace(t *testing.T) {
	q := newTestQueue(t)

	for _, text := range []string{"a", "ab", "abc"} {
		require.NoError(t, q.WriteStreamingPartial(bus.StreamingPartial{
			Channel: "discord", MessageID: "m1", Partial: text, Timestamp: time.Now().UnixMilli(),
		}))
	}

	out, err := q.ListOutgoing()
	require.NoError(t, err)
	require.Len(t, out, 1, "overwritten in place, not accumulated")

	p, err := q.ReadOutgoingPartial(out[0])
	require.NoError(t, err)
	assert.Equal(t, "abc", p.Partial)

	require.NoError(t, q.DeleteStreamingPartial("discord", "m1"))
	out, err = q.ListOutgoing()
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestCancelSignalPublishAndConsume(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.PublishCancel("m1"))

	pending, err := q.PendingCancelMessageIDs()
	require.NoError(t, err)
	assert.True(t, pending["m1"])

	require.NoError(t, q.ClearCancel("m1"))
	pending, err = q.PendingCancelMessageIDs()
	require.NoError(t, err)
	assert.False(t, pending["m1"])
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
