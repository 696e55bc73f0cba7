package invoke

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eunjae-lee/tinyclaw/internal/sessions"
)

func TestStreamAccumulatorAssistantBlocks(t *testing.T) {
	acc := &streamAccumulator{}
	var partials []string
	acc.feed(`{"type":"assistant","message":{"content":[{"type":"text","text":"Hello"}]}}`, func(s string) { partials = append(partials, s) })
	acc.feed(`{"type":"content_block_delta","delta":{"type":"text_delta","text":", world"}}`, func(s string) { partials = append(partials, s) })

	assert.Equal(t, []string{"Hello", "Hello, world"}, partials)
	assert.Equal(t, "Hello, world", acc.text())
}

func TestStreamAccumulatorResultIsAuthoritative(t *testing.T) {
	acc := &streamAccumulator{}
	acc.feed(`{"type":"content_block_delta","delta":{"type":"text_delta","text":"draft"}}`, nil)
	acc.feed(`{"type":"result","result":"final answer"}`, nil)
	assert.Equal(t, "final answer", acc.text())
}

func TestStreamAccumulatorIgnoresNonJSONLines(t *testing.T) {
	acc := &streamAccumulator{}
	acc.feed(`not json at all`, nil)
	assert.Equal(t, "", acc.text())
}

func TestClaudeInvokerNonStreamingHappyPath(t *testing.T) {
	script := writeScript(t, `echo "hi there"`)
	store := sessions.NewStore(filepath.Join(t.TempDir(), "sessions.json"))
	inv := &ClaudeInvoker{Sessions: store, Binary: script}

	text, err := inv.Invoke(context.Background(), Options{
		AgentID: "default", Message: "ping", ConfigHome: t.TempDir(), Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "hi there", text)
}

func TestClaudeInvokerStreamingAccumulatesPartials(t *testing.T) {
	script := writeScript(t, `
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"Hi"}]}}'
echo '{"type":"content_block_delta","delta":{"type":"text_delta","text":" there"}}'
echo '{"type":"result","result":"Hi there"}'
`)
	store := sessions.NewStore(filepath.Join(t.TempDir(), "sessions.json"))
	inv := &ClaudeInvoker{Sessions: store, Binary: script}

	var partials []string
	text, err := inv.Invoke(context.Background(), Options{
		AgentID: "default", Message: "ping", ConfigHome: t.TempDir(), Timeout: 5 * time.Second,
		OnPartial: func(s string) { partials = append(partials, s) },
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi there", text)
	assert.Equal(t, []string{"Hi", "Hi there"}, partials)
}

func TestClaudeInvokerRecreatesStaleSession(t *testing.T) {
	script := writeScript(t, `
case "$*" in
  *--resume*) echo "Session S_old not found" 1>&2; exit 1 ;;
  *) echo "ok after retry" ;;
esac
`)
	store := sessions.NewStore(filepath.Join(t.TempDir(), "sessions.json"))
	staleID, err := store.Create("thread_T", "default")
	require.NoError(t, err)

	inv := &ClaudeInvoker{Sessions: store, Binary: script}
	text, err := inv.Invoke(context.Background(), Options{
		AgentID: "default", Message: "ping", SessionKey: "thread_T", ConfigHome: t.TempDir(), Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "ok after retry", text)

	entry, ok, err := store.Get("thread_T")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, staleID, entry.SessionID, "stale session should have been replaced")
}

func TestClaudeInvokerPropagatesUnrelatedErrors(t *testing.T) {
	script := writeScript(t, `echo "permission denied" 1>&2; exit 1`)
	store := sessions.NewStore(filepath.Join(t.TempDir(), "sessions.json"))
	inv := &ClaudeInvoker{Sessions: store, Binary: script}

	_, err := inv.Invoke(context.Background(), Options{
		AgentID: "default", Message: "ping", SessionKey: "thread_T", ConfigHome: t.TempDir(), Timeout: 5 * time.Second,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
}

func TestClaudeInvokerCancellation(t *testing.T) {
	script := writeScript(t, `sleep 30`)
	store := sessions.NewStore(filepath.Join(t.TempDir(), "sessions.json"))
	inv := &ClaudeInvoker{Sessions: store, Binary: script}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := inv.Invoke(ctx, Options{AgentID: "default", Message: "ping", ConfigHome: t.TempDir(), Timeout: 30 * time.Second})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled by user")
}

func TestResolveWorkingDirCreatesDirectory(t *testing.T) {
	root := t.TempDir()
	dir, err := ResolveWorkingDir("", root, "default")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "default"), dir)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestResolveWorkingDirAbsolutePassesThrough(t *testing.T) {
	abs := filepath.Join(t.TempDir(), "custom")
	dir, err := ResolveWorkingDir(abs, t.TempDir(), "default")
	require.NoError(t, err)
	assert.Equal(t, abs, dir)
}

func TestResolveModel(t *testing.T) {
	assert.Equal(t, "claude-sonnet-4-5-20250929", ResolveModel("sonnet"))
	assert.Equal(t, "some-unknown-model", ResolveModel("some-unknown-model"))
}
