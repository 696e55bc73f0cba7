package approval

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eunjae-lee/tinyclaw/internal/bus"
)

func newTestHook(t *testing.T) (*Hook, *Store) {
	t.Helper()
	policy := NewPolicy(t.TempDir(), t.TempDir())
	store, err := NewStore(filepath.Join(t.TempDir(), "approvals"))
	require.NoError(t, err)
	h := NewHook(policy, store, "default", "m1")
	// The policy starts unconfigured (everything allowed); tests that
	// exercise the interactive path write an allowlist first.
	return h, store
}

func runHook(t *testing.T, h *Hook, toolName string, toolInput map[string]any) hookResponse {
	t.Helper()
	reqBody, err := json.Marshal(hookRequest{ToolName: toolName, ToolInput: toolInput})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, h.Run(bytes.NewReader(reqBody), &out))

	var resp hookResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	return resp
}

func TestHookAllowsWhenUnconfigured(t *testing.T) {
	h, _ := newTestHook(t)
	resp := runHook(t, h, "Read", map[string]any{"file_path": "/tmp/a"})
	assert.Equal(t, "allow", resp.HookSpecificOutput.PermissionDecision)
}

func TestHookInteractiveAllowOnce(t *testing.T) {
	h, store := newTestHook(t)
	writeJSONFile(t, h.Policy.SettingsPath, `{"allowedTools": ["Read"]}`)
	var out bytes.Buffer

	done := make(chan hookResponse, 1)
	go func() {
		reqBody, _ := json.Marshal(hookRequest{ToolName: "Bash", ToolInput: map[string]any{"command": "git push"}})
		_ = h.Run(bytes.NewReader(reqBody), &out)
		var resp hookResponse
		_ = json.Unmarshal(out.Bytes(), &resp)
		done <- resp
	}()

	var requestID string
	require.Eventually(t, func() bool {
		ids, err := store.ListPending()
		if err != nil || len(ids) == 0 {
			return false
		}
		requestID = ids[0]
		return true
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, store.WriteDecision(requestID, bus.Decision{Decision: bus.DecisionAllow}))

	select {
	case resp := <-done:
		assert.Equal(t, "allow", resp.HookSpecificOutput.PermissionDecision)
	case <-time.After(3 * time.Second):
		t.Fatal("hook did not resolve after decision was written")
	}
}

func TestHookInteractiveAlwaysAllowPersists(t *testing.T) {
	h, store := newTestHook(t)
	writeJSONFile(t, h.Policy.SettingsPath, `{"allowedTools": ["Read"]}`)
	var out bytes.Buffer

	done := make(chan struct{})
	go func() {
		reqBody, _ := json.Marshal(hookRequest{ToolName: "Bash", ToolInput: map[string]any{"command": "git status"}})
		_ = h.Run(bytes.NewReader(reqBody), &out)
		close(done)
	}()

	var requestID string
	require.Eventually(t, func() bool {
		ids, err := store.ListPending()
		if err != nil || len(ids) == 0 {
			return false
		}
		requestID = ids[0]
		return true
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, store.WriteDecision(requestID, bus.Decision{Decision: bus.DecisionAlwaysAllow}))
	<-done

	// A subsequent check against the same agent/pattern should now pass
	// without any interactive round-trip.
	allowed, err := h.Policy.Allowed("default", "Bash", "git status", "Bash(git status:*)")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestHookInteractiveTimeoutDenies(t *testing.T) {
	h, _ := newTestHook(t)
	writeJSONFile(t, h.Policy.SettingsPath, `{"allowedTools": ["Read"]}`)
	h.PollInterval = time.Millisecond
	start := time.Now()
	fakeNow := start
	h.Now = func() time.Time { return fakeNow }
	h.Sleep = func(d time.Duration) { fakeNow = fakeNow.Add(time.Duration(DefaultTimeoutSeconds) * time.Second) }

	resp := runHook(t, h, "Bash", map[string]any{"command": "rm -rf /tmp/x"})
	assert.Equal(t, "deny", resp.HookSpecificOutput.PermissionDecision)
}
