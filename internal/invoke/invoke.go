// Package invoke runs an agent CLI (claude or codex) as a child process
// per §4.3: it builds the argument list, resolves session continuity
// against the session store, streams partial output where the provider
// supports it, and enforces cancellation and a wall-clock timeout.
package invoke

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/eunjae-lee/tinyclaw/internal/sessions"
)

// DefaultTimeout is the wall-clock cap on a single invocation.
const DefaultTimeout = 10 * time.Minute

// modelAliases resolves short model names to fully-qualified ids.
// Unknown strings pass through unchanged.
var modelAliases = map[string]string{
	"sonnet":        "claude-sonnet-4-5-20250929",
	"opus":          "claude-opus-4-1-20250805",
	"haiku":         "claude-haiku-4-5-20251001",
	"gpt-5.3-codex": "gpt-5.3-codex-high",
}

// ResolveModel resolves a short alias to its fully-qualified model id.
func ResolveModel(model string) string {
	if resolved, ok := modelAliases[model]; ok {
		return resolved
	}
	return model
}

// Options describes one agent invocation.
type Options struct {
	AgentID      string
	Provider     string // "anthropic" or "openai"
	Model        string
	WorkingDir   string
	Message      string
	SessionKey   string
	Reset        bool
	MessageID    string
	ConfigHome   string
	SystemPrompt string // written to a temp file for --append-system-prompt-file

	// OnPartial, when non-nil, is invoked with the full accumulated text
	// as each new chunk of streamed output arrives. Only claude honors
	// this; codex invocations ignore it.
	OnPartial func(text string)

	Timeout time.Duration
}

// Invoker runs one agent CLI invocation to completion and returns its
// final text output.
type Invoker interface {
	Invoke(ctx context.Context, opts Options) (string, error)
}

// Registry resolves a provider name to the Invoker that handles it.
type Registry struct {
	Claude *ClaudeInvoker
	Codex  *CodexInvoker
}

// NewRegistry builds a registry whose claude invoker is wired to the
// shared session store; the codex invoker takes no store.
func NewRegistry(store *sessions.Store) *Registry {
	return &Registry{
		Claude: NewClaudeInvoker(store),
		Codex:  NewCodexInvoker(),
	}
}

// For resolves opts.Provider ("anthropic" or "openai") to its Invoker.
func (r *Registry) For(provider string) (Invoker, error) {
	switch provider {
	case "anthropic", "":
		return r.Claude, nil
	case "openai":
		return r.Codex, nil
	default:
		return nil, fmt.Errorf("invoke: unknown provider %q", provider)
	}
}

// ResolveWorkingDir implements §4.3's "Working directory" rule: absolute
// paths pass through, relative paths are joined with workspaceRoot, and
// the resulting directory is created if it doesn't yet exist.
func ResolveWorkingDir(configured, workspaceRoot, agentID string) (string, error) {
	dir := configured
	if dir == "" {
		dir = filepath.Join(workspaceRoot, agentID)
	} else if !filepath.IsAbs(dir) {
		dir = filepath.Join(workspaceRoot, dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("invoke: create working dir %s: %w", dir, err)
	}
	return dir, nil
}

// sessionDecision is resolveSession's answer to the `<sessionFlag>`
// resolution table from §4.3: an abstract decision rather than a literal
// flag string, which the claude invoker turns into its own flags (codex
// does not use it).
type sessionDecision struct {
	// action is one of "new" (fresh session, use newID), "resume"
	// (resume existing sessionID), "continue" (legacy -c fallback), or
	// "none" (no session flag at all).
	action    string
	sessionID string
}

func resolveSession(store *sessions.Store, agentID, sessionKey string, reset bool) (sessionDecision, error) {
	if sessionKey == "" {
		if reset {
			return sessionDecision{action: "none"}, nil
		}
		return sessionDecision{action: "continue"}, nil
	}

	if reset {
		id, err := store.Create(sessionKey, agentID)
		if err != nil {
			return sessionDecision{}, err
		}
		return sessionDecision{action: "new", sessionID: id}, nil
	}

	entry, ok, err := store.Get(sessionKey)
	if err != nil {
		return sessionDecision{}, err
	}
	if !ok {
		id, err := store.Create(sessionKey, agentID)
		if err != nil {
			return sessionDecision{}, err
		}
		return sessionDecision{action: "new", sessionID: id}, nil
	}
	return sessionDecision{action: "resume", sessionID: entry.SessionID}, nil
}

// recreateSession is called when the resumed session id turns out to be
// stale: it creates a fresh session at the same key and returns the new
// id, so the caller can retry once with a "new" decision.
func recreateSession(store *sessions.Store, agentID, sessionKey string) (string, error) {
	return store.Create(sessionKey, agentID)
}
