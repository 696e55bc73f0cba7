package approval

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/eunjae-lee/tinyclaw/internal/bus"
)

// DefaultPollInterval is how often the hook checks for a decision file.
const DefaultPollInterval = 2 * time.Second

// hookRequest is the JSON object the agent CLI writes to the hook's
// stdin before each tool use.
type hookRequest struct {
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input"`
}

// hookResponse is the JSON object the hook writes to stdout. Its shape
// matches the agent CLI's PreToolUse hook contract exactly.
type hookResponse struct {
	HookSpecificOutput hookSpecificOutput `json:"hookSpecificOutput"`
}

type hookSpecificOutput struct {
	HookEventName          string `json:"hookEventName"`
	PermissionDecision     string `json:"permissionDecision"`
	PermissionDecisionReason string `json:"permissionDecisionReason,omitempty"`
}

// Hook is the process entrypoint invoked by the agent CLI. One instance
// is constructed per invocation of `tinyclaw hook`; it reads exactly one
// request from stdin and writes exactly one response to stdout.
type Hook struct {
	Policy       *Policy
	Store        *Store
	AgentID      string
	MessageID    string
	PollInterval time.Duration
	Now          func() time.Time
	Sleep        func(time.Duration)
}

// NewHook wires a Hook from its policy and pending/decision store. The
// agentID and messageID come from the environment the agent CLI sets
// (TINYCLAW_AGENT_ID, TINYCLAW_MESSAGE_ID) per §4.3.
func NewHook(policy *Policy, store *Store, agentID, messageID string) *Hook {
	return &Hook{
		Policy:       policy,
		Store:        store,
		AgentID:      agentID,
		MessageID:    messageID,
		PollInterval: DefaultPollInterval,
		Now:          time.Now,
		Sleep:        time.Sleep,
	}
}

// Run decodes one tool-use request from stdin, resolves a permission
// decision (instantly from policy, or interactively by polling a
// decision file), and writes the PreToolUse decision JSON to stdout.
// Returns an error only when the request cannot be decoded or a
// settings/approval file cannot be read or written; the decision itself
// (allow/deny) is communicated in the JSON body, not the exit code, per
// §4.5's "Hook's exit is the gate... exits 0 on allow, 0 on deny".
func (h *Hook) Run(stdin io.Reader, stdout io.Writer) error {
	var req hookRequest
	if err := json.NewDecoder(stdin).Decode(&req); err != nil {
		return fmt.Errorf("approval: decode hook request: %w", err)
	}

	pattern, command := ComputePattern(req.ToolName, req.ToolInput)

	allowed, err := h.Policy.Allowed(h.AgentID, req.ToolName, command, pattern)
	if err != nil {
		return err
	}
	if allowed {
		return h.emit(stdout, true, "")
	}

	decision, err := h.interactive(req.ToolName, pattern, command)
	if err != nil {
		return err
	}
	if decision == bus.DecisionDeny {
		return h.emit(stdout, false, "denied by user")
	}
	return h.emit(stdout, true, "")
}

// interactive publishes a pending request and polls for a decision,
// applying always_allow / always_allow_all persistence as it resolves.
// Returns bus.DecisionDeny on timeout.
func (h *Hook) interactive(toolName, pattern, command string) (string, error) {
	requestID := fmt.Sprintf("%d_%d", h.Now().Unix(), os.Getpid())

	err := h.Store.WritePending(bus.PendingApproval{
		RequestID:        requestID,
		ToolName:         toolName,
		ToolPattern:      pattern,
		ToolInputSummary: summarize(command),
		AgentID:          h.AgentID,
		MessageID:        h.MessageID,
		Timestamp:        bus.NowMillis(h.Now()),
		Notified:         false,
	})
	if err != nil {
		return "", err
	}
	defer h.Store.DeletePending(requestID)

	timeoutSeconds, err := h.Policy.TimeoutSeconds()
	if err != nil {
		return "", err
	}
	deadline := h.Now().Add(time.Duration(timeoutSeconds) * time.Second)

	interval := h.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	for {
		d, ok, err := h.Store.ReadDecision(requestID)
		if err != nil {
			return "", err
		}
		if ok {
			h.Store.DeleteDecision(requestID)
			return h.applyDecision(d, pattern)
		}
		if h.Now().After(deadline) {
			return bus.DecisionDeny, nil
		}
		h.Sleep(interval)
	}
}

func (h *Hook) applyDecision(d bus.Decision, pattern string) (string, error) {
	switch d.Decision {
	case bus.DecisionAlwaysAllow:
		if err := h.Policy.RecordAlwaysAllow(h.AgentID, pattern); err != nil {
			return "", err
		}
		return bus.DecisionAllow, nil
	case bus.DecisionAlwaysAllowAll:
		if err := h.Policy.RecordAlwaysAllowAll(pattern); err != nil {
			return "", err
		}
		return bus.DecisionAllow, nil
	case bus.DecisionAllow:
		return bus.DecisionAllow, nil
	default:
		return bus.DecisionDeny, nil
	}
}

func (h *Hook) emit(w io.Writer, allow bool, reason string) error {
	decision := "deny"
	if allow {
		decision = "allow"
	}
	resp := hookResponse{HookSpecificOutput: hookSpecificOutput{
		HookEventName:            "PreToolUse",
		PermissionDecision:       decision,
		PermissionDecisionReason: reason,
	}}
	return json.NewEncoder(w).Encode(resp)
}

// summarize produces a short, single-line description of a tool's input
// for display in the approval prompt.
func summarize(command string) string {
	const maxLen = 200
	s := strings.TrimSpace(command)
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}
