package invoke

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// codexFallbackMessage is returned when a codex invocation produces no
// item.completed/agent_message event at all.
const codexFallbackMessage = "(no response)"

// CodexInvoker runs the `codex` CLI (OpenAI, non-streaming). It ignores
// Options.OnPartial: codex's own session continuity is `resume --last`,
// not the bus's session store, so it needs no resolveSession call.
type CodexInvoker struct {
	Binary string // defaults to "codex"
}

// NewCodexInvoker builds a codex invoker.
func NewCodexInvoker() *CodexInvoker {
	return &CodexInvoker{Binary: "codex"}
}

func (c *CodexInvoker) binary() string {
	if c.Binary != "" {
		return c.Binary
	}
	return "codex"
}

// Invoke runs one codex invocation and returns the last agent_message
// text from its NDJSON output.
func (c *CodexInvoker) Invoke(ctx context.Context, opts Options) (string, error) {
	args := []string{"exec"}
	if !opts.Reset {
		args = append(args, "resume", "--last")
	}
	if opts.Model != "" {
		args = append(args, "--model", ResolveModel(opts.Model))
	}
	args = append(args, "--skip-git-repo-check", "--dangerously-bypass-approvals-and-sandbox", "--json", opts.Message)

	result, err := RunProcess(ctx, ProcessSpec{
		Dir:     opts.WorkingDir,
		Name:    c.binary(),
		Args:    args,
		Timeout: opts.Timeout,
	})
	if err != nil {
		return "", err
	}

	if result.Canceled {
		return "", fmt.Errorf("cancelled by user")
	}
	if result.TimedOut {
		return "", fmt.Errorf("command timed out after %s", displayTimeout(opts.Timeout))
	}

	text := lastAgentMessage(result.Stdout)

	if result.ExitErr != nil {
		if text != "" {
			return text, nil
		}
		return "", fmt.Errorf("codex exited: %w: %s", result.ExitErr, result.Stderr)
	}

	if text == "" {
		return codexFallbackMessage, nil
	}
	return text, nil
}

// lastAgentMessage scans codex's NDJSON output for every
// {type:"item.completed", item:{type:"agent_message", text}} event and
// returns the last one found.
func lastAgentMessage(stdout string) string {
	var last string
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var event struct {
			Type string `json:"type"`
			Item struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"item"`
		}
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}
		if event.Type == "item.completed" && event.Item.Type == "agent_message" {
			last = event.Item.Text
		}
	}
	return last
}
