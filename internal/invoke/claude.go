package invoke

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/eunjae-lee/tinyclaw/internal/sessions"
)

// sessionNotFoundPattern matches the narrow class of errors §4.3 and §7
// call out for one-shot recreate-and-retry: a stale --resume id. Any
// other stderr content propagates unchanged and does not touch the
// session store.
var sessionNotFoundPattern = regexp.MustCompile(`(?i)session.*not found|no such session`)

// ClaudeInvoker runs the `claude` CLI (Anthropic, streaming-capable).
type ClaudeInvoker struct {
	Sessions *sessions.Store
	Binary   string // defaults to "claude"
}

// NewClaudeInvoker builds an invoker backed by store.
func NewClaudeInvoker(store *sessions.Store) *ClaudeInvoker {
	return &ClaudeInvoker{Sessions: store, Binary: "claude"}
}

func (c *ClaudeInvoker) binary() string {
	if c.Binary != "" {
		return c.Binary
	}
	return "claude"
}

// Invoke runs one claude invocation, resolving session continuity and
// retrying once if the resumed session turns out to be stale.
func (c *ClaudeInvoker) Invoke(ctx context.Context, opts Options) (string, error) {
	decision, err := resolveSession(c.Sessions, opts.AgentID, opts.SessionKey, opts.Reset)
	if err != nil {
		return "", err
	}

	text, stderr, runErr := c.invokeOnce(ctx, opts, decision)
	if runErr == nil {
		return text, nil
	}

	if decision.action == "resume" && opts.SessionKey != "" && sessionNotFoundPattern.MatchString(stderr) {
		newID, err := recreateSession(c.Sessions, opts.AgentID, opts.SessionKey)
		if err != nil {
			return "", err
		}
		retryDecision := sessionDecision{action: "new", sessionID: newID}
		text, _, runErr = c.invokeOnce(ctx, opts, retryDecision)
		if runErr == nil {
			return text, nil
		}
		return "", runErr
	}

	return "", runErr
}

func (c *ClaudeInvoker) invokeOnce(ctx context.Context, opts Options, decision sessionDecision) (text, stderr string, err error) {
	args := []string{"--permission-mode", "default"}

	if opts.Model != "" {
		args = append(args, "--model", ResolveModel(opts.Model))
	}

	streaming := opts.OnPartial != nil
	if streaming {
		args = append(args, "--output-format", "stream-json")
	}

	var promptFile string
	if opts.SystemPrompt != "" {
		f, err := os.CreateTemp("", "tinyclaw-system-prompt-*.md")
		if err != nil {
			return "", "", fmt.Errorf("invoke: write system prompt: %w", err)
		}
		promptFile = f.Name()
		defer os.Remove(promptFile)
		if _, err := f.WriteString(opts.SystemPrompt); err != nil {
			f.Close()
			return "", "", fmt.Errorf("invoke: write system prompt: %w", err)
		}
		f.Close()
		args = append(args, "--append-system-prompt-file", promptFile)
	}

	switch decision.action {
	case "new":
		args = append(args, "--session-id", decision.sessionID)
	case "resume":
		args = append(args, "--resume", decision.sessionID)
	case "continue":
		args = append(args, "-c")
	case "none":
		// no session flag
	}

	args = append(args, "-p", opts.Message)

	env := append(os.Environ(),
		"TINYCLAW_AGENT_ID="+opts.AgentID,
		"TINYCLAW_CONFIG_HOME="+opts.ConfigHome,
	)
	if opts.MessageID != "" {
		env = append(env, "TINYCLAW_MESSAGE_ID="+opts.MessageID)
	}

	acc := &streamAccumulator{}
	var onLine func(string)
	if streaming {
		onLine = func(line string) {
			acc.feed(line, opts.OnPartial)
		}
	}

	result, err := RunProcess(ctx, ProcessSpec{
		Dir:          opts.WorkingDir,
		Env:          env,
		Name:         c.binary(),
		Args:         args,
		Timeout:      opts.Timeout,
		OnStdoutLine: onLine,
	})
	if err != nil {
		return "", "", err
	}

	if result.Canceled {
		return "", result.Stderr, fmt.Errorf("cancelled by user")
	}
	if result.TimedOut {
		return "", result.Stderr, fmt.Errorf("command timed out after %s", displayTimeout(opts.Timeout))
	}

	if result.ExitErr != nil {
		if streaming && acc.text() != "" {
			return acc.text(), result.Stderr, nil
		}
		return "", result.Stderr, fmt.Errorf("claude exited: %w: %s", result.ExitErr, result.Stderr)
	}

	if streaming {
		return acc.text(), result.Stderr, nil
	}
	return strings.TrimSpace(result.Stdout), result.Stderr, nil
}

func displayTimeout(d time.Duration) string {
	if d <= 0 {
		d = DefaultTimeout
	}
	return fmt.Sprintf("%dms", d.Milliseconds())
}

// streamAccumulator parses claude's --output-format stream-json NDJSON
// events per §4.3's recognized shapes and keeps a running text buffer.
type streamAccumulator struct {
	buf   strings.Builder
	final string
}

func (a *streamAccumulator) text() string {
	if a.final != "" {
		return a.final
	}
	return a.buf.String()
}

func (a *streamAccumulator) feed(line string, onPartial func(string)) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	var envelope struct {
		Type    string `json:"type"`
		Result  string `json:"result"`
		Message struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"message"`
		Delta struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"delta"`
	}
	if err := json.Unmarshal([]byte(line), &envelope); err != nil {
		return
	}

	switch envelope.Type {
	case "assistant":
		for _, block := range envelope.Message.Content {
			if block.Type == "text" && block.Text != "" {
				a.buf.WriteString(block.Text)
			}
		}
		if onPartial != nil {
			onPartial(a.buf.String())
		}
	case "content_block_delta":
		if envelope.Delta.Type == "text_delta" && envelope.Delta.Text != "" {
			a.buf.WriteString(envelope.Delta.Text)
			if onPartial != nil {
				onPartial(a.buf.String())
			}
		}
	case "result":
		a.final = envelope.Result
	}
}
