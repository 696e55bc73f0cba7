// Package dispatcher implements the bus's core loop (§4.2): claim a
// message, route it to an agent, invoke that agent (and its team, if
// any), post-process the output, and write the response — all driven by
// a fresh config snapshot on every iteration.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/eunjae-lee/tinyclaw/internal/bus"
	"github.com/eunjae-lee/tinyclaw/internal/config"
	"github.com/eunjae-lee/tinyclaw/internal/events"
	"github.com/eunjae-lee/tinyclaw/internal/housekeeping"
	"github.com/eunjae-lee/tinyclaw/internal/invoke"
	"github.com/eunjae-lee/tinyclaw/internal/observability"
	"github.com/eunjae-lee/tinyclaw/internal/queue"
)

// DefaultPollInterval is how often the dispatcher attempts Queue.Claim
// when idle.
const DefaultPollInterval = 1 * time.Second

// DefaultRecoverInterval is how often RecoverStuck runs in the
// background, beyond the mandatory startup pass.
const DefaultRecoverInterval = 5 * time.Minute

// Dispatcher owns the main poll/claim/invoke/respond loop.
type Dispatcher struct {
	Queue         *queue.Queue
	ConfigStore   *config.Store
	Invokers      *invoke.Registry
	WorkspaceRoot string
	ConfigHome    string

	PollInterval    time.Duration
	RecoverInterval time.Duration
	StaleAfter      time.Duration
	Timeout         time.Duration

	// Events and Observability are both optional and nil-safe: a bare
	// Dispatcher built via New has neither wired, and behaves exactly as
	// the core bus spec describes. A caller opts in by assigning them
	// after construction.
	Events        *events.Sink
	Observability *observability.Instruments
}

// New builds a Dispatcher with the given collaborators and spec
// defaults for every timing knob.
func New(q *queue.Queue, cfgStore *config.Store, invokers *invoke.Registry, workspaceRoot, configHome string) *Dispatcher {
	return &Dispatcher{
		Queue:           q,
		ConfigStore:     cfgStore,
		Invokers:        invokers,
		WorkspaceRoot:   workspaceRoot,
		ConfigHome:      configHome,
		PollInterval:    DefaultPollInterval,
		RecoverInterval: DefaultRecoverInterval,
		StaleAfter:      queue.DefaultStaleAfter,
		Timeout:         invoke.DefaultTimeout,
	}
}

// Run polls the queue until ctx is canceled. RecoverStuck is triggered
// once immediately (a prior crash may have left processing/ dirty) and
// then on every RecoverInterval tick thereafter.
func (d *Dispatcher) Run(ctx context.Context) error {
	if n, err := d.Queue.RecoverStuck(d.StaleAfter); err != nil {
		slog.Error("dispatcher: startup recovery failed", "error", err)
	} else if n > 0 {
		slog.Info("dispatcher: recovered stuck messages at startup", "count", n)
	}

	pollInterval := d.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	recoverInterval := d.RecoverInterval
	if recoverInterval <= 0 {
		recoverInterval = DefaultRecoverInterval
	}

	pollTicker := time.NewTicker(pollInterval)
	defer pollTicker.Stop()
	recoverTicker := time.NewTicker(recoverInterval)
	defer recoverTicker.Stop()

	// An optional cron schedule supplements (never replaces) the fixed
	// ticker above — recoverInterval remains the correctness fallback
	// even if the cron expression is misconfigured or omitted.
	var recoverCron string
	if settings, err := d.ConfigStore.LoadSettings(); err == nil {
		recoverCron = settings.Housekeeping.RecoverCron
	}
	cronTicker := housekeeping.NewCronTicker(recoverCron)
	defer cronTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cronTicker.C:
			if n, err := d.Queue.RecoverStuck(d.StaleAfter); err != nil {
				slog.Error("dispatcher: cron recovery failed", "error", err)
			} else if n > 0 {
				slog.Info("dispatcher: recovered stuck messages (cron)", "count", n)
			}
		case <-recoverTicker.C:
			if n, err := d.Queue.RecoverStuck(d.StaleAfter); err != nil {
				slog.Error("dispatcher: periodic recovery failed", "error", err)
			} else if n > 0 {
				slog.Info("dispatcher: recovered stuck messages", "count", n)
			}
		case <-pollTicker.C:
			claimed, ok, err := d.Queue.Claim(ctx)
			if err != nil {
				slog.Error("dispatcher: claim failed", "error", err)
				continue
			}
			if !ok {
				continue
			}
			d.process(ctx, claimed)
		}
	}
}

// process handles one claimed message end to end.
func (d *Dispatcher) process(ctx context.Context, c *queue.Claimed) {
	msg := c.Message

	settings, err := d.ConfigStore.LoadSettings()
	if err != nil {
		slog.Error("dispatcher: load settings failed", "error", err)
		d.fail(c, msg, err)
		return
	}

	route, err := NewRouter(settings).Resolve(msg)
	if err != nil {
		slog.Error("dispatcher: routing failed", "message_id", msg.MessageID, "error", err)
		d.fail(c, msg, err)
		return
	}

	if route.EasterEgg {
		d.respond(c, msg, "", multiTeamMentionEasterEgg, nil)
		return
	}

	agentCfg, ok := settings.Agents[route.AgentID]
	if !ok {
		d.fail(c, msg, fmt.Errorf("dispatcher: agent %s not found", route.AgentID))
		return
	}

	reset := d.consumeResetFlags(route.AgentID)

	sessionKey := msg.SessionKey
	if sessionKey == "" {
		sessionKey = msg.Channel + ":" + msg.Sender
	}
	routedMsg := msg
	routedMsg.Message = route.Message

	var finalText string
	var files []string

	if route.TeamRouted {
		finalText, files = d.runTeamChain(ctx, route, agentCfg, settings, routedMsg, sessionKey, reset)
	} else {
		text, err := d.invokeOne(ctx, agentCfg, routedMsg, sessionKey, reset)
		if err != nil {
			slog.Error("dispatcher: invocation failed", "agent", route.AgentID, "message_id", msg.MessageID, "error", err)
			d.respondFailure(c, msg, route.AgentID, err)
			return
		}
		finalText, files = extractSendFiles(text)
	}

	d.respond(c, msg, route.AgentID, finalText, files)
}

// respond completes the claim with a successful response.
func (d *Dispatcher) respond(c *queue.Claimed, msg bus.Message, agentID, text string, files []string) {
	resp := bus.Response{
		Channel:         msg.Channel,
		Sender:          msg.Sender,
		Message:         postprocess(text),
		OriginalMessage: msg.Message,
		Timestamp:       time.Now().UnixMilli(),
		MessageID:       msg.MessageID,
		Agent:           agentID,
		Files:           files,
	}
	if err := d.Queue.Complete(c, resp); err != nil {
		slog.Error("dispatcher: complete failed", "message_id", msg.MessageID, "error", err)
	}
	if err := d.Events.Record(context.Background(), msg.MessageID, msg.Channel, msg.Sender, agentID, "completed", "", resp.Timestamp); err != nil {
		slog.Warn("dispatcher: events sink record failed", "message_id", msg.MessageID, "error", err)
	}
}

// respondFailure implements §4.2's failure semantics: the user sees an
// error response, but the processing file still goes through Fail's
// retry/dead-letter accounting rather than being deleted.
func (d *Dispatcher) respondFailure(c *queue.Claimed, msg bus.Message, agentID string, cause error) {
	resp := bus.Response{
		Channel:         msg.Channel,
		Sender:          msg.Sender,
		Message:         errorResponseText,
		OriginalMessage: msg.Message,
		Timestamp:       time.Now().UnixMilli(),
		MessageID:       msg.MessageID,
		Agent:           agentID,
	}
	if err := d.Queue.PublishResponse(resp); err != nil {
		slog.Error("dispatcher: publish error response failed", "message_id", msg.MessageID, "error", err)
	}
	if err := d.Events.Record(context.Background(), msg.MessageID, msg.Channel, msg.Sender, agentID, "failed", cause.Error(), resp.Timestamp); err != nil {
		slog.Warn("dispatcher: events sink record failed", "message_id", msg.MessageID, "error", err)
	}
	d.fail(c, msg, cause)
}

func (d *Dispatcher) fail(c *queue.Claimed, msg bus.Message, cause error) {
	if err := d.Queue.Fail(c, cause); err != nil {
		slog.Error("dispatcher: fail bookkeeping failed", "message_id", msg.MessageID, "error", err)
	}
}

// invokeOne runs a single agent invocation, wiring streaming partials
// into the outgoing/ .streaming file and clearing it on completion.
func (d *Dispatcher) invokeOne(ctx context.Context, agentCfg config.AgentConfig, msg bus.Message, sessionKey string, reset bool) (string, error) {
	inv, err := d.Invokers.For(agentCfg.Provider)
	if err != nil {
		return "", err
	}
	workDir, err := invoke.ResolveWorkingDir(agentCfg.WorkingDirectory, d.WorkspaceRoot, agentCfg.ID)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopWatch := d.watchCancel(ctx, cancel, msg.MessageID)
	defer stopWatch()

	opts := invoke.Options{
		AgentID:      agentCfg.ID,
		Provider:     agentCfg.Provider,
		Model:        agentCfg.Model,
		WorkingDir:   workDir,
		Message:      msg.Message,
		SessionKey:   sessionKey,
		Reset:        reset,
		MessageID:    msg.MessageID,
		ConfigHome:   d.ConfigHome,
		SystemPrompt: agentCfg.SystemPrompt,
		Timeout:      d.Timeout,
		OnPartial: func(text string) {
			_ = d.Queue.WriteStreamingPartial(bus.StreamingPartial{
				Channel:    msg.Channel,
				Sender:     msg.Sender,
				MessageID:  msg.MessageID,
				Partial:    text,
				Agent:      agentCfg.ID,
				Timestamp:  time.Now().UnixMilli(),
				Cancelable: true,
			})
		},
	}

	ctx, endSpan := d.Observability.StartInvocation(ctx, agentCfg.ID, agentCfg.Provider, agentCfg.Model)
	text, err := inv.Invoke(ctx, opts)
	endSpan(err)
	_ = d.Queue.DeleteStreamingPartial(msg.Channel, msg.MessageID)
	_ = d.Queue.ClearCancel(msg.MessageID)
	return text, err
}

// watchCancel polls cancel/ for messageID every second until ctx is
// done, calling cancel if a signal appears. Returns a stop function.
func (d *Dispatcher) watchCancel(ctx context.Context, cancel context.CancelFunc, messageID string) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				pending, err := d.Queue.PendingCancelMessageIDs()
				if err != nil {
					continue
				}
				if pending[messageID] {
					cancel()
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

// runTeamChain executes §4.2's team-chain algorithm: invoke the leader,
// parse its response for teammate mentions, then either end the chain,
// hand off sequentially, or fan out in parallel. Per §8 scenario 3, a
// sequential handoff's final response aggregates every step in the
// chain — `@<agentId>: <text>` per step, joined by the same separator
// fan-out uses — not just the last step's output.
func (d *Dispatcher) runTeamChain(ctx context.Context, route Route, leaderCfg config.AgentConfig, settings *config.Settings, msg bus.Message, sessionKey string, reset bool) (string, []string) {
	var allFiles []string
	var steps []string

	currentAgent := route.AgentID
	currentCfg := leaderCfg
	currentMsg := msg
	currentReset := reset

	for {
		rawResponse, err := d.invokeOne(ctx, currentCfg, currentMsg, teamSessionKey(sessionKey, currentAgent), currentReset)
		if err != nil {
			slog.Warn("dispatcher: team step failed", "agent", currentAgent, "error", err)
			if len(steps) == 0 {
				return errorResponseText, allFiles
			}
			return strings.Join(steps, "\n\n---\n\n"), allFiles
		}

		cleaned, files := extractSendFiles(rawResponse)
		allFiles = append(allFiles, files...)
		steps = append(steps, "@"+currentAgent+": "+stripMentionTags(cleaned))

		mentions := parseMentions(rawResponse, settings, route.Team, currentAgent)
		switch len(mentions) {
		case 0:
			return strings.Join(steps, "\n\n---\n\n"), allFiles
		case 1:
			m := mentions[0]
			teammateCfg, ok := settings.Agents[m.To]
			if !ok {
				return strings.Join(steps, "\n\n---\n\n"), allFiles
			}
			currentMsg = msg
			currentMsg.Message = handoffText(currentAgent, m.Text)
			currentAgent = m.To
			currentCfg = teammateCfg
			currentReset = false
			continue
		default:
			joined, fanFiles := d.runFanOut(ctx, mentions, settings, msg, sessionKey, currentAgent)
			allFiles = append(allFiles, fanFiles...)
			steps = append(steps, joined)
			return strings.Join(steps, "\n\n---\n\n"), allFiles
		}
	}
}

// runFanOut invokes every mentioned teammate in parallel per §4.2 step
// 5, joining their cleaned responses with the spec's fixed separator.
func (d *Dispatcher) runFanOut(ctx context.Context, mentions []mention, settings *config.Settings, msg bus.Message, sessionKey, fromAgent string) (string, []string) {
	type stepResult struct {
		agentID string
		text    string
		files   []string
	}

	results := make([]stepResult, len(mentions))
	var wg sync.WaitGroup
	for i, m := range mentions {
		wg.Add(1)
		go func(i int, m mention) {
			defer wg.Done()
			teammateCfg, ok := settings.Agents[m.To]
			if !ok {
				results[i] = stepResult{agentID: m.To, text: errorResponseText}
				return
			}
			handoffMsg := msg
			handoffMsg.Message = handoffText(fromAgent, m.Text)
			text, err := d.invokeOne(ctx, teammateCfg, handoffMsg, teamSessionKey(sessionKey, m.To), false)
			if err != nil {
				slog.Warn("dispatcher: team fan-out step failed", "agent", m.To, "error", err)
				results[i] = stepResult{agentID: m.To, text: errorResponseText}
				return
			}
			cleaned, files := extractSendFiles(text)
			results[i] = stepResult{agentID: m.To, text: cleaned, files: files}
		}(i, m)
	}
	wg.Wait()

	parts := make([]string, 0, len(results))
	var allFiles []string
	for _, r := range results {
		parts = append(parts, "@"+r.agentID+": "+r.text)
		allFiles = append(allFiles, r.files...)
	}
	return strings.Join(parts, "\n\n---\n\n"), allFiles
}

// consumeResetFlags implements §4.2's reset semantics: a global
// reset_flag and a per-agent <workspace>/<agentId>/reset_flag, both
// consumed (deleted) on observation.
func (d *Dispatcher) consumeResetFlags(agentID string) bool {
	global := filepath.Join(d.WorkspaceRoot, "reset_flag")
	perAgent := filepath.Join(d.WorkspaceRoot, agentID, "reset_flag")

	reset := false
	if consumeFlagFile(global) {
		reset = true
	}
	if consumeFlagFile(perAgent) {
		reset = true
	}
	return reset
}

func consumeFlagFile(path string) bool {
	if _, err := os.Stat(path); err != nil {
		return false
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("dispatcher: failed to consume reset flag", "path", path, "error", err)
	}
	return true
}
