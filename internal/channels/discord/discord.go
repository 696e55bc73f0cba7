// Package discord is the bus's reference channel adapter (§4.6):
// gateway connection, DM/group/thread policy, attachment handling, the
// pending-message and bot-thread tables, streaming/final response
// rendering with edit throttling, and the approval button UI.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"github.com/eunjae-lee/tinyclaw/internal/approval"
	"github.com/eunjae-lee/tinyclaw/internal/bus"
	"github.com/eunjae-lee/tinyclaw/internal/channels"
	"github.com/eunjae-lee/tinyclaw/internal/channels/typing"
	"github.com/eunjae-lee/tinyclaw/internal/config"
	"github.com/eunjae-lee/tinyclaw/internal/queue"
	"github.com/eunjae-lee/tinyclaw/internal/sessions"
)

const (
	maxMessageLen     = 2000
	streamingCapLen   = 1950
	streamingMarker   = "\n*[streaming...]*"
	editThrottleEvery = 1 * time.Second
	pollInterval      = 1 * time.Second
	typingRefresh     = 8 * time.Second
	pruneEvery        = 1 * time.Hour
)

// placeholder tracks the discord message standing in for a pending
// agent response, keyed by bus message id.
type placeholder struct {
	channelID string
	messageID string
}

// Channel connects to Discord via the gateway and bridges it to the
// queue bus.
type Channel struct {
	*channels.BaseChannel

	session  *discordgo.Session
	queue    *queue.Queue
	sessions *sessions.Store
	approval *approval.Store
	cfg      config.DiscordConfig

	botUserID string
	filesDir  string

	pending *channels.PendingTable
	threads *channels.BotThreads

	placeholders sync.Map // messageID -> placeholder
	typingCtrls  sync.Map // channelID -> *typing.Controller
	limiters     sync.Map // messageID -> *rate.Limiter

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Discord adapter. configHome is used to locate the
// adapter's own persisted state (pending-messages.json, bot-threads.json)
// and filesDir is where downloaded attachments are written.
func New(cfg config.DiscordConfig, token string, q *queue.Queue, sessStore *sessions.Store, approvalStore *approval.Store, configHome, filesDir string) (*Channel, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", cfg.AllowFrom),
		session:     session,
		queue:       q,
		sessions:    sessStore,
		approval:    approvalStore,
		cfg:         cfg,
		filesDir:    filesDir,
		pending:     channels.NewPendingTable(filepath.Join(configHome, "pending-messages.json")),
		threads:     channels.NewBotThreads(filepath.Join(configHome, "bot-threads.json")),
	}, nil
}

// Start opens the gateway connection and launches the outgoing-response
// and approval-prompt poll loops.
func (c *Channel) Start(ctx context.Context) error {
	c.session.AddHandler(c.handleMessageCreate)
	c.session.AddHandler(c.handleInteractionCreate)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}
	me, err := c.session.User("@me")
	if err != nil {
		_ = c.session.Close()
		return fmt.Errorf("discord: fetch bot identity: %w", err)
	}
	c.botUserID = me.ID
	c.SetRunning(true)

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(3)
	go c.pollOutgoing(runCtx)
	go c.prunePendingLoop(runCtx)
	go func() {
		defer c.wg.Done()
		c.PollApprovals(runCtx)
	}()

	slog.Info("discord adapter connected", "username", me.Username, "id", me.ID)
	return nil
}

// Stop closes the gateway connection and stops the poll loops.
func (c *Channel) Stop(_ context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.SetRunning(false)
	return c.session.Close()
}

func (c *Channel) prunePendingLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(pruneEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := c.pending.Prune(channels.DefaultPendingTTL); err != nil {
				slog.Warn("discord: prune pending failed", "error", err)
			} else if n > 0 {
				slog.Debug("discord: pruned stale pending entries", "count", n)
			}
		}
	}
}

// handleMessageCreate is the discordgo handler for new messages.
func (c *Channel) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == c.botUserID {
		return
	}

	isDM := m.GuildID == ""
	peerKind := "group"
	if isDM {
		peerKind = "direct"
	}

	if !c.checkAccess(peerKind, m) {
		return
	}

	content := m.Content
	var files []string
	for _, att := range m.Attachments {
		path, err := c.downloadAttachment(att)
		if err != nil {
			slog.Warn("discord: attachment download failed", "url", att.URL, "error", err)
			continue
		}
		files = append(files, path)
	}
	if content == "" && len(files) == 0 {
		return
	}

	threadID := ""
	if c.isThreadChannel(m.ChannelID) {
		threadID = m.ChannelID
	}

	sessionKey := fmt.Sprintf("dm_%s", m.Author.ID)
	if !isDM {
		if threadID != "" {
			sessionKey = threadID
		} else {
			sessionKey = m.ID // provisional; remapped to a thread id once one is created
		}
	}

	defaultAgent := c.cfg.DefaultAgent
	if threadID != "" {
		if agent, ok := c.threads.Get(threadID); ok && agent != "" {
			defaultAgent = agent
		}
	}

	msg := bus.Message{
		Channel:    "discord",
		Sender:     resolveDisplayName(m),
		SenderID:   m.Author.ID,
		Message:    content,
		Timestamp:  m.Timestamp.UnixMilli(),
		MessageID:  m.ID,
		Files:      files,
		Agent:      defaultAgent,
		SessionKey: sessionKey,
		Metadata: map[string]string{
			"channel_id": m.ChannelID,
			"guild_id":   m.GuildID,
			"is_dm":      fmt.Sprintf("%t", isDM),
		},
	}
	if err := c.queue.Enqueue(msg); err != nil {
		slog.Error("discord: enqueue failed", "error", err)
		return
	}

	_ = c.pending.Put(channels.PendingMessage{
		MessageID: m.ID,
		ChannelID: m.ChannelID,
		ThreadID:  threadID,
		SenderID:  m.Author.ID,
		IsDM:      isDM,
	})

	c.startTyping(m.ChannelID)
}

func (c *Channel) checkAccess(peerKind string, m *discordgo.MessageCreate) bool {
	senderID := m.Author.ID
	if peerKind == "direct" {
		return c.CheckPolicy(peerKind, dmPolicy(c.cfg), channels.GroupPolicyOpen, senderID)
	}

	requireMention := true
	if c.cfg.RequireMention != nil {
		requireMention = *c.cfg.RequireMention
	}
	if !requireMention || c.isThreadChannel(m.ChannelID) {
		return c.CheckPolicy(peerKind, channels.DMPolicyOpen, channels.GroupPolicyOpen, senderID)
	}
	for _, u := range m.Mentions {
		if u.ID == c.botUserID {
			return c.CheckPolicy(peerKind, channels.DMPolicyOpen, channels.GroupPolicyOpen, senderID)
		}
	}
	return false
}

func dmPolicy(cfg config.DiscordConfig) channels.DMPolicy {
	if len(cfg.AllowFrom) > 0 {
		return channels.DMPolicyAllowlist
	}
	return channels.DMPolicyOpen
}

// isThreadChannel reports whether channelID is itself a thread, checked
// via the bot-threads table first (cheap, no API call) and falling back
// to the gateway state cache for threads this adapter didn't create.
func (c *Channel) isThreadChannel(channelID string) bool {
	if _, ok := c.threads.Get(channelID); ok {
		return true
	}
	ch, err := c.session.State.Channel(channelID)
	if err != nil || ch == nil {
		return false
	}
	switch ch.Type {
	case discordgo.ChannelTypeGuildPublicThread, discordgo.ChannelTypeGuildPrivateThread, discordgo.ChannelTypeGuildNewsThread:
		return true
	default:
		return false
	}
}

func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	return m.Author.Username
}

func (c *Channel) startTyping(channelID string) {
	ctrl := typing.New(typing.Options{
		KeepaliveInterval: typingRefresh,
		MaxDuration:       5 * time.Minute,
		StartFn: func() error {
			return c.session.ChannelTyping(channelID)
		},
	})
	if prev, ok := c.typingCtrls.Load(channelID); ok {
		prev.(*typing.Controller).Stop()
	}
	c.typingCtrls.Store(channelID, ctrl)
	ctrl.Start()
}

func (c *Channel) stopTyping(channelID string) {
	if ctrl, ok := c.typingCtrls.LoadAndDelete(channelID); ok {
		ctrl.(*typing.Controller).Stop()
	}
}

// pollOutgoing polls outgoing/ every second, rendering .streaming
// partials (throttled) and .json final responses, per §4.6.
func (c *Channel) pollOutgoing(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.drainOutgoing()
		}
	}
}

func (c *Channel) drainOutgoing() {
	names, err := c.queue.ListOutgoing()
	if err != nil {
		slog.Warn("discord: list outgoing failed", "error", err)
		return
	}
	for _, name := range names {
		switch {
		case strings.HasSuffix(name, ".streaming"):
			c.handleStreamingFile(name)
		case strings.HasSuffix(name, ".json"):
			c.handleResponseFile(name)
		}
	}
}

func (c *Channel) handleStreamingFile(name string) {
	p, err := c.queue.ReadOutgoingPartial(name)
	if err != nil {
		return // superseded and removed between list and read; tolerate
	}
	if p.Channel != "discord" {
		return
	}
	c.renderPartial(p)
}

func (c *Channel) renderPartial(p bus.StreamingPartial) {
	pm, ok := c.pending.Get(p.MessageID)
	if !ok {
		return
	}

	text := p.Partial
	if len(text) > maxMessageLen {
		text = text[:streamingCapLen] + streamingMarker
	}

	components := []discordgo.MessageComponent{}
	if p.Cancelable {
		components = []discordgo.MessageComponent{cancelRow(p.MessageID)}
	}

	if ph, ok := c.placeholders.Load(p.MessageID); ok {
		limAny, _ := c.limiters.LoadOrStore(p.MessageID, rate.NewLimiter(rate.Every(editThrottleEvery), 1))
		if !limAny.(*rate.Limiter).Allow() {
			return
		}
		pv := ph.(placeholder)
		_, _ = c.session.ChannelMessageEditComplex(&discordgo.MessageEdit{
			ID:         pv.messageID,
			Channel:    pv.channelID,
			Content:    &text,
			Components: &components,
		})
		return
	}

	sent, err := c.session.ChannelMessageSendComplex(pm.ChannelID, &discordgo.MessageSend{
		Content:    text,
		Components: components,
		Reference:  &discordgo.MessageReference{MessageID: pm.MessageID, ChannelID: pm.ChannelID},
	})
	if err != nil {
		slog.Warn("discord: send initial streaming placeholder failed", "error", err)
		return
	}
	c.placeholders.Store(p.MessageID, placeholder{channelID: sent.ChannelID, messageID: sent.ID})
}

// parseButtonCustomID splits a button custom id of the form
// "action:id" (e.g. "cancel:m1", "always_all:req-42").
func parseButtonCustomID(customID string) (action, id string, ok bool) {
	idx := strings.IndexByte(customID, ':')
	if idx < 0 {
		return "", "", false
	}
	return customID[:idx], customID[idx+1:], true
}

func cancelRow(messageID string) discordgo.MessageComponent {
	return discordgo.ActionsRow{Components: []discordgo.MessageComponent{
		discordgo.Button{
			Label:    "Cancel",
			Style:    discordgo.DangerButton,
			CustomID: "cancel:" + messageID,
		},
	}}
}

func (c *Channel) handleResponseFile(name string) {
	resp, err := c.queue.ReadOutgoingResponse(name)
	if err != nil {
		slog.Warn("discord: read outgoing response failed", "name", name, "error", err)
		return
	}
	if resp.Channel != "discord" {
		return
	}
	c.deliverResponse(resp)
}

func (c *Channel) deliverResponse(resp bus.Response) {
	pm, ok := c.pending.Get(resp.MessageID)
	if !ok {
		return
	}
	defer func() {
		_ = c.pending.Delete(resp.MessageID)
		c.limiters.Delete(resp.MessageID)
	}()

	c.stopTyping(pm.ChannelID)
	threadID := c.ensureThread(pm)

	targetChannel := pm.ChannelID
	if threadID != "" {
		targetChannel = threadID
	}

	chunks := channels.ChunkText(strings.TrimSpace(resp.Message), maxMessageLen)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	if ph, ok := c.placeholders.LoadAndDelete(resp.MessageID); ok {
		pv := ph.(placeholder)
		noComponents := []discordgo.MessageComponent{}
		_, _ = c.session.ChannelMessageEditComplex(&discordgo.MessageEdit{
			ID:         pv.messageID,
			Channel:    pv.channelID,
			Content:    &chunks[0],
			Components: &noComponents,
		})
		for _, chunk := range chunks[1:] {
			_, _ = c.session.ChannelMessageSend(targetChannel, chunk)
		}
		return
	}

	for i, chunk := range chunks {
		if i == 0 {
			_, _ = c.session.ChannelMessageSendComplex(targetChannel, &discordgo.MessageSend{
				Content:   chunk,
				Reference: &discordgo.MessageReference{MessageID: pm.MessageID, ChannelID: pm.ChannelID},
			})
			continue
		}
		_, _ = c.session.ChannelMessageSend(targetChannel, chunk)
	}
}

// ensureThread creates a thread off the origin message the first time a
// response is ready for a non-DM message that wasn't already in a
// thread, and remaps the session store entry from the provisional
// messageId key to the new stable thread id.
func (c *Channel) ensureThread(pm channels.PendingMessage) string {
	if pm.ThreadID != "" {
		return pm.ThreadID
	}
	if pm.IsDM {
		return "" // DMs are never threaded
	}

	th, err := c.session.MessageThreadStartComplex(pm.ChannelID, pm.MessageID, &discordgo.ThreadStart{
		Name:                pm.SenderID,
		AutoArchiveDuration: 60,
		Invitable:           false,
	})
	if err != nil {
		slog.Warn("discord: thread creation failed, replying in channel", "error", err)
		return ""
	}
	if err := c.sessions.Remap(pm.MessageID, th.ID); err != nil {
		slog.Warn("discord: session remap failed", "error", err)
	}
	_ = c.threads.Set(th.ID, "")
	return th.ID
}

func (c *Channel) downloadAttachment(att *discordgo.MessageAttachment) (string, error) {
	return downloadTo(c.filesDir, att.URL, att.Filename)
}

// handleInteractionCreate routes button clicks: "cancel:<messageId>" and
// the four approval-decision buttons "approve|always|always_all|deny:<requestId>".
func (c *Channel) handleInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionMessageComponent {
		return
	}
	action, id, ok := parseButtonCustomID(i.MessageComponentData().CustomID)
	if !ok {
		return
	}

	switch action {
	case "cancel":
		if err := c.queue.PublishCancel(id); err != nil {
			slog.Warn("discord: publish cancel failed", "error", err)
		}
		c.ackInteraction(s, i, "Cancelling...")
	case "approve", "always", "always_all", "deny":
		decision := bus.Decision{}
		switch action {
		case "approve":
			decision.Decision = bus.DecisionAllow
		case "always":
			decision.Decision = bus.DecisionAlwaysAllow
		case "always_all":
			decision.Decision = bus.DecisionAlwaysAllowAll
		case "deny":
			decision.Decision = bus.DecisionDeny
		}
		if p, err := c.approval.ReadPending(id); err == nil {
			decision.ToolName = p.ToolName
		}
		if err := c.approval.WriteDecision(id, decision); err != nil {
			slog.Warn("discord: write approval decision failed", "error", err)
		}
		c.ackInteraction(s, i, fmt.Sprintf("Recorded: %s", decision.Decision))
	}
}

func (c *Channel) ackInteraction(s *discordgo.Session, i *discordgo.InteractionCreate, content string) {
	_ = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
}

// PollApprovals posts an interactive prompt for every not-yet-notified
// pending approval. Intended to be run on its own ticker alongside
// pollOutgoing (kept separate since its cadence — 1s per §4.5 — happens
// to match, but the concerns are independent).
func (c *Channel) PollApprovals(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.drainApprovals()
		}
	}
}

func (c *Channel) drainApprovals() {
	ids, err := c.approval.ListPending()
	if err != nil {
		slog.Warn("discord: list pending approvals failed", "error", err)
		return
	}
	for _, id := range ids {
		p, err := c.approval.ReadPending(id)
		if err != nil {
			continue
		}
		if p.Notified {
			continue
		}
		c.postApprovalPrompt(p)
		if err := c.approval.MarkNotified(id); err != nil {
			slog.Warn("discord: mark approval notified failed", "error", err)
		}
	}
}

func (c *Channel) postApprovalPrompt(p bus.PendingApproval) {
	targetChannel := ""
	if p.MessageID != "" {
		if pm, ok := c.pending.Get(p.MessageID); ok {
			target := pm.ChannelID
			if pm.ThreadID != "" {
				target = pm.ThreadID
			}
			targetChannel = target
		}
	}
	if targetChannel == "" {
		if c.cfg.AdminUserID == "" {
			return
		}
		dm, err := c.session.UserChannelCreate(c.cfg.AdminUserID)
		if err != nil {
			slog.Warn("discord: open admin DM channel failed", "error", err)
			return
		}
		targetChannel = dm.ID
	}

	content := fmt.Sprintf("Approve tool call?\n`%s`\n%s", p.ToolPattern, p.ToolInputSummary)
	components := []discordgo.MessageComponent{
		discordgo.ActionsRow{Components: []discordgo.MessageComponent{
			discordgo.Button{Label: "Allow this time", Style: discordgo.SuccessButton, CustomID: "approve:" + p.RequestID},
			discordgo.Button{Label: "Always allow", Style: discordgo.PrimaryButton, CustomID: "always:" + p.RequestID},
			discordgo.Button{Label: "Always allow globally", Style: discordgo.PrimaryButton, CustomID: "always_all:" + p.RequestID},
			discordgo.Button{Label: "Deny", Style: discordgo.DangerButton, CustomID: "deny:" + p.RequestID},
		}},
	}
	if _, err := c.session.ChannelMessageSendComplex(targetChannel, &discordgo.MessageSend{
		Content:    content,
		Components: components,
	}); err != nil {
		slog.Warn("discord: post approval prompt failed", "error", err)
	}
}
