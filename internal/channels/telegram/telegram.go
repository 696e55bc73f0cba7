// Package telegram is the bus's second channel adapter (§4.6), proving
// the Channel contract generalizes beyond Discord: long-polling instead
// of a gateway socket, a 4096-char chunk limit instead of 2000, inline
// keyboards instead of message components, and no thread creation or
// session remap — otherwise the same pending-table/streaming-throttle
// shape as internal/channels/discord.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
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
	maxMessageLen     = 4096
	streamingCapLen   = 4046
	streamingMarker   = "\n<i>[streaming...]</i>"
	editThrottleEvery = 1 * time.Second
	pollInterval      = 1 * time.Second
	typingRefresh     = 4 * time.Second
)

type placeholder struct {
	chatID    int64
	messageID int
}

// Channel connects to Telegram via long polling and bridges it to the
// queue bus.
type Channel struct {
	*channels.BaseChannel

	bot      *telego.Bot
	queue    *queue.Queue
	sessions *sessions.Store
	approval *approval.Store
	cfg      config.TelegramConfig

	pending *channels.PendingTable

	placeholders sync.Map // messageID -> placeholder
	typingCtrls  sync.Map // chatID -> *typing.Controller
	limiters     sync.Map // messageID -> *rate.Limiter

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New constructs a Telegram adapter.
func New(cfg config.TelegramConfig, token string, q *queue.Queue, sessStore *sessions.Store, approvalStore *approval.Store, configHome string) (*Channel, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", cfg.AllowFrom),
		bot:         bot,
		queue:       q,
		sessions:    sessStore,
		approval:    approvalStore,
		cfg:         cfg,
		pending:     channels.NewPendingTable(filepath.Join(configHome, "telegram-pending-messages.json")),
	}, nil
}

// Start begins long polling and launches the outgoing-response poll loop.
func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message", "callback_query"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("telegram: start long polling: %w", err)
	}
	c.SetRunning(true)

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					c.handleMessage(pollCtx, update.Message)
				} else if update.CallbackQuery != nil {
					c.handleCallbackQuery(pollCtx, update.CallbackQuery)
				}
			}
		}
	}()

	go c.pollOutgoing(pollCtx)
	go c.PollApprovals(pollCtx)

	slog.Info("telegram adapter connected", "username", c.bot.Username())
	return nil
}

// Stop cancels long polling and waits for the poll goroutine to exit.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram: polling goroutine did not exit within timeout")
		}
	}
	return nil
}

func (c *Channel) handleMessage(ctx context.Context, m *telego.Message) {
	if m.From == nil || m.From.IsBot {
		return
	}

	senderID := fmt.Sprintf("%d", m.From.ID)
	if m.From.Username != "" {
		senderID = fmt.Sprintf("%d|%s", m.From.ID, m.From.Username)
	}
	isGroup := m.Chat.Type == "group" || m.Chat.Type == "supergroup"
	peerKind := "direct"
	if isGroup {
		peerKind = "group"
	}

	if !c.checkAccess(peerKind, senderID) {
		return
	}

	content := m.Text
	if content == "" {
		content = m.Caption
	}
	if content == "" {
		return
	}

	if isGroup && !strings.Contains(content, "@"+c.bot.Username()) {
		return // mention gating: groups require an explicit @-mention
	}

	messageID := fmt.Sprintf("%d", m.MessageID)
	sessionKey := fmt.Sprintf("dm_%s", senderID)
	if isGroup {
		sessionKey = fmt.Sprintf("tg_%d", m.Chat.ID)
	}

	msg := bus.Message{
		Channel:    "telegram",
		Sender:     displayName(m.From),
		SenderID:   senderID,
		Message:    content,
		Timestamp:  time.Now().UnixMilli(),
		MessageID:  messageID,
		Agent:      c.cfg.DefaultAgent,
		SessionKey: sessionKey,
		Metadata: map[string]string{
			"chat_id": fmt.Sprintf("%d", m.Chat.ID),
			"is_dm":   fmt.Sprintf("%t", !isGroup),
		},
	}
	if err := c.queue.Enqueue(msg); err != nil {
		slog.Error("telegram: enqueue failed", "error", err)
		return
	}

	_ = c.pending.Put(channels.PendingMessage{
		MessageID: messageID,
		ChannelID: fmt.Sprintf("%d", m.Chat.ID),
		SenderID:  senderID,
		IsDM:      !isGroup,
	})

	c.startTyping(ctx, m.Chat.ID)
}

func (c *Channel) checkAccess(peerKind, senderID string) bool {
	dmPolicy := channels.DMPolicyOpen
	if len(c.cfg.AllowFrom) > 0 {
		dmPolicy = channels.DMPolicyAllowlist
	}
	return c.CheckPolicy(peerKind, dmPolicy, channels.GroupPolicyOpen, senderID)
}

func displayName(u *telego.User) string {
	if u.FirstName != "" {
		return u.FirstName
	}
	return u.Username
}

func (c *Channel) startTyping(ctx context.Context, chatID int64) {
	chat := tu.ID(chatID)
	ctrl := typing.New(typing.Options{
		KeepaliveInterval: typingRefresh,
		MaxDuration:       5 * time.Minute,
		StartFn: func() error {
			return c.bot.SendChatAction(ctx, tu.ChatAction(chat, telego.ChatActionTyping))
		},
	})
	key := fmt.Sprintf("%d", chatID)
	if prev, ok := c.typingCtrls.Load(key); ok {
		prev.(*typing.Controller).Stop()
	}
	c.typingCtrls.Store(key, ctrl)
	ctrl.Start()
}

func (c *Channel) stopTyping(chatID int64) {
	key := fmt.Sprintf("%d", chatID)
	if ctrl, ok := c.typingCtrls.LoadAndDelete(key); ok {
		ctrl.(*typing.Controller).Stop()
	}
}

func (c *Channel) pollOutgoing(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.drainOutgoing(ctx)
		}
	}
}

func (c *Channel) drainOutgoing(ctx context.Context) {
	names, err := c.queue.ListOutgoing()
	if err != nil {
		slog.Warn("telegram: list outgoing failed", "error", err)
		return
	}
	for _, name := range names {
		switch {
		case strings.HasSuffix(name, ".streaming"):
			c.handleStreamingFile(ctx, name)
		case strings.HasSuffix(name, ".json"):
			c.handleResponseFile(ctx, name)
		}
	}
}

func (c *Channel) handleStreamingFile(ctx context.Context, name string) {
	p, err := c.queue.ReadOutgoingPartial(name)
	if err != nil || p.Channel != "telegram" {
		return
	}
	c.renderPartial(ctx, p)
}

func (c *Channel) renderPartial(ctx context.Context, p bus.StreamingPartial) {
	pm, ok := c.pending.Get(p.MessageID)
	if !ok {
		return
	}
	var chatID int64
	fmt.Sscanf(pm.ChannelID, "%d", &chatID)

	text := p.Partial
	if len(text) > maxMessageLen {
		text = text[:streamingCapLen] + streamingMarker
	}

	var markup *telego.InlineKeyboardMarkup
	if p.Cancelable {
		markup = cancelKeyboard(p.MessageID)
	}

	if ph, ok := c.placeholders.Load(p.MessageID); ok {
		limAny, _ := c.limiters.LoadOrStore(p.MessageID, rate.NewLimiter(rate.Every(editThrottleEvery), 1))
		if !limAny.(*rate.Limiter).Allow() {
			return
		}
		pv := ph.(placeholder)
		_, _ = c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
			ChatID:      tu.ID(pv.chatID),
			MessageID:   pv.messageID,
			Text:        text,
			ReplyMarkup: markup,
		})
		return
	}

	sent, err := c.bot.SendMessage(ctx, &telego.SendMessageParams{
		ChatID:      tu.ID(chatID),
		Text:        text,
		ReplyMarkup: markup,
	})
	if err != nil {
		slog.Warn("telegram: send initial streaming placeholder failed", "error", err)
		return
	}
	c.placeholders.Store(p.MessageID, placeholder{chatID: chatID, messageID: sent.MessageID})
}

func cancelKeyboard(messageID string) *telego.InlineKeyboardMarkup {
	return tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("Cancel").WithCallbackData("cancel:"+messageID),
		),
	)
}

func (c *Channel) handleResponseFile(ctx context.Context, name string) {
	resp, err := c.queue.ReadOutgoingResponse(name)
	if err != nil {
		slog.Warn("telegram: read outgoing response failed", "name", name, "error", err)
		return
	}
	if resp.Channel != "telegram" {
		return
	}
	c.deliverResponse(ctx, resp)
}

func (c *Channel) deliverResponse(ctx context.Context, resp bus.Response) {
	pm, ok := c.pending.Get(resp.MessageID)
	if !ok {
		return
	}
	defer func() {
		_ = c.pending.Delete(resp.MessageID)
		c.limiters.Delete(resp.MessageID)
	}()

	var chatID int64
	fmt.Sscanf(pm.ChannelID, "%d", &chatID)
	c.stopTyping(chatID)

	chunks := channels.ChunkText(strings.TrimSpace(resp.Message), maxMessageLen)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	if ph, ok := c.placeholders.LoadAndDelete(resp.MessageID); ok {
		pv := ph.(placeholder)
		_, _ = c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
			ChatID:    tu.ID(pv.chatID),
			MessageID: pv.messageID,
			Text:      chunks[0],
		})
		for _, chunk := range chunks[1:] {
			_, _ = c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk))
		}
		return
	}

	for _, chunk := range chunks {
		_, _ = c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk))
	}
}

func (c *Channel) handleCallbackQuery(ctx context.Context, cb *telego.CallbackQuery) {
	action, id, ok := parseButtonCallbackData(cb.Data)
	if !ok {
		return
	}

	switch action {
	case "cancel":
		if err := c.queue.PublishCancel(id); err != nil {
			slog.Warn("telegram: publish cancel failed", "error", err)
		}
		c.ackCallback(ctx, cb.ID, "Cancelling...")
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
			slog.Warn("telegram: write approval decision failed", "error", err)
		}
		c.ackCallback(ctx, cb.ID, fmt.Sprintf("Recorded: %s", decision.Decision))
	}
}

func (c *Channel) ackCallback(ctx context.Context, callbackID, text string) {
	_ = c.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
		CallbackQueryID: callbackID,
		Text:            text,
	})
}

// parseButtonCallbackData splits callback data of the form "action:id".
func parseButtonCallbackData(data string) (action, id string, ok bool) {
	idx := strings.IndexByte(data, ':')
	if idx < 0 {
		return "", "", false
	}
	return data[:idx], data[idx+1:], true
}

// PollApprovals posts an interactive prompt for every not-yet-notified
// pending approval, mirroring the Discord adapter's approval loop.
func (c *Channel) PollApprovals(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.drainApprovals(ctx)
		}
	}
}

func (c *Channel) drainApprovals(ctx context.Context) {
	ids, err := c.approval.ListPending()
	if err != nil {
		return
	}
	for _, id := range ids {
		p, err := c.approval.ReadPending(id)
		if err != nil || p.Notified {
			continue
		}
		c.postApprovalPrompt(ctx, p)
		_ = c.approval.MarkNotified(id)
	}
}

func (c *Channel) postApprovalPrompt(ctx context.Context, p bus.PendingApproval) {
	target := c.cfg.AdminUserID
	if p.MessageID != "" {
		if pm, ok := c.pending.Get(p.MessageID); ok {
			target = pm.ChannelID
		}
	}
	if target == "" {
		return
	}
	var chatID int64
	fmt.Sscanf(target, "%d", &chatID)

	markup := tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("Allow this time").WithCallbackData("approve:"+p.RequestID),
			tu.InlineKeyboardButton("Always allow").WithCallbackData("always:"+p.RequestID),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("Always allow globally").WithCallbackData("always_all:"+p.RequestID),
			tu.InlineKeyboardButton("Deny").WithCallbackData("deny:"+p.RequestID),
		),
	)
	_, err := c.bot.SendMessage(ctx, &telego.SendMessageParams{
		ChatID:      tu.ID(chatID),
		Text:        fmt.Sprintf("Approve tool call?\n%s\n%s", p.ToolPattern, p.ToolInputSummary),
		ReplyMarkup: markup,
	})
	if err != nil {
		slog.Warn("telegram: post approval prompt failed", "error", err)
	}
}
