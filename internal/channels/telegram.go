package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/go-amplifier/internal/approval"
	"github.com/basket/go-amplifier/internal/bus"
	"github.com/basket/go-amplifier/internal/session"
	"github.com/basket/go-amplifier/internal/shared"
)

const (
	callbackPrefix = "appr:"
	// Telegram rejects callback data longer than 64 bytes.
	maxCallbackData = 64
)

// Single-letter decision codes keep callback data within Telegram's limit.
var decisionCodes = map[string]string{
	"a": approval.AlwaysAllow,
	"y": approval.Allow,
	"n": approval.Deny,
}

// botAPI is the subset of *tgbotapi.BotAPI the relay uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type sentMessage struct {
	chatID    int64
	messageID int
	text      string
}

// TelegramChannel relays approval requests to allowed Telegram chats and
// resolves them from inline button presses.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	approvals  Approvals
	logger     *slog.Logger
	bot        botAPI
	eventBus   *bus.Bus

	sentMu sync.Mutex
	sent   map[string][]sentMessage // approval id -> relayed messages
}

// NewTelegramChannel creates a new Telegram approval relay.
func NewTelegramChannel(token string, allowedIDs []int64, approvals Approvals, eventBus *bus.Bus, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		approvals:  approvals,
		logger:     logger,
		eventBus:   eventBus,
		sent:       make(map[string][]sentMessage),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if t.bot == nil {
		bot, err := tgbotapi.NewBotAPI(t.token)
		if err != nil {
			return fmt.Errorf("telegram init failed: %w", err)
		}
		t.logger.Info("telegram bot started", "user", bot.Self.UserName)
		t.bot = bot
	}

	t.subscribe(ctx)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}
		t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2.5x the long-poll timeout.
// Returns nil on context cancellation, or an error to trigger reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)
			t.handleUpdate(update)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleUpdate(update tgbotapi.Update) {
	switch {
	case update.Message != nil && update.Message.From != nil:
		if !t.allowed(update.Message.From.ID) {
			t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
			return
		}
		t.handleMessage(update.Message)
	case update.CallbackQuery != nil && update.CallbackQuery.From != nil:
		if !t.allowed(update.CallbackQuery.From.ID) {
			t.logger.Warn("telegram callback access denied", "user_id", update.CallbackQuery.From.ID)
			return
		}
		t.handleCallbackQuery(update.CallbackQuery)
	}
}

func (t *TelegramChannel) allowed(id int64) bool {
	_, ok := t.allowedIDs[id]
	return ok
}

// handleMessage answers the /pending command; everything else gets help.
func (t *TelegramChannel) handleMessage(msg *tgbotapi.Message) {
	switch msg.Command() {
	case "pending":
		pending := t.approvals.Pending()
		if len(pending) == 0 {
			t.reply(msg.Chat.ID, "No approvals are pending.")
			return
		}
		for _, p := range pending {
			t.sendApproval(msg.Chat.ID, p.SessionID, p.ApprovalID, p.Prompt)
		}
	default:
		t.reply(msg.Chat.ID, "Approval requests from amplifier sessions appear here. Send /pending to list open ones.")
	}
}

// handleCallbackQuery resolves an approval from an inline button press.
func (t *TelegramChannel) handleCallbackQuery(query *tgbotapi.CallbackQuery) {
	sessionID, approvalID, decision, err := parseApprovalCallback(query.Data)
	if err != nil {
		return
	}

	var answer string
	canonical, err := t.approvals.Resolve(sessionID, approvalID, decision)
	switch {
	case err == nil:
		answer = "Decision recorded: " + canonical
		t.logger.Info("approval resolved via telegram",
			"session_id", sessionID, "approval_id", approvalID,
			"decision", canonical, "user_id", query.From.ID)
	case errors.Is(err, ErrStaleApproval), errors.Is(err, session.ErrNoPendingApproval), errors.Is(err, session.ErrNotFound):
		answer = "This approval is no longer pending."
	default:
		answer = "Could not record decision: " + err.Error()
		t.logger.Warn("telegram approval resolve failed", "session_id", sessionID, "error", err)
	}

	if _, err := t.bot.Request(tgbotapi.NewCallback(query.ID, answer)); err != nil {
		t.logger.Warn("failed to send callback notification", "error", err)
	}
}

// subscribe forwards approval lifecycle events from the bus until ctx ends.
func (t *TelegramChannel) subscribe(ctx context.Context) {
	if t.eventBus == nil {
		return
	}
	sub := t.eventBus.Subscribe("approval.")
	go func() {
		defer t.eventBus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				t.handleEvent(ev)
			}
		}
	}()
}

func (t *TelegramChannel) handleEvent(ev bus.Event) {
	switch p := ev.Payload.(type) {
	case bus.ApprovalRequiredEvent:
		t.onApprovalRequired(p)
	case bus.ApprovalResolvedEvent:
		t.onApprovalResolved(p)
	}
}

func (t *TelegramChannel) onApprovalRequired(ev bus.ApprovalRequiredEvent) {
	for chatID := range t.allowedIDs {
		t.sendApproval(chatID, ev.SessionID, ev.ApprovalID, ev.Prompt)
	}
}

func (t *TelegramChannel) sendApproval(chatID int64, sessionID, approvalID, prompt string) {
	keyboard, err := approvalKeyboard(sessionID, approvalID)
	if err != nil {
		t.logger.Warn("approval not relayed", "session_id", sessionID, "approval_id", approvalID, "error", err)
		return
	}
	text := fmt.Sprintf("*Approval required*\nSession: `%s`\n\n%s",
		escapeMarkdownV2(sessionID), escapeMarkdownV2(shared.Redact(prompt)))
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	msg.ReplyMarkup = keyboard
	sent, err := t.bot.Send(msg)
	if err != nil {
		t.logger.Error("failed to send telegram approval", "error", err)
		return
	}
	t.sentMu.Lock()
	t.sent[approvalID] = append(t.sent[approvalID], sentMessage{chatID: chatID, messageID: sent.MessageID, text: text})
	t.sentMu.Unlock()
}

// onApprovalResolved replaces the buttons of relayed messages with the outcome.
func (t *TelegramChannel) onApprovalResolved(ev bus.ApprovalResolvedEvent) {
	t.sentMu.Lock()
	msgs := t.sent[ev.ApprovalID]
	delete(t.sent, ev.ApprovalID)
	t.sentMu.Unlock()

	outcome := "Resolved: " + ev.Decision
	if ev.Reason != "" {
		outcome += " (" + ev.Reason + ")"
	}
	for _, m := range msgs {
		edit := tgbotapi.NewEditMessageText(m.chatID, m.messageID, m.text+"\n\n"+escapeMarkdownV2(outcome))
		edit.ParseMode = tgbotapi.ModeMarkdownV2
		if _, err := t.bot.Send(edit); err != nil {
			t.logger.Warn("failed to update relayed approval", "error", err)
		}
	}
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		t.logger.Error("failed to send telegram reply", "error", err)
	}
}

// approvalKeyboard builds the Always allow / Allow / Deny row.
func approvalKeyboard(sessionID, approvalID string) (tgbotapi.InlineKeyboardMarkup, error) {
	labels := []struct{ text, code string }{
		{"Always allow", "a"},
		{"Allow", "y"},
		{"Deny", "n"},
	}
	var row []tgbotapi.InlineKeyboardButton
	for _, l := range labels {
		data := approvalCallback(sessionID, approvalID, l.code)
		if len(data) > maxCallbackData {
			return tgbotapi.InlineKeyboardMarkup{}, fmt.Errorf("callback data exceeds %d bytes", maxCallbackData)
		}
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(l.text, data))
	}
	return tgbotapi.NewInlineKeyboardMarkup(row), nil
}

func approvalCallback(sessionID, approvalID, code string) string {
	return callbackPrefix + sessionID + ":" + approvalID + ":" + code
}

// parseApprovalCallback parses appr:<session_id>:<approval_id>:<decision>.
// The decision is a single-letter code or a full decision name.
func parseApprovalCallback(data string) (sessionID, approvalID, decision string, err error) {
	data = strings.TrimSpace(data)
	if !strings.HasPrefix(data, callbackPrefix) {
		return "", "", "", fmt.Errorf("not an approval callback")
	}
	parts := strings.Split(strings.TrimPrefix(data, callbackPrefix), ":")
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("invalid approval callback format")
	}
	sessionID, approvalID, decision = parts[0], parts[1], parts[2]
	if sessionID == "" || approvalID == "" || decision == "" {
		return "", "", "", fmt.Errorf("session, approval and decision required")
	}
	if full, ok := decisionCodes[decision]; ok {
		decision = full
	}
	return sessionID, approvalID, decision, nil
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(s string) string {
	const specialChars = "_*[]()~`>#+-=|{}.!\\"
	var b strings.Builder
	b.Grow(len(s) * 2)
	for _, r := range s {
		if strings.ContainsRune(specialChars, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
