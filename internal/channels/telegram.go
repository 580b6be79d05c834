package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/basket/dispatchd/internal/bus"
	"github.com/basket/dispatchd/internal/config"
	"github.com/basket/dispatchd/internal/dispatch"
	"github.com/basket/dispatchd/internal/queue"
)

// botAPI is the slice of tgbotapi the channel uses. Narrowed so tests
// can substitute a recording fake.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// IncomingWriter is the queue surface the inbound side writes to.
type IncomingWriter interface {
	WriteIncoming(msg queue.IncomingMessage) (string, error)
}

// editInterval throttles progressive message edits. Telegram rejects
// rapid edit bursts with 429s.
const editInterval = time.Second

// TelegramChannel bridges Telegram chats and the message queue. Inbound
// messages from allowlisted users become incoming queue entries; replies
// are rendered through per-dispatch adapters that stream output into a
// single progressively edited message.
type TelegramChannel struct {
	token   string
	allowed map[int64]struct{}
	// routes maps a chat id to the agent whose heartbeat is bound to it.
	// Unrouted chats fall back to the default agent.
	routes       map[int64]string
	defaultAgent string
	agents       map[string]bool

	queue   IncomingWriter
	events  *bus.Bus
	logger  *slog.Logger
	limiter *rate.Limiter

	mu  sync.Mutex
	bot botAPI
}

// New builds the channel from the loaded configuration. Start must be
// called before adapters can deliver anything.
func New(cfg *config.Config, q IncomingWriter, events *bus.Bus, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{}, len(cfg.Telegram.AllowedIDs))
	for _, id := range cfg.Telegram.AllowedIDs {
		allowed[id] = struct{}{}
	}
	routes := make(map[int64]string)
	agents := make(map[string]bool, len(cfg.Agents))
	for _, a := range cfg.Agents {
		agents[a.ID] = true
		if a.Heartbeat != nil && a.Heartbeat.ChatID != 0 {
			routes[a.Heartbeat.ChatID] = a.ID
		}
	}
	return &TelegramChannel{
		token:        cfg.Telegram.Token,
		allowed:      allowed,
		routes:       routes,
		defaultAgent: cfg.Telegram.DefaultAgent,
		agents:       agents,
		queue:        q,
		events:       events,
		logger:       logger.With("component", "telegram"),
		// Telegram caps bots around 30 messages/sec across all chats.
		limiter: rate.NewLimiter(rate.Every(40*time.Millisecond), 1),
	}
}

func (t *TelegramChannel) Name() string {
	return queue.ChannelTelegram
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.setBot(bot)
	t.logger.Info("telegram bot started", "user", bot.Self.UserName)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		bot.StopReceivingUpdates()

		if pollErr != nil {
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
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the
// channel closes, or no updates arrive within 2.5x the long-poll timeout
// (the library blocks rather than closing the channel on a dead
// connection). Returns nil on context cancellation, or an error to
// trigger reconnection.
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
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}
	if _, ok := t.allowed[msg.From.ID]; !ok {
		t.logger.Warn("telegram access denied", "user_id", msg.From.ID, "user_name", msg.From.UserName)
		return
	}
	t.handleInbound(msg)
}

func (t *TelegramChannel) handleInbound(msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}

	agentID, content := t.route(msg.Chat.ID, content)
	if content == "" {
		return
	}
	if agentID == "" {
		t.logger.Warn("no agent route for chat", "chat_id", msg.Chat.ID)
		return
	}
	if !t.agents[agentID] {
		t.logger.Warn("inbound message for unknown agent", "chat_id", msg.Chat.ID, "agent", agentID)
		t.reply(msg.Chat.ID, fmt.Sprintf("Unknown agent %q.", agentID))
		return
	}

	in := queue.IncomingMessage{
		Channel:  queue.ChannelTelegram,
		Sender:   senderName(msg.From),
		SenderID: strconv.FormatInt(msg.Chat.ID, 10),
		Message:  content,
		AgentID:  agentID,
	}
	if _, err := t.queue.WriteIncoming(in); err != nil {
		t.logger.Error("failed to queue telegram message", "chat_id", msg.Chat.ID, "error", err)
		t.reply(msg.Chat.ID, fmt.Sprintf("Error: could not queue message: %v", err))
		return
	}
	t.publish(bus.TopicChannelInbound, bus.ChannelInboundEvent{
		Channel: t.Name(),
		ChatID:  msg.Chat.ID,
		AgentID: agentID,
	})
}

// route resolves the target agent for a chat message. An explicit
// "@agent text" prefix wins; otherwise the chat's heartbeat binding,
// otherwise the configured default agent.
func (t *TelegramChannel) route(chatID int64, content string) (string, string) {
	if strings.HasPrefix(content, "@") {
		parts := strings.SplitN(content, " ", 2)
		agentID := strings.TrimPrefix(parts[0], "@")
		if len(parts) > 1 {
			return agentID, strings.TrimSpace(parts[1])
		}
		return agentID, ""
	}
	if bound, ok := t.routes[chatID]; ok {
		return bound, content
	}
	return t.defaultAgent, content
}

// MakeAdapter creates the render target for one dispatch.
func (t *TelegramChannel) MakeAdapter(chatID int64, agentID, sessionID string) (dispatch.ChannelAdapter, error) {
	if t.getBot() == nil {
		return nil, fmt.Errorf("telegram transport not started")
	}
	return &messageAdapter{ch: t, chatID: chatID, agentID: agentID, session: sessionID}, nil
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	if _, err := t.send(tgbotapi.NewMessage(chatID, text)); err != nil {
		t.logger.Error("failed to send telegram reply", "chat_id", chatID, "error", err)
	}
}

func (t *TelegramChannel) send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	bot := t.getBot()
	if bot == nil {
		return tgbotapi.Message{}, fmt.Errorf("telegram transport not started")
	}
	_ = t.limiter.Wait(context.Background())
	return bot.Send(c)
}

func (t *TelegramChannel) setBot(bot botAPI) {
	t.mu.Lock()
	t.bot = bot
	t.mu.Unlock()
}

func (t *TelegramChannel) getBot() botAPI {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bot
}

func (t *TelegramChannel) publish(topic string, payload any) {
	if t.events == nil {
		return
	}
	t.events.Publish(topic, payload)
}

func senderName(from *tgbotapi.User) string {
	if from == nil {
		return "telegram"
	}
	if from.UserName != "" {
		return from.UserName
	}
	if from.FirstName != "" {
		return from.FirstName
	}
	return "telegram"
}

// messageAdapter renders one dispatch into a single Telegram message.
// The first chunk sends a placeholder; later chunks edit it in place, at
// most once per editInterval; Finalize replaces it with the full output.
type messageAdapter struct {
	ch      *TelegramChannel
	chatID  int64
	agentID string
	session string

	mu        sync.Mutex
	messageID int
	text      strings.Builder
	sent      string
	lastEdit  time.Time
}

func (a *messageAdapter) AppendChunk(text string) {
	if text == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.text.WriteString(text)

	if a.messageID == 0 {
		sent, err := a.ch.send(tgbotapi.NewMessage(a.chatID, a.text.String()))
		if err != nil {
			a.ch.logger.Warn("failed to send stream placeholder", "chat_id", a.chatID, "agent", a.agentID, "error", err)
			return
		}
		a.messageID = sent.MessageID
		a.sent = a.text.String()
		a.lastEdit = time.Now()
		return
	}

	if time.Since(a.lastEdit) < editInterval {
		return
	}
	body := a.text.String()
	if _, err := a.ch.send(tgbotapi.NewEditMessageText(a.chatID, a.messageID, body)); err != nil {
		a.ch.logger.Warn("failed to edit telegram message (progressive)", "chat_id", a.chatID, "error", err)
		return
	}
	a.sent = body
	a.lastEdit = time.Now()
}

func (a *messageAdapter) Finalize(output string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if strings.TrimSpace(output) == "" {
		return nil
	}
	if a.messageID == 0 {
		if _, err := a.ch.send(tgbotapi.NewMessage(a.chatID, output)); err != nil {
			return fmt.Errorf("send reply: %w", err)
		}
		return nil
	}
	// Telegram rejects edits that do not change the text.
	if output == a.sent {
		return nil
	}
	if _, err := a.ch.send(tgbotapi.NewEditMessageText(a.chatID, a.messageID, output)); err != nil {
		return fmt.Errorf("final edit: %w", err)
	}
	a.sent = output
	return nil
}
