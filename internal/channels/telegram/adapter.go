// Package telegram adapts the Telegram Bot API to the unified channel
// interface using long polling.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/relaylabs/relay/internal/channels"
	"github.com/relaylabs/relay/pkg/models"
)

// Config holds configuration for the Telegram adapter.
type Config struct {
	// Token is the bot token from @BotFather.
	Token string

	// Logger is an optional structured logger.
	Logger *slog.Logger
}

// Adapter implements channels.Channel for Telegram.
type Adapter struct {
	config   Config
	bot      *bot.Bot
	messages chan *models.Message
	logger   *slog.Logger

	statusMu sync.RWMutex
	status   channels.Status

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAdapter creates a Telegram adapter. The bot connection is established
// on Start.
func NewAdapter(config Config) (*Adapter, error) {
	if config.Token == "" {
		return nil, errors.New("telegram: token is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Adapter{
		config:   config,
		messages: make(chan *models.Message, 100),
		logger:   config.Logger.With("channel", "telegram"),
	}, nil
}

// Name returns the platform name.
func (a *Adapter) Name() string {
	return string(models.ChannelTelegram)
}

// Start connects the bot and begins long polling.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	b, err := bot.New(a.config.Token, bot.WithDefaultHandler(a.handleUpdate))
	if err != nil {
		cancel()
		a.updateStatus(false, fmt.Sprintf("create bot: %v", err))
		return fmt.Errorf("telegram: create bot: %w", err)
	}
	a.bot = b

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer close(a.messages)
		a.bot.Start(ctx)
		a.updateStatus(false, "")
	}()

	a.updateStatus(true, "")
	a.logger.Info("telegram adapter started")
	return nil
}

// Stop cancels polling and waits for the receive loop to drain.
func (a *Adapter) Stop(ctx context.Context) error {
	a.logger.Info("stopping telegram adapter")
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("telegram: stop: %w", ctx.Err())
	}
}

// Messages returns the inbound message stream.
func (a *Adapter) Messages() <-chan *models.Message {
	return a.messages
}

// Send delivers text to a Telegram chat. conversationID is the chat id.
func (a *Adapter) Send(ctx context.Context, conversationID, text string) error {
	chatID, err := parseChatID(conversationID)
	if err != nil {
		return err
	}
	if a.bot == nil {
		return errors.New("telegram: adapter not started")
	}

	_, err = a.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	})
	if err != nil {
		a.logger.Error("failed to send message", "chat_id", chatID, "error", err)
		return fmt.Errorf("telegram: send: %w", err)
	}
	return nil
}

// Typing sends a typing chat action. Telegram shows the indicator for a few
// seconds, so callers refresh it on a cadence while work is in flight.
func (a *Adapter) Typing(ctx context.Context, conversationID string) error {
	chatID, err := parseChatID(conversationID)
	if err != nil {
		return err
	}
	if a.bot == nil {
		return errors.New("telegram: adapter not started")
	}

	_, err = a.bot.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: chatID,
		Action: tgmodels.ChatActionTyping,
	})
	if err != nil {
		return fmt.Errorf("telegram: chat action: %w", err)
	}
	return nil
}

// Status returns the current connection status.
func (a *Adapter) Status() channels.Status {
	a.statusMu.RLock()
	defer a.statusMu.RUnlock()
	return a.status
}

func (a *Adapter) handleUpdate(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	if update.Message == nil || update.Message.Text == "" {
		return
	}
	m := update.Message

	senderID := ""
	senderName := ""
	if m.From != nil {
		senderID = strconv.FormatInt(m.From.ID, 10)
		senderName = m.From.Username
		if senderName == "" {
			senderName = m.From.FirstName
		}
	}

	msg := &models.Message{
		ID:             strconv.Itoa(m.ID),
		Channel:        models.ChannelTelegram,
		ConversationID: strconv.FormatInt(m.Chat.ID, 10),
		SenderID:       senderID,
		SenderName:     senderName,
		Direction:      models.DirectionInbound,
		Role:           models.RoleUser,
		Content:        m.Text,
		CreatedAt:      time.Unix(int64(m.Date), 0),
	}

	select {
	case a.messages <- msg:
		a.updateLastPing()
	case <-ctx.Done():
	default:
		a.logger.Warn("messages channel full, dropping message", "chat_id", m.Chat.ID)
	}
}

func (a *Adapter) updateStatus(connected bool, errMsg string) {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	a.status.Connected = connected
	a.status.Error = errMsg
	if connected {
		a.status.LastPing = time.Now().Unix()
	}
}

func (a *Adapter) updateLastPing() {
	a.statusMu.Lock()
	a.status.LastPing = time.Now().Unix()
	a.statusMu.Unlock()
}

func parseChatID(conversationID string) (int64, error) {
	chatID, err := strconv.ParseInt(conversationID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: invalid chat id %q: %w", conversationID, err)
	}
	return chatID, nil
}
