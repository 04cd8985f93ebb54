// Package slack adapts the Slack Events API over Socket Mode to the
// unified channel interface.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/relaylabs/relay/internal/channels"
	"github.com/relaylabs/relay/pkg/models"
)

// Config holds the configuration for the Slack adapter.
type Config struct {
	// BotToken is the xoxb- token for Web API calls.
	BotToken string

	// AppToken is the xapp- token for Socket Mode.
	AppToken string

	// Logger is an optional structured logger.
	Logger *slog.Logger
}

// Adapter implements channels.Channel for Slack. Conversation ids carry the
// thread context as "channel:thread_ts" so replies land in the right thread;
// top-level conversations use the bare channel id.
type Adapter struct {
	cfg          Config
	client       *slack.Client
	socketClient *socketmode.Client
	messages     chan *models.Message
	logger       *slog.Logger

	statusMu sync.RWMutex
	status   channels.Status

	botUserIDMu sync.RWMutex
	botUserID   string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAdapter creates a Slack adapter.
func NewAdapter(cfg Config) (*Adapter, error) {
	if cfg.BotToken == "" || cfg.AppToken == "" {
		return nil, errors.New("slack: bot token and app token are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	client := slack.New(
		cfg.BotToken,
		slack.OptionAppLevelToken(cfg.AppToken),
	)
	socketClient := socketmode.New(
		client,
		socketmode.OptionDebug(false),
	)

	return &Adapter{
		cfg:          cfg,
		client:       client,
		socketClient: socketClient,
		messages:     make(chan *models.Message, 100),
		logger:       cfg.Logger.With("channel", "slack"),
	}, nil
}

// Name returns the platform name.
func (a *Adapter) Name() string {
	return string(models.ChannelSlack)
}

// Start authenticates and begins receiving Socket Mode events.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	authResp, err := a.client.AuthTestContext(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserIDMu.Lock()
	a.botUserID = authResp.UserID
	a.botUserIDMu.Unlock()

	a.wg.Add(1)
	go a.handleEvents(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.socketClient.RunContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.updateStatus(false, fmt.Sprintf("socket mode: %v", err))
			a.logger.Error("socket mode terminated", "error", err)
		}
	}()

	a.updateStatus(true, "")
	a.logger.Info("slack adapter started", "bot_user_id", authResp.UserID)
	return nil
}

// Stop shuts the adapter down and closes the message stream.
func (a *Adapter) Stop(ctx context.Context) error {
	a.logger.Info("stopping slack adapter")
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(a.messages)
		close(done)
	}()

	select {
	case <-done:
		a.updateStatus(false, "")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("slack: stop: %w", ctx.Err())
	}
}

// Messages returns the inbound message stream.
func (a *Adapter) Messages() <-chan *models.Message {
	return a.messages
}

// Send posts text to a Slack conversation, threading when the conversation
// id carries a thread timestamp.
func (a *Adapter) Send(ctx context.Context, conversationID, text string) error {
	channelID, threadTS := splitConversationID(conversationID)

	options := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS != "" {
		options = append(options, slack.MsgOptionTS(threadTS))
	}

	if _, _, err := a.client.PostMessageContext(ctx, channelID, options...); err != nil {
		a.logger.Error("failed to send message", "slack_channel", channelID, "error", err)
		return fmt.Errorf("slack: send: %w", err)
	}
	return nil
}

// Typing is a no-op. Slack exposes no typing indicator to Events API bots.
func (a *Adapter) Typing(ctx context.Context, conversationID string) error {
	return nil
}

// Status returns the current connection status.
func (a *Adapter) Status() channels.Status {
	a.statusMu.RLock()
	defer a.statusMu.RUnlock()
	return a.status
}

func (a *Adapter) handleEvents(ctx context.Context) {
	defer a.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-a.socketClient.Events:
			if !ok {
				return
			}

			a.updateLastPing()

			switch event.Type {
			case socketmode.EventTypeConnecting:
				a.logger.Debug("connecting to socket mode")
			case socketmode.EventTypeConnectionError:
				a.logger.Warn("socket mode connection error", "data", event.Data)
				a.updateStatus(false, "connection error")
			case socketmode.EventTypeConnected:
				a.logger.Info("connected to socket mode")
				a.updateStatus(true, "")
			case socketmode.EventTypeEventsAPI:
				a.handleEventsAPI(ctx, event)
			case socketmode.EventTypeSlashCommand, socketmode.EventTypeInteractive:
				a.socketClient.Ack(*event.Request)
			}
		}
	}
}

func (a *Adapter) handleEventsAPI(ctx context.Context, event socketmode.Event) {
	apiEvent, ok := event.Data.(slackevents.EventsAPIEvent)
	if !ok {
		a.logger.Warn("unexpected event payload", "data", event.Data)
		a.socketClient.Ack(*event.Request)
		return
	}
	a.socketClient.Ack(*event.Request)

	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}

	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		a.handleMessage(ctx, &slackevents.MessageEvent{
			Type:            "message",
			User:            ev.User,
			Text:            ev.Text,
			Channel:         ev.Channel,
			TimeStamp:       ev.TimeStamp,
			ThreadTimeStamp: ev.ThreadTimeStamp,
		})
	case *slackevents.MessageEvent:
		if ev.BotID != "" || ev.SubType != "" {
			return
		}
		a.handleMessage(ctx, ev)
	}
}

func (a *Adapter) handleMessage(ctx context.Context, event *slackevents.MessageEvent) {
	a.botUserIDMu.RLock()
	botUserID := a.botUserID
	a.botUserIDMu.RUnlock()

	isDM := strings.HasPrefix(event.Channel, "D")
	isMention := strings.Contains(event.Text, fmt.Sprintf("<@%s>", botUserID))
	if !isDM && !isMention && event.ThreadTimeStamp == "" {
		return
	}

	msg := convertMessageEvent(event)
	select {
	case a.messages <- msg:
	case <-ctx.Done():
	default:
		a.logger.Warn("messages channel full, dropping message", "slack_channel", event.Channel)
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

// convertMessageEvent maps a Slack message event to the unified format.
func convertMessageEvent(event *slackevents.MessageEvent) *models.Message {
	text := stripMentions(event.Text)

	// Replies join the originating thread; top-level messages start one
	// keyed by their own timestamp, so the whole exchange threads together.
	threadTS := event.ThreadTimeStamp
	if threadTS == "" {
		threadTS = event.TimeStamp
	}

	createdAt := time.Now()
	if ts, err := parseTimestamp(event.TimeStamp); err == nil {
		createdAt = ts
	}

	return &models.Message{
		ID:             fmt.Sprintf("%s:%s", event.Channel, event.TimeStamp),
		Channel:        models.ChannelSlack,
		ConversationID: joinConversationID(event.Channel, threadTS),
		SenderID:       event.User,
		Direction:      models.DirectionInbound,
		Role:           models.RoleUser,
		Content:        text,
		CreatedAt:      createdAt,
	}
}

// stripMentions removes <@USERID> tokens from message text.
func stripMentions(text string) string {
	for {
		start := strings.Index(text, "<@")
		if start == -1 {
			break
		}
		end := strings.Index(text[start:], ">")
		if end == -1 {
			break
		}
		text = text[:start] + text[start+end+1:]
	}
	return strings.TrimSpace(text)
}

func joinConversationID(channel, threadTS string) string {
	if threadTS == "" {
		return channel
	}
	return channel + ":" + threadTS
}

func splitConversationID(conversationID string) (channel, threadTS string) {
	channel, threadTS, _ = strings.Cut(conversationID, ":")
	return channel, threadTS
}

// parseTimestamp converts a Slack "seconds.micros" timestamp to time.Time.
func parseTimestamp(ts string) (time.Time, error) {
	var sec, usec int64
	if _, err := fmt.Sscanf(ts, "%d.%d", &sec, &usec); err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", ts, err)
	}
	return time.Unix(sec, usec*1000), nil
}
