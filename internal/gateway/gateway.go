// Package gateway routes inbound platform messages through the conversation
// loop and delivers responses, enforcing sender authorization on the way in.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/relaylabs/relay/internal/agent"
	"github.com/relaylabs/relay/internal/channels"
	"github.com/relaylabs/relay/internal/notify"
	"github.com/relaylabs/relay/internal/pairing"
	"github.com/relaylabs/relay/internal/sessions"
	"github.com/relaylabs/relay/pkg/models"
)

const (
	// maxInputSize caps inbound message content.
	maxInputSize = 64 * 1024

	// maxHistoryMessages bounds the retained transcript per conversation.
	maxHistoryMessages = 80

	// typingInterval is how often to refresh the typing indicator while a
	// run is in flight.
	typingInterval = 4 * time.Second
)

// Runner executes one conversation run. *agent.Loop satisfies it.
type Runner interface {
	Run(ctx context.Context, taskID string, messages []agent.CompletionMessage) (*agent.RunResult, error)
}

// RunnerFactory builds the runner for a conversation's tool session. The
// session is stable across a conversation's messages, so stateful tools
// (the terminal) keep their state between runs.
type RunnerFactory func(session *sessions.ToolSession) Runner

// Config holds gateway dependencies.
type Config struct {
	Channels  *channels.Registry
	NewRunner RunnerFactory
	Sessions  *sessions.Registry

	// Authorities maps platform name to its pairing authority. A platform
	// with no authority accepts all senders.
	Authorities map[string]*pairing.Authority

	// MaxConcurrent bounds messages processed in parallel across
	// conversations. Messages within one conversation always serialize.
	MaxConcurrent int

	Logger *slog.Logger
}

// Gateway owns the inbound processing loop.
type Gateway struct {
	channels    *channels.Registry
	newRunner   RunnerFactory
	sessions    *sessions.Registry
	authorities map[string]*pairing.Authority
	logger      *slog.Logger

	messageSem chan struct{}
	convLocks  *conversationLocks

	historyMu sync.Mutex
	history   map[string][]agent.CompletionMessage

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a gateway.
func New(cfg Config) *Gateway {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gateway{
		channels:    cfg.Channels,
		newRunner:   cfg.NewRunner,
		sessions:    cfg.Sessions,
		authorities: cfg.Authorities,
		logger:      cfg.Logger,
		messageSem:  make(chan struct{}, cfg.MaxConcurrent),
		convLocks:   newConversationLocks(),
		history:     make(map[string][]agent.CompletionMessage),
	}
}

// Start launches the channels and the processing loop.
func (g *Gateway) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel

	if err := g.channels.StartAll(ctx); err != nil {
		cancel()
		return fmt.Errorf("gateway: start channels: %w", err)
	}

	g.wg.Add(1)
	go g.processMessages(ctx)

	g.logger.Info("gateway started", "channels", len(g.channels.All()))
	return nil
}

// Stop shuts down channels, waits for in-flight handlers, and releases all
// tool sessions.
func (g *Gateway) Stop(ctx context.Context) error {
	g.logger.Info("stopping gateway")
	if g.cancel != nil {
		g.cancel()
	}

	stopErr := g.channels.StopAll(ctx)

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("gateway: stop: %w", ctx.Err())
	}

	if err := g.sessions.Close(); err != nil {
		g.logger.Error("failed to close tool sessions", "error", err)
	}
	return stopErr
}

func (g *Gateway) processMessages(ctx context.Context) {
	defer g.wg.Done()
	messages := g.channels.AggregateMessages(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			select {
			case g.messageSem <- struct{}{}:
				g.wg.Add(1)
				go func(msg *models.Message) {
					defer func() {
						<-g.messageSem
						g.wg.Done()
					}()
					g.handleMessage(ctx, msg)
				}(msg)
			case <-ctx.Done():
				return
			}
		}
	}
}

func (g *Gateway) handleMessage(ctx context.Context, msg *models.Message) {
	g.logger.Debug("received message",
		"channel", msg.Channel,
		"conversation", msg.ConversationID,
		"content_length", len(msg.Content))

	ch, ok := g.channels.Get(string(msg.Channel))
	if !ok {
		g.logger.Error("message from unregistered channel", "channel", msg.Channel)
		return
	}

	if len(msg.Content) > maxInputSize {
		g.logger.Warn("input message too large, truncating",
			"channel", msg.Channel, "original_size", len(msg.Content))
		msg.Content = truncateUTF8(msg.Content, maxInputSize)
	}

	if !g.authorize(ctx, ch, msg) {
		return
	}

	convKey := conversationKey(msg)
	unlock := g.convLocks.acquire(convKey)
	defer unlock()

	g.runConversation(ctx, ch, convKey, msg)
}

// authorize checks the sender against the platform's pairing authority.
// Unauthorized senders get a pairing code and instructions instead of a run.
func (g *Gateway) authorize(ctx context.Context, ch channels.Channel, msg *models.Message) bool {
	authority, ok := g.authorities[string(msg.Channel)]
	if !ok {
		return true
	}

	authorized, err := authority.IsAuthorized(msg.SenderID)
	if err != nil {
		g.logger.Error("authorization check failed", "channel", msg.Channel, "error", err)
		return false
	}
	if authorized {
		return true
	}

	code, err := authority.RequestPairing(msg.SenderID, msg.SenderName)
	reply := ""
	switch {
	case err == nil:
		reply = fmt.Sprintf(
			"You are not authorized yet. Your pairing code is %s.\n"+
				"Ask the operator to run: relay pairing approve %s %s",
			code, msg.Channel, code)
	case errors.Is(err, pairing.ErrRateLimited):
		reply = "A pairing code was issued recently. Please wait before requesting another."
	case errors.Is(err, pairing.ErrTooManyPending):
		reply = "Too many pairing requests are pending. Please try again later."
	default:
		g.logger.Error("pairing request failed", "channel", msg.Channel, "error", err)
		return false
	}

	if err := ch.Send(ctx, msg.ConversationID, reply); err != nil {
		g.logger.Error("failed to send pairing reply", "channel", msg.Channel, "error", err)
	}
	return false
}

func (g *Gateway) runConversation(ctx context.Context, ch channels.Channel, convKey string, msg *models.Message) {
	session, err := g.sessions.Acquire(convKey)
	if err != nil {
		g.logger.Error("failed to acquire tool session", "conversation", convKey, "error", err)
		return
	}
	runner := g.newRunner(session)

	messages := append(g.snapshotHistory(convKey), agent.CompletionMessage{
		Role:    "user",
		Content: msg.Content,
	})

	typing := notify.New(typingInterval, func(ctx context.Context) {
		if err := ch.Typing(ctx, msg.ConversationID); err != nil {
			g.logger.Debug("typing signal failed", "conversation", convKey, "error", err)
		}
	})
	handle := typing.Start(ctx)

	res, err := runner.Run(ctx, convKey, messages)
	handle.Stop()

	if err != nil {
		g.logger.Error("conversation run failed", "conversation", convKey, "error", err)
		g.sendReply(ctx, ch, msg.ConversationID, "Something went wrong processing that request.")
		return
	}

	g.storeHistory(convKey, res.Messages)

	reply := res.FinalText
	if reply == "" {
		if res.FinishedNaturally {
			reply = "Done."
		} else {
			reply = fmt.Sprintf("The run stopped early (%s).", res.Phase)
		}
	}
	g.sendReply(ctx, ch, msg.ConversationID, reply)
}

func (g *Gateway) sendReply(ctx context.Context, ch channels.Channel, conversationID, text string) {
	if err := ch.Send(ctx, conversationID, text); err != nil {
		g.logger.Error("failed to send reply", "conversation", conversationID, "error", err)
	}
}

func (g *Gateway) snapshotHistory(convKey string) []agent.CompletionMessage {
	g.historyMu.Lock()
	defer g.historyMu.Unlock()
	stored := g.history[convKey]
	out := make([]agent.CompletionMessage, len(stored))
	copy(out, stored)
	return out
}

// storeHistory keeps the full run transcript, trimmed from the front. The
// trim never strands tool results without their assistant tool calls: it
// advances past tool messages until a clean boundary.
func (g *Gateway) storeHistory(convKey string, transcript []agent.CompletionMessage) {
	start := 0
	if len(transcript) > maxHistoryMessages {
		start = len(transcript) - maxHistoryMessages
		for start < len(transcript) && transcript[start].Role == "tool" {
			start++
		}
	}
	trimmed := make([]agent.CompletionMessage, len(transcript)-start)
	copy(trimmed, transcript[start:])

	g.historyMu.Lock()
	g.history[convKey] = trimmed
	g.historyMu.Unlock()
}

func conversationKey(msg *models.Message) string {
	return string(msg.Channel) + ":" + msg.ConversationID
}

// truncateUTF8 cuts s to at most limit bytes, backing off to a rune boundary
// so the result is never invalid UTF-8.
func truncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && cut > limit-utf8.UTFMax && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// conversationLocks serializes handling within a conversation while letting
// distinct conversations proceed in parallel. Entries are refcounted and
// removed when the last holder releases.
type conversationLocks struct {
	mu    sync.Mutex
	locks map[string]*convLock
}

type convLock struct {
	mu   sync.Mutex
	refs int
}

func newConversationLocks() *conversationLocks {
	return &conversationLocks{locks: make(map[string]*convLock)}
}

func (c *conversationLocks) acquire(key string) (release func()) {
	c.mu.Lock()
	l, ok := c.locks[key]
	if !ok {
		l = &convLock{}
		c.locks[key] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, key)
		}
		c.mu.Unlock()
	}
}
