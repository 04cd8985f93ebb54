// Package channels defines the adapter interface messaging platforms
// implement and a registry that manages their lifecycle.
package channels

import (
	"context"
	"sync"

	"github.com/relaylabs/relay/pkg/models"
)

// Channel is the interface all platform adapters implement. Adapters
// translate between a platform's wire format and the unified message model;
// everything above this interface is platform-agnostic.
type Channel interface {
	// Name returns the platform name (telegram, slack).
	Name() string

	// Start begins listening for inbound messages. It returns once the
	// adapter is receiving; delivery continues on background goroutines
	// until Stop or context cancellation.
	Start(ctx context.Context) error

	// Stop shuts the adapter down, closing the Messages channel.
	Stop(ctx context.Context) error

	// Messages returns the inbound message stream. Closed on Stop.
	Messages() <-chan *models.Message

	// Send delivers text to a conversation on the platform.
	Send(ctx context.Context, conversationID, text string) error

	// Typing signals a typing indicator to a conversation. Adapters on
	// platforms without a typing affordance return nil.
	Typing(ctx context.Context, conversationID string) error

	// Status returns the current connection status.
	Status() Status
}

// Status represents the connection status of a channel.
type Status struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
	LastPing  int64  `json:"last_ping,omitempty"`
}

// Registry manages the set of active channels.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewRegistry creates an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]Channel)}
}

// Register adds a channel to the registry.
func (r *Registry) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.Name()] = ch
}

// Get returns a channel by platform name.
func (r *Registry) Get(name string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	return ch, ok
}

// All returns all registered channels.
func (r *Registry) All() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	return out
}

// StartAll starts every registered channel, stopping on the first failure.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, ch := range r.All() {
		if err := ch.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops every registered channel, returning the last error seen.
func (r *Registry) StopAll(ctx context.Context) error {
	var lastErr error
	for _, ch := range r.All() {
		if err := ch.Stop(ctx); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// AggregateMessages fans all channels' inbound streams into one. The
// returned channel drains each adapter until it closes or ctx is done.
func (r *Registry) AggregateMessages(ctx context.Context) <-chan *models.Message {
	out := make(chan *models.Message)

	for _, ch := range r.All() {
		go func(ch Channel) {
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-ch.Messages():
					if !ok {
						return
					}
					select {
					case out <- msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}(ch)
	}

	return out
}
