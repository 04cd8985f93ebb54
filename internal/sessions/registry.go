// Package sessions isolates stateful tool resources per conversation. Each
// task ID owns at most one ToolSession; the session owns every stateful
// resource created on its behalf and tears them all down on release.
package sessions

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrSessionReleased is returned when a resource is requested from a session
// that has already been released.
var ErrSessionReleased = errors.New("tool session released")

// ErrRegistryClosed is returned by Acquire after the registry has shut down.
var ErrRegistryClosed = errors.New("session registry closed")

// Resource is a stateful tool handle owned by a ToolSession, such as a
// persistent shell process. Close must be safe to call exactly once.
type Resource interface {
	Close() error
}

// ToolSession is the isolated resource bucket for one conversation. Resources
// are created lazily on first use and shared by name within the session,
// never across sessions.
type ToolSession struct {
	taskID string
	logger *slog.Logger

	mu        sync.Mutex
	resources map[string]Resource
	order     []string
	released  bool
}

// TaskID returns the conversation this session belongs to.
func (s *ToolSession) TaskID() string {
	return s.taskID
}

// Stateful returns the named resource, creating it with init on first use.
// Concurrent callers for the same name are serialized; the second caller
// observes the first's initialized resource. An init failure is not cached,
// so a later call may retry.
func (s *ToolSession) Stateful(name string, init func() (Resource, error)) (Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return nil, ErrSessionReleased
	}
	if res, ok := s.resources[name]; ok {
		return res, nil
	}

	res, err := init()
	if err != nil {
		return nil, fmt.Errorf("initialize resource %q: %w", name, err)
	}
	s.resources[name] = res
	s.order = append(s.order, name)
	return res, nil
}

// close tears down all owned resources in reverse creation order. It returns
// the joined close errors but always closes everything.
func (s *ToolSession) close() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	resources := s.resources
	order := s.order
	s.resources = nil
	s.order = nil
	s.mu.Unlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		if err := resources[name].Close(); err != nil {
			s.logger.Warn("resource close failed", "task_id", s.taskID, "resource", name, "error", err)
			errs = append(errs, fmt.Errorf("close %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Registry hands out at most one live ToolSession per task ID.
type Registry struct {
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*ToolSession
	closed   bool
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger,
		sessions: make(map[string]*ToolSession),
	}
}

// Acquire returns the live session for a task ID, creating one if none
// exists. Concurrent acquisition for the same ID yields the same instance.
func (r *Registry) Acquire(taskID string) (*ToolSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	if s, ok := r.sessions[taskID]; ok {
		return s, nil
	}

	s := &ToolSession{
		taskID:    taskID,
		logger:    r.logger,
		resources: make(map[string]Resource),
	}
	r.sessions[taskID] = s
	r.logger.Debug("tool session created", "task_id", taskID)
	return s, nil
}

// Release tears down the session for a task ID, synchronously closing all of
// its resources. Releasing an unknown or already-released ID is a no-op.
// Close failures are reported but the session is still removed, so a
// misbehaving resource cannot pin a task ID forever.
func (r *Registry) Release(taskID string) error {
	r.mu.Lock()
	s, ok := r.sessions[taskID]
	delete(r.sessions, taskID)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	if err := s.close(); err != nil {
		return fmt.Errorf("release session %s: %w", taskID, err)
	}
	r.logger.Debug("tool session released", "task_id", taskID)
	return nil
}

// Close releases every live session and refuses further acquisition.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := make([]*ToolSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*ToolSession)
	r.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
