// Package ratelimit provides fixed-window request limiting keyed by caller.
package ratelimit

import (
	"sync"
	"time"
)

// Config configures a fixed-window limiter.
type Config struct {
	// Max is the number of requests allowed per window.
	Max int `yaml:"max"`
	// Window is the window duration.
	Window time.Duration `yaml:"window"`
	// Enabled controls whether limiting is active.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig allows one request per ten minutes per key.
func DefaultConfig() Config {
	return Config{
		Max:     1,
		Window:  10 * time.Minute,
		Enabled: true,
	}
}

type window struct {
	start time.Time
	count int
}

// Limiter tracks request counts per key in fixed windows. The check and the
// count increment happen in one critical section, so two concurrent requests
// can never both pass a limit of one.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	config  Config
	maxKeys int

	// now is injectable for tests.
	now func() time.Time
}

// NewLimiter creates a fixed-window limiter.
func NewLimiter(config Config) *Limiter {
	if config.Max <= 0 {
		config.Max = DefaultConfig().Max
	}
	if config.Window <= 0 {
		config.Window = DefaultConfig().Window
	}
	return &Limiter{
		windows: make(map[string]*window),
		config:  config,
		maxKeys: 10000,
		now:     time.Now,
	}
}

// Allow reports whether a request for key is within the limit, consuming one
// slot when it is.
func (l *Limiter) Allow(key string) bool {
	if !l.config.Enabled {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.config.Window {
		if !ok && len(l.windows) >= l.maxKeys {
			l.prune(now)
		}
		l.windows[key] = &window{start: now, count: 1}
		return true
	}

	if w.count >= l.config.Max {
		return false
	}
	w.count++
	return true
}

// RetryAfter returns how long until the key's window resets. Zero means a
// request would be allowed now.
func (l *Limiter) RetryAfter(key string) time.Duration {
	if !l.config.Enabled {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok {
		return 0
	}
	now := l.now()
	if now.Sub(w.start) >= l.config.Window || w.count < l.config.Max {
		return 0
	}
	return w.start.Add(l.config.Window).Sub(now)
}

// Reset clears the window for a key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

// prune drops expired windows. Caller holds the lock.
func (l *Limiter) prune(now time.Time) {
	for key, w := range l.windows {
		if now.Sub(w.start) >= l.config.Window {
			delete(l.windows, key)
		}
	}
}

// CompositeKey joins key parts with colons.
func CompositeKey(parts ...string) string {
	key := ""
	for i, part := range parts {
		if i > 0 {
			key += ":"
		}
		key += part
	}
	return key
}
