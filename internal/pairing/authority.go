package pairing

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/relaylabs/relay/internal/ratelimit"
)

// ErrRateLimited reports that a requester asked for a code too recently.
var ErrRateLimited = errors.New("pairing request rate limited")

// Authority decides who may talk to the agent on one platform. The
// authorization set is the union of the static allowlist from configuration
// and the grants earned through pairing. With no static allowlist configured
// the platform runs in open mode and every requester is authorized.
type Authority struct {
	platform  string
	store     *Store
	limiter   *ratelimit.Limiter
	allowFrom []string
	logger    *slog.Logger

	warnOnce sync.Once
}

// NewAuthority creates the pairing authority for a platform. allowFrom is
// the static allowlist; empty means open mode. limits governs how often one
// requester may ask for a pairing code.
func NewAuthority(platform string, store *Store, allowFrom []string, limits ratelimit.Config, logger *slog.Logger) *Authority {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authority{
		platform:  platform,
		store:     store,
		limiter:   ratelimit.NewLimiter(limits),
		allowFrom: allowFrom,
		logger:    logger,
	}
}

// RequestPairing issues a pairing code for an unauthorized requester.
// Returns ErrRateLimited when the requester's window already has a request,
// or ErrTooManyPending when the platform quota is full.
func (a *Authority) RequestPairing(requesterID, requesterName string) (string, error) {
	if !a.limiter.Allow(ratelimit.CompositeKey(a.platform, requesterID)) {
		a.logger.Info("pairing request rate limited", "platform", a.platform, "requester", requesterID)
		return "", ErrRateLimited
	}

	req, err := a.store.CreateRequest(requesterID, requesterName)
	if err != nil {
		if errors.Is(err, ErrTooManyPending) {
			a.logger.Info("pairing request rejected, quota full", "platform", a.platform, "requester", requesterID)
		}
		return "", err
	}
	a.logger.Info("pairing code issued", "platform", a.platform, "requester", requesterID, "expires_at", req.ExpiresAt)
	return req.Code, nil
}

// Approve promotes the requester behind a code to a permanent grant. The
// code comes from the operator, not from the requesting user.
func (a *Authority) Approve(code string) (Grant, error) {
	grant, err := a.store.Approve(code)
	if err != nil {
		a.logger.Warn("pairing approval failed", "platform", a.platform, "error", err)
		return Grant{}, err
	}
	a.logger.Info("pairing approved", "platform", a.platform, "requester", grant.RequesterID)
	return grant, nil
}

// Deny discards a pending request.
func (a *Authority) Deny(code string) (Request, error) {
	req, err := a.store.Deny(code)
	if err != nil {
		return Request{}, err
	}
	a.logger.Info("pairing denied", "platform", a.platform, "requester", req.RequesterID)
	return req, nil
}

// Pending lists the live pairing requests.
func (a *Authority) Pending() ([]Request, error) {
	return a.store.Pending()
}

// IsAuthorized reports whether a requester may reach the conversation loop.
// This check runs before any inbound message is processed.
func (a *Authority) IsAuthorized(requesterID string) (bool, error) {
	if len(a.allowFrom) == 0 {
		a.warnOnce.Do(func() {
			a.logger.Warn("no allowlist configured, accepting all senders", "platform", a.platform)
		})
		return true, nil
	}

	want := normalizeAllowToken(requesterID)
	for _, entry := range a.allowFrom {
		if normalizeAllowToken(entry) == want {
			return true, nil
		}
	}
	return a.store.HasGrant(requesterID)
}
