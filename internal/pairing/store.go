// Package pairing gates unknown messaging users behind one-time codes. A
// user with no grant is issued a short-lived code; an operator approves the
// code out of band, which promotes the user to a permanent grant.
package pairing

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// CodeLength is the length of generated pairing codes.
	CodeLength = 8

	// CodeTTL is how long a pending request stays valid.
	CodeTTL = time.Hour

	// MaxPending caps non-expired pending requests per platform.
	MaxPending = 3

	// MaxAttempts is the failed-approval budget before a request locks out.
	MaxAttempts = 5
)

var (
	// ErrNotFound reports that no pending request matches the code.
	ErrNotFound = errors.New("pairing code not found")

	// ErrExpired reports that the matching request's TTL has passed.
	ErrExpired = errors.New("pairing code expired")

	// ErrLockedOut reports that a request burned its attempt budget.
	ErrLockedOut = errors.New("pairing request locked out")

	// ErrTooManyPending reports that the platform's pending quota is full.
	ErrTooManyPending = errors.New("too many pending pairing requests")
)

// Request is a pending pairing code awaiting operator approval.
type Request struct {
	Code          string    `json:"code"`
	RequesterID   string    `json:"requester_id"`
	RequesterName string    `json:"requester_name,omitempty"`
	Attempts      int       `json:"attempts,omitempty"`
	RequestedAt   time.Time `json:"requested_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Grant is a permanent authorization for one requester on one platform.
type Grant struct {
	Platform      string    `json:"platform"`
	RequesterID   string    `json:"requester_id"`
	RequesterName string    `json:"requester_name,omitempty"`
	GrantedAt     time.Time `json:"granted_at"`
}

// Store persists pending requests and grants for one platform as JSON files
// with owner-only permissions. All operations for a platform are serialized
// under one mutex, so an approval can delete the request and write the grant
// without a concurrent approval observing the intermediate state.
type Store struct {
	platform string
	stateDir string

	mu sync.Mutex

	// now and randSource are injectable for tests.
	now        func() time.Time
	randSource io.Reader
}

// NewStore creates a store for a platform rooted at stateDir.
func NewStore(platform, stateDir string) *Store {
	platform = strings.ToLower(strings.TrimSpace(platform))
	if platform == "" {
		platform = "default"
	}
	return &Store{
		platform:   platform,
		stateDir:   stateDir,
		now:        time.Now,
		randSource: rand.Reader,
	}
}

// Pending returns the live pending requests, dropping expired ones from disk
// as a side effect.
func (s *Store) Pending() ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadPendingLocked()
}

// CreateRequest issues a pairing code for a requester. If the requester
// already has a live request, that request is returned unchanged. Returns
// ErrTooManyPending when the platform quota is full.
func (s *Store) CreateRequest(requesterID, requesterName string) (Request, error) {
	requesterID = strings.TrimSpace(requesterID)
	if requesterID == "" {
		return Request{}, errors.New("requester id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.loadPendingLocked()
	if err != nil {
		return Request{}, err
	}

	for _, req := range pending {
		if req.RequesterID == requesterID {
			return req, nil
		}
	}
	if len(pending) >= MaxPending {
		return Request{}, ErrTooManyPending
	}

	existing := make(map[string]struct{}, len(pending))
	for _, req := range pending {
		existing[req.Code] = struct{}{}
	}
	code, err := s.generateCode(existing)
	if err != nil {
		return Request{}, err
	}

	now := s.now()
	req := Request{
		Code:          code,
		RequesterID:   requesterID,
		RequesterName: strings.TrimSpace(requesterName),
		RequestedAt:   now,
		ExpiresAt:     now.Add(CodeTTL),
	}
	pending = append(pending, req)
	if err := s.writeJSONLocked(s.pendingPath(), pending); err != nil {
		return Request{}, err
	}
	return req, nil
}

// Approve matches an operator-supplied code against the pending requests.
// On match the request is deleted and a permanent grant written. On mismatch
// every live request's attempt counter is incremented; a request that burns
// its budget is deleted and reported as ErrLockedOut. Expired matches are
// deleted and reported as ErrExpired. No path except an exact live match
// ever produces a grant.
func (s *Store) Approve(code string) (Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code = normalizeCode(code)
	pending, err := s.loadPendingLocked()
	if err != nil {
		return Grant{}, err
	}

	now := s.now()
	for i, req := range pending {
		if req.Code != code {
			continue
		}
		if !req.ExpiresAt.After(now) {
			pending = append(pending[:i], pending[i+1:]...)
			if werr := s.writeJSONLocked(s.pendingPath(), pending); werr != nil {
				return Grant{}, werr
			}
			return Grant{}, ErrExpired
		}
		if req.Attempts >= MaxAttempts {
			pending = append(pending[:i], pending[i+1:]...)
			if werr := s.writeJSONLocked(s.pendingPath(), pending); werr != nil {
				return Grant{}, werr
			}
			return Grant{}, ErrLockedOut
		}

		grant := Grant{
			Platform:      s.platform,
			RequesterID:   req.RequesterID,
			RequesterName: req.RequesterName,
			GrantedAt:     now,
		}
		if err := s.addGrantLocked(grant); err != nil {
			return Grant{}, err
		}
		pending = append(pending[:i], pending[i+1:]...)
		if err := s.writeJSONLocked(s.pendingPath(), pending); err != nil {
			return Grant{}, err
		}
		return grant, nil
	}

	// mismatch: charge every live request and drop the ones that lock out
	lockedOut := false
	kept := pending[:0]
	for _, req := range pending {
		req.Attempts++
		if req.Attempts >= MaxAttempts {
			lockedOut = true
			continue
		}
		kept = append(kept, req)
	}
	if err := s.writeJSONLocked(s.pendingPath(), kept); err != nil {
		return Grant{}, err
	}
	if lockedOut {
		return Grant{}, ErrLockedOut
	}
	return Grant{}, ErrNotFound
}

// Deny deletes a pending request without granting anything.
func (s *Store) Deny(code string) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code = normalizeCode(code)
	pending, err := s.loadPendingLocked()
	if err != nil {
		return Request{}, err
	}
	for i, req := range pending {
		if req.Code == code {
			pending = append(pending[:i], pending[i+1:]...)
			if err := s.writeJSONLocked(s.pendingPath(), pending); err != nil {
				return Request{}, err
			}
			return req, nil
		}
	}
	return Request{}, ErrNotFound
}

// HasGrant reports whether a permanent grant exists for a requester.
func (s *Store) HasGrant(requesterID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	grants, err := s.loadGrantsLocked()
	if err != nil {
		return false, err
	}
	want := normalizeAllowToken(requesterID)
	for _, g := range grants {
		if normalizeAllowToken(g.RequesterID) == want {
			return true, nil
		}
	}
	return false, nil
}

// Grants returns all permanent grants for the platform.
func (s *Store) Grants() ([]Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadGrantsLocked()
}

// RevokeGrant removes a requester's permanent grant. Revoking a missing
// grant is a no-op.
func (s *Store) RevokeGrant(requesterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	grants, err := s.loadGrantsLocked()
	if err != nil {
		return err
	}
	want := normalizeAllowToken(requesterID)
	kept := grants[:0]
	for _, g := range grants {
		if normalizeAllowToken(g.RequesterID) == want {
			continue
		}
		kept = append(kept, g)
	}
	return s.writeJSONLocked(s.grantsPath(), kept)
}

func (s *Store) addGrantLocked(grant Grant) error {
	grants, err := s.loadGrantsLocked()
	if err != nil {
		return err
	}
	want := normalizeAllowToken(grant.RequesterID)
	for _, g := range grants {
		if normalizeAllowToken(g.RequesterID) == want {
			return nil
		}
	}
	grants = append(grants, grant)
	return s.writeJSONLocked(s.grantsPath(), grants)
}

func (s *Store) pendingPath() string {
	return filepath.Join(s.credentialsDir(), fmt.Sprintf("%s-pairing.json", s.platform))
}

func (s *Store) grantsPath() string {
	return filepath.Join(s.credentialsDir(), fmt.Sprintf("%s-grants.json", s.platform))
}

func (s *Store) credentialsDir() string {
	return filepath.Join(s.stateDir, "credentials")
}

func (s *Store) loadPendingLocked() ([]Request, error) {
	path := s.pendingPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Request{}, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return []Request{}, nil
	}
	var pending []Request
	if err := json.Unmarshal(data, &pending); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	now := s.now()
	filtered := pending[:0]
	for _, req := range pending {
		if req.Code == "" || req.RequesterID == "" {
			continue
		}
		if req.ExpiresAt.After(now) {
			req.Code = normalizeCode(req.Code)
			filtered = append(filtered, req)
		}
	}
	if len(filtered) != len(pending) {
		if err := s.writeJSONLocked(path, filtered); err != nil {
			return nil, err
		}
	}
	return filtered, nil
}

func (s *Store) loadGrantsLocked() ([]Grant, error) {
	data, err := os.ReadFile(s.grantsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return []Grant{}, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return []Grant{}, nil
	}
	var grants []Grant
	if err := json.Unmarshal(data, &grants); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.grantsPath(), err)
	}
	return grants, nil
}

func (s *Store) writeJSONLocked(path string, payload any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0o600)
}

func (s *Store) generateCode(existing map[string]struct{}) (string, error) {
	for i := 0; i < 20; i++ {
		code, err := randomCode(s.randSource, CodeLength)
		if err != nil {
			return "", err
		}
		if _, ok := existing[code]; ok {
			continue
		}
		return code, nil
	}
	return "", errors.New("failed to generate unique pairing code")
}

// randomCode draws from an alphabet without ambiguous characters (no 0/O,
// 1/I) so codes survive being read aloud or retyped.
func randomCode(r io.Reader, length int) (string, error) {
	const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	if length <= 0 {
		return "", errors.New("invalid code length")
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	out := make([]byte, length)
	for i := range buf {
		out[i] = alphabet[int(buf[i])%len(alphabet)]
	}
	return string(out), nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// normalizeAllowToken canonicalizes a user identity for comparison: strips
// leading @/# and any platform prefix before a colon, lowercases the rest.
func normalizeAllowToken(value string) string {
	token := strings.TrimSpace(value)
	if token == "" {
		return ""
	}
	token = strings.TrimPrefix(token, "@")
	token = strings.TrimPrefix(token, "#")
	if idx := strings.Index(token, ":"); idx >= 0 {
		token = token[idx+1:]
	}
	return strings.ToLower(strings.TrimSpace(token))
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
