package approval

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// AllowlistStore persists approved command patterns as a JSON file with
// owner-only permissions. A pattern is either a literal command or a prefix
// ending in "*". Updates are serialized and written atomically so concurrent
// approvals never lose entries.
type AllowlistStore struct {
	mu       sync.Mutex
	path     string
	patterns []string
	loaded   bool
}

type allowlistFile struct {
	Patterns []string `json:"patterns"`
}

// NewAllowlistStore creates a store backed by the given file path. The file
// is created lazily on first write.
func NewAllowlistStore(path string) *AllowlistStore {
	return &AllowlistStore{path: path}
}

func (s *AllowlistStore) load() error {
	if s.loaded {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.patterns = nil
			s.loaded = true
			return nil
		}
		return fmt.Errorf("read allowlist: %w", err)
	}
	var f allowlistFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse allowlist %s: %w", s.path, err)
	}
	s.patterns = dedupe(f.Patterns)
	s.loaded = true
	return nil
}

func (s *AllowlistStore) save() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create allowlist dir: %w", err)
	}

	data, err := json.MarshalIndent(allowlistFile{Patterns: s.patterns}, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(0o600); err != nil {
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
	return os.Rename(tmpName, s.path)
}

// Add persists a pattern. Adding an existing pattern is a no-op.
func (s *AllowlistStore) Add(pattern string) error {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return fmt.Errorf("empty allowlist pattern")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return err
	}
	for _, p := range s.patterns {
		if p == pattern {
			return nil
		}
	}
	s.patterns = append(s.patterns, pattern)
	sort.Strings(s.patterns)
	return s.save()
}

// Remove deletes a pattern. Removing a missing pattern is a no-op.
func (s *AllowlistStore) Remove(pattern string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return false, err
	}
	kept := s.patterns[:0]
	removed := false
	for _, p := range s.patterns {
		if p == strings.TrimSpace(pattern) {
			removed = true
			continue
		}
		kept = append(kept, p)
	}
	s.patterns = kept
	if !removed {
		return false, nil
	}
	return true, s.save()
}

// List returns the persisted patterns in sorted order.
func (s *AllowlistStore) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return nil, err
	}
	return append([]string(nil), s.patterns...), nil
}

// Matches reports whether a command is covered by any persisted pattern.
func (s *AllowlistStore) Matches(command string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return false, err
	}
	for _, p := range s.patterns {
		if patternMatches(p, command) {
			return true, nil
		}
	}
	return false, nil
}

// normalizeCommand collapses whitespace so pattern matching is insensitive
// to formatting.
func normalizeCommand(command string) string {
	return strings.Join(strings.Fields(command), " ")
}

// patternMatches matches a command against one pattern. A trailing "*" makes
// the pattern a prefix match; otherwise the match is exact after whitespace
// normalization.
func patternMatches(pattern, command string) bool {
	command = normalizeCommand(command)
	pattern = normalizeCommand(pattern)
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(command, strings.TrimRight(prefix, " "))
	}
	return command == pattern
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
