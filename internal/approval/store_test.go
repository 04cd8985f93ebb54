package approval

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *AllowlistStore {
	t.Helper()
	return NewAllowlistStore(filepath.Join(t.TempDir(), "allowlist.json"))
}

func TestAllowlistStore_AddAndMatch(t *testing.T) {
	store := newTestStore(t)

	if err := store.Add("rm -rf /tmp/scratch"); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	ok, err := store.Matches("rm -rf /tmp/scratch")
	if err != nil {
		t.Fatalf("Matches() error = %v", err)
	}
	if !ok {
		t.Error("exact pattern should match")
	}

	ok, _ = store.Matches("rm  -rf   /tmp/scratch")
	if !ok {
		t.Error("match should be whitespace-insensitive")
	}

	ok, _ = store.Matches("rm -rf /tmp/other")
	if ok {
		t.Error("different command should not match")
	}
}

func TestAllowlistStore_PrefixPattern(t *testing.T) {
	store := newTestStore(t)
	if err := store.Add("git push origin *"); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	ok, _ := store.Matches("git push origin main --force")
	if !ok {
		t.Error("prefix pattern should match longer command")
	}
	ok, _ = store.Matches("git pull origin main")
	if ok {
		t.Error("prefix pattern should not match different command")
	}
}

func TestAllowlistStore_PersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "allowlist.json")

	store := NewAllowlistStore(path)
	if err := store.Add("mkfs.ext4 /dev/loop0"); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	reopened := NewAllowlistStore(path)
	ok, err := reopened.Matches("mkfs.ext4 /dev/loop0")
	if err != nil {
		t.Fatalf("Matches() error = %v", err)
	}
	if !ok {
		t.Error("pattern should survive reopen")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file mode = %o, want 600", perm)
	}
}

func TestAllowlistStore_AddDeduplicates(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 3; i++ {
		if err := store.Add("reboot"); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}

	patterns, err := store.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(patterns) != 1 {
		t.Errorf("List() = %v, want single entry", patterns)
	}
}

func TestAllowlistStore_Remove(t *testing.T) {
	store := newTestStore(t)
	store.Add("chmod -R 755 /srv")
	store.Add("reboot")

	removed, err := store.Remove("reboot")
	if err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if !removed {
		t.Error("Remove() = false for present pattern")
	}
	removed, err = store.Remove("never-added")
	if err != nil {
		t.Fatalf("Remove() of missing pattern error = %v", err)
	}
	if removed {
		t.Error("Remove() = true for missing pattern")
	}

	patterns, _ := store.List()
	if len(patterns) != 1 || patterns[0] != "chmod -R 755 /srv" {
		t.Errorf("List() = %v, want only the chmod pattern", patterns)
	}
}

func TestAllowlistStore_MissingFileIsEmpty(t *testing.T) {
	store := newTestStore(t)
	patterns, err := store.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(patterns) != 0 {
		t.Errorf("List() = %v, want empty", patterns)
	}
}
