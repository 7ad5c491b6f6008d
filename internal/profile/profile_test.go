package profile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	valid := []string{"main", "work", "a", "my-profile", "under_score", "abc123"}
	for _, name := range valid {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) error = %v", name, err)
		}
	}

	invalid := []string{"", "UPPER", "has space", "dots.bad", "slash/bad", strings.Repeat("x", 65)}
	for _, name := range invalid {
		if err := ValidateName(name); err == nil {
			t.Errorf("ValidateName(%q) should fail", name)
		}
	}
}

func TestResolvePrecedence(t *testing.T) {
	if got := Resolve("work"); got != "work" {
		t.Errorf("Resolve(flag) = %q, want work", got)
	}
	// No flag and no config falls back to the default.
	t.Setenv("HOME", t.TempDir())
	if got := Resolve(""); got != DefaultName {
		t.Errorf("Resolve() = %q, want %q", got, DefaultName)
	}
}

func TestPathsLayout(t *testing.T) {
	t.Setenv("HOME", "/home/test")

	if got := Dir("main"); got != "/home/test/.chatsync/profiles/main" {
		t.Errorf("Dir = %q", got)
	}
	if got := DBPath("main"); got != "/home/test/.chatsync/profiles/main/chatsync.db" {
		t.Errorf("DBPath = %q", got)
	}
	if got := LockPath("main"); got != "/home/test/.chatsync/profiles/main/LOCK" {
		t.Errorf("LockPath = %q", got)
	}
	if got := LogPath("main"); got != "/home/test/.chatsync/profiles/main/logs/chatsyncd.log" {
		t.Errorf("LogPath = %q", got)
	}
	if got := ConfigPath(); got != "/home/test/.chatsync/config.toml" {
		t.Errorf("ConfigPath = %q", got)
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	if err := EnsureDir("main"); err != nil {
		t.Fatalf("EnsureDir() error = %v", err)
	}
	for _, p := range []string{Dir("main"), LogDir("main")} {
		info, err := os.Stat(p)
		if err != nil {
			t.Fatalf("stat %s: %v", p, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", p)
		}
		if perm := info.Mode().Perm(); perm != 0700 {
			t.Errorf("%s permission = %o, want 0700", filepath.Base(p), perm)
		}
	}
}
