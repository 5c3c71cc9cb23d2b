package store_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/dosekeeper/medsync/internal/store"
)

func TestEncodeDecodeProfilePath(t *testing.T) {
	tests := []struct {
		id      string
		encoded string
	}{
		{"home", "home"},
		{"alice/phone", "alice__phone"},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			got := store.EncodeProfilePath(tt.id)
			if got != tt.encoded {
				t.Errorf("EncodeProfilePath(%q) = %q, want %q", tt.id, got, tt.encoded)
			}
			if back := store.DecodeProfilePath(got); back != tt.id {
				t.Errorf("DecodeProfilePath(%q) = %q, want %q", got, back, tt.id)
			}
		})
	}
}

func TestProfileDBPath(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	got := store.ProfileDBPath("alice/phone")
	want := filepath.Join(store.DefaultRoot(), "profiles", "alice__phone", "mirror.db")
	if got != want {
		t.Errorf("ProfileDBPath = %q, want %q", got, want)
	}
}

func TestDefaultConfigPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	got := store.DefaultConfigPath()
	if !strings.HasPrefix(got, home) {
		t.Errorf("DefaultConfigPath = %q, want prefix %q", got, home)
	}
	if filepath.Base(got) != "config.toml" {
		t.Errorf("DefaultConfigPath = %q, want config.toml", got)
	}
}
