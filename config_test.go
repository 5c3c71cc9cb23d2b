package medsync_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dosekeeper/medsync"
)

func TestConfig_Validate_ValidLocalOnly(t *testing.T) {
	cfg := medsync.Config{LocalPath: "/tmp/test.db"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() returned error for valid local-only config: %v", err)
	}
	if !cfg.IsOffline() {
		t.Error("IsOffline() = false, want true without a server")
	}
}

func TestConfig_Validate_ValidWithServer(t *testing.T) {
	cfg := medsync.Config{
		LocalPath: "/tmp/test.db",
		ServerURL: "https://api.example.com",
		APIKey:    "test-key",
		OwnerID:   "owner-1",
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() returned error for valid config: %v", err)
	}
	if cfg.IsOffline() {
		t.Error("IsOffline() = true, want false")
	}
}

func TestConfig_Validate_Errors(t *testing.T) {
	tests := []struct {
		name  string
		cfg   medsync.Config
		field string
	}{
		{"missing local path", medsync.Config{}, "LocalPath"},
		{"bad profile", medsync.Config{LocalPath: "/tmp/x.db", Profile: "has space"}, "Profile"},
		{"bad url scheme", medsync.Config{LocalPath: "/tmp/x.db", ServerURL: "ftp://host", APIKey: "k", OwnerID: "o"}, "ServerURL"},
		{"missing api key", medsync.Config{LocalPath: "/tmp/x.db", ServerURL: "http://host"}, "APIKey"},
		{"missing owner", medsync.Config{LocalPath: "/tmp/x.db", ServerURL: "http://host", APIKey: "k"}, "OwnerID"},
		{"negative limit", medsync.Config{LocalPath: "/tmp/x.db", RefreshLimit: -1}, "RefreshLimit"},
		{"negative debounce", medsync.Config{LocalPath: "/tmp/x.db", RefreshDebounce: -time.Second}, "RefreshDebounce"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if err == nil {
				t.Fatal("Validate() returned nil, want ValidationError")
			}
			var ve *medsync.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Validate() returned %T, want *ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Errorf("ValidationError.Field = %q, want %q", ve.Field, tt.field)
			}
		})
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("MEDSYNC_PROFILE", "")

	cfg := medsync.Config{}.WithDefaults()
	if cfg.Profile != "default" {
		t.Errorf("Profile = %q, want %q", cfg.Profile, "default")
	}
	if cfg.LocalPath == "" {
		t.Error("LocalPath should be derived from the profile")
	}
	if cfg.RefreshDebounce != time.Second {
		t.Errorf("RefreshDebounce = %v, want 1s", cfg.RefreshDebounce)
	}
	if cfg.RefreshLimit != 300 {
		t.Errorf("RefreshLimit = %d, want 300", cfg.RefreshLimit)
	}
	if cfg.RefreshWindowDays != 30 {
		t.Errorf("RefreshWindowDays = %d, want 30", cfg.RefreshWindowDays)
	}
	if cfg.ClientVersion != medsync.Version {
		t.Errorf("ClientVersion = %q, want %q", cfg.ClientVersion, medsync.Version)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("MEDSYNC_DB_PATH", "/tmp/env.db")
	t.Setenv("MEDSYNC_SERVER_URL", "https://env.example.com")
	t.Setenv("MEDSYNC_API_KEY", "env-key")
	t.Setenv("MEDSYNC_OWNER_ID", "env-owner")
	t.Setenv("MEDSYNC_REFRESH_LIMIT", "50")
	t.Setenv("MEDSYNC_S3_BUCKET", "doses")
	t.Setenv("MEDSYNC_OFFLINE", "1")

	cfg := medsync.ConfigFromEnv()
	if cfg.LocalPath != "/tmp/env.db" {
		t.Errorf("LocalPath = %q", cfg.LocalPath)
	}
	if cfg.ServerURL != "https://env.example.com" || cfg.APIKey != "env-key" || cfg.OwnerID != "env-owner" {
		t.Errorf("server settings = %+v", cfg)
	}
	if cfg.RefreshLimit != 50 {
		t.Errorf("RefreshLimit = %d, want 50", cfg.RefreshLimit)
	}
	if cfg.Blob.Bucket != "doses" {
		t.Errorf("Blob.Bucket = %q", cfg.Blob.Bucket)
	}
	if !cfg.OfflineMode {
		t.Error("OfflineMode = false, want true")
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
server_url = "https://api.example.com"
api_key = "file-key"
owner_id = "owner-1"
debug = true

[refresh]
debounce = "250ms"
limit = 100
window_days = 7

[blob]
bucket = "dose-images"
region = "eu-west-1"
endpoint = "http://localhost:9000"
use_path_style = true
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := medsync.LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile() error: %v", err)
	}
	if cfg.ServerURL != "https://api.example.com" || cfg.APIKey != "file-key" || cfg.OwnerID != "owner-1" {
		t.Errorf("server settings = %+v", cfg)
	}
	if cfg.RefreshDebounce != 250*time.Millisecond {
		t.Errorf("RefreshDebounce = %v", cfg.RefreshDebounce)
	}
	if cfg.RefreshLimit != 100 || cfg.RefreshWindowDays != 7 {
		t.Errorf("refresh = %d/%d", cfg.RefreshLimit, cfg.RefreshWindowDays)
	}
	if !cfg.Blob.Enabled() || cfg.Blob.Region != "eu-west-1" || !cfg.Blob.UsePathStyle {
		t.Errorf("Blob = %+v", cfg.Blob)
	}
	if !cfg.Debug {
		t.Error("Debug = false, want true")
	}
}

func TestLoadConfigFile_Missing(t *testing.T) {
	cfg, err := medsync.LoadConfigFile(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("LoadConfigFile() error: %v", err)
	}
	if cfg.ServerURL != "" || cfg.LocalPath != "" {
		t.Errorf("expected zero config, got %+v", cfg)
	}
}

func TestLoadConfigFile_BadDebounce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[refresh]\ndebounce = \"soon\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := medsync.LoadConfigFile(path)
	var ve *medsync.ValidationError
	if !errors.As(err, &ve) || ve.Field != "refresh.debounce" {
		t.Fatalf("LoadConfigFile() error = %v, want ValidationError on refresh.debounce", err)
	}
}

func TestConfig_Merge_Precedence(t *testing.T) {
	file := medsync.Config{ServerURL: "https://file", APIKey: "file-key", RefreshLimit: 100}
	env := medsync.Config{APIKey: "env-key"}
	flags := medsync.Config{ServerURL: "https://flag"}

	cfg := medsync.DefaultConfig().Merge(file).Merge(env).Merge(flags)
	if cfg.ServerURL != "https://flag" {
		t.Errorf("ServerURL = %q, want flag value", cfg.ServerURL)
	}
	if cfg.APIKey != "env-key" {
		t.Errorf("APIKey = %q, want env value", cfg.APIKey)
	}
	if cfg.RefreshLimit != 100 {
		t.Errorf("RefreshLimit = %d, want file value", cfg.RefreshLimit)
	}
	if cfg.RefreshWindowDays != 30 {
		t.Errorf("RefreshWindowDays = %d, want default", cfg.RefreshWindowDays)
	}
}
