package medsync

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/dosekeeper/medsync/internal/store"
	toml "github.com/pelletier/go-toml/v2"
)

// Config configures the medsync client.
type Config struct {
	// Profile selects the on-disk profile. Resolved as explicit >
	// MEDSYNC_PROFILE env > "default".
	Profile string

	// LocalPath is the path to the local SQLite mirror database.
	// Derived from Profile when empty.
	LocalPath string

	// ServerURL is the authoritative store. Empty means offline mode.
	ServerURL string

	// APIKey authenticates with the server.
	APIKey string

	// OwnerID is the user whose rows this client mirrors.
	OwnerID string

	// ClientVersion is compared against the server's required version.
	ClientVersion string

	// RefreshDebounce is the fixed window for coalescing fallback refresh
	// triggers per table. Defaults to 1 second.
	RefreshDebounce time.Duration

	// RefreshLimit caps rows fetched per table on refresh. Defaults to 300.
	RefreshLimit int

	// RefreshWindowDays bounds fetched logs by age. Defaults to 30.
	RefreshWindowDays int

	// Blob configures image storage. Dose images are rejected when unset.
	Blob BlobConfig

	// Debug enables debug-level logging, including HTTP bodies.
	Debug bool

	// DebugLogPath redirects logs to a file. Defaults to stderr.
	DebugLogPath string

	// OfflineMode disables all network access even when ServerURL is set.
	OfflineMode bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Profile:           store.DefaultProfile,
		LocalPath:         store.ProfileDBPath(store.DefaultProfile),
		ClientVersion:     Version,
		RefreshDebounce:   time.Second,
		RefreshLimit:      300,
		RefreshWindowDays: 30,
	}
}

// ConfigFromEnv reads configuration from environment variables.
//
//	MEDSYNC_PROFILE         → Profile
//	MEDSYNC_DB_PATH         → LocalPath
//	MEDSYNC_SERVER_URL      → ServerURL
//	MEDSYNC_API_KEY         → APIKey
//	MEDSYNC_OWNER_ID        → OwnerID
//	MEDSYNC_REFRESH_LIMIT   → RefreshLimit
//	MEDSYNC_S3_BUCKET       → Blob.Bucket
//	MEDSYNC_S3_REGION       → Blob.Region
//	MEDSYNC_S3_ENDPOINT     → Blob.Endpoint
//	MEDSYNC_DEBUG           → Debug (any non-empty value enables)
//	MEDSYNC_DEBUG_LOG       → DebugLogPath
//	MEDSYNC_OFFLINE         → OfflineMode (any non-empty value enables)
func ConfigFromEnv() Config {
	cfg := Config{
		Profile:      os.Getenv("MEDSYNC_PROFILE"),
		LocalPath:    os.Getenv("MEDSYNC_DB_PATH"),
		ServerURL:    os.Getenv("MEDSYNC_SERVER_URL"),
		APIKey:       os.Getenv("MEDSYNC_API_KEY"),
		OwnerID:      os.Getenv("MEDSYNC_OWNER_ID"),
		Debug:        os.Getenv("MEDSYNC_DEBUG") != "",
		DebugLogPath: os.Getenv("MEDSYNC_DEBUG_LOG"),
		OfflineMode:  os.Getenv("MEDSYNC_OFFLINE") != "",
		Blob: BlobConfig{
			Bucket:   os.Getenv("MEDSYNC_S3_BUCKET"),
			Region:   os.Getenv("MEDSYNC_S3_REGION"),
			Endpoint: os.Getenv("MEDSYNC_S3_ENDPOINT"),
		},
	}
	if n, err := strconv.Atoi(os.Getenv("MEDSYNC_REFRESH_LIMIT")); err == nil {
		cfg.RefreshLimit = n
	}
	return cfg
}

// fileConfig is the on-disk TOML shape of Config.
type fileConfig struct {
	Profile   string `toml:"profile"`
	LocalPath string `toml:"local_path"`
	ServerURL string `toml:"server_url"`
	APIKey    string `toml:"api_key"`
	OwnerID   string `toml:"owner_id"`
	Refresh   struct {
		Debounce   string `toml:"debounce"`
		Limit      int    `toml:"limit"`
		WindowDays int    `toml:"window_days"`
	} `toml:"refresh"`
	Blob         BlobConfig `toml:"blob"`
	Debug        bool       `toml:"debug"`
	DebugLogPath string     `toml:"debug_log_path"`
	Offline      bool       `toml:"offline"`
}

// LoadConfigFile reads a TOML config file. An empty path means
// ~/.medsync/config.toml. A missing file yields a zero Config.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		path = store.DefaultConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg := Config{
		Profile:           fc.Profile,
		LocalPath:         fc.LocalPath,
		ServerURL:         fc.ServerURL,
		APIKey:            fc.APIKey,
		OwnerID:           fc.OwnerID,
		RefreshLimit:      fc.Refresh.Limit,
		RefreshWindowDays: fc.Refresh.WindowDays,
		Blob:              fc.Blob,
		Debug:             fc.Debug,
		DebugLogPath:      fc.DebugLogPath,
		OfflineMode:       fc.Offline,
	}
	if fc.Refresh.Debounce != "" {
		d, err := time.ParseDuration(fc.Refresh.Debounce)
		if err != nil {
			return Config{}, &ValidationError{Field: "refresh.debounce", Message: err.Error()}
		}
		cfg.RefreshDebounce = d
	}
	return cfg, nil
}

// Merge overlays the non-zero fields of o onto c.
func (c Config) Merge(o Config) Config {
	if o.Profile != "" {
		c.Profile = o.Profile
	}
	if o.LocalPath != "" {
		c.LocalPath = o.LocalPath
	}
	if o.ServerURL != "" {
		c.ServerURL = o.ServerURL
	}
	if o.APIKey != "" {
		c.APIKey = o.APIKey
	}
	if o.OwnerID != "" {
		c.OwnerID = o.OwnerID
	}
	if o.ClientVersion != "" {
		c.ClientVersion = o.ClientVersion
	}
	if o.RefreshDebounce != 0 {
		c.RefreshDebounce = o.RefreshDebounce
	}
	if o.RefreshLimit != 0 {
		c.RefreshLimit = o.RefreshLimit
	}
	if o.RefreshWindowDays != 0 {
		c.RefreshWindowDays = o.RefreshWindowDays
	}
	if o.Blob.Enabled() {
		c.Blob = o.Blob
	}
	c.Debug = c.Debug || o.Debug
	if o.DebugLogPath != "" {
		c.DebugLogPath = o.DebugLogPath
	}
	c.OfflineMode = c.OfflineMode || o.OfflineMode
	return c
}

// Validate checks the configuration for errors.
// Returns *ValidationError for invalid fields.
func (c *Config) Validate() error {
	if c.LocalPath == "" {
		return &ValidationError{Field: "LocalPath", Message: "required: path to SQLite database"}
	}

	if c.Profile != "" {
		if err := store.ValidateProfileID(c.Profile); err != nil {
			return &ValidationError{Field: "Profile", Message: err.Error()}
		}
	}

	if c.ServerURL != "" {
		u, err := url.Parse(c.ServerURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &ValidationError{Field: "ServerURL", Message: "must be an http(s) URL"}
		}
		if c.APIKey == "" {
			return &ValidationError{Field: "APIKey", Message: "required when ServerURL is set"}
		}
		if c.OwnerID == "" {
			return &ValidationError{Field: "OwnerID", Message: "required when ServerURL is set"}
		}
	}

	if c.RefreshDebounce < 0 {
		return &ValidationError{Field: "RefreshDebounce", Message: "must be non-negative"}
	}
	if c.RefreshLimit < 0 {
		return &ValidationError{Field: "RefreshLimit", Message: "must be non-negative"}
	}
	if c.RefreshWindowDays < 0 {
		return &ValidationError{Field: "RefreshWindowDays", Message: "must be non-negative"}
	}

	return nil
}

// IsOffline reports whether the client runs without a server.
func (c *Config) IsOffline() bool {
	return c.ServerURL == "" || c.OfflineMode
}

// WithDefaults fills in default values for unset fields. LocalPath is
// derived from the resolved profile when not set explicitly.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.Profile == "" {
		resolved, err := store.ResolveProfile("")
		if err == nil {
			c.Profile = resolved
		} else {
			c.Profile = defaults.Profile
		}
	}
	if c.LocalPath == "" {
		c.LocalPath = store.ProfileDBPath(c.Profile)
	}
	if c.ClientVersion == "" {
		c.ClientVersion = defaults.ClientVersion
	}
	if c.RefreshDebounce == 0 {
		c.RefreshDebounce = defaults.RefreshDebounce
	}
	if c.RefreshLimit == 0 {
		c.RefreshLimit = defaults.RefreshLimit
	}
	if c.RefreshWindowDays == 0 {
		c.RefreshWindowDays = defaults.RefreshWindowDays
	}

	return c
}
