package main

import (
	"context"
	"fmt"
	"io"

	"github.com/dosekeeper/medsync"
	msync "github.com/dosekeeper/medsync/internal/sync"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile      string
	cfgProfile   string
	cfgDBPath    string
	cfgServerURL string
	cfgAPIKey    string
	cfgOwnerID   string
	cfgOffline   bool
	cfgDebug     bool
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "medsync",
	Short: "medsync - medication adherence sync client",
	Long: `medsync keeps a local mirror of your medications and dose logs in
sync with the server across every device you use.

Writes apply locally at once and roll back if the server rejects them.
Reads are always served from the local mirror, so most commands work
offline.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ~/.medsync/config.toml)")
	rootCmd.PersistentFlags().StringVarP(&cfgProfile, "profile", "p", "", "Profile name (env: MEDSYNC_PROFILE)")
	rootCmd.PersistentFlags().StringVar(&cfgDBPath, "db-path", "", "Path to local mirror database (default: derived from profile)")
	rootCmd.PersistentFlags().StringVar(&cfgServerURL, "server-url", "", "Server URL (env: MEDSYNC_SERVER_URL)")
	rootCmd.PersistentFlags().StringVar(&cfgAPIKey, "api-key", "", "API key for server authentication")
	rootCmd.PersistentFlags().StringVar(&cfgOwnerID, "owner", "", "Owner ID whose rows are mirrored")
	rootCmd.PersistentFlags().BoolVar(&cfgOffline, "offline", false, "Never contact the server")
	rootCmd.PersistentFlags().BoolVar(&cfgDebug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "Output format: text, json or yaml")
}

// loadConfig resolves configuration as flags > env > config file > defaults.
func loadConfig() (medsync.Config, error) {
	fileCfg, err := medsync.LoadConfigFile(cfgFile)
	if err != nil {
		return medsync.Config{}, err
	}

	flags := medsync.Config{
		Profile:     cfgProfile,
		LocalPath:   cfgDBPath,
		ServerURL:   cfgServerURL,
		APIKey:      cfgAPIKey,
		OwnerID:     cfgOwnerID,
		OfflineMode: cfgOffline,
		Debug:       cfgDebug,
	}

	cfg := fileCfg.Merge(medsync.ConfigFromEnv()).Merge(flags).WithDefaults()
	if err := cfg.Validate(); err != nil {
		return medsync.Config{}, err
	}
	return cfg, nil
}

// session bundles a started client with the resources to release after it.
type session struct {
	client *medsync.Client
	log    *logrus.Entry
	closer io.Closer
}

func (s *session) Close() {
	_ = s.client.Close()
	_ = s.closer.Close()
}

type openOptions struct {
	// feed subscribes to live changes; one-shot commands skip it.
	feed bool
}

// openClient builds the remote, feed and blob collaborators from cfg and
// starts a client over them.
func openClient(ctx context.Context, cfg medsync.Config, opts openOptions) (*session, error) {
	logger, closer, err := medsync.NewLogger(cfg.Debug, cfg.DebugLogPath)
	if err != nil {
		return nil, err
	}
	if !cfg.Debug && cfg.DebugLogPath == "" {
		logger.Logger.SetLevel(logrus.WarnLevel)
	}

	deps := medsync.Deps{Logger: logger}
	if !cfg.IsOffline() {
		deviceID, err := readDeviceID(cfg.LocalPath)
		if err != nil {
			_ = closer.Close()
			return nil, err
		}
		deps.Remote = msync.NewHTTPClient(cfg.ServerURL, cfg.APIKey, deviceID).WithLogger(logger)
		if opts.feed {
			deps.Feed = msync.NewFeed(cfg.ServerURL, cfg.APIKey, deviceID, msync.FeedOptions{}).WithLogger(logger)
		}
	}
	if cfg.Blob.Enabled() {
		blobs, err := medsync.NewS3BlobStore(ctx, cfg.Blob)
		if err != nil {
			_ = closer.Close()
			return nil, fmt.Errorf("blob store: %w", err)
		}
		deps.Blobs = blobs
	}

	client, err := medsync.New(cfg, deps)
	if err != nil {
		_ = closer.Close()
		return nil, fmt.Errorf("initialize client: %w", err)
	}

	s := &session{client: client, log: logger, closer: closer}
	if err := client.Start(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// readDeviceID opens the store just long enough to read or mint this
// install's identity, which the transports stamp on every request.
func readDeviceID(dbPath string) (string, error) {
	s, err := medsync.NewStore(dbPath)
	if err != nil {
		return "", fmt.Errorf("open store: %w", err)
	}
	defer s.Close()
	return medsync.NewDeviceIdentity(s).ID()
}

// withSession loads config, opens a client and runs fn against it.
func withSession(cmd *cobra.Command, opts openOptions, fn func(ctx context.Context, s *session) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := openClient(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}
