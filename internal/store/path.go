package store

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultRoot returns the medsync home directory, ~/.medsync, falling back
// to ./.medsync when the home directory is unavailable.
func DefaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		cwd, _ := os.Getwd()
		return filepath.Join(cwd, ".medsync")
	}
	return filepath.Join(home, ".medsync")
}

// DefaultConfigPath returns ~/.medsync/config.toml.
func DefaultConfigPath() string {
	return filepath.Join(DefaultRoot(), "config.toml")
}

// ProfilesRoot returns the directory holding every profile.
func ProfilesRoot() string {
	return filepath.Join(DefaultRoot(), "profiles")
}

// EncodeProfilePath encodes a profile ID for filesystem use.
func EncodeProfilePath(profileID string) string {
	return strings.ReplaceAll(profileID, "/", "__")
}

// DecodeProfilePath reverses EncodeProfilePath.
func DecodeProfilePath(encoded string) string {
	return strings.ReplaceAll(encoded, "__", "/")
}

// ProfileDBPath returns the mirror database for a profile.
// Example: ProfileDBPath("home/phone") -> ~/.medsync/profiles/home__phone/mirror.db
func ProfileDBPath(profileID string) string {
	return filepath.Join(ProfilesRoot(), EncodeProfilePath(profileID), "mirror.db")
}
