// Package store manages on-disk profiles for the medsync client.
package store

import (
	"errors"
	"regexp"
	"strings"
)

// Profile ID validation errors.
var (
	// ErrInvalidProfileID indicates the profile ID format is invalid.
	ErrInvalidProfileID = errors.New("invalid profile ID: must be lowercase alphanumeric with hyphens, 1-2 path segments")

	// ErrReservedProfileID indicates the profile ID is reserved.
	ErrReservedProfileID = errors.New("reserved profile ID")
)

// DefaultProfile is used when no profile is configured.
const DefaultProfile = "default"

// profileIDRegex: <segment>[/<segment>], segments are 1-32 chars of
// lowercase alphanumerics and inner hyphens.
var profileIDRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,30}[a-z0-9])?(\/[a-z0-9]([a-z0-9-]{0,30}[a-z0-9])?)?$`)

var reservedProfileIDs = map[string]bool{
	DefaultProfile: true,
	"_system":      true,
}

// ValidateProfileID validates a profile ID. Reserved IDs are valid targets.
func ValidateProfileID(id string) error {
	if id == "" || len(id) > 65 {
		return ErrInvalidProfileID
	}
	if reservedProfileIDs[id] {
		return nil
	}
	if strings.Contains(id, "--") || !profileIDRegex.MatchString(id) {
		return ErrInvalidProfileID
	}
	return nil
}

// IsReservedProfileID reports whether id is reserved.
func IsReservedProfileID(id string) bool {
	return reservedProfileIDs[id]
}
