package store_test

import (
	"errors"
	"testing"

	"github.com/dosekeeper/medsync/internal/store"
)

func TestValidateProfileID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"simple", "home", false},
		{"with hyphen", "work-laptop", false},
		{"two segments", "alice/phone", false},
		{"numeric", "42", false},
		{"reserved default", "default", false},
		{"reserved system", "_system", false},
		{"segment 32 chars", "abcdefghijklmnopqrstuvwxyz012345", false},

		{"empty", "", true},
		{"uppercase", "Home", true},
		{"leading hyphen", "-home", true},
		{"trailing hyphen", "home-", true},
		{"consecutive hyphens", "my--phone", true},
		{"underscore", "my_phone", true},
		{"three segments", "a/b/c", true},
		{"empty segment", "alice//phone", true},
		{"segment 33 chars", "abcdefghijklmnopqrstuvwxyz0123456", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.ValidateProfileID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateProfileID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, store.ErrInvalidProfileID) {
				t.Errorf("ValidateProfileID(%q) error = %v, want ErrInvalidProfileID", tt.id, err)
			}
		})
	}
}

func TestIsReservedProfileID(t *testing.T) {
	if !store.IsReservedProfileID("default") {
		t.Error("default should be reserved")
	}
	if store.IsReservedProfileID("home") {
		t.Error("home should not be reserved")
	}
}
