package main

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/dosekeeper/medsync"
)

func TestVersion_Human_ShowsVersionInfo(t *testing.T) {
	testEnv(t)

	output := mustExecute(t, "version")

	if !strings.HasPrefix(output, "medsync "+medsync.Version) {
		t.Errorf("output should start with 'medsync %s', got: %s", medsync.Version, output)
	}
	for _, field := range []string{"commit:", "built:", "go:", "os:"} {
		if !strings.Contains(output, field) {
			t.Errorf("output should contain %q", field)
		}
	}
}

func TestVersion_JSON_ReturnsValidJSON(t *testing.T) {
	testEnv(t)

	output := mustExecute(t, "version", "-o", "json")

	var result map[string]interface{}
	if err := json.Unmarshal([]byte(output), &result); err != nil {
		t.Fatalf("output should be valid JSON: %v", err)
	}
	for _, field := range []string{"version", "commit", "date", "go", "os", "arch"} {
		if _, ok := result[field]; !ok {
			t.Errorf("JSON should have '%s' field", field)
		}
	}
	if result["version"] != medsync.Version {
		t.Errorf("version = %v, want %s", result["version"], medsync.Version)
	}
}

func TestVersion_YAML_UsesJSONFieldNames(t *testing.T) {
	testEnv(t)

	output := mustExecute(t, "version", "-o", "yaml")

	for _, line := range []string{"version: " + medsync.Version, "commit: none", "date: unknown"} {
		if !strings.Contains(output, line) {
			t.Errorf("YAML output should contain %q, got:\n%s", line, output)
		}
	}
	if strings.Contains(output, "{") {
		t.Errorf("YAML output should use block style, got:\n%s", output)
	}
}
