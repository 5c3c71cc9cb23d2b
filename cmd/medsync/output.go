package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

// structured reports whether --output selects a machine-readable format.
func structured() (bool, error) {
	switch strings.ToLower(outputFormat) {
	case "", formatText:
		return false, nil
	case formatJSON, formatYAML:
		return true, nil
	default:
		return false, fmt.Errorf("unknown output format %q (want text, json or yaml)", outputFormat)
	}
}

// output writes v in the configured structured format, or calls human
// for text output.
func output(cmd *cobra.Command, v any, human func(w io.Writer) error) error {
	ok, err := structured()
	if err != nil {
		return err
	}
	if !ok {
		return human(cmd.OutOrStdout())
	}
	if strings.ToLower(outputFormat) == formatYAML {
		return outputAsYAML(cmd.OutOrStdout(), v)
	}
	return outputAsJSON(cmd.OutOrStdout(), v)
}

func outputAsJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputAsYAML emits v with the same field names as its JSON form. The
// JSON document is parsed as YAML so key order is kept.
func outputAsYAML(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return err
	}
	blockStyle(&node)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return err
	}
	return enc.Close()
}

func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}

// outputError prints an error to stderr with the API key scrubbed.
func outputError(w io.Writer, err error) {
	msg := scrubSensitiveData(err.Error())
	if isTTY() {
		fmt.Fprintf(w, "%s %s\n", errorStyle.Render(iconError), msg)
		return
	}
	fmt.Fprintf(w, "Error: %s\n", msg)
}

func scrubSensitiveData(msg string) string {
	for _, key := range []string{cfgAPIKey, os.Getenv("MEDSYNC_API_KEY")} {
		if key != "" {
			msg = strings.ReplaceAll(msg, key, "[REDACTED]")
		}
	}
	return msg
}
