package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ej52/hass-ollama-conversation/internal/defaults"
)

// runInit initializes a working directory with a default config.yaml,
// an editable prompt.tmpl and the data directory. Existing files are
// never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing ollama-conversation in %s\n", dir)

	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dataDir, err)
	}

	// The config may carry tokens; keep it private.
	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(configPath, defaults.ConfigYAML, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	promptPath := filepath.Join(dir, "prompt.tmpl")
	if err := writeIfMissing(promptPath, defaults.PromptTemplate, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", promptPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to point at your Ollama server and Home Assistant.")
	fmt.Fprintln(w, "Set conversation.prompt_file to prompt.tmpl to customize the system prompt.")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist.
func writeIfMissing(path string, content []byte, perm os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
