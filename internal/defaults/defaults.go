// Package defaults provides embedded copies of the default
// configuration and prompt template for the init subcommand.
package defaults

import (
	_ "embed"

	"github.com/ej52/hass-ollama-conversation/internal/prompt"
)

// ConfigYAML is the example configuration file.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// PromptTemplate is the built-in system prompt, written out so it can be
// edited and referenced from conversation.prompt_file.
var PromptTemplate = []byte(prompt.DefaultTemplate)
