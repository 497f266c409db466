// ollama-conversation is a conversation agent for Home Assistant backed
// by an Ollama inference server.
//
// It serves the conversation endpoint Home Assistant calls, renders a
// system prompt from the exposed entities, keeps per-conversation
// history, and optionally answers simple commands through Home
// Assistant's built-in intent recognizer before falling back to the
// model. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	ollama-conversation serve           Start the API server
//	ollama-conversation init [dir]      Write a default config.yaml
//	ollama-conversation ask <text>      Run a single conversation turn
//	ollama-conversation models          List models installed on the server
//	ollama-conversation check           Validate the configured servers
//	ollama-conversation version         Print version and build information
//	ollama-conversation -o json models  Output as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ej52/hass-ollama-conversation/internal/buildinfo"
	"github.com/ej52/hass-ollama-conversation/internal/config"
	"github.com/ej52/hass-ollama-conversation/internal/ollama"
)

// main constructs the OS-level environment and delegates to [run] so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Logs go to stdout; run returns nil on
// clean shutdown and an error for any failure.
//
// Arguments are parsed by hand: the flag package relies on package-level
// globals, which makes it impossible to call run concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: ollama-conversation ask <text>")
		}
		return runAsk(ctx, stdout, configPath, outputFmt, cmdArgs)
	case "models":
		return runModels(ctx, stdout, configPath, outputFmt)
	case "check":
		return runCheck(ctx, stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "ollama-conversation - Ollama conversation agent for Home Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: ollama-conversation [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Write a default config.yaml (default: .)")
	fmt.Fprintln(w, "  ask <text>   Run a single conversation turn")
	fmt.Fprintln(w, "  models       List models installed on the Ollama server")
	fmt.Fprintln(w, "  check        Validate the Ollama and Home Assistant connections")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/ollama-conversation/config.yaml,")
	fmt.Fprintln(w, "  /etc/ollama-conversation/config.yaml")
	return nil
}

// newLogger creates a structured logger writing to w. Format must be
// "text" or "json"; anything else selects text. Passing a
// [slog.LevelVar] lets the level follow config reloads.
func newLogger(w io.Writer, level slog.Leveler, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates, parses and validates the configuration file.
// Returns the config and the path it was loaded from.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// configuredLogger returns a logger honoring cfg's level and format,
// along with the level variable so reloads can adjust it.
func configuredLogger(w io.Writer, cfg *config.Config) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	if lvl, err := config.ParseLogLevel(cfg.LogLevel); err == nil {
		level.Set(lvl)
	}
	return newLogger(w, level, cfg.LogFormat), level
}

// optionsFromConfig converts the YAML sampling options to the client's
// form.
func optionsFromConfig(o config.OptionsConfig) ollama.Options {
	return ollama.Options{
		NumCtx:        o.CtxSize,
		NumPredict:    o.MaxTokens,
		Temperature:   o.Temperature,
		TopK:          o.TopK,
		TopP:          o.TopP,
		RepeatPenalty: o.RepeatPenalty,
		Mirostat:      ollama.MirostatMode(o.MirostatMode),
		MirostatEta:   o.MirostatEta,
		MirostatTau:   o.MirostatTau,
	}
}

// newOllamaClient builds the inference client for cfg.
func newOllamaClient(cfg *config.Config, logger *slog.Logger) *ollama.Client {
	return ollama.New(cfg.Ollama.BaseURL, cfg.Ollama.TimeoutDuration(),
		ollama.WithStrictHeartbeat(cfg.Ollama.StrictHeartbeat),
		ollama.WithLogger(logger),
	)
}
