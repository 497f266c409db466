package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ej52/hass-ollama-conversation/internal/conversation"
	"github.com/ej52/hass-ollama-conversation/internal/heartbeat"
)

// runAsk handles "ask <text>": it builds the agent exactly as serve
// does, minus the ledger and background loops, and runs one turn.
// A failed turn prints its failure speech and returns an error.
func runAsk(ctx context.Context, stdout io.Writer, configPath, outputFmt string, args []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, _ := configuredLogger(io.Discard, cfg)
	if cfg.LogLevel != "" {
		logger, _ = configuredLogger(stdout, cfg)
	}

	ha := newHomeAssistant(cfg.HomeAssistant, logger)
	defer ha.close()

	builder := &backendBuilder{ha: ha, logger: logger}
	backend, _, err := builder.build(cfg)
	if err != nil {
		return fmt.Errorf("build agent: %w", err)
	}

	res := backend.Agent.Process(ctx, conversation.Input{
		Text:     strings.Join(args, " "),
		Language: cfg.Conversation.Language,
	})

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(map[string]any{
			"conversation_id": res.ConversationID,
			"response_type":   res.Response.Type,
			"language":        res.Response.Language,
			"speech":          res.Response.Speech,
			"path":            res.Path,
			"failure":         res.Failure,
		}); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(stdout, res.Response.Speech)
	}

	if res.Response.Type == conversation.ResponseError {
		return fmt.Errorf("ask: turn failed (%s)", res.Failure)
	}
	return nil
}

// runModels handles "models": it lists the models installed on the
// configured server, marking the one the agent uses.
func runModels(ctx context.Context, stdout io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, _ := configuredLogger(io.Discard, cfg)

	models, err := newOllamaClient(cfg, logger).ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(models)
	}

	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSIZE\tMODIFIED\t")
	for _, m := range models {
		name := m.Name
		if name == cfg.Ollama.Model {
			name += " *"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t\n", name, formatSize(m.Size), m.ModifiedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

// runCheck handles "check": it validates the inference server the way
// the setup flow does and, when configured, pings Home Assistant.
func runCheck(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%-14s %s\n", "config", cfgPath)

	logger := slog.New(slog.DiscardHandler)
	client := newOllamaClient(cfg, logger)

	var failed []error
	if err := heartbeat.CheckServer(ctx, client); err != nil {
		fmt.Fprintf(stdout, "%-14s %s: FAILED (%s)\n", "ollama", client.BaseURL(), setupCode(err))
		failed = append(failed, fmt.Errorf("ollama: %w", err))
	} else {
		fmt.Fprintf(stdout, "%-14s %s: ok\n", "ollama", client.BaseURL())
	}

	ha := newHomeAssistant(cfg.HomeAssistant, logger)
	defer ha.close()
	if ha.configured() {
		if err := ha.rest.Ping(ctx); err != nil {
			fmt.Fprintf(stdout, "%-14s %s: FAILED\n", "homeassistant", ha.rest.BaseURL())
			failed = append(failed, fmt.Errorf("home assistant: %w", err))
		} else {
			fmt.Fprintf(stdout, "%-14s %s: ok\n", "homeassistant", ha.rest.BaseURL())
		}
	}

	return errors.Join(failed...)
}

func setupCode(err error) string {
	var se *heartbeat.SetupError
	if errors.As(err, &se) {
		return se.Code
	}
	return heartbeat.CodeUnknown
}

// formatSize renders a byte count the way the server's CLI does.
func formatSize(n int64) string {
	const unit = 1000
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
