package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/ej52/hass-ollama-conversation/internal/ollama"
)

// SetupError codes reported when validating a server during setup.
const (
	CodeInvalidURL     = "invalid_url"
	CodeTimeoutConnect = "timeout_connect"
	CodeCannotConnect  = "cannot_connect"
	CodeUnknown        = "unknown"
)

// SetupError explains why a server failed setup validation.
type SetupError struct {
	Code string
	Err  error
}

func (e *SetupError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// ValidateBaseURL requires an absolute http(s) URL without a path.
func ValidateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	if u.Path != "" && u.Path != "/" {
		return fmt.Errorf("must not contain a path, got %q", u.Path)
	}
	return nil
}

// CheckServer validates a server before it is configured: the URL must
// be well formed and the server must answer its heartbeat. Failures are
// returned as *SetupError.
func CheckServer(ctx context.Context, c *ollama.Client) error {
	if err := ValidateBaseURL(c.BaseURL()); err != nil {
		return &SetupError{Code: CodeInvalidURL, Err: err}
	}

	ok, err := c.Heartbeat(ctx)
	if err != nil {
		switch ollama.KindOf(err) {
		case ollama.KindTimeout:
			return &SetupError{Code: CodeTimeoutConnect, Err: err}
		case ollama.KindCommunication:
			return &SetupError{Code: CodeCannotConnect, Err: err}
		default:
			return &SetupError{Code: CodeUnknown, Err: err}
		}
	}
	if !ok {
		return &SetupError{Code: CodeInvalidURL, Err: errors.New("not an Ollama server")}
	}
	return nil
}
