package slack

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// Mode is how the bot receives events.
type Mode string

const (
	// ModeSocket receives events over a Socket Mode websocket. Used in
	// development, needs SLACK_APP_TOKEN.
	ModeSocket Mode = "socket"
	// ModeHTTP receives signed event callbacks. Needs SLACK_SIGNING_SECRET.
	ModeHTTP Mode = "http"
)

const (
	DefaultAPIBaseURL = "http://localhost:8000"
	// DefaultTableRows caps the result rows rendered into a reply.
	DefaultTableRows = 20
)

// Flags are the command-line settings that feed Config.
type Flags struct {
	Mode        string
	HTTPAddr    string
	MetricsAddr string
	Verbose     bool
	EnablePprof bool
}

type Config struct {
	BotToken      string
	AppToken      string
	SigningSecret string
	Mode          Mode
	// BotUserID is filled in after auth.test.
	BotUserID string

	// APIBaseURL is where the askdata API serves POST /api/ask.
	APIBaseURL string
	TableRows  int

	HTTPAddr    string
	MetricsAddr string
	Verbose     bool
	EnablePprof bool
}

// LoadFromEnv combines flags with SLACK_* and ASKDATA_API_URL.
func LoadFromEnv(flags Flags) (*Config, error) {
	cfg := &Config{
		BotToken:      os.Getenv("SLACK_BOT_TOKEN"),
		AppToken:      os.Getenv("SLACK_APP_TOKEN"),
		SigningSecret: os.Getenv("SLACK_SIGNING_SECRET"),
		Mode:          Mode(flags.Mode),
		APIBaseURL:    DefaultAPIBaseURL,
		TableRows:     DefaultTableRows,
		HTTPAddr:      flags.HTTPAddr,
		MetricsAddr:   flags.MetricsAddr,
		Verbose:       flags.Verbose,
		EnablePprof:   flags.EnablePprof,
	}
	if v := os.Getenv("ASKDATA_API_URL"); v != "" {
		cfg.APIBaseURL = v
	}
	if v := os.Getenv("SLACK_TABLE_ROWS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("SLACK_TABLE_ROWS must be a positive integer, got: %q", v)
		}
		cfg.TableRows = n
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate resolves an empty Mode and checks the credentials it needs.
func (cfg *Config) Validate() error {
	if cfg.BotToken == "" {
		return errors.New("SLACK_BOT_TOKEN is required")
	}
	cfg.Mode = cfg.resolveMode()

	switch cfg.Mode {
	case ModeSocket:
		if cfg.AppToken == "" {
			return errors.New("SLACK_APP_TOKEN is required for socket mode")
		}
		// Socket mode never verifies signatures.
		cfg.SigningSecret = ""
	case ModeHTTP:
		if cfg.SigningSecret == "" {
			return errors.New("SLACK_SIGNING_SECRET is required for HTTP mode")
		}
		cfg.AppToken = ""
	default:
		return fmt.Errorf("mode must be 'socket' or 'http', got: %s", cfg.Mode)
	}
	return nil
}

// resolveMode prefers socket mode when an app token is present.
func (cfg *Config) resolveMode() Mode {
	if cfg.Mode != "" {
		return cfg.Mode
	}
	if cfg.AppToken != "" {
		return ModeSocket
	}
	return ModeHTTP
}
