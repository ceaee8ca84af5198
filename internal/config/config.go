// Package config loads daemon configuration from command-line flags.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds every setting the daemon needs to wire its components at
// startup. Zero values are filled in by Load from the base directory so
// callers that only override one flag don't need to fill the rest.
type Config struct {
	BaseDir    string
	SocketPath string
	DBPath     string
	PidPath    string
	LogPath    string

	Locale string

	RecognizerModelPath string

	OllamaURL          string
	OllamaModel        string
	AutoImproveWithLLM bool

	TriggerCount    int
	TimeThresholdMS int64

	ExecutablePath string // used by `install`
}

// DefaultBaseDir returns the fixed application-data directory for the
// current user.
func DefaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".local", "share", "stenod")
}

// Load parses args (the flags that follow the subcommand) into a Config, filling
// socket/db/pid/log paths from --base-dir when not set explicitly.
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("stenod", flag.ContinueOnError)

	baseDir := fs.String("base-dir", DefaultBaseDir(), "base application-data directory")
	socketPath := fs.String("socket-path", "", "control socket path (default: <base-dir>/steno.sock)")
	dbPath := fs.String("db-path", "", "database path (default: <base-dir>/steno.sqlite)")

	locale := fs.String("locale", "en_US", "default recognizer locale")
	modelPath := fs.String("model", "", "speech recognizer model path")

	ollamaURL := fs.String("ollama-url", "http://localhost:11434", "Ollama API URL")
	ollamaModel := fs.String("ollama-model", "llama3.2", "Ollama model used for topic extraction")
	autoImprove := fs.Bool("auto-improve", true, "call the summarizer to extract topics")

	triggerCount := fs.Int("trigger-count", 10, "newly-finalized segments before a rolling summary fires")
	timeThresholdSec := fs.Int("time-threshold", 120, "seconds since the last summary before a rolling summary fires")

	executablePath := fs.String("executable-path", "", "executable path recorded by install (default: current executable)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		BaseDir:             *baseDir,
		SocketPath:          *socketPath,
		DBPath:              *dbPath,
		Locale:              *locale,
		RecognizerModelPath: *modelPath,
		OllamaURL:           *ollamaURL,
		OllamaModel:         *ollamaModel,
		AutoImproveWithLLM:  *autoImprove,
		TriggerCount:        *triggerCount,
		TimeThresholdMS:     int64(*timeThresholdSec) * 1000,
		ExecutablePath:      *executablePath,
	}

	if cfg.SocketPath == "" {
		cfg.SocketPath = filepath.Join(cfg.BaseDir, "steno.sock")
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.BaseDir, "steno.sqlite")
	}
	cfg.PidPath = filepath.Join(cfg.BaseDir, "steno.pid")
	cfg.LogPath = filepath.Join(cfg.BaseDir, "daemon.log")

	if cfg.ExecutablePath == "" {
		if exe, err := os.Executable(); err == nil {
			cfg.ExecutablePath = exe
		}
	}

	return cfg, nil
}

// EnsureBaseDir creates the base directory if it doesn't exist.
func EnsureBaseDir(cfg *Config) error {
	if err := os.MkdirAll(cfg.BaseDir, 0700); err != nil {
		return fmt.Errorf("create base dir: %w", err)
	}
	return nil
}
