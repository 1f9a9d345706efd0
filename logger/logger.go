package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config controls the process logger. Zero value gives info-level JSON on
// stderr.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is json or text.
	Format string `yaml:"format"`
	// OutputPath appends to the named file instead of stderr.
	OutputPath string `yaml:"outputPath"`
	ShowSource bool   `yaml:"showSource"`
}

// LoadConfig reads a yaml logger configuration file.
func LoadConfig(fileName string) (Config, error) {
	data, err := os.ReadFile(filepath.Clean(fileName))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read logger config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal logger config: %w", err)
	}
	return cfg, nil
}

// New builds the logger described by cfg.
func New(cfg Config) (*slog.Logger, error) {
	var out io.Writer = os.Stderr
	if cfg.OutputPath != "" {
		file, err := os.OpenFile(cfg.OutputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600) // -rw-------
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = file
	}
	opts := &slog.HandlerOptions{
		Level:     levelFromString(cfg.Level),
		AddSource: cfg.ShowSource,
	}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(handler), nil
}

func levelFromString(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
