package bridge

import (
	"log/slog"
	"strings"

	"github.com/unfoldedcircle/integration-philipshue/hue"
)

type Config struct {
	Logger LoggerConfig `toml:"logger"`
	Driver DriverConfig `toml:"driver"`
}

type LoggerConfig struct {
	Level string `toml:"level"`
}

func (c LoggerConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "trace":
		return hue.LevelTrace
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type DriverConfig struct {
	// RegistryPath is where hub credentials and known devices are
	// persisted. Defaults to "registry.json" next to the binary.
	RegistryPath string `toml:"registry_path"`
}

func (c DriverConfig) Registry() string {
	if c.RegistryPath == "" {
		return "registry.json"
	}
	return c.RegistryPath
}
