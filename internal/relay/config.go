package relay

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config holds the relay daemon's settings. Flags override file values.
type Config struct {
	Listen    string `toml:"listen"`
	DataDir   string `toml:"data_dir"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// DefaultConfig returns the daemon defaults.
func DefaultConfig() Config {
	return Config{
		Listen:    ":8080",
		DataDir:   "./relay-data",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// LoadConfig reads a TOML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}
