package server

import (
	"time"

	"github.com/BurntSushi/toml"

	"github.com/rudransh-shrivastava/tftp-it/internal/options"
	"github.com/rudransh-shrivastava/tftp-it/internal/transfer"
)

// Config is the daemon configuration, loaded from a TOML file.
type Config struct {
	Listen        string   `toml:"listen"`
	Root          string   `toml:"root"`
	ReadOnly      bool     `toml:"read_only"`
	Overwrite     bool     `toml:"overwrite"`
	MaxBlockSize  int      `toml:"max_block_size"`
	MaxWindowSize int      `toml:"max_window_size"`
	Timeout       Duration `toml:"timeout"`
	MaxRetries    int      `toml:"max_retries"`
	Journal       string   `toml:"journal"`
}

type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func DefaultConfig() Config {
	return Config{
		Listen:        ":69",
		Root:          ".",
		MaxBlockSize:  options.MaxBlockSize,
		MaxWindowSize: options.MaxWindowSize,
		Timeout:       Duration{options.DefaultTimeout},
		MaxRetries:    transfer.DefaultMaxRetries,
	}
}

// LoadConfig reads a TOML config file on top of the defaults, so a partial
// file only overrides what it names.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
