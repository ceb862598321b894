package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/strand/internal/engine"
)

// Config is the user configuration file ($XDG_CONFIG_HOME/strand/config.yaml).
// Pointer fields tell "not set" apart from zero values.
type Config struct {
	Model    string `yaml:"model"`
	Topology string `yaml:"topology"`
	DType    string `yaml:"dtype"`

	SystemPrompt  *string  `yaml:"system_prompt"`
	Seed          *uint64  `yaml:"seed"`
	SampleLen     *int     `yaml:"sample_len"`
	Temperature   *float64 `yaml:"temperature"`
	TopK          *int     `yaml:"top_k"`
	TopP          *float64 `yaml:"top_p"`
	RepeatPenalty *float64 `yaml:"repeat_penalty"`
	RepeatLastN   *int     `yaml:"repeat_last_n"`
	NoKVCache     *bool    `yaml:"no_kv_cache"`

	RemoteTimeout *string `yaml:"remote_timeout"`

	// Worker
	Name    string `yaml:"name"`
	Address string `yaml:"address"`

	StatusAddr string `yaml:"status_addr"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "strand", "config.yaml")
}

// LoadConfig reads the config file at path. A missing or unreadable file
// yields a zero Config.
func LoadConfig(path string) Config {
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}

// isSet reports whether any of the named flags was given on the command line.
func isSet(c *cli.Command, names ...string) bool {
	for _, n := range names {
		if c.IsSet(n) {
			return true
		}
	}
	return false
}

// applyConfig copies config values into args for every flag the command line
// left alone.
func applyConfig(c *cli.Command, cfg Config, args *engine.Args) error {
	if cfg.Model != "" && !isSet(c, "model") {
		args.Model = cfg.Model
	}
	if cfg.Topology != "" && !isSet(c, "topology") {
		args.Topology = cfg.Topology
	}
	if cfg.DType != "" && !isSet(c, "dtype") {
		args.DType = cfg.DType
	}
	if cfg.StatusAddr != "" && !isSet(c, "status-addr") {
		args.StatusAddr = cfg.StatusAddr
	}
	if cfg.Name != "" && !isSet(c, "name") {
		args.Name = cfg.Name
	}
	if cfg.Address != "" && !isSet(c, "address") {
		args.Address = cfg.Address
	}

	if cfg.SystemPrompt != nil && !isSet(c, "system-prompt") {
		args.SystemPrompt = *cfg.SystemPrompt
	}
	if cfg.Seed != nil && !isSet(c, "seed") {
		args.Seed = *cfg.Seed
	}
	if cfg.SampleLen != nil && !isSet(c, "sample-len") {
		args.SampleLen = *cfg.SampleLen
	}
	if cfg.Temperature != nil && !isSet(c, "temperature") {
		args.Temperature = *cfg.Temperature
	}
	if cfg.TopK != nil && !isSet(c, "top-k") {
		args.TopK = *cfg.TopK
	}
	if cfg.TopP != nil && !isSet(c, "top-p") {
		args.TopP = *cfg.TopP
	}
	if cfg.RepeatPenalty != nil && !isSet(c, "repeat-penalty") {
		args.RepeatPenalty = *cfg.RepeatPenalty
	}
	if cfg.RepeatLastN != nil && !isSet(c, "repeat-last-n") {
		args.RepeatLastN = *cfg.RepeatLastN
	}
	if cfg.NoKVCache != nil && !isSet(c, "no-kv-cache") {
		args.NoKVCache = *cfg.NoKVCache
	}
	if cfg.RemoteTimeout != nil && !isSet(c, "remote-timeout") {
		d, err := time.ParseDuration(*cfg.RemoteTimeout)
		if err != nil {
			return fmt.Errorf("config remote_timeout: %w", err)
		}
		args.RemoteTimeout = d
	}
	return nil
}
