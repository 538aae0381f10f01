package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config is the sparsekit configuration file
// (~/.config/sparsekit/config.yaml). Pointer fields distinguish "not set"
// from zero values.
type Config struct {
	Backend   string `yaml:"backend"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Problem size defaults
	M     *int64 `yaml:"m"`
	N     *int64 `yaml:"n"`
	K     *int64 `yaml:"k"`
	Batch *int64 `yaml:"batch"`
	Seed  *int64 `yaml:"seed"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "sparsekit", "config.yaml")
}

// loadConfig reads the config file. A missing file is not an error.
func loadConfig() (Config, error) {
	var cfg Config
	path := configPath()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyConfig applies config file defaults to command variables when the
// corresponding CLI flag was not explicitly set.
func applyConfig(c *cli.Command, cfg Config,
	backend, logLevel *string, m, n, k, batch, seed *int64,
) {
	if cfg.Backend != "" && !c.IsSet("backend") {
		*backend = cfg.Backend
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		*logLevel = cfg.LogLevel
	}
	if cfg.M != nil && !c.IsSet("m") {
		*m = *cfg.M
	}
	if cfg.N != nil && !c.IsSet("n") {
		*n = *cfg.N
	}
	if cfg.K != nil && !c.IsSet("k") {
		*k = *cfg.K
	}
	if cfg.Batch != nil && !c.IsSet("batch") {
		*batch = *cfg.Batch
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		*seed = *cfg.Seed
	}
}
