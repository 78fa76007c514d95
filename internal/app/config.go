package app

import (
	"errors"
	"path/filepath"
	"strings"
)

// Config holds everything an App instance needs to run one invocation.
type Config struct {
	PipelineConfig string // pipeline definition file
	CheckpointPath string // empty: derived from the pipeline file path
	DryRun         bool
	Verbose        bool

	Rerun          []string
	RerunAll       bool
	KeepCheckpoint bool // keep the checkpoint file after a fully-completed run

	LogFormat string
	LogLevel  string
}

// NewConfig validates a Config.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.PipelineConfig == "" {
		return nil, errors.New("a pipeline config path is required")
	}
	return &cfg, nil
}

// checkpointPath resolves the checkpoint location: explicit when set,
// otherwise `<pipeline file without extension>.checkpoint.json`.
func (c *Config) checkpointPath() string {
	if c.CheckpointPath != "" {
		return c.CheckpointPath
	}
	base := strings.TrimSuffix(c.PipelineConfig, filepath.Ext(c.PipelineConfig))
	return base + ".checkpoint.json"
}
