// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kraklabs/codegraph/pkg/queue"
	"github.com/kraklabs/codegraph/pkg/reliability"
	"github.com/kraklabs/codegraph/pkg/telemetry"
	"github.com/kraklabs/codegraph/pkg/worker"
	"github.com/kraklabs/codegraph/pkg/writer"
)

// Config aggregates every tunable of the ingestion pipeline.
type Config struct {
	// WorkspaceRoot is the directory file paths in change events are
	// relative to.
	WorkspaceRoot string `yaml:"workspaceRoot"`

	// ResolutionBudget caps cross-file resolution lookups per event.
	ResolutionBudget int `yaml:"resolutionBudget"`

	// EmbeddingsEnabled turns on enrichment tasks after entity commits.
	EmbeddingsEnabled bool `yaml:"embeddingsEnabled"`

	// SweepInterval drives the background maintenance sweeps (DLQ
	// retention, stale workers, alert evaluation).
	SweepInterval time.Duration `yaml:"sweepInterval"`

	Queue    queue.Config              `yaml:"queue"`
	Workers  worker.Config             `yaml:"workers"`
	Writer   writer.Config             `yaml:"writer"`
	DLQ      reliability.DLQConfig     `yaml:"deadLetter"`
	Breaker  reliability.BreakerConfig `yaml:"circuitBreaker"`
	Reporter reliability.ReporterConfig `yaml:"errorReporting"`
	Alerts   telemetry.AlertConfig     `yaml:"alerts"`
}

// DefaultConfig returns the stock pipeline configuration.
func DefaultConfig() Config {
	return Config{
		WorkspaceRoot:     ".",
		ResolutionBudget:  50,
		EmbeddingsEnabled: false,
		SweepInterval:     30 * time.Second,
		Queue:             queue.DefaultConfig(),
		Workers:           worker.DefaultConfig(),
		Writer:            writer.DefaultConfig(),
		DLQ:               reliability.DefaultDLQConfig(),
		Breaker: reliability.BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
		},
	}
}

// LoadConfig reads a YAML config file over the defaults. A missing file is
// not an error: defaults apply.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
