// Package app wires the configuration loader, stage registry, checkpoint
// manager and orchestration engine into one application instance with an
// isolated logger.
package app

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/flowline-dev/flowline/internal/registry"
	"github.com/flowline-dev/flowline/modules/builtin"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW     io.Writer
	logger   *slog.Logger
	registry *registry.Registry
	config   *Config
}

// coreModules is the definitive list of stage modules compiled into the
// flowline binary.
var coreModules = []registry.Module{
	&builtin.Module{},
}

// New constructs a fully initialized App with its own logger and registry.
// The modules variadic exists for tests; production callers rely on
// coreModules.
func New(outW io.Writer, cfg *Config, modules ...registry.Module) (*App, error) {
	level := cfg.LogLevel
	if cfg.Verbose {
		level = "debug"
	}
	logger := newLogger(level, cfg.LogFormat, outW)
	logger.Debug("Logger configured successfully.")

	reg := registry.New()
	if len(modules) == 0 {
		modules = coreModules
	}
	for _, mod := range modules {
		if err := mod.Register(reg); err != nil {
			return nil, fmt.Errorf("register stage module: %w", err)
		}
	}
	logger.Debug("Stage modules registered.", "types", reg.Types())

	return &App{
		outW:     outW,
		logger:   logger,
		registry: reg,
		config:   cfg,
	}, nil
}

// Registry returns the application's registry. This is primarily for testing.
func (a *App) Registry() *registry.Registry {
	return a.registry
}
