// Package builtin provides the stage types compiled into the flowline binary.
// Real generation stages (script, voice, image, video) are supplied by
// deployment-specific modules; these utility types make a pipeline file
// runnable end-to-end and exercise the registry without any of them.
package builtin

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/flowline-dev/flowline/internal/config"
	"github.com/flowline-dev/flowline/internal/registry"
	"github.com/flowline-dev/flowline/internal/stage"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Register registers every builtin stage type.
func (m *Module) Register(r *registry.Registry) error {
	types := []struct {
		name    string
		factory registry.Factory
		meta    stage.Metadata
	}{
		{"command", newCommandStage, stage.Metadata{Category: "exec", Description: "run a program and capture its stdout"}},
		{"http_request", newHTTPStage, stage.Metadata{Category: "net", Description: "perform an HTTP request"}},
		{"template", newTemplateStage, stage.Metadata{Category: "text", Description: "render a Go template over prior stage outputs"}},
		{"sleep", newSleepStage, stage.Metadata{Category: "util", Description: "pause for a fixed duration"}},
		{"env", newEnvStage, stage.Metadata{Category: "util", Description: "snapshot selected environment variables"}},
	}
	for _, t := range types {
		if err := r.Register(t.name, t.factory, t.meta); err != nil {
			return err
		}
	}
	return nil
}

// decodeParams maps a stage definition's free-form params block onto a typed
// struct, reusing the YAML field conventions of the config schema.
func decodeParams(def config.Stage, v any) error {
	raw, err := yaml.Marshal(def.Params)
	if err != nil {
		return fmt.Errorf("stage %q: encode params: %w", def.Name, err)
	}
	if err := yaml.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("stage %q: decode params: %w", def.Name, err)
	}
	return nil
}
