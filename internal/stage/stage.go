// Package stage defines the contract between the orchestration engine and the
// units of work it runs. Concrete stages (script, voice, image, video
// generation) live outside the engine; they only need to implement Execute.
package stage

import (
	"context"
	"encoding/json"
	"fmt"
)

// Input is the view a stage gets of the run so far: the opaque outputs of the
// stages that already completed, keyed by stage name.
type Input struct {
	outputs map[string]json.RawMessage
}

// NewInput builds an Input over the given outputs map. The map is shared, not
// copied; stages must treat it as read-only.
func NewInput(outputs map[string]json.RawMessage) Input {
	return Input{outputs: outputs}
}

// Output returns the raw output of a prior stage.
func (in Input) Output(name string) (json.RawMessage, bool) {
	out, ok := in.outputs[name]
	return out, ok
}

// DecodeOutput unmarshals a prior stage's output into v.
func (in Input) DecodeOutput(name string, v any) error {
	out, ok := in.outputs[name]
	if !ok {
		return fmt.Errorf("no output recorded for stage %q", name)
	}
	if err := json.Unmarshal(out, v); err != nil {
		return fmt.Errorf("decode output of stage %q: %w", name, err)
	}
	return nil
}

// Outputs returns the full map of prior outputs, read-only by convention.
func (in Input) Outputs() map[string]json.RawMessage { return in.outputs }

// Stage is a single unit of pipeline work. Execute blocks until the work is
// done or ctx is cancelled; the returned blob becomes this stage's entry in
// the checkpoint's step data.
type Stage interface {
	Execute(ctx context.Context, in Input) (json.RawMessage, error)
}

// Func adapts a plain function to the Stage interface.
type Func func(ctx context.Context, in Input) (json.RawMessage, error)

func (f Func) Execute(ctx context.Context, in Input) (json.RawMessage, error) {
	return f(ctx, in)
}

// Classifier is optionally implemented by stages that know which of their
// failures are transient. Retryable reports whether err is worth retrying.
// Stages without a classifier get the engine default: everything not marked
// permanent is retried.
type Classifier interface {
	Retryable(err error) bool
}

// Metadata describes a registered stage type for plan output and tooling.
type Metadata struct {
	Category    string
	Description string
}
