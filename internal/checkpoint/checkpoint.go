// Package checkpoint persists stage-completion state so an interrupted run
// can resume. It stores a map of completed stages plus each stage's opaque
// output blob; it knows nothing about stage semantics.
package checkpoint

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Checkpoint is the persisted record of a run's progress. Keys in
// CompletedSteps that are absent from the current pipeline are stale and
// ignored by the engine, never a failure.
type Checkpoint struct {
	RunID          string                     `json:"runId"`
	CompletedSteps map[string]bool            `json:"completedSteps"`
	StepData       map[string]json.RawMessage `json:"stepData"`
	LastUpdated    time.Time                  `json:"lastUpdated"`
}

// New returns an empty checkpoint with a fresh run ID.
func New() *Checkpoint {
	return &Checkpoint{
		RunID:          uuid.New().String(),
		CompletedSteps: make(map[string]bool),
		StepData:       make(map[string]json.RawMessage),
	}
}

// Completed reports whether the named stage finished in a previous run.
func (c *Checkpoint) Completed(name string) bool {
	return c.CompletedSteps[name]
}

// MarkCompleted records a successful stage and its output.
func (c *Checkpoint) MarkCompleted(name string, output json.RawMessage) {
	if c.CompletedSteps == nil {
		c.CompletedSteps = make(map[string]bool)
	}
	if c.StepData == nil {
		c.StepData = make(map[string]json.RawMessage)
	}
	c.CompletedSteps[name] = true
	if output != nil {
		c.StepData[name] = output
	}
	c.LastUpdated = time.Now().UTC()
}

// Forget drops the completion record and output for name, used by forced
// re-runs.
func (c *Checkpoint) Forget(name string) {
	delete(c.CompletedSteps, name)
	delete(c.StepData, name)
}

// Clone returns a deep-enough copy; output blobs are immutable and shared.
func (c *Checkpoint) Clone() *Checkpoint {
	return &Checkpoint{
		RunID:          c.RunID,
		CompletedSteps: maps.Clone(c.CompletedSteps),
		StepData:       maps.Clone(c.StepData),
		LastUpdated:    c.LastUpdated,
	}
}

// normalize fills nil maps after a load so callers never see them.
func (c *Checkpoint) normalize() *Checkpoint {
	if c.RunID == "" {
		c.RunID = uuid.New().String()
	}
	if c.CompletedSteps == nil {
		c.CompletedSteps = make(map[string]bool)
	}
	if c.StepData == nil {
		c.StepData = make(map[string]json.RawMessage)
	}
	return c
}
