package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/flowline-dev/flowline/internal/checkpoint"
)

// StageStatus is the terminal outcome of a single stage within one run.
type StageStatus string

const (
	StageCompleted StageStatus = "Completed"
	StageFailed    StageStatus = "Failed"
	StageSkipped   StageStatus = "Skipped"
	StageBlocked   StageStatus = "Blocked"
	StageCancelled StageStatus = "Cancelled"
)

// Skip reasons recorded on StageSkipped results.
const (
	SkipAlreadyComplete = "already_complete"
	SkipConditionFalse  = "condition_false"
)

// RunStatus is the overall outcome of a run.
type RunStatus string

const (
	RunCompleted RunStatus = "Completed"
	RunFailed    RunStatus = "Failed"
	RunCancelled RunStatus = "Cancelled"
)

// StageResult is the per-stage outcome of a run.
type StageResult struct {
	Name       string
	Status     StageStatus
	Attempts   int
	Duration   time.Duration
	SkipReason string
	Err        error
}

func (r StageResult) String() string {
	switch {
	case r.SkipReason != "":
		return fmt.Sprintf("%s: %s (%s)", r.Name, r.Status, r.SkipReason)
	case r.Err != nil:
		return fmt.Sprintf("%s: %s after %d attempt(s): %v", r.Name, r.Status, r.Attempts, r.Err)
	default:
		return fmt.Sprintf("%s: %s", r.Name, r.Status)
	}
}

// Result is what Execute returns: the overall status, per-stage outcomes in
// execution order, and the final checkpoint as persisted. Stages a fail-fast
// abort prevented from starting do not appear; stages pre-empted by
// cancellation appear as Cancelled.
type Result struct {
	Status     RunStatus
	Stages     []StageResult
	Checkpoint *checkpoint.Checkpoint
}

// Stage returns the result for the named stage.
func (r *Result) Stage(name string) (StageResult, bool) {
	for _, s := range r.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageResult{}, false
}

// FailureSummary aggregates the failed stages with their attempt history,
// for the abort message a fail-fast run prints.
func (r *Result) FailureSummary() string {
	var lines []string
	for _, s := range r.Stages {
		if s.Status == StageFailed || s.Status == StageBlocked {
			lines = append(lines, s.String())
		}
	}
	return strings.Join(lines, "; ")
}
