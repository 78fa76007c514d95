// Package engine orchestrates a validated pipeline: it resolves execution
// order from the stage registry, skips already-completed stages per the
// checkpoint, runs each stage through the retry service, applies the
// configured error-handling mode, and emits lifecycle events.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/flowline-dev/flowline/internal/checkpoint"
	"github.com/flowline-dev/flowline/internal/condition"
	"github.com/flowline-dev/flowline/internal/config"
	"github.com/flowline-dev/flowline/internal/ctxlog"
	"github.com/flowline-dev/flowline/internal/registry"
	"github.com/flowline-dev/flowline/internal/retry"
	"github.com/flowline-dev/flowline/internal/stage"
)

// Options tune a single Execute call.
type Options struct {
	// Rerun names stages whose completed checkpoint entries are ignored,
	// forcing them to run again.
	Rerun []string
	// RerunAll ignores every completed entry.
	RerunAll bool
}

// Engine composes the registry, retry service and checkpoint manager.
// Construct with New; the zero value is not usable.
type Engine struct {
	registry *registry.Registry
	retrier  *retry.Service
	manager  *checkpoint.Manager
	hooks    Hooks
}

// New returns an engine. A nil retrier gets a default-tuned one.
func New(reg *registry.Registry, retrier *retry.Service, manager *checkpoint.Manager) *Engine {
	if retrier == nil {
		retrier = retry.New(nil)
	}
	return &Engine{registry: reg, retrier: retrier, manager: manager}
}

// Hooks returns the engine's lifecycle hook list.
func (e *Engine) Hooks() *Hooks { return &e.hooks }

// run is the mutable state of one Execute call. In parallel mode all access
// to cp, results and failed goes through mu; checkpoint file writes are
// additionally serialized inside the manager.
type run struct {
	engine *Engine
	cfg    *config.Pipeline
	order  []string
	stages map[string]stage.Stage

	mu        sync.Mutex
	cp        *checkpoint.Checkpoint
	results   map[string]StageResult
	failed    map[string]bool // Failed or Blocked this run
	aborted   bool            // fail-fast abort requested
	cancelled bool            // run-level cancellation observed
	saveErr   error
}

// Execute runs the pipeline against the given checkpoint. A nil checkpoint
// starts a fresh run. Validation diagnostics and stage-construction failures
// return an error before any stage executes; otherwise the outcome is carried
// in the Result, including the final checkpoint as persisted.
func (e *Engine) Execute(ctx context.Context, cfg *config.Pipeline, cp *checkpoint.Checkpoint, opts Options) (*Result, error) {
	logger := ctxlog.FromContext(ctx).With("pipeline", cfg.Name)

	order, diags := e.registry.Validate(cfg)
	if len(diags) > 0 {
		return nil, diags.AsError()
	}

	stages := make(map[string]stage.Stage, len(order))
	for _, def := range cfg.Stages {
		s, err := e.registry.Resolve(def)
		if err != nil {
			return nil, err
		}
		stages[def.Name] = s
	}

	if cp == nil {
		cp = checkpoint.New()
	} else {
		cp = cp.Clone()
	}
	if opts.RerunAll {
		for _, name := range order {
			cp.Forget(name)
		}
	}
	for _, name := range opts.Rerun {
		cp.Forget(name)
	}

	r := &run{
		engine:  e,
		cfg:     cfg,
		order:   order,
		stages:  stages,
		cp:      cp,
		results: make(map[string]StageResult, len(order)),
		failed:  make(map[string]bool),
	}

	logger.Info("Starting run", "runId", cp.RunID, "stages", len(order))
	if workers := cfg.Globals.DegreeOfParallelism; workers > 1 {
		r.runPool(ctx, workers)
	} else {
		r.runSequential(ctx)
	}

	if r.saveErr != nil {
		return nil, fmt.Errorf("persist checkpoint: %w", r.saveErr)
	}

	result := r.assemble()
	logger.Info("Run finished", "runId", cp.RunID, "status", result.Status)
	return result, nil
}

func (r *run) runSequential(ctx context.Context) {
	for _, name := range r.order {
		if r.aborted {
			return
		}
		if r.cancelled {
			return
		}
		if ctx.Err() != nil {
			r.markCancelledFrom(name)
			return
		}
		def, _ := r.cfg.StageByName(name)
		r.executeStage(ctx, def)
	}
}

// markCancelledFrom records the run-level Cancelled outcome for name and every
// later stage that has no result yet, then persists the checkpoint so the
// partial progress survives.
func (r *run) markCancelledFrom(from string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = true
	seen := false
	for _, name := range r.order {
		if name == from {
			seen = true
		}
		if !seen {
			continue
		}
		if _, ok := r.results[name]; !ok {
			r.results[name] = StageResult{Name: name, Status: StageCancelled}
		}
	}
	r.persistLocked()
}

// executeStage runs one stage through the algorithm of the run loop:
// skip-if-complete, condition, dependency block, then the retry service.
func (r *run) executeStage(ctx context.Context, def config.Stage) {
	name := def.Name

	r.mu.Lock()
	if r.cp.Completed(name) {
		r.results[name] = StageResult{Name: name, Status: StageSkipped, SkipReason: SkipAlreadyComplete}
		r.mu.Unlock()
		ctxlog.FromContext(ctx).Debug("Skipping completed stage", "stage", name)
		return
	}
	outputs := maps.Clone(r.cp.StepData)
	depFailed := false
	for _, dep := range def.DependsOn {
		if r.failed[dep] {
			depFailed = true
			break
		}
	}
	r.mu.Unlock()

	if def.Condition != "" {
		ok, err := condition.Evaluate(def.Condition, outputs)
		if err != nil {
			// A condition that cannot evaluate because a dependency never
			// produced output is a blocked stage, not a config mistake.
			if depFailed {
				r.block(name)
				return
			}
			r.engine.hooks.emitError(name, 0, err)
			r.finishFailure(def, 0, 0, retry.PermanentErr(err))
			return
		}
		if !ok {
			r.mu.Lock()
			r.results[name] = StageResult{Name: name, Status: StageSkipped, SkipReason: SkipConditionFalse}
			r.mu.Unlock()
			ctxlog.FromContext(ctx).Debug("Skipping stage, condition false", "stage", name)
			return
		}
	}

	if depFailed {
		r.block(name)
		return
	}

	r.engine.hooks.emitStart(name, 1)

	maxAttempts, baseDelay := def.EffectiveRetry(r.cfg.Globals)
	policy := retry.Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		Timeout:     def.Timeout.Duration(),
	}
	var classify retry.Classifier
	if c, ok := r.stages[name].(stage.Classifier); ok {
		classify = c.Retryable
	}

	start := time.Now()
	out, attempts, err := r.engine.retrier.Do(ctx, name, policy, classify, func(ctx context.Context) (any, error) {
		return r.stages[name].Execute(ctx, stage.NewInput(outputs))
	})
	duration := time.Since(start)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			r.mu.Lock()
			aborted := r.aborted
			r.mu.Unlock()
			if aborted {
				// Interrupted by a fail-fast abort, not by the caller. The
				// stage is left without a result, like its unstarted peers.
				return
			}
			r.markCancelledFrom(name)
			return
		}
		r.engine.hooks.emitError(name, attempts, err)
		r.finishFailure(def, attempts, duration, err)
		return
	}

	raw, _ := out.(json.RawMessage)
	r.mu.Lock()
	r.cp.MarkCompleted(name, raw)
	r.persistLocked()
	r.results[name] = StageResult{Name: name, Status: StageCompleted, Attempts: attempts, Duration: duration}
	r.mu.Unlock()
	r.engine.hooks.emitComplete(name, duration, raw)
}

// block marks a stage Blocked because a declared dependency failed.
func (r *run) block(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[name] = true
	r.results[name] = StageResult{Name: name, Status: StageBlocked}
}

// finishFailure records a terminal stage failure, persists the checkpoint,
// and requests a run abort when the stage's error mode is fail.
func (r *run) finishFailure(def config.Stage, attempts int, duration time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[def.Name] = true
	r.results[def.Name] = StageResult{Name: def.Name, Status: StageFailed, Attempts: attempts, Duration: duration, Err: err}
	if def.FailsFast(r.cfg.Globals) {
		r.aborted = true
	}
	r.persistLocked()
}

func (r *run) persistLocked() {
	if err := r.engine.manager.Save(r.cp); err != nil && r.saveErr == nil {
		r.saveErr = err
	}
}

func (r *run) assemble() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := &Result{Checkpoint: r.cp}
	anyFailed := false
	for _, name := range r.order {
		res, ok := r.results[name]
		if !ok {
			continue // never started: fail-fast abort
		}
		if res.Status == StageFailed || res.Status == StageBlocked {
			anyFailed = true
		}
		result.Stages = append(result.Stages, res)
	}

	switch {
	case r.cancelled:
		result.Status = RunCancelled
	case anyFailed:
		result.Status = RunFailed
	default:
		result.Status = RunCompleted
	}
	return result
}
