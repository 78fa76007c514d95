package app

import (
	"context"
	"fmt"

	"github.com/flowline-dev/flowline/internal/checkpoint"
	"github.com/flowline-dev/flowline/internal/config"
	"github.com/flowline-dev/flowline/internal/ctxlog"
	"github.com/flowline-dev/flowline/internal/engine"
	"github.com/flowline-dev/flowline/internal/retry"
)

// Run executes the configured invocation: a dry-run validation, or a live
// run against the checkpoint. The returned error is nil only for a clean,
// fully-completed outcome.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)

	pipeline, diags := config.Load(a.config.PipelineConfig)
	if a.config.DryRun {
		return a.dryRun(pipeline, diags)
	}
	if len(diags) > 0 {
		a.printDiagnostics(diags)
		return diags.AsError()
	}

	mgr := checkpoint.NewManager(a.config.checkpointPath())
	cp, warn := mgr.Load()
	if warn != nil {
		a.logger.Warn("Checkpoint recovery", "warning", warn)
	}

	eng := engine.New(a.registry, retry.New(nil), mgr)
	eng.Hooks().Subscribe(&engine.LogHook{Logger: a.logger})

	result, err := eng.Execute(ctx, pipeline, cp, engine.Options{
		Rerun:    a.config.Rerun,
		RerunAll: a.config.RerunAll,
	})
	if err != nil {
		return err
	}

	switch result.Status {
	case engine.RunCompleted:
		a.logger.Info("🏁 Pipeline completed", "pipeline", pipeline.Name, "runId", result.Checkpoint.RunID)
		if !a.config.KeepCheckpoint && anyExecuted(result) {
			if err := mgr.Archive(); err != nil {
				a.logger.Warn("Could not archive checkpoint", "error", err)
			}
		}
		return nil
	case engine.RunCancelled:
		a.logger.Warn("Pipeline cancelled", "pipeline", pipeline.Name)
		a.printResumeHint()
		return fmt.Errorf("pipeline %q cancelled", pipeline.Name)
	default:
		a.logger.Error("Pipeline failed", "pipeline", pipeline.Name, "detail", result.FailureSummary())
		a.printResumeHint()
		return fmt.Errorf("pipeline %q failed: %s", pipeline.Name, result.FailureSummary())
	}
}

// anyExecuted reports whether the run did real work, as opposed to skipping
// everything from a prior checkpoint.
func anyExecuted(result *engine.Result) bool {
	for _, s := range result.Stages {
		if s.Status == engine.StageCompleted {
			return true
		}
	}
	return false
}

func (a *App) printResumeHint() {
	fmt.Fprintf(a.outW, "To resume this run:\n  flowline run --pipeline-config %s\n", a.config.PipelineConfig)
}
