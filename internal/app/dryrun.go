package app

import (
	"fmt"
	"strings"

	"github.com/flowline-dev/flowline/internal/config"
	"github.com/flowline-dev/flowline/internal/diag"
)

// dryRun validates the pipeline and prints the resolved execution plan plus
// every diagnostic. It never invokes a stage. The returned error is non-nil
// iff any diagnostic was found, so the CLI can exit non-zero.
func (a *App) dryRun(pipeline *config.Pipeline, diags diag.List) error {
	if pipeline != nil {
		order, vdiags := a.registry.Validate(pipeline)
		diags = append(diags, vdiags...)
		a.printPlan(pipeline, order, len(diags) == 0)
	}
	a.printDiagnostics(diags)
	return diags.AsError()
}

func (a *App) printPlan(p *config.Pipeline, order []string, valid bool) {
	fmt.Fprintf(a.outW, "Pipeline: %s", p.Name)
	if p.Version != "" {
		fmt.Fprintf(a.outW, " (version %s)", p.Version)
	}
	fmt.Fprintln(a.outW)

	if !valid {
		fmt.Fprintln(a.outW, "Execution plan (incomplete, see diagnostics):")
	} else {
		fmt.Fprintln(a.outW, "Execution plan:")
	}
	for i, name := range order {
		def, _ := p.StageByName(name)
		maxAttempts, baseDelay := def.EffectiveRetry(p.Globals)
		line := fmt.Sprintf("  %2d. %-20s type=%s", i+1, name, def.Type)
		if len(def.DependsOn) > 0 {
			line += fmt.Sprintf(" after=[%s]", strings.Join(def.DependsOn, ","))
		}
		if def.Condition != "" {
			line += fmt.Sprintf(" if=%q", def.Condition)
		}
		line += fmt.Sprintf(" retry=%dx/%s onError=%s", maxAttempts, baseDelay, onErrorMode(def, p.Globals))
		fmt.Fprintln(a.outW, line)
	}
}

func onErrorMode(def config.Stage, g config.GlobalSettings) string {
	if def.FailsFast(g) {
		return config.OnErrorFail
	}
	return config.OnErrorContinue
}

func (a *App) printDiagnostics(diags diag.List) {
	if len(diags) == 0 {
		fmt.Fprintln(a.outW, "No diagnostics.")
		return
	}
	fmt.Fprintf(a.outW, "%d diagnostic(s):\n", len(diags))
	for _, d := range diags {
		fmt.Fprintf(a.outW, "  - %s\n", d)
	}
}
