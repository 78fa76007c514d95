package config

import "time"

// OnError values accepted in a stage definition.
const (
	OnErrorFail     = "fail"
	OnErrorContinue = "continue"
)

// Pipeline is the root of a pipeline definition. It is immutable once loaded
// for a run; the engine never writes back into it.
type Pipeline struct {
	Name    string         `yaml:"name"`
	Version string         `yaml:"version"`
	Globals GlobalSettings `yaml:"globalSettings"`
	Stages  []Stage        `yaml:"stages"`
}

// GlobalSettings holds pipeline-wide defaults. Per-stage retry blocks override
// MaxRetries/RetryBaseDelay for that stage only.
type GlobalSettings struct {
	FailFast            bool     `yaml:"failFast"`
	MaxRetries          int      `yaml:"maxRetries"`
	RetryBaseDelay      Duration `yaml:"retryBaseDelaySeconds"`
	DegreeOfParallelism int      `yaml:"degreeOfParallelism"`
}

// Stage is a single unit of pipeline work.
type Stage struct {
	Name      string         `yaml:"name"`
	Type      string         `yaml:"type"`
	DependsOn []string       `yaml:"dependsOn"`
	Condition string         `yaml:"condition"`
	Retry     *RetryPolicy   `yaml:"retry"`
	OnError   string         `yaml:"onError"`
	Timeout   Duration       `yaml:"timeout"`
	Params    map[string]any `yaml:"params"`
}

// RetryPolicy overrides the global retry settings for one stage.
type RetryPolicy struct {
	MaxAttempts int      `yaml:"maxAttempts"`
	BaseDelay   Duration `yaml:"baseDelaySeconds"`
}

// EffectiveRetry resolves the retry settings for a stage: the stage's own
// retry block when present, the globals otherwise. MaxAttempts is never
// resolved below 1.
func (s Stage) EffectiveRetry(g GlobalSettings) (maxAttempts int, baseDelay time.Duration) {
	maxAttempts = g.MaxRetries
	baseDelay = g.RetryBaseDelay.Duration()
	if s.Retry != nil {
		if s.Retry.MaxAttempts > 0 {
			maxAttempts = s.Retry.MaxAttempts
		}
		if s.Retry.BaseDelay > 0 {
			baseDelay = s.Retry.BaseDelay.Duration()
		}
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return maxAttempts, baseDelay
}

// FailsFast reports whether a terminal failure of this stage aborts the run.
// The global failFast switch forces fail mode for every stage.
func (s Stage) FailsFast(g GlobalSettings) bool {
	if g.FailFast {
		return true
	}
	return s.OnError != OnErrorContinue
}

// StageByName returns the definition for name, if declared.
func (p *Pipeline) StageByName(name string) (Stage, bool) {
	for _, s := range p.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return Stage{}, false
}
