package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/flowline-dev/flowline/internal/diag"
)

// Load reads, substitutes, parses and structurally validates a pipeline file.
// Every problem found is returned in the diagnostic list; the pipeline is nil
// only when the file could not be read or parsed at all. JSON files parse too,
// since JSON is a YAML subset.
func Load(path string) (*Pipeline, diag.List) {
	return LoadWithEnv(path, nil)
}

// LoadWithEnv is Load with an explicit environment lookup, used by tests to
// avoid mutating the process environment.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (*Pipeline, diag.List) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, diag.List{}.Append(diag.ConfigError, "", "read %s: %v", path, err)
	}

	expanded, diags := expandEnv(string(raw), lookup)

	var p Pipeline
	if err := yaml.Unmarshal([]byte(expanded), &p); err != nil {
		return nil, diags.Append(diag.ConfigError, "", "parse %s: %v", path, err)
	}

	diags = append(diags, p.validate()...)
	return &p, diags
}

// Save serializes a pipeline back to the same schema, round-trip safe. It is
// meant for tooling that edits configs programmatically; substituted
// environment values are written as-is.
func Save(p *Pipeline, path string) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pipeline %q: %w", p.Name, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// validate performs the structural checks that need no stage registry:
// required fields, value ranges, duplicate names. Graph-level validation
// (unknown types, unresolved references, cycles) belongs to the registry.
func (p *Pipeline) validate() diag.List {
	var diags diag.List

	if p.Name == "" {
		diags = diags.Append(diag.ValidationError, "", "pipeline name is required")
	}
	if len(p.Stages) == 0 {
		diags = diags.Append(diag.ValidationError, "", "pipeline declares no stages")
	}
	if p.Globals.MaxRetries < 0 {
		diags = diags.Append(diag.ValidationError, "", "globalSettings.maxRetries must not be negative")
	}
	if p.Globals.RetryBaseDelay < 0 {
		diags = diags.Append(diag.ValidationError, "", "globalSettings.retryBaseDelaySeconds must not be negative")
	}
	if p.Globals.DegreeOfParallelism < 0 {
		diags = diags.Append(diag.ValidationError, "", "globalSettings.degreeOfParallelism must not be negative")
	}

	seen := make(map[string]bool, len(p.Stages))
	for _, s := range p.Stages {
		if s.Name == "" {
			diags = diags.Append(diag.ValidationError, "", "stage with type %q has no name", s.Type)
			continue
		}
		if seen[s.Name] {
			diags = diags.Append(diag.DuplicateStage, s.Name, "declared more than once")
		}
		seen[s.Name] = true

		if s.Type == "" {
			diags = diags.Append(diag.ValidationError, s.Name, "stage type is required")
		}
		switch s.OnError {
		case "", OnErrorFail, OnErrorContinue:
		default:
			diags = diags.Append(diag.ValidationError, s.Name, "onError must be %q or %q, got %q", OnErrorFail, OnErrorContinue, s.OnError)
		}
		if s.Retry != nil {
			if s.Retry.MaxAttempts < 0 {
				diags = diags.Append(diag.ValidationError, s.Name, "retry.maxAttempts must not be negative")
			}
			if s.Retry.BaseDelay < 0 {
				diags = diags.Append(diag.ValidationError, s.Name, "retry.baseDelaySeconds must not be negative")
			}
		}
		if s.Timeout < 0 {
			diags = diags.Append(diag.ValidationError, s.Name, "timeout must not be negative")
		}
		for _, dep := range s.DependsOn {
			if dep == s.Name {
				diags = diags.Append(diag.ValidationError, s.Name, "stage depends on itself")
			}
		}
	}

	return diags
}
