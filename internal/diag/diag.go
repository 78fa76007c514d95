// Package diag defines the diagnostic records produced by configuration
// loading and pipeline validation. Validation always reports every problem it
// finds, not just the first, so a config can be fixed in one pass.
package diag

import (
	"fmt"
	"strings"
)

// Kind classifies a diagnostic.
type Kind string

const (
	// ConfigError covers unreadable files, malformed YAML, and unresolvable
	// environment variable references.
	ConfigError Kind = "ConfigError"

	// ValidationError covers structural problems: missing required fields,
	// negative retry values, invalid onError modes.
	ValidationError Kind = "ValidationError"

	// DuplicateStage reports a stage name declared more than once.
	DuplicateStage Kind = "DuplicateStage"

	// UnknownStageType reports a stage type with no registered factory.
	UnknownStageType Kind = "UnknownStageType"

	// UnresolvedReference reports a dependsOn entry naming no declared stage.
	UnresolvedReference Kind = "UnresolvedReference"

	// CycleDetected reports a dependency cycle; Message names the members.
	CycleDetected Kind = "CycleDetected"
)

// Diagnostic is a single validation finding. Stage is empty for pipeline-level
// findings.
type Diagnostic struct {
	Kind    Kind
	Stage   string
	Message string
}

func (d Diagnostic) String() string {
	if d.Stage == "" {
		return fmt.Sprintf("%s: %s", d.Kind, d.Message)
	}
	return fmt.Sprintf("%s: stage %q: %s", d.Kind, d.Stage, d.Message)
}

// List is an ordered collection of diagnostics.
type List []Diagnostic

// Append adds a diagnostic and returns the extended list.
func (l List) Append(kind Kind, stage, format string, args ...any) List {
	return append(l, Diagnostic{Kind: kind, Stage: stage, Message: fmt.Sprintf(format, args...)})
}

// HasKind reports whether any diagnostic in the list has the given kind.
func (l List) HasKind(kind Kind) bool {
	for _, d := range l {
		if d.Kind == kind {
			return true
		}
	}
	return false
}

func (l List) String() string {
	lines := make([]string, 0, len(l))
	for _, d := range l {
		lines = append(lines, d.String())
	}
	return strings.Join(lines, "\n")
}

// AsError wraps a non-empty list as an error; an empty list yields nil.
func (l List) AsError() error {
	if len(l) == 0 {
		return nil
	}
	return &Error{Diagnostics: l}
}

// Error is a diagnostic list surfaced through the error interface so callers
// above the validation layer can propagate it with %w.
type Error struct {
	Diagnostics List
}

func (e *Error) Error() string {
	return fmt.Sprintf("validation failed:\n- %s", strings.Join(splitLines(e.Diagnostics), "\n- "))
}

func splitLines(l List) []string {
	lines := make([]string, 0, len(l))
	for _, d := range l {
		lines = append(lines, d.String())
	}
	return lines
}
