package registry

import (
	"sort"
	"strings"

	"github.com/flowline-dev/flowline/internal/config"
	"github.com/flowline-dev/flowline/internal/diag"
)

// Validate builds the dependency graph from the pipeline's dependsOn edges and
// returns a valid topological execution order. Unknown stage types, unresolved
// references and dependency cycles are reported as diagnostics; any diagnostic
// means the returned order must not be executed.
//
// Structural checks (required fields, duplicate names) belong to config.Load;
// Validate assumes they already ran.
//
// Tie-breaking among stages with no ordering constraint between them follows
// declaration order, so the plan is stable and deterministic.
func (r *Registry) Validate(p *config.Pipeline) ([]string, diag.List) {
	var diags diag.List

	declared := make(map[string]config.Stage, len(p.Stages))
	for _, s := range p.Stages {
		declared[s.Name] = s
	}

	indegree := make(map[string]int, len(p.Stages))
	dependents := make(map[string][]string, len(p.Stages))
	for _, s := range p.Stages {
		if !r.has(s.Type) {
			diags = diags.Append(diag.UnknownStageType, s.Name, "no factory registered for type %q", s.Type)
		}
		for _, dep := range s.DependsOn {
			if _, ok := declared[dep]; !ok {
				diags = diags.Append(diag.UnresolvedReference, s.Name, "dependsOn names undeclared stage %q", dep)
				continue
			}
			if dep == s.Name {
				continue // reported by config validation
			}
			indegree[s.Name]++
			dependents[dep] = append(dependents[dep], s.Name)
		}
	}

	// Kahn's algorithm, always taking the first ready stage in declaration
	// order. Quadratic, but pipelines are small.
	order := make([]string, 0, len(p.Stages))
	emitted := make(map[string]bool, len(p.Stages))
	for len(order) < len(p.Stages) {
		progressed := false
		for _, s := range p.Stages {
			if emitted[s.Name] || indegree[s.Name] != 0 {
				continue
			}
			emitted[s.Name] = true
			order = append(order, s.Name)
			for _, next := range dependents[s.Name] {
				indegree[next]--
			}
			progressed = true
			break
		}
		if !progressed {
			break
		}
	}

	if len(order) < len(p.Stages) {
		diags = append(diags, cycleDiagnostics(p, emitted)...)
	}

	return order, diags
}

// cycleDiagnostics names the members of each dependency cycle among the
// stages the topological sort could not order.
func cycleDiagnostics(p *config.Pipeline, emitted map[string]bool) diag.List {
	var diags diag.List

	deps := make(map[string][]string)
	for _, s := range p.Stages {
		if emitted[s.Name] {
			continue
		}
		for _, dep := range s.DependsOn {
			if !emitted[dep] {
				deps[s.Name] = append(deps[s.Name], dep)
			}
		}
	}

	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int)
	reported := make(map[string]bool)
	var path []string

	var visit func(name string)
	visit = func(name string) {
		color[name] = grey
		path = append(path, name)
		for _, dep := range deps[name] {
			switch color[dep] {
			case white:
				visit(dep)
			case grey:
				// The slice of path from dep onward is the cycle.
				start := 0
				for i, n := range path {
					if n == dep {
						start = i
						break
					}
				}
				members := append([]string(nil), path[start:]...)
				sort.Strings(members)
				key := strings.Join(members, ",")
				if !reported[key] {
					reported[key] = true
					diags = diags.Append(diag.CycleDetected, "", "dependency cycle between stages %s", strings.Join(members, ", "))
				}
			}
		}
		path = path[:len(path)-1]
		color[name] = black
	}

	for _, s := range p.Stages {
		if !emitted[s.Name] && color[s.Name] == white {
			visit(s.Name)
		}
	}
	return diags
}
