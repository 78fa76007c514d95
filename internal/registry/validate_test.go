package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowline-dev/flowline/internal/config"
	"github.com/flowline-dev/flowline/internal/diag"
	"github.com/flowline-dev/flowline/internal/stage"
)

func pipelineOf(stages ...config.Stage) *config.Pipeline {
	return &config.Pipeline{Name: "test", Stages: stages}
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New()
	require.NoError(t, r.Register("noop", noopFactory, stage.Metadata{}))
	return r
}

func TestValidateTopologicalOrder(t *testing.T) {
	r := testRegistry(t)
	p := pipelineOf(
		config.Stage{Name: "publish", Type: "noop", DependsOn: []string{"render", "voice"}},
		config.Stage{Name: "script", Type: "noop"},
		config.Stage{Name: "voice", Type: "noop", DependsOn: []string{"script"}},
		config.Stage{Name: "render", Type: "noop", DependsOn: []string{"voice"}},
	)

	order, diags := r.Validate(p)
	require.Empty(t, diags)
	assert.Equal(t, []string{"script", "voice", "render", "publish"}, order)
}

func TestValidateBreaksTiesByDeclarationOrder(t *testing.T) {
	r := testRegistry(t)
	p := pipelineOf(
		config.Stage{Name: "c", Type: "noop"},
		config.Stage{Name: "a", Type: "noop"},
		config.Stage{Name: "b", Type: "noop"},
	)

	// No edges at all, so the only constraint is declaration order. Run it a
	// few times to catch accidental map iteration.
	for i := 0; i < 10; i++ {
		order, diags := r.Validate(p)
		require.Empty(t, diags)
		assert.Equal(t, []string{"c", "a", "b"}, order)
	}
}

func TestValidateReportsCycleMembers(t *testing.T) {
	r := testRegistry(t)
	p := pipelineOf(
		config.Stage{Name: "a", Type: "noop", DependsOn: []string{"b"}},
		config.Stage{Name: "b", Type: "noop", DependsOn: []string{"a"}},
		config.Stage{Name: "c", Type: "noop"},
	)

	order, diags := r.Validate(p)
	require.True(t, diags.HasKind(diag.CycleDetected))
	assert.Contains(t, diags.String(), "a, b")
	// The acyclic part still orders.
	assert.Equal(t, []string{"c"}, order)
}

func TestValidateReportsLongerCycleOnce(t *testing.T) {
	r := testRegistry(t)
	p := pipelineOf(
		config.Stage{Name: "a", Type: "noop", DependsOn: []string{"c"}},
		config.Stage{Name: "b", Type: "noop", DependsOn: []string{"a"}},
		config.Stage{Name: "c", Type: "noop", DependsOn: []string{"b"}},
	)

	_, diags := r.Validate(p)
	cycles := 0
	for _, d := range diags {
		if d.Kind == diag.CycleDetected {
			cycles++
			assert.Contains(t, d.Message, "a, b, c")
		}
	}
	assert.Equal(t, 1, cycles)
}

func TestValidateUnresolvedReference(t *testing.T) {
	r := testRegistry(t)
	p := pipelineOf(
		config.Stage{Name: "a", Type: "noop", DependsOn: []string{"ghost"}},
	)

	_, diags := r.Validate(p)
	require.True(t, diags.HasKind(diag.UnresolvedReference))
	assert.Contains(t, diags.String(), `"ghost"`)
}

func TestValidateUnknownStageType(t *testing.T) {
	r := testRegistry(t)
	p := pipelineOf(
		config.Stage{Name: "a", Type: "teleport"},
	)

	_, diags := r.Validate(p)
	require.True(t, diags.HasKind(diag.UnknownStageType))
	assert.Contains(t, diags.String(), `"teleport"`)
}

func TestValidateCollectsAllProblems(t *testing.T) {
	r := testRegistry(t)
	p := pipelineOf(
		config.Stage{Name: "a", Type: "teleport", DependsOn: []string{"ghost"}},
		config.Stage{Name: "b", Type: "noop", DependsOn: []string{"c"}},
		config.Stage{Name: "c", Type: "noop", DependsOn: []string{"b"}},
	)

	_, diags := r.Validate(p)
	assert.True(t, diags.HasKind(diag.UnknownStageType))
	assert.True(t, diags.HasKind(diag.UnresolvedReference))
	assert.True(t, diags.HasKind(diag.CycleDetected))
}
