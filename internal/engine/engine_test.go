package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowline-dev/flowline/internal/checkpoint"
	"github.com/flowline-dev/flowline/internal/config"
	"github.com/flowline-dev/flowline/internal/registry"
	"github.com/flowline-dev/flowline/internal/retry"
	"github.com/flowline-dev/flowline/internal/stage"
	"github.com/flowline-dev/flowline/internal/testutil"
)

// fastRetry is a per-stage retry block with a delay short enough for tests.
func fastRetry(attempts int) *config.RetryPolicy {
	return &config.RetryPolicy{MaxAttempts: attempts, BaseDelay: config.Duration(time.Millisecond)}
}

type fixture struct {
	registry *registry.Registry
	manager  *checkpoint.Manager
	engine   *Engine
}

// newFixture wires an engine over scripted stages. The breaker threshold is
// high so retry-heavy scenarios do not trip it by accident.
func newFixture(t *testing.T, stages map[string]stage.Stage) *fixture {
	t.Helper()
	reg := registry.New()
	testutil.RegisterStages(t, reg, stages)
	manager := checkpoint.NewManager(filepath.Join(t.TempDir(), "run.checkpoint.json"))
	eng := New(reg, retry.New(retry.NewBreaker(100, time.Minute)), manager)
	return &fixture{registry: reg, manager: manager, engine: eng}
}

func stageDef(name string, deps ...string) config.Stage {
	return config.Stage{Name: name, Type: "test", DependsOn: deps}
}

func pipelineOf(stages ...config.Stage) *config.Pipeline {
	return &config.Pipeline{Name: "test-pipeline", Stages: stages}
}

func TestExecuteHappyPath(t *testing.T) {
	var gotFromA json.RawMessage
	f := newFixture(t, map[string]stage.Stage{
		"a": stage.Func(func(context.Context, stage.Input) (json.RawMessage, error) {
			return json.RawMessage(`{"value":42}`), nil
		}),
		"b": stage.Func(func(_ context.Context, in stage.Input) (json.RawMessage, error) {
			out, ok := in.Output("a")
			if !ok {
				return nil, errors.New("output of a missing")
			}
			gotFromA = out
			return json.RawMessage(`{"doubled":84}`), nil
		}),
	})

	res, err := f.engine.Execute(context.Background(), pipelineOf(
		stageDef("a"),
		stageDef("b", "a"),
	), nil, Options{})
	require.NoError(t, err)

	assert.Equal(t, RunCompleted, res.Status)
	require.Len(t, res.Stages, 2)
	assert.JSONEq(t, `{"value":42}`, string(gotFromA))

	a, _ := res.Stage("a")
	assert.Equal(t, StageCompleted, a.Status)
	assert.Equal(t, 1, a.Attempts)
	assert.True(t, res.Checkpoint.Completed("b"))
}

func TestExecuteRetriesWithinBudget(t *testing.T) {
	flaky := &testutil.FlakyStage{Failures: 2, Err: errors.New("transient")}
	f := newFixture(t, map[string]stage.Stage{"a": stage.Func(func(context.Context, stage.Input) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}), "b": flaky})

	p := pipelineOf(
		stageDef("a"),
		config.Stage{Name: "b", Type: "test", DependsOn: []string{"a"}, Retry: fastRetry(3)},
	)

	res, err := f.engine.Execute(context.Background(), p, nil, Options{})
	require.NoError(t, err)

	assert.Equal(t, RunCompleted, res.Status)
	b, _ := res.Stage("b")
	assert.Equal(t, StageCompleted, b.Status)
	assert.Equal(t, 3, b.Attempts)
	assert.Equal(t, 3, flaky.Calls())
}

func TestExecuteFailFastAborts(t *testing.T) {
	after := &testutil.CountingStage{}
	f := newFixture(t, map[string]stage.Stage{
		"a": stage.Func(func(context.Context, stage.Input) (json.RawMessage, error) {
			return nil, retry.PermanentErr(errors.New("bad input"))
		}),
		"b": after,
	})

	res, err := f.engine.Execute(context.Background(), pipelineOf(
		stageDef("a"),
		stageDef("b"),
	), nil, Options{})
	require.NoError(t, err)

	assert.Equal(t, RunFailed, res.Status)
	a, _ := res.Stage("a")
	assert.Equal(t, StageFailed, a.Status)
	assert.Equal(t, 1, a.Attempts)
	// The abort prevented b from starting at all.
	_, started := res.Stage("b")
	assert.False(t, started)
	assert.Equal(t, 0, after.Calls())
	assert.Contains(t, res.FailureSummary(), "bad input")
}

func TestExecuteContinueModeBlocksDependents(t *testing.T) {
	d := &testutil.CountingStage{}
	f := newFixture(t, map[string]stage.Stage{
		"b": stage.Func(func(context.Context, stage.Input) (json.RawMessage, error) {
			return nil, retry.PermanentErr(errors.New("boom"))
		}),
		"d": d,
	})

	res, err := f.engine.Execute(context.Background(), pipelineOf(
		stageDef("a"),
		config.Stage{Name: "b", Type: "test", DependsOn: []string{"a"}, OnError: config.OnErrorContinue},
		stageDef("c", "b"),
		stageDef("d"),
	), nil, Options{})
	require.NoError(t, err)

	assert.Equal(t, RunFailed, res.Status)
	assertStatus(t, res, "a", StageCompleted)
	assertStatus(t, res, "b", StageFailed)
	assertStatus(t, res, "c", StageBlocked)
	assertStatus(t, res, "d", StageCompleted)
	assert.Equal(t, 1, d.Calls())
}

func TestExecuteBlockedCascades(t *testing.T) {
	f := newFixture(t, map[string]stage.Stage{
		"a": stage.Func(func(context.Context, stage.Input) (json.RawMessage, error) {
			return nil, retry.PermanentErr(errors.New("boom"))
		}),
	})

	res, err := f.engine.Execute(context.Background(), pipelineOf(
		config.Stage{Name: "a", Type: "test", OnError: config.OnErrorContinue},
		stageDef("b", "a"),
		stageDef("c", "b"),
	), nil, Options{})
	require.NoError(t, err)

	assertStatus(t, res, "b", StageBlocked)
	assertStatus(t, res, "c", StageBlocked)
}

func TestExecuteIsIdempotent(t *testing.T) {
	counting := &testutil.CountingStage{}
	f := newFixture(t, map[string]stage.Stage{"a": counting, "b": counting})
	p := pipelineOf(stageDef("a"), stageDef("b", "a"))

	res, err := f.engine.Execute(context.Background(), p, nil, Options{})
	require.NoError(t, err)
	require.Equal(t, RunCompleted, res.Status)
	assert.Equal(t, 2, counting.Calls())

	before, err := os.ReadFile(f.manager.Path())
	require.NoError(t, err)

	cp, warn := f.manager.Load()
	require.Nil(t, warn)
	res2, err := f.engine.Execute(context.Background(), p, cp, Options{})
	require.NoError(t, err)

	assert.Equal(t, RunCompleted, res2.Status)
	for _, name := range []string{"a", "b"} {
		s, _ := res2.Stage(name)
		assert.Equal(t, StageSkipped, s.Status)
		assert.Equal(t, SkipAlreadyComplete, s.SkipReason)
	}
	// Nothing executed, so nothing re-persisted.
	assert.Equal(t, 2, counting.Calls())
	after, err := os.ReadFile(f.manager.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestExecuteResumesFromCheckpoint(t *testing.T) {
	ran := &testutil.CountingStage{}
	skipped := &testutil.CountingStage{}
	f := newFixture(t, map[string]stage.Stage{
		"a": skipped, "b": skipped, "c": ran, "d": ran,
	})

	cp := checkpoint.New()
	cp.MarkCompleted("a", json.RawMessage(`{"n":1}`))
	cp.MarkCompleted("b", json.RawMessage(`{"n":2}`))

	res, err := f.engine.Execute(context.Background(), pipelineOf(
		stageDef("a"),
		stageDef("b", "a"),
		stageDef("c", "b"),
		stageDef("d", "c"),
	), cp, Options{})
	require.NoError(t, err)

	assert.Equal(t, RunCompleted, res.Status)
	assert.Equal(t, 0, skipped.Calls())
	assert.Equal(t, 2, ran.Calls())
	assertStatus(t, res, "a", StageSkipped)
	assertStatus(t, res, "c", StageCompleted)
}

func TestExecuteIgnoresStaleCheckpointKeys(t *testing.T) {
	counting := &testutil.CountingStage{}
	f := newFixture(t, map[string]stage.Stage{"a": counting})

	// The checkpoint remembers a stage the pipeline no longer declares.
	cp := checkpoint.New()
	cp.MarkCompleted("removed_stage", json.RawMessage(`{"old":true}`))

	res, err := f.engine.Execute(context.Background(), pipelineOf(stageDef("a")), cp, Options{})
	require.NoError(t, err)

	assert.Equal(t, RunCompleted, res.Status)
	require.Len(t, res.Stages, 1)
	assertStatus(t, res, "a", StageCompleted)
}

func TestExecuteRerunForcesStage(t *testing.T) {
	counting := &testutil.CountingStage{}
	f := newFixture(t, map[string]stage.Stage{"a": counting, "b": counting})

	cp := checkpoint.New()
	cp.MarkCompleted("a", nil)
	cp.MarkCompleted("b", nil)

	res, err := f.engine.Execute(context.Background(), pipelineOf(
		stageDef("a"),
		stageDef("b"),
	), cp, Options{Rerun: []string{"b"}})
	require.NoError(t, err)

	assertStatus(t, res, "a", StageSkipped)
	assertStatus(t, res, "b", StageCompleted)
	assert.Equal(t, 1, counting.Calls())
}

func TestExecuteRerunAll(t *testing.T) {
	counting := &testutil.CountingStage{}
	f := newFixture(t, map[string]stage.Stage{"a": counting, "b": counting})

	cp := checkpoint.New()
	cp.MarkCompleted("a", nil)
	cp.MarkCompleted("b", nil)

	res, err := f.engine.Execute(context.Background(), pipelineOf(
		stageDef("a"),
		stageDef("b"),
	), cp, Options{RerunAll: true})
	require.NoError(t, err)

	assertStatus(t, res, "a", StageCompleted)
	assertStatus(t, res, "b", StageCompleted)
	assert.Equal(t, 2, counting.Calls())
}

func TestExecuteConditionSkips(t *testing.T) {
	b := &testutil.CountingStage{}
	c := &testutil.CountingStage{}
	f := newFixture(t, map[string]stage.Stage{
		"a": stage.Func(func(context.Context, stage.Input) (json.RawMessage, error) {
			return json.RawMessage(`{"word_count": 10}`), nil
		}),
		"b": b,
		"c": c,
	})

	res, err := f.engine.Execute(context.Background(), pipelineOf(
		stageDef("a"),
		config.Stage{Name: "b", Type: "test", DependsOn: []string{"a"}, Condition: "a.word_count > 100"},
		config.Stage{Name: "c", Type: "test", DependsOn: []string{"a"}, Condition: "a.word_count > 5"},
	), nil, Options{})
	require.NoError(t, err)

	assert.Equal(t, RunCompleted, res.Status)
	bRes, _ := res.Stage("b")
	assert.Equal(t, StageSkipped, bRes.Status)
	assert.Equal(t, SkipConditionFalse, bRes.SkipReason)
	assert.Equal(t, 0, b.Calls())
	assertStatus(t, res, "c", StageCompleted)
	assert.Equal(t, 1, c.Calls())
	// A condition skip leaves no checkpoint entry, so a resumed run
	// re-evaluates it.
	assert.False(t, res.Checkpoint.Completed("b"))
}

func TestExecuteConditionErrorFailsStage(t *testing.T) {
	f := newFixture(t, map[string]stage.Stage{})

	res, err := f.engine.Execute(context.Background(), pipelineOf(
		config.Stage{Name: "a", Type: "test", Condition: "ghost.value > 1", OnError: config.OnErrorContinue},
	), nil, Options{})
	require.NoError(t, err)

	a, _ := res.Stage("a")
	assert.Equal(t, StageFailed, a.Status)
	assert.True(t, retry.IsPermanent(a.Err))
}

func TestExecuteConditionOverFailedDependencyBlocks(t *testing.T) {
	f := newFixture(t, map[string]stage.Stage{
		"a": stage.Func(func(context.Context, stage.Input) (json.RawMessage, error) {
			return nil, retry.PermanentErr(errors.New("boom"))
		}),
	})

	res, err := f.engine.Execute(context.Background(), pipelineOf(
		config.Stage{Name: "a", Type: "test", OnError: config.OnErrorContinue},
		config.Stage{Name: "b", Type: "test", DependsOn: []string{"a"}, Condition: `a.status == "ok"`},
	), nil, Options{})
	require.NoError(t, err)

	// The condition cannot evaluate because a produced no output, but the
	// root cause is the failed dependency.
	assertStatus(t, res, "b", StageBlocked)
}

func TestExecuteCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	f := newFixture(t, map[string]stage.Stage{
		"a": stage.Func(func(context.Context, stage.Input) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		}),
		"b": stage.Func(func(ctx context.Context, _ stage.Input) (json.RawMessage, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	})

	go func() {
		<-started
		cancel()
	}()

	res, err := f.engine.Execute(ctx, pipelineOf(
		stageDef("a"),
		stageDef("b", "a"),
		stageDef("c", "b"),
	), nil, Options{})
	require.NoError(t, err)

	assert.Equal(t, RunCancelled, res.Status)
	assertStatus(t, res, "a", StageCompleted)
	assertStatus(t, res, "b", StageCancelled)
	assertStatus(t, res, "c", StageCancelled)
	// Completed work survives for the next run.
	assert.True(t, res.Checkpoint.Completed("a"))
	loaded, warn := f.manager.Load()
	require.Nil(t, warn)
	assert.True(t, loaded.Completed("a"))
}

func TestExecuteValidationErrorsBeforeRunning(t *testing.T) {
	counting := &testutil.CountingStage{}
	f := newFixture(t, map[string]stage.Stage{"a": counting})

	_, err := f.engine.Execute(context.Background(), pipelineOf(
		stageDef("a"),
		config.Stage{Name: "b", Type: "warp"},
	), nil, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "warp")
	assert.Equal(t, 0, counting.Calls())
}

func TestExecuteStageTimeoutRetries(t *testing.T) {
	var calls int
	var mu sync.Mutex
	f := newFixture(t, map[string]stage.Stage{
		"a": stage.Func(func(ctx context.Context, _ stage.Input) (json.RawMessage, error) {
			mu.Lock()
			calls++
			first := calls == 1
			mu.Unlock()
			if first {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return json.RawMessage(`{}`), nil
		}),
	})

	res, err := f.engine.Execute(context.Background(), pipelineOf(
		config.Stage{Name: "a", Type: "test", Retry: fastRetry(2), Timeout: config.Duration(20 * time.Millisecond)},
	), nil, Options{})
	require.NoError(t, err)

	a, _ := res.Stage("a")
	assert.Equal(t, StageCompleted, a.Status)
	assert.Equal(t, 2, a.Attempts)
}

// recordingHook captures lifecycle events in order.
type recordingHook struct {
	mu     sync.Mutex
	events []string
}

func (h *recordingHook) OnStageStart(name string, attempt int) {
	h.record(fmt.Sprintf("start:%s", name))
}

func (h *recordingHook) OnStageComplete(name string, duration time.Duration, output json.RawMessage) {
	h.record(fmt.Sprintf("complete:%s", name))
}

func (h *recordingHook) OnStageError(name string, attempt int, err error) {
	h.record(fmt.Sprintf("error:%s", name))
}

func (h *recordingHook) record(e string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
}

func (h *recordingHook) Events() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func TestHooksObserveLifecycle(t *testing.T) {
	f := newFixture(t, map[string]stage.Stage{
		"a": &testutil.CountingStage{},
		"b": stage.Func(func(context.Context, stage.Input) (json.RawMessage, error) {
			return nil, retry.PermanentErr(errors.New("boom"))
		}),
	})

	hook := &recordingHook{}
	f.engine.Hooks().Subscribe(hook)

	_, err := f.engine.Execute(context.Background(), pipelineOf(
		stageDef("a"),
		config.Stage{Name: "b", Type: "test", OnError: config.OnErrorContinue},
	), nil, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"start:a", "complete:a", "start:b", "error:b"}, hook.Events())
}

func TestHooksUnsubscribe(t *testing.T) {
	f := newFixture(t, map[string]stage.Stage{"a": &testutil.CountingStage{}})

	hook := &recordingHook{}
	token := f.engine.Hooks().Subscribe(hook)
	f.engine.Hooks().Unsubscribe(token)

	_, err := f.engine.Execute(context.Background(), pipelineOf(stageDef("a")), nil, Options{})
	require.NoError(t, err)
	assert.Empty(t, hook.Events())
}

func assertStatus(t *testing.T, res *Result, name string, want StageStatus) {
	t.Helper()
	s, ok := res.Stage(name)
	require.True(t, ok, "no result for stage %s", name)
	assert.Equal(t, want, s.Status, "stage %s", name)
}
