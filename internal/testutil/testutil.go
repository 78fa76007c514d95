// Package testutil provides shared helpers for tests: a thread-safe log
// buffer, temp pipeline files, and scripted stage implementations.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowline-dev/flowline/internal/config"
	"github.com/flowline-dev/flowline/internal/registry"
	"github.com/flowline-dev/flowline/internal/stage"
)

// SafeBuffer is a thread-safe buffer for capturing log output in tests.
type SafeBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

// Write implements the io.Writer interface for SafeBuffer.
func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

// String implements the fmt.Stringer interface for SafeBuffer.
func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

// WritePipelineFile writes a pipeline definition into a temp dir and returns
// its path. The file is cleaned up with the test.
func WritePipelineFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// RegisterFunc registers a stage type whose every instance runs fn.
func RegisterFunc(t *testing.T, r *registry.Registry, typeName string, fn stage.Func) {
	t.Helper()
	require.NoError(t, r.Register(typeName, func(config.Stage) (stage.Stage, error) {
		return fn, nil
	}, stage.Metadata{Category: "test"}))
}

// FlakyStage fails the first Failures calls with Err, then succeeds with
// Output. The call counter is shared across retries, which is exactly what
// retry tests need.
type FlakyStage struct {
	mu       sync.Mutex
	calls    int
	Failures int
	Err      error
	Output   json.RawMessage
}

// Execute implements stage.Stage.
func (f *FlakyStage) Execute(ctx context.Context, in stage.Input) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.Failures {
		return nil, f.Err
	}
	out := f.Output
	if out == nil {
		out = json.RawMessage(`{"ok":true}`)
	}
	return out, nil
}

// Calls returns how many times Execute ran.
func (f *FlakyStage) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// CountingStage records its invocations and returns Output.
type CountingStage struct {
	mu     sync.Mutex
	calls  int
	Output json.RawMessage
}

// Execute implements stage.Stage.
func (c *CountingStage) Execute(ctx context.Context, in stage.Input) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	out := c.Output
	if out == nil {
		out = json.RawMessage(`{"ok":true}`)
	}
	return out, nil
}

// Calls returns how many times Execute ran.
func (c *CountingStage) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// RegisterStages registers a "test" stage type that dispatches on stage name,
// so one pipeline can mix scripted behaviors.
func RegisterStages(t *testing.T, r *registry.Registry, stages map[string]stage.Stage) {
	t.Helper()
	require.NoError(t, r.Register("test", func(def config.Stage) (stage.Stage, error) {
		s, ok := stages[def.Name]
		if !ok {
			return stage.Func(func(context.Context, stage.Input) (json.RawMessage, error) {
				return json.RawMessage(`{}`), nil
			}), nil
		}
		return s, nil
	}, stage.Metadata{Category: "test"}))
}
