package engine

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Hook receives lifecycle events for telemetry and logging. Hooks are invoked
// synchronously in registration order on the orchestration goroutine, never
// concurrently with the stage they describe.
type Hook interface {
	OnStageStart(name string, attempt int)
	OnStageComplete(name string, duration time.Duration, output json.RawMessage)
	OnStageError(name string, attempt int, err error)
}

type subscription struct {
	token int
	hook  Hook
}

// Hooks is an ordered observer list with subscribe/unsubscribe.
type Hooks struct {
	mu   sync.Mutex
	next int
	subs []subscription
}

// Subscribe adds a hook and returns a token for Unsubscribe.
func (h *Hooks) Subscribe(hook Hook) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	h.subs = append(h.subs, subscription{token: h.next, hook: hook})
	return h.next
}

// Unsubscribe removes the hook registered under token.
func (h *Hooks) Unsubscribe(token int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, s := range h.subs {
		if s.token == token {
			h.subs = append(h.subs[:i], h.subs[i+1:]...)
			return
		}
	}
}

func (h *Hooks) snapshot() []subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]subscription(nil), h.subs...)
}

func (h *Hooks) emitStart(name string, attempt int) {
	for _, s := range h.snapshot() {
		s.hook.OnStageStart(name, attempt)
	}
}

func (h *Hooks) emitComplete(name string, duration time.Duration, output json.RawMessage) {
	for _, s := range h.snapshot() {
		s.hook.OnStageComplete(name, duration, output)
	}
}

func (h *Hooks) emitError(name string, attempt int, err error) {
	for _, s := range h.snapshot() {
		s.hook.OnStageError(name, attempt, err)
	}
}

// LogHook writes per-stage start/complete/error lines with timing through
// slog. The app installs one by default so a live run prints progress.
type LogHook struct {
	Logger *slog.Logger
}

func (l *LogHook) OnStageStart(name string, attempt int) {
	l.Logger.Info("▶️ Starting stage", "stage", name, "attempt", attempt)
}

func (l *LogHook) OnStageComplete(name string, duration time.Duration, output json.RawMessage) {
	l.Logger.Info("✅ Finished stage", "stage", name, "durationMs", duration.Milliseconds())
}

func (l *LogHook) OnStageError(name string, attempt int, err error) {
	l.Logger.Error("Stage failed", "stage", name, "attempt", attempt, "error", err)
}
