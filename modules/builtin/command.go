package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/flowline-dev/flowline/internal/config"
	"github.com/flowline-dev/flowline/internal/ctxlog"
	"github.com/flowline-dev/flowline/internal/retry"
	"github.com/flowline-dev/flowline/internal/stage"
)

type commandParams struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Dir     string   `yaml:"dir"`
}

type commandStage struct {
	params commandParams
}

type commandOutput struct {
	Stdout   string `json:"stdout"`
	ExitCode int    `json:"exitCode"`
}

func newCommandStage(def config.Stage) (stage.Stage, error) {
	var p commandParams
	if err := decodeParams(def, &p); err != nil {
		return nil, err
	}
	if p.Command == "" {
		return nil, fmt.Errorf("stage %q: params.command is required", def.Name)
	}
	return &commandStage{params: p}, nil
}

func (s *commandStage) Execute(ctx context.Context, in stage.Input) (json.RawMessage, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Running command", "command", s.params.Command, "args", s.params.Args)

	cmd := exec.CommandContext(ctx, s.params.Command, s.params.Args...)
	cmd.Dir = s.params.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := commandOutput{Stdout: strings.TrimRight(stdout.String(), "\n")}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			return nil, fmt.Errorf("%s exited with code %d: %s", s.params.Command, out.ExitCode, strings.TrimSpace(stderr.String()))
		}
		// Could not start at all: a missing binary will not fix itself.
		return nil, retry.PermanentErr(fmt.Errorf("start %s: %w", s.params.Command, err))
	}
	return json.Marshal(out)
}

// Retryable treats a non-zero exit as transient; flaky tools and rate-limited
// CLIs dominate this failure mode.
func (s *commandStage) Retryable(err error) bool {
	return !retry.IsPermanent(err)
}
