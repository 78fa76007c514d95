package builtin

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/flowline-dev/flowline/internal/config"
	"github.com/flowline-dev/flowline/internal/stage"
)

type sleepParams struct {
	Duration config.Duration `yaml:"duration"`
}

type sleepStage struct {
	params sleepParams
}

func newSleepStage(def config.Stage) (stage.Stage, error) {
	var p sleepParams
	if err := decodeParams(def, &p); err != nil {
		return nil, err
	}
	return &sleepStage{params: p}, nil
}

func (s *sleepStage) Execute(ctx context.Context, in stage.Input) (json.RawMessage, error) {
	d := s.params.Duration.Duration()
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return json.Marshal(map[string]int64{"sleptMs": d.Milliseconds()})
}

type envParams struct {
	Vars []string `yaml:"vars"`
}

// envStage snapshots selected environment variables so later stages can
// reference them through conditions or templates.
type envStage struct {
	params envParams
}

func newEnvStage(def config.Stage) (stage.Stage, error) {
	var p envParams
	if err := decodeParams(def, &p); err != nil {
		return nil, err
	}
	return &envStage{params: p}, nil
}

func (s *envStage) Execute(ctx context.Context, in stage.Input) (json.RawMessage, error) {
	values := make(map[string]string, len(s.params.Vars))
	for _, name := range s.params.Vars {
		values[name] = os.Getenv(name)
	}
	return json.Marshal(values)
}
