package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"text/template"

	"github.com/flowline-dev/flowline/internal/config"
	"github.com/flowline-dev/flowline/internal/retry"
	"github.com/flowline-dev/flowline/internal/stage"
)

type templateParams struct {
	Template string `yaml:"template"`
}

// templateStage renders a Go text/template whose data is the map of prior
// stage outputs, each decoded from JSON. `{{.script.word_count}}` reads the
// word_count field of the script stage's output.
type templateStage struct {
	tmpl *template.Template
}

func newTemplateStage(def config.Stage) (stage.Stage, error) {
	var p templateParams
	if err := decodeParams(def, &p); err != nil {
		return nil, err
	}
	tmpl, err := template.New(def.Name).Parse(p.Template)
	if err != nil {
		return nil, fmt.Errorf("stage %q: parse template: %w", def.Name, err)
	}
	return &templateStage{tmpl: tmpl}, nil
}

func (s *templateStage) Execute(ctx context.Context, in stage.Input) (json.RawMessage, error) {
	data := make(map[string]any, len(in.Outputs()))
	for name, blob := range in.Outputs() {
		var v any
		if err := json.Unmarshal(blob, &v); err != nil {
			v = string(blob)
		}
		data[name] = v
	}

	var buf bytes.Buffer
	if err := s.tmpl.Execute(&buf, data); err != nil {
		return nil, retry.PermanentErr(fmt.Errorf("render template: %w", err))
	}
	return json.Marshal(map[string]string{"rendered": buf.String()})
}

// Retryable: template rendering is deterministic, nothing transient about it.
func (s *templateStage) Retryable(err error) bool { return false }
