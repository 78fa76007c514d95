// Package condition evaluates the optional boolean expression a stage may
// declare over prior stage outputs. The grammar is native HCL expression
// syntax evaluated in a function-free context: literals, comparison, logical
// and arithmetic operators, and attribute/index traversal into the outputs of
// stages that already ran (e.g. `script.word_count > 100 && voice.status ==
// "ok"`). No arbitrary code can execute.
package condition

import (
	"encoding/json"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// Evaluate parses expr and evaluates it against the given stage outputs.
// Each output blob becomes a variable named after its stage. Referencing a
// stage with no recorded output is an error: config authors should see the
// mistake immediately rather than have the stage silently skipped.
func Evaluate(expr string, outputs map[string]json.RawMessage) (bool, error) {
	parsed, parseDiags := hclsyntax.ParseExpression([]byte(expr), "condition", hcl.InitialPos)
	if parseDiags.HasErrors() {
		return false, fmt.Errorf("parse condition %q: %s", expr, parseDiags.Error())
	}

	vars, err := outputVariables(outputs)
	if err != nil {
		return false, err
	}

	// No functions installed: evaluation stays side-effect free.
	val, evalDiags := parsed.Value(&hcl.EvalContext{Variables: vars})
	if evalDiags.HasErrors() {
		return false, fmt.Errorf("evaluate condition %q: %s", expr, evalDiags.Error())
	}

	boolVal, convErr := convert.Convert(val, cty.Bool)
	if convErr != nil {
		return false, fmt.Errorf("condition %q is not boolean: %w", expr, convErr)
	}
	if boolVal.IsNull() {
		return false, fmt.Errorf("condition %q evaluated to null", expr)
	}
	return boolVal.True(), nil
}

// outputVariables decodes each opaque output blob into a cty value. Blobs
// that are not valid JSON become strings, so plain-text stage outputs remain
// addressable.
func outputVariables(outputs map[string]json.RawMessage) (map[string]cty.Value, error) {
	vars := make(map[string]cty.Value, len(outputs))
	for name, blob := range outputs {
		ty, err := ctyjson.ImpliedType(blob)
		if err != nil {
			vars[name] = cty.StringVal(string(blob))
			continue
		}
		val, err := ctyjson.Unmarshal(blob, ty)
		if err != nil {
			return nil, fmt.Errorf("decode output of stage %q for condition: %w", name, err)
		}
		vars[name] = val
	}
	return vars, nil
}
