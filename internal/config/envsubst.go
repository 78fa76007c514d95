package config

import (
	"os"
	"regexp"
	"strings"

	"github.com/flowline-dev/flowline/internal/diag"
)

// varPattern matches ${VAR} and ${VAR:default}. The default may be empty or
// contain anything except a closing brace.
var varPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([^}]*))?\}`)

// expandEnv substitutes environment variable references in raw config text.
// A reference to an unset variable with no default is left in place and
// reported as a ConfigError diagnostic; parsing still proceeds so later
// findings are not masked.
func expandEnv(raw string, lookup func(string) (string, bool)) (string, diag.List) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	var diags diag.List
	out := varPattern.ReplaceAllStringFunc(raw, func(token string) string {
		m := varPattern.FindStringSubmatch(token)
		name := m[1]
		if val, ok := lookup(name); ok {
			return val
		}
		// ${VAR:} is an explicit empty default; ${VAR} has none.
		if strings.Contains(token, ":") {
			return m[2]
		}
		diags = diags.Append(diag.ConfigError, "", "environment variable %s is not set and has no default", name)
		return token
	})
	return out, diags
}
