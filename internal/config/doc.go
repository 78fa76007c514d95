// Package config defines the declarative pipeline model and its YAML loader.
// A pipeline file names an ordered list of stages, their dependencies, and the
// retry/error policy applied to each. Loading substitutes ${VAR} and
// ${VAR:default} tokens from the process environment and reports every
// structural problem as a diagnostic rather than stopping at the first.
package config
