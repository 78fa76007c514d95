// Package cli parses the command-line surface of the flowline binary.
package cli

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/flowline-dev/flowline/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments for the `run` command. It returns a
// populated app.Config, a boolean indicating if the program should exit
// cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	flagSet := flag.NewFlagSet("flowline", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
Flowline - a checkpointed, declarative pipeline runner.

Usage:
  flowline run --pipeline-config PATH [options]

Options:
`)
		flagSet.PrintDefaults()
	}

	configFlag := flagSet.String("pipeline-config", "", "Path to the pipeline definition file (YAML or JSON).")
	checkpointFlag := flagSet.String("checkpoint", "", "Checkpoint file path. Default: next to the pipeline config.")
	dryRunFlag := flagSet.Bool("dry-run", false, "Validate and print the execution plan without running any stage.")
	verboseFlag := flagSet.Bool("verbose", false, "Enable debug logging.")
	rerunAllFlag := flagSet.Bool("rerun-all", false, "Ignore all completed checkpoint entries.")
	keepFlag := flagSet.Bool("keep-checkpoint", false, "Do not archive the checkpoint after a completed run.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Logging level. Options: 'debug', 'info', 'warn', 'error'.")

	var reruns stringList
	flagSet.Var(&reruns, "rerun", "Force the named stage to run again, ignoring its checkpoint entry. Repeatable.")

	if len(args) == 0 {
		flagSet.Usage()
		return nil, true, nil
	}
	if args[0] != "run" {
		return nil, false, &ExitError{Code: 2, Message: fmt.Sprintf("unknown command %q, expected 'run'", args[0])}
	}

	if err := flagSet.Parse(args[1:]); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	config, err := app.NewConfig(app.Config{
		PipelineConfig: *configFlag,
		CheckpointPath: *checkpointFlag,
		DryRun:         *dryRunFlag,
		Verbose:        *verboseFlag,
		Rerun:          reruns,
		RerunAll:       *rerunAllFlag,
		KeepCheckpoint: *keepFlag,
		LogFormat:      logFormat,
		LogLevel:       logLevel,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	return config, false, nil
}

// stringList collects a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}
