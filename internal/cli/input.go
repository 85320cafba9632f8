package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gpudiff/internal/batch"
	"gpudiff/internal/config"
	"gpudiff/internal/core"
)

// Exit codes are part of the CLI contract.
const (
	ExitSuccess           = 0
	ExitDivergence        = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
	ExitBackendError      = 5
	ExitGeneratorError    = 6
	ExitInterrupted       = 130
)

// ErrDivergencesFound is returned by a run with --fail-on-divergence that
// retained at least one case.
var ErrDivergencesFound = errors.New("divergences found")

// InvocationError is a user-facing error with a fixed exit code.
type InvocationError struct {
	ExitCode int
	Message  string
	Err      error
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *InvocationError) Unwrap() error { return e.Err }

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

// ExitCode maps err to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ie *InvocationError
	if errors.As(err, &ie) {
		return ie.ExitCode
	}
	switch {
	case errors.Is(err, ErrDivergencesFound):
		return ExitDivergence
	case errors.Is(err, config.ErrInvalidConfig),
		errors.Is(err, config.ErrNoReducer),
		errors.Is(err, config.ErrReducerNotFound),
		errors.Is(err, batch.ErrTooFewBackends):
		return ExitConfigError
	case errors.Is(err, core.ErrBackendValidation):
		return ExitBackendError
	case errors.Is(err, batch.ErrGeneratorFailed):
		return ExitGeneratorError
	case errors.Is(err, context.Canceled):
		return ExitInterrupted
	default:
		return ExitInternalError
	}
}

// runFlags are the flags of the root command.
type runFlags struct {
	seed             int64
	seedSet          bool
	shaderCount      int
	syntaxOnly       bool
	generateOnly     bool
	noGeneration     bool
	diffOnly         bool
	noValidation     bool
	revalidate       bool
	continuous       bool
	maxBatches       int
	reduce           bool
	reducer          string
	reduceTimeout    bool
	jobs             int
	timeout          time.Duration
	tracePath        string
	failOnDivergence bool
	noProgress       bool
}

func (f *runFlags) validate() error {
	if f.shaderCount <= 0 {
		return invalidInvocationf("--shader-count must be positive, got %d", f.shaderCount)
	}
	if f.jobs < 1 {
		return invalidInvocationf("--jobs must be >= 1, got %d", f.jobs)
	}
	if f.maxBatches < 0 {
		return invalidInvocationf("--max-batches must be >= 0, got %d", f.maxBatches)
	}
	if f.timeout < 0 {
		return invalidInvocationf("--timeout must be >= 0, got %s", f.timeout)
	}
	if f.generateOnly && f.diffOnly {
		return invalidInvocationf("--generate-only and --diff-files-only are mutually exclusive")
	}
	if f.generateOnly && f.noGeneration {
		return invalidInvocationf("--generate-only and --no-generation are mutually exclusive")
	}
	if f.maxBatches > 0 && !f.continuous {
		return invalidInvocationf("--max-batches requires --continuous")
	}
	return nil
}

func (f *runFlags) options() batch.Options {
	return batch.Options{
		Seed:                f.seed,
		SeedSet:             f.seedSet,
		ShaderCount:         f.shaderCount,
		SyntaxOnly:          f.syntaxOnly,
		GenerateOnly:        f.generateOnly,
		NoGeneration:        f.noGeneration,
		DiffOnly:            f.diffOnly,
		ValidateBackends:    !f.noValidation,
		RevalidateEachBatch: f.revalidate,
		Continuous:          f.continuous,
		MaxBatches:          f.maxBatches,
		Reduce:              f.reduce,
		ReduceTimeouts:      f.reduceTimeout,
		Jobs:                f.jobs,
		Timeout:             f.timeout,
	}
}

// globalFlags are shared by every command.
type globalFlags struct {
	configFile  string
	logLevel    string
	metricsAddr string
}

func parseLogLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, invalidInvocationf("invalid --log-level %q", s)
	}
	return lvl, nil
}
