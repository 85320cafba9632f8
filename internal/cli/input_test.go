package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"gpudiff/internal/batch"
	"gpudiff/internal/config"
	"gpudiff/internal/core"
	"gpudiff/internal/state"
)

func TestExitCode_Mapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"invocation", invalidInvocationf("bad"), ExitInvalidInvocation},
		{"config", fmt.Errorf("%w: boom", config.ErrInvalidConfig), ExitConfigError},
		{"no reducer", config.ErrNoReducer, ExitConfigError},
		{"unknown reducer", fmt.Errorf("%w: %q", config.ErrReducerNotFound, "x"), ExitConfigError},
		{"one backend", fmt.Errorf("%w: only one", batch.ErrTooFewBackends), ExitConfigError},
		{"backend", &core.BackendError{Backend: "a", Reason: "gone"}, ExitBackendError},
		{"generator", fmt.Errorf("%w: exit 1", batch.ErrGeneratorFailed), ExitGeneratorError},
		{"divergence", fmt.Errorf("%w: 2", ErrDivergencesFound), ExitDivergence},
		{"canceled", fmt.Errorf("batch: %w", context.Canceled), ExitInterrupted},
		{"other", errors.New("disk on fire"), ExitInternalError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExitCode(tc.err); got != tc.want {
				t.Fatalf("ExitCode(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}

func TestInvocationError_CarriesExitCode(t *testing.T) {
	cause := errors.New("cause")
	err := fmt.Errorf("wrapped: %w", &InvocationError{ExitCode: ExitConfigError, Err: cause})
	if got := ExitCode(err); got != ExitConfigError {
		t.Fatalf("expected %d, got %d", ExitConfigError, got)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable")
	}
	if err.Error() != "wrapped: cause" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func validFlags() runFlags {
	return runFlags{shaderCount: 50, jobs: 1}
}

func TestRunFlags_Validate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*runFlags)
	}{
		{"zero shader count", func(f *runFlags) { f.shaderCount = 0 }},
		{"zero jobs", func(f *runFlags) { f.jobs = 0 }},
		{"negative max batches", func(f *runFlags) { f.maxBatches = -1; f.continuous = true }},
		{"negative timeout", func(f *runFlags) { f.timeout = -1 }},
		{"generate and diff", func(f *runFlags) { f.generateOnly = true; f.diffOnly = true }},
		{"generate without generation", func(f *runFlags) { f.generateOnly = true; f.noGeneration = true }},
		{"max batches without continuous", func(f *runFlags) { f.maxBatches = 3 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := validFlags()
			tc.mutate(&f)
			err := f.validate()
			if ExitCode(err) != ExitInvalidInvocation {
				t.Fatalf("expected invalid invocation, got %v", err)
			}
		})
	}

	f := validFlags()
	if err := f.validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestRunFlags_Options(t *testing.T) {
	f := runFlags{seed: 7, seedSet: true, shaderCount: 3, jobs: 2, noValidation: true, reduce: true, reduceTimeout: true}
	opts := f.options()
	if !opts.SeedSet || opts.Seed != 7 || opts.ShaderCount != 3 || opts.Jobs != 2 {
		t.Fatalf("unexpected options: %+v", opts)
	}
	if opts.ValidateBackends {
		t.Fatalf("--no-compiler-validation must disable validation")
	}
	if !opts.Reduce || !opts.ReduceTimeouts {
		t.Fatalf("reduction flags not carried: %+v", opts)
	}
}

func TestParseLogLevel(t *testing.T) {
	lvl, err := parseLogLevel("debug")
	if err != nil || lvl != slog.LevelDebug {
		t.Fatalf("got %v, %v", lvl, err)
	}
	if _, err := parseLogLevel("chatty"); ExitCode(err) != ExitInvalidInvocation {
		t.Fatalf("expected invalid invocation, got %v", err)
	}
}

func TestFailureClass(t *testing.T) {
	cases := map[error]state.FailureClass{
		nil:                              "",
		context.Canceled:                 "",
		config.ErrNoReducer:              state.FailureClassConfiguration,
		&core.BackendError{Backend: "a"}: state.FailureClassBackend,
		batch.ErrGeneratorFailed:         state.FailureClassGenerator,
		errors.New("unexpected"):         state.FailureClassSystem,
	}
	for err, want := range cases {
		if got := failureClass(err); got != want {
			t.Fatalf("failureClass(%v) = %q, want %q", err, got, want)
		}
	}
}

func TestTraceKey_IndependentOfRun(t *testing.T) {
	f := runFlags{seed: 5, seedSet: true, shaderCount: 4}
	if got := traceKey(&f, []string{"a", "b"}); got != "seed=5;count=4;backends=a,b" {
		t.Fatalf("unexpected key %q", got)
	}
	f.seedSet = false
	if got := traceKey(&f, []string{"a"}); got != "seed=generator;count=4;backends=a" {
		t.Fatalf("unexpected key %q", got)
	}
}
