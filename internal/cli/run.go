package cli

import (
	"context"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"gpudiff/internal/config"
)

// DefaultReducer is the reducer selected when --reducer is not given.
const DefaultReducer = "glsl-reduce"

// Run is a high-level CLI entrypoint suitable for black-box tests.
// It accepts the argument slice (excluding argv[0]) and returns the semantic
// exit code plus any error.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) (CLIResult, error) {
	a := &app{
		log:    slog.New(slog.NewTextHandler(stderr, nil)),
		out:    stdout,
		errOut: stderr,
	}
	root := newRootCommand(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	return CLIResult{ExitCode: ExitCode(err), Summary: a.summary}, err
}

func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return invalidInvocationf("unexpected argument %q for %q", args[0], cmd.CommandPath())
	}
	return nil
}

func newRootCommand(a *app) *cobra.Command {
	rf := &runFlags{}
	root := &cobra.Command{
		Use:   "gpudiff",
		Short: "Differential testing of GPU shader compilers",
		Long: `gpudiff generates random shader programs, runs each of them on every
configured GPU backend and compares the dumped buffers. Programs whose
outputs disagree are retained together with the per-backend buffers and
optionally handed to a reducer.`,
		Args:          noArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			lvl, err := parseLogLevel(a.global.logLevel)
			if err != nil {
				return err
			}
			a.log = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: lvl}))
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			rf.seedSet = cmd.Flags().Changed("seed") && rf.seed != -1
			if err := rf.validate(); err != nil {
				return err
			}
			return a.executeRun(cmd.Context(), rf)
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &InvocationError{ExitCode: ExitInvalidInvocation, Message: err.Error(), Err: err}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&a.global.configFile, "config-file", config.DefaultPath, "path of the YAML configuration file")
	pf.StringVar(&a.global.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	pf.StringVar(&a.global.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")

	f := root.Flags()
	f.Int64Var(&rf.seed, "seed", -1, "generator seed; -1 lets the generator choose")
	f.IntVar(&rf.shaderCount, "shader-count", 50, "number of programs per batch")
	f.BoolVar(&rf.syntaxOnly, "syntax-only", false, "only check that the programs compile on the first backend")
	f.BoolVar(&rf.generateOnly, "generate-only", false, "only generate programs")
	f.BoolVar(&rf.noGeneration, "no-generation", false, "reuse the programs already in the shader output directory")
	f.BoolVar(&rf.diffOnly, "diff-files-only", false, "only compare the buffers already in the dump directory")
	f.BoolVar(&rf.noValidation, "no-compiler-validation", false, "skip backend validation")
	f.BoolVar(&rf.revalidate, "revalidate", false, "validate the backends before every batch")
	f.BoolVar(&rf.continuous, "continuous", false, "process batches until interrupted")
	f.IntVar(&rf.maxBatches, "max-batches", 0, "stop a continuous run after this many batches (0 means unbounded)")
	f.BoolVar(&rf.reduce, "reduce", false, "reduce every retained program")
	f.StringVar(&rf.reducer, "reducer", DefaultReducer, "name of the configured reducer")
	f.BoolVar(&rf.reduceTimeout, "reduce-timeout", false, "also reduce divergences caused by timeouts")
	f.IntVar(&rf.jobs, "jobs", 1, "number of tests executed in parallel")
	f.DurationVar(&rf.timeout, "timeout", 0, "per-run harness timeout (0 uses the configured timeout)")
	f.StringVar(&rf.tracePath, "trace", "", "write the canonical execution trace to this file")
	f.BoolVar(&rf.failOnDivergence, "fail-on-divergence", false, "exit with status 1 when a divergence is retained")
	f.BoolVar(&rf.noProgress, "no-progress", false, "disable the progress bar")

	root.AddCommand(newValidateCommand(a), newReduceCommand(a), newRecordsCommand(a))
	return root
}

func newValidateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check that every configured backend is reachable and correctly identified",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.executeValidate(cmd.Context())
		},
	}
}

func newReduceCommand(a *app) *cobra.Command {
	var (
		reducer       string
		reduceTimeout bool
	)
	cmd := &cobra.Command{
		Use:   "reduce",
		Short: "Reduce the pending divergences recorded by earlier runs",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.executeReduce(cmd.Context(), reducer, reduceTimeout)
		},
	}
	cmd.Flags().StringVar(&reducer, "reducer", DefaultReducer, "name of the configured reducer")
	cmd.Flags().BoolVar(&reduceTimeout, "reduce-timeout", false, "also reduce divergences caused by timeouts")
	return cmd
}

func newRecordsCommand(a *app) *cobra.Command {
	var pending bool
	cmd := &cobra.Command{
		Use:   "records",
		Short: "List the retained divergences",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.executeRecords(pending)
		},
	}
	cmd.Flags().BoolVar(&pending, "pending", false, "only list divergences awaiting reduction")
	return cmd
}
