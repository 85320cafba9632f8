package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gpudiff/internal/batch"
	"gpudiff/internal/config"
	"gpudiff/internal/core"
	"gpudiff/internal/metrics"
	"gpudiff/internal/report"
	"gpudiff/internal/state"
	"gpudiff/internal/tools"
	"gpudiff/internal/trace"
)

// CLIResult is the outcome of one invocation.
type CLIResult struct {
	ExitCode int

	// Summary is set when a run or reduction got far enough to produce one.
	Summary *batch.Summary
}

// app carries per-invocation state shared by the commands.
type app struct {
	global globalFlags

	log    *slog.Logger
	out    io.Writer
	errOut io.Writer

	summary *batch.Summary
}

// session is everything built from a loaded configuration.
type session struct {
	cfg    *config.Config
	store  *state.Store
	runner core.ProcessRunner
	engine *core.Engine
}

func (a *app) openSession() (*session, error) {
	cfg, err := config.Load(a.global.configFile)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dirs.ExecDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating exec dir: %w", err)
	}
	store, err := state.NewStore(cfg.Dirs.StateDir)
	if err != nil {
		return nil, err
	}
	runner := core.NewExecRunner()
	engine := core.NewEngine(cfg.Dirs.Harness, runner, a.log)
	engine.Timeout = cfg.Execution.Timeout
	return &session{cfg: cfg, store: store, runner: runner, engine: engine}, nil
}

func (a *app) orchestrator(s *session, progress bool) *batch.Orchestrator {
	return &batch.Orchestrator{
		Dirs:     s.cfg.Dirs,
		Backends: s.cfg.Backends,
		Engine:   s.engine,
		Generator: &tools.Glslsmith{
			Root:    s.cfg.Dirs.GeneratorRoot,
			Command: s.cfg.Generator.Command,
			Args:    s.cfg.Generator.Args,
			Dir:     s.cfg.Dirs.ExecDir,
			Runner:  s.runner,
		},
		Store:       s.store,
		Metrics:     metrics.New(),
		Logger:      a.log,
		Out:         a.out,
		NewProgress: report.NewProgress(a.errOut, progress),
	}
}

func (s *session) reducer(name string) (*tools.CommandReducer, error) {
	rc, err := s.cfg.Reducer(name)
	if err != nil {
		return nil, err
	}
	return &tools.CommandReducer{
		Name:        rc.Name,
		Command:     rc.Command,
		Args:        rc.Args,
		HarnessName: s.cfg.Execution.HarnessName,
		Dir:         s.cfg.Dirs.ExecDir,
		Timeout:     s.cfg.Execution.ReduceTimeout,
		Runner:      s.runner,
	}, nil
}

func (a *app) serveMetrics(ctx context.Context, m *metrics.Metrics) {
	addr := a.global.metricsAddr
	if addr == "" {
		return
	}
	go func() {
		if err := m.Serve(ctx, addr); err != nil {
			a.log.Error("metrics endpoint failed", slog.String("addr", addr), slog.Any("error", err))
		}
	}()
	a.log.Info("serving metrics", slog.String("addr", addr))
}

// protect turns a panic in fn into an internal error.
func protect(fn func() (*batch.Summary, error)) (sum *batch.Summary, err error) {
	defer func() {
		if r := recover(); r != nil {
			sum = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func failureClass(err error) state.FailureClass {
	switch ExitCode(err) {
	case ExitSuccess, ExitInterrupted, ExitDivergence:
		return ""
	case ExitInvalidInvocation, ExitConfigError:
		return state.FailureClassConfiguration
	case ExitBackendError:
		return state.FailureClassBackend
	case ExitGeneratorError:
		return state.FailureClassGenerator
	default:
		return state.FailureClassSystem
	}
}

func runMode(f *runFlags) state.RunMode {
	switch {
	case f.generateOnly:
		return state.RunModeGenerateOnly
	case f.diffOnly:
		return state.RunModeDiffOnly
	case f.syntaxOnly:
		return state.RunModeSyntaxOnly
	default:
		return state.RunModeFull
	}
}

// traceKey identifies a run's inputs independently of its run id, so that
// repeated runs over the same inputs hash identically.
func traceKey(f *runFlags, backends []string) string {
	seed := "generator"
	if f.seedSet {
		seed = strconv.FormatInt(f.seed, 10)
	}
	return fmt.Sprintf("seed=%s;count=%d;backends=%s", seed, f.shaderCount, strings.Join(backends, ","))
}

func (a *app) finish(rec *state.Recorder, run state.Run, sum *batch.Summary, err error) {
	if sum != nil {
		run.Batches = sum.Batches
		run.Tests = sum.Tests
		run.Divergences = len(sum.Divergences)
	}
	if ferr := rec.FinishRun(run, failureClass(err), err); ferr != nil {
		a.log.Warn("recording run end", slog.String("run", run.RunID), slog.Any("error", ferr))
	}
}

// executeRun is the root command: generate, execute, compare and retain.
func (a *app) executeRun(ctx context.Context, f *runFlags) error {
	s, err := a.openSession()
	if err != nil {
		return err
	}
	o := a.orchestrator(s, !f.noProgress)
	if f.reduce {
		r, err := s.reducer(f.reducer)
		if err != nil {
			return err
		}
		o.Reducer, o.ReducerName = r, r.Name
	}
	var tr *trace.Recorder
	if f.tracePath != "" {
		tr = trace.NewRecorder()
		o.Trace = tr
	}

	rec := &state.Recorder{Store: s.store}
	run := state.Run{Mode: runMode(f), Backends: core.BackendNames(s.cfg.Backends)}
	if f.seedSet {
		seed := f.seed
		run.Seed = &seed
	}
	run, err = rec.StartRun(run)
	if err != nil {
		return fmt.Errorf("recording run start: %w", err)
	}
	o.RunID = run.RunID
	log := a.log.With(slog.String("run", run.RunID))
	log.Info("run started", slog.String("mode", string(run.Mode)), slog.Int("backends", len(run.Backends)))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.serveMetrics(ctx, o.Metrics)

	sum, runErr := protect(func() (*batch.Summary, error) { return o.Run(ctx, f.options()) })
	a.summary = sum

	if tr != nil {
		hash, err := tr.WriteFile(f.tracePath, traceKey(f, run.Backends))
		if err != nil && runErr == nil {
			runErr = fmt.Errorf("writing trace: %w", err)
		}
		if err == nil {
			log.Info("trace written", slog.String("path", f.tracePath), slog.String("hash", hash))
		}
	}
	a.finish(rec, run, sum, runErr)

	if sum != nil {
		fmt.Fprint(a.out, report.RenderSummary(sum))
	}
	if runErr != nil {
		return runErr
	}
	if f.failOnDivergence && len(sum.Divergences) > 0 {
		return fmt.Errorf("%w: %d case(s) retained", ErrDivergencesFound, len(sum.Divergences))
	}
	return nil
}

// executeValidate checks every configured backend and nothing else.
func (a *app) executeValidate(ctx context.Context) error {
	s, err := a.openSession()
	if err != nil {
		return err
	}
	return a.orchestrator(s, false).ValidateBackends(ctx)
}

// executeReduce hands every pending ledger record to the reducer.
func (a *app) executeReduce(ctx context.Context, reducer string, allowTimeouts bool) error {
	s, err := a.openSession()
	if err != nil {
		return err
	}
	r, err := s.reducer(reducer)
	if err != nil {
		return err
	}
	o := a.orchestrator(s, false)
	o.Reducer, o.ReducerName = r, r.Name

	rec := &state.Recorder{Store: s.store}
	run, err := rec.StartRun(state.Run{Mode: state.RunModeReduce, Backends: core.BackendNames(s.cfg.Backends)})
	if err != nil {
		return fmt.Errorf("recording run start: %w", err)
	}
	o.RunID = run.RunID

	sum, err := protect(func() (*batch.Summary, error) { return o.ReducePending(ctx, allowTimeouts) })
	a.summary = sum
	a.finish(rec, run, sum, err)

	if sum != nil {
		if len(sum.Divergences) == 0 {
			fmt.Fprintln(a.out, "no pending divergences")
		} else {
			fmt.Fprint(a.out, report.RenderSummary(sum))
		}
	}
	return err
}

// executeRecords lists the divergence ledger.
func (a *app) executeRecords(pendingOnly bool) error {
	s, err := a.openSession()
	if err != nil {
		return err
	}
	var records []state.Divergence
	if pendingOnly {
		records, err = s.store.Pending()
	} else {
		records, err = s.store.ListDivergences()
	}
	if err != nil {
		return err
	}
	fmt.Fprint(a.out, report.RenderRecords(records, time.Now()))
	fmt.Fprintf(a.out, "ledger: %s\n", s.store.Dir())
	return nil
}
