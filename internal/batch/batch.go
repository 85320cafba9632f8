package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"gpudiff/internal/compare"
	"gpudiff/internal/config"
	"gpudiff/internal/core"
	"gpudiff/internal/metrics"
	"gpudiff/internal/state"
	"gpudiff/internal/tools"
	"gpudiff/internal/trace"
)

var (
	// ErrTooFewBackends is returned when outputs must be compared but fewer
	// than two backends are configured, or when no backend is configured at
	// all.
	ErrTooFewBackends = errors.New("not enough backends configured")

	// ErrGeneratorFailed is returned when program generation fails.
	ErrGeneratorFailed = errors.New("generator failed")
)

// Generator produces test programs.
type Generator interface {
	Generate(ctx context.Context, req tools.GenerateRequest) (*tools.GenerateResult, error)
}

// Reducer minimizes a retained divergent program.
type Reducer interface {
	Reduce(ctx context.Context, req tools.ReduceRequest) (*tools.ReduceResult, error)
}

// Progress reports per-test progress. *progressbar.ProgressBar satisfies it.
type Progress interface {
	Add(n int) error
	Finish() error
}

type nopProgress struct{}

func (nopProgress) Add(int) error { return nil }
func (nopProgress) Finish() error { return nil }

// Options selects what a Run does.
type Options struct {
	// Seed is handed to the generator when SeedSet. In continuous mode it
	// advances by ShaderCount after every batch.
	Seed    int64
	SeedSet bool

	ShaderCount int

	SyntaxOnly   bool
	GenerateOnly bool
	NoGeneration bool
	DiffOnly     bool

	// ValidateBackends runs backend validation before the first execution;
	// RevalidateEachBatch repeats it before every batch.
	ValidateBackends    bool
	RevalidateEachBatch bool

	Continuous bool

	// MaxBatches bounds a continuous run when > 0.
	MaxBatches int

	Reduce         bool
	ReduceTimeouts bool

	// Jobs is the number of tests executed in parallel. Values < 1 mean 1.
	Jobs int

	// Timeout overrides the engine timeout per harness run when non-zero.
	Timeout time.Duration
}

// Summary accumulates what a Run did.
type Summary struct {
	RunID     string
	Backends  []string
	Batches   int
	Generated int
	Tests     int
	Skipped   int

	// Outcomes counts harness runs per backend and outcome.
	Outcomes map[string]map[core.Outcome]int

	// Divergences lists the global ids of retained cases, in order.
	Divergences []int64
	Severities  map[compare.Severity]int
	Reductions  map[tools.ReduceResultClass]int

	// LastSeed is the seed of the last processed batch.
	LastSeed int64
	Elapsed  time.Duration
}

func newSummary(runID string, backends []core.Backend) *Summary {
	s := &Summary{
		RunID:      runID,
		Backends:   core.BackendNames(backends),
		Outcomes:   make(map[string]map[core.Outcome]int, len(backends)),
		Severities: map[compare.Severity]int{},
		Reductions: map[tools.ReduceResultClass]int{},
	}
	for _, b := range backends {
		s.Outcomes[b.Name] = map[core.Outcome]int{}
	}
	return s
}

// Orchestrator runs batches. Its fields are set once before Run and not
// modified afterwards.
type Orchestrator struct {
	Dirs     config.Dirs
	Backends []core.Backend
	Engine   *core.Engine

	// Generator is required unless generation is skipped.
	Generator Generator

	// Reducer is required when Options.Reduce is set.
	Reducer     Reducer
	ReducerName string

	// Store receives divergence records. Nil disables persistence.
	Store *state.Store
	RunID string

	Trace   trace.Sink
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// Out receives the user-facing progress lines. Nil discards them.
	Out io.Writer

	// NewProgress creates a progress reporter for total tests. Nil means no
	// progress reporting.
	NewProgress func(total int, desc string) Progress

	// Now returns the current time. Nil means time.Now.
	Now func() time.Time

	mu sync.Mutex
}

// batchState is threaded through the batches of one Run.
type batchState struct {
	seed      int64
	seedSet   bool
	validated bool
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

func (o *Orchestrator) printf(format string, args ...any) {
	if o.Out == nil {
		return
	}
	fmt.Fprintf(o.Out, format+"\n", args...)
}

func (o *Orchestrator) progress(total int, desc string) Progress {
	if o.NewProgress == nil {
		return nopProgress{}
	}
	if p := o.NewProgress(total, desc); p != nil {
		return p
	}
	return nopProgress{}
}

func (o *Orchestrator) check(opts Options) error {
	if opts.ShaderCount <= 0 {
		return fmt.Errorf("shader count must be positive, got %d", opts.ShaderCount)
	}
	if len(o.Backends) == 0 {
		return fmt.Errorf("%w: none configured", ErrTooFewBackends)
	}
	if err := o.Dirs.Check(); err != nil {
		return err
	}
	compares := !opts.GenerateOnly && !(opts.SyntaxOnly && !opts.DiffOnly)
	if compares && len(o.Backends) < 2 {
		return fmt.Errorf("%w: impossible to compare outputs for only one backend", ErrTooFewBackends)
	}
	generates := !opts.DiffOnly && !opts.NoGeneration
	if generates && o.Generator == nil {
		return errors.New("generator is required")
	}
	executes := !opts.DiffOnly && !opts.GenerateOnly
	if (executes || opts.ValidateBackends) && o.Engine == nil {
		return errors.New("engine is required")
	}
	if opts.Reduce && o.Reducer == nil {
		return errors.New("reducer is required for reduction")
	}
	return nil
}

// Run processes one batch, or batches until ctx is done or MaxBatches is
// reached when opts.Continuous is set.
//
// Per-test failures never abort the run. Generator failure returns an
// error wrapping ErrGeneratorFailed before any file is moved; backend
// validation failure returns a *core.BackendError before any execution.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*Summary, error) {
	if err := o.check(opts); err != nil {
		return nil, err
	}
	start := time.Now()
	sum := newSummary(o.RunID, o.Backends)
	defer func() { sum.Elapsed = time.Since(start) }()

	st := &batchState{seed: opts.Seed, seedSet: opts.SeedSet}
	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		finished, err := o.runBatch(ctx, opts, st, n, sum)
		if err != nil {
			return sum, err
		}
		if finished {
			return sum, nil
		}

		sum.Batches++
		o.Metrics.Batch()
		o.printf("Batch %d processed", n)

		if !opts.Continuous || (opts.MaxBatches > 0 && n >= opts.MaxBatches) {
			return sum, nil
		}
		if st.seedSet {
			st.seed += int64(opts.ShaderCount)
		}
	}
}

// runBatch returns finished=true when the mode ends the run after this
// batch's early steps (generate-only, syntax-only).
func (o *Orchestrator) runBatch(ctx context.Context, opts Options, st *batchState, n int, sum *Summary) (bool, error) {
	log := o.logger().With(slog.Int("batch", n))
	seed := st.seed

	if !opts.DiffOnly && !opts.NoGeneration {
		generated, err := o.generate(ctx, opts, st)
		if err != nil {
			return false, err
		}
		seed = generated
		sum.Generated += opts.ShaderCount
	}
	sum.LastSeed = seed
	if opts.GenerateOnly {
		return true, nil
	}

	if !opts.DiffOnly {
		if opts.SyntaxOnly {
			return true, o.syntaxPass(ctx, opts)
		}
		if opts.ValidateBackends && (!st.validated || opts.RevalidateEachBatch) {
			if err := o.ValidateBackends(ctx); err != nil {
				return false, err
			}
			st.validated = true
		}
		if err := o.execute(ctx, opts, seed, n, sum); err != nil {
			return false, err
		}
	}

	retained, err := o.compareBatch(seed, opts.ShaderCount, sum)
	if err != nil {
		return false, err
	}
	log.Info("batch compared", slog.Int64("seed", seed), slog.Int("divergences", len(retained)))

	if opts.Reduce {
		for _, d := range retained {
			if err := o.reduceOne(ctx, d, opts.ReduceTimeouts, sum); err != nil {
				return false, err
			}
		}
	}
	return false, nil
}

func (o *Orchestrator) generate(ctx context.Context, opts Options, st *batchState) (int64, error) {
	if err := os.MkdirAll(o.Dirs.ShaderOutput, 0o755); err != nil {
		return 0, fmt.Errorf("creating shader output dir: %w", err)
	}
	req := tools.GenerateRequest{Count: opts.ShaderCount, OutputDir: o.Dirs.ShaderOutput}
	if st.seedSet {
		s := st.seed
		req.Seed = &s
	}

	res, err := o.Generator.Generate(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, err
		}
		o.printf("error with the generator, please fix it before running again")
		if res != nil && len(res.Output) > 0 {
			o.printf("%s", res.Output)
		}
		return 0, fmt.Errorf("%w: %w", ErrGeneratorFailed, err)
	}
	if res.SeedReported {
		o.printf("Seed: %d", res.Seed)
	}
	o.Metrics.Generated(opts.ShaderCount)
	o.printf("Generation of %d shaders done", opts.ShaderCount)
	return res.Seed, nil
}

// ValidateBackends checks every backend with the engine and prints the
// verdict. On failure the harness streams of the failing backend are
// printed and the *core.BackendError is returned.
func (o *Orchestrator) ValidateBackends(ctx context.Context) error {
	if o.Engine == nil {
		return errors.New("engine is required")
	}
	err := o.Engine.Validate(ctx, o.Backends, o.Dirs.EmptyProgram, o.Dirs.ExecDir)
	if err == nil {
		o.printf("compilers validated")
		return nil
	}
	var be *core.BackendError
	if errors.As(err, &be) {
		o.printf("compiler not found or not working: %s", be.Backend)
		if len(be.Stdout) > 0 {
			o.printf("%s", be.Stdout)
		}
		if len(be.Stderr) > 0 {
			o.printf("%s", be.Stderr)
		}
	}
	return err
}

// syntaxPass runs every program on the first backend only and reports
// per-test pass or fail.
func (o *Orchestrator) syntaxPass(ctx context.Context, opts Options) error {
	first := o.Backends[:1]
	h := core.NewHarvester(o.Dirs.ExecDir)
	p := o.progress(opts.ShaderCount, "syntax")
	defer p.Finish()

	for i := 0; i < opts.ShaderCount; i++ {
		results, err := o.Engine.Execute(ctx, core.ExecRequest{
			Program:    ProgramPath(o.Dirs.ShaderOutput, i),
			Backends:   first,
			ScratchDir: o.Dirs.ExecDir,
			Timeout:    opts.Timeout,
		})
		if err != nil && !errors.Is(err, core.ErrProgramNotFound) {
			return err
		}
		for _, r := range results {
			o.Metrics.ObserveRun(r.Backend, string(r.Outcome), r.Duration)
			if r.Artifact != "" {
				_ = os.Remove(r.Artifact)
			}
		}
		if len(results) == 0 || !results[0].OK() {
			o.printf("Error on shader %d", i)
		} else {
			o.printf("Shader %d validated", i)
		}
		_ = p.Add(1)
	}
	if err := h.Sweep(); err != nil {
		return err
	}
	o.printf("Compilation of all programs done")
	return nil
}

// ProgramPath returns the path of generated program i.
func ProgramPath(shaderDir string, i int) string {
	return filepath.Join(shaderDir, fmt.Sprintf("test_%d.shadertrap", i))
}

// execute runs every test of the batch on every backend into the dump dir.
func (o *Orchestrator) execute(ctx context.Context, opts Options, seed int64, n int, sum *Summary) error {
	dump := o.Dirs.DumpBufferDir
	if err := os.MkdirAll(dump, 0o755); err != nil {
		return fmt.Errorf("creating dump dir: %w", err)
	}
	if err := core.NewHarvester(dump).Sweep(); err != nil {
		return err
	}
	if err := core.NewHarvester(o.Dirs.ExecDir).Sweep(); err != nil {
		return err
	}

	p := o.progress(opts.ShaderCount, fmt.Sprintf("batch %d", n))
	defer p.Finish()

	jobs := opts.Jobs
	if jobs < 1 {
		jobs = 1
	}
	if jobs > opts.ShaderCount {
		jobs = opts.ShaderCount
	}
	if jobs == 1 {
		for i := 0; i < opts.ShaderCount; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := o.executeOne(ctx, opts, seed, i, o.Dirs.ExecDir, sum); err != nil {
				return err
			}
			_ = p.Add(1)
		}
		return nil
	}

	arenas := make(chan string, jobs)
	for slot := 0; slot < jobs; slot++ {
		dir := filepath.Join(o.Dirs.ExecDir, fmt.Sprintf(".gpudiff-arena-%d", slot))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating arena: %w", err)
		}
		defer os.RemoveAll(dir)
		arenas <- dir
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	for i := 0; i < opts.ShaderCount; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			arena := <-arenas
			defer func() { arenas <- arena }()
			if err := o.executeOne(gctx, opts, seed, i, arena, sum); err != nil {
				return err
			}
			_ = p.Add(1)
			return nil
		})
	}
	return g.Wait()
}

func (o *Orchestrator) executeOne(ctx context.Context, opts Options, seed int64, i int, scratch string, sum *Summary) error {
	results, err := o.Engine.Execute(ctx, core.ExecRequest{
		Program:    ProgramPath(o.Dirs.ShaderOutput, i),
		Backends:   o.Backends,
		TestID:     strconv.Itoa(i),
		ScratchDir: scratch,
		DestDir:    o.Dirs.DumpBufferDir,
		Timeout:    opts.Timeout,
	})
	if err != nil && !errors.Is(err, core.ErrProgramNotFound) {
		return err
	}

	testID := strconv.FormatInt(seed+int64(i), 10)
	o.mu.Lock()
	sum.Tests++
	for _, r := range results {
		sum.Outcomes[r.Backend][r.Outcome]++
	}
	o.mu.Unlock()

	for _, r := range results {
		if r.Outcome != core.OutcomeNotRun {
			o.Metrics.ObserveRun(r.Backend, string(r.Outcome), r.Duration)
		}
		trace.SafeRecord(o.Trace, trace.TraceEvent{Kind: outcomeEvent(r.Outcome), TestID: testID, Backend: r.Backend})
	}
	return nil
}

func outcomeEvent(o core.Outcome) trace.TraceEventKind {
	switch o {
	case core.OutcomeOK:
		return trace.EventTestExecuted
	case core.OutcomeTimeout:
		return trace.EventTestTimedOut
	case core.OutcomeNotRun:
		return trace.EventTestNotRun
	default:
		return trace.EventTestFailed
	}
}
