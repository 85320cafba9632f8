package core

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// DefaultTimeout bounds a single harness run when neither the request nor
// the engine sets one.
const DefaultTimeout = 30 * time.Second

//go:embed empty.shadertrap
var emptyProgram []byte

// ExecRequest describes one program to run on a list of backends.
type ExecRequest struct {
	// Program is the path of the test program. It is never modified.
	Program string

	// Backends are run in order, one at a time.
	Backends []Backend

	// TestID is appended to artifact names when non-empty.
	TestID string

	// ScratchDir is the harness working directory where buffer dumps
	// appear. Each concurrent request needs its own ScratchDir.
	ScratchDir string

	// DestDir receives the artifacts. Empty means ScratchDir.
	DestDir string

	// Timeout overrides Engine.Timeout when non-zero.
	Timeout time.Duration
}

// Engine runs test programs through the execution harness.
type Engine struct {
	// Harness is the path of the execution harness executable.
	Harness string

	// Runner starts the harness.
	Runner ProcessRunner

	// Logger receives per-run diagnostics. Nil means slog.Default().
	Logger *slog.Logger

	// Timeout bounds each harness run. Zero means DefaultTimeout.
	Timeout time.Duration
}

// NewEngine creates an Engine with the default timeout.
func NewEngine(harness string, runner ProcessRunner, logger *slog.Logger) *Engine {
	return &Engine{
		Harness: harness,
		Runner:  runner,
		Logger:  logger,
		Timeout: DefaultTimeout,
	}
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e *Engine) check() error {
	if e == nil {
		return errors.New("engine is nil")
	}
	if e.Harness == "" {
		return errors.New("harness path is required")
	}
	if e.Runner == nil {
		return errors.New("process runner is required")
	}
	return nil
}

// Execute runs req.Program once per backend and returns one result per
// backend, in input order.
//
// The execution flow per backend:
//  1. Run the harness with the backend environment and renderer assertion
//  2. Classify: ok (success marker on stderr), error, or timeout
//  3. Discover the buffer dumps in ScratchDir
//  4. Write the artifact (concatenated dumps, or the timeout payload)
//  5. Delete the discovered dumps from ScratchDir
//
// Steps 3-5 run whatever the outcome, so nothing leaks into the next
// backend's run. When the program does not exist, every backend is reported
// as OutcomeNotRun and ErrProgramNotFound is returned without starting any
// process. Other errors are I/O failures or context cancellation.
func (e *Engine) Execute(ctx context.Context, req ExecRequest) ([]BackendResult, error) {
	if err := e.check(); err != nil {
		return nil, err
	}

	if info, err := os.Stat(req.Program); err != nil || info.IsDir() {
		e.logger().Warn("program not found", slog.String("program", req.Program))
		results := make([]BackendResult, len(req.Backends))
		for i, b := range req.Backends {
			results[i] = BackendResult{Backend: b.Name, Outcome: OutcomeNotRun}
		}
		return results, fmt.Errorf("%w: %s", ErrProgramNotFound, req.Program)
	}

	scratch := req.ScratchDir
	if scratch == "" {
		scratch = "."
	}
	dest := req.DestDir
	if dest == "" {
		dest = scratch
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact dir: %w", err)
	}

	h := NewHarvester(scratch)
	// Artifacts written into the scratch dir by this request must not be
	// mistaken for dumps of a later backend.
	produced := make(map[string]bool, len(req.Backends))

	results := make([]BackendResult, 0, len(req.Backends))
	for _, b := range req.Backends {
		res, err := e.runBackend(ctx, h, req, b, dest, produced)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (e *Engine) runBackend(ctx context.Context, h *Harvester, req ExecRequest, b Backend, dest string, produced map[string]bool) (BackendResult, error) {
	name := ArtifactName(b.Name, req.TestID)
	artifact := filepath.Join(dest, name)
	if filepath.Clean(dest) == filepath.Clean(h.Dir) {
		produced[name] = true
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	log := e.logger().With(slog.String("program", req.Program), slog.String("backend", b.Name))

	start := time.Now()
	pr, runErr := e.Runner.Run(ctx, Command{
		Name:    e.Harness,
		Args:    []string{"--require-vendor-renderer-substring", b.Renderer, req.Program},
		Env:     b.Environment(),
		Dir:     h.Dir,
		Timeout: timeout,
	})
	res := BackendResult{Backend: b.Name, Artifact: artifact, Duration: time.Since(start)}

	if runErr != nil && ctx.Err() != nil {
		// Cancelled: still honour the cleanup obligation, but write nothing.
		if names, err := h.Discover(produced); err == nil {
			_ = h.Clean(names)
		}
		return res, runErr
	}

	switch {
	case runErr != nil:
		res.Outcome = OutcomeError
		log.Error("harness could not be started", slog.Any("error", runErr))
	case pr.TimedOut:
		res.Outcome = OutcomeTimeout
		log.Warn("timeout reached", slog.Duration("timeout", timeout))
	default:
		res.Stdout = pr.Stdout
		res.Stderr = pr.Stderr
		if bytes.Contains(pr.Stderr, []byte(SuccessMarker)) {
			res.Outcome = OutcomeOK
		} else {
			res.Outcome = OutcomeError
			log.Warn("execution error", slog.Int("exit_code", pr.ExitCode))
			log.Debug("harness output", slog.String("stdout", string(pr.Stdout)), slog.String("stderr", string(pr.Stderr)))
		}
	}

	if err := e.collect(h, produced, artifact, res.Outcome == OutcomeTimeout); err != nil {
		return res, err
	}
	return res, nil
}

// collect writes the artifact and removes the discovered dumps.
func (e *Engine) collect(h *Harvester, produced map[string]bool, artifact string, timedOut bool) error {
	names, err := h.Discover(produced)
	if err != nil {
		return err
	}

	var content []byte
	if timedOut {
		content = []byte(TimeoutPayload)
	} else if content, err = h.Concatenate(names); err != nil {
		_ = h.Clean(names)
		return err
	}

	if err := os.WriteFile(artifact, content, 0o644); err != nil {
		_ = h.Clean(names)
		return fmt.Errorf("writing artifact: %w", err)
	}
	return h.Clean(names)
}

// Validate runs a no-op program on every backend and requires the
// harness to report the backend's renderer on stdout.
//
// Validation is all-or-nothing: the first backend that is unreachable or
// misidentified stops validation with a *BackendError. program may be empty,
// in which case a minimal built-in program is used. Buffer dumps left in
// scratchDir are removed after each run.
func (e *Engine) Validate(ctx context.Context, backends []Backend, program, scratchDir string) error {
	if err := e.check(); err != nil {
		return err
	}
	if program == "" {
		tmp, err := writeEmptyProgram()
		if err != nil {
			return err
		}
		defer os.Remove(tmp)
		program = tmp
	}
	if scratchDir == "" {
		scratchDir = "."
	}
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	h := NewHarvester(scratchDir)
	for _, b := range backends {
		pr, err := e.Runner.Run(ctx, Command{
			Name:    e.Harness,
			Args:    []string{"--show-gl-info", "--require-vendor-renderer-substring", b.Renderer, program},
			Env:     b.Environment(),
			Dir:     scratchDir,
			Timeout: timeout,
		})
		if serr := h.Sweep(); serr != nil {
			e.logger().Warn("cleaning validation dumps", slog.Any("error", serr))
		}
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			return &BackendError{Backend: b.Name, Reason: "harness could not be started", Err: err}
		}
		if pr.TimedOut {
			return &BackendError{Backend: b.Name, Reason: "validation run timed out"}
		}
		if !bytes.Contains(pr.Stdout, []byte(b.Renderer)) {
			return &BackendError{
				Backend: b.Name,
				Reason:  fmt.Sprintf("renderer %q not reported", b.Renderer),
				Stdout:  pr.Stdout,
				Stderr:  pr.Stderr,
			}
		}
		e.logger().Debug("backend validated", slog.String("backend", b.Name))
	}
	return nil
}

func writeEmptyProgram() (string, error) {
	f, err := os.CreateTemp("", "gpudiff-empty-*.shadertrap")
	if err != nil {
		return "", fmt.Errorf("creating empty program: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(emptyProgram); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("writing empty program: %w", err)
	}
	return f.Name(), nil
}
