package tools

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gpudiff/internal/core"
)

// ReduceResultClass classifies a reducer exit.
type ReduceResultClass string

const (
	ReduceReduced        ReduceResultClass = "reduced"
	ReduceNotInteresting ReduceResultClass = "not-interesting"
	ReduceTimeout        ReduceResultClass = "timeout"
	ReduceError          ReduceResultClass = "error"
)

// ClassifyReducerExit maps a reducer exit code to a result class.
func ClassifyReducerExit(code int) ReduceResultClass {
	switch code {
	case 0:
		return ReduceReduced
	case 1:
		return ReduceNotInteresting
	case 2:
		return ReduceTimeout
	default:
		return ReduceError
	}
}

// ReduceRequest hands one retained divergent program to a reducer.
type ReduceRequest struct {
	// Shader is the retained program path.
	Shader string

	// Backends is the full backend set of the divergence, in configuration
	// order.
	Backends []string

	// Reference is the index of the reference backend, -1 for none.
	Reference int

	// AllowTimeout lets the reducer consider timeout divergences.
	AllowTimeout bool
}

// ReduceResult is the reducer outcome.
type ReduceResult struct {
	Class    ReduceResultClass
	ExitCode int
	Output   []byte
}

// CommandReducer runs a configured reducer executable as
//
//	<Command> <Args...> --shader S --backends a,b,c --reference R --harness H [--reduce-timeout]
type CommandReducer struct {
	Name        string
	Command     string
	Args        []string
	HarnessName string

	// Dir is the reducer working directory.
	Dir string

	// Timeout bounds one reduction. Zero means none.
	Timeout time.Duration

	Runner core.ProcessRunner
}

// Reduce runs the reducer on one program.
func (r *CommandReducer) Reduce(ctx context.Context, req ReduceRequest) (*ReduceResult, error) {
	if r.Runner == nil {
		return nil, errors.New("process runner is required")
	}
	if r.Command == "" {
		return nil, fmt.Errorf("reducer %q has no command", r.Name)
	}
	if len(req.Backends) < 2 {
		return nil, fmt.Errorf("reduction needs at least two backends, got %d", len(req.Backends))
	}

	args := append([]string(nil), r.Args...)
	args = append(args,
		"--shader", req.Shader,
		"--backends", strings.Join(req.Backends, ","),
		"--reference", strconv.Itoa(req.Reference),
		"--harness", r.HarnessName,
	)
	if req.AllowTimeout {
		args = append(args, "--reduce-timeout")
	}

	pr, err := r.Runner.Run(ctx, core.Command{Name: r.Command, Args: args, Dir: r.Dir, Timeout: r.Timeout})
	if err != nil {
		return nil, fmt.Errorf("running reducer %q: %w", r.Name, err)
	}
	if pr.TimedOut {
		return &ReduceResult{Class: ReduceTimeout, ExitCode: pr.ExitCode, Output: pr.Stdout}, nil
	}
	return &ReduceResult{
		Class:    ClassifyReducerExit(pr.ExitCode),
		ExitCode: pr.ExitCode,
		Output:   append(pr.Stdout, pr.Stderr...),
	}, nil
}
