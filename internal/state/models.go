package state

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// RunMode records what a run was asked to do.
type RunMode string

const (
	RunModeFull         RunMode = "full"
	RunModeSyntaxOnly   RunMode = "syntax-only"
	RunModeGenerateOnly RunMode = "generate-only"
	RunModeDiffOnly     RunMode = "diff-only"
	RunModeReduce       RunMode = "reduce"
)

type RunStatus string

const (
	RunStatusRunning     RunStatus = "running"
	RunStatusCompleted   RunStatus = "completed"
	RunStatusFailed      RunStatus = "failed"
	RunStatusInterrupted RunStatus = "interrupted"
)

// Run is the persisted metadata of one gpudiff invocation.
type Run struct {
	RunID       string     `json:"run_id"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time"`
	Mode        RunMode    `json:"mode"`
	Status      RunStatus  `json:"status"`
	Seed        *int64     `json:"seed"`
	Backends    []string   `json:"backends"`
	Batches     int        `json:"batches"`
	Tests       int        `json:"tests"`
	Divergences int        `json:"divergences"`
	Failure     *Failure   `json:"failure,omitempty"`
}

func (r Run) Validate() error {
	var errs []error
	if strings.TrimSpace(r.RunID) == "" {
		errs = append(errs, errors.New("run_id is required"))
	}
	if r.StartTime.IsZero() {
		errs = append(errs, errors.New("start_time is required"))
	}
	switch r.Mode {
	case RunModeFull, RunModeSyntaxOnly, RunModeGenerateOnly, RunModeDiffOnly, RunModeReduce:
	default:
		errs = append(errs, fmt.Errorf("invalid mode %q", r.Mode))
	}
	switch r.Status {
	case RunStatusRunning, RunStatusCompleted, RunStatusFailed, RunStatusInterrupted:
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", r.Status))
	}
	if r.Batches < 0 || r.Tests < 0 || r.Divergences < 0 {
		errs = append(errs, errors.New("counters must be >= 0"))
	}
	if r.Status == RunStatusFailed && r.Failure == nil {
		errs = append(errs, errors.New("failure is required for a failed run"))
	}
	if r.Failure != nil {
		if err := r.Failure.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

type FailureClass string

const (
	FailureClassConfiguration FailureClass = "configuration"
	FailureClassBackend       FailureClass = "backend"
	FailureClassGenerator     FailureClass = "generator"
	FailureClassSystem        FailureClass = "system"
)

// Failure is the reason a run terminated early.
type Failure struct {
	FailureClass FailureClass `json:"failure_class"`
	ErrorMessage string       `json:"error_message"`
}

func (f Failure) Validate() error {
	var errs []error
	switch f.FailureClass {
	case FailureClassConfiguration, FailureClassBackend, FailureClassGenerator, FailureClassSystem:
	default:
		errs = append(errs, fmt.Errorf("invalid failure_class %q", f.FailureClass))
	}
	if strings.TrimSpace(f.ErrorMessage) == "" {
		errs = append(errs, errors.New("error_message is required"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

type DivergenceStatus string

const (
	// DivergenceStatusPending is a retained case awaiting reduction.
	DivergenceStatusPending DivergenceStatus = "pending"
	// DivergenceStatusReduced is a case consumed by a reducer.
	DivergenceStatusReduced DivergenceStatus = "reduced"
)

// Divergence is the durable record of a retained divergent test case.
//
// Classes hold backend names, one list per equivalence class, in the order
// produced by clustering. Shader is empty when the program was already gone
// at retention time.
type Divergence struct {
	GlobalID  int64             `json:"global_id"`
	Index     int               `json:"index"`
	Seed      int64             `json:"seed"`
	RunID     string            `json:"run_id"`
	Shader    string            `json:"shader"`
	Artifacts map[string]string `json:"artifacts"`
	Backends  []string          `json:"backends"`
	Classes   [][]string        `json:"classes"`
	Severity  string            `json:"severity"`
	Status    DivergenceStatus  `json:"status"`
	Reduction *Reduction        `json:"reduction,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Reduction is the outcome of handing a divergence to a reducer.
type Reduction struct {
	Reducer    string    `json:"reducer"`
	Result     string    `json:"result"`
	ExitCode   int       `json:"exit_code"`
	FinishedAt time.Time `json:"finished_at"`
}

func (d Divergence) Validate() error {
	var errs []error
	if d.GlobalID != d.Seed+int64(d.Index) {
		errs = append(errs, fmt.Errorf("global_id %d must equal seed %d + index %d", d.GlobalID, d.Seed, d.Index))
	}
	if d.Index < 0 {
		errs = append(errs, errors.New("index must be >= 0"))
	}
	if len(d.Classes) < 2 {
		errs = append(errs, errors.New("classes must hold at least two entries"))
	}
	seen := map[string]bool{}
	for _, c := range d.Classes {
		if len(c) == 0 {
			errs = append(errs, errors.New("classes must not be empty"))
		}
		for _, name := range c {
			if seen[name] {
				errs = append(errs, fmt.Errorf("backend %q appears in more than one class", name))
			}
			seen[name] = true
		}
	}
	switch d.Status {
	case DivergenceStatusPending:
	case DivergenceStatusReduced:
		if d.Reduction == nil {
			errs = append(errs, errors.New("reduction is required for a reduced divergence"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", d.Status))
	}
	if d.CreatedAt.IsZero() {
		errs = append(errs, errors.New("created_at is required"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
