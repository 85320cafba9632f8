package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Recorder tracks the lifecycle of one run in the Store.
type Recorder struct {
	Store *Store

	// Now returns the current time. Nil means time.Now.
	Now func() time.Time
}

func (r *Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// NewRunID returns a fresh random run identifier.
func (r *Recorder) NewRunID() string {
	return uuid.NewString()
}

// StartRun persists run with status running.
func (r *Recorder) StartRun(run Run) (Run, error) {
	if r == nil || r.Store == nil {
		return Run{}, errors.New("Store is required")
	}
	if run.RunID == "" {
		run.RunID = r.NewRunID()
	}
	if run.StartTime.IsZero() {
		run.StartTime = r.now()
	}
	run.Status = RunStatusRunning
	if err := r.Store.SaveRun(run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// FinishRun persists the terminal state of run. A nil err completes the
// run; class and err describe a failure otherwise.
func (r *Recorder) FinishRun(run Run, class FailureClass, err error) error {
	if r == nil || r.Store == nil {
		return errors.New("Store is required")
	}
	end := r.now()
	run.EndTime = &end
	switch {
	case err == nil:
		run.Status = RunStatusCompleted
		run.Failure = nil
	case class == "":
		run.Status = RunStatusInterrupted
	default:
		run.Status = RunStatusFailed
		run.Failure = &Failure{FailureClass: class, ErrorMessage: err.Error()}
	}
	if serr := r.Store.SaveRun(run); serr != nil {
		return fmt.Errorf("recording run end: %w", serr)
	}
	return nil
}
