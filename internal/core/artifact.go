package core

import (
	"fmt"
	"time"
)

const (
	// BufferMarker is the substring that identifies buffer dump files written
	// by the harness, and the prefix of every artifact name.
	BufferMarker = "buffer_"

	// SuccessMarker is printed by the harness on stderr after a clean run.
	SuccessMarker = "SUCCESS!"

	// TimeoutPayload is the whole content of an artifact whose run timed out.
	TimeoutPayload = "timeout"
)

// ArtifactName returns the scratch name of the artifact for a backend and
// test id: buffer_<backend>.txt, or buffer_<backend>_<testID>.txt when
// testID is set.
func ArtifactName(backend, testID string) string {
	if testID == "" {
		return fmt.Sprintf("%s%s.txt", BufferMarker, backend)
	}
	return fmt.Sprintf("%s%s_%s.txt", BufferMarker, backend, testID)
}

// Outcome is how a single backend run ended.
type Outcome string

const (
	// OutcomeOK means the harness reported success.
	OutcomeOK Outcome = "ok"

	// OutcomeError means the harness ran but did not report success.
	OutcomeError Outcome = "error"

	// OutcomeTimeout means the harness was killed after the timeout.
	OutcomeTimeout Outcome = "timeout"

	// OutcomeNotRun means the harness was never started for this backend.
	OutcomeNotRun Outcome = "not-run"
)

// BackendResult is the result of running one program on one backend.
type BackendResult struct {
	// Backend is the backend name.
	Backend string

	// Outcome classifies the run.
	Outcome Outcome

	// Artifact is the path of the written artifact. Empty for OutcomeNotRun.
	Artifact string

	// Stdout and Stderr are the harness streams (nil on timeout).
	Stdout []byte
	Stderr []byte

	// Duration is the wall time of the harness invocation.
	Duration time.Duration
}

// OK reports whether the run succeeded.
func (r BackendResult) OK() bool { return r.Outcome == OutcomeOK }

// Successes returns one success flag per result, in order.
func Successes(results []BackendResult) []bool {
	out := make([]bool, len(results))
	for i, r := range results {
		out[i] = r.OK()
	}
	return out
}
