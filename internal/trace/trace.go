package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ExecutionTrace is the canonical record of what a batch run decided.
//
// It captures logical outcomes only: no timestamps, durations, absolute
// paths or error strings. Two runs over the same inputs produce the same
// canonical bytes whatever the worker count or scheduling order.
//
// Key identifies the run inputs (seed, shader count, backends) so traces of
// different inputs never compare equal by accident.
type ExecutionTrace struct {
	Key    string
	Events []TraceEvent
}

// TraceEventKind discriminates TraceEvent. The string values are part of the
// canonical bytes; do not rename.
type TraceEventKind string

const (
	EventTestExecuted TraceEventKind = "TestExecuted"
	EventTestFailed   TraceEventKind = "TestFailed"
	EventTestTimedOut TraceEventKind = "TestTimedOut"
	EventTestNotRun   TraceEventKind = "TestNotRun"
	EventCaseAgreed   TraceEventKind = "CaseAgreed"
	EventCaseDiverged TraceEventKind = "CaseDiverged"
	EventCaseSkipped  TraceEventKind = "CaseSkipped"
	EventCaseReduced  TraceEventKind = "CaseReduced"
)

// TraceEvent is one logical outcome.
//
// Backend is set for per-backend events (Test*). Artifacts holds stable
// identifiers (base names), sorted on canonicalization.
type TraceEvent struct {
	Kind TraceEventKind

	// TestID is the global id of the test case.
	TestID string

	Backend string

	// Reason is a stable reason code, e.g. "MissingArtifact" or "mismatch".
	Reason string

	Artifacts []string
}

// Validate checks basic invariants and returns a descriptive error.
func (t *ExecutionTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.Key == "" {
		return errors.New("key is required")
	}
	for i, e := range t.Events {
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if e.TestID == "" {
			return fmt.Errorf("events[%d].testId is required for kind %q", i, e.Kind)
		}
		if isBackendEvent(e.Kind) && e.Backend == "" {
			return fmt.Errorf("events[%d].backend is required for kind %q", i, e.Kind)
		}
		for j, a := range e.Artifacts {
			if a == "" {
				return fmt.Errorf("events[%d].artifacts[%d] is empty", i, j)
			}
		}
	}
	return nil
}

func isBackendEvent(kind TraceEventKind) bool {
	switch kind {
	case EventTestExecuted, EventTestFailed, EventTestTimedOut, EventTestNotRun:
		return true
	default:
		return false
	}
}

// Canonicalize normalizes and sorts the trace in place.
//
// Events are ordered by (testId, kindOrder, backend, reason, artifacts);
// artifacts are sorted and empty slices become nil.
func (t *ExecutionTrace) Canonicalize() {
	if t == nil {
		return
	}
	for i := range t.Events {
		t.Events[i].Artifacts = sortedCopy(t.Events[i].Artifacts)
	}

	sort.SliceStable(t.Events, func(i, j int) bool {
		a, b := t.Events[i], t.Events[j]
		if a.TestID != b.TestID {
			return lessTestID(a.TestID, b.TestID)
		}
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.Backend != b.Backend {
			return a.Backend < b.Backend
		}
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		return compareStringSlices(a.Artifacts, b.Artifacts)
	})
}

// lessTestID orders numeric ids numerically (shorter first) and falls back
// to lexicographic order.
func lessTestID(a, b string) bool {
	if len(a) != len(b) && isDigits(a) && isDigits(b) {
		return len(a) < len(b)
	}
	return a < b
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func kindOrder(k TraceEventKind) int {
	switch k {
	case EventTestNotRun:
		return 10
	case EventTestExecuted:
		return 20
	case EventTestFailed:
		return 30
	case EventTestTimedOut:
		return 40
	case EventCaseSkipped:
		return 50
	case EventCaseAgreed:
		return 60
	case EventCaseDiverged:
		return 70
	case EventCaseReduced:
		return 80
	default:
		return 1000
	}
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

func compareStringSlices(a, b []string) bool {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// CanonicalJSON returns the canonical JSON encoding of the trace without
// mutating t.
func (t ExecutionTrace) CanonicalJSON() ([]byte, error) {
	c := ExecutionTrace{Key: t.Key, Events: make([]TraceEvent, len(t.Events))}
	copy(c.Events, t.Events)
	c.Canonicalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&c)
}

// Hash returns the sha256 hex digest of the canonical JSON bytes.
func (t ExecutionTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return ComputeTraceHash(b), nil
}

// MarshalJSON fixes field order. It does not sort; see CanonicalJSON.
func (t ExecutionTrace) MarshalJSON() ([]byte, error) {
	if t.Key == "" {
		return nil, errors.New("key is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"key":`)
	writeString(&buf, t.Key)
	buf.WriteString(`,"events":[`)
	for i := range t.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := json.Marshal(t.Events[i])
		if err != nil {
			return nil, err
		}
		buf.Write(eb)
	}
	buf.WriteString("]}")
	return buf.Bytes(), nil
}

// MarshalJSON fixes field order and omits empty optional fields.
func (e TraceEvent) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"kind":`)
	writeString(&buf, string(e.Kind))

	optional := []struct{ name, value string }{
		{"testId", e.TestID},
		{"backend", e.Backend},
		{"reason", e.Reason},
	}
	for _, f := range optional {
		if f.value == "" {
			continue
		}
		buf.WriteString(`,"` + f.name + `":`)
		writeString(&buf, f.value)
	}

	if artifacts := sortedCopy(e.Artifacts); len(artifacts) > 0 {
		buf.WriteString(`,"artifacts":[`)
		for i, a := range artifacts {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(&buf, a)
		}
		buf.WriteByte(']')
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}
