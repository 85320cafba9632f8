package trace

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestCanonicalTraceStability_ByteForByte(t *testing.T) {
	trace1 := ExecutionTrace{
		Key: "seed=1000",
		Events: []TraceEvent{
			{Kind: EventTestExecuted, TestID: "1001", Backend: "b"},
			{Kind: EventTestExecuted, TestID: "1001", Backend: "a"},
			{Kind: EventCaseDiverged, TestID: "1001", Reason: "mismatch", Artifacts: []string{"b_1001.txt", "a_1001.txt"}},
		},
	}
	trace2 := ExecutionTrace{
		Key: "seed=1000",
		Events: []TraceEvent{
			{Kind: EventCaseDiverged, TestID: "1001", Reason: "mismatch", Artifacts: []string{"a_1001.txt", "b_1001.txt"}},
			{Kind: EventTestExecuted, TestID: "1001", Backend: "a"},
			{Kind: EventTestExecuted, TestID: "1001", Backend: "b"},
		},
	}

	b1, err := trace1.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json (1): %v", err)
	}
	b2, err := trace2.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json (2): %v", err)
	}
	if !bytes.Equal(b1, b2) {
		t.Fatalf("expected identical bytes\n1=%s\n2=%s", string(b1), string(b2))
	}
}

func TestCanonicalOrdering_NumericTestIDs(t *testing.T) {
	tr := ExecutionTrace{
		Key: "k",
		Events: []TraceEvent{
			{Kind: EventCaseAgreed, TestID: "10"},
			{Kind: EventTestFailed, TestID: "9", Backend: "a"},
		},
	}
	b, err := tr.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json: %v", err)
	}
	expected := `{"key":"k","events":[{"kind":"TestFailed","testId":"9","backend":"a"},{"kind":"CaseAgreed","testId":"10"}]}`
	if string(b) != expected {
		t.Fatalf("unexpected canonical bytes\nexpected=%s\nactual  =%s", expected, string(b))
	}
}

func TestCanonicalJSON_DoesNotMutate(t *testing.T) {
	tr := ExecutionTrace{
		Key: "k",
		Events: []TraceEvent{
			{Kind: EventCaseAgreed, TestID: "2"},
			{Kind: EventCaseAgreed, TestID: "1"},
		},
	}
	if _, err := tr.CanonicalJSON(); err != nil {
		t.Fatalf("canonical json: %v", err)
	}
	if tr.Events[0].TestID != "2" {
		t.Fatalf("CanonicalJSON mutated the caller's events")
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]ExecutionTrace{
		"missing key":     {Events: []TraceEvent{{Kind: EventCaseAgreed, TestID: "1"}}},
		"missing test id": {Key: "k", Events: []TraceEvent{{Kind: EventCaseAgreed}}},
		"missing backend": {Key: "k", Events: []TraceEvent{{Kind: EventTestExecuted, TestID: "1"}}},
		"empty artifact":  {Key: "k", Events: []TraceEvent{{Kind: EventCaseDiverged, TestID: "1", Artifacts: []string{""}}}},
	}
	for name, tr := range cases {
		if err := tr.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestRecorder_ConcurrentRecordingIsOrderIndependent(t *testing.T) {
	events := []TraceEvent{
		{Kind: EventTestExecuted, TestID: "3", Backend: "a"},
		{Kind: EventTestTimedOut, TestID: "3", Backend: "b"},
		{Kind: EventCaseDiverged, TestID: "3", Reason: "timeout"},
		{Kind: EventTestExecuted, TestID: "1", Backend: "a"},
		{Kind: EventTestExecuted, TestID: "1", Backend: "b"},
		{Kind: EventCaseAgreed, TestID: "1"},
	}

	serial := NewRecorder()
	for _, e := range events {
		serial.Record(e)
	}

	parallel := NewRecorder()
	var wg sync.WaitGroup
	for i := len(events) - 1; i >= 0; i-- {
		wg.Add(1)
		go func(e TraceEvent) {
			defer wg.Done()
			parallel.Record(e)
		}(events[i])
	}
	wg.Wait()

	h1, err := serial.Trace("k").Hash()
	if err != nil {
		t.Fatalf("hash (serial): %v", err)
	}
	h2, err := parallel.Trace("k").Hash()
	if err != nil {
		t.Fatalf("hash (parallel): %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected identical hash, got %q != %q", h1, h2)
	}
}

func TestSafeRecord_SwallowsPanics(t *testing.T) {
	SafeRecord(panicSink{}, TraceEvent{Kind: EventCaseAgreed, TestID: "1"})
	SafeRecord(nil, TraceEvent{Kind: EventCaseAgreed, TestID: "1"})
	SafeRecord(NopSink{}, TraceEvent{Kind: EventCaseAgreed, TestID: "1"})
}

type panicSink struct{}

func (panicSink) Record(TraceEvent) { panic("boom") }

func TestRecorder_WriteFile(t *testing.T) {
	r := NewRecorder()
	r.Record(TraceEvent{Kind: EventCaseAgreed, TestID: "1"})
	path := filepath.Join(t.TempDir(), "trace.json")

	hash, err := r.WriteFile(path, "k")
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if ComputeTraceHash(bytes.TrimSuffix(data, []byte("\n"))) != hash {
		t.Fatalf("hash does not match file contents")
	}
	if !strings.HasPrefix(string(data), `{"key":"k"`) {
		t.Fatalf("unexpected file contents: %s", data)
	}
}
