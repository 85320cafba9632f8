package trace

import (
	"os"
	"sync"
)

// Sink receives trace events. Record must not panic or block for long; the
// caller treats it as a possible no-op.
type Sink interface {
	Record(event TraceEvent)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Record(TraceEvent) {}

// SafeRecord records an event, swallowing panics from a buggy sink.
func SafeRecord(s Sink, event TraceEvent) {
	if s == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	s.Record(event)
}

// Recorder is a concurrency-safe in-memory collector. Ordering is computed
// after collection, so recording order does not matter.
type Recorder struct {
	mu     sync.Mutex
	events []TraceEvent
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Record(event TraceEvent) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Snapshot returns a copy of all recorded events.
func (r *Recorder) Snapshot() []TraceEvent {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TraceEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Trace builds a canonical ExecutionTrace from the recorded events.
func (r *Recorder) Trace(key string) ExecutionTrace {
	tr := ExecutionTrace{Key: key, Events: r.Snapshot()}
	tr.Canonicalize()
	return tr
}

// WriteFile writes the canonical JSON of the recorded trace to path and
// returns its hash.
func (r *Recorder) WriteFile(path, key string) (string, error) {
	tr := r.Trace(key)
	b, err := tr.CanonicalJSON()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return "", err
	}
	return ComputeTraceHash(b), nil
}
