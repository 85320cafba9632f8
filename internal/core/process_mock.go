package core

import (
	"context"
	"sync"
)

// MockRunner is a test double for ProcessRunner.
//
// RunFunc is called for every invocation; when it is nil, Run panics. All
// invocations are recorded in order.
//
//	mock := &MockRunner{
//	    RunFunc: func(ctx context.Context, c Command) (*ProcessResult, error) {
//	        return &ProcessResult{Stderr: []byte("SUCCESS!")}, nil
//	    },
//	}
type MockRunner struct {
	RunFunc func(ctx context.Context, c Command) (*ProcessResult, error)

	mu    sync.Mutex
	calls []Command
}

// Run records the call and delegates to RunFunc.
func (m *MockRunner) Run(ctx context.Context, c Command) (*ProcessResult, error) {
	m.mu.Lock()
	cp := c
	cp.Args = append([]string(nil), c.Args...)
	cp.Env = append([]string(nil), c.Env...)
	m.calls = append(m.calls, cp)
	fn := m.RunFunc
	m.mu.Unlock()
	if fn == nil {
		panic("MockRunner.RunFunc not set")
	}
	return fn(ctx, c)
}

// Calls returns a copy of all recorded invocations.
func (m *MockRunner) Calls() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Command, len(m.calls))
	copy(out, m.calls)
	return out
}

// Reset clears the recorded invocations.
func (m *MockRunner) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

var _ ProcessRunner = (*MockRunner)(nil)
