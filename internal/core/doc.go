// Package core provides the execution engine for differential compiler testing.
//
// A test program is run once per compiler backend through an external
// execution harness. Each run happens in a scratch directory, and whatever
// buffer dumps the harness leaves behind are collected into a single artifact
// per (backend, test) pair. Artifacts are the unit later compared across
// backends.
//
// # Core Types
//
// Backend: identity and invocation environment of one compiler under test.
// ProcessRunner: the capability used to start external tools (harness,
// generator, reducer); ExecRunner is the os/exec implementation and
// MockRunner the test double.
// Harvester: discovery, concatenation and cleanup of buffer dumps.
// Engine: runs a program on a list of backends and validates backends.
//
// # Outcomes
//
// A backend run ends in one of the Outcome values. Compile or execution
// errors and timeouts are ordinary outcomes; they never abort a batch and
// always leave exactly one artifact behind.
package core
