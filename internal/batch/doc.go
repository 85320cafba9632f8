// Package batch drives the generate, execute, compare, retain and reduce
// loop over a set of compiler backends.
//
// # Core Types
//
//   - Orchestrator: runs one or more batches (Run) or reduces earlier
//     retained cases (ReducePending).
//   - Options: per-invocation switches mirroring the command-line flags.
//   - Summary: counters accumulated over the batches of one Run.
//
// # Concurrency
//
// With Options.Jobs > 1 the test cases of a batch run in parallel, each
// worker in its own arena directory under the exec dir. Backends of one test
// still run one after the other. Comparison, retention and reduction are
// always sequential.
package batch
