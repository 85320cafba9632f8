// Package tools adapts the external program generator and reducers to the
// batch orchestrator. Both are driven through core.ProcessRunner.
package tools
