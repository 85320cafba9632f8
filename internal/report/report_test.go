package report

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpudiff/internal/batch"
	"gpudiff/internal/compare"
	"gpudiff/internal/core"
	"gpudiff/internal/state"
	"gpudiff/internal/tools"
)

func TestRenderSummary(t *testing.T) {
	s := &batch.Summary{
		Backends:  []string{"swiftshader", "llvmpipe"},
		Batches:   2,
		Generated: 2000,
		Tests:     2000,
		Outcomes: map[string]map[core.Outcome]int{
			"swiftshader": {core.OutcomeOK: 1998, core.OutcomeTimeout: 2},
			"llvmpipe":    {core.OutcomeOK: 1990, core.OutcomeError: 10},
		},
		Divergences: []int64{12, 40},
		Severities:  map[compare.Severity]int{compare.SeverityMismatch: 1, compare.SeverityTimeout: 1},
		Reductions:  map[tools.ReduceResultClass]int{tools.ReduceReduced: 1},
	}

	out := RenderSummary(s)
	assert.Contains(t, out, "swiftshader")
	assert.Contains(t, out, "1,998")
	assert.Contains(t, out, "generated: 2,000")
	assert.Contains(t, out, "divergences: 2 (mismatch=1, timeout=1)")
	assert.Contains(t, out, "reductions: reduced=1")
	assert.Less(t, strings.Index(out, "swiftshader"), strings.Index(out, "llvmpipe"))
}

func TestRenderSummary_NoTests(t *testing.T) {
	out := RenderSummary(&batch.Summary{Generated: 5})
	assert.Equal(t, "batches: 0  generated: 5  tests: 0  skipped: 0  divergences: 0\n", out)
	assert.Empty(t, RenderSummary(nil))
}

func TestRenderRecords(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	records := []state.Divergence{
		{
			GlobalID:  1007,
			Classes:   [][]string{{"A", "B"}, {"C"}},
			Severity:  "mismatch",
			Status:    state.DivergenceStatusReduced,
			Reduction: &state.Reduction{Result: "reduced"},
			CreatedAt: now.Add(-3 * time.Hour),
		},
		{
			GlobalID:  1010,
			Classes:   [][]string{{"A"}, {"B", "C"}},
			Severity:  "timeout",
			Status:    state.DivergenceStatusPending,
			CreatedAt: now.Add(-time.Minute),
		},
	}
	out := RenderRecords(records, now)
	assert.Contains(t, out, "1007")
	assert.Contains(t, out, "{A,B} {C}")
	assert.Contains(t, out, "3 hours ago")
	assert.Contains(t, out, "pending")
	assert.Equal(t, "no divergences recorded\n", RenderRecords(nil, now))
}

func TestNewProgress(t *testing.T) {
	assert.Nil(t, NewProgress(&bytes.Buffer{}, false))

	var buf bytes.Buffer
	factory := NewProgress(&buf, true)
	require.NotNil(t, factory)
	p := factory(3, "batch 1")
	require.NoError(t, p.Add(1))
	require.NoError(t, p.Add(2))
	require.NoError(t, p.Finish())
	assert.Contains(t, buf.String(), "batch 1")
}
