package batch

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"gpudiff/internal/compare"
	"gpudiff/internal/state"
	"gpudiff/internal/tools"
	"gpudiff/internal/trace"
)

// reduceOne hands d to the reducer and records the outcome. Timeout
// divergences are skipped unless allowTimeouts is set. Reducer failures
// are logged; only cancellation and ledger errors are returned.
func (o *Orchestrator) reduceOne(ctx context.Context, d state.Divergence, allowTimeouts bool, sum *Summary) error {
	testID := strconv.FormatInt(d.GlobalID, 10)
	log := o.logger().With(slog.Int64("shader", d.GlobalID))

	if d.Shader == "" {
		log.Warn("no retained program, reduction skipped")
		return nil
	}
	if d.Severity == string(compare.SeverityTimeout) && !allowTimeouts {
		log.Info("timeout divergence not reduced")
		trace.SafeRecord(o.Trace, trace.TraceEvent{Kind: trace.EventCaseSkipped, TestID: testID, Reason: "TimeoutNotReduced"})
		return nil
	}

	res, err := o.Reducer.Reduce(ctx, tools.ReduceRequest{
		Shader:       d.Shader,
		Backends:     d.Backends,
		Reference:    -1,
		AllowTimeout: allowTimeouts,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Error("reducer failed", slog.Any("error", err))
		o.Metrics.Reduction(string(tools.ReduceError))
		sum.Reductions[tools.ReduceError]++
		return nil
	}

	o.Metrics.Reduction(string(res.Class))
	sum.Reductions[res.Class]++
	o.printf("Reduction of shader %d: %s", d.GlobalID, res.Class)
	trace.SafeRecord(o.Trace, trace.TraceEvent{Kind: trace.EventCaseReduced, TestID: testID, Reason: string(res.Class)})

	if o.Store == nil {
		return nil
	}
	return o.Store.MarkReduced(d.GlobalID, state.Reduction{
		Reducer:    o.ReducerName,
		Result:     string(res.Class),
		ExitCode:   res.ExitCode,
		FinishedAt: o.now(),
	})
}

// ReducePending reduces every pending divergence in the Store, oldest
// global id first.
func (o *Orchestrator) ReducePending(ctx context.Context, allowTimeouts bool) (*Summary, error) {
	if o.Store == nil {
		return nil, errors.New("store is required")
	}
	if o.Reducer == nil {
		return nil, errors.New("reducer is required for reduction")
	}
	sum := newSummary(o.RunID, o.Backends)
	pending, err := o.Store.Pending()
	if err != nil {
		return sum, err
	}
	for _, d := range pending {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Divergences = append(sum.Divergences, d.GlobalID)
		if err := o.reduceOne(ctx, d, allowTimeouts, sum); err != nil {
			return sum, err
		}
	}
	return sum, nil
}
