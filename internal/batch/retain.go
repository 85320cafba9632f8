package batch

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"gpudiff/internal/compare"
	"gpudiff/internal/core"
	"gpudiff/internal/state"
	"gpudiff/internal/trace"
)

// compareBatch clusters the artifacts of every test of the batch and
// retains the divergent ones.
func (o *Orchestrator) compareBatch(seed int64, count int, sum *Summary) ([]state.Divergence, error) {
	var retained []state.Divergence
	for i := 0; i < count; i++ {
		gid := seed + int64(i)
		testID := strconv.FormatInt(gid, 10)

		paths := make([]string, len(o.Backends))
		owner := make(map[string]string, len(o.Backends))
		missing := false
		for j, b := range o.Backends {
			p := filepath.Join(o.Dirs.DumpBufferDir, core.ArtifactName(b.Name, strconv.Itoa(i)))
			if _, err := os.Stat(p); err != nil {
				missing = true
				break
			}
			paths[j] = p
			owner[p] = b.Name
		}
		if missing {
			o.logger().Warn("artifacts missing, test not compared", slog.Int("index", i))
			trace.SafeRecord(o.Trace, trace.TraceEvent{Kind: trace.EventCaseSkipped, TestID: testID, Reason: "MissingArtifact"})
			sum.Skipped++
			continue
		}

		classes, err := compare.Cluster(paths)
		if err != nil {
			return retained, err
		}
		if !compare.Diverges(classes) {
			trace.SafeRecord(o.Trace, trace.TraceEvent{Kind: trace.EventCaseAgreed, TestID: testID})
			continue
		}

		severity, err := compare.Classify(classes)
		if err != nil {
			return retained, err
		}
		o.printf("Different results across implementations for shader %d", gid)

		taken, err := o.retained(gid)
		if err != nil {
			return retained, err
		}
		if taken {
			o.logger().Warn("global id already retained, divergence not kept again",
				slog.Int64("shader", gid), slog.Int("index", i))
			trace.SafeRecord(o.Trace, trace.TraceEvent{Kind: trace.EventCaseSkipped, TestID: testID, Reason: "DuplicateGlobalID"})
			sum.Skipped++
			continue
		}

		d, err := o.retain(seed, i, classes, owner, severity)
		if err != nil {
			return retained, err
		}
		retained = append(retained, d)
		sum.Divergences = append(sum.Divergences, gid)
		sum.Severities[severity]++
		o.Metrics.Divergence(string(severity))

		var kept []string
		for _, b := range o.Backends {
			kept = append(kept, filepath.Base(d.Artifacts[b.Name]))
		}
		trace.SafeRecord(o.Trace, trace.TraceEvent{Kind: trace.EventCaseDiverged, TestID: testID, Reason: string(severity), Artifacts: kept})
	}
	return retained, nil
}

// retained reports whether gid already has a kept program or a ledger
// record. Both are keyed by global id, which repeats when a seed is reused.
func (o *Orchestrator) retained(gid int64) (bool, error) {
	if _, err := os.Stat(o.keptProgramPath(gid)); err == nil {
		return true, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, err
	}
	if o.Store == nil {
		return false, nil
	}
	_, err := o.Store.LoadDivergence(gid)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, state.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (o *Orchestrator) keptProgramPath(gid int64) string {
	return filepath.Join(o.Dirs.KeptShaderDir, fmt.Sprintf("%d.shadertrap", gid))
}

// retain moves the program and artifacts of test i to the keep dirs and
// records the divergence.
func (o *Orchestrator) retain(seed int64, i int, classes []compare.Class, owner map[string]string, severity compare.Severity) (state.Divergence, error) {
	gid := seed + int64(i)
	for _, dir := range []string{o.Dirs.KeptShaderDir, o.Dirs.KeptBufferDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return state.Divergence{}, fmt.Errorf("creating keep dir: %w", err)
		}
	}

	d := state.Divergence{
		GlobalID:  gid,
		Index:     i,
		Seed:      seed,
		RunID:     o.RunID,
		Artifacts: make(map[string]string, len(o.Backends)),
		Backends:  core.BackendNames(o.Backends),
		Severity:  string(severity),
		Status:    state.DivergenceStatusPending,
		CreatedAt: o.now(),
	}

	program := ProgramPath(o.Dirs.ShaderOutput, i)
	keptProgram := o.keptProgramPath(gid)
	switch err := moveFile(program, keptProgram); {
	case err == nil:
		d.Shader = keptProgram
	case errors.Is(err, os.ErrNotExist):
		o.logger().Warn("program of divergent test is gone", slog.String("program", program))
	default:
		return d, err
	}

	for _, b := range o.Backends {
		src := filepath.Join(o.Dirs.DumpBufferDir, core.ArtifactName(b.Name, strconv.Itoa(i)))
		dst := filepath.Join(o.Dirs.KeptBufferDir, fmt.Sprintf("%s_%d.txt", b.Name, gid))
		if err := moveFile(src, dst); err != nil {
			return d, err
		}
		d.Artifacts[b.Name] = dst
	}

	for _, c := range classes {
		names := make([]string, len(c))
		for j, p := range c {
			names[j] = owner[p]
		}
		d.Classes = append(d.Classes, names)
	}

	if o.Store != nil {
		if err := o.Store.SaveDivergence(d); err != nil {
			return d, err
		}
	}
	return d, nil
}

// moveFile renames src to dst, copying across file systems.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
