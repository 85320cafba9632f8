package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the on-disk ledger of runs and retained divergences:
//
//	<baseDir>/runs/<run-id>/run.json
//	<baseDir>/divergences/<global-id>.json
//
// All writes are atomic and durable (file sync + atomic rename + dir sync).
// A Store is safe for use by one process at a time.
type Store struct {
	baseDir string
}

func NewStore(baseDir string) (*Store, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, errors.New("baseDir is required")
	}
	return &Store{baseDir: baseDir}, nil
}

// Dir returns the ledger root.
func (s *Store) Dir() string { return s.baseDir }

func (s *Store) runsRootDir() string {
	return filepath.Join(s.baseDir, "runs")
}

func (s *Store) divergencesDir() string {
	return filepath.Join(s.baseDir, "divergences")
}

func (s *Store) runPath(runID string) string {
	return filepath.Join(s.runsRootDir(), runID, "run.json")
}

func (s *Store) divergencePath(globalID int64) string {
	return filepath.Join(s.divergencesDir(), strconv.FormatInt(globalID, 10)+".json")
}

// ListRunIDs returns all run IDs currently present on disk, sorted.
func (s *Store) ListRunIDs() ([]string, error) {
	if s == nil {
		return nil, errors.New("nil Store")
	}
	entries, err := os.ReadDir(s.runsRootDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || strings.TrimSpace(e.Name()) == "" {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) SaveRun(run Run) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}
	if strings.ContainsAny(run.RunID, `/\`) {
		return fmt.Errorf("invalid run: run_id %q is not a valid file name", run.RunID)
	}
	if run.Backends == nil {
		run.Backends = []string{}
	}
	if err := ensureDirDurable(filepath.Dir(s.runPath(run.RunID)), 0o755); err != nil {
		return fmt.Errorf("ensure run dir: %w", err)
	}
	data, err := jsonMarshalStable(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	if err := writeFileAtomicDurable(s.runPath(run.RunID), data, 0o644); err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	return nil
}

func (s *Store) LoadRun(runID string) (Run, error) {
	var run Run
	if strings.TrimSpace(runID) == "" {
		return Run{}, errors.New("runID is required")
	}
	if err := readJSONStrict(s.runPath(runID), &run); err != nil {
		return Run{}, notFound(err)
	}
	if err := run.Validate(); err != nil {
		return Run{}, fmt.Errorf("invalid run on disk: %w", err)
	}
	return run, nil
}

// SaveDivergence writes d, replacing any record with the same global id.
func (s *Store) SaveDivergence(d Divergence) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("invalid divergence: %w", err)
	}
	if d.Artifacts == nil {
		d.Artifacts = map[string]string{}
	}
	if d.Backends == nil {
		d.Backends = []string{}
	}
	if err := ensureDirDurable(s.divergencesDir(), 0o755); err != nil {
		return fmt.Errorf("ensure divergences dir: %w", err)
	}
	data, err := jsonMarshalStable(d)
	if err != nil {
		return fmt.Errorf("marshal divergence: %w", err)
	}
	if err := writeFileAtomicDurable(s.divergencePath(d.GlobalID), data, 0o644); err != nil {
		return fmt.Errorf("write divergence: %w", err)
	}
	return nil
}

func (s *Store) LoadDivergence(globalID int64) (Divergence, error) {
	var d Divergence
	if err := readJSONStrict(s.divergencePath(globalID), &d); err != nil {
		return Divergence{}, notFound(err)
	}
	if err := d.Validate(); err != nil {
		return Divergence{}, fmt.Errorf("invalid divergence on disk: %w", err)
	}
	return d, nil
}

// ListDivergences returns every divergence record ordered by global id.
func (s *Store) ListDivergences() ([]Divergence, error) {
	entries, err := os.ReadDir(s.divergencesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []int64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSuffix(name, ".json"), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Divergence, 0, len(ids))
	for _, id := range ids {
		d, err := s.LoadDivergence(id)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Pending returns the divergences awaiting reduction, ordered by global id.
func (s *Store) Pending() ([]Divergence, error) {
	all, err := s.ListDivergences()
	if err != nil {
		return nil, err
	}
	var out []Divergence
	for _, d := range all {
		if d.Status == DivergenceStatusPending {
			out = append(out, d)
		}
	}
	return out, nil
}

// MarkReduced records the reduction outcome of a divergence.
func (s *Store) MarkReduced(globalID int64, r Reduction) error {
	d, err := s.LoadDivergence(globalID)
	if err != nil {
		return err
	}
	d.Status = DivergenceStatusReduced
	d.Reduction = &r
	return s.SaveDivergence(d)
}

func notFound(err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

func jsonMarshalStable(v any) ([]byte, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func readJSONStrict(path string, dst any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON: trailing content")
	}
	return nil
}

func ensureDirDurable(dir string, perm os.FileMode) error {
	if err := os.MkdirAll(dir, perm); err != nil {
		return err
	}
	if err := fsyncDir(dir); err != nil {
		return err
	}
	parent := filepath.Dir(dir)
	if parent != dir {
		if err := fsyncDir(parent); err != nil {
			return err
		}
	}
	return nil
}

func writeFileAtomicDurable(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return fsyncDir(dir)
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
