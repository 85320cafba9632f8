package core

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Harvester collects the buffer dumps a harness run left in a directory.
//
// Discovery is by file name: every regular file in Dir whose name contains
// Marker is a dump. The directory is not walked recursively. Discovery
// order is lexicographic (os.ReadDir order) so concatenation is
// deterministic.
//
// A Harvester is bound to one directory; concurrent engines must use
// separate directories.
type Harvester struct {
	// Dir is the scratch directory the harness writes into.
	Dir string

	// Marker is the file-name substring identifying dumps.
	Marker string
}

// NewHarvester creates a Harvester for dir using BufferMarker.
func NewHarvester(dir string) *Harvester {
	return &Harvester{Dir: dir, Marker: BufferMarker}
}

// Discover returns the names of the dump files currently in Dir, skipping
// any name in exclude.
func (h *Harvester) Discover(exclude map[string]bool) ([]string, error) {
	entries, err := os.ReadDir(h.Dir)
	if err != nil {
		return nil, fmt.Errorf("reading scratch dir %q: %w", h.Dir, err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if !strings.Contains(name, h.Marker) || exclude[name] {
			continue
		}
		if !e.Type().IsRegular() {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// Concatenate reads the named files from Dir and returns their contents
// joined in the given order.
func (h *Harvester) Concatenate(names []string) ([]byte, error) {
	var buf bytes.Buffer
	for _, name := range names {
		content, err := os.ReadFile(filepath.Join(h.Dir, name))
		if err != nil {
			return nil, fmt.Errorf("reading dump %q: %w", name, err)
		}
		buf.Write(content)
	}
	return buf.Bytes(), nil
}

// Clean removes the named files from Dir. Files that are already gone are
// ignored.
func (h *Harvester) Clean(names []string) error {
	for _, name := range names {
		if err := os.Remove(filepath.Join(h.Dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing dump %q: %w", name, err)
		}
	}
	return nil
}

// Sweep removes every dump file from Dir.
func (h *Harvester) Sweep() error {
	names, err := h.Discover(nil)
	if err != nil {
		return err
	}
	return h.Clean(names)
}
