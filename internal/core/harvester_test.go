package core

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

// TestHarvester_DiscoverOnlyMarkedFiles verifies the file-name convention
// and the lexicographic discovery order.
func TestHarvester_DiscoverOnlyMarkedFiles(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"buffer_b.txt":      "B",
		"buffer_a.txt":      "A",
		"out_buffer_c":      "C",
		"unrelated.txt":     "x",
		"test_0.shadertrap": "prog",
	})
	if err := os.Mkdir(filepath.Join(dir, "buffer_dir"), 0o755); err != nil {
		t.Fatal(err)
	}

	h := NewHarvester(dir)
	names, err := h.Discover(nil)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}

	want := []string{"buffer_a.txt", "buffer_b.txt", "out_buffer_c"}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

// TestHarvester_DiscoverExclude verifies excluded names are skipped.
func TestHarvester_DiscoverExclude(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"buffer_a.txt": "A", "buffer_x_0.txt": "artifact"})

	h := NewHarvester(dir)
	names, err := h.Discover(map[string]bool{"buffer_x_0.txt": true})
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(names) != 1 || names[0] != "buffer_a.txt" {
		t.Errorf("names = %v", names)
	}
}

// TestHarvester_ConcatenateInOrder verifies byte-exact concatenation.
func TestHarvester_ConcatenateInOrder(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"buffer_1": "one\n", "buffer_2": "two\x00\n"})

	h := NewHarvester(dir)
	got, err := h.Concatenate([]string{"buffer_2", "buffer_1"})
	if err != nil {
		t.Fatalf("Concatenate failed: %v", err)
	}
	if string(got) != "two\x00\none\n" {
		t.Errorf("content = %q", got)
	}
}

// TestHarvester_CleanAndSweep verifies removal of dumps only.
func TestHarvester_CleanAndSweep(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"buffer_1": "1", "buffer_2": "2", "keep.txt": "k"})

	h := NewHarvester(dir)
	if err := h.Clean([]string{"buffer_1", "buffer_missing"}); err != nil {
		t.Fatalf("Clean failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "buffer_1")); !os.IsNotExist(err) {
		t.Error("buffer_1 not removed")
	}

	if err := h.Sweep(); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	names, _ := h.Discover(nil)
	if len(names) != 0 {
		t.Errorf("dumps left after sweep: %v", names)
	}
	if _, err := os.Stat(filepath.Join(dir, "keep.txt")); err != nil {
		t.Error("sweep removed an unrelated file")
	}
}

// TestArtifactName verifies the scratch naming convention.
func TestArtifactName(t *testing.T) {
	if got := ArtifactName("llvmpipe", ""); got != "buffer_llvmpipe.txt" {
		t.Errorf("got %q", got)
	}
	if got := ArtifactName("llvmpipe", "7"); got != "buffer_llvmpipe_7.txt" {
		t.Errorf("got %q", got)
	}
}
