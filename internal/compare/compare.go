// Package compare groups execution artifacts by exact byte content.
//
// Artifacts are compared as opaque byte streams; no semantic normalization
// of any kind is applied. Two artifacts are equivalent iff they have the
// same length and the same bytes.
package compare

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gpudiff/internal/core"
)

// ErrTooFewArtifacts is returned when fewer than two artifacts are given.
var ErrTooFewArtifacts = errors.New("at least two artifacts are required for comparison")

// chunkSize is the read size of the streamed comparison.
const chunkSize = 64 * 1024

// Class is a set of artifact paths with identical content, in input order.
type Class []string

// Cluster partitions paths into classes of identical content.
//
// Each class is seeded by its first member; an artifact joins the first
// class whose seed has the same bytes, or starts a new class. Class order is
// the first-seen order of distinct content.
func Cluster(paths []string) ([]Class, error) {
	if len(paths) < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrTooFewArtifacts, len(paths))
	}

	var classes []Class
	for _, p := range paths {
		joined := false
		for i := range classes {
			same, err := SameContent(classes[i][0], p)
			if err != nil {
				return nil, err
			}
			if same {
				classes[i] = append(classes[i], p)
				joined = true
				break
			}
		}
		if !joined {
			classes = append(classes, Class{p})
		}
	}
	return classes, nil
}

// Diverges reports whether the artifacts disagree.
func Diverges(classes []Class) bool { return len(classes) > 1 }

// SameContent reports whether the files at a and b have identical bytes.
func SameContent(a, b string) (bool, error) {
	if a == b {
		return true, nil
	}
	fa, err := os.Open(a)
	if err != nil {
		return false, fmt.Errorf("opening artifact: %w", err)
	}
	defer fa.Close()
	fb, err := os.Open(b)
	if err != nil {
		return false, fmt.Errorf("opening artifact: %w", err)
	}
	defer fb.Close()

	bufA := make([]byte, chunkSize)
	bufB := make([]byte, chunkSize)
	for {
		na, errA := io.ReadFull(fa, bufA)
		nb, errB := io.ReadFull(fb, bufB)
		if errA != nil && !isEOF(errA) {
			return false, fmt.Errorf("reading %s: %w", a, errA)
		}
		if errB != nil && !isEOF(errB) {
			return false, fmt.Errorf("reading %s: %w", b, errB)
		}
		if na != nb || !bytes.Equal(bufA[:na], bufB[:nb]) {
			return false, nil
		}
		// A short read means end of file for that side; both are short
		// with equal lengths here.
		if isEOF(errA) || isEOF(errB) {
			return true, nil
		}
	}
}

func isEOF(err error) bool {
	return err == io.EOF || err == io.ErrUnexpectedEOF
}

// Severity ranks a divergence.
type Severity string

const (
	// SeverityMismatch means at least two backends produced different output.
	SeverityMismatch Severity = "mismatch"

	// SeverityTimeout means one of the classes is made of timed out runs.
	SeverityTimeout Severity = "timeout"
)

// Classify returns the severity of a set of classes. Only the seed of each
// class is read.
func Classify(classes []Class) (Severity, error) {
	for _, c := range classes {
		if len(c) == 0 {
			continue
		}
		timedOut, err := isTimeoutArtifact(c[0])
		if err != nil {
			return "", err
		}
		if timedOut {
			return SeverityTimeout, nil
		}
	}
	return SeverityMismatch, nil
}

func isTimeoutArtifact(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("stat artifact: %w", err)
	}
	if info.Size() != int64(len(core.TimeoutPayload)) {
		return false, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("reading artifact: %w", err)
	}
	return string(content) == core.TimeoutPayload, nil
}
