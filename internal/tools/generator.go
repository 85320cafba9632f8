package tools

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"gpudiff/internal/core"
)

// ErrGenerationFailed is returned when the generator reports an error.
var ErrGenerationFailed = errors.New("program generation failed")

const (
	errorMarker = "ERROR"
	seedMarker  = "Seed:"
)

// GenerateRequest asks for Count programs named test_<i>.shadertrap in
// OutputDir.
type GenerateRequest struct {
	Count     int
	OutputDir string

	// Seed forces the generator seed when non-nil.
	Seed *int64
}

// GenerateResult reports what the generator did.
type GenerateResult struct {
	// Seed is the seed the generator reported, or the requested seed.
	Seed int64

	// SeedReported is set when the generator printed a seed line.
	SeedReported bool

	Output []byte
}

// Glslsmith drives the program generator.
//
// With Command empty, the generator is run through Maven from Root:
//
//	mvn -f <Root>/pom.xml -pl glslsmith -q -e exec:java \
//	    -Dexec.mainClass=com.graphicsfuzz.GeneratorHandler \
//	    "-Dexec.args=--shader-count N --output-directory DIR [--seed S]"
//
// Otherwise Command is run with Args followed by the same generator flags as
// separate arguments.
type Glslsmith struct {
	Root    string
	Command string
	Args    []string
	Dir     string
	Runner  core.ProcessRunner
}

// Generate runs the generator once.
func (g *Glslsmith) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	if g.Runner == nil {
		return nil, errors.New("process runner is required")
	}
	if req.Count <= 0 {
		return nil, fmt.Errorf("shader count must be positive, got %d", req.Count)
	}

	pr, err := g.Runner.Run(ctx, g.command(req))
	if err != nil {
		return nil, fmt.Errorf("running generator: %w", err)
	}
	if bytes.Contains(pr.Stdout, []byte(errorMarker)) {
		return &GenerateResult{Output: pr.Stdout}, fmt.Errorf("%w: %s", ErrGenerationFailed, firstLine(pr.Stdout, errorMarker))
	}
	if pr.ExitCode != 0 {
		return &GenerateResult{Output: pr.Stdout}, fmt.Errorf("%w: exit code %d", ErrGenerationFailed, pr.ExitCode)
	}

	res := &GenerateResult{Output: pr.Stdout}
	if req.Seed != nil {
		res.Seed = *req.Seed
	}
	if seed, ok := ParseSeed(pr.Stdout); ok {
		res.Seed = seed
		res.SeedReported = true
	}
	return res, nil
}

func (g *Glslsmith) command(req GenerateRequest) core.Command {
	flags := []string{"--shader-count", strconv.Itoa(req.Count), "--output-directory", req.OutputDir}
	if req.Seed != nil {
		flags = append(flags, "--seed", strconv.FormatInt(*req.Seed, 10))
	}

	if g.Command != "" {
		args := append(append([]string(nil), g.Args...), flags...)
		return core.Command{Name: g.Command, Args: args, Dir: g.Dir}
	}

	// The output directory is passed with a trailing separator; the
	// generator concatenates file names onto it.
	flags[3] = strings.TrimSuffix(req.OutputDir, string(filepath.Separator)) + string(filepath.Separator)
	return core.Command{
		Name: "mvn",
		Args: []string{
			"-f", filepath.Join(g.Root, "pom.xml"),
			"-pl", "glslsmith", "-q", "-e", "exec:java",
			"-Dexec.mainClass=com.graphicsfuzz.GeneratorHandler",
			"-Dexec.args=" + strings.Join(flags, " "),
		},
		Dir: g.Dir,
	}
}

// ParseSeed returns the integer on the last "Seed:" line of out.
func ParseSeed(out []byte) (int64, bool) {
	var (
		seed  int64
		found bool
	)
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		idx := strings.Index(line, seedMarker)
		if idx < 0 {
			continue
		}
		v, err := strconv.ParseInt(strings.TrimSpace(line[idx+len(seedMarker):]), 10, 64)
		if err != nil {
			continue
		}
		seed, found = v, true
	}
	return seed, found
}

func firstLine(out []byte, substr string) string {
	for _, line := range strings.Split(string(out), "\n") {
		if strings.Contains(line, substr) {
			return strings.TrimSpace(line)
		}
	}
	return ""
}
