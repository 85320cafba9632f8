package core

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHarness is a shell stand-in for the execution harness. In run mode it
// executes the program as a shell script inside its working directory; with
// --show-gl-info it prints $FAKE_RENDERER as the renderer string.
const fakeHarness = `#!/bin/sh
if [ "$1" = "--show-gl-info" ]; then
  echo "GL_RENDERER: ${FAKE_RENDERER:-none}"
  exit 0
fi
exec sh "$3"
`

func writeHarness(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "harness.sh")
	require.NoError(t, os.WriteFile(path, []byte(fakeHarness), 0o755))
	return path
}

func writeProgram(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "test_0.shadertrap")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func listDumps(t *testing.T, dir string) []string {
	t.Helper()
	names, err := NewHarvester(dir).Discover(nil)
	require.NoError(t, err)
	return names
}

func backendWithResult(name, result string) Backend {
	return Backend{Name: name, Renderer: name, Env: []string{"RESULT=" + result}}
}

func TestEngine_ProducesOneArtifactPerBackend(t *testing.T) {
	scratch := t.TempDir()
	dest := t.TempDir()
	program := writeProgram(t, t.TempDir(), `
printf 'RESULT=%s' "$RESULT" > buffer_0.txt
printf ';tail' > buffer_1.txt
echo 'SUCCESS!' >&2
`)

	e := NewEngine(writeHarness(t), NewExecRunner(), nil)
	results, err := e.Execute(context.Background(), ExecRequest{
		Program:    program,
		Backends:   []Backend{backendWithResult("a", "1"), backendWithResult("b", "2")},
		TestID:     "7",
		ScratchDir: scratch,
		DestDir:    dest,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, []bool{true, true}, Successes(results))
	assert.Equal(t, "a", results[0].Backend)
	assert.Equal(t, filepath.Join(dest, "buffer_a_7.txt"), results[0].Artifact)

	a, err := os.ReadFile(filepath.Join(dest, "buffer_a_7.txt"))
	require.NoError(t, err)
	assert.Equal(t, "RESULT=1;tail", string(a))

	b, err := os.ReadFile(filepath.Join(dest, "buffer_b_7.txt"))
	require.NoError(t, err)
	assert.Equal(t, "RESULT=2;tail", string(b))

	assert.Empty(t, listDumps(t, scratch), "scratch dir must be clean after execution")
}

func TestEngine_MissingProgramStartsNothing(t *testing.T) {
	mock := &MockRunner{RunFunc: func(ctx context.Context, c Command) (*ProcessResult, error) {
		t.Fatal("no process may be started for a missing program")
		return nil, nil
	}}
	e := NewEngine("harness", mock, nil)

	results, err := e.Execute(context.Background(), ExecRequest{
		Program:    filepath.Join(t.TempDir(), "missing.shadertrap"),
		Backends:   []Backend{{Name: "a", Renderer: "A"}, {Name: "b", Renderer: "B"}, {Name: "c", Renderer: "C"}},
		ScratchDir: t.TempDir(),
	})
	require.ErrorIs(t, err, ErrProgramNotFound)
	assert.Equal(t, []bool{false, false, false}, Successes(results))
	for _, r := range results {
		assert.Equal(t, OutcomeNotRun, r.Outcome)
	}
	assert.Empty(t, mock.Calls())
}

func TestEngine_CompileErrorStillCollectsAndCleans(t *testing.T) {
	scratch := t.TempDir()
	program := writeProgram(t, t.TempDir(), `
printf 'partial' > buffer_0.txt
echo 'error: bad shader' >&2
exit 1
`)

	e := NewEngine(writeHarness(t), NewExecRunner(), nil)
	results, err := e.Execute(context.Background(), ExecRequest{
		Program:    program,
		Backends:   []Backend{{Name: "a", Renderer: "A"}},
		TestID:     "0",
		ScratchDir: scratch,
		DestDir:    t.TempDir(),
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeError, results[0].Outcome)
	assert.Contains(t, string(results[0].Stderr), "bad shader")

	content, err := os.ReadFile(results[0].Artifact)
	require.NoError(t, err)
	assert.Equal(t, "partial", string(content))
	assert.Empty(t, listDumps(t, scratch))
}

func TestEngine_TimeoutWritesSentinelAndCleans(t *testing.T) {
	scratch := t.TempDir()
	dest := t.TempDir()
	program := writeProgram(t, t.TempDir(), `
printf 'half-written' > buffer_0.txt
sleep 10
`)

	e := NewEngine(writeHarness(t), NewExecRunner(), nil)
	start := time.Now()
	results, err := e.Execute(context.Background(), ExecRequest{
		Program:    program,
		Backends:   []Backend{{Name: "slow", Renderer: "S"}},
		TestID:     "3",
		ScratchDir: scratch,
		DestDir:    dest,
		Timeout:    300 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	require.Len(t, results, 1)
	assert.Equal(t, OutcomeTimeout, results[0].Outcome)
	assert.NotEqual(t, OutcomeError, results[0].Outcome)
	assert.False(t, results[0].OK())

	content, err := os.ReadFile(filepath.Join(dest, "buffer_slow_3.txt"))
	require.NoError(t, err)
	assert.Equal(t, TimeoutPayload, string(content))

	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "exactly one artifact for the timed out backend")
	assert.Empty(t, listDumps(t, scratch), "no leftover scratch file after a timeout")
}

func TestEngine_TimeoutWithMockRunner(t *testing.T) {
	scratch := t.TempDir()
	program := writeProgram(t, t.TempDir(), "")
	mock := &MockRunner{RunFunc: func(ctx context.Context, c Command) (*ProcessResult, error) {
		require.NoError(t, os.WriteFile(filepath.Join(c.Dir, "buffer_x"), []byte("junk"), 0o644))
		return &ProcessResult{ExitCode: -1, TimedOut: true}, nil
	}}

	e := NewEngine("harness", mock, nil)
	results, err := e.Execute(context.Background(), ExecRequest{
		Program:    program,
		Backends:   []Backend{{Name: "a", Renderer: "A"}},
		ScratchDir: scratch,
		DestDir:    t.TempDir(),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimeout, results[0].Outcome)
	content, err := os.ReadFile(results[0].Artifact)
	require.NoError(t, err)
	assert.Equal(t, "timeout", string(content))
	assert.Empty(t, listDumps(t, scratch))
}

func TestEngine_NoCrossContamination(t *testing.T) {
	scratch := t.TempDir()
	dest := t.TempDir()
	harness := writeHarness(t)
	e := NewEngine(harness, NewExecRunner(), nil)

	first := writeProgram(t, t.TempDir(), `
printf 'first' > buffer_run1.txt
echo 'SUCCESS!' >&2
`)
	_, err := e.Execute(context.Background(), ExecRequest{
		Program: first, Backends: []Backend{{Name: "a", Renderer: "A"}}, TestID: "1",
		ScratchDir: scratch, DestDir: dest,
	})
	require.NoError(t, err)

	second := writeProgram(t, t.TempDir(), `
printf 'second' > buffer_run2.txt
echo 'SUCCESS!' >&2
`)
	_, err = e.Execute(context.Background(), ExecRequest{
		Program: second, Backends: []Backend{{Name: "a", Renderer: "A"}}, TestID: "2",
		ScratchDir: scratch, DestDir: dest,
	})
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(dest, "buffer_a_2.txt"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(content))
}

func TestEngine_ArtifactsInScratchAreNotRediscovered(t *testing.T) {
	scratch := t.TempDir()
	program := writeProgram(t, t.TempDir(), `
printf "$RESULT" > buffer_dump.txt
echo 'SUCCESS!' >&2
`)

	e := NewEngine(writeHarness(t), NewExecRunner(), nil)
	results, err := e.Execute(context.Background(), ExecRequest{
		Program:    program,
		Backends:   []Backend{backendWithResult("a", "1"), backendWithResult("b", "2")},
		ScratchDir: scratch,
	})
	require.NoError(t, err)

	b, err := os.ReadFile(results[1].Artifact)
	require.NoError(t, err)
	assert.Equal(t, "2", string(b), "artifact of backend a leaked into backend b")
	assert.ElementsMatch(t, []string{"buffer_a.txt", "buffer_b.txt"}, listDumps(t, scratch))
}

func TestEngine_InvocationShape(t *testing.T) {
	program := writeProgram(t, t.TempDir(), "")
	mock := &MockRunner{RunFunc: func(ctx context.Context, c Command) (*ProcessResult, error) {
		return &ProcessResult{Stderr: []byte("SUCCESS!")}, nil
	}}
	backend := Backend{
		Name:         "angle",
		Renderer:     "ANGLE (Vulkan)",
		Kind:         KindAngle,
		LibraryPath:  "/opt/angle/lib",
		ICDFilenames: "/etc/vk/icd.json",
		Env:          []string{"MESA_DEBUG=1"},
	}

	e := NewEngine("/opt/shadertrap", mock, nil)
	e.Timeout = time.Minute
	_, err := e.Execute(context.Background(), ExecRequest{
		Program: program, Backends: []Backend{backend}, ScratchDir: t.TempDir(),
	})
	require.NoError(t, err)

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/opt/shadertrap", calls[0].Name)
	assert.Equal(t, []string{"--require-vendor-renderer-substring", "ANGLE (Vulkan)", program}, calls[0].Args)
	assert.Equal(t, []string{
		"LD_LIBRARY_PATH=/opt/angle/lib",
		"ANGLE_DEFAULT_PLATFORM=vulkan",
		"VK_ICD_FILENAMES=/etc/vk/icd.json",
		"MESA_DEBUG=1",
	}, calls[0].Env)
	assert.Equal(t, time.Minute, calls[0].Timeout)
}

func TestEngine_HarnessStartFailureIsRecoverable(t *testing.T) {
	program := writeProgram(t, t.TempDir(), "")
	mock := &MockRunner{RunFunc: func(ctx context.Context, c Command) (*ProcessResult, error) {
		return nil, errors.New("exec: not found")
	}}

	e := NewEngine("harness", mock, nil)
	results, err := e.Execute(context.Background(), ExecRequest{
		Program: program, Backends: []Backend{{Name: "a", Renderer: "A"}}, ScratchDir: t.TempDir(),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeError, results[0].Outcome)
	_, statErr := os.Stat(results[0].Artifact)
	assert.NoError(t, statErr, "an artifact is written even when the harness could not start")
}

func TestEngine_ProgramNeverModified(t *testing.T) {
	body := "printf x > buffer_0\necho 'SUCCESS!' >&2\n"
	program := writeProgram(t, t.TempDir(), body)

	e := NewEngine(writeHarness(t), NewExecRunner(), nil)
	_, err := e.Execute(context.Background(), ExecRequest{
		Program: program, Backends: []Backend{{Name: "a", Renderer: "A"}}, ScratchDir: t.TempDir(),
	})
	require.NoError(t, err)

	after, err := os.ReadFile(program)
	require.NoError(t, err)
	assert.True(t, bytes.Equal([]byte(body), after))
}

func TestEngine_ValidateAllBackends(t *testing.T) {
	harness := writeHarness(t)
	e := NewEngine(harness, NewExecRunner(), nil)

	backends := []Backend{
		{Name: "swiftshader", Renderer: "SwiftShader", Env: []string{"FAKE_RENDERER=Google SwiftShader Device"}},
		{Name: "llvmpipe", Renderer: "llvmpipe", Env: []string{"FAKE_RENDERER=llvmpipe (LLVM 15.0.7)"}},
	}
	require.NoError(t, e.Validate(context.Background(), backends, "", t.TempDir()))
}

func TestEngine_ValidateRejectsMisidentifiedBackend(t *testing.T) {
	harness := writeHarness(t)
	scratch := t.TempDir()
	e := NewEngine(harness, NewExecRunner(), nil)

	backends := []Backend{
		{Name: "swiftshader", Renderer: "SwiftShader", Env: []string{"FAKE_RENDERER=SwiftShader"}},
		{Name: "nvidia", Renderer: "NVIDIA", Env: []string{"FAKE_RENDERER=llvmpipe"}},
		{Name: "never", Renderer: "never"},
	}
	err := e.Validate(context.Background(), backends, "", scratch)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackendValidation)

	var be *BackendError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "nvidia", be.Backend)
	assert.True(t, strings.Contains(string(be.Stdout), "llvmpipe"))
}

func TestEngine_ValidateUsesShowInfo(t *testing.T) {
	mock := &MockRunner{RunFunc: func(ctx context.Context, c Command) (*ProcessResult, error) {
		return &ProcessResult{Stdout: []byte("renderer: " + c.Args[2])}, nil
	}}
	e := NewEngine("shadertrap", mock, nil)

	require.NoError(t, e.Validate(context.Background(), []Backend{{Name: "a", Renderer: "A"}}, "/p/empty.shadertrap", t.TempDir()))
	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"--show-gl-info", "--require-vendor-renderer-substring", "A", "/p/empty.shadertrap"}, calls[0].Args)
}
