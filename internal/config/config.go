// Package config loads the gpudiff YAML configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"gpudiff/internal/core"
)

// DefaultPath is the configuration file used when none is given.
const DefaultPath = "config.yaml"

// DefaultHarnessName is the harness name handed to reducers.
const DefaultHarnessName = "shadertrap"

var (
	// ErrInvalidConfig wraps every load and validation failure.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNoReducer is returned when a reducer is requested but none is declared.
	ErrNoReducer = errors.New("no reducer declared in configuration")

	// ErrReducerNotFound is returned for an unknown reducer name.
	ErrReducerNotFound = errors.New("reducer not found in configuration")
)

// Dirs holds every directory and executable path the pipeline touches.
// Relative paths are resolved against the configuration file's directory.
type Dirs struct {
	ExecDir       string `yaml:"exec_dir"`
	GeneratorRoot string `yaml:"generator_root"`
	Harness       string `yaml:"harness" validate:"required"`
	ShaderOutput  string `yaml:"shader_output" validate:"required"`
	DumpBufferDir string `yaml:"dump_buffer_dir" validate:"required"`
	KeptBufferDir string `yaml:"kept_buffer_dir" validate:"required"`
	KeptShaderDir string `yaml:"kept_shader_dir" validate:"required"`
	StateDir      string `yaml:"state_dir"`
	EmptyProgram  string `yaml:"empty_program"`
}

// Execution tunes harness runs.
type Execution struct {
	Timeout       time.Duration `yaml:"timeout" validate:"gte=0"`
	ReduceTimeout time.Duration `yaml:"reduce_timeout" validate:"gte=0"`
	HarnessName   string        `yaml:"harness_name"`
}

// Generator overrides the program generator invocation.
type Generator struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// Reducer is an external minimization tool.
type Reducer struct {
	Name    string   `yaml:"name" validate:"required"`
	Command string   `yaml:"command" validate:"required"`
	Args    []string `yaml:"args"`
}

// Config is the whole configuration file.
type Config struct {
	Dirs      Dirs           `yaml:"dirs"`
	Execution Execution      `yaml:"execution"`
	Generator Generator      `yaml:"generator"`
	Backends  []core.Backend `yaml:"backends" validate:"required,min=1,unique=Name,dive"`
	Reducers  []Reducer      `yaml:"reducers" validate:"unique=Name,dive"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("envassign", func(fl validator.FieldLevel) bool {
		return core.ValidEnvAssignment(fl.Field().String())
	})
}

// Load reads, defaults, resolves and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrInvalidConfig, path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return Parse(data, filepath.Dir(abs))
}

// Parse decodes data as a configuration whose relative paths are anchored
// at baseDir. Unknown keys are rejected.
func Parse(data []byte, baseDir string) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	cfg.applyDefaults()
	cfg.resolve(baseDir)

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Dirs.Check(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return &cfg, nil
}

// Check rejects directory layouts that mix harness dumps with artifacts.
// The harness writes its dumps into ExecDir and every dump found there is
// consumed by the next run, so artifacts must live elsewhere.
func (d Dirs) Check() error {
	if d.DumpBufferDir != "" && filepath.Clean(d.DumpBufferDir) == filepath.Clean(d.ExecDir) {
		return fmt.Errorf("dump_buffer_dir must differ from exec_dir (%s)", d.ExecDir)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Execution.Timeout == 0 {
		c.Execution.Timeout = core.DefaultTimeout
	}
	if c.Execution.HarnessName == "" {
		c.Execution.HarnessName = DefaultHarnessName
	}
	if c.Dirs.ExecDir == "" {
		c.Dirs.ExecDir = "."
	}
}

func (c *Config) resolve(baseDir string) {
	d := &c.Dirs
	for _, p := range []*string{
		&d.ExecDir, &d.GeneratorRoot, &d.ShaderOutput,
		&d.DumpBufferDir, &d.KeptBufferDir, &d.KeptShaderDir, &d.StateDir, &d.EmptyProgram,
	} {
		*p = resolvePath(baseDir, *p)
	}
	d.Harness = resolveCommand(baseDir, d.Harness)
	c.Generator.Command = resolveCommand(baseDir, c.Generator.Command)
	if d.StateDir == "" {
		d.StateDir = filepath.Join(d.ExecDir, ".gpudiff")
	}
	for i := range c.Reducers {
		c.Reducers[i].Command = resolveCommand(baseDir, c.Reducers[i].Command)
	}
}

func resolvePath(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

// resolveCommand anchors commands that name a path; bare names are left
// for PATH lookup.
func resolveCommand(baseDir, cmd string) string {
	if cmd == "" || filepath.IsAbs(cmd) || filepath.Base(cmd) == cmd {
		return cmd
	}
	return filepath.Join(baseDir, cmd)
}

// Reducer returns the reducer called name. An empty name selects the first
// declared reducer.
func (c *Config) Reducer(name string) (Reducer, error) {
	if len(c.Reducers) == 0 {
		return Reducer{}, ErrNoReducer
	}
	if name == "" {
		return c.Reducers[0], nil
	}
	for _, r := range c.Reducers {
		if r.Name == name {
			return r, nil
		}
	}
	return Reducer{}, fmt.Errorf("%w: %q", ErrReducerNotFound, name)
}
