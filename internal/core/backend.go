package core

import "strings"

// BackendKind tags how a backend is reached.
type BackendKind string

const (
	// KindNative is a driver used directly by the harness.
	KindNative BackendKind = "native"

	// KindAngle is a translation layer (ANGLE) running on top of Vulkan.
	KindAngle BackendKind = "angle"
)

// Backend describes one compiler/driver combination under test.
//
// Backends are loaded once from configuration and never mutated afterwards;
// the engine reads them concurrently.
type Backend struct {
	// Name is the unique key of the backend. It appears in artifact names.
	Name string `json:"name" yaml:"name" validate:"required,excludesall=/\\"`

	// Renderer is the substring the harness must find in the GL/Vulkan
	// renderer string. It is a hard selection assertion, not a filter.
	Renderer string `json:"renderer" yaml:"renderer" validate:"required"`

	// Kind selects kind-specific environment flags. Empty means native.
	Kind BackendKind `json:"type,omitempty" yaml:"type,omitempty" validate:"omitempty,oneof=native angle"`

	// LibraryPath overrides LD_LIBRARY_PATH when non-empty.
	LibraryPath string `json:"ld_library_path,omitempty" yaml:"ld_library_path,omitempty"`

	// ICDFilenames overrides VK_ICD_FILENAMES when non-empty.
	ICDFilenames string `json:"vk_icd_filenames,omitempty" yaml:"vk_icd_filenames,omitempty"`

	// Env holds additional NAME=value assignments, applied in order.
	Env []string `json:"env,omitempty" yaml:"env,omitempty" validate:"dive,envassign"`
}

// Environment returns the environment overlay for this backend.
//
// The overlay is layered on top of the ambient environment by the process
// runner, so a later assignment of the same name wins. Order:
//  1. LD_LIBRARY_PATH
//  2. ANGLE_DEFAULT_PLATFORM=vulkan (angle backends only)
//  3. VK_ICD_FILENAMES
//  4. Env, in declared order
func (b Backend) Environment() []string {
	var env []string
	if strings.TrimSpace(b.LibraryPath) != "" {
		env = append(env, "LD_LIBRARY_PATH="+b.LibraryPath)
	}
	if b.Kind == KindAngle {
		env = append(env, "ANGLE_DEFAULT_PLATFORM=vulkan")
	}
	if strings.TrimSpace(b.ICDFilenames) != "" {
		env = append(env, "VK_ICD_FILENAMES="+b.ICDFilenames)
	}
	env = append(env, b.Env...)
	return env
}

func (b Backend) String() string { return b.Name }

// ValidEnvAssignment reports whether kv has the form NAME=value with a
// non-empty NAME.
func ValidEnvAssignment(kv string) bool {
	name, _, ok := strings.Cut(kv, "=")
	return ok && strings.TrimSpace(name) != "" && !strings.ContainsAny(name, " \t")
}

// BackendNames returns the names of backends in order.
func BackendNames(backends []Backend) []string {
	names := make([]string, len(backends))
	for i, b := range backends {
		names[i] = b.Name
	}
	return names
}
