// Package executor resolves the named "executor" on a Task Attempt
// (spec.md's Glossary: "a named template producing argv+env for a
// coding-agent process") into the argv/env the Process Supervisor spawns,
// loaded from a YAML config file in the teacher's gopkg.in/yaml.v3 idiom,
// grounded on the placeholder/template config shapes in
// cmd/main/handlers/load/templates.go (teacher).
package executor

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Spec is one named executor's argv/env template. Args has no
// placeholder substitution: spec.md §4.6 hands the task's prompt to the
// spawned process over stdin, not via argv interpolation, so a Spec is
// just a literal command line.
type Spec struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

// Argv is Command followed by Args, the literal argv Process Supervisor's
// Spawn expects.
func (s Spec) Argv() []string {
	return append([]string{s.Command}, s.Args...)
}

// Registry is the closed set of executors a server instance accepts in
// create_attempt/create_task_and_start's executor field.
type Registry struct {
	specs map[string]Spec
}

// ErrUnknownExecutor is returned by Resolve for a name the registry has
// no Spec for; callers map it to VALIDATION.
type ErrUnknownExecutor struct {
	Name string
}

func (e *ErrUnknownExecutor) Error() string {
	return fmt.Sprintf("unknown executor %q", e.Name)
}

// NewRegistry builds a registry directly from specs, for tests and for
// DefaultRegistry below.
func NewRegistry(specs map[string]Spec) *Registry {
	return &Registry{specs: specs}
}

// DefaultRegistry is the built-in registry used when no templates.yaml is
// configured: just "echo-agent", a trivial coding-agent stand-in (`cat`,
// which copies its prompt from stdin to stdout and exits 0) used by the
// seed scenarios (spec.md §8 S1) and suitable for exercising the full
// attempt lifecycle without depending on a real coding-agent binary being
// installed.
func DefaultRegistry() *Registry {
	return NewRegistry(map[string]Spec{
		"echo-agent": {Command: "cat"},
	})
}

// LoadRegistryFile reads a YAML document at path shaped as
// `name: {command: ..., args: [...], env: {...}}` per executor, following
// SPEC_FULL.md §11's "executor-template config file (templates.yaml)".
func LoadRegistryFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read executor config %s: %w", path, err)
	}

	var specs map[string]Spec
	if err := yaml.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("parse executor config %s: %w", path, err)
	}

	return NewRegistry(specs), nil
}

// Resolve looks up name, returning ErrUnknownExecutor if it is not
// registered.
func (r *Registry) Resolve(name string) (Spec, error) {
	spec, ok := r.specs[name]
	if !ok {
		return Spec{}, &ErrUnknownExecutor{Name: name}
	}
	return spec, nil
}

// FollowUpSpec is the argv/env used for a follow_up's FOLLOWUP process.
// spec.md §4.6 describes this as "chaining from the agent's session
// (executor-specific)"; without a concrete per-executor continuation
// protocol to ground on, this re-invokes the same Spec the original
// CODING_AGENT used, with the follow-up prompt as the new stdin — every
// executor in this registry is itself stateless (reads one prompt from
// stdin per invocation), so re-running it is the correct continuation.
func (r *Registry) FollowUpSpec(name string) (Spec, error) {
	return r.Resolve(name)
}
