package tool

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// ServerSpec declares how to launch one tool server. Treat it as a value:
// NewServerSpec copies its inputs and accessors return copies.
type ServerSpec struct {
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"-" yaml:"env,omitempty"`
}

// NewServerSpec returns a spec that owns copies of args and env.
func NewServerSpec(command string, args []string, env map[string]string) ServerSpec {
	return ServerSpec{
		Command: command,
		Args:    slices.Clone(args),
		Env:     maps.Clone(env),
	}
}

// Validate checks the launch declaration.
func (s ServerSpec) Validate() error {
	if strings.TrimSpace(s.Command) == "" {
		return errors.New("tool: server command is required")
	}
	for key := range s.Env {
		if key == "" || strings.ContainsAny(key, "=\x00") {
			return fmt.Errorf("tool: invalid environment variable name %q", key)
		}
	}
	return nil
}

// Equal reports whether two specs launch the same process the same way.
func (s ServerSpec) Equal(other ServerSpec) bool {
	return s.Command == other.Command &&
		slices.Equal(s.Args, other.Args) &&
		maps.Equal(s.Env, other.Env)
}

// Clone returns a deep copy.
func (s ServerSpec) Clone() ServerSpec {
	return NewServerSpec(s.Command, s.Args, s.Env)
}

// String renders the command line without the environment, which may hold secrets.
func (s ServerSpec) String() string {
	if len(s.Args) == 0 {
		return s.Command
	}
	return s.Command + " " + strings.Join(s.Args, " ")
}
