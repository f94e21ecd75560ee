// Package config loads researchflow.yaml into workflow settings.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/researchflow/tool"
	mcpclient "github.com/petal-labs/researchflow/tool/mcp"
	"github.com/petal-labs/researchflow/workflow"
)

const (
	projectConfigName = "researchflow.yaml"
	homeConfigDir     = ".researchflow"
	homeConfigName    = "config.yaml"
)

// File is the researchflow.yaml shape.
type File struct {
	Deadline        string                       `yaml:"deadline,omitempty"`
	Mode            string                       `yaml:"mode,omitempty"`
	GracePeriod     string                       `yaml:"grace_period,omitempty"`
	ProtocolVersion string                       `yaml:"protocol_version,omitempty"`
	Servers         map[string]ServerDeclaration `yaml:"servers"`
}

// ServerDeclaration declares one branch server.
type ServerDeclaration struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`

	// InheritEnv names host variables copied into the server environment.
	// Explicit Env entries win.
	InheritEnv []string `yaml:"inherit_env,omitempty"`

	Tool        string `yaml:"tool,omitempty"`
	ArgumentKey string `yaml:"argument_key,omitempty"`
}

// LookupFunc resolves a host environment variable.
type LookupFunc func(key string) (string, bool)

// DiscoverPath resolves the config location with first-match semantics:
// the explicit path, then ./researchflow.yaml, then ~/.researchflow/config.yaml.
func DiscoverPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		// A missing home only drops the last candidate.
		homeDir = ""
	}
	return DiscoverPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverPathFrom is a testable variant of DiscoverPath.
func DiscoverPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	explicit := strings.TrimSpace(explicitPath)
	if explicit != "" {
		candidates = append(candidates, filepath.Clean(explicit))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		if homeDir != "" {
			candidates = append(candidates, filepath.Join(homeDir, homeConfigDir, homeConfigName))
		}
	}

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			if explicit != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
		if explicit != "" {
			return "", false, fmt.Errorf("config path %q is a directory", candidate)
		}
	}
	return "", false, nil
}

// LoadFile reads and parses a config file.
func LoadFile(path string) (File, error) {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("reading config %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes researchflow.yaml content. Unknown keys are rejected.
func Parse(data []byte) (File, error) {
	var file File
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("parsing config: %w", err)
	}
	return file, nil
}

// Load discovers, reads, and resolves the config into workflow settings,
// expanding ${VAR} references from the process environment.
func Load(explicitPath string) (workflow.Config, string, error) {
	path, found, err := DiscoverPath(explicitPath)
	if err != nil {
		return workflow.Config{}, "", err
	}
	if !found {
		return workflow.Config{}, "", fmt.Errorf("no config file found (looked for ./%s and ~/%s/%s)",
			projectConfigName, homeConfigDir, homeConfigName)
	}
	file, err := LoadFile(path)
	if err != nil {
		return workflow.Config{}, path, err
	}
	cfg, err := file.Workflow(filepath.Dir(path), os.LookupEnv)
	if err != nil {
		return workflow.Config{}, path, fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, path, nil
}

// Workflow resolves the file into a workflow.Config. Relative commands that
// contain a path separator are resolved against baseDir.
func (f File) Workflow(baseDir string, lookup LookupFunc) (workflow.Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	var errs []error
	cfg := workflow.Config{
		ProtocolVersion: strings.TrimSpace(f.ProtocolVersion),
		ClientInfo:      mcpclient.Implementation{Name: workflow.DefaultClientName},
	}

	if d, err := parseDuration("deadline", f.Deadline); err != nil {
		errs = append(errs, err)
	} else {
		cfg.DefaultDeadline = d
	}
	if d, err := parseDuration("grace_period", f.GracePeriod); err != nil {
		errs = append(errs, err)
	} else {
		cfg.GracePeriod = d
	}
	if mode, err := workflow.ParseMode(f.Mode); err != nil {
		errs = append(errs, err)
	} else {
		cfg.DefaultMode = mode
	}

	for _, name := range sortedKeys(f.Servers) {
		if name != workflow.BranchSearch && name != workflow.BranchData {
			errs = append(errs, fmt.Errorf("servers.%s: unknown branch (want %s or %s)", name, workflow.BranchSearch, workflow.BranchData))
		}
	}

	search, err := f.branch(workflow.BranchSearch, baseDir, lookup)
	if err != nil {
		errs = append(errs, err)
	}
	data, err := f.branch(workflow.BranchData, baseDir, lookup)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.Search = search
	cfg.Data = data

	if err := errors.Join(errs...); err != nil {
		return workflow.Config{}, err
	}
	return cfg, nil
}

func (f File) branch(name, baseDir string, lookup LookupFunc) (workflow.BranchConfig, error) {
	decl, ok := f.Servers[name]
	if !ok {
		return workflow.BranchConfig{}, fmt.Errorf("servers.%s: missing server declaration", name)
	}

	exp := &expander{lookup: lookup}
	command := strings.TrimSpace(exp.expand(decl.Command))
	if command == "" {
		return workflow.BranchConfig{}, fmt.Errorf("servers.%s.command: required", name)
	}
	command = resolveCommand(baseDir, command)

	args := make([]string, 0, len(decl.Args))
	for _, arg := range decl.Args {
		args = append(args, exp.expand(arg))
	}

	env := make(map[string]string, len(decl.InheritEnv)+len(decl.Env))
	for _, key := range decl.InheritEnv {
		if value, ok := lookup(strings.TrimSpace(key)); ok {
			env[strings.TrimSpace(key)] = value
		}
	}
	for key, value := range decl.Env {
		env[key] = exp.expand(value)
	}

	if missing := exp.missingVars(); len(missing) > 0 {
		return workflow.BranchConfig{}, fmt.Errorf("servers.%s: unset environment variables: %s", name, strings.Join(missing, ", "))
	}

	spec := tool.NewServerSpec(command, args, env)
	if err := spec.Validate(); err != nil {
		return workflow.BranchConfig{}, fmt.Errorf("servers.%s: %w", name, err)
	}
	return workflow.BranchConfig{
		Name:        name,
		Server:      spec,
		Tool:        strings.TrimSpace(decl.Tool),
		ArgumentKey: strings.TrimSpace(decl.ArgumentKey),
	}, nil
}

// expander applies ${VAR} expansion and remembers unset references.
type expander struct {
	lookup  LookupFunc
	missing []string
}

func (e *expander) expand(value string) string {
	return os.Expand(value, func(key string) string {
		resolved, ok := e.lookup(key)
		if !ok && !slices.Contains(e.missing, key) {
			e.missing = append(e.missing, key)
		}
		return resolved
	})
}

func (e *expander) missingVars() []string {
	out := slices.Clone(e.missing)
	sort.Strings(out)
	return out
}

func parseDuration(field, value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %s", field, value)
	}
	return d, nil
}

func resolveCommand(baseDir, command string) string {
	if baseDir == "" || filepath.IsAbs(command) || !strings.ContainsRune(command, filepath.Separator) {
		return command
	}
	return filepath.Join(baseDir, filepath.Clean(command))
}

func sortedKeys(values map[string]ServerDeclaration) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
