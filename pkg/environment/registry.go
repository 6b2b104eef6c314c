// Package environment maps environment identifiers to container images and
// session defaults. The registry is a pure lookup table: unknown identifiers
// fail closed, they never fall back to a default image.
package environment

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrNotFound is returned when an environment identifier is not registered.
var ErrNotFound = errors.New("environment not found")

// Environment describes one provisionable environment.
type Environment struct {
	ID             string
	Description    string
	Image          string
	DefaultInit    []string
	DefaultTimeout time.Duration
}

// Registry resolves environment identifiers. It is immutable after construction.
type Registry struct {
	environments map[string]Environment
}

// Builtin returns the environments shipped with the service.
func Builtin() []Environment {
	return []Environment{
		{
			ID:             "shell",
			Description:    "POSIX shell with coreutils",
			Image:          "alpine:3.20",
			DefaultTimeout: 30 * time.Minute,
		},
		{
			ID:          "python",
			Description: "Shell with a Python 3 toolchain",
			Image:       "python:3.12-alpine",
			DefaultInit: []string{
				"alias py=python3",
				"python3 --version",
			},
			DefaultTimeout: 30 * time.Minute,
		},
	}
}

// NewRegistry builds a registry from the builtin environments plus overrides.
// An override with an existing ID replaces the builtin entry entirely.
func NewRegistry(overrides []Environment) (*Registry, error) {
	environments := make(map[string]Environment)
	for _, env := range Builtin() {
		environments[env.ID] = env
	}
	for _, env := range overrides {
		if env.ID == "" {
			return nil, errors.New("environment override missing id")
		}
		if env.Image == "" {
			return nil, fmt.Errorf("environment %q missing image", env.ID)
		}
		if env.DefaultTimeout <= 0 {
			env.DefaultTimeout = 30 * time.Minute
		}
		environments[env.ID] = env
	}
	return &Registry{environments: environments}, nil
}

// Resolve returns the environment for id, or ErrNotFound.
func (r *Registry) Resolve(id string) (Environment, error) {
	env, ok := r.environments[id]
	if !ok {
		return Environment{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return env, nil
}

// List returns all registered environments sorted by ID.
func (r *Registry) List() []Environment {
	out := make([]Environment, 0, len(r.environments))
	for _, env := range r.environments {
		out = append(out, env)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
