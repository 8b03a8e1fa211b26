// Package tasks loads task definitions from a YAML file and resolves them for callers.
package tasks

import (
	"context"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"recurflow/internal/domain"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrAccessDenied      = errors.New("user is not allowed to run task")
	ErrUnknownParameter  = errors.New("unknown parameter")
	ErrMissingParameter  = errors.New("required parameter is missing")
	ErrInvalidDefinition = errors.New("invalid task definition")
)

// Handlers known to the execution service.
const (
	HandlerShell = "shell"
	HandlerHTTP  = "http"
)

type file struct {
	Tasks []definition `yaml:"tasks"`
}

type definition struct {
	Name                  string            `yaml:"name"`
	Handler               string            `yaml:"handler"`
	Command               []string          `yaml:"command"`
	URL                   string            `yaml:"url"`
	Method                string            `yaml:"method"`
	Headers               map[string]string `yaml:"headers"`
	Timeout               time.Duration     `yaml:"timeout"`
	Schedulable           bool              `yaml:"schedulable"`
	SchedulingAutoCleanup bool              `yaml:"scheduling_auto_cleanup"`
	AllowedUsers          []string          `yaml:"allowed_users"`
	Parameters            []parameter       `yaml:"parameters"`
}

type parameter struct {
	Name     string `yaml:"name"`
	Required bool   `yaml:"required"`
	Secure   bool   `yaml:"secure"`
	Default  any    `yaml:"default"`
}

// Registry holds the current set of definitions. A failed reload keeps the previous set.
type Registry struct {
	path string
	log  zerolog.Logger

	mu   sync.RWMutex
	defs map[string]definition
}

// Load reads path and returns a registry over it.
func Load(path string, log zerolog.Logger) (*Registry, error) {
	r := &Registry{path: path, log: log.With().Str("component", "tasks").Logger()}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the definitions file.
func (r *Registry) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return errors.Wrapf(err, "read %s", r.path)
	}
	defs, err := parse(data)
	if err != nil {
		return errors.Wrapf(err, "parse %s", r.path)
	}

	r.mu.Lock()
	r.defs = defs
	r.mu.Unlock()
	r.log.Info().Int("tasks", len(defs)).Str("path", r.path).Msg("task definitions loaded")
	return nil
}

func parse(data []byte) (map[string]definition, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Mark(err, ErrInvalidDefinition)
	}
	defs := make(map[string]definition, len(f.Tasks))
	for i, d := range f.Tasks {
		if strings.TrimSpace(d.Name) == "" {
			return nil, errors.Mark(errors.Newf("task #%d has no name", i+1), ErrInvalidDefinition)
		}
		if _, dup := defs[d.Name]; dup {
			return nil, errors.Mark(errors.Newf("task %q defined twice", d.Name), ErrInvalidDefinition)
		}
		switch d.Handler {
		case HandlerShell:
			if len(d.Command) == 0 {
				return nil, errors.Mark(errors.Newf("task %q: command is required", d.Name), ErrInvalidDefinition)
			}
		case HandlerHTTP:
			if d.URL == "" {
				return nil, errors.Mark(errors.Newf("task %q: url is required", d.Name), ErrInvalidDefinition)
			}
		default:
			return nil, errors.Mark(errors.Newf("task %q: unknown handler %q", d.Name, d.Handler), ErrInvalidDefinition)
		}
		seen := map[string]bool{}
		for _, p := range d.Parameters {
			if p.Name == "" || seen[p.Name] {
				return nil, errors.Mark(errors.Newf("task %q: bad parameter name %q", d.Name, p.Name), ErrInvalidDefinition)
			}
			seen[p.Name] = true
		}
		defs[d.Name] = d
	}
	return defs, nil
}

// Names lists the known tasks in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve applies values to the named definition on behalf of user.
func (r *Registry) Resolve(_ context.Context, name string, user domain.User, values map[string]any) (domain.TaskDefinition, error) {
	r.mu.RLock()
	d, ok := r.defs[name]
	r.mu.RUnlock()
	if !ok {
		return domain.TaskDefinition{}, errors.Wrapf(ErrNotFound, "%s", name)
	}
	if !allowed(d.AllowedUsers, user) {
		return domain.TaskDefinition{}, errors.Wrapf(ErrAccessDenied, "%s (%s)", name, user.ID)
	}

	known := make(map[string]bool, len(d.Parameters))
	params := make([]domain.ResolvedParameter, 0, len(d.Parameters))
	for _, p := range d.Parameters {
		known[p.Name] = true
		rp := domain.ResolvedParameter{Name: p.Name, Secure: p.Secure, Default: p.Default, Value: p.Default}
		if v, ok := values[p.Name]; ok && v != nil {
			rp.UserValue = v
			rp.Value = v
		}
		if p.Required && rp.Value == nil {
			return domain.TaskDefinition{}, errors.Wrapf(ErrMissingParameter, "%s: %s", name, p.Name)
		}
		params = append(params, rp)
	}
	for k := range values {
		if !known[k] {
			return domain.TaskDefinition{}, errors.Wrapf(ErrUnknownParameter, "%s: %s", name, k)
		}
	}

	return domain.TaskDefinition{
		Name:                  d.Name,
		Handler:               d.Handler,
		Command:               slices.Clone(d.Command),
		URL:                   d.URL,
		Method:                d.Method,
		Headers:               d.Headers,
		Timeout:               d.Timeout,
		Schedulable:           d.Schedulable,
		SchedulingAutoCleanup: d.SchedulingAutoCleanup,
		Parameters:            params,
	}, nil
}

// allowed matches user ids and "@group" entries. An empty list or "*" admits everyone.
func allowed(list []string, user domain.User) bool {
	if len(list) == 0 {
		return true
	}
	for _, entry := range list {
		switch {
		case entry == "*", entry == user.ID:
			return true
		case strings.HasPrefix(entry, "@") && slices.Contains(user.Groups, entry[1:]):
			return true
		}
	}
	return false
}
