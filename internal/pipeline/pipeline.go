// Package pipeline loads declarative pipeline files: an ordered list of
// steps, each naming a procedure and its parameters, resolved against
// one subject/session and executed sequentially.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/yalab-neuro/neuroproc/internal/bids"
	"github.com/yalab-neuro/neuroproc/internal/procedure"
)

// Step is one pipeline entry: the procedure to run and its parameters.
// String parameters may carry {subject} and {session} placeholders.
type Step struct {
	Name            string         `yaml:"name"`
	Procedure       string         `yaml:"procedure"`
	ContinueOnError bool           `yaml:"continue_on_error"`
	With            map[string]any `yaml:"with"`
}

// Pipeline is an ordered list of steps run over one subject/session.
type Pipeline struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Load reads a pipeline file. An unnamed pipeline takes the file name;
// an unnamed step takes its procedure name.
func Load(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if p.Name == "" {
		base := filepath.Base(path)
		p.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	for i := range p.Steps {
		if p.Steps[i].Name == "" {
			p.Steps[i].Name = p.Steps[i].Procedure
		}
	}
	return &p, nil
}

// Validate checks the pipeline shape against the known procedure names.
func (p *Pipeline) Validate(known []string) error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("pipeline %s: no steps", p.Name)
	}
	knownSet := make(map[string]bool, len(known))
	for _, name := range known {
		knownSet[name] = true
	}
	seen := make(map[string]bool, len(p.Steps))
	for i, s := range p.Steps {
		if s.Name == "" {
			return fmt.Errorf("pipeline %s: step %d has no name", p.Name, i)
		}
		if seen[s.Name] {
			return fmt.Errorf("pipeline %s: duplicate step %q", p.Name, s.Name)
		}
		seen[s.Name] = true
		if s.Procedure == "" {
			return fmt.Errorf("pipeline %s: step %q names no procedure", p.Name, s.Name)
		}
		if !knownSet[s.Procedure] {
			return fmt.Errorf("pipeline %s: step %q: unknown procedure %q", p.Name, s.Name, s.Procedure)
		}
	}
	return nil
}

// Resolve returns a copy of the pipeline with {subject} and {session}
// placeholders in string parameters expanded.
func (p *Pipeline) Resolve(subject, session string) *Pipeline {
	out := &Pipeline{Name: p.Name, Steps: make([]Step, len(p.Steps))}
	for i, s := range p.Steps {
		rs := s
		if len(s.With) > 0 {
			rs.With = make(map[string]any, len(s.With))
			for k, v := range s.With {
				if str, ok := v.(string); ok {
					rs.With[k] = bids.Expand(str, subject, session)
				} else {
					rs.With[k] = v
				}
			}
		}
		out.Steps[i] = rs
	}
	return out
}

// BuildFunc constructs a configured procedure from a resolved step.
type BuildFunc func(step Step) (procedure.Spec, error)

// Run executes the steps in order through runner. A failed step aborts
// the pipeline unless it sets continue_on_error.
func (p *Pipeline) Run(ctx context.Context, runner *procedure.Runner, build BuildFunc, log *slog.Logger) error {
	for _, step := range p.Steps {
		spec, err := build(step)
		if err != nil {
			return fmt.Errorf("pipeline %s: step %s: %w", p.Name, step.Name, err)
		}
		log.Info("running pipeline step", "pipeline", p.Name, "step", step.Name, "procedure", spec.Name())
		if _, err := runner.Run(ctx, spec); err != nil {
			if step.ContinueOnError {
				log.Warn("pipeline step failed, continuing", "step", step.Name, "error", err)
				continue
			}
			return fmt.Errorf("pipeline %s: step %s: %w", p.Name, step.Name, err)
		}
	}
	return nil
}

// String returns the string parameter under key, or def when absent or
// not a string.
func (s Step) String(key, def string) string {
	v, ok := s.With[key]
	if !ok {
		return def
	}
	str, ok := v.(string)
	if !ok {
		return def
	}
	return str
}

// Int returns the integer parameter under key, or def when absent.
func (s Step) Int(key string, def int) int {
	switch v := s.With[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// Float returns the float parameter under key, or def when absent.
// Integer-typed YAML values convert.
func (s Step) Float(key string, def float64) float64 {
	switch v := s.With[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return def
	}
}

// Bool returns the boolean parameter under key, or def when absent.
func (s Step) Bool(key string, def bool) bool {
	v, ok := s.With[key].(bool)
	if !ok {
		return def
	}
	return v
}

// Strings returns the string-list parameter under key. A bare string
// yields a single-element list.
func (s Step) Strings(key string) []string {
	switch v := s.With[key].(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}
