// Package workflow loads workflow templates and executes them step by step
// with loop-back control.
package workflow

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/codemachine-cli/codemachine/internal/agents"
	cmerrors "github.com/codemachine-cli/codemachine/internal/errors"
)

// StepTypeModule is the only step type the executor runs.
const StepTypeModule = "module"

// ActionStepBack is the only loop action.
const ActionStepBack = "stepBack"

// DefaultMaxIterations bounds a loop that does not set max_iterations.
const DefaultMaxIterations = 5

// Template is an ordered list of steps plus module-level loop behavior.
type Template struct {
	Name    string            `toml:"name" yaml:"name"`
	Steps   []Step            `toml:"steps" yaml:"steps"`
	Modules map[string]Module `toml:"modules" yaml:"modules"`

	// Path is the file the template was loaded from.
	Path string `toml:"-" yaml:"-"`
}

// Step binds an agent (and optionally an engine) to one position in the
// sequence.
type Step struct {
	ID              string                 `toml:"id" yaml:"id"`
	Type            string                 `toml:"type" yaml:"type"`
	Agent           string                 `toml:"agent" yaml:"agent"`
	AgentName       string                 `toml:"agent_name" yaml:"agent_name"`
	Engine          string                 `toml:"engine" yaml:"engine"`
	Model           string                 `toml:"model" yaml:"model"`
	ReasoningEffort agents.ReasoningEffort `toml:"reasoning_effort" yaml:"reasoning_effort"`
	Prompt          string                 `toml:"prompt" yaml:"prompt"`
	Phase           string                 `toml:"phase" yaml:"phase"`
	ExecuteOnce     bool                   `toml:"execute_once" yaml:"execute_once"`
	Fallback        string                 `toml:"fallback" yaml:"fallback"`
	Module          string                 `toml:"module" yaml:"module"`
	Request         string                 `toml:"request" yaml:"request"`
	Loops           []Loop                 `toml:"loops" yaml:"loops"`
}

// Module groups steps that share loop behavior.
type Module struct {
	Loops []Loop `toml:"loops" yaml:"loops"`
}

// Loop rewinds the cursor when the step's output matches Trigger.
type Loop struct {
	ID            string   `toml:"id" yaml:"id"`
	Action        string   `toml:"action" yaml:"action"`
	Steps         int      `toml:"steps" yaml:"steps"`
	Trigger       string   `toml:"trigger" yaml:"trigger"`
	MaxIterations int      `toml:"max_iterations" yaml:"max_iterations"`
	Skip          []string `toml:"skip" yaml:"skip"`
}

// Limit returns the effective iteration bound.
func (l Loop) Limit() int {
	if l.MaxIterations == 0 {
		return DefaultMaxIterations
	}
	return l.MaxIterations
}

// BoundLoop is a loop resolved for one step, with its counter key and
// compiled trigger.
type BoundLoop struct {
	Loop
	Key     string
	Matcher Trigger
}

// Load reads a template file. The format follows the extension: .yaml and
// .yml are YAML, everything else is TOML.
func Load(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cmerrors.IOFileNotFound(path)
		}
		return nil, cmerrors.IOReadError(path, err)
	}

	var t *Template
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		t, err = ParseYAML(data)
	default:
		t, err = ParseTOML(data)
	}
	if err != nil {
		return nil, cmerrors.WorkflowParse(path, err)
	}
	t.Path = path
	if len(t.Steps) == 0 {
		return nil, cmerrors.WorkflowEmpty(path)
	}
	return t, nil
}

// ParseTOML decodes a TOML template and fills defaults.
func ParseTOML(data []byte) (*Template, error) {
	var t Template
	md, err := toml.Decode(string(data), &t)
	if err != nil {
		return nil, fmt.Errorf("decode TOML: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %q", undecoded[0].String())
	}
	t.applyDefaults()
	return &t, nil
}

// ParseYAML decodes a YAML template and fills defaults.
func ParseYAML(data []byte) (*Template, error) {
	var t Template
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("decode YAML: %w", err)
	}
	t.applyDefaults()
	return &t, nil
}

func (t *Template) applyDefaults() {
	if t.Name == "" {
		t.Name = "default"
	}
	for i := range t.Steps {
		s := &t.Steps[i]
		if s.Type == "" {
			s.Type = StepTypeModule
		}
		if s.ID == "" {
			s.ID = fmt.Sprintf("%s-%d", s.Agent, i)
		}
		for j := range s.Loops {
			if s.Loops[j].Action == "" {
				s.Loops[j].Action = ActionStepBack
			}
		}
	}
	for name, m := range t.Modules {
		for j := range m.Loops {
			if m.Loops[j].Action == "" {
				m.Loops[j].Action = ActionStepBack
			}
		}
		t.Modules[name] = m
	}
}

// Index returns the position of the step with id, or -1.
func (t *Template) Index(id string) int {
	for i := range t.Steps {
		if t.Steps[i].ID == id {
			return i
		}
	}
	return -1
}

// IndexOfPhase returns the first step bound to phase, or -1.
func (t *Template) IndexOfPhase(phase string) int {
	if phase == "" {
		return -1
	}
	for i := range t.Steps {
		if t.Steps[i].Phase == phase {
			return i
		}
	}
	return -1
}

// AgentIDs returns every agent the template references, including fallbacks.
func (t *Template) AgentIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, s := range t.Steps {
		add(s.Agent)
		add(s.Fallback)
	}
	return ids
}

// LoopsFor returns the step's own loops followed by its module's loops, in
// declaration order, with compiled triggers. Keys default to
// "<stepID>#<position>".
func (t *Template) LoopsFor(step Step) ([]BoundLoop, error) {
	loops := append([]Loop(nil), step.Loops...)
	if step.Module != "" {
		loops = append(loops, t.Modules[step.Module].Loops...)
	}
	out := make([]BoundLoop, 0, len(loops))
	for i, l := range loops {
		m, err := CompileTrigger(l.Trigger)
		if err != nil {
			return nil, cmerrors.WorkflowInvalidLoop(step.ID, err.Error())
		}
		key := l.ID
		if key == "" {
			key = fmt.Sprintf("%s#%d", step.ID, i)
		}
		out = append(out, BoundLoop{Loop: l, Key: key, Matcher: m})
	}
	return out, nil
}
