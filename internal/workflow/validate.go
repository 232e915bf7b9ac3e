package workflow

import (
	"fmt"
	"strings"

	"github.com/codemachine-cli/codemachine/internal/agents"
	cmerrors "github.com/codemachine-cli/codemachine/internal/errors"
)

// EngineSet reports whether an engine id is registered and enabled.
type EngineSet interface {
	Has(id string) bool
}

// ValidationResult collects every problem found in a template.
type ValidationResult struct {
	Errors []*cmerrors.MachineError
}

// HasErrors returns true if there are any validation errors.
func (r *ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// Error implements the error interface.
func (r *ValidationResult) Error() string {
	if len(r.Errors) == 1 {
		return r.Errors[0].Error()
	}
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("validation failed with %d error(s):\n  - %s",
		len(r.Errors), strings.Join(msgs, "\n  - "))
}

// Unwrap exposes the individual errors to errors.Is and errors.As.
func (r *ValidationResult) Unwrap() []error {
	out := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		out[i] = e
	}
	return out
}

func (r *ValidationResult) add(err *cmerrors.MachineError) {
	r.Errors = append(r.Errors, err)
}

// Validate checks that every step resolves to a known agent and engine and
// that loops are well formed. It returns nil or a *ValidationResult.
func Validate(t *Template, catalog *agents.Catalog, engines EngineSet) error {
	r := &ValidationResult{}
	if len(t.Steps) == 0 {
		r.add(cmerrors.WorkflowEmpty(t.Path))
		return r
	}

	ids := make(map[string]bool, len(t.Steps))
	for _, s := range t.Steps {
		if ids[s.ID] {
			r.add(cmerrors.WorkflowDuplicateStep(s.ID))
		}
		ids[s.ID] = true
	}

	for _, s := range t.Steps {
		if s.Type != StepTypeModule {
			r.add(cmerrors.ConfigInvalidValue("steps."+s.ID+".type", s.Type, "only \"module\" steps are supported"))
		}
		if s.ReasoningEffort != "" && !s.ReasoningEffort.Valid() {
			r.add(cmerrors.ConfigInvalidValue("steps."+s.ID+".reasoning_effort", s.ReasoningEffort, "must be low, medium or high"))
		}

		agent, ok := catalog.Get(s.Agent)
		if !ok {
			r.add(cmerrors.WorkflowUnknownAgent(s.ID, s.Agent))
		}
		if s.Fallback != "" && !catalog.Has(s.Fallback) {
			r.add(cmerrors.WorkflowUnknownAgent(s.ID, s.Fallback).WithDetail("fallback", true))
		}

		engineID := s.Engine
		if engineID == "" {
			engineID = agent.Engine
		}
		if engineID != "" && engines != nil && !engines.Has(engineID) {
			r.add(cmerrors.WorkflowUnknownEngine(s.ID, engineID))
		}

		if s.Module != "" {
			if _, ok := t.Modules[s.Module]; !ok {
				r.add(cmerrors.WorkflowInvalidLoop(s.ID, fmt.Sprintf("unknown module %q", s.Module)))
			}
		}

		loops := append([]Loop(nil), s.Loops...)
		if m, ok := t.Modules[s.Module]; ok {
			loops = append(loops, m.Loops...)
		}
		for _, l := range loops {
			validateLoop(r, s.ID, l, ids)
		}
	}
	if r.HasErrors() {
		return r
	}
	return nil
}

func validateLoop(r *ValidationResult, stepID string, l Loop, ids map[string]bool) {
	if l.Action != ActionStepBack {
		r.add(cmerrors.WorkflowInvalidLoop(stepID, fmt.Sprintf("unknown action %q", l.Action)))
	}
	if l.Steps <= 0 {
		r.add(cmerrors.WorkflowInvalidLoop(stepID, fmt.Sprintf("steps must be > 0, got %d", l.Steps)))
	}
	if l.MaxIterations < 0 {
		r.add(cmerrors.WorkflowInvalidLoop(stepID, fmt.Sprintf("max_iterations must be >= 0, got %d", l.MaxIterations)))
	}
	if _, err := CompileTrigger(l.Trigger); err != nil {
		r.add(cmerrors.WorkflowInvalidLoop(stepID, err.Error()))
	}
	for _, id := range l.Skip {
		if !ids[id] {
			r.add(cmerrors.WorkflowInvalidLoop(stepID, fmt.Sprintf("skip references unknown step %q", id)))
		}
	}
}
