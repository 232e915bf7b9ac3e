package workflow

import (
	"strings"

	"github.com/codemachine-cli/codemachine/internal/config"
	"github.com/codemachine-cli/codemachine/internal/engine"
	"github.com/codemachine-cli/codemachine/internal/ledger"
)

// Evaluator decides whether a step's result satisfies a task's acceptance
// criteria.
type Evaluator interface {
	Accept(task *ledger.Task, res *engine.RunResult) bool
}

// Instructor is implemented by evaluators that tell the agent how to signal
// acceptance.
type Instructor interface {
	Instruction(task *ledger.Task) string
}

// MarkerEvaluator accepts a task when the agent's final message has Marker
// on a line of its own. Reasoning and tool output never count.
type MarkerEvaluator struct {
	Marker string
}

// NewMarkerEvaluator returns an evaluator for marker, or the default marker
// when empty.
func NewMarkerEvaluator(marker string) *MarkerEvaluator {
	if marker == "" {
		marker = config.DefaultCompletionMarker
	}
	return &MarkerEvaluator{Marker: marker}
}

// Accept implements Evaluator.
func (m *MarkerEvaluator) Accept(task *ledger.Task, res *engine.RunResult) bool {
	if res == nil {
		return false
	}
	for _, line := range strings.Split(res.Message, "\n") {
		if strings.TrimSpace(line) == m.Marker {
			return true
		}
	}
	return false
}

// Instruction implements Instructor.
func (m *MarkerEvaluator) Instruction(task *ledger.Task) string {
	return "When every acceptance criterion is met, print " + m.Marker + " on its own line."
}
