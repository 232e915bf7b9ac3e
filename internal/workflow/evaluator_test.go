package workflow

import (
	"testing"

	"github.com/codemachine-cli/codemachine/internal/engine"
)

func TestMarkerEvaluator_Accept(t *testing.T) {
	tests := []struct {
		name string
		res  *engine.RunResult
		want bool
	}{
		{"nil result", nil, false},
		{"own line", &engine.RunResult{Message: "done\nTASK_COMPLETED"}, true},
		{"surrounding whitespace", &engine.RunResult{Message: "done\n  TASK_COMPLETED\t\n"}, true},
		{"only line", &engine.RunResult{Message: "TASK_COMPLETED"}, true},
		{"inline", &engine.RunResult{Message: "print TASK_COMPLETED when done"}, false},
		{"suffixed", &engine.RunResult{Message: "TASK_COMPLETED_NOT"}, false},
		{"stdout only", &engine.RunResult{Stdout: "TASK_COMPLETED\n", Message: "still working"}, false},
	}

	ev := NewMarkerEvaluator("")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ev.Accept(nil, tt.res); got != tt.want {
				t.Errorf("Accept() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMarkerEvaluator_CustomMarker(t *testing.T) {
	ev := NewMarkerEvaluator("DONE")
	if !ev.Accept(nil, &engine.RunResult{Message: "DONE"}) {
		t.Error("custom marker not accepted")
	}
	if ev.Accept(nil, &engine.RunResult{Message: "TASK_COMPLETED"}) {
		t.Error("default marker accepted under a custom marker")
	}
}
