package codex

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/codemachine-cli/codemachine/internal/engine"
	"github.com/codemachine-cli/codemachine/internal/telemetry"
)

// Event is one line of `codex exec --json` output.
type Event struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id,omitempty"`
	Item     *Item  `json:"item,omitempty"`
	Usage    *Usage `json:"usage,omitempty"`
	Message  string `json:"message,omitempty"`
	Error    *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Item is a thread item carried by item.* events.
type Item struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Command  string `json:"command,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Status   string `json:"status,omitempty"`
	Query    string `json:"query,omitempty"`
	Changes  []struct {
		Path string `json:"path"`
		Kind string `json:"kind"`
	} `json:"changes,omitempty"`
	Server  string `json:"server,omitempty"`
	Tool    string `json:"tool,omitempty"`
	Message string `json:"message,omitempty"`
}

// Usage is the token summary on turn.completed.
type Usage struct {
	InputTokens       int64 `json:"input_tokens"`
	CachedInputTokens int64 `json:"cached_input_tokens"`
	OutputTokens      int64 `json:"output_tokens"`
}

const maxCommandLen = 120

// Decoder converts codex JSON events into progress lines.
type Decoder struct{}

// Decode implements engine.Decoder.
func (d *Decoder) Decode(line string) ([]engine.Progress, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}
	var ev Event
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return nil, err
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("event without type")
	}

	switch ev.Type {
	case "thread.started":
		return []engine.Progress{{Kind: engine.KindStatus, Text: "session " + ev.ThreadID + " started"}}, nil
	case "turn.completed":
		if ev.Usage == nil {
			return nil, nil
		}
		return []engine.Progress{{Kind: engine.KindUsage, Usage: &telemetry.Usage{
			InputTokens:  ev.Usage.InputTokens,
			CachedTokens: ev.Usage.CachedInputTokens,
			OutputTokens: ev.Usage.OutputTokens,
		}}}, nil
	case "turn.failed":
		msg := "turn failed"
		if ev.Error != nil && ev.Error.Message != "" {
			msg = ev.Error.Message
		}
		return []engine.Progress{{Kind: engine.KindError, Text: msg}}, nil
	case "error":
		return []engine.Progress{{Kind: engine.KindError, Text: ev.Message}}, nil
	case "item.started":
		if ev.Item != nil && ev.Item.Type == "command_execution" {
			return []engine.Progress{{Kind: engine.KindStatus, Text: "running " + engine.Truncate(ev.Item.Command, maxCommandLen)}}, nil
		}
		return nil, nil
	case "item.completed":
		if ev.Item == nil {
			return nil, fmt.Errorf("%s without item", ev.Type)
		}
		return decodeItem(ev.Item), nil
	}
	// turn.started, item.updated and future event types carry nothing to show.
	return nil, nil
}

func decodeItem(it *Item) []engine.Progress {
	switch it.Type {
	case "reasoning":
		text := strings.TrimSpace(it.Text)
		if text == "" {
			return nil
		}
		return []engine.Progress{{Kind: engine.KindReasoning, Text: text}}
	case "agent_message":
		text := strings.TrimSpace(it.Text)
		if text == "" {
			return nil
		}
		return []engine.Progress{{Kind: engine.KindMessage, Text: text}}
	case "command_execution":
		failed := it.Status == "failed" || (it.ExitCode != nil && *it.ExitCode != 0)
		text := engine.Truncate(it.Command, maxCommandLen)
		if it.ExitCode != nil && *it.ExitCode != 0 {
			text += fmt.Sprintf(" (exit %d)", *it.ExitCode)
		}
		return []engine.Progress{{Kind: engine.KindTool, Text: text, Failed: failed}}
	case "file_change":
		var paths []string
		for _, c := range it.Changes {
			paths = append(paths, c.Kind+" "+c.Path)
		}
		return []engine.Progress{{Kind: engine.KindTool, Text: "edit " + strings.Join(paths, ", "), Failed: it.Status == "failed"}}
	case "mcp_tool_call":
		return []engine.Progress{{Kind: engine.KindTool, Text: it.Server + "." + it.Tool, Failed: it.Status == "failed"}}
	case "web_search":
		return []engine.Progress{{Kind: engine.KindTool, Text: "search " + it.Query}}
	case "error":
		return []engine.Progress{{Kind: engine.KindError, Text: it.Message}}
	}
	return nil
}
