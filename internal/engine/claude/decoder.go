package claude

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/codemachine-cli/codemachine/internal/engine"
	"github.com/codemachine-cli/codemachine/internal/telemetry"
)

// Event is one stream-json line.
type Event struct {
	Type      string   `json:"type"`
	Subtype   string   `json:"subtype,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	Model     string   `json:"model,omitempty"`
	Message   *Message `json:"message,omitempty"`
	Result    string   `json:"result,omitempty"`
	IsError   bool     `json:"is_error,omitempty"`
	Usage     *Usage   `json:"usage,omitempty"`
}

// Message is an assistant or user turn.
type Message struct {
	Role    string    `json:"role"`
	Content []Content `json:"content"`
}

// Content is one block of a message.
type Content struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Usage is the token summary on the result event.
type Usage struct {
	InputTokens          int64 `json:"input_tokens"`
	CacheReadInputTokens int64 `json:"cache_read_input_tokens"`
	OutputTokens         int64 `json:"output_tokens"`
}

const maxInputLen = 120

// Decoder converts claude stream-json events into progress lines. It
// remembers tool names so results can be labelled.
type Decoder struct {
	tools map[string]string
}

// NewDecoder returns a decoder for one run.
func NewDecoder() *Decoder {
	return &Decoder{tools: make(map[string]string)}
}

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

	switch ev.Type {
	case "":
		return nil, fmt.Errorf("event without type")
	case "system":
		if ev.Subtype != "init" {
			return nil, nil
		}
		text := "session " + ev.SessionID + " started"
		if ev.Model != "" {
			text += " (" + ev.Model + ")"
		}
		return []engine.Progress{{Kind: engine.KindStatus, Text: text}}, nil
	case "assistant":
		if ev.Message == nil {
			return nil, fmt.Errorf("assistant event without message")
		}
		return d.assistant(ev.Message), nil
	case "user":
		if ev.Message == nil {
			return nil, nil
		}
		return d.toolResults(ev.Message), nil
	case "result":
		var out []engine.Progress
		if ev.Usage != nil {
			out = append(out, engine.Progress{Kind: engine.KindUsage, Usage: &telemetry.Usage{
				InputTokens:  ev.Usage.InputTokens,
				CachedTokens: ev.Usage.CacheReadInputTokens,
				OutputTokens: ev.Usage.OutputTokens,
			}})
		}
		if ev.IsError || strings.HasPrefix(ev.Subtype, "error") {
			msg := ev.Result
			if msg == "" {
				msg = ev.Subtype
			}
			out = append(out, engine.Progress{Kind: engine.KindError, Text: msg})
		}
		return out, nil
	}
	return nil, nil
}

func (d *Decoder) assistant(m *Message) []engine.Progress {
	var out []engine.Progress
	for _, c := range m.Content {
		switch c.Type {
		case "text":
			if text := strings.TrimSpace(c.Text); text != "" {
				out = append(out, engine.Progress{Kind: engine.KindMessage, Text: text})
			}
		case "thinking":
			if text := strings.TrimSpace(c.Thinking); text != "" {
				out = append(out, engine.Progress{Kind: engine.KindReasoning, Text: text})
			}
		case "tool_use":
			d.tools[c.ID] = c.Name
			out = append(out, engine.Progress{Kind: engine.KindTool, Text: describeTool(c.Name, c.Input)})
		}
	}
	return out
}

func (d *Decoder) toolResults(m *Message) []engine.Progress {
	var out []engine.Progress
	for _, c := range m.Content {
		if c.Type != "tool_result" || !c.IsError {
			continue
		}
		name := d.tools[c.ToolUseID]
		if name == "" {
			name = c.ToolUseID
		}
		out = append(out, engine.Progress{Kind: engine.KindTool, Text: name, Failed: true})
	}
	return out
}

// describeTool summarizes a tool call by its most telling argument.
func describeTool(name string, input json.RawMessage) string {
	var args map[string]any
	if len(input) == 0 || json.Unmarshal(input, &args) != nil {
		return name
	}
	for _, key := range []string{"command", "file_path", "path", "pattern", "url", "description"} {
		if v, ok := args[key].(string); ok && v != "" {
			return name + " " + engine.Truncate(v, maxInputLen)
		}
	}
	return name
}
