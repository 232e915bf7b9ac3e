package ollama

import (
	"encoding/json"
	"strings"

	"github.com/codemachine-cli/codemachine/internal/engine"
	"github.com/codemachine-cli/codemachine/internal/telemetry"
)

// Chunk is one streamed /api/generate response object.
type Chunk struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Thinking        string `json:"thinking,omitempty"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason,omitempty"`
	PromptEvalCount int64  `json:"prompt_eval_count,omitempty"`
	EvalCount       int64  `json:"eval_count,omitempty"`
	Error           string `json:"error,omitempty"`
}

// Decoder reassembles token fragments into whole lines.
type Decoder struct {
	text     strings.Builder
	thinking strings.Builder
}

var _ engine.Flusher = (*Decoder)(nil)

// Decode implements engine.Decoder.
func (d *Decoder) Decode(line string) ([]engine.Progress, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}
	var c Chunk
	if err := json.Unmarshal([]byte(line), &c); err != nil {
		return nil, err
	}
	if c.Error != "" {
		out := d.Flush()
		return append(out, engine.Progress{Kind: engine.KindError, Text: c.Error}), nil
	}

	var out []engine.Progress
	if c.Thinking != "" {
		d.thinking.WriteString(c.Thinking)
		out = append(out, drain(&d.thinking, engine.KindReasoning)...)
	}
	if c.Response != "" {
		d.text.WriteString(c.Response)
		out = append(out, drain(&d.text, engine.KindMessage)...)
	}
	if c.Done {
		out = append(out, d.Flush()...)
		out = append(out, engine.Progress{Kind: engine.KindUsage, Usage: &telemetry.Usage{
			InputTokens:  c.PromptEvalCount,
			OutputTokens: c.EvalCount,
		}})
	}
	return out, nil
}

// Flush implements engine.Flusher.
func (d *Decoder) Flush() []engine.Progress {
	var out []engine.Progress
	if s := strings.TrimSpace(d.thinking.String()); s != "" {
		out = append(out, engine.Progress{Kind: engine.KindReasoning, Text: s})
	}
	if s := strings.TrimSpace(d.text.String()); s != "" {
		out = append(out, engine.Progress{Kind: engine.KindMessage, Text: s})
	}
	d.thinking.Reset()
	d.text.Reset()
	return out
}

// drain emits every complete line held in b and keeps the partial tail.
func drain(b *strings.Builder, kind engine.ProgressKind) []engine.Progress {
	s := b.String()
	idx := strings.LastIndexByte(s, '\n')
	if idx < 0 {
		return nil
	}
	var out []engine.Progress
	for _, l := range strings.Split(s[:idx], "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, engine.Progress{Kind: kind, Text: l})
		}
	}
	b.Reset()
	b.WriteString(s[idx+1:])
	return out
}
