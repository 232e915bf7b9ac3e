package ollama

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codemachine-cli/codemachine/internal/config"
	"github.com/codemachine-cli/codemachine/internal/engine"
)

func TestDecoder_ReassemblesLines(t *testing.T) {
	d := &Decoder{}
	var got []engine.Progress
	for _, l := range []string{
		`{"model":"llama3.1","response":"Hel","done":false}`,
		`{"model":"llama3.1","response":"lo\nwor","done":false}`,
		`{"model":"llama3.1","response":"ld","done":false}`,
		`{"model":"llama3.1","response":"","done":true,"done_reason":"stop","prompt_eval_count":26,"eval_count":7}`,
	} {
		ps, err := d.Decode(l)
		require.NoError(t, err)
		got = append(got, ps...)
	}

	require.Len(t, got, 3)
	assert.Equal(t, engine.Progress{Kind: engine.KindMessage, Text: "Hello"}, got[0])
	assert.Equal(t, engine.Progress{Kind: engine.KindMessage, Text: "world"}, got[1])
	require.NotNil(t, got[2].Usage)
	assert.Equal(t, int64(26), got[2].Usage.InputTokens)
	assert.Equal(t, int64(7), got[2].Usage.OutputTokens)
	assert.Empty(t, d.Flush())
}

func TestDecoder_FlushPartial(t *testing.T) {
	d := &Decoder{}
	_, err := d.Decode(`{"thinking":"hmm","response":""}`)
	require.NoError(t, err)
	_, err = d.Decode(`{"response":"partial"}`)
	require.NoError(t, err)

	assert.Equal(t, []engine.Progress{
		{Kind: engine.KindReasoning, Text: "hmm"},
		{Kind: engine.KindMessage, Text: "partial"},
	}, d.Flush())
}

func TestDecoder_Error(t *testing.T) {
	d := &Decoder{}
	got, err := d.Decode(`{"error":"model 'nope' not found"}`)
	require.NoError(t, err)
	assert.Equal(t, []engine.Progress{{Kind: engine.KindError, Text: "model 'nope' not found"}}, got)

	_, err = d.Decode("curl: (7) Failed to connect")
	assert.Error(t, err)
}

func TestInvocation(t *testing.T) {
	e := New(engine.Deps{Runtime: config.Runtime{OllamaHost: "http://localhost:11434/"}})

	inv, err := e.inv.Invocation(engine.RunOptions{Prompt: "hi", Model: "qwen3"})
	require.NoError(t, err)
	assert.Contains(t, inv.Args, "http://localhost:11434/api/generate")
	assert.Equal(t, "@-", inv.Args[len(inv.Args)-1])

	var req request
	require.NoError(t, json.Unmarshal([]byte(inv.Stdin), &req))
	assert.Equal(t, request{Model: "qwen3", Prompt: "hi", Stream: true}, req)
}

func TestMetadata(t *testing.T) {
	meta := Metadata()
	assert.Equal(t, "curl", meta.CLIBinary)
	assert.Equal(t, "llama3.1", meta.DefaultModel)
}
