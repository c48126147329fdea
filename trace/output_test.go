package trace

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeOutput(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want OutputKind
	}{
		{"empty payload", "", OutputNone},
		{"null payload", "null", OutputNone},
		{"null with whitespace", "  null  ", OutputNone},
		{"bare string", `"all done"`, OutputText},
		{"cli by stdout", `{"stdout":"ok","exit_code":0}`, OutputCLI},
		{"cli by stderr only", `{"stderr":"boom","exit_code":2}`, OutputCLI},
		{"llm by content", `{"content":"The answer is 42","model":"sonnet"}`, OutputLLM},
		{"llm content without model", `{"content":"plain"}`, OutputLLM},
		{"cli wins over llm keys", `{"stdout":"x","content":"y"}`, OutputCLI},
		{"object without known keys", `{"rows":[1,2,3]}`, OutputStructured},
		{"array", `[1,2,3]`, OutputStructured},
		{"number", `42`, OutputStructured},
		{"boolean", `true`, OutputStructured},
		{"invalid json", `{not json`, OutputNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := DecodeOutput(json.RawMessage(tt.raw))
			assert.Equal(t, tt.want, out.Kind)
		})
	}
}

func TestDecodeOutput_CLIFields(t *testing.T) {
	out := DecodeOutput(json.RawMessage(`{"stdout":"hello\n","stderr":"warn\n","exit_code":3}`))

	require.Equal(t, OutputCLI, out.Kind)
	require.NotNil(t, out.CLI)
	assert.Equal(t, "hello\n", out.CLI.Stdout)
	assert.Equal(t, "warn\n", out.CLI.Stderr)
	assert.Equal(t, 3, out.CLI.ExitCode)
	assert.Nil(t, out.LLM)
}

func TestDecodeOutput_LLMFields(t *testing.T) {
	out := DecodeOutput(json.RawMessage(`{"provider":"anthropic","model":"sonnet","content":"done"}`))

	require.Equal(t, OutputLLM, out.Kind)
	require.NotNil(t, out.LLM)
	assert.Equal(t, "anthropic", out.LLM.Provider)
	assert.Equal(t, "sonnet", out.LLM.Model)
	assert.Equal(t, "done", out.LLM.Content)
}

func TestDecodeOutput_TextPayload(t *testing.T) {
	out := DecodeOutput(json.RawMessage(`"plain result"`))

	require.Equal(t, OutputText, out.Kind)
	assert.Equal(t, "plain result", out.Text)
}

func TestDecodeOutput_StructuredDoesNotAlias(t *testing.T) {
	raw := []byte(`{"rows":[1]}`)
	out := DecodeOutput(raw)

	require.Equal(t, OutputStructured, out.Kind)
	raw[2] = 'X'
	assert.JSONEq(t, `{"rows":[1]}`, string(out.Structured))
}

func TestTraceNormalize(t *testing.T) {
	tr := &Trace{
		ID: "tr-1",
		Executions: []TaskExecution{
			{
				ExecutionID: "e1",
				Status:      StatusCompleted,
				Phases: &Phases{
					ToolExecution: &ToolExecutionPhase{
						ToolName:  "shell",
						RawOutput: json.RawMessage(`{"stdout":"ok","exit_code":0}`),
					},
				},
			},
			{
				ExecutionID: "e2",
				Status:      StatusCompleted,
			},
		},
	}

	tr.Normalize()

	out := tr.Executions[0].Phases.ToolExecution.Output
	require.Equal(t, OutputCLI, out.Kind)
	assert.Equal(t, "ok", out.CLI.Stdout)
}

func TestStatusHelpers(t *testing.T) {
	assert.True(t, IsValidStatus("running"))
	assert.True(t, IsValidStatus("completed"))
	assert.True(t, IsValidStatus("error"))
	assert.True(t, IsValidStatus("cancelled"))
	assert.False(t, IsValidStatus("paused"))
	assert.False(t, IsValidStatus(""))

	assert.False(t, StatusRunning.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusError.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
}

func TestTraceSummary(t *testing.T) {
	tr := &Trace{
		ID:      "tr-9",
		SOPName: "deploy-checklist",
		Status:  StatusRunning,
		Executions: []TaskExecution{
			{ExecutionID: "e1"}, {ExecutionID: "e2"},
		},
	}

	sum := tr.Summary()

	assert.Equal(t, "tr-9", sum.ID)
	assert.Equal(t, "deploy-checklist", sum.SOPName)
	assert.Equal(t, StatusRunning, sum.Status)
	assert.Equal(t, 2, sum.ExecutionCount)
}
