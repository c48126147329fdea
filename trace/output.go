package trace

import (
	"bytes"
	"encoding/json"
)

// OutputKind tags the decoded shape of a tool-execution output.
type OutputKind string

const (
	OutputLLM        OutputKind = "llm"
	OutputCLI        OutputKind = "cli"
	OutputStructured OutputKind = "structured"
	OutputText       OutputKind = "text"
	OutputNone       OutputKind = "none"
)

// Output is the tagged union a tool-execution payload decodes into. Exactly
// one of the payload fields is set, matching Kind. Renderers switch on Kind
// and never probe raw JSON shapes themselves.
type Output struct {
	Kind       OutputKind      `json:"kind"`
	LLM        *LLMOutput      `json:"llm,omitempty"`
	CLI        *CLIOutput      `json:"cli,omitempty"`
	Structured json.RawMessage `json:"structured,omitempty"`
	Text       string          `json:"text,omitempty"`
}

// LLMOutput is a language-model response payload.
type LLMOutput struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Content  string `json:"content"`
}

// CLIOutput is a command invocation result payload.
type CLIOutput struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode int    `json:"exit_code"`
}

var nullLiteral = []byte("null")

// DecodeOutput classifies a raw tool-execution payload into the output
// tagged union. Precedence when an object carries overlapping keys:
//
//	stdout/stderr/exit_code -> cli
//	content                 -> llm
//	any other object/array  -> structured
//	bare JSON string        -> text
//	absent/null/invalid     -> none
//
// The decode is total: it never returns an error, so ingestion cannot fail
// on an output shape the engine has not taught us yet.
func DecodeOutput(raw json.RawMessage) Output {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, nullLiteral) {
		return Output{Kind: OutputNone}
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return Output{Kind: OutputText, Text: s}
		}
		return Output{Kind: OutputNone}

	case '{':
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &probe); err != nil {
			return Output{Kind: OutputNone}
		}
		if hasAnyKey(probe, "stdout", "stderr", "exit_code") {
			var cli CLIOutput
			if err := json.Unmarshal(trimmed, &cli); err == nil {
				return Output{Kind: OutputCLI, CLI: &cli}
			}
		}
		if hasAnyKey(probe, "content") {
			var llm LLMOutput
			if err := json.Unmarshal(trimmed, &llm); err == nil {
				return Output{Kind: OutputLLM, LLM: &llm}
			}
		}
		return Output{Kind: OutputStructured, Structured: cloneRaw(trimmed)}

	default:
		// Arrays, numbers, booleans: structured JSON without a known shape
		if json.Valid(trimmed) {
			return Output{Kind: OutputStructured, Structured: cloneRaw(trimmed)}
		}
		return Output{Kind: OutputNone}
	}
}

func hasAnyKey(m map[string]json.RawMessage, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

// cloneRaw copies the payload so the decoded output does not alias the
// fetch buffer it was sliced from.
func cloneRaw(raw []byte) json.RawMessage {
	return json.RawMessage(bytes.Clone(raw))
}
