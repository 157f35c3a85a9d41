// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_provider

import (
	"context"

	internal_audio "github.com/rapidaai/voice-engine/internal/audio"
)

// The adapter interfaces below are the building blocks of composed
// pipelines: one streaming transcriber, one language model, one speech
// synthesizer, orchestrated by the pipeline session.

// Transcript is one STT result.
type Transcript struct {
	Text string
	// Final marks an endpointed utterance; partials refine until then.
	Final bool
	// SpeechStarted is set on the first result of a new utterance.
	SpeechStarted bool
}

// TranscriptStream is one live STT connection.
type TranscriptStream interface {
	SendAudio(pcm []byte) error
	Results() <-chan Transcript
	Close() error
}

// Transcriber opens streaming STT sessions.
type Transcriber interface {
	Name() string
	SupportedFormats() []internal_audio.AudioFormat
	Start(ctx context.Context, format internal_audio.AudioFormat) (TranscriptStream, error)
}

// ChatRole is a conversation role in LLM requests.
type ChatRole string

const (
	ChatRoleSystem    ChatRole = "system"
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
	ChatRoleTool      ChatRole = "tool"
)

// ToolCall is one function invocation requested by the model.
type ToolCall struct {
	ID   string
	Name string
	// Args is the parsed argument object, values stringified.
	Args map[string]string
	// RawArgs preserves the model's original JSON argument string.
	RawArgs string
}

// ChatMessage is one turn of LLM conversation context.
type ChatMessage struct {
	Role       ChatRole
	Content    string
	ToolCallID string
	ToolCalls  []ToolCall
}

// ChatRequest is one LLM completion request.
type ChatRequest struct {
	Messages []ChatMessage
	// Tools in the flat schema shape; adapters reshape as their API needs.
	Tools []map[string]interface{}
}

// ChatDelta is one streamed fragment of an LLM response. Text deltas arrive
// incrementally; tool calls arrive complete on the final delta.
type ChatDelta struct {
	Text      string
	ToolCalls []ToolCall
	Done      bool
	Err       error
}

// LanguageModel streams chat completions.
type LanguageModel interface {
	Name() string
	// SupportsTools reports whether the backend accepts function schemas.
	SupportsTools() bool
	StreamChat(ctx context.Context, req ChatRequest) (<-chan ChatDelta, error)
}

// Synthesizer streams TTS audio for one utterance. The returned channel is
// closed when the utterance's audio is complete.
type Synthesizer interface {
	Name() string
	SupportedFormats() []internal_audio.AudioFormat
	Synthesize(ctx context.Context, text string, format internal_audio.AudioFormat) (<-chan []byte, error)
}
