// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_provider defines the contract between the engine core and
// conversational AI backends. A provider is either monolithic (one realtime
// socket doing STT, reasoning, and TTS) or a composed pipeline of separate
// adapters; the engine cannot tell the difference, it sees one event stream.
package internal_provider

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	internal_audio "github.com/rapidaai/voice-engine/internal/audio"
	internal_gating "github.com/rapidaai/voice-engine/internal/gating"
	internal_tools "github.com/rapidaai/voice-engine/internal/tools"
	internal_transport "github.com/rapidaai/voice-engine/internal/transport"
)

// ErrSessionClosed is returned by session operations after Close.
var ErrSessionClosed = errors.New("provider: session closed")

// EventType tags one provider event.
type EventType string

const (
	// EventUserStartedSpeaking signals server-side VAD detected the caller.
	// Monolithic providers emit it; pipelines synthesize it from STT.
	EventUserStartedSpeaking EventType = "user_started_speaking"
	// EventUserTranscript carries a caller transcript, partial or final.
	EventUserTranscript EventType = "user_transcript"
	// EventAgentAudio carries one chunk of provider-output-format audio.
	EventAgentAudio EventType = "agent_audio"
	// EventAgentAudioDone marks the end of the current agent turn's audio.
	EventAgentAudioDone EventType = "agent_audio_done"
	// EventAgentTranscript carries the agent's spoken text.
	EventAgentTranscript EventType = "agent_transcript"
	// EventFunctionCall asks the engine to run an in-call tool.
	EventFunctionCall EventType = "function_call_request"
	// EventTurnComplete marks the provider idle again after a full turn.
	EventTurnComplete EventType = "turn_complete"
	// EventError reports a provider-side failure; the session may survive.
	EventError EventType = "error"
	// EventClosed is the final event on every session.
	EventClosed EventType = "closed"
)

// Event is one message from the provider to the engine.
type Event struct {
	Type EventType

	// Transcript fields.
	Text  string
	Final bool

	// Audio payload in the negotiated provider output format.
	Audio []byte

	// Function call fields.
	ToolCallID string
	ToolName   string
	ToolArgs   map[string]string

	Err error
}

// StartParams carries everything a provider needs to open one call session.
type StartParams struct {
	CallID       string
	SystemPrompt string
	Greeting     string
	Variables    map[string]string

	// ToolSchemas is the in-call tool set, already rendered in the
	// provider's schema style.
	ToolSchemas []map[string]interface{}

	InputFormat  internal_audio.AudioFormat
	OutputFormat internal_audio.AudioFormat
}

// AgentSession is one live conversation with a provider. SendAudio is called
// from the media read task; Events is consumed by the call's writer task.
type AgentSession interface {
	// SendAudio forwards one chunk of provider-input-format audio.
	SendAudio(ctx context.Context, pcm []byte) error

	// SendToolResult returns an in-call tool's output to the model.
	SendToolResult(ctx context.Context, toolCallID, result string) error

	// Events delivers provider events until EventClosed.
	Events() <-chan Event

	// NegotiatedInput and NegotiatedOutput return the formats the provider
	// acknowledged, which can differ from what was requested.
	NegotiatedInput() internal_audio.AudioFormat
	NegotiatedOutput() internal_audio.AudioFormat

	Close() error
}

// Provider creates sessions and declares its audio and gating contract.
type Provider interface {
	Name() string
	Capabilities() internal_transport.Capabilities

	// GatePolicy reports whether the provider runs its own server-side VAD
	// and barge-in (server gate) or relies on the engine's local gate.
	GatePolicy() internal_gating.Policy

	// SchemaStyle is the tool schema shape this provider's API expects.
	SchemaStyle() internal_tools.SchemaStyle

	Start(ctx context.Context, params StartParams) (AgentSession, error)
}

// Registry maps provider names to implementations, swappable at runtime.
type Registry struct {
	current atomic.Pointer[map[string]Provider]
}

// NewRegistry indexes the given providers by name.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{}
	r.Reload(providers...)
	return r
}

// Reload atomically replaces the provider set.
func (r *Registry) Reload(providers ...Provider) {
	m := make(map[string]Provider, len(providers))
	for _, p := range providers {
		m[p.Name()] = p
	}
	r.current.Store(&m)
}

// Get returns the named provider.
func (r *Registry) Get(name string) (Provider, error) {
	m := r.current.Load()
	if m == nil {
		return nil, fmt.Errorf("provider: registry empty")
	}
	p, ok := (*m)[name]
	if !ok {
		return nil, fmt.Errorf("provider: unknown provider %q", name)
	}
	return p, nil
}

// Names lists the registered providers.
func (r *Registry) Names() []string {
	m := r.current.Load()
	if m == nil {
		return nil
	}
	names := make([]string, 0, len(*m))
	for n := range *m {
		names = append(names, n)
	}
	return names
}
