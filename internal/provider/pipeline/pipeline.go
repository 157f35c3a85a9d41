// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_pipeline composes a streaming transcriber, a language
// model, and a speech synthesizer into one agent session. The engine sees
// the same event stream a monolithic provider produces; the turn loop here
// is what a realtime backend does server-side.
package internal_pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	internal_audio "github.com/rapidaai/voice-engine/internal/audio"
	internal_gating "github.com/rapidaai/voice-engine/internal/gating"
	internal_provider "github.com/rapidaai/voice-engine/internal/provider"
	internal_tools "github.com/rapidaai/voice-engine/internal/tools"
	internal_transport "github.com/rapidaai/voice-engine/internal/transport"
	"github.com/rapidaai/voice-engine/pkg/commons"
	"github.com/rapidaai/voice-engine/pkg/utils"
)

// ErrToolsUnsupported is returned by LanguageModel adapters whose backend
// rejects function schemas. The turn loop retries once without tools.
var ErrToolsUnsupported = errors.New("pipeline: language model does not support tools")

// maxToolRounds bounds the tool loop within one turn. A model stuck calling
// tools forever would otherwise hold the caller in silence.
const maxToolRounds = 5

// toolResultTimeout bounds how long a turn waits for the engine to return a
// tool result before telling the model it failed.
const toolResultTimeout = 10 * time.Second

// Provider composes the three adapters into a provider.Provider.
type Provider struct {
	logger commons.Logger
	name   string
	stt    internal_provider.Transcriber
	llm    internal_provider.LanguageModel
	tts    internal_provider.Synthesizer
}

// New creates a composed pipeline provider.
func New(logger commons.Logger, name string, stt internal_provider.Transcriber, llm internal_provider.LanguageModel, tts internal_provider.Synthesizer) *Provider {
	return &Provider{logger: logger, name: name, stt: stt, llm: llm, tts: tts}
}

func (p *Provider) Name() string { return p.name }

// Components lists the adapter names, recorded on the call session.
func (p *Provider) Components() []string {
	return []string{p.stt.Name(), p.llm.Name(), p.tts.Name()}
}

func (p *Provider) Capabilities() internal_transport.Capabilities {
	return internal_transport.Capabilities{
		SupportedInput:  p.stt.SupportedFormats(),
		SupportedOutput: p.tts.SupportedFormats(),
	}
}

// GatePolicy is local gate: nothing downstream detects barge-in, the engine
// must.
func (p *Provider) GatePolicy() internal_gating.Policy {
	return internal_gating.PolicyLocalGate
}

func (p *Provider) SchemaStyle() internal_tools.SchemaStyle {
	return internal_tools.StyleFlat
}

// Start opens the STT stream and begins the turn loop.
func (p *Provider) Start(ctx context.Context, params internal_provider.StartParams) (internal_provider.AgentSession, error) {
	stream, err := p.stt.Start(ctx, params.InputFormat)
	if err != nil {
		return nil, fmt.Errorf("pipeline stt start: %w", err)
	}

	system := internal_tools.Substitute(params.SystemPrompt, params.Variables)
	s := &session{
		logger:  p.logger,
		llm:     p.llm,
		tts:     p.tts,
		stream:  stream,
		callID:  params.CallID,
		input:   params.InputFormat,
		output:  params.OutputFormat,
		tools:   params.ToolSchemas,
		events:  make(chan internal_provider.Event, 64),
		closed:  make(chan struct{}),
		pending: make(map[string]chan string),
		history: []internal_provider.ChatMessage{
			{Role: internal_provider.ChatRoleSystem, Content: system},
		},
	}

	utils.Go(ctx, func() { s.run(ctx, params.Greeting) })
	return s, nil
}

type session struct {
	logger commons.Logger
	llm    internal_provider.LanguageModel
	tts    internal_provider.Synthesizer
	stream internal_provider.TranscriptStream

	callID string
	input  internal_audio.AudioFormat
	output internal_audio.AudioFormat
	tools  []map[string]interface{}

	events chan internal_provider.Event
	closed chan struct{}
	once   sync.Once

	histMu  sync.Mutex
	history []internal_provider.ChatMessage

	pendMu  sync.Mutex
	pending map[string]chan string

	turnMu     sync.Mutex
	turnCancel context.CancelFunc
}

func (s *session) SendAudio(_ context.Context, pcm []byte) error {
	select {
	case <-s.closed:
		return internal_provider.ErrSessionClosed
	default:
	}
	return s.stream.SendAudio(pcm)
}

// SendToolResult hands a tool's output to the turn waiting on it.
func (s *session) SendToolResult(_ context.Context, toolCallID, result string) error {
	s.pendMu.Lock()
	ch, ok := s.pending[toolCallID]
	delete(s.pending, toolCallID)
	s.pendMu.Unlock()
	if !ok {
		return fmt.Errorf("pipeline: no pending tool call %s", toolCallID)
	}
	ch <- result
	return nil
}

func (s *session) Events() <-chan internal_provider.Event { return s.events }

func (s *session) NegotiatedInput() internal_audio.AudioFormat  { return s.input }
func (s *session) NegotiatedOutput() internal_audio.AudioFormat { return s.output }

func (s *session) Close() error {
	s.once.Do(func() {
		close(s.closed)
		s.cancelTurn()
		s.stream.Close()
	})
	return nil
}

func (s *session) cancelTurn() {
	s.turnMu.Lock()
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
	s.turnMu.Unlock()
}

// run consumes STT results and drives one turn per final transcript. Turns
// run on their own goroutine so a new utterance can cancel the in-flight
// one; stale agent audio after a barge-in is worse than a dropped sentence.
func (s *session) run(ctx context.Context, greeting string) {
	var turns sync.WaitGroup
	defer func() {
		s.cancelTurn()
		turns.Wait()
		s.emit(internal_provider.Event{Type: internal_provider.EventClosed})
		close(s.events)
	}()

	if greeting != "" {
		s.speak(ctx, greeting, true)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case tr, ok := <-s.stream.Results():
			if !ok {
				return
			}
			if tr.SpeechStarted {
				s.cancelTurn()
				s.emit(internal_provider.Event{Type: internal_provider.EventUserStartedSpeaking})
			}
			s.emit(internal_provider.Event{
				Type:  internal_provider.EventUserTranscript,
				Text:  tr.Text,
				Final: tr.Final,
			})
			if !tr.Final || strings.TrimSpace(tr.Text) == "" {
				continue
			}

			s.cancelTurn()
			tctx, cancel := context.WithCancel(ctx)
			s.turnMu.Lock()
			s.turnCancel = cancel
			s.turnMu.Unlock()
			turns.Add(1)
			utils.Go(tctx, func() {
				defer turns.Done()
				s.runTurn(tctx, tr.Text)
			})
		}
	}
}

// runTurn executes one full user turn: LLM rounds with tool calls, then TTS.
func (s *session) runTurn(ctx context.Context, userText string) {
	s.appendHistory(internal_provider.ChatMessage{
		Role:    internal_provider.ChatRoleUser,
		Content: userText,
	})

	text, err := s.complete(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.emit(internal_provider.Event{Type: internal_provider.EventError, Err: err})
		return
	}
	if text != "" {
		s.speak(ctx, text, false)
	}
	s.emit(internal_provider.Event{Type: internal_provider.EventTurnComplete})
}

// complete runs LLM rounds until the model answers in text, executing tool
// calls through the engine between rounds.
func (s *session) complete(ctx context.Context) (string, error) {
	tools := s.tools
	if !s.llm.SupportsTools() {
		tools = nil
	}

	for round := 0; round < maxToolRounds; round++ {
		text, calls, err := s.completeOnce(ctx, tools)
		if errors.Is(err, ErrToolsUnsupported) && tools != nil {
			// One retry without schemas; the model just answers in text.
			s.logger.Warnf("pipeline: %s rejected tool schemas, retrying tool-less", s.llm.Name())
			tools = nil
			text, calls, err = s.completeOnce(ctx, nil)
		}
		if err != nil {
			return "", err
		}

		if len(calls) == 0 {
			s.appendHistory(internal_provider.ChatMessage{
				Role:    internal_provider.ChatRoleAssistant,
				Content: text,
			})
			return text, nil
		}

		s.appendHistory(internal_provider.ChatMessage{
			Role:      internal_provider.ChatRoleAssistant,
			Content:   text,
			ToolCalls: calls,
		})
		for _, call := range calls {
			result := s.dispatchToolCall(ctx, call)
			s.appendHistory(internal_provider.ChatMessage{
				Role:       internal_provider.ChatRoleTool,
				ToolCallID: call.ID,
				Content:    result,
			})
		}
	}
	return "", fmt.Errorf("pipeline: model exceeded %d tool rounds", maxToolRounds)
}

// completeOnce streams one LLM response to completion.
func (s *session) completeOnce(ctx context.Context, tools []map[string]interface{}) (string, []internal_provider.ToolCall, error) {
	deltas, err := s.llm.StreamChat(ctx, internal_provider.ChatRequest{
		Messages: s.snapshotHistory(),
		Tools:    tools,
	})
	if err != nil {
		return "", nil, err
	}

	var text strings.Builder
	var calls []internal_provider.ToolCall
	for delta := range deltas {
		if delta.Err != nil {
			return "", nil, delta.Err
		}
		text.WriteString(delta.Text)
		calls = append(calls, delta.ToolCalls...)
	}
	return text.String(), calls, nil
}

// dispatchToolCall emits a function call event and waits for the engine's
// answer, bounded by the tool deadline.
func (s *session) dispatchToolCall(ctx context.Context, call internal_provider.ToolCall) string {
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	ch := make(chan string, 1)
	s.pendMu.Lock()
	s.pending[call.ID] = ch
	s.pendMu.Unlock()

	s.emit(internal_provider.Event{
		Type:       internal_provider.EventFunctionCall,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		ToolArgs:   call.Args,
	})

	select {
	case result := <-ch:
		return result
	case <-time.After(toolResultTimeout):
		s.pendMu.Lock()
		delete(s.pending, call.ID)
		s.pendMu.Unlock()
		s.logger.Warnw("pipeline: tool result deadline exceeded",
			"call_id", s.callID, "tool", call.Name)
		return fmt.Sprintf("error: %s timed out", call.Name)
	case <-ctx.Done():
		s.pendMu.Lock()
		delete(s.pending, call.ID)
		s.pendMu.Unlock()
		return "error: cancelled"
	}
}

// speak synthesizes text and emits it as agent audio events.
func (s *session) speak(ctx context.Context, text string, addToHistory bool) {
	if addToHistory {
		s.appendHistory(internal_provider.ChatMessage{
			Role:    internal_provider.ChatRoleAssistant,
			Content: text,
		})
	}
	s.emit(internal_provider.Event{
		Type:  internal_provider.EventAgentTranscript,
		Text:  text,
		Final: true,
	})

	chunks, err := s.tts.Synthesize(ctx, text, s.output)
	if err != nil {
		s.emit(internal_provider.Event{Type: internal_provider.EventError,
			Err: fmt.Errorf("pipeline tts: %w", err)})
		return
	}
	for {
		select {
		case <-ctx.Done():
			s.emit(internal_provider.Event{Type: internal_provider.EventAgentAudioDone})
			return
		case chunk, ok := <-chunks:
			if !ok {
				s.emit(internal_provider.Event{Type: internal_provider.EventAgentAudioDone})
				return
			}
			s.emit(internal_provider.Event{Type: internal_provider.EventAgentAudio, Audio: chunk})
		}
	}
}

func (s *session) appendHistory(m internal_provider.ChatMessage) {
	s.histMu.Lock()
	s.history = append(s.history, m)
	s.histMu.Unlock()
}

func (s *session) snapshotHistory() []internal_provider.ChatMessage {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	out := make([]internal_provider.ChatMessage, len(s.history))
	copy(out, s.history)
	return out
}

func (s *session) emit(ev internal_provider.Event) {
	select {
	case <-s.closed:
		return
	default:
	}
	select {
	case s.events <- ev:
	case <-s.closed:
	}
}
