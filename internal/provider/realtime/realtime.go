// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_realtime speaks the monolithic realtime websocket
// protocol: one socket carries caller audio up and agent audio, transcripts,
// and function calls down. The backend runs its own VAD and barge-in, so the
// engine's gate stays out of the way (server gate policy).
package internal_realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	internal_audio "github.com/rapidaai/voice-engine/internal/audio"
	internal_gating "github.com/rapidaai/voice-engine/internal/gating"
	internal_provider "github.com/rapidaai/voice-engine/internal/provider"
	internal_tools "github.com/rapidaai/voice-engine/internal/tools"
	internal_transport "github.com/rapidaai/voice-engine/internal/transport"
	"github.com/rapidaai/voice-engine/pkg/commons"
	"github.com/rapidaai/voice-engine/pkg/utils"
)

const (
	handshakeTimeout = 5 * time.Second
	settleTimeout    = 5 * time.Second
	keepaliveEvery   = 20 * time.Second
	writeTimeout     = 10 * time.Second
)

// Config carries the realtime backend connection settings.
type Config struct {
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
	Voice  string `mapstructure:"voice"`
}

// Provider implements provider.Provider over the realtime websocket.
type Provider struct {
	logger commons.Logger
	cfg    Config
}

// New creates the realtime provider.
func New(logger commons.Logger, cfg Config) *Provider {
	if cfg.URL == "" {
		cfg.URL = "wss://api.openai.com/v1/realtime"
		if cfg.Model == "" {
			cfg.Model = "gpt-4o-realtime-preview"
		}
	}
	return &Provider{logger: logger, cfg: cfg}
}

func (p *Provider) Name() string { return "openai_realtime" }

func (p *Provider) Capabilities() internal_transport.Capabilities {
	return internal_transport.Capabilities{
		SupportedInput:  []internal_audio.AudioFormat{internal_audio.Linear16k, internal_audio.Linear24k},
		SupportedOutput: []internal_audio.AudioFormat{internal_audio.Linear16k, internal_audio.Linear24k},
	}
}

// GatePolicy is server gate: the backend detects speech and interrupts its
// own audio, so local buffering or barge-in would fight it.
func (p *Provider) GatePolicy() internal_gating.Policy {
	return internal_gating.PolicyServerGate
}

func (p *Provider) SchemaStyle() internal_tools.SchemaStyle {
	return internal_tools.StyleFlat
}

// Start dials the socket, applies the session settings, and blocks until the
// backend acknowledges them. Audio sent before the acknowledgement would be
// interpreted under default settings, which garbles the first utterance.
func (p *Provider) Start(ctx context.Context, params internal_provider.StartParams) (internal_provider.AgentSession, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	header := http.Header{}
	if p.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	url := p.cfg.URL
	if p.cfg.Model != "" {
		url = fmt.Sprintf("%s?model=%s", p.cfg.URL, p.cfg.Model)
	}
	ws, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("realtime dial %s: %w", p.cfg.URL, err)
	}

	s := &session{
		logger:   p.logger,
		ws:       ws,
		callID:   params.CallID,
		input:    params.InputFormat,
		output:   params.OutputFormat,
		events: make(chan internal_provider.Event, 64),
		ready:  make(chan struct{}),
		closed: make(chan struct{}),
	}

	if err := s.sendSessionUpdate(params, p.cfg.Voice); err != nil {
		ws.Close()
		return nil, err
	}

	utils.Go(ctx, func() { s.readLoop() })
	utils.Go(ctx, func() { s.keepalive() })

	select {
	case <-s.ready:
	case <-time.After(settleTimeout):
		s.Close()
		return nil, fmt.Errorf("realtime: settings not acknowledged within %s", settleTimeout)
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	}

	if params.Greeting != "" {
		if err := s.sendJSON(map[string]interface{}{
			"type": "response.create",
			"response": map[string]interface{}{
				"instructions": "Greet the caller: " + params.Greeting,
			},
		}); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

type session struct {
	logger commons.Logger
	ws     *websocket.Conn
	callID string

	input  internal_audio.AudioFormat
	output internal_audio.AudioFormat

	events chan internal_provider.Event
	ready  chan struct{}

	readyOnce sync.Once
	writeMu   sync.Mutex
	closed    chan struct{}
	once      sync.Once
}

func (s *session) sendSessionUpdate(params internal_provider.StartParams, voice string) error {
	tools := make([]map[string]interface{}, 0, len(params.ToolSchemas))
	for _, schema := range params.ToolSchemas {
		t := map[string]interface{}{"type": "function"}
		for k, v := range schema {
			t[k] = v
		}
		tools = append(tools, t)
	}

	instructions := internal_tools.Substitute(params.SystemPrompt, params.Variables)
	return s.sendJSON(map[string]interface{}{
		"type": "session.update",
		"session": map[string]interface{}{
			"instructions":        instructions,
			"voice":               voice,
			"modalities":          []string{"text", "audio"},
			"input_audio_format":  "pcm16",
			"output_audio_format": "pcm16",
			"turn_detection": map[string]interface{}{
				"type": "server_vad",
			},
			"tools": tools,
			"input_audio_transcription": map[string]interface{}{
				"model": "whisper-1",
			},
		},
	})
}

func (s *session) sendJSON(v interface{}) error {
	select {
	case <-s.closed:
		return internal_provider.ErrSessionClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.ws.WriteJSON(v)
}

// SendAudio appends caller audio to the backend's input buffer. No explicit
// commit follows: with server VAD the backend commits on its own endpoints,
// and a manual commit would double-trigger responses.
func (s *session) SendAudio(_ context.Context, pcm []byte) error {
	return s.sendJSON(map[string]interface{}{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

// SendToolResult returns a function output and asks for the next response.
func (s *session) SendToolResult(_ context.Context, toolCallID, result string) error {
	if err := s.sendJSON(map[string]interface{}{
		"type": "conversation.item.create",
		"item": map[string]interface{}{
			"type":    "function_call_output",
			"call_id": toolCallID,
			"output":  result,
		},
	}); err != nil {
		return err
	}
	return s.sendJSON(map[string]interface{}{"type": "response.create"})
}

func (s *session) Events() <-chan internal_provider.Event { return s.events }

func (s *session) NegotiatedInput() internal_audio.AudioFormat  { return s.input }
func (s *session) NegotiatedOutput() internal_audio.AudioFormat { return s.output }

func (s *session) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		err = s.ws.Close()
	})
	return err
}

func (s *session) keepalive() {
	t := time.NewTicker(keepaliveEvery)
	defer t.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-t.C:
			s.writeMu.Lock()
			s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := s.ws.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Debugf("realtime keepalive failed for call %s: %v", s.callID, err)
				return
			}
		}
	}
}

// serverMessage is the superset of fields across backend message types.
type serverMessage struct {
	Type string `json:"type"`

	// Audio deltas arrive under either key depending on backend version.
	Delta json.RawMessage `json:"delta"`
	Audio string          `json:"audio"`

	Transcript string `json:"transcript"`

	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`

	Error *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (s *session) readLoop() {
	defer func() {
		s.emit(internal_provider.Event{Type: internal_provider.EventClosed})
		close(s.events)
		s.Close()
	}()

	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.emit(internal_provider.Event{Type: internal_provider.EventError, Err: err})
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Debugf("realtime: undecodable message for call %s: %v", s.callID, err)
			continue
		}
		s.handle(msg)
	}
}

func (s *session) handle(msg serverMessage) {
	switch msg.Type {
	case "session.updated":
		s.readyOnce.Do(func() { close(s.ready) })

	case "input_audio_buffer.speech_started":
		s.emit(internal_provider.Event{Type: internal_provider.EventUserStartedSpeaking})

	case "conversation.item.input_audio_transcription.completed":
		s.emit(internal_provider.Event{
			Type:  internal_provider.EventUserTranscript,
			Text:  msg.Transcript,
			Final: true,
		})

	case "response.audio.delta":
		pcm, err := decodeAudioDelta(msg)
		if err != nil {
			s.logger.Warnw("realtime: bad audio delta", "call_id", s.callID, "err", err)
			return
		}
		s.emit(internal_provider.Event{Type: internal_provider.EventAgentAudio, Audio: pcm})

	case "response.audio.done":
		s.emit(internal_provider.Event{Type: internal_provider.EventAgentAudioDone})

	case "response.audio_transcript.done":
		s.emit(internal_provider.Event{
			Type:  internal_provider.EventAgentTranscript,
			Text:  msg.Transcript,
			Final: true,
		})

	case "response.function_call_arguments.done":
		args := map[string]string{}
		if msg.Arguments != "" {
			var parsed map[string]interface{}
			if err := json.Unmarshal([]byte(msg.Arguments), &parsed); err == nil {
				for k, v := range parsed {
					args[k] = fmt.Sprintf("%v", v)
				}
			}
		}
		s.emit(internal_provider.Event{
			Type:       internal_provider.EventFunctionCall,
			ToolCallID: msg.CallID,
			ToolName:   msg.Name,
			ToolArgs:   args,
		})

	case "response.done":
		s.emit(internal_provider.Event{Type: internal_provider.EventTurnComplete})

	case "error":
		errMsg := "unknown"
		if msg.Error != nil {
			errMsg = msg.Error.Message
		}
		s.emit(internal_provider.Event{
			Type: internal_provider.EventError,
			Err:  fmt.Errorf("realtime backend: %s", errMsg),
		})
	}
}

// decodeAudioDelta handles both delta shapes seen in the wild: a bare base64
// string under "delta", and an object {"audio": "<base64>"}. Some backend
// versions also put the base64 under a top-level "audio" key.
func decodeAudioDelta(msg serverMessage) ([]byte, error) {
	if len(msg.Delta) > 0 {
		var str string
		if err := json.Unmarshal(msg.Delta, &str); err == nil {
			return base64.StdEncoding.DecodeString(str)
		}
		var obj struct {
			Audio string `json:"audio"`
		}
		if err := json.Unmarshal(msg.Delta, &obj); err == nil && obj.Audio != "" {
			return base64.StdEncoding.DecodeString(obj.Audio)
		}
		return nil, fmt.Errorf("unrecognized delta shape: %s", truncateForLog(msg.Delta))
	}
	if msg.Audio != "" {
		return base64.StdEncoding.DecodeString(msg.Audio)
	}
	return nil, fmt.Errorf("audio delta without payload")
}

func truncateForLog(raw []byte) string {
	if len(raw) > 64 {
		raw = raw[:64]
	}
	return string(raw)
}

func (s *session) emit(ev internal_provider.Event) {
	select {
	case s.events <- ev:
	default:
		// Audio events are droppable under backpressure; control events are
		// not, block briefly for those.
		if ev.Type == internal_provider.EventAgentAudio {
			s.logger.Warnf("realtime: event buffer full, dropping audio chunk for call %s", s.callID)
			return
		}
		select {
		case s.events <- ev:
		case <-time.After(2 * time.Second):
			s.logger.Warnw("realtime: event buffer stuck, dropping event",
				"call_id", s.callID, "type", string(ev.Type))
		}
	}
}
