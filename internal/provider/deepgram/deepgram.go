// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_deepgram is the streaming transcription adapter. It talks
// to the listen websocket directly; the audio loop is too latency-sensitive
// to sit behind a generic SDK abstraction.
package internal_deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	internal_audio "github.com/rapidaai/voice-engine/internal/audio"
	internal_provider "github.com/rapidaai/voice-engine/internal/provider"
	"github.com/rapidaai/voice-engine/pkg/commons"
	"github.com/rapidaai/voice-engine/pkg/utils"
)

const (
	defaultEndpoint = "wss://api.deepgram.com/v1/listen"
	keepaliveEvery  = 5 * time.Second
	writeTimeout    = 5 * time.Second
)

// Config carries the transcription settings.
type Config struct {
	APIKey string `mapstructure:"api_key"`
	// Endpoint overrides the production URL, used by tests.
	Endpoint string `mapstructure:"endpoint"`
	Model    string `mapstructure:"model"`
	Language string `mapstructure:"language"`
	// EndpointingMs is the server-side silence window that finalizes an
	// utterance.
	EndpointingMs int `mapstructure:"endpointing_ms"`
}

// Transcriber implements provider.Transcriber against the listen socket.
type Transcriber struct {
	logger commons.Logger
	cfg    Config
}

// New creates the transcriber.
func New(logger commons.Logger, cfg Config) *Transcriber {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.EndpointingMs == 0 {
		cfg.EndpointingMs = 300
	}
	return &Transcriber{logger: logger, cfg: cfg}
}

func (t *Transcriber) Name() string { return "deepgram" }

func (t *Transcriber) SupportedFormats() []internal_audio.AudioFormat {
	return []internal_audio.AudioFormat{
		internal_audio.PCM16LE8k,
		internal_audio.Linear16k,
	}
}

// Start dials the listen socket configured for the given input format.
func (t *Transcriber) Start(ctx context.Context, format internal_audio.AudioFormat) (internal_provider.TranscriptStream, error) {
	q := url.Values{}
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(format.SampleRate))
	q.Set("channels", "1")
	q.Set("model", t.cfg.Model)
	q.Set("interim_results", "true")
	q.Set("vad_events", "true")
	q.Set("smart_format", "true")
	q.Set("endpointing", strconv.Itoa(t.cfg.EndpointingMs))
	if t.cfg.Language != "" {
		q.Set("language", t.cfg.Language)
	}

	header := http.Header{}
	if t.cfg.APIKey != "" {
		header.Set("Authorization", "Token "+t.cfg.APIKey)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	ws, _, err := dialer.DialContext(ctx, t.cfg.Endpoint+"?"+q.Encode(), header)
	if err != nil {
		return nil, fmt.Errorf("deepgram dial: %w", err)
	}

	s := &stream{
		logger:  t.logger,
		ws:      ws,
		results: make(chan internal_provider.Transcript, 32),
		closed:  make(chan struct{}),
	}
	utils.Go(ctx, func() { s.readLoop() })
	utils.Go(ctx, func() { s.keepalive() })
	return s, nil
}

type stream struct {
	logger commons.Logger
	ws     *websocket.Conn

	results chan internal_provider.Transcript
	closed  chan struct{}

	writeMu sync.Mutex
	once    sync.Once

	// inUtterance tracks whether a SpeechStarted was already surfaced for
	// the current utterance.
	inUtterance bool
}

// SendAudio forwards raw PCM as one binary frame.
func (s *stream) SendAudio(pcm []byte) error {
	select {
	case <-s.closed:
		return internal_provider.ErrSessionClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.ws.WriteMessage(websocket.BinaryMessage, pcm)
}

func (s *stream) Results() <-chan internal_provider.Transcript { return s.results }

// Close sends the terminal control message and tears down the socket.
func (s *stream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		s.writeMu.Lock()
		s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		s.ws.WriteJSON(map[string]string{"type": "CloseStream"})
		s.writeMu.Unlock()
		err = s.ws.Close()
	})
	return err
}

func (s *stream) keepalive() {
	t := time.NewTicker(keepaliveEvery)
	defer t.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-t.C:
			s.writeMu.Lock()
			s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := s.ws.WriteJSON(map[string]string{"type": "KeepAlive"})
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

type listenMessage struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (s *stream) readLoop() {
	defer func() {
		close(s.results)
		s.Close()
	}()

	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.logger.Debugf("deepgram socket read ended: %v", err)
			}
			return
		}

		var msg listenMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "SpeechStarted":
			if !s.inUtterance {
				s.inUtterance = true
				s.push(internal_provider.Transcript{SpeechStarted: true})
			}

		case "Results":
			if len(msg.Channel.Alternatives) == 0 {
				continue
			}
			text := msg.Channel.Alternatives[0].Transcript
			if text == "" && !msg.SpeechFinal {
				continue
			}
			final := msg.IsFinal && msg.SpeechFinal
			if final {
				s.inUtterance = false
			}
			s.push(internal_provider.Transcript{Text: text, Final: final})

		case "UtteranceEnd":
			s.inUtterance = false
		}
	}
}

func (s *stream) push(tr internal_provider.Transcript) {
	select {
	case s.results <- tr:
	default:
		// Partials are refinements; dropping one under backpressure is
		// harmless. Finals are not droppable.
		if !tr.Final {
			return
		}
		select {
		case s.results <- tr:
		case <-s.closed:
		}
	}
}
