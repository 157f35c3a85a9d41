// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_elevenlabs streams synthesized speech for the pipeline,
// normalizing numbers and symbols before they reach the voice.
package internal_elevenlabs

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/go-resty/resty/v2"

	internal_audio "github.com/rapidaai/voice-engine/internal/audio"
	"github.com/rapidaai/voice-engine/pkg/commons"
	"github.com/rapidaai/voice-engine/pkg/utils"
)

const defaultBaseURL = "https://api.elevenlabs.io"

// Config carries the synthesis settings.
type Config struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	VoiceID string `mapstructure:"voice_id"`
	ModelID string `mapstructure:"model_id"`
}

// Synthesizer implements provider.Synthesizer over the streaming endpoint.
type Synthesizer struct {
	logger commons.Logger
	cfg    Config
	client *resty.Client
}

// New creates the synthesizer.
func New(logger commons.Logger, cfg Config) *Synthesizer {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.ModelID == "" {
		cfg.ModelID = "eleven_turbo_v2_5"
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("xi-api-key", cfg.APIKey).
		SetTimeout(30 * time.Second)
	return &Synthesizer{logger: logger, cfg: cfg, client: client}
}

func (s *Synthesizer) Name() string { return "elevenlabs" }

func (s *Synthesizer) SupportedFormats() []internal_audio.AudioFormat {
	return []internal_audio.AudioFormat{
		internal_audio.PCM16LE8k,
		internal_audio.Linear16k,
		internal_audio.Linear24k,
	}
}

// outputFormat maps an audio format to the endpoint's format parameter.
func outputFormat(f internal_audio.AudioFormat) (string, error) {
	if f.Encoding != internal_audio.EncodingPCM16LE {
		return "", fmt.Errorf("elevenlabs: unsupported encoding %s", f.Encoding)
	}
	switch f.SampleRate {
	case 8000:
		return "pcm_8000", nil
	case 16000:
		return "pcm_16000", nil
	case 24000:
		return "pcm_24000", nil
	}
	return "", fmt.Errorf("elevenlabs: unsupported sample rate %d", f.SampleRate)
}

// Synthesize streams one utterance. The first chunks arrive while the tail
// of the utterance is still rendering, which is what keeps time-to-first-
// audio low enough for conversation.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, format internal_audio.AudioFormat) (<-chan []byte, error) {
	fmtParam, err := outputFormat(format)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetQueryParam("output_format", fmtParam).
		SetBody(map[string]interface{}{
			"text":     Normalize(text),
			"model_id": s.cfg.ModelID,
		}).
		Post(fmt.Sprintf("/v1/text-to-speech/%s/stream", s.cfg.VoiceID))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs synthesize: %w", err)
	}
	if resp.StatusCode() >= 400 {
		resp.RawBody().Close()
		return nil, fmt.Errorf("elevenlabs synthesize: status %d", resp.StatusCode())
	}

	out := make(chan []byte, 16)
	utils.Go(ctx, func() {
		defer close(out)
		body := resp.RawBody()
		defer body.Close()

		buf := make([]byte, 4096)
		for {
			n, err := body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					s.logger.Warnw("elevenlabs stream read ended early", "err", err)
				}
				return
			}
		}
	})
	return out, nil
}
