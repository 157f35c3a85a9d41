// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_anthropic adapts the Claude messages API as a pipeline
// language model. The adapter is deliberately text-only: voice agents that
// need tools pair the tool-capable chat adapter instead, and the turn loop's
// tool-less retry keeps a misconfigured pairing talking.
package internal_anthropic

import (
	"context"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	internal_pipeline "github.com/rapidaai/voice-engine/internal/provider/pipeline"

	internal_provider "github.com/rapidaai/voice-engine/internal/provider"
	"github.com/rapidaai/voice-engine/pkg/commons"
	"github.com/rapidaai/voice-engine/pkg/utils"
)

// Config carries the messages API settings.
type Config struct {
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

// Model implements provider.LanguageModel over the messages API.
type Model struct {
	logger    commons.Logger
	client    sdk.Client
	model     sdk.Model
	maxTokens int64
}

// New creates the adapter.
func New(logger commons.Logger, cfg Config) *Model {
	model := cfg.Model
	if model == "" {
		model = string(sdk.ModelClaude3_5HaikuLatest)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Model{
		logger:    logger,
		client:    sdk.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:     sdk.Model(model),
		maxTokens: int64(maxTokens),
	}
}

func (m *Model) Name() string        { return "anthropic" }
func (m *Model) SupportsTools() bool { return false }

// StreamChat implements provider.LanguageModel. Requests carrying tool
// schemas are rejected with the sentinel the turn loop retries on.
func (m *Model) StreamChat(ctx context.Context, req internal_provider.ChatRequest) (<-chan internal_provider.ChatDelta, error) {
	if len(req.Tools) > 0 {
		return nil, internal_pipeline.ErrToolsUnsupported
	}

	params := sdk.MessageNewParams{
		Model:     m.model,
		MaxTokens: m.maxTokens,
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case internal_provider.ChatRoleSystem:
			params.System = append(params.System, sdk.TextBlockParam{Text: msg.Content})
		case internal_provider.ChatRoleUser, internal_provider.ChatRoleTool:
			params.Messages = append(params.Messages, sdk.NewUserMessage(sdk.NewTextBlock(msg.Content)))
		case internal_provider.ChatRoleAssistant:
			if msg.Content == "" {
				continue
			}
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(sdk.NewTextBlock(msg.Content)))
		}
	}

	stream := m.client.Messages.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic stream start: %w", err)
	}

	out := make(chan internal_provider.ChatDelta, 16)
	utils.Go(ctx, func() {
		defer close(out)
		defer stream.Close()

		for stream.Next() {
			ev := stream.Current()
			switch event := ev.AsAny().(type) {
			case sdk.ContentBlockDeltaEvent:
				if delta, ok := event.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
					select {
					case out <- internal_provider.ChatDelta{Text: delta.Text}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			out <- internal_provider.ChatDelta{Err: fmt.Errorf("anthropic stream: %w", err)}
			return
		}
		out <- internal_provider.ChatDelta{Done: true}
	})
	return out, nil
}
