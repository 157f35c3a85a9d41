// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_openai adapts the chat completions API as the pipeline's
// language model, and doubles as the post-call summarizer.
package internal_openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	internal_provider "github.com/rapidaai/voice-engine/internal/provider"
	internal_session "github.com/rapidaai/voice-engine/internal/session"
	"github.com/rapidaai/voice-engine/pkg/commons"
	"github.com/rapidaai/voice-engine/pkg/utils"
)

// Config carries the chat model settings.
type Config struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

// Model implements provider.LanguageModel over chat completions.
type Model struct {
	logger commons.Logger
	client oai.Client
	model  shared.ChatModel
}

// New creates the adapter.
func New(logger commons.Logger, cfg Config) *Model {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &Model{
		logger: logger,
		client: oai.NewClient(opts...),
		model:  shared.ChatModel(model),
	}
}

func (m *Model) Name() string        { return "openai" }
func (m *Model) SupportsTools() bool { return true }

// StreamChat implements provider.LanguageModel. Text deltas are forwarded as
// they arrive; tool calls accumulate across chunks by index and flush on the
// final delta.
func (m *Model) StreamChat(ctx context.Context, req internal_provider.ChatRequest) (<-chan internal_provider.ChatDelta, error) {
	params := oai.ChatCompletionNewParams{
		Model:    m.model,
		Messages: buildMessages(req.Messages),
	}
	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
	}

	stream := m.client.Chat.Completions.NewStreaming(ctx, params)
	out := make(chan internal_provider.ChatDelta, 16)

	utils.Go(ctx, func() {
		defer close(out)

		// Partial tool calls keyed by stream index.
		type partial struct {
			id, name string
			args     strings.Builder
		}
		partials := map[int64]*partial{}

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta

			if delta.Content != "" {
				out <- internal_provider.ChatDelta{Text: delta.Content}
			}
			for _, tc := range delta.ToolCalls {
				p, ok := partials[tc.Index]
				if !ok {
					p = &partial{}
					partials[tc.Index] = p
				}
				if tc.ID != "" {
					p.id = tc.ID
				}
				if tc.Function.Name != "" {
					p.name = tc.Function.Name
				}
				p.args.WriteString(tc.Function.Arguments)
			}
		}

		if err := stream.Err(); err != nil {
			out <- internal_provider.ChatDelta{Err: fmt.Errorf("openai stream: %w", err)}
			return
		}

		var calls []internal_provider.ToolCall
		for _, p := range partials {
			raw := p.args.String()
			calls = append(calls, internal_provider.ToolCall{
				ID:      p.id,
				Name:    p.name,
				Args:    parseArgs(raw),
				RawArgs: raw,
			})
		}
		out <- internal_provider.ChatDelta{ToolCalls: calls, Done: true}
	})
	return out, nil
}

func buildMessages(messages []internal_provider.ChatMessage) []oai.ChatCompletionMessageParamUnion {
	out := make([]oai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case internal_provider.ChatRoleSystem:
			out = append(out, oai.SystemMessage(msg.Content))
		case internal_provider.ChatRoleUser:
			out = append(out, oai.UserMessage(msg.Content))
		case internal_provider.ChatRoleAssistant:
			if len(msg.ToolCalls) == 0 {
				out = append(out, oai.AssistantMessage(msg.Content))
				continue
			}
			assistant := oai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				assistant.Content.OfString = param.NewOpt(msg.Content)
			}
			for _, call := range msg.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, oai.ChatCompletionMessageToolCallParam{
					ID: call.ID,
					Function: oai.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Name,
						Arguments: call.RawArgs,
					},
				})
			}
			out = append(out, oai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case internal_provider.ChatRoleTool:
			out = append(out, oai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}
	return out
}

// buildTools reshapes the flat schemas into the completions tool union.
func buildTools(schemas []map[string]interface{}) []oai.ChatCompletionToolParam {
	out := make([]oai.ChatCompletionToolParam, 0, len(schemas))
	for _, schema := range schemas {
		name, _ := schema["name"].(string)
		desc, _ := schema["description"].(string)
		fn := shared.FunctionDefinitionParam{Name: name}
		if desc != "" {
			fn.Description = param.NewOpt(desc)
		}
		if params, ok := schema["parameters"].(map[string]interface{}); ok {
			fn.Parameters = shared.FunctionParameters(params)
		}
		out = append(out, oai.ChatCompletionToolParam{Function: fn})
	}
	return out
}

// parseArgs flattens the model's JSON argument object to strings.
func parseArgs(raw string) map[string]string {
	args := map[string]string{}
	if raw == "" {
		return args
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return args
	}
	for k, v := range parsed {
		switch val := v.(type) {
		case string:
			args[k] = val
		default:
			b, _ := json.Marshal(val)
			args[k] = string(b)
		}
	}
	return args
}

const summaryPrompt = "Summarize this phone call in 2-3 sentences: what the caller wanted, what was done, and any follow-up needed. Reply with the summary only."

// Summarize implements the post-call summarizer over the same model.
func (m *Model) Summarize(ctx context.Context, history []internal_session.HistoryEntry) (string, error) {
	if len(history) == 0 {
		return "", nil
	}

	var transcript strings.Builder
	for _, entry := range history {
		transcript.WriteString(string(entry.Role))
		transcript.WriteString(": ")
		transcript.WriteString(entry.Content)
		transcript.WriteString("\n")
	}

	resp, err := m.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: m.model,
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(summaryPrompt),
			oai.UserMessage(transcript.String()),
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai summary: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai summary: empty response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
