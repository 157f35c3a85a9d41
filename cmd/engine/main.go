// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// voice-engine is the telephony AI agent daemon: it drives Asterisk over
// ARI, streams call audio through AudioSocket, and runs each conversation
// against a realtime or composed STT/LLM/TTS provider.
package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/rapidaai/voice-engine/config"
	internal_admin "github.com/rapidaai/voice-engine/internal/admin"
	internal_ari "github.com/rapidaai/voice-engine/internal/ari"
	internal_engine "github.com/rapidaai/voice-engine/internal/engine"
	internal_gating "github.com/rapidaai/voice-engine/internal/gating"
	internal_history "github.com/rapidaai/voice-engine/internal/history"
	internal_observe "github.com/rapidaai/voice-engine/internal/observe"
	internal_outbound "github.com/rapidaai/voice-engine/internal/outbound"
	internal_playback "github.com/rapidaai/voice-engine/internal/playback"
	internal_provider "github.com/rapidaai/voice-engine/internal/provider"
	internal_anthropic "github.com/rapidaai/voice-engine/internal/provider/anthropic"
	internal_deepgram "github.com/rapidaai/voice-engine/internal/provider/deepgram"
	internal_elevenlabs "github.com/rapidaai/voice-engine/internal/provider/elevenlabs"
	internal_openai "github.com/rapidaai/voice-engine/internal/provider/openai"
	internal_pipeline "github.com/rapidaai/voice-engine/internal/provider/pipeline"
	internal_realtime "github.com/rapidaai/voice-engine/internal/provider/realtime"
	internal_tools "github.com/rapidaai/voice-engine/internal/tools"
	internal_transport "github.com/rapidaai/voice-engine/internal/transport"
	internal_audiosocket "github.com/rapidaai/voice-engine/internal/transport/audiosocket"
	"github.com/rapidaai/voice-engine/pkg/commons"
	"github.com/rapidaai/voice-engine/pkg/connectors"
	"github.com/rapidaai/voice-engine/pkg/utils"
)

func main() {
	cfg, err := config.InitConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := commons.NewLogger(commons.LoggerConfig{
		Level:    cfg.LogLevel,
		FilePath: cfg.LogFile,
	})
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg); err != nil {
		logger.Errorw("engine exited", "err", err)
		logger.Sync()
		log.Fatal(err)
	}
	logger.Infof("engine stopped")
}

func run(ctx context.Context, logger commons.Logger, cfg *config.AppConfig) error {
	// ==== observability ====

	otelShutdown, err := internal_observe.InitProvider(cfg.ServiceName, cfg.Version)
	if err != nil {
		return fmt.Errorf("observe: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		otelShutdown(shutdownCtx)
	}()
	metrics, err := internal_observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("observe: %w", err)
	}

	// ==== storage ====

	conn, err := connectors.NewSqliteConnector(connectors.SqliteConfig{Path: cfg.SqlitePath}, logger)
	if err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	defer conn.Close()

	historyStore, err := internal_history.NewStore(ctx, logger, conn)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	retention := internal_history.NewRetention(logger, historyStore, cfg.RetentionDays)

	outboundStore, err := internal_outbound.NewStore(ctx, logger, conn)
	if err != nil {
		return fmt.Errorf("outbound: %w", err)
	}

	// ==== tools ====

	toolDefs, err := config.LoadTools(cfg.ToolsFile)
	if err != nil {
		return err
	}
	toolRegistry, err := internal_tools.NewRegistry(toolDefs)
	if err != nil {
		return err
	}
	logger.Infof("loaded %d tool definitions from %s", len(toolDefs), cfg.ToolsFile)

	// The builtin executor needs the engine for call control, and the
	// engine needs the dispatcher; the router breaks the cycle.
	executor := &internal_tools.Router{HTTP: internal_tools.NewHTTPExecutor(logger)}
	runner := internal_tools.NewRunner(logger, toolRegistry, executor)
	dispatcher := internal_tools.NewDispatcher(logger, toolRegistry, executor)

	// ==== providers ====

	providers, summarizer, err := buildProviders(logger, cfg)
	if err != nil {
		return err
	}

	planner, err := internal_transport.NewPlanner(logger, internal_transport.DefaultProfiles())
	if err != nil {
		return err
	}

	// ==== call surfaces ====

	contexts, err := config.LoadContexts(cfg.ContextsFile)
	if err != nil {
		return err
	}

	audiosock := internal_audiosocket.NewServer(logger)
	ariClient := internal_ari.NewClient(logger, internal_ari.Config{
		BaseURL:     cfg.Ari.BaseURL,
		Username:    cfg.Ari.Username,
		Password:    cfg.Ari.Password,
		Application: cfg.Ari.Application,
	})

	gatingCfg := internal_gating.DefaultConfig()
	gatingCfg.BargeInMinMs = cfg.Gating.BargeInMinMs
	gatingCfg.EnergyThreshold = cfg.Gating.EnergyThreshold
	gatingCfg.CooldownMs = cfg.Gating.CooldownMs
	gatingCfg.ProtectMs = cfg.Gating.ProtectMs

	engine := internal_engine.New(logger, cfg.EngineSection(), internal_engine.Deps{
		ARI:         ariClient,
		AudioSocket: audiosock,
		Planner:     planner,
		Providers:   providers,
		Tools:       toolRegistry,
		Runner:      runner,
		Dispatcher:  dispatcher,
		Summarizer:  summarizer,
		Playback:    internal_playback.NewManager(logger, cfg.Playback),
		History:     historyStore,
		Metrics:     metrics,
		GatingCfg:   gatingCfg,
		Contexts:    contexts,
	})
	executor.Builtin = internal_tools.NewBuiltinExecutor(logger, engine, engine.Session)

	dialer := internal_outbound.NewDialer(logger, outboundStore, engine, metrics)
	admin := internal_admin.New(logger, historyStore, retention, outboundStore, providers, toolRegistry)

	// ==== serve ====

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return audiosock.ListenAndServe(gctx, cfg.AudioSocketAddr)
	})
	g.Go(func() error {
		return ariClient.ListenEvents(gctx)
	})
	g.Go(func() error {
		return admin.Run(gctx, fmt.Sprintf("%s:%d", cfg.AdminHost, cfg.AdminPort))
	})
	utils.Go(gctx, func() { engine.Run(gctx) })
	utils.Go(gctx, func() { dialer.Run(gctx) })
	utils.Go(gctx, func() { retention.Run(gctx) })

	logger.Infow("voice engine up",
		"application", cfg.Ari.Application,
		"audiosocket", cfg.AudioSocketAddr,
		"admin", fmt.Sprintf("%s:%d", cfg.AdminHost, cfg.AdminPort),
		"contexts", len(contexts))
	return g.Wait()
}

// buildProviders assembles the provider registry: the monolithic realtime
// provider plus the composed STT/LLM/TTS pipeline. The OpenAI chat model
// doubles as the post-call summarizer.
func buildProviders(logger commons.Logger, cfg *config.AppConfig) (*internal_provider.Registry, internal_tools.Summarizer, error) {
	var list []internal_provider.Provider
	var summarizer internal_tools.Summarizer

	if cfg.OpenAI.APIKey != "" {
		list = append(list, internal_realtime.New(logger, internal_realtime.Config{
			APIKey: cfg.OpenAI.APIKey,
			Model:  cfg.OpenAI.RealtimeModel,
			Voice:  cfg.OpenAI.RealtimeVoice,
		}))
	}

	if cfg.Deepgram.APIKey != "" && cfg.ElevenLabs.APIKey != "" {
		stt := internal_deepgram.New(logger, internal_deepgram.Config{
			APIKey: cfg.Deepgram.APIKey,
			Model:  cfg.Deepgram.Model,
		})
		tts := internal_elevenlabs.New(logger, internal_elevenlabs.Config{
			APIKey:  cfg.ElevenLabs.APIKey,
			VoiceID: cfg.ElevenLabs.VoiceID,
			ModelID: cfg.ElevenLabs.ModelID,
		})

		var llm internal_provider.LanguageModel
		switch cfg.Pipeline.LLM {
		case "anthropic":
			if cfg.Anthropic.APIKey == "" {
				return nil, nil, fmt.Errorf("providers: pipeline llm is anthropic but ANTHROPIC__API_KEY is unset")
			}
			llm = internal_anthropic.New(logger, internal_anthropic.Config{
				APIKey: cfg.Anthropic.APIKey,
				Model:  cfg.Anthropic.Model,
			})
		default:
			if cfg.OpenAI.APIKey == "" {
				return nil, nil, fmt.Errorf("providers: pipeline llm is openai but OPENAI__API_KEY is unset")
			}
			llm = internal_openai.New(logger, internal_openai.Config{
				APIKey: cfg.OpenAI.APIKey,
				Model:  cfg.OpenAI.Model,
			})
		}
		list = append(list, internal_pipeline.New(logger, "pipeline_default", stt, llm, tts))
	}

	if len(list) == 0 {
		return nil, nil, fmt.Errorf("providers: no provider configured, set OPENAI__API_KEY or DEEPGRAM__API_KEY+ELEVENLABS__API_KEY")
	}

	// Summaries come from the cheapest configured chat model.
	if cfg.OpenAI.APIKey != "" {
		summarizer = internal_openai.New(logger, internal_openai.Config{
			APIKey: cfg.OpenAI.APIKey,
			Model:  cfg.OpenAI.Model,
		})
	}

	registry := internal_provider.NewRegistry(list...)
	return registry, summarizer, nil
}
