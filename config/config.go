// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package config

import (
	"fmt"
	"log"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	internal_engine "github.com/rapidaai/voice-engine/internal/engine"
	internal_playback "github.com/rapidaai/voice-engine/internal/playback"
	internal_tools "github.com/rapidaai/voice-engine/internal/tools"
)

// AriConfig is the Asterisk REST Interface connection.
type AriConfig struct {
	BaseURL     string `mapstructure:"base_url" validate:"required,url"`
	Username    string `mapstructure:"username" validate:"required"`
	Password    string `mapstructure:"password"`
	Application string `mapstructure:"application" validate:"required"`
}

// EngineConfig is the call routing section.
type EngineConfig struct {
	MediaContext      string `mapstructure:"media_context" validate:"required"`
	MediaExtension    string `mapstructure:"media_extension" validate:"required"`
	MediaTimeoutS     int    `mapstructure:"media_timeout_s"`
	OriginateTimeoutS int    `mapstructure:"originate_timeout_s"`
	DefaultContext    string `mapstructure:"default_context" validate:"required"`
}

// GatingConfig tunes barge-in detection.
type GatingConfig struct {
	BargeInMinMs    int     `mapstructure:"barge_in_min_ms"`
	EnergyThreshold float64 `mapstructure:"energy_threshold"`
	CooldownMs      int     `mapstructure:"cooldown_ms"`
	ProtectMs       int     `mapstructure:"protect_ms"`
}

// OpenAIConfig covers both the realtime provider and the pipeline LLM.
type OpenAIConfig struct {
	APIKey        string `mapstructure:"api_key"`
	Model         string `mapstructure:"model"`
	RealtimeModel string `mapstructure:"realtime_model"`
	RealtimeVoice string `mapstructure:"realtime_voice"`
}

// AnthropicConfig is the pipeline's alternative LLM.
type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

// DeepgramConfig is the pipeline's transcriber.
type DeepgramConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

// ElevenLabsConfig is the pipeline's synthesizer.
type ElevenLabsConfig struct {
	APIKey  string `mapstructure:"api_key"`
	VoiceID string `mapstructure:"voice_id"`
	ModelID string `mapstructure:"model_id"`
}

// PipelineConfig selects the composed pipeline's adapters.
type PipelineConfig struct {
	LLM string `mapstructure:"llm" validate:"oneof=openai anthropic"`
}

// AppConfig is the engine's full configuration, read from environment
// variables (nested keys use the __ delimiter) with optional .env file.
type AppConfig struct {
	ServiceName string `mapstructure:"service_name" validate:"required"`
	Version     string `mapstructure:"version" validate:"required"`
	LogLevel    string `mapstructure:"log_level" validate:"required"`
	LogFile     string `mapstructure:"log_file"`

	// Admin HTTP surface (health, metrics, campaigns, history).
	AdminHost string `mapstructure:"admin_host" validate:"required"`
	AdminPort int    `mapstructure:"admin_port" validate:"required"`

	AudioSocketAddr string `mapstructure:"audiosocket_addr" validate:"required"`

	SqlitePath    string `mapstructure:"sqlite_path" validate:"required"`
	RetentionDays int    `mapstructure:"history_retention_days"`

	Ari        AriConfig        `mapstructure:"ari" validate:"required"`
	Engine     EngineConfig     `mapstructure:"engine" validate:"required"`
	Playback   internal_playback.Config `mapstructure:"playback"`
	Gating     GatingConfig     `mapstructure:"gating"`
	OpenAI     OpenAIConfig     `mapstructure:"openai"`
	Anthropic  AnthropicConfig  `mapstructure:"anthropic"`
	Deepgram   DeepgramConfig   `mapstructure:"deepgram"`
	ElevenLabs ElevenLabsConfig `mapstructure:"elevenlabs"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`

	// Declarative files.
	ToolsFile    string `mapstructure:"tools_file"`
	ContextsFile string `mapstructure:"contexts_file" validate:"required"`
}

// EngineSection converts the routing section into the engine's config.
func (c *AppConfig) EngineSection() internal_engine.Config {
	return internal_engine.Config{
		Application:       c.Ari.Application,
		MediaContext:      c.Engine.MediaContext,
		MediaExtension:    c.Engine.MediaExtension,
		MediaTimeoutS:     c.Engine.MediaTimeoutS,
		OriginateTimeoutS: c.Engine.OriginateTimeoutS,
		DefaultContext:    c.Engine.DefaultContext,
	}
}

// InitConfig reads the environment (and optional ENV_PATH .env file) into a
// validated AppConfig.
func InitConfig() (*AppConfig, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter("__"))

	v.AddConfigPath(".")
	v.SetConfigName(".env")
	v.SetConfigType("env")
	if path := os.Getenv("ENV_PATH"); path != "" {
		v.SetConfigFile(path)
	}
	v.AutomaticEnv()
	setDefault(v)
	if err := v.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		log.Printf("no config file found, reading from environment")
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}
	return cfg, nil
}

func setDefault(v *viper.Viper) {
	v.SetDefault("SERVICE_NAME", "voice-engine")
	v.SetDefault("VERSION", "0.1.0")
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("ADMIN_HOST", "0.0.0.0")
	v.SetDefault("ADMIN_PORT", 8081)

	v.SetDefault("ARI__BASE_URL", "http://127.0.0.1:8088/ari")
	v.SetDefault("ARI__USERNAME", "voice-engine")
	v.SetDefault("ARI__PASSWORD", "")
	v.SetDefault("ARI__APPLICATION", "voice-engine")

	v.SetDefault("AUDIOSOCKET_ADDR", "0.0.0.0:8090")

	engineDefaults := internal_engine.DefaultConfig()
	v.SetDefault("ENGINE__MEDIA_CONTEXT", engineDefaults.MediaContext)
	v.SetDefault("ENGINE__MEDIA_EXTENSION", engineDefaults.MediaExtension)
	v.SetDefault("ENGINE__MEDIA_TIMEOUT_S", engineDefaults.MediaTimeoutS)
	v.SetDefault("ENGINE__ORIGINATE_TIMEOUT_S", engineDefaults.OriginateTimeoutS)
	v.SetDefault("ENGINE__DEFAULT_CONTEXT", engineDefaults.DefaultContext)

	playbackDefaults := internal_playback.DefaultConfig()
	v.SetDefault("PLAYBACK__WARMUP_MS", playbackDefaults.WarmupMs)
	v.SetDefault("PLAYBACK__LOW_WATERMARK_MS", playbackDefaults.LowWatermarkMs)
	v.SetDefault("PLAYBACK__IDLE_CUTOFF_MS", playbackDefaults.IdleCutoffMs)
	v.SetDefault("PLAYBACK__GRACE_MS", playbackDefaults.GraceMs)

	v.SetDefault("GATING__BARGE_IN_MIN_MS", 250)
	v.SetDefault("GATING__ENERGY_THRESHOLD", 1500)
	v.SetDefault("GATING__COOLDOWN_MS", 500)
	v.SetDefault("GATING__PROTECT_MS", 200)

	v.SetDefault("SQLITE_PATH", "voice-engine.db")
	v.SetDefault("HISTORY_RETENTION_DAYS", 30)

	v.SetDefault("PIPELINE__LLM", "openai")

	v.SetDefault("TOOLS_FILE", "tools.yaml")
	v.SetDefault("CONTEXTS_FILE", "contexts.yaml")
}

// LoadTools reads the declarative tool definitions file. A missing file
// yields an empty set; the engine runs fine without tools.
func LoadTools(path string) ([]internal_tools.ToolDefinition, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read tools %s: %w", path, err)
	}
	var defs []internal_tools.ToolDefinition
	if err := v.UnmarshalKey("tools", &defs); err != nil {
		return nil, fmt.Errorf("config: parse tools %s: %w", path, err)
	}
	return defs, nil
}

// LoadContexts reads the agent context definitions file.
func LoadContexts(path string) ([]internal_engine.AgentContext, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read contexts %s: %w", path, err)
	}
	var contexts []internal_engine.AgentContext
	if err := v.UnmarshalKey("contexts", &contexts); err != nil {
		return nil, fmt.Errorf("config: parse contexts %s: %w", path, err)
	}
	if len(contexts) == 0 {
		return nil, fmt.Errorf("config: %s defines no agent contexts", path)
	}
	return contexts, nil
}
