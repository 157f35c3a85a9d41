// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_engine is the call orchestrator. It consumes Stasis
// events, joins each answered channel to its AudioSocket media stream, and
// runs the conversation loop between the caller and the configured AI
// provider: pre-call tools, gated audio in, paced audio out, in-call tool
// dispatch, and the idempotent teardown that persists history and fires
// post-call tools.
package internal_engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	internal_ari "github.com/rapidaai/voice-engine/internal/ari"
	internal_gating "github.com/rapidaai/voice-engine/internal/gating"
	internal_history "github.com/rapidaai/voice-engine/internal/history"
	internal_observe "github.com/rapidaai/voice-engine/internal/observe"
	internal_playback "github.com/rapidaai/voice-engine/internal/playback"
	internal_provider "github.com/rapidaai/voice-engine/internal/provider"
	internal_session "github.com/rapidaai/voice-engine/internal/session"
	internal_tools "github.com/rapidaai/voice-engine/internal/tools"
	internal_transport "github.com/rapidaai/voice-engine/internal/transport"
	internal_audiosocket "github.com/rapidaai/voice-engine/internal/transport/audiosocket"
	"github.com/rapidaai/voice-engine/pkg/commons"
	"github.com/rapidaai/voice-engine/pkg/utils"
)

// AgentContext binds a dialplan context name to an agent configuration.
type AgentContext struct {
	Name         string `mapstructure:"name"`
	Provider     string `mapstructure:"provider"`
	AudioProfile string `mapstructure:"audio_profile"`
	SystemPrompt string `mapstructure:"system_prompt"`
	Greeting     string `mapstructure:"greeting"`

	// Per-phase tool lists added on top of the global tools. Globals can be
	// opted out per phase.
	PreCallTools      []string `mapstructure:"pre_call_tool_list"`
	InCallToolAllow   []string `mapstructure:"in_call_tool_allowlist"`
	PostCallTools     []string `mapstructure:"post_call_tool_list"`
	DisableGlobalPre  bool     `mapstructure:"disable_global_pre_call"`
	DisableGlobalIn   bool     `mapstructure:"disable_global_in_call"`
	DisableGlobalPost bool     `mapstructure:"disable_global_post_call"`
}

// toolSelection converts the context's tool configuration to the registry's
// selection form.
func (c AgentContext) toolSelection() internal_tools.Selection {
	return internal_tools.Selection{
		PreCall:               c.PreCallTools,
		InCall:                c.InCallToolAllow,
		PostCall:              c.PostCallTools,
		DisableGlobalPreCall:  c.DisableGlobalPre,
		DisableGlobalInCall:   c.DisableGlobalIn,
		DisableGlobalPostCall: c.DisableGlobalPost,
	}
}

// Config tunes the orchestrator.
type Config struct {
	// Application is the Stasis app name outbound legs are routed into.
	Application string `mapstructure:"application"`

	// MediaContext/MediaExtension is the dialplan location running
	// AudioSocket(${AUDIOSOCKET_ID}, host:port); channels are continued
	// there once the engine has registered the media expectation.
	MediaContext   string `mapstructure:"media_context"`
	MediaExtension string `mapstructure:"media_extension"`

	// MediaTimeoutS bounds the wait for the AudioSocket dial-in.
	MediaTimeoutS int `mapstructure:"media_timeout_s"`

	// OriginateTimeoutS bounds the ring on outbound legs.
	OriginateTimeoutS int `mapstructure:"originate_timeout_s"`

	DefaultContext string `mapstructure:"default_context"`
}

// DefaultConfig returns workable defaults for a local Asterisk.
func DefaultConfig() Config {
	return Config{
		Application:       "voice-engine",
		MediaContext:      "voice-engine-media",
		MediaExtension:    "s",
		MediaTimeoutS:     10,
		OriginateTimeoutS: 60,
		DefaultContext:    "default",
	}
}

// ARIClient is the slice of the ARI surface the engine uses; tests fake it.
type ARIClient interface {
	Events() <-chan internal_ari.Event
	Answer(ctx context.Context, channelID string) error
	Hangup(ctx context.Context, channelID, reason string) error
	Redirect(ctx context.Context, channelID, endpoint string) error
	ContinueInDialplan(ctx context.Context, channelID, dialCtx, exten string, priority int) error
	Play(ctx context.Context, channelID, playbackID, mediaURI string) error
	GetVariable(ctx context.Context, channelID, name string) (string, error)
	SetVariable(ctx context.Context, channelID, name, value string) error
	Originate(ctx context.Context, p internal_ari.OriginateParams) (*internal_ari.Channel, error)
}

// activeCall is the engine-side handle on one live call.
type activeCall struct {
	sess      *internal_session.CallSession
	channelID string
	cancel    context.CancelFunc
	// doneCh closes when the call's teardown has run.
	doneCh chan struct{}

	agent   internal_provider.AgentSession
	media   internal_transport.MediaConn
	toolSel internal_tools.Selection
}

// Engine wires every subsystem into the per-call loop.
type Engine struct {
	logger     commons.Logger
	cfg        Config
	ari        ARIClient
	audiosock  *internal_audiosocket.Server
	planner    *internal_transport.Planner
	providers  *internal_provider.Registry
	tools      *internal_tools.Registry
	runner     *internal_tools.Runner
	dispatcher *internal_tools.Dispatcher
	summarizer internal_tools.Summarizer
	playback   *internal_playback.Manager
	history    internal_history.Store
	metrics    *internal_observe.Metrics
	gatingCfg  internal_gating.Config
	contexts   map[string]AgentContext

	mu    sync.Mutex
	calls map[string]*activeCall
	// dtmfWaiters and playWaiters route Stasis events to blocked flows.
	dtmfWaiters map[string]chan byte
	playWaiters map[string]chan struct{}
	// outboundWaiters resolve PlaceCall once the leg's flow finishes.
	outboundWaiters map[string]chan CallDisposition
	// pendingOutbound carries campaign context to the leg's StasisStart.
	pendingOutbound map[string]outboundLeg
}

// Deps carries the engine's collaborators.
type Deps struct {
	ARI         ARIClient
	AudioSocket *internal_audiosocket.Server
	Planner     *internal_transport.Planner
	Providers   *internal_provider.Registry
	Tools       *internal_tools.Registry
	Runner      *internal_tools.Runner
	Dispatcher  *internal_tools.Dispatcher
	Summarizer  internal_tools.Summarizer
	Playback    *internal_playback.Manager
	History     internal_history.Store
	Metrics     *internal_observe.Metrics
	GatingCfg   internal_gating.Config
	Contexts    []AgentContext
}

// New assembles the engine.
func New(logger commons.Logger, cfg Config, deps Deps) *Engine {
	if cfg.MediaTimeoutS <= 0 {
		cfg.MediaTimeoutS = 10
	}
	if cfg.OriginateTimeoutS <= 0 {
		cfg.OriginateTimeoutS = 60
	}
	contexts := make(map[string]AgentContext, len(deps.Contexts))
	for _, c := range deps.Contexts {
		contexts[c.Name] = c
	}
	return &Engine{
		logger:          logger,
		cfg:             cfg,
		ari:             deps.ARI,
		audiosock:       deps.AudioSocket,
		planner:         deps.Planner,
		providers:       deps.Providers,
		tools:           deps.Tools,
		runner:          deps.Runner,
		dispatcher:      deps.Dispatcher,
		summarizer:      deps.Summarizer,
		playback:        deps.Playback,
		history:         deps.History,
		metrics:         deps.Metrics,
		gatingCfg:       deps.GatingCfg,
		contexts:        contexts,
		calls:           make(map[string]*activeCall),
		dtmfWaiters:     make(map[string]chan byte),
		playWaiters:     make(map[string]chan struct{}),
		outboundWaiters: make(map[string]chan CallDisposition),
		pendingOutbound: make(map[string]outboundLeg),
	}
}

// Run consumes Stasis events until ctx ends.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-e.ari.Events():
			if !ok {
				return
			}
			e.handleEvent(ctx, ev)
		}
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev internal_ari.Event) {
	switch ev.Type {
	case internal_ari.EventStasisStart:
		if ev.Channel == nil {
			return
		}
		direction, contextName := stasisArgs(ev.Args, e.cfg.DefaultContext)
		if direction == "outbound" {
			utils.Go(ctx, func() { e.handleOutboundStasis(ctx, ev.Channel, contextName) })
			return
		}
		utils.Go(ctx, func() { e.handleInbound(ctx, ev.Channel, contextName) })

	case internal_ari.EventChannelDtmfReceived:
		if ev.Channel == nil || ev.Digit == "" {
			return
		}
		e.mu.Lock()
		waiter := e.dtmfWaiters[ev.Channel.ID]
		e.mu.Unlock()
		if waiter != nil {
			select {
			case waiter <- ev.Digit[0]:
			default:
			}
		}

	case internal_ari.EventPlaybackFinished:
		if ev.Playback == nil {
			return
		}
		e.mu.Lock()
		waiter := e.playWaiters[ev.Playback.ID]
		delete(e.playWaiters, ev.Playback.ID)
		e.mu.Unlock()
		if waiter != nil {
			close(waiter)
		}

	case internal_ari.EventStasisEnd, internal_ari.EventChannelDestroyed:
		if ev.Channel == nil {
			return
		}
		e.mu.Lock()
		call := e.calls[ev.Channel.ID]
		e.mu.Unlock()
		if call != nil {
			call.cancel()
		}
	}
}

func stasisArgs(args []string, fallback string) (direction, contextName string) {
	direction = "inbound"
	contextName = fallback
	if len(args) > 0 && args[0] != "" {
		direction = args[0]
	}
	if len(args) > 1 && args[1] != "" {
		contextName = args[1]
	}
	return
}

// handleInbound answers the channel, attaches media, and runs the call.
func (e *Engine) handleInbound(ctx context.Context, channel *internal_ari.Channel, contextName string) {
	agentCtx, ok := e.contexts[contextName]
	if !ok {
		e.logger.Warnf("no agent context %q for channel %s, hanging up", contextName, channel.ID)
		e.ari.Hangup(ctx, channel.ID, "normal")
		return
	}

	if err := e.ari.Answer(ctx, channel.ID); err != nil {
		e.logger.Warnw("answer failed", "channel", channel.ID, "err", err)
		return
	}

	conn, err := e.attachMedia(ctx, channel.ID)
	if err != nil {
		e.logger.Warnw("media attach failed", "channel", channel.ID, "err", err)
		e.ari.Hangup(ctx, channel.ID, "normal")
		return
	}

	sess := internal_session.New(channel.ID, channel.Caller.Number, channel.Dialplan.Exten,
		contextName, internal_session.DirectionInbound)
	e.runCall(ctx, sess, agentCtx, channel.ID, conn)
}

// attachMedia registers the AudioSocket expectation, routes the channel into
// the media dialplan, and waits for the PBX to dial in.
func (e *Engine) attachMedia(ctx context.Context, channelID string) (internal_transport.MediaConn, error) {
	sessionID := uuid.NewString()
	waiter := e.audiosock.Expect(sessionID)

	if err := e.ari.SetVariable(ctx, channelID, "AUDIOSOCKET_ID", sessionID); err != nil {
		e.audiosock.Forget(sessionID)
		return nil, err
	}
	if err := e.ari.ContinueInDialplan(ctx, channelID, e.cfg.MediaContext, e.cfg.MediaExtension, 1); err != nil {
		e.audiosock.Forget(sessionID)
		return nil, err
	}

	select {
	case <-ctx.Done():
		e.audiosock.Forget(sessionID)
		return nil, ctx.Err()
	case conn := <-waiter:
		return conn, nil
	case <-time.After(time.Duration(e.cfg.MediaTimeoutS) * time.Second):
		e.audiosock.Forget(sessionID)
		return nil, fmt.Errorf("engine: audiosocket dial-in timeout for channel %s", channelID)
	}
}

// ==== tools.CallControl ====

// BlindTransfer redirects the caller's own channel to the destination. A
// Local channel pair would look cleaner but loses the media path mid-swap;
// the redirect keeps the caller's leg intact.
func (e *Engine) BlindTransfer(ctx context.Context, callID, destination string) error {
	e.mu.Lock()
	call := e.calls[callID]
	e.mu.Unlock()
	if call == nil {
		return fmt.Errorf("engine: no active call %s", callID)
	}
	if err := e.ari.Redirect(ctx, call.channelID, destination); err != nil {
		return err
	}
	// The provider leg is over; teardown runs when media drops.
	return nil
}

// RequestHangup arms the farewell-then-hangup path. The actual hangup fires
// when the agent's current audio finishes; a watchdog covers the case where
// no farewell audio ever arrives.
func (e *Engine) RequestHangup(callID string) {
	e.mu.Lock()
	call := e.calls[callID]
	e.mu.Unlock()
	if call == nil {
		return
	}
	utils.Go(context.Background(), func() {
		select {
		case <-time.After(15 * time.Second):
			e.logger.Warnf("call %s: hangup requested but no farewell completion, forcing", callID)
			e.hangupCall(context.Background(), call)
		case <-callDone(call):
		}
	})
}

func callDone(call *activeCall) <-chan struct{} {
	return call.doneCh
}

func (e *Engine) hangupCall(ctx context.Context, call *activeCall) {
	if call.media != nil {
		call.media.Close()
	}
	e.ari.Hangup(ctx, call.channelID, "normal")
	call.cancel()
}

func (e *Engine) register(call *activeCall) {
	e.mu.Lock()
	e.calls[call.sess.CallID] = call
	e.mu.Unlock()
}

func (e *Engine) unregister(callID string) {
	e.mu.Lock()
	delete(e.calls, callID)
	e.mu.Unlock()
}

// Session returns the live session for a call, or nil once it has ended.
// Builtin tools resolve their call through this.
func (e *Engine) Session(callID string) *internal_session.CallSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	if call, ok := e.calls[callID]; ok {
		return call.sess
	}
	return nil
}

// awaitDTMF registers a DTMF waiter for a channel and returns the channel
// plus a release func.
func (e *Engine) awaitDTMF(channelID string) (<-chan byte, func()) {
	ch := make(chan byte, 8)
	e.mu.Lock()
	e.dtmfWaiters[channelID] = ch
	e.mu.Unlock()
	return ch, func() {
		e.mu.Lock()
		delete(e.dtmfWaiters, channelID)
		e.mu.Unlock()
	}
}

// playAndWait plays a media URI on a channel and blocks until Asterisk
// reports the playback finished, bounded by timeout. The waiter is
// registered before the play request goes out so a PlaybackFinished that
// arrives immediately is never missed.
func (e *Engine) playAndWait(ctx context.Context, channelID, mediaURI string, timeout time.Duration) error {
	playbackID := uuid.NewString()
	waiter := make(chan struct{})
	e.mu.Lock()
	e.playWaiters[playbackID] = waiter
	e.mu.Unlock()

	if err := e.ari.Play(ctx, channelID, playbackID, mediaURI); err != nil {
		e.mu.Lock()
		delete(e.playWaiters, playbackID)
		e.mu.Unlock()
		return err
	}

	select {
	case <-waiter:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		e.mu.Lock()
		delete(e.playWaiters, playbackID)
		e.mu.Unlock()
		return fmt.Errorf("engine: playback %s did not finish within %s", playbackID, timeout)
	}
}
