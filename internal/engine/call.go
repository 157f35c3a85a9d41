// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_engine

import (
	"context"
	"errors"
	"sync"
	"time"

	internal_coordinator "github.com/rapidaai/voice-engine/internal/coordinator"
	internal_gating "github.com/rapidaai/voice-engine/internal/gating"
	internal_history "github.com/rapidaai/voice-engine/internal/history"
	internal_playback "github.com/rapidaai/voice-engine/internal/playback"
	internal_provider "github.com/rapidaai/voice-engine/internal/provider"
	internal_session "github.com/rapidaai/voice-engine/internal/session"
	internal_tools "github.com/rapidaai/voice-engine/internal/tools"
	internal_transport "github.com/rapidaai/voice-engine/internal/transport"
	"github.com/rapidaai/voice-engine/pkg/utils"
)

// audioStreamDepth buffers provider audio bursts between the event loop and
// the playback manager. Full buffer drops the chunk; pacing smooths the rest.
const audioStreamDepth = 256

// lockedGate serializes gate access between the media reader task and the
// event loop task.
type lockedGate struct {
	mu   sync.Mutex
	gate *internal_gating.Manager
}

func (g *lockedGate) OnFrame(pcm []byte) internal_gating.Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gate.OnFrame(pcm)
}

func (g *lockedGate) PlaybackStarted() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gate.PlaybackStarted()
}

func (g *lockedGate) PlaybackEnded() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gate.PlaybackEnded()
}

// runCall drives one call from attached media to teardown and returns the
// session's terminal outcome.
func (e *Engine) runCall(ctx context.Context, sess *internal_session.CallSession, agentCtx AgentContext, channelID string, conn internal_transport.MediaConn) internal_session.Outcome {
	callCtx, cancel := context.WithCancel(ctx)
	call := &activeCall{
		sess:      sess,
		channelID: channelID,
		cancel:    cancel,
		doneCh:    make(chan struct{}),
		media:     conn,
		toolSel:   agentCtx.toolSelection(),
	}
	e.register(call)
	if e.metrics != nil {
		e.metrics.ActiveCalls.Add(ctx, 1)
	}

	sess.ProviderName = agentCtx.Provider
	sess.AudioProfileName = agentCtx.AudioProfile
	toolSel := call.toolSel
	e.logger.Infow("call started",
		"call_id", sess.CallID, "context", agentCtx.Name,
		"provider", agentCtx.Provider, "direction", string(sess.Direction))

	var cleanupOnce sync.Once
	cleanup := func() {
		cleanupOnce.Do(func() {
			cancel()
			if p := e.playback.Active(sess.CallID); p != nil {
				p.Stop(internal_playback.ReasonHangup)
			}
			if call.agent != nil {
				call.agent.Close()
			}
			conn.Close()

			sess.SetOutcome(internal_session.OutcomeCompleted)
			endTime := time.Now()
			record := internal_history.FromSession(sess, endTime)
			bg := context.WithoutCancel(ctx)
			if err := e.history.Save(bg, record); err != nil {
				e.logger.Warnw("history save failed", "call_id", sess.CallID, "err", err)
			}
			e.runner.RunPostCall(bg, sess, toolSel, e.summarizer)
			e.dispatcher.Forget(sess.CallID)

			e.unregister(sess.CallID)
			if e.metrics != nil {
				e.metrics.ActiveCalls.Add(bg, -1)
			}
			close(call.doneCh)
			e.logger.Infow("call ended",
				"call_id", sess.CallID, "outcome", string(sess.Outcome()),
				"duration_s", endTime.Sub(sess.StartTime).Seconds())
		})
	}
	defer cleanup()

	// Pre-call tools run before the provider sees the call; their outputs
	// join any variables already seeded (outbound lead data) in the
	// substitution map.
	baseVars := internal_tools.MergeVars(internal_tools.CallVars(sess), sess.PreCallResults())
	preCall := e.runner.RunPreCall(callCtx, sess, toolSel, baseVars)
	sess.SetPreCallResults(internal_tools.MergeVars(sess.PreCallResults(), preCall))

	prov, err := e.providers.Get(agentCtx.Provider)
	if err != nil {
		e.failCall(ctx, sess, channelID, err)
		return sess.Outcome()
	}
	plan, err := e.planner.Plan(agentCtx.AudioProfile, prov.Capabilities())
	if err != nil {
		e.failCall(ctx, sess, channelID, err)
		return sess.Outcome()
	}

	agent, err := prov.Start(callCtx, internal_provider.StartParams{
		CallID:       sess.CallID,
		SystemPrompt: agentCtx.SystemPrompt,
		Greeting:     agentCtx.Greeting,
		Variables:    internal_tools.MergeVars(baseVars, preCall),
		ToolSchemas:  internal_tools.ExportSchemas(e.tools, prov.SchemaStyle(), toolSel),
		InputFormat:  plan.Profile.ProviderInput,
		OutputFormat: plan.Profile.ProviderOutput,
	})
	if err != nil {
		e.failCall(ctx, sess, channelID, err)
		return sess.Outcome()
	}
	call.agent = agent

	// The provider may have applied different formats than requested.
	plan, err = e.planner.Negotiate(plan, agent.NegotiatedInput(), agent.NegotiatedOutput())
	if err != nil {
		e.failCall(ctx, sess, channelID, err)
		return sess.Outcome()
	}

	gate := &lockedGate{gate: internal_gating.NewManager(
		e.logger, prov.GatePolicy(), plan.Profile.ProviderInput.SampleRate, e.gatingCfg)}
	coord := internal_coordinator.New(e.logger, sess.CallID, func(d time.Duration) {
		sess.RecordTurnLatency(d)
		if e.metrics != nil {
			e.metrics.RecordTurnLatency(callCtx, prov.Name(), float64(d.Milliseconds()))
		}
	})

	utils.Go(callCtx, func() {
		e.mediaReadLoop(callCtx, call, plan, gate, coord)
	})

	e.eventLoop(callCtx, call, plan, gate, coord)
	cleanup()
	return sess.Outcome()
}

// failCall records a setup failure and releases the channel.
func (e *Engine) failCall(ctx context.Context, sess *internal_session.CallSession, channelID string, err error) {
	e.logger.Warnw("call setup failed", "call_id", sess.CallID, "err", err)
	sess.ErrorMessage = err.Error()
	sess.SetOutcome(internal_session.OutcomeError)
	e.ari.Hangup(ctx, channelID, "normal")
}

// mediaReadLoop pumps caller audio: wire frame -> ingress conversion ->
// gate verdict -> provider.
func (e *Engine) mediaReadLoop(ctx context.Context, call *activeCall, plan *internal_transport.Plan, gate *lockedGate, coord *internal_coordinator.Coordinator) {
	sess := call.sess
	for {
		frame, err := call.media.ReadFrame(ctx)
		if err != nil {
			if !errors.Is(err, internal_transport.ErrMediaClosed) && !errors.Is(err, context.Canceled) {
				e.logger.Warnw("media read failed", "call_id", sess.CallID, "err", err)
			}
			call.cancel()
			return
		}

		pcm, err := plan.Ingress.Apply(frame)
		if err != nil {
			e.logger.Warnw("ingress conversion failed, dropping frame",
				"call_id", sess.CallID, "err", err)
			continue
		}

		decision := gate.OnFrame(pcm)
		if decision.BargeIn {
			e.onBargeIn(ctx, sess, coord)
		}
		if !decision.Forward {
			continue
		}
		if err := call.agent.SendAudio(ctx, pcm); err != nil {
			if errors.Is(err, internal_provider.ErrSessionClosed) {
				return
			}
			e.logger.Debugw("provider audio send failed", "call_id", sess.CallID, "err", err)
		}
	}
}

// onBargeIn stops agent playback so the caller talks over silence, not the
// agent's voice.
func (e *Engine) onBargeIn(ctx context.Context, sess *internal_session.CallSession, coord *internal_coordinator.Coordinator) {
	if p := e.playback.Active(sess.CallID); p != nil {
		p.Stop(internal_playback.ReasonBargeIn)
	}
	coord.UserStartedSpeaking()
	sess.IncrementBargeIn()
	if e.metrics != nil {
		e.metrics.BargeInEvents.Add(ctx, 1)
	}
}

// eventLoop is the call's writer task: it owns session mutation and playback
// lifecycle, consuming provider events until the session closes.
func (e *Engine) eventLoop(ctx context.Context, call *activeCall, plan *internal_transport.Plan, gate *lockedGate, coord *internal_coordinator.Coordinator) {
	sess := call.sess
	var stream chan []byte

	closeStream := func() {
		if stream != nil {
			close(stream)
			stream = nil
		}
	}
	defer closeStream()

	for ev := range call.agent.Events() {
		switch ev.Type {
		case internal_provider.EventUserStartedSpeaking:
			// Server-gating providers report barge-in here.
			if p := e.playback.Active(sess.CallID); p != nil {
				p.Stop(internal_playback.ReasonBargeIn)
				sess.IncrementBargeIn()
				if e.metrics != nil {
					e.metrics.BargeInEvents.Add(ctx, 1)
				}
			}
			coord.UserStartedSpeaking()

		case internal_provider.EventUserTranscript:
			if ev.Final && ev.Text != "" {
				sess.AppendHistory(internal_session.RoleUser, ev.Text)
				coord.UserFinishedSpeaking()
			}

		case internal_provider.EventAgentTranscript:
			if ev.Text != "" {
				sess.AppendHistory(internal_session.RoleAssistant, ev.Text)
			}

		case internal_provider.EventAgentAudio:
			if stream == nil {
				stream = make(chan []byte, audioStreamDepth)
				p, err := e.playback.Start(ctx, sess.CallID, stream, plan, call.media)
				if err != nil {
					e.logger.Warnw("playback start failed", "call_id", sess.CallID, "err", err)
					stream = nil
					continue
				}
				sess.SetPlaybackRef(p.ID)
				gate.PlaybackStarted()
				coord.AgentStartedSpeaking()
				utils.Go(ctx, func() {
					e.watchPlayback(ctx, call, p, gate, coord)
				})
			}
			select {
			case stream <- ev.Audio:
			default:
				e.logger.Warnw("audio stream full, dropping provider chunk", "call_id", sess.CallID)
			}

		case internal_provider.EventAgentAudioDone:
			closeStream()

		case internal_provider.EventFunctionCall:
			ev := ev
			utils.Go(ctx, func() {
				result := e.dispatcher.Dispatch(ctx, sess, call.toolSel, ev.ToolCallID, ev.ToolName, ev.ToolArgs)
				if err := call.agent.SendToolResult(ctx, ev.ToolCallID, result); err != nil {
					e.logger.Warnw("tool result send failed",
						"call_id", sess.CallID, "tool", ev.ToolName, "err", err)
				}
			})

		case internal_provider.EventError:
			e.logger.Warnw("provider error", "call_id", sess.CallID, "err", ev.Err)
			if sess.ErrorMessage == "" && ev.Err != nil {
				sess.ErrorMessage = ev.Err.Error()
			}

		case internal_provider.EventClosed:
			return
		}
	}
}

// watchPlayback reacts to one playback finishing: reopen the gate, fold in
// underflow counts, and fire the deferred hangup after the farewell.
func (e *Engine) watchPlayback(ctx context.Context, call *activeCall, p *internal_playback.Playback, gate *lockedGate, coord *internal_coordinator.Coordinator) {
	select {
	case <-p.Done():
	case <-ctx.Done():
		return
	}
	sess := call.sess

	gate.PlaybackEnded()
	coord.AgentFinishedSpeaking()
	sess.SetPlaybackRef("")

	if n := p.Underflows(); n > 0 {
		for i := int64(0); i < n; i++ {
			sess.IncrementUnderflow()
		}
		if e.metrics != nil {
			e.metrics.PlaybackUnderflows.Add(ctx, n)
		}
	}

	// hangup_call waits for the farewell to actually play out.
	if p.Reason() == internal_playback.ReasonCompleted && sess.HangupPending() {
		e.hangupCall(ctx, call)
	}
}
