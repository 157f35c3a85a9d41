// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_gating decides, per inbound audio frame, whether to
// forward it to the provider or drop it, and detects barge-in while the
// agent is speaking.
package internal_gating

import (
	"time"

	internal_vad "github.com/rapidaai/voice-engine/internal/audio/vad"
	"github.com/rapidaai/voice-engine/pkg/commons"
)

// Policy selects who owns turn detection.
type Policy string

const (
	// PolicyLocalGate: this manager runs VAD and barge-in cancellation
	// (Deepgram-style pipelines).
	PolicyLocalGate Policy = "local-gate"

	// PolicyServerGate: the provider does server-side turn detection. The
	// manager still closes the gate during playback so the caller does not
	// hear itself, but never applies local barge-in cancellation: local VAD
	// against these providers detects the provider's own TTS as caller
	// speech and feedback-loops.
	PolicyServerGate Policy = "server-gate"
)

// State of the gate.
type State string

const (
	StateOpen    State = "open"
	StateClosed  State = "closed"
	StateProtect State = "post_playback_protect"
)

// Config tunes barge-in behavior.
type Config struct {
	BargeInMinMs      int     // continuous-speech window required, default 250
	EnergyThreshold   float64 // int16 RMS floor, default 1500
	CooldownMs        int     // barge-in suppression after trigger, default 500
	ProtectMs         int     // post-playback echo-tail protection, default 200
	VADAggressiveness internal_vad.Aggressiveness
}

// DefaultConfig returns the production defaults. Aggressiveness 1 is the
// ceiling for server-gating providers.
func DefaultConfig() Config {
	return Config{
		BargeInMinMs:      250,
		EnergyThreshold:   1500,
		CooldownMs:        500,
		ProtectMs:         200,
		VADAggressiveness: internal_vad.AggressivenessDefault,
	}
}

// Decision is the verdict for one inbound frame.
type Decision struct {
	Forward bool
	BargeIn bool
}

// Manager is the per-call audio gate. Single-threaded per session: only the
// call's ingress task calls it.
type Manager struct {
	logger commons.Logger
	policy Policy
	cfg    Config

	state        State
	vad          *internal_vad.Detector
	protectUntil time.Time
	cooldownTill time.Time

	bargeInCount   int
	bufferedDuring int // frames buffered for barge-in eval while closed

	clock func() time.Time
}

// NewManager creates a gate starting Open.
func NewManager(logger commons.Logger, policy Policy, sampleRate int, cfg Config) *Manager {
	if cfg.BargeInMinMs <= 0 {
		cfg.BargeInMinMs = 250
	}
	if cfg.EnergyThreshold <= 0 {
		cfg.EnergyThreshold = 1500
	}
	if cfg.CooldownMs <= 0 {
		cfg.CooldownMs = 500
	}
	if cfg.ProtectMs <= 0 {
		cfg.ProtectMs = 200
	}
	return &Manager{
		logger: logger,
		policy: policy,
		cfg:    cfg,
		state:  StateOpen,
		vad:    internal_vad.NewDetector(sampleRate, cfg.VADAggressiveness),
		clock:  time.Now,
	}
}

// State returns the current gate state, resolving an elapsed protect window.
func (m *Manager) State() State {
	if m.state == StateProtect && m.clock().After(m.protectUntil) {
		m.state = StateOpen
	}
	return m.state
}

// Policy returns the configured gating policy.
func (m *Manager) Policy() Policy {
	return m.policy
}

// PlaybackStarted closes the gate for the duration of agent speech.
func (m *Manager) PlaybackStarted() {
	m.state = StateClosed
	m.vad.Reset()
	m.bufferedDuring = 0
}

// PlaybackEnded transitions Closed -> Protect for the echo-tail window.
func (m *Manager) PlaybackEnded() {
	m.state = StateProtect
	m.protectUntil = m.clock().Add(time.Duration(m.cfg.ProtectMs) * time.Millisecond)
	m.vad.Reset()
}

// OnFrame evaluates one inbound PCM16 frame and returns the verdict.
func (m *Manager) OnFrame(pcm []byte) Decision {
	switch m.State() {
	case StateOpen:
		if m.policy == PolicyLocalGate {
			m.vad.Process(pcm)
		}
		return Decision{Forward: true}

	case StateProtect:
		// Drop to mask the wire echo tail.
		return Decision{}

	case StateClosed:
		if m.policy == PolicyServerGate {
			// Server-gating providers own turn detection; never buffer for
			// local barge-in evaluation here.
			return Decision{Forward: true}
		}
		m.bufferedDuring++
		res := m.vad.Process(pcm)
		if m.clock().Before(m.cooldownTill) {
			return Decision{}
		}
		if res.SpeechActive &&
			m.vad.SpeechRunMs() >= m.cfg.BargeInMinMs &&
			internal_vad.RMS(pcm) >= m.cfg.EnergyThreshold {
			m.bargeInCount++
			m.cooldownTill = m.clock().Add(time.Duration(m.cfg.CooldownMs) * time.Millisecond)
			m.state = StateOpen
			m.vad.Reset()
			m.logger.Debugw("barge-in triggered",
				"count", m.bargeInCount,
				"min_ms", m.cfg.BargeInMinMs,
			)
			return Decision{Forward: true, BargeIn: true}
		}
		return Decision{}
	}
	return Decision{}
}

// BargeInCount returns the number of barge-ins this call.
func (m *Manager) BargeInCount() int {
	return m.bargeInCount
}

// BufferedDuringPlayback returns frames locally buffered while the gate was
// closed. In server-gate mode this must stay at zero.
func (m *Manager) BufferedDuringPlayback() int {
	return m.bufferedDuring
}
