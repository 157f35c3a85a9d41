// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_coordinator tracks the conversational turn state of one
// call and measures turn latency: the gap between the caller finishing an
// utterance and the agent's first audio. That number is the one callers
// perceive as "is this thing slow".
package internal_coordinator

import (
	"sync"
	"time"

	"github.com/rapidaai/voice-engine/pkg/commons"
)

// TurnState is where the conversation currently stands.
type TurnState string

const (
	// StateIdle means nobody is speaking and nothing is pending.
	StateIdle TurnState = "idle"
	// StateUserSpeaking means caller audio is flowing into the provider.
	StateUserSpeaking TurnState = "user_speaking"
	// StateThinking means the utterance ended and the provider is working.
	StateThinking TurnState = "thinking"
	// StateSpeaking means agent audio is playing to the caller.
	StateSpeaking TurnState = "speaking"
)

// Coordinator is one call's turn tracker. Driven by the call's writer task.
type Coordinator struct {
	logger commons.Logger
	callID string
	clock  func() time.Time

	// onLatency receives each measured turn latency, wired to metrics.
	onLatency func(time.Duration)

	mu          sync.Mutex
	state       TurnState
	thinkingAt  time.Time
	turnPending bool
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the wall clock, used by tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// New creates an idle coordinator.
func New(logger commons.Logger, callID string, onLatency func(time.Duration), opts ...Option) *Coordinator {
	c := &Coordinator{
		logger:    logger,
		callID:    callID,
		clock:     time.Now,
		onLatency: onLatency,
		state:     StateIdle,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// State returns the current turn state.
func (c *Coordinator) State() TurnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserStartedSpeaking moves to user_speaking. During agent speech this is a
// barge-in; the caller of this method handles stopping playback.
func (c *Coordinator) UserStartedSpeaking() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateUserSpeaking
	c.turnPending = false
}

// UserFinishedSpeaking moves to thinking and starts the latency stopwatch.
func (c *Coordinator) UserFinishedSpeaking() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateThinking
	c.thinkingAt = c.clock()
	c.turnPending = true
}

// AgentStartedSpeaking moves to speaking. The first transition after an
// utterance closes the latency measurement.
func (c *Coordinator) AgentStartedSpeaking() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turnPending {
		c.turnPending = false
		latency := c.clock().Sub(c.thinkingAt)
		c.logger.Benchmark("turn_latency", latency)
		if c.onLatency != nil {
			c.onLatency(latency)
		}
	}
	c.state = StateSpeaking
}

// AgentFinishedSpeaking returns to idle unless the caller already barged in.
func (c *Coordinator) AgentFinishedSpeaking() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateSpeaking {
		c.state = StateIdle
	}
}
