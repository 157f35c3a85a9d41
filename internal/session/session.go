// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_session owns the per-call state. A CallSession is created
// when the PBX answers (or an outbound leg is originated), mutated only by
// the call's single writer task, and snapshotted into a history record on
// cleanup.
package internal_session

import (
	"sync"
	"sync/atomic"
	"time"
)

// Direction of the call.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Outcome is the terminal disposition of a call.
type Outcome string

const (
	OutcomeInProgress      Outcome = "in_progress"
	OutcomeCompleted       Outcome = "completed"
	OutcomeTransferred     Outcome = "transferred"
	OutcomeConsentDenied   Outcome = "consent_denied"
	OutcomeConsentTimeout  Outcome = "consent_timeout"
	OutcomeVoicemailDrop   Outcome = "voicemail_dropped"
	OutcomeMachineDetected Outcome = "machine_detected"
	OutcomeError           Outcome = "error"
	OutcomeAbandoned       Outcome = "abandoned"
)

// Role in the conversation history.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// HistoryEntry is one conversation turn fragment.
type HistoryEntry struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolCallRecord is one executed tool invocation.
type ToolCallRecord struct {
	Name       string            `json:"name"`
	Params     map[string]string `json:"params"`
	Result     string            `json:"result"`
	Timestamp  time.Time         `json:"timestamp"`
	DurationMs int64             `json:"duration_ms"`
}

// CurrentAction tracks an in-flight transfer or similar call operation.
type CurrentAction struct {
	Type      string    `json:"type"`
	Target    string    `json:"target"`
	StartedAt time.Time `json:"started_at"`
}

// Metrics accumulates per-call quality numbers.
type Metrics struct {
	TotalTurns       int     `json:"total_turns"`
	AvgTurnLatencyMs float64 `json:"avg_turn_latency_ms"`
	MaxTurnLatencyMs int64   `json:"max_turn_latency_ms"`
	BargeInCount     int     `json:"barge_in_count"`
	UnderflowCount   int     `json:"underflow_count"`
	SNREstimateDb    float64 `json:"snr_estimate_db"`

	latencySumMs int64
}

// CallSession is the engine-owned state of one active call. Only the call's
// writer task mutates it; the internal mutex exists for the few cross-task
// readers (metrics export, admin snapshots).
type CallSession struct {
	mu sync.Mutex

	CallID       string
	CallerNumber string
	CalledNumber string
	ContextName  string
	Direction    Direction

	ProviderName       string
	PipelineComponents []string
	AudioProfileName   string

	StartTime time.Time

	history       []HistoryEntry
	toolCalls     []ToolCallRecord
	preCall       map[string]string
	playbackRef   string
	captureOn     bool
	currentAction *CurrentAction
	metrics       Metrics
	outcome       Outcome

	TransferDestination string
	ErrorMessage        string

	// lastTimestamp enforces monotonically non-decreasing history stamps.
	lastTimestamp time.Time

	// hangupPending is set by the hangup_call tool; the engine hangs up on
	// agent_audio_done, never before the farewell finishes.
	hangupPending atomic.Bool

	// postCallFired gates post-call tool dispatch; cleanup can race between
	// PBX-, engine-, and provider-initiated paths.
	postCallFired atomic.Bool

	clock func() time.Time
}

// New creates a session in progress.
func New(callID, caller, called, contextName string, direction Direction) *CallSession {
	return &CallSession{
		CallID:       callID,
		CallerNumber: caller,
		CalledNumber: called,
		ContextName:  contextName,
		Direction:    direction,
		StartTime:    time.Now(),
		preCall:      map[string]string{},
		captureOn:    true,
		outcome:      OutcomeInProgress,
		clock:        time.Now,
	}
}

// stamp returns a timestamp that never runs backwards within this call.
func (s *CallSession) stamp() time.Time {
	now := s.clock()
	if now.Before(s.lastTimestamp) {
		now = s.lastTimestamp
	}
	s.lastTimestamp = now
	return now
}

// AppendHistory adds one conversation entry. Every append carries a
// non-decreasing timestamp so transcript ordering survives clock steps.
func (s *CallSession) AppendHistory(role Role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, HistoryEntry{
		Role:      role,
		Content:   content,
		Timestamp: s.stamp(),
	})
}

// History returns a copy of the conversation history.
func (s *CallSession) History() []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HistoryEntry, len(s.history))
	copy(out, s.history)
	return out
}

// RecordToolCall appends one tool execution with its measured duration.
func (s *CallSession) RecordToolCall(name string, params map[string]string, result string, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolCalls = append(s.toolCalls, ToolCallRecord{
		Name:       name,
		Params:     params,
		Result:     result,
		Timestamp:  s.stamp(),
		DurationMs: duration.Milliseconds(),
	})
}

// ToolCalls returns a copy of the tool call log.
func (s *CallSession) ToolCalls() []ToolCallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ToolCallRecord, len(s.toolCalls))
	copy(out, s.toolCalls)
	return out
}

// SetPreCallResults stores the merged pre-call tool outputs.
func (s *CallSession) SetPreCallResults(vars map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preCall = vars
}

// PreCallResults returns a copy of the pre-call variable map.
func (s *CallSession) PreCallResults() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.preCall))
	for k, v := range s.preCall {
		out[k] = v
	}
	return out
}

// SetPlaybackRef records the currently playing audio, empty when idle.
func (s *CallSession) SetPlaybackRef(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playbackRef = ref
}

// PlaybackRef returns the current playback identifier or "".
func (s *CallSession) PlaybackRef() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playbackRef
}

// SetCapture toggles the inbound audio gate flag.
func (s *CallSession) SetCapture(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captureOn = on
}

// CaptureEnabled reports the inbound audio gate flag.
func (s *CallSession) CaptureEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captureOn
}

// SetCurrentAction records an in-flight call operation (transfer).
func (s *CallSession) SetCurrentAction(a *CurrentAction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentAction = a
}

// CurrentActionSnapshot returns the in-flight action, or nil.
func (s *CallSession) CurrentActionSnapshot() *CurrentAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentAction == nil {
		return nil
	}
	cp := *s.currentAction
	return &cp
}

// RecordTurnLatency folds one turn's user-audio-to-agent-audio latency into
// the rolling metrics.
func (s *CallSession) RecordTurnLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := d.Milliseconds()
	s.metrics.TotalTurns++
	s.metrics.latencySumMs += ms
	if ms > s.metrics.MaxTurnLatencyMs {
		s.metrics.MaxTurnLatencyMs = ms
	}
	s.metrics.AvgTurnLatencyMs = float64(s.metrics.latencySumMs) / float64(s.metrics.TotalTurns)
}

// IncrementBargeIn bumps the barge-in counter.
func (s *CallSession) IncrementBargeIn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.BargeInCount++
}

// IncrementUnderflow bumps the playback underflow counter.
func (s *CallSession) IncrementUnderflow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.UnderflowCount++
}

// MetricsSnapshot returns a copy of the call metrics.
func (s *CallSession) MetricsSnapshot() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// SetOutcome records the terminal disposition. The first terminal outcome
// wins; later attempts to overwrite are ignored.
func (s *CallSession) SetOutcome(o Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome != OutcomeInProgress {
		return
	}
	s.outcome = o
}

// Outcome returns the current disposition.
func (s *CallSession) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// SetHangupPending flags that the call should end after the current agent
// audio completes.
func (s *CallSession) SetHangupPending() {
	s.hangupPending.Store(true)
}

// HangupPending reports the farewell-then-hangup flag.
func (s *CallSession) HangupPending() bool {
	return s.hangupPending.Load()
}

// MarkPostCallFired returns true exactly once per call; concurrent cleanup
// paths race to it and only the winner dispatches post-call tools.
func (s *CallSession) MarkPostCallFired() bool {
	return s.postCallFired.CompareAndSwap(false, true)
}
