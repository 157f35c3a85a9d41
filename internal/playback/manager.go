// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_playback paces provider audio onto the wire. Providers
// deliver audio in bursts far faster than real time; the playback manager
// buffers a warm-up reserve, then emits exactly one wire frame every 20 ms,
// pausing below the low watermark instead of glitching and cutting off
// streams that go idle without a terminal marker.
package internal_playback

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	internal_audio "github.com/rapidaai/voice-engine/internal/audio"
	internal_codec "github.com/rapidaai/voice-engine/internal/audio/codec"
	internal_transport "github.com/rapidaai/voice-engine/internal/transport"
	"github.com/rapidaai/voice-engine/pkg/commons"
	"github.com/rapidaai/voice-engine/pkg/utils"
)

// StopReason records why a playback ended.
type StopReason string

const (
	ReasonCompleted  StopReason = "completed"
	ReasonBargeIn    StopReason = "barge_in"
	ReasonHangup     StopReason = "hangup"
	ReasonIdle       StopReason = "idle_timeout"
	ReasonSuperseded StopReason = "superseded"
	ReasonError      StopReason = "error"
)

// Config carries the pacing thresholds, all in milliseconds.
type Config struct {
	WarmupMs       int `mapstructure:"warmup_ms"`
	LowWatermarkMs int `mapstructure:"low_watermark_ms"`
	IdleCutoffMs   int `mapstructure:"idle_cutoff_ms"`
	GraceMs        int `mapstructure:"grace_ms"`
}

// DefaultConfig returns the tuned telephony defaults.
func DefaultConfig() Config {
	return Config{
		WarmupMs:       300,
		LowWatermarkMs: 200,
		IdleCutoffMs:   1200,
		GraceMs:        500,
	}
}

// FrameSink consumes paced wire frames.
type FrameSink interface {
	WriteFrame(frame []byte) error
}

// catchupCap bounds how many frames one late tick may emit. A scheduler
// stall should not dump a burst of audio onto the wire.
const catchupCap = 5

// Playback is one in-flight audio stream being paced onto the wire.
type Playback struct {
	ID     string
	CallID string

	logger commons.Logger
	cfg    Config
	plan   *internal_transport.Plan
	sink   FrameSink

	clock     func() time.Time
	newTicker func() (<-chan time.Time, func())

	mu         sync.Mutex
	queue      [][]byte
	streamDone bool
	lastDataAt time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	reason   atomic.Value // StopReason

	done chan struct{}

	underflows    atomic.Int64
	framesWritten atomic.Int64
}

// Done is closed once pacing has fully ended.
func (p *Playback) Done() <-chan struct{} { return p.done }

// Reason returns the stop reason, valid after Done.
func (p *Playback) Reason() StopReason {
	if r, ok := p.reason.Load().(StopReason); ok {
		return r
	}
	return ReasonCompleted
}

// Underflows returns how many pause episodes outlasted a tick deadline.
func (p *Playback) Underflows() int64 { return p.underflows.Load() }

// FramesWritten returns the number of wire frames emitted.
func (p *Playback) FramesWritten() int64 { return p.framesWritten.Load() }

// Stop ends the playback. Idempotent; the first reason wins. Emission halts
// immediately, buffered audio is discarded.
func (p *Playback) Stop(reason StopReason) {
	p.stopOnce.Do(func() {
		p.reason.Store(reason)
		close(p.stopCh)
	})
}

// setReasonIfUnset records the natural completion reason without racing an
// explicit Stop.
func (p *Playback) finish(reason StopReason) {
	p.stopOnce.Do(func() {
		p.reason.Store(reason)
		close(p.stopCh)
	})
}

func (p *Playback) queued() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue), p.streamDone
}

func (p *Playback) pop() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil
	}
	f := p.queue[0]
	p.queue = p.queue[1:]
	return f
}

// Manager starts and supervises playbacks, one active per call.
type Manager struct {
	logger commons.Logger
	cfg    Config

	clock     func() time.Time
	newTicker func() (<-chan time.Time, func())

	mu     sync.Mutex
	active map[string]*Playback
}

// Option customizes a Manager, used by tests to inject time.
type Option func(*Manager)

// WithClock replaces the wall clock.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithTicker replaces the 20 ms pacing ticker factory.
func WithTicker(f func() (<-chan time.Time, func())) Option {
	return func(m *Manager) { m.newTicker = f }
}

// NewManager creates a playback manager.
func NewManager(logger commons.Logger, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		logger: logger,
		cfg:    cfg,
		clock:  time.Now,
		newTicker: func() (<-chan time.Time, func()) {
			t := time.NewTicker(internal_audio.FrameDuration)
			return t.C, t.Stop
		},
		active: make(map[string]*Playback),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start begins pacing a provider audio stream for a call. Any playback
// already active on the call is stopped first; provider turns supersede each
// other. The stream carries provider-output-format audio in arbitrary chunk
// sizes and is closed by the producer when the turn's audio is complete.
func (m *Manager) Start(ctx context.Context, callID string, stream <-chan []byte, plan *internal_transport.Plan, sink FrameSink) (*Playback, error) {
	if plan == nil || plan.WireFrameBytes == 0 {
		return nil, fmt.Errorf("playback: invalid plan for call %s", callID)
	}

	m.mu.Lock()
	if prev, ok := m.active[callID]; ok {
		prev.Stop(ReasonSuperseded)
	}
	p := &Playback{
		ID:        uuid.NewString(),
		CallID:    callID,
		logger:    m.logger,
		cfg:       m.cfg,
		plan:      plan,
		sink:      sink,
		clock:     m.clock,
		newTicker: m.newTicker,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	p.lastDataAt = m.clock()
	m.active[callID] = p
	m.mu.Unlock()

	utils.Go(ctx, func() { p.ingest(ctx, stream) })
	utils.Go(ctx, func() {
		p.pace(ctx)
		close(p.done)
		m.mu.Lock()
		if m.active[callID] == p {
			delete(m.active, callID)
		}
		m.mu.Unlock()
	})
	return p, nil
}

// Active returns the call's current playback, or nil.
func (m *Manager) Active(callID string) *Playback {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[callID]
}

// StopAll ends every active playback, used on shutdown.
func (m *Manager) StopAll(reason StopReason) {
	m.mu.Lock()
	ps := make([]*Playback, 0, len(m.active))
	for _, p := range m.active {
		ps = append(ps, p)
	}
	m.mu.Unlock()
	for _, p := range ps {
		p.Stop(reason)
	}
}

// ingest converts provider chunks through the egress chain and cuts them
// into exact wire frames. After a stop it keeps draining the stream for the
// configured grace so a slow producer is not blocked forever, then abandons.
func (p *Playback) ingest(ctx context.Context, stream <-chan []byte) {
	reframer := internal_codec.NewReframer(p.plan.Profile.Wire, internal_audio.FrameDuration)

	push := func(chunk []byte) {
		wire, err := p.plan.Egress.Apply(chunk)
		if err != nil {
			p.logger.Warnw("playback egress conversion failed, dropping chunk",
				"playback_id", p.ID, "call_id", p.CallID, "err", err)
			return
		}
		frames := reframer.Push(wire)
		p.mu.Lock()
		p.queue = append(p.queue, frames...)
		p.lastDataAt = p.clock()
		p.mu.Unlock()
	}

	for {
		select {
		case <-ctx.Done():
			p.markStreamDone(reframer)
			return
		case <-p.stopCh:
			p.drainGrace(stream)
			p.markStreamDone(nil)
			return
		case chunk, ok := <-stream:
			if !ok {
				p.markStreamDone(reframer)
				return
			}
			push(chunk)
		}
	}
}

// markStreamDone flushes the terminal partial frame (zero-padded to a full
// wire frame) and flags the stream complete.
func (p *Playback) markStreamDone(reframer *internal_codec.Reframer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if reframer != nil {
		if tail := reframer.Flush(); tail != nil {
			p.queue = append(p.queue, tail)
		}
	}
	p.streamDone = true
}

// drainGrace keeps the producer unblocked after a stop, discarding audio,
// bounded by the grace window.
func (p *Playback) drainGrace(stream <-chan []byte) {
	deadline := time.After(time.Duration(p.cfg.GraceMs) * time.Millisecond)
	for {
		select {
		case _, ok := <-stream:
			if !ok {
				return
			}
		case <-deadline:
			p.logger.Debugf("playback %s: producer still streaming after grace, abandoning drain", p.ID)
			return
		}
	}
}

// pace runs the warm-up / steady / paused state machine on the 20 ms tick.
func (p *Playback) pace(ctx context.Context) {
	frameDur := internal_audio.FrameDuration
	warmupFrames := p.cfg.WarmupMs / int(frameDur.Milliseconds())
	watermarkFrames := p.cfg.LowWatermarkMs / int(frameDur.Milliseconds())
	idleCutoff := time.Duration(p.cfg.IdleCutoffMs) * time.Millisecond

	ticks, stop := p.newTicker()
	defer stop()

	warming := true
	paused := false
	underflowCounted := false
	var emitted int64
	var steadyStart time.Time
	var pausedTotal time.Duration
	var pausedSince time.Time

	for {
		select {
		case <-ctx.Done():
			p.finish(ReasonError)
			return
		case <-p.stopCh:
			return
		case <-ticks:
		}

		queued, streamDone := p.queued()

		if warming {
			if queued < warmupFrames && !streamDone {
				p.idleCheck(idleCutoff)
				continue
			}
			if queued == 0 && streamDone {
				p.finish(ReasonCompleted)
				return
			}
			warming = false
			steadyStart = p.clock()
		}

		if queued == 0 && streamDone {
			p.finish(ReasonCompleted)
			return
		}

		if paused {
			if queued >= watermarkFrames || streamDone {
				paused = false
				pausedTotal += p.clock().Sub(pausedSince)
			} else {
				// The pause has outlasted a tick deadline; that is the
				// underflow, counted once per pause episode.
				if !underflowCounted {
					underflowCounted = true
					p.underflows.Add(1)
					p.logger.Warnw("playback paused past tick deadline, counting underflow",
						"playback_id", p.ID, "call_id", p.CallID, "queued_frames", queued)
				}
				if p.idleCheck(idleCutoff) {
					return
				}
				continue
			}
		}

		if queued < watermarkFrames && !streamDone {
			// Depth fell below the watermark mid-stream. Emission pauses
			// until the buffer refills; the warm-up reserve is not rebuilt.
			paused = true
			underflowCounted = false
			pausedSince = p.clock()
			continue
		}

		// Drift correction: emit whatever is due against the active
		// timeline, capped so a stalled tick cannot burst.
		activeElapsed := p.clock().Sub(steadyStart) - pausedTotal
		due := int64(activeElapsed/frameDur) + 1 - emitted
		if due < 1 {
			due = 1
		}
		if due > catchupCap {
			due = catchupCap
		}

		for i := int64(0); i < due; i++ {
			frame := p.pop()
			if frame == nil {
				break
			}
			if err := p.sink.WriteFrame(frame); err != nil {
				p.logger.Warnw("playback sink write failed, stopping",
					"playback_id", p.ID, "call_id", p.CallID, "err", err)
				p.finish(ReasonError)
				return
			}
			emitted++
			p.framesWritten.Add(1)
		}
	}
}

// idleCheck stops the playback when no provider audio has arrived within the
// idle cutoff. Reports whether it stopped.
func (p *Playback) idleCheck(cutoff time.Duration) bool {
	p.mu.Lock()
	last := p.lastDataAt
	done := p.streamDone
	p.mu.Unlock()
	if done {
		return false
	}
	if p.clock().Sub(last) >= cutoff {
		p.logger.Warnw("playback idle cutoff reached, stopping",
			"playback_id", p.ID, "call_id", p.CallID, "idle_ms", p.cfg.IdleCutoffMs)
		p.finish(ReasonIdle)
		return true
	}
	return false
}
