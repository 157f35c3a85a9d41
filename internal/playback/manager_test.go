package internal_playback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_audio "github.com/rapidaai/voice-engine/internal/audio"
	internal_transport "github.com/rapidaai/voice-engine/internal/transport"
	"github.com/rapidaai/voice-engine/pkg/commons"
)

type fakeSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *fakeSink) WriteFrame(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.frames = append(s.frames, cp)
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func ulawPlan(t *testing.T) *internal_transport.Plan {
	t.Helper()
	planner, err := internal_transport.NewPlanner(commons.NewNopLogger(), internal_transport.DefaultProfiles())
	require.NoError(t, err)
	profile := internal_transport.DefaultProfiles()[0]
	plan, err := planner.Plan("telephony_ulaw_8k", internal_transport.Capabilities{
		SupportedInput:  []internal_audio.AudioFormat{profile.ProviderInput},
		SupportedOutput: []internal_audio.AudioFormat{profile.ProviderOutput},
	})
	require.NoError(t, err)
	return plan
}

// harness wires a manager with injected time for deterministic pacing tests.
type harness struct {
	manager *Manager
	clock   *fakeClock
	ticks   chan time.Time
	sink    *fakeSink
	stream  chan []byte
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		clock:  &fakeClock{now: time.Unix(1700000000, 0)},
		ticks:  make(chan time.Time, 256),
		sink:   &fakeSink{},
		stream: make(chan []byte, 64),
	}
	h.manager = NewManager(commons.NewNopLogger(), cfg,
		WithClock(h.clock.Now),
		WithTicker(func() (<-chan time.Time, func()) { return h.ticks, func() {} }),
	)
	return h
}

func (h *harness) tick(n int) {
	for i := 0; i < n; i++ {
		h.ticks <- h.clock.Now()
	}
}

// pcmChunk is 20 ms of 16 kHz PCM16, the provider output of the ulaw profile.
func pcmChunk() []byte {
	return make([]byte, 640)
}

func waitBuffered(t *testing.T, p *Playback, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		q, _ := p.queued()
		return q >= n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPlayback_EmitsExactWireFrames(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	plan := ulawPlan(t)

	p, err := h.manager.Start(context.Background(), "call-1", h.stream, plan, h.sink)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		h.stream <- pcmChunk()
	}
	close(h.stream)
	waitBuffered(t, p, 20)

	h.tick(25)
	require.Eventually(t, func() bool { return h.sink.count() == 20 }, 2*time.Second, 5*time.Millisecond)

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("playback did not complete")
	}
	assert.Equal(t, ReasonCompleted, p.Reason())
	for _, f := range h.sink.frames {
		assert.Len(t, f, plan.WireFrameBytes)
	}
	assert.Equal(t, int64(20), p.FramesWritten())
}

func TestPlayback_WarmupHoldsEmission(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	p, err := h.manager.Start(context.Background(), "call-1", h.stream, ulawPlan(t), h.sink)
	require.NoError(t, err)

	// 5 frames buffered, below the 15-frame warm-up reserve.
	for i := 0; i < 5; i++ {
		h.stream <- pcmChunk()
	}
	waitBuffered(t, p, 5)
	h.tick(10)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, h.sink.count())

	for i := 0; i < 10; i++ {
		h.stream <- pcmChunk()
	}
	waitBuffered(t, p, 15)
	h.tick(1)
	require.Eventually(t, func() bool { return h.sink.count() >= 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestPlayback_StopIsIdempotent(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	p, err := h.manager.Start(context.Background(), "call-1", h.stream, ulawPlan(t), h.sink)
	require.NoError(t, err)

	p.Stop(ReasonBargeIn)
	p.Stop(ReasonHangup)
	p.Stop(ReasonBargeIn)

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("playback did not stop")
	}
	assert.Equal(t, ReasonBargeIn, p.Reason())
}

func TestPlayback_PausesBelowWatermarkWithFramesQueued(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	p, err := h.manager.Start(context.Background(), "call-1", h.stream, ulawPlan(t), h.sink)
	require.NoError(t, err)

	for i := 0; i < 15; i++ {
		h.stream <- pcmChunk()
	}
	waitBuffered(t, p, 15)

	// Emission runs while depth is at or above the 10-frame watermark. The
	// seventh tick sees 9 frames queued and pauses with audio still buffered.
	h.tick(7)
	require.Eventually(t, func() bool { return h.sink.count() == 6 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 6, h.sink.count())
	assert.Zero(t, p.Underflows(), "pause refilled before the next tick is not an underflow")

	// One more chunk refills to the watermark; emission resumes, no restart.
	h.stream <- pcmChunk()
	waitBuffered(t, p, 10)
	h.tick(1)
	require.Eventually(t, func() bool { return h.sink.count() == 7 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, p.Underflows())
}

func TestPlayback_UnderflowCountsOncePerStarvedPause(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	p, err := h.manager.Start(context.Background(), "call-1", h.stream, ulawPlan(t), h.sink)
	require.NoError(t, err)

	for i := 0; i < 15; i++ {
		h.stream <- pcmChunk()
	}
	waitBuffered(t, p, 15)

	h.tick(7)
	require.Eventually(t, func() bool { return h.sink.count() == 6 }, 2*time.Second, 5*time.Millisecond)

	// Ticks arriving while the pause holds count one underflow, not one per
	// tick.
	h.tick(3)
	require.Eventually(t, func() bool { return p.Underflows() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), p.Underflows())
	assert.Equal(t, 6, h.sink.count())

	for i := 0; i < 5; i++ {
		h.stream <- pcmChunk()
	}
	waitBuffered(t, p, 14)
	h.tick(1)
	require.Eventually(t, func() bool { return h.sink.count() == 7 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), p.Underflows())
}

func TestPlayback_IdleCutoffStopsSilentStream(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	p, err := h.manager.Start(context.Background(), "call-1", h.stream, ulawPlan(t), h.sink)
	require.NoError(t, err)

	h.clock.Advance(1300 * time.Millisecond)
	h.tick(1)

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("idle cutoff did not fire")
	}
	assert.Equal(t, ReasonIdle, p.Reason())
	assert.Equal(t, 0, h.sink.count())
}

func TestManager_StartSupersedesActivePlayback(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	p1, err := h.manager.Start(context.Background(), "call-1", h.stream, ulawPlan(t), h.sink)
	require.NoError(t, err)

	stream2 := make(chan []byte, 4)
	p2, err := h.manager.Start(context.Background(), "call-1", stream2, ulawPlan(t), h.sink)
	require.NoError(t, err)

	select {
	case <-p1.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("superseded playback did not stop")
	}
	assert.Equal(t, ReasonSuperseded, p1.Reason())
	assert.NotEqual(t, p1.ID, p2.ID)
	p2.Stop(ReasonHangup)
}
