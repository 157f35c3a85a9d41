package internal_gating

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/voice-engine/pkg/commons"
)

func loudFrame(samples int) []byte {
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := 8000 * math.Sin(2*math.Pi*400*float64(i)/8000)
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(int16(v)))
	}
	return pcm
}

func silentFrame(samples int) []byte {
	return make([]byte, samples*2)
}

func newTestManager(policy Policy) *Manager {
	return NewManager(commons.NewNopLogger(), policy, 8000, DefaultConfig())
}

func TestGate_OpenForwards(t *testing.T) {
	m := newTestManager(PolicyLocalGate)
	assert.Equal(t, StateOpen, m.State())

	d := m.OnFrame(loudFrame(160))
	assert.True(t, d.Forward)
	assert.False(t, d.BargeIn)
}

func TestGate_ClosedDropsSilence(t *testing.T) {
	m := newTestManager(PolicyLocalGate)
	m.PlaybackStarted()
	assert.Equal(t, StateClosed, m.State())

	d := m.OnFrame(silentFrame(160))
	assert.False(t, d.Forward)
	assert.False(t, d.BargeIn)
}

func TestGate_BargeInTriggersAfterMinSpeech(t *testing.T) {
	m := newTestManager(PolicyLocalGate)
	m.PlaybackStarted()

	// 250 ms of continuous loud speech in 20 ms frames.
	var triggered bool
	for i := 0; i < 20; i++ {
		d := m.OnFrame(loudFrame(160))
		if d.BargeIn {
			triggered = true
			break
		}
	}
	require.True(t, triggered, "barge-in should trigger within 400 ms of loud speech")
	assert.Equal(t, StateOpen, m.State())
	assert.Equal(t, 1, m.BargeInCount())
}

func TestGate_BargeInCooldownSuppressesRetrigger(t *testing.T) {
	m := newTestManager(PolicyLocalGate)
	m.PlaybackStarted()
	for i := 0; i < 20; i++ {
		if m.OnFrame(loudFrame(160)).BargeIn {
			break
		}
	}
	require.Equal(t, 1, m.BargeInCount())

	// Immediately close again; further speech inside the cooldown must not
	// re-trigger.
	m.PlaybackStarted()
	for i := 0; i < 20; i++ {
		assert.False(t, m.OnFrame(loudFrame(160)).BargeIn)
	}
	assert.Equal(t, 1, m.BargeInCount())
}

func TestGate_ServerGateNeverBuffersDuringTTS(t *testing.T) {
	m := newTestManager(PolicyServerGate)
	m.PlaybackStarted()

	for i := 0; i < 50; i++ {
		d := m.OnFrame(loudFrame(160))
		assert.True(t, d.Forward, "server-gate forwards frames for server-side turn detection")
		assert.False(t, d.BargeIn, "server-gate never applies local barge-in")
	}
	assert.Zero(t, m.BufferedDuringPlayback(), "buffered_chunks_during_tts must be 0 in server-gating mode")
	assert.Zero(t, m.BargeInCount(), "self_interrupt_events must be 0 in server-gating mode")
}

func TestGate_PostPlaybackProtectDropsThenReopens(t *testing.T) {
	m := newTestManager(PolicyLocalGate)
	now := time.Now()
	m.clock = func() time.Time { return now }

	m.PlaybackStarted()
	m.PlaybackEnded()
	assert.Equal(t, StateProtect, m.State())
	assert.False(t, m.OnFrame(loudFrame(160)).Forward)

	// After the protect window the gate reopens.
	now = now.Add(250 * time.Millisecond)
	assert.Equal(t, StateOpen, m.State())
	assert.True(t, m.OnFrame(loudFrame(160)).Forward)
}
