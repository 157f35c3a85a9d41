package internal_coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rapidaai/voice-engine/pkg/commons"
)

func TestCoordinator_TurnLatencyMeasuredOnce(t *testing.T) {
	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }

	var latencies []time.Duration
	c := New(commons.NewNopLogger(), "c1",
		func(d time.Duration) { latencies = append(latencies, d) },
		WithClock(clock))

	c.UserStartedSpeaking()
	assert.Equal(t, StateUserSpeaking, c.State())

	c.UserFinishedSpeaking()
	assert.Equal(t, StateThinking, c.State())

	now = now.Add(420 * time.Millisecond)
	c.AgentStartedSpeaking()
	assert.Equal(t, StateSpeaking, c.State())

	// Subsequent audio chunks within the same turn do not re-measure.
	c.AgentStartedSpeaking()
	c.AgentStartedSpeaking()

	assert.Equal(t, []time.Duration{420 * time.Millisecond}, latencies)

	c.AgentFinishedSpeaking()
	assert.Equal(t, StateIdle, c.State())
}

func TestCoordinator_BargeInCancelsPendingMeasurement(t *testing.T) {
	var latencies []time.Duration
	c := New(commons.NewNopLogger(), "c1",
		func(d time.Duration) { latencies = append(latencies, d) })

	c.UserFinishedSpeaking()
	// Caller starts again before the agent answers.
	c.UserStartedSpeaking()
	c.AgentStartedSpeaking()

	assert.Empty(t, latencies, "interrupted turn must not record latency")
}

func TestCoordinator_BargeInDuringSpeech(t *testing.T) {
	c := New(commons.NewNopLogger(), "c1", nil)

	c.UserFinishedSpeaking()
	c.AgentStartedSpeaking()
	c.UserStartedSpeaking()
	assert.Equal(t, StateUserSpeaking, c.State())

	// A stale audio-done after barge-in must not flip back to idle.
	c.AgentFinishedSpeaking()
	assert.Equal(t, StateUserSpeaking, c.State())
}
