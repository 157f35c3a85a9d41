package internal_transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_audio "github.com/rapidaai/voice-engine/internal/audio"
	"github.com/rapidaai/voice-engine/pkg/commons"
)

func newTestPlanner(t *testing.T) *Planner {
	pl, err := NewPlanner(commons.NewNopLogger(), DefaultProfiles())
	require.NoError(t, err)
	return pl
}

func linearCaps() Capabilities {
	return Capabilities{
		SupportedInput:  []internal_audio.AudioFormat{internal_audio.Linear16k, internal_audio.Linear24k},
		SupportedOutput: []internal_audio.AudioFormat{internal_audio.Linear16k, internal_audio.Linear24k},
	}
}

func TestPlan_UlawProfileChains(t *testing.T) {
	pl := newTestPlanner(t)
	plan, err := pl.Plan("telephony_ulaw_8k", linearCaps())
	require.NoError(t, err)

	assert.Equal(t, 160, plan.WireFrameBytes, "20 ms of mulaw at 8 kHz")
	assert.Equal(t, []ConversionStep{StepDecompandMulaw, StepResample}, plan.Ingress.Steps)
	assert.Equal(t, []ConversionStep{StepResample, StepCompandMulaw}, plan.Egress.Steps)
}

func TestPlan_UnknownProfile(t *testing.T) {
	pl := newTestPlanner(t)
	_, err := pl.Plan("nope", linearCaps())
	assert.ErrorIs(t, err, ErrUnknownProfile)
}

func TestPlan_IncompatibleCaps(t *testing.T) {
	pl := newTestPlanner(t)
	_, err := pl.Plan("telephony_ulaw_8k", Capabilities{
		SupportedInput:  []internal_audio.AudioFormat{internal_audio.Mulaw8k},
		SupportedOutput: []internal_audio.AudioFormat{internal_audio.Mulaw8k},
	})
	assert.ErrorIs(t, err, ErrProfileIncompatible)
}

func TestChain_ApplyIngressProducesProviderFrame(t *testing.T) {
	pl := newTestPlanner(t)
	plan, err := pl.Plan("telephony_ulaw_8k", linearCaps())
	require.NoError(t, err)

	// One 20 ms mulaw wire frame -> PCM16 @ 16 kHz for the provider.
	wire := make([]byte, 160)
	out, err := plan.Ingress.Apply(wire)
	require.NoError(t, err)
	assert.Len(t, out, 640, "20 ms of PCM16 at 16 kHz")
}

func TestChain_ApplyEgressProducesWireFrame(t *testing.T) {
	pl := newTestPlanner(t)
	plan, err := pl.Plan("telephony_ulaw_8k", linearCaps())
	require.NoError(t, err)

	// 20 ms of provider PCM16 @ 16 kHz -> one mulaw wire frame.
	provider := make([]byte, 640)
	out, err := plan.Egress.Apply(provider)
	require.NoError(t, err)
	assert.Len(t, out, plan.WireFrameBytes)
}

func TestChain_ApplyStreamsAcrossFrames(t *testing.T) {
	pl := newTestPlanner(t)
	plan, err := pl.Plan("telephony_ulaw_8k", linearCaps())
	require.NoError(t, err)

	// The resampler carries state across frames; every frame of a stream
	// still comes out length-exact.
	for i := 0; i < 10; i++ {
		out, err := plan.Ingress.Apply(make([]byte, 160))
		require.NoError(t, err)
		assert.Len(t, out, 640, "frame %d", i)
	}
}

func TestNegotiate_MatchingAckKeepsPlan(t *testing.T) {
	pl := newTestPlanner(t)
	plan, err := pl.Plan("telephony_ulaw_8k", linearCaps())
	require.NoError(t, err)

	same, err := pl.Negotiate(plan, internal_audio.Linear16k, internal_audio.Linear16k)
	require.NoError(t, err)
	assert.Same(t, plan, same)
}

func TestNegotiate_MismatchContinuesWithProviderFormats(t *testing.T) {
	pl := newTestPlanner(t)
	plan, err := pl.Plan("telephony_ulaw_8k", linearCaps())
	require.NoError(t, err)

	// Provider applied 24 kHz output instead of the planned 16 kHz. The call
	// continues with a rebuilt egress chain; the wire format is untouched.
	adjusted, err := pl.Negotiate(plan, internal_audio.Linear16k, internal_audio.Linear24k)
	require.NoError(t, err)
	assert.Equal(t, internal_audio.Linear24k, adjusted.Profile.ProviderOutput)
	assert.Equal(t, internal_audio.Mulaw8k, adjusted.Profile.Wire)
	assert.Equal(t, 160, adjusted.WireFrameBytes)

	out, err := adjusted.Egress.Apply(make([]byte, 960)) // 20 ms @ 24 kHz
	require.NoError(t, err)
	assert.Len(t, out, 160)
}
