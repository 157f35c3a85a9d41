// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_transport resolves the per-call audio contract: which
// formats flow on the wire and to/from the provider, and which codec-kit
// conversions bridge them. The wire format is fixed by configuration; the
// caller's codec is never propagated to the provider. That contract exists
// because caller-codec leakage historically produced garbled audio.
package internal_transport

import (
	"errors"
	"fmt"

	internal_audio "github.com/rapidaai/voice-engine/internal/audio"
	internal_codec "github.com/rapidaai/voice-engine/internal/audio/codec"
	"github.com/rapidaai/voice-engine/pkg/commons"
)

// ErrProfileIncompatible is returned when no codec-kit chain can bridge the
// profile to the provider's capabilities.
var ErrProfileIncompatible = errors.New("transport: audio profile incompatible with provider capabilities")

// ErrUnknownProfile is returned for a profile name not in configuration.
var ErrUnknownProfile = errors.New("transport: unknown audio profile")

// Capabilities declares what formats a provider accepts and emits.
type Capabilities struct {
	SupportedInput  []internal_audio.AudioFormat
	SupportedOutput []internal_audio.AudioFormat
}

// ConversionStep is one codec-kit operation in a direction's chain.
type ConversionStep string

const (
	StepDecompandMulaw ConversionStep = "decompand_mulaw"
	StepDecompandAlaw  ConversionStep = "decompand_alaw"
	StepCompandMulaw   ConversionStep = "compand_mulaw"
	StepCompandAlaw    ConversionStep = "compand_alaw"
	StepResample       ConversionStep = "resample"
)

// Chain converts audio between two formats, resolving steps at plan time so
// per-frame work is a straight function call sequence. The resampler is
// per-chain streaming state; chains are never shared across calls.
type Chain struct {
	From  internal_audio.AudioFormat
	To    internal_audio.AudioFormat
	Steps []ConversionStep

	resampler *internal_codec.Resampler
}

// Apply runs the chain over one buffer.
func (c *Chain) Apply(data []byte) ([]byte, error) {
	out := data
	var err error
	for _, step := range c.Steps {
		switch step {
		case StepDecompandMulaw:
			out = internal_codec.DecodeMulaw(out)
		case StepDecompandAlaw:
			out = internal_codec.DecodeAlaw(out)
		case StepCompandMulaw:
			out, err = internal_codec.EncodeMulaw(out)
		case StepCompandAlaw:
			out, err = internal_codec.EncodeAlaw(out)
		case StepResample:
			out, err = c.resampler.Process(out)
		}
		if err != nil {
			return nil, fmt.Errorf("conversion step %s: %w", step, err)
		}
	}
	return out, nil
}

// Plan is the per-call record of formats and required conversions.
type Plan struct {
	Profile internal_audio.AudioProfile

	// Ingress converts wire -> provider_input.
	Ingress Chain
	// Egress converts provider_output -> wire.
	Egress Chain

	// WireFrameBytes is the exact size of one 20 ms wire frame. Every egress
	// frame emitted to the media channel has this length.
	WireFrameBytes int
}

// Planner holds the configured profiles.
type Planner struct {
	logger   commons.Logger
	profiles map[string]internal_audio.AudioProfile
}

// NewPlanner validates and indexes the configured profiles.
func NewPlanner(logger commons.Logger, profiles []internal_audio.AudioProfile) (*Planner, error) {
	idx := make(map[string]internal_audio.AudioProfile, len(profiles))
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		idx[p.Name] = p
	}
	return &Planner{logger: logger, profiles: idx}, nil
}

// DefaultProfiles returns the built-in telephony profiles.
func DefaultProfiles() []internal_audio.AudioProfile {
	return []internal_audio.AudioProfile{
		{
			Name:           "telephony_ulaw_8k",
			Wire:           internal_audio.Mulaw8k,
			ProviderInput:  internal_audio.Linear16k,
			ProviderOutput: internal_audio.Linear16k,
		},
		{
			Name:           "telephony_alaw_8k",
			Wire:           internal_audio.Alaw8k,
			ProviderInput:  internal_audio.Linear16k,
			ProviderOutput: internal_audio.Linear16k,
		},
		{
			Name:           "telephony_slin_16k",
			Wire:           internal_audio.Linear16k,
			ProviderInput:  internal_audio.Linear16k,
			ProviderOutput: internal_audio.Linear24k,
		},
	}
}

// Plan resolves a profile by name against a provider's declared capabilities
// and derives the two conversion chains.
func (pl *Planner) Plan(profileName string, caps Capabilities) (*Plan, error) {
	profile, ok := pl.profiles[profileName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProfile, profileName)
	}

	if !containsFormat(caps.SupportedInput, profile.ProviderInput) {
		return nil, fmt.Errorf("%w: provider does not accept %s input",
			ErrProfileIncompatible, profile.ProviderInput)
	}
	if !containsFormat(caps.SupportedOutput, profile.ProviderOutput) {
		return nil, fmt.Errorf("%w: provider does not emit %s output",
			ErrProfileIncompatible, profile.ProviderOutput)
	}

	ingress, err := buildChain(profile.Wire, profile.ProviderInput)
	if err != nil {
		return nil, err
	}
	egress, err := buildChain(profile.ProviderOutput, profile.Wire)
	if err != nil {
		return nil, err
	}

	return &Plan{
		Profile:        profile,
		Ingress:        ingress,
		Egress:         egress,
		WireFrameBytes: profile.Wire.FrameBytes(internal_audio.FrameDuration),
	}, nil
}

// Negotiate compares the provider's acknowledged formats against the plan.
// A mismatch never aborts the call: the plan is rebuilt around the formats
// the provider actually applied, and a warning with remediation is logged.
func (pl *Planner) Negotiate(plan *Plan, ackInput, ackOutput internal_audio.AudioFormat) (*Plan, error) {
	if ackInput == plan.Profile.ProviderInput && ackOutput == plan.Profile.ProviderOutput {
		return plan, nil
	}

	pl.logger.Warnw("provider acknowledged different formats than planned; continuing with provider's formats",
		"profile", plan.Profile.Name,
		"planned_input", plan.Profile.ProviderInput.String(),
		"ack_input", ackInput.String(),
		"planned_output", plan.Profile.ProviderOutput.String(),
		"ack_output", ackOutput.String(),
		"remediation", "align the audio profile's provider_input/provider_output with the provider's settings to avoid per-call renegotiation",
	)

	adjusted := plan.Profile
	adjusted.ProviderInput = ackInput
	adjusted.ProviderOutput = ackOutput
	if err := adjusted.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProfileIncompatible, err)
	}

	ingress, err := buildChain(adjusted.Wire, adjusted.ProviderInput)
	if err != nil {
		return nil, err
	}
	egress, err := buildChain(adjusted.ProviderOutput, adjusted.Wire)
	if err != nil {
		return nil, err
	}
	return &Plan{
		Profile:        adjusted,
		Ingress:        ingress,
		Egress:         egress,
		WireFrameBytes: adjusted.Wire.FrameBytes(internal_audio.FrameDuration),
	}, nil
}

// buildChain derives the codec-kit steps converting from -> to. Chains run
// decompand first, then resample, then compand, always passing through
// PCM16.
func buildChain(from, to internal_audio.AudioFormat) (Chain, error) {
	c := Chain{From: from, To: to}
	if from == to {
		return c, nil
	}

	switch from.Encoding {
	case internal_audio.EncodingMulaw:
		c.Steps = append(c.Steps, StepDecompandMulaw)
	case internal_audio.EncodingAlaw:
		c.Steps = append(c.Steps, StepDecompandAlaw)
	}

	if from.SampleRate != to.SampleRate {
		rs, err := internal_codec.NewResampler(from.SampleRate, to.SampleRate)
		if err != nil {
			return Chain{}, fmt.Errorf("%w: %v", ErrProfileIncompatible, err)
		}
		c.resampler = rs
		c.Steps = append(c.Steps, StepResample)
	}

	switch to.Encoding {
	case internal_audio.EncodingMulaw:
		if to.SampleRate != 8000 {
			return Chain{}, fmt.Errorf("%w: mulaw requires 8 kHz", ErrProfileIncompatible)
		}
		c.Steps = append(c.Steps, StepCompandMulaw)
	case internal_audio.EncodingAlaw:
		if to.SampleRate != 8000 {
			return Chain{}, fmt.Errorf("%w: alaw requires 8 kHz", ErrProfileIncompatible)
		}
		c.Steps = append(c.Steps, StepCompandAlaw)
	}
	return c, nil
}

func containsFormat(list []internal_audio.AudioFormat, f internal_audio.AudioFormat) bool {
	for _, x := range list {
		if x == f {
			return true
		}
	}
	return false
}
