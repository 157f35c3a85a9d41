// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_audio

import (
	"fmt"
	"time"
)

// Encoding enumerates the audio encodings the engine moves between the wire
// and the providers.
type Encoding string

const (
	EncodingMulaw   Encoding = "mulaw"
	EncodingAlaw    Encoding = "alaw"
	EncodingPCM16LE Encoding = "pcm16le"
)

// BytesPerSample returns the storage size of one sample in this encoding.
func (e Encoding) BytesPerSample() int {
	switch e {
	case EncodingMulaw, EncodingAlaw:
		return 1
	default:
		return 2
	}
}

// Valid reports whether the encoding is one the engine supports.
func (e Encoding) Valid() bool {
	switch e {
	case EncodingMulaw, EncodingAlaw, EncodingPCM16LE:
		return true
	}
	return false
}

// AudioFormat is an immutable value describing one leg of the audio path.
// Equality is field-wise; the engine always operates mono.
type AudioFormat struct {
	Encoding   Encoding
	SampleRate int
	Channels   int
}

// Common telephony formats.
var (
	Mulaw8k   = AudioFormat{Encoding: EncodingMulaw, SampleRate: 8000, Channels: 1}
	Alaw8k    = AudioFormat{Encoding: EncodingAlaw, SampleRate: 8000, Channels: 1}
	PCM16LE8k = AudioFormat{Encoding: EncodingPCM16LE, SampleRate: 8000, Channels: 1}
	Linear16k = AudioFormat{Encoding: EncodingPCM16LE, SampleRate: 16000, Channels: 1}
	Linear24k = AudioFormat{Encoding: EncodingPCM16LE, SampleRate: 24000, Channels: 1}
)

// Validate checks that the format is one the engine can carry.
func (f AudioFormat) Validate() error {
	if !f.Encoding.Valid() {
		return fmt.Errorf("unsupported encoding %q", f.Encoding)
	}
	switch f.SampleRate {
	case 8000, 16000, 24000:
	default:
		return fmt.Errorf("unsupported sample rate %d", f.SampleRate)
	}
	if f.Channels != 1 {
		return fmt.Errorf("only mono audio is supported, got %d channels", f.Channels)
	}
	if (f.Encoding == EncodingMulaw || f.Encoding == EncodingAlaw) && f.SampleRate != 8000 {
		return fmt.Errorf("companded encodings require 8000 Hz, got %d", f.SampleRate)
	}
	return nil
}

// FrameBytes returns the byte length of a frame of the given duration.
func (f AudioFormat) FrameBytes(d time.Duration) int {
	samples := int(d.Milliseconds()) * f.SampleRate / 1000
	return samples * f.Encoding.BytesPerSample() * f.Channels
}

// SamplesPerFrame returns the sample count of a frame of the given duration.
func (f AudioFormat) SamplesPerFrame(d time.Duration) int {
	return int(d.Milliseconds()) * f.SampleRate / 1000
}

func (f AudioFormat) String() string {
	return fmt.Sprintf("%s@%d", f.Encoding, f.SampleRate)
}

// AudioProfile fixes the three formats of a call. The wire format is
// authoritative: the caller's own codec is never propagated to the provider.
type AudioProfile struct {
	Name           string
	Wire           AudioFormat
	ProviderInput  AudioFormat
	ProviderOutput AudioFormat
}

// Validate checks every leg of the profile.
func (p AudioProfile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("audio profile requires a name")
	}
	for leg, f := range map[string]AudioFormat{
		"wire":            p.Wire,
		"provider_input":  p.ProviderInput,
		"provider_output": p.ProviderOutput,
	} {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("audio profile %s, %s leg: %w", p.Name, leg, err)
		}
	}
	return nil
}

// FrameDuration is the wire pacing quantum. Every egress frame is exactly
// one FrameDuration of audio in the wire encoding.
const FrameDuration = 20 * time.Millisecond
