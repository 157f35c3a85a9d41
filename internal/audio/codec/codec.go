// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_codec is the engine's audio codec kit: G.711 compansion,
// polyphase resampling, DC blocking, and fixed-duration reframing. All
// functions operate on little-endian PCM16 byte buffers unless noted. The
// stateful pieces are the streaming resampler, the DC blocker and the
// reframer, all per-stream.
package internal_codec

import (
	"errors"

	"github.com/zaf/g711"
)

var (
	// ErrInvalidFrame is returned for mis-sized or odd-length PCM input.
	ErrInvalidFrame = errors.New("codec: invalid frame size")

	// ErrUnsupportedRate is returned for a sample-rate pair outside the
	// telephony set {8000, 16000, 24000}.
	ErrUnsupportedRate = errors.New("codec: unsupported sample rate pair")
)

// EncodeMulaw compands a little-endian PCM16 frame to 8-bit µ-law.
func EncodeMulaw(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrInvalidFrame
	}
	return g711.EncodeUlaw(pcm), nil
}

// DecodeMulaw expands 8-bit µ-law to little-endian PCM16, bit-exact with
// ITU-T G.711.
func DecodeMulaw(ulaw []byte) []byte {
	return g711.DecodeUlaw(ulaw)
}

// EncodeAlaw compands a little-endian PCM16 frame to 8-bit A-law.
func EncodeAlaw(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrInvalidFrame
	}
	return g711.EncodeAlaw(pcm), nil
}

// DecodeAlaw expands 8-bit A-law to little-endian PCM16.
func DecodeAlaw(alaw []byte) []byte {
	return g711.DecodeAlaw(alaw)
}
