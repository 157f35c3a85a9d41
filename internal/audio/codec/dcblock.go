// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_codec

import (
	"encoding/binary"
	"math"
)

// DCBlocker removes DC offset from a PCM16 stream with the single-pole
// high-pass filter y[n] = x[n] - x[n-1] + 0.995*y[n-1]. Filter state carries
// across calls, so use one DCBlocker per stream. Not safe for concurrent use.
type DCBlocker struct {
	prevX float64
	prevY float64
}

// NewDCBlocker returns a blocker with zero initial state.
func NewDCBlocker() *DCBlocker {
	return &DCBlocker{}
}

// Process filters a little-endian PCM16 buffer in place and returns it.
func (d *DCBlocker) Process(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrInvalidFrame
	}
	for i := 0; i < len(pcm); i += 2 {
		x := float64(int16(binary.LittleEndian.Uint16(pcm[i:])))
		y := x - d.prevX + 0.995*d.prevY
		d.prevX = x
		d.prevY = y

		v := math.Round(y)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(pcm[i:], uint16(int16(v)))
	}
	return pcm, nil
}

// Reset clears the filter state.
func (d *DCBlocker) Reset() {
	d.prevX, d.prevY = 0, 0
}
