// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_codec

import (
	"encoding/binary"
	"fmt"
	"math"

	resampler "github.com/tphakala/go-audio-resampler"
)

// Rate conversion is delegated to the polyphase engine in
// go-audio-resampler. The wrappers here adapt it to the telephony rate set
// {8000, 16000, 24000} and to little-endian PCM16 byte buffers, and keep an
// exact sample ledger so every caller sees length-stable output: a 20 ms
// frame in is always the rational equivalent out, with filter latency
// realized as leading silence instead of length drift.

func supportedRate(hz int) bool {
	switch hz {
	case 8000, 16000, 24000:
		return true
	}
	return false
}

// Resampler converts a PCM16 stream between two telephony rates. Per-stream
// state, like the DC blocker and the reframer: one instance per direction per
// call.
type Resampler struct {
	srcHz, dstHz int
	eng          *resampler.SimpleResampler

	pending    []float64
	inSamples  int64
	outSamples int64
}

// NewResampler creates a streaming converter from srcHz to dstHz. Equal rates
// yield a passthrough.
func NewResampler(srcHz, dstHz int) (*Resampler, error) {
	if !supportedRate(srcHz) || !supportedRate(dstHz) {
		return nil, ErrUnsupportedRate
	}
	r := &Resampler{srcHz: srcHz, dstHz: dstHz}
	if srcHz != dstHz {
		eng, err := resampler.NewEngine(float64(srcHz), float64(dstHz), resampler.QualityMedium)
		if err != nil {
			return nil, fmt.Errorf("codec: resampler %d->%d: %w", srcHz, dstHz, err)
		}
		r.eng = eng
	}
	return r, nil
}

// Process converts one buffer and returns exactly the samples due for the
// input consumed so far. The first calls may return silence while the filter
// fills; steady state returns real audio of the same exact length.
func (r *Resampler) Process(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrInvalidFrame
	}
	if r.eng == nil {
		return pcm, nil
	}

	produced, err := r.eng.Process(pcmToFloat(pcm))
	if err != nil {
		return nil, fmt.Errorf("codec: resample %d->%d: %w", r.srcHz, r.dstHz, err)
	}
	r.pending = append(r.pending, produced...)
	r.inSamples += int64(len(pcm) / 2)

	due := int(r.inSamples*int64(r.dstHz)/int64(r.srcHz) - r.outSamples)
	if due <= 0 {
		return nil, nil
	}
	take := due
	if take > len(r.pending) {
		take = len(r.pending)
	}
	pad := due - take

	out := make([]byte, due*2)
	floatToPCM(out[pad*2:], r.pending[:take])
	r.pending = r.pending[take:]
	r.outSamples += int64(due)
	return out, nil
}

// Reset clears the engine and the ledger for stream reuse.
func (r *Resampler) Reset() {
	if r.eng != nil {
		r.eng.Reset()
	}
	r.pending = nil
	r.inSamples = 0
	r.outSamples = 0
}

// Resample converts a whole little-endian PCM16 buffer from srcHz to dstHz in
// one shot. srcHz == dstHz returns the input unchanged. The output length is
// always ceil(n * dstHz / srcHz) samples.
func Resample(pcm []byte, srcHz, dstHz int) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrInvalidFrame
	}
	if !supportedRate(srcHz) || !supportedRate(dstHz) {
		return nil, ErrUnsupportedRate
	}
	if srcHz == dstHz {
		return pcm, nil
	}

	eng, err := resampler.NewEngine(float64(srcHz), float64(dstHz), resampler.QualityMedium)
	if err != nil {
		return nil, fmt.Errorf("codec: resampler %d->%d: %w", srcHz, dstHz, err)
	}
	produced, err := eng.Process(pcmToFloat(pcm))
	if err != nil {
		return nil, fmt.Errorf("codec: resample %d->%d: %w", srcHz, dstHz, err)
	}
	tail, err := eng.Flush()
	if err != nil {
		return nil, fmt.Errorf("codec: resample flush %d->%d: %w", srcHz, dstHz, err)
	}
	produced = append(produced, tail...)

	n := len(pcm) / 2
	want := (n*dstHz + srcHz - 1) / srcHz
	if len(produced) > want {
		produced = produced[:want]
	}
	out := make([]byte, want*2)
	floatToPCM(out, produced)
	return out, nil
}

func pcmToFloat(pcm []byte) []float64 {
	out := make([]float64, len(pcm)/2)
	for i := range out {
		out[i] = float64(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}
	return out
}

// floatToPCM writes samples into dst with int16 rounding and clipping. dst
// beyond the samples stays zero.
func floatToPCM(dst []byte, samples []float64) {
	for i, s := range samples {
		v := math.Round(s)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(dst[2*i:], uint16(int16(v)))
	}
}
