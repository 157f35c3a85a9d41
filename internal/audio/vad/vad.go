// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_vad classifies 10 ms PCM16 windows as speech or
// non-speech. Three aggressiveness tiers trade sensitivity against false
// triggers. Tier 1 is the required default for providers that do their own
// server-side turn detection: tier 0 is documented to self-interrupt those
// providers by classifying their TTS echo as caller speech.
package internal_vad

import (
	"encoding/binary"
	"math"
)

// WindowDuration is the classification quantum.
const WindowDurationMs = 10

// Aggressiveness selects the detection threshold tier.
type Aggressiveness int

const (
	AggressivenessPermissive Aggressiveness = 0 // lowest threshold, most speech
	AggressivenessDefault    Aggressiveness = 1
	AggressivenessStrict     Aggressiveness = 2
)

// energy thresholds on int16 RMS per tier.
var tierThreshold = map[Aggressiveness]float64{
	AggressivenessPermissive: 350,
	AggressivenessDefault:    700,
	AggressivenessStrict:     1200,
}

// Detector is a per-stream VAD. Not safe for concurrent use.
type Detector struct {
	sampleRate  int
	windowBytes int
	threshold   float64

	pending []byte

	// speechRun tracks consecutive speech windows for smoothing.
	speechRun  int
	silenceRun int
	inSpeech   bool
}

// NewDetector creates a detector for PCM16 at the given rate.
func NewDetector(sampleRate int, level Aggressiveness) *Detector {
	th, ok := tierThreshold[level]
	if !ok {
		th = tierThreshold[AggressivenessDefault]
	}
	return &Detector{
		sampleRate:  sampleRate,
		windowBytes: sampleRate / 1000 * WindowDurationMs * 2,
		threshold:   th,
	}
}

// Result summarizes the windows classified by one Process call.
type Result struct {
	SpeechWindows  int
	SilenceWindows int
	// SpeechActive is the smoothed stream state after this buffer.
	SpeechActive bool
}

// Process consumes a PCM16 buffer of any size, classifying each complete
// 10 ms window. Residual bytes carry to the next call.
func (d *Detector) Process(pcm []byte) Result {
	d.pending = append(d.pending, pcm...)
	var res Result
	for len(d.pending) >= d.windowBytes {
		window := d.pending[:d.windowBytes]
		d.pending = d.pending[d.windowBytes:]

		if windowRMS(window) >= d.threshold {
			res.SpeechWindows++
			d.speechRun++
			d.silenceRun = 0
			// Two consecutive speech windows flip the stream state; one
			// window alone is treated as a click.
			if d.speechRun >= 2 {
				d.inSpeech = true
			}
		} else {
			res.SilenceWindows++
			d.silenceRun++
			d.speechRun = 0
			// 300 ms of silence ends the speech run.
			if d.silenceRun >= 30 {
				d.inSpeech = false
			}
		}
	}
	res.SpeechActive = d.inSpeech
	return res
}

// SpeechRunMs returns the length of the current consecutive-speech run.
func (d *Detector) SpeechRunMs() int {
	return d.speechRun * WindowDurationMs
}

// Reset clears stream state (used when the gate reopens).
func (d *Detector) Reset() {
	d.pending = nil
	d.speechRun = 0
	d.silenceRun = 0
	d.inSpeech = false
}

func windowRMS(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}
	sum := 0.0
	n := len(pcm) / 2
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// RMS exposes the int16 RMS of a whole buffer; the gating manager uses it
// for the barge-in energy check.
func RMS(pcm []byte) float64 {
	return windowRMS(pcm)
}
