// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_codec

import (
	"bytes"
	"time"

	internal_audio "github.com/rapidaai/voice-engine/internal/audio"
)

// Reframer buffers an arbitrary byte stream and yields fixed-duration frames
// in the given format. A terminal partial frame is zero-padded only on an
// explicit Flush. Not safe for concurrent use; one Reframer per stream.
type Reframer struct {
	frameBytes int
	buf        bytes.Buffer
}

// NewReframer creates a reframer producing frames of the given duration.
func NewReframer(format internal_audio.AudioFormat, target time.Duration) *Reframer {
	return &Reframer{frameBytes: format.FrameBytes(target)}
}

// FrameBytes returns the byte size of one output frame.
func (r *Reframer) FrameBytes() int {
	return r.frameBytes
}

// Push appends data and returns every complete frame now available.
func (r *Reframer) Push(data []byte) [][]byte {
	r.buf.Write(data)
	var frames [][]byte
	for r.buf.Len() >= r.frameBytes {
		frame := make([]byte, r.frameBytes)
		r.buf.Read(frame)
		frames = append(frames, frame)
	}
	return frames
}

// Buffered returns the number of bytes waiting for the next frame boundary.
func (r *Reframer) Buffered() int {
	return r.buf.Len()
}

// Flush returns the terminal partial frame zero-padded to full size, or nil
// when the buffer is empty.
func (r *Reframer) Flush() []byte {
	if r.buf.Len() == 0 {
		return nil
	}
	frame := make([]byte, r.frameBytes)
	r.buf.Read(frame)
	r.buf.Reset()
	return frame
}
