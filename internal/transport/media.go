// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_transport

import (
	"context"
	"errors"
)

// ErrMediaClosed is returned by media operations after the channel ended.
var ErrMediaClosed = errors.New("transport: media channel closed")

// MediaConn is one call's media channel, regardless of transport
// (AudioSocket byte stream or RTP). Frames are raw wire-format audio; the
// first inbound frame fixes the timing origin.
type MediaConn interface {
	// SessionID returns the identifier the PBX sent on the first frame
	// (AudioSocket UUID) or the one assigned at bind time (RTP).
	SessionID() string

	// ReadFrame blocks for the next inbound wire-format audio payload.
	ReadFrame(ctx context.Context) ([]byte, error)

	// WriteFrame sends one wire-format frame toward the caller.
	WriteFrame(frame []byte) error

	Close() error
}
