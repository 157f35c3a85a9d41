// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_rtpmedia carries call media over a UDP/RTP pair. The
// engine enforces the configured wire format regardless of what the peer
// negotiated; payload type and timestamp math follow the profile.
package internal_rtpmedia

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"

	internal_audio "github.com/rapidaai/voice-engine/internal/audio"
	internal_transport "github.com/rapidaai/voice-engine/internal/transport"
	"github.com/rapidaai/voice-engine/pkg/commons"
)

// payloadType returns the static RTP payload type for a wire format.
func payloadType(f internal_audio.AudioFormat) (uint8, error) {
	switch f.Encoding {
	case internal_audio.EncodingMulaw:
		return 0, nil // PCMU
	case internal_audio.EncodingAlaw:
		return 8, nil // PCMA
	case internal_audio.EncodingPCM16LE:
		// Dynamic payload type for slin; matched on both legs by config.
		return 118, nil
	}
	return 0, fmt.Errorf("rtpmedia: no payload type for %s", f)
}

// Conn is one call's RTP leg. Implements transport.MediaConn.
type Conn struct {
	logger    commons.Logger
	sessionID string
	wire      internal_audio.AudioFormat

	udp  *net.UDPConn
	peer *net.UDPAddr

	peerMu sync.Mutex

	seq       uint16
	timestamp uint32
	ssrc      uint32
	pt        uint8

	writeMu sync.Mutex
	closed  chan struct{}
	once    sync.Once
}

// Bind opens a local UDP port for the call. The peer address locks to the
// source of the first valid packet (symmetric RTP), so NAT rewrites on the
// PBX side do not strand egress.
func Bind(logger commons.Logger, host string, port int, sessionID string, wire internal_audio.AudioFormat, ssrc uint32) (*Conn, error) {
	pt, err := payloadType(wire)
	if err != nil {
		return nil, err
	}
	udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(host), Port: port})
	if err != nil {
		return nil, fmt.Errorf("rtpmedia bind %s:%d: %w", host, port, err)
	}
	return &Conn{
		logger:    logger,
		sessionID: sessionID,
		wire:      wire,
		udp:       udp,
		ssrc:      ssrc,
		pt:        pt,
		closed:    make(chan struct{}),
	}, nil
}

// LocalPort returns the bound UDP port for SDP/dialplan wiring.
func (c *Conn) LocalPort() int {
	return c.udp.LocalAddr().(*net.UDPAddr).Port
}

// SessionID implements transport.MediaConn.
func (c *Conn) SessionID() string { return c.sessionID }

// ReadFrame implements transport.MediaConn, returning one RTP payload.
func (c *Conn) ReadFrame(ctx context.Context) ([]byte, error) {
	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.closed:
			return nil, internal_transport.ErrMediaClosed
		default:
		}

		if err := c.udp.SetReadDeadline(time.Now().Add(10 * time.Second)); err != nil {
			return nil, err
		}
		n, addr, err := c.udp.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return nil, fmt.Errorf("rtpmedia read: %w", err)
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			c.logger.Debugf("rtpmedia: dropping malformed packet from %s: %v", addr, err)
			continue
		}

		c.peerMu.Lock()
		if c.peer == nil {
			c.peer = addr
			c.logger.Infof("rtpmedia session %s locked peer %s", c.sessionID, addr)
		}
		c.peerMu.Unlock()

		if len(pkt.Payload) == 0 {
			continue
		}
		return pkt.Payload, nil
	}
}

// WriteFrame implements transport.MediaConn, packetizing one wire frame.
func (c *Conn) WriteFrame(frame []byte) error {
	select {
	case <-c.closed:
		return internal_transport.ErrMediaClosed
	default:
	}

	c.peerMu.Lock()
	peer := c.peer
	c.peerMu.Unlock()
	if peer == nil {
		// Nothing received yet; the timing origin comes from the first
		// inbound packet, so egress before that is dropped.
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    c.pt,
			SequenceNumber: c.seq,
			Timestamp:      c.timestamp,
			SSRC:           c.ssrc,
		},
		Payload: frame,
	}
	raw, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("rtpmedia marshal: %w", err)
	}
	if _, err := c.udp.WriteToUDP(raw, peer); err != nil {
		return fmt.Errorf("rtpmedia write: %w", err)
	}

	c.seq++
	c.timestamp += uint32(len(frame) / c.wire.Encoding.BytesPerSample())
	return nil
}

// Close implements transport.MediaConn. Idempotent.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.udp.Close()
	})
	return err
}
