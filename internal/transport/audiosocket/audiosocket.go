// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_audiosocket implements the Asterisk AudioSocket wire
// protocol: a bidirectional TCP stream of framed audio. Each frame is a
// 3-byte header (kind, big-endian payload length) followed by the payload.
// The first frame on a connection carries the 16-byte session UUID that the
// dialplan passed to AudioSocket(); the engine joins it to the waiting call.
package internal_audiosocket

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	internal_transport "github.com/rapidaai/voice-engine/internal/transport"
	"github.com/rapidaai/voice-engine/pkg/commons"
)

// Frame kinds defined by the AudioSocket protocol.
const (
	KindHangup = 0x00
	KindUUID   = 0x01
	KindDTMF   = 0x03
	KindAudio  = 0x10
	KindError  = 0xff
)

const maxPayload = 65535

// readTimeout guards against half-dead TCP peers; the PBX sends audio every
// 20 ms, so multiple seconds of silence means the channel is gone.
const readTimeout = 10 * time.Second

// Conn is one AudioSocket connection. Implements transport.MediaConn.
type Conn struct {
	tcp       net.Conn
	sessionID string

	writeMu sync.Mutex
	closed  chan struct{}
	once    sync.Once

	// DTMF digits arrive interleaved with audio; consumers that care (the
	// outbound consent flow) read them from this channel.
	dtmf chan byte
}

// SessionID implements transport.MediaConn.
func (c *Conn) SessionID() string { return c.sessionID }

// DTMF returns the channel of received DTMF digits.
func (c *Conn) DTMF() <-chan byte { return c.dtmf }

// ReadFrame implements transport.MediaConn. Non-audio frames are consumed
// internally; only audio payloads are returned.
func (c *Conn) ReadFrame(ctx context.Context) ([]byte, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.closed:
			return nil, internal_transport.ErrMediaClosed
		default:
		}

		if err := c.tcp.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return nil, err
		}
		kind, payload, err := readRaw(c.tcp)
		if err != nil {
			c.Close()
			if err == io.EOF {
				return nil, internal_transport.ErrMediaClosed
			}
			return nil, fmt.Errorf("audiosocket read: %w", err)
		}

		switch kind {
		case KindAudio:
			return payload, nil
		case KindHangup:
			c.Close()
			return nil, internal_transport.ErrMediaClosed
		case KindDTMF:
			if len(payload) > 0 {
				select {
				case c.dtmf <- payload[0]:
				default:
				}
			}
		case KindError:
			return nil, fmt.Errorf("audiosocket peer error: %x", payload)
		}
	}
}

// WriteFrame implements transport.MediaConn.
func (c *Conn) WriteFrame(frame []byte) error {
	select {
	case <-c.closed:
		return internal_transport.ErrMediaClosed
	default:
	}
	if len(frame) > maxPayload {
		return fmt.Errorf("audiosocket frame too large: %d", len(frame))
	}

	header := [3]byte{KindAudio}
	binary.BigEndian.PutUint16(header[1:], uint16(len(frame)))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.tcp.Write(header[:]); err != nil {
		return err
	}
	_, err := c.tcp.Write(frame)
	return err
}

// Close implements transport.MediaConn. Idempotent.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.tcp.Close()
	})
	return err
}

func readRaw(r io.Reader) (byte, []byte, error) {
	var header [3]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint16(header[1:])
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return header[0], payload, nil
}

// Server accepts AudioSocket connections and hands them to a claim callback
// keyed by session UUID. The engine registers the expected UUID before
// continuing the channel into AudioSocket(), then waits for the claim.
type Server struct {
	logger commons.Logger

	mu       sync.Mutex
	waiters  map[string]chan *Conn
	listener net.Listener
}

// NewServer creates an unstarted server.
func NewServer(logger commons.Logger) *Server {
	return &Server{
		logger:  logger,
		waiters: make(map[string]chan *Conn),
	}
}

// Expect registers interest in a session UUID and returns a channel that
// delivers the connection once the PBX dials in.
func (s *Server) Expect(sessionID string) <-chan *Conn {
	ch := make(chan *Conn, 1)
	s.mu.Lock()
	s.waiters[sessionID] = ch
	s.mu.Unlock()
	return ch
}

// Forget drops a pending expectation (call setup failed before media).
func (s *Server) Forget(sessionID string) {
	s.mu.Lock()
	delete(s.waiters, sessionID)
	s.mu.Unlock()
}

// ListenAndServe binds addr and accepts connections until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("audiosocket listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Infof("audiosocket server listening on %s", addr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		tcp, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("audiosocket accept: %w", err)
			}
		}
		go s.handshake(tcp)
	}
}

// handshake reads the UUID frame and routes the connection to its waiter.
func (s *Server) handshake(tcp net.Conn) {
	if err := tcp.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		tcp.Close()
		return
	}
	kind, payload, err := readRaw(tcp)
	if err != nil || kind != KindUUID || len(payload) != 16 {
		s.logger.Warnw("audiosocket connection without valid UUID frame, dropping",
			"remote", tcp.RemoteAddr().String(), "kind", kind, "err", err)
		tcp.Close()
		return
	}
	id, err := uuid.FromBytes(payload)
	if err != nil {
		tcp.Close()
		return
	}
	sessionID := id.String()

	s.mu.Lock()
	waiter, ok := s.waiters[sessionID]
	delete(s.waiters, sessionID)
	s.mu.Unlock()

	if !ok {
		s.logger.Warnf("audiosocket connection for unknown session %s, dropping", sessionID)
		tcp.Close()
		return
	}

	conn := &Conn{
		tcp:       tcp,
		sessionID: sessionID,
		closed:    make(chan struct{}),
		dtmf:      make(chan byte, 8),
	}
	waiter <- conn
}
