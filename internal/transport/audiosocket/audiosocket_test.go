package internal_audiosocket

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_transport "github.com/rapidaai/voice-engine/internal/transport"
	"github.com/rapidaai/voice-engine/pkg/commons"
)

func writeFrame(t *testing.T, c net.Conn, kind byte, payload []byte) {
	t.Helper()
	header := [3]byte{kind}
	binary.BigEndian.PutUint16(header[1:], uint16(len(payload)))
	_, err := c.Write(header[:])
	require.NoError(t, err)
	if len(payload) > 0 {
		_, err = c.Write(payload)
		require.NoError(t, err)
	}
}

func startServer(t *testing.T) (*Server, string, context.CancelFunc) {
	t.Helper()
	srv := NewServer(commons.NewNopLogger())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go srv.ListenAndServe(ctx, addr)
	time.Sleep(50 * time.Millisecond)
	return srv, addr, cancel
}

func TestServer_RoutesConnectionByUUID(t *testing.T) {
	srv, addr, cancel := startServer(t)
	defer cancel()

	id := uuid.New()
	waiter := srv.Expect(id.String())

	peer, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer peer.Close()

	raw, _ := id.MarshalBinary()
	writeFrame(t, peer, KindUUID, raw)

	select {
	case conn := <-waiter:
		assert.Equal(t, id.String(), conn.SessionID())
		conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not routed to waiter")
	}
}

func TestConn_ReadSkipsDTMFAndReturnsAudio(t *testing.T) {
	srv, addr, cancel := startServer(t)
	defer cancel()

	id := uuid.New()
	waiter := srv.Expect(id.String())
	peer, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer peer.Close()

	raw, _ := id.MarshalBinary()
	writeFrame(t, peer, KindUUID, raw)
	conn := <-waiter
	defer conn.Close()

	writeFrame(t, peer, KindDTMF, []byte{'1'})
	audio := make([]byte, 160)
	audio[0] = 0x7f
	writeFrame(t, peer, KindAudio, audio)

	got, err := conn.ReadFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, audio, got)

	select {
	case d := <-conn.DTMF():
		assert.Equal(t, byte('1'), d)
	case <-time.After(time.Second):
		t.Fatal("DTMF digit not delivered")
	}
}

func TestConn_HangupFrameClosesMedia(t *testing.T) {
	srv, addr, cancel := startServer(t)
	defer cancel()

	id := uuid.New()
	waiter := srv.Expect(id.String())
	peer, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer peer.Close()

	raw, _ := id.MarshalBinary()
	writeFrame(t, peer, KindUUID, raw)
	conn := <-waiter

	writeFrame(t, peer, KindHangup, nil)
	_, err = conn.ReadFrame(context.Background())
	assert.ErrorIs(t, err, internal_transport.ErrMediaClosed)

	// Close is idempotent.
	assert.NoError(t, conn.Close())
	assert.Error(t, conn.WriteFrame(make([]byte, 160)))
}

func TestServer_UnknownUUIDDropped(t *testing.T) {
	_, addr, cancel := startServer(t)
	defer cancel()

	peer, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer peer.Close()

	raw, _ := uuid.New().MarshalBinary()
	writeFrame(t, peer, KindUUID, raw)

	// The server closes unsolicited connections.
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = peer.Read(buf)
	assert.Error(t, err)
}
