// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_rtpmedia

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_audio "github.com/rapidaai/voice-engine/internal/audio"
	"github.com/rapidaai/voice-engine/pkg/commons"
)

func TestPayloadType(t *testing.T) {
	pt, err := payloadType(internal_audio.Mulaw8k)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), pt)

	pt, err = payloadType(internal_audio.Alaw8k)
	require.NoError(t, err)
	assert.Equal(t, uint8(8), pt)

	_, err = payloadType(internal_audio.AudioFormat{Encoding: "opus", SampleRate: 48000, Channels: 1})
	assert.Error(t, err)
}

func TestConnLoopback(t *testing.T) {
	logger := commons.NewNopLogger()
	conn, err := Bind(logger, "127.0.0.1", 0, "sess-1", internal_audio.Mulaw8k, 0x1234)
	require.NoError(t, err)
	defer conn.Close()

	peer, err := net.DialUDP("udp", nil,
		&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: conn.LocalPort()})
	require.NoError(t, err)
	defer peer.Close()

	// 20 ms of ulaw from the peer locks the symmetric-RTP address
	payload := make([]byte, 160)
	for i := range payload {
		payload[i] = byte(i)
	}
	inbound := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    0,
			SequenceNumber: 7,
			Timestamp:      8000,
			SSRC:           0x9999,
		},
		Payload: payload,
	}
	raw, err := inbound.Marshal()
	require.NoError(t, err)
	_, err = peer.Write(raw)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := conn.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// egress now reaches the locked peer with our SSRC and advancing
	// sequence/timestamp
	require.NoError(t, conn.WriteFrame(payload))
	require.NoError(t, conn.WriteFrame(payload))

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1500)
	var pkts []rtp.Packet
	for i := 0; i < 2; i++ {
		n, err := peer.Read(buf)
		require.NoError(t, err)
		var pkt rtp.Packet
		require.NoError(t, pkt.Unmarshal(buf[:n]))
		pkts = append(pkts, pkt)
	}

	assert.Equal(t, uint32(0x1234), pkts[0].SSRC)
	assert.Equal(t, uint8(0), pkts[0].PayloadType)
	assert.Equal(t, payload, pkts[0].Payload)
	assert.Equal(t, pkts[0].SequenceNumber+1, pkts[1].SequenceNumber)
	assert.Equal(t, pkts[0].Timestamp+160, pkts[1].Timestamp)
}

func TestWriteBeforePeerLockIsDropped(t *testing.T) {
	logger := commons.NewNopLogger()
	conn, err := Bind(logger, "127.0.0.1", 0, "sess-2", internal_audio.Mulaw8k, 1)
	require.NoError(t, err)
	defer conn.Close()

	// no peer yet: silently dropped, no error
	require.NoError(t, conn.WriteFrame(make([]byte, 160)))
}

func TestCloseIsIdempotent(t *testing.T) {
	logger := commons.NewNopLogger()
	conn, err := Bind(logger, "127.0.0.1", 0, "sess-3", internal_audio.Mulaw8k, 1)
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())

	err = conn.WriteFrame(make([]byte, 160))
	assert.Error(t, err)
}
