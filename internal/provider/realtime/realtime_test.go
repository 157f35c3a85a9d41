package internal_realtime

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeAudioDelta_BareStringShape(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	b64 := base64.StdEncoding.EncodeToString(pcm)
	raw, _ := json.Marshal(b64)

	got, err := decodeAudioDelta(serverMessage{Type: "response.audio.delta", Delta: raw})
	require.NoError(t, err)
	assert.Equal(t, pcm, got)
}

func TestDecodeAudioDelta_ObjectShape(t *testing.T) {
	pcm := []byte{0xaa, 0xbb, 0xcc}
	b64 := base64.StdEncoding.EncodeToString(pcm)
	raw := []byte(`{"audio": "` + b64 + `"}`)

	got, err := decodeAudioDelta(serverMessage{Type: "response.audio.delta", Delta: raw})
	require.NoError(t, err)
	assert.Equal(t, pcm, got)
}

func TestDecodeAudioDelta_TopLevelAudioKey(t *testing.T) {
	pcm := []byte{0x10, 0x20}
	got, err := decodeAudioDelta(serverMessage{
		Type:  "response.audio.delta",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
	require.NoError(t, err)
	assert.Equal(t, pcm, got)
}

func TestDecodeAudioDelta_RejectsGarbage(t *testing.T) {
	_, err := decodeAudioDelta(serverMessage{Type: "response.audio.delta", Delta: []byte(`12345`)})
	assert.Error(t, err)

	_, err = decodeAudioDelta(serverMessage{Type: "response.audio.delta"})
	assert.Error(t, err)
}

func TestDecodeAudioDelta_EmptyAudioIsValid(t *testing.T) {
	raw, _ := json.Marshal("")
	got, err := decodeAudioDelta(serverMessage{Type: "response.audio.delta", Delta: raw})
	require.NoError(t, err)
	assert.Empty(t, got)
}
