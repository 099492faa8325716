package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charlago/charla/internal/secure"
)

func TestFrameTypeValid(t *testing.T) {
	for _, ft := range []FrameType{
		FrameMessage, FrameSystem, FrameError, FrameSuccess,
		FrameUsers, FrameHelp, FrameWelcome, FramePrivate,
	} {
		assert.True(t, ft.Valid(), string(ft))
	}

	assert.False(t, FrameType("").Valid())
	assert.False(t, FrameType("broadcast").Valid())
}

func TestEncodeEnvelopeSealed(t *testing.T) {
	key := secure.DeriveKey("envelope-token")
	payload := textPayload{Message: "hola"}

	raw, degraded, err := encodeEnvelope(FrameSystem, payload, key)
	require.NoError(t, err)
	assert.False(t, degraded)

	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, FrameSystem, env.Type)
	assert.True(t, env.Encrypted)

	_, err = time.Parse(time.RFC3339, env.Timestamp)
	assert.NoError(t, err)

	sealed, ok := env.Data.(string)
	require.True(t, ok)
	plaintext, err := secure.Open(sealed, key)
	require.NoError(t, err)

	var decoded textPayload
	require.NoError(t, json.Unmarshal([]byte(plaintext), &decoded))
	assert.Equal(t, payload, decoded)
}

func TestEncodeEnvelopePlaintextWithoutKey(t *testing.T) {
	raw, degraded, err := encodeEnvelope(FrameError, textPayload{Message: "nope"}, nil)
	require.NoError(t, err)
	assert.False(t, degraded)

	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.False(t, env.Encrypted)

	payload, ok := env.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "nope", payload["message"])
}

func TestEncodeEnvelopeDegradesOnBadKey(t *testing.T) {
	// A key with an invalid length cannot seal; the envelope falls back to
	// plaintext and the degrade is reported.
	raw, degraded, err := encodeEnvelope(FrameSystem, textPayload{Message: "hola"}, []byte("short"))
	require.NoError(t, err)
	assert.True(t, degraded)

	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.False(t, env.Encrypted)
}

func TestEncodeEnvelopeUnmarshalablePayload(t *testing.T) {
	_, _, err := encodeEnvelope(FrameSystem, func() {}, secure.DeriveKey("token"))
	assert.Error(t, err)
}

func TestCommandError(t *testing.T) {
	err := newCommandError("❌ Uso: /%s <arg>", "nick")
	assert.Equal(t, "❌ Uso: /nick <arg>", err.Error())
}
