package network

import (
	"testing"

	"github.com/buildnet/buildnet/pkg/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeSignVerifyRoundTrip(t *testing.T) {
	id, err := identity.Generate("node-a")
	require.NoError(t, err)

	env := NewEnvelope(id.NodeID, "node-b", MsgPing, []byte("hello"), 8)
	require.NoError(t, Sign(env, id.PrivateKey))

	assert.NoError(t, VerifyEnvelope(env, id.PublicKey))
}

func TestEnvelopeVerifyRejectsTamperedBody(t *testing.T) {
	id, err := identity.Generate("node-a")
	require.NoError(t, err)

	env := NewEnvelope(id.NodeID, "node-b", MsgPing, []byte("hello"), 8)
	require.NoError(t, Sign(env, id.PrivateKey))

	env.Body = []byte("goodbye")
	assert.Error(t, VerifyEnvelope(env, id.PublicKey))
}

func TestEnvelopeVerifyRejectsWrongKey(t *testing.T) {
	id, err := identity.Generate("node-a")
	require.NoError(t, err)
	other, err := identity.Generate("node-b")
	require.NoError(t, err)

	env := NewEnvelope(id.NodeID, "node-b", MsgPing, []byte("hello"), 8)
	require.NoError(t, Sign(env, id.PrivateKey))

	assert.Error(t, VerifyEnvelope(env, other.PublicKey))
}

func TestFrameEncodeDecodeRoundTrip(t *testing.T) {
	id, err := identity.Generate("node-a")
	require.NoError(t, err)

	env := NewEnvelope(id.NodeID, "node-b", MsgAnnounce, []byte("payload"), 3)
	require.NoError(t, Sign(env, id.PrivateKey))

	frame, err := encodeFrame(env)
	require.NoError(t, err)

	// First four bytes are the big-endian length prefix; strip them
	// before decoding the msgpack body.
	decoded, err := decodeFrame(frame[4:])
	require.NoError(t, err)

	assert.Equal(t, env.ID, decoded.ID)
	assert.Equal(t, env.Kind, decoded.Kind)
	assert.Equal(t, env.Body, decoded.Body)
	assert.NoError(t, VerifyEnvelope(decoded, id.PublicKey))
}
