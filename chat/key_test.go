package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectKeySymmetry(t *testing.T) {
	// one event, seen from both ends of a direct conversation
	const from, to = "alice", "bob"

	senderSide, err := KeyFromInboundEvent(WireTypeDirect, from, to, from)
	require.NoError(t, err)
	receiverSide, err := KeyFromInboundEvent(WireTypeDirect, from, to, to)
	require.NoError(t, err)

	// each side names the conversation after its counterpart, matching
	// what its own local intent would produce
	assert.Equal(t, DirectKey("bob"), senderSide)
	assert.Equal(t, DirectKey("alice"), receiverSide)

	// and both agree on the participant pair of the conversation
	assert.ElementsMatch(t,
		[]string{from, senderSide.Name},
		[]string{to, receiverSide.Name})

	// an answer event normalizes onto the same keys
	answerSender, err := KeyFromInboundEvent(WireTypeDirect, to, from, to)
	require.NoError(t, err)
	answerReceiver, err := KeyFromInboundEvent(WireTypeDirect, to, from, from)
	require.NoError(t, err)
	assert.Equal(t, receiverSide, answerSender)
	assert.Equal(t, senderSide, answerReceiver)
}

func TestGroupKeyAlwaysFromTo(t *testing.T) {
	for _, self := range []string{"alice", "bob", "carol"} {
		k, err := KeyFromInboundEvent(WireTypeGroup, "alice", "dev", self)
		require.NoError(t, err)
		assert.Equal(t, GroupKey("dev"), k)
	}
}

func TestKeyFromLocalIntentMatchesInbound(t *testing.T) {
	k := DirectKey("bob")
	assert.Equal(t, "user:bob", k.String())
	assert.Equal(t, WireTypeDirect, k.WireType())

	inbound, err := KeyFromInboundEvent(WireTypeDirect, "bob", "alice", "alice")
	require.NoError(t, err)
	assert.Equal(t, k, inbound)

	g := GroupKey("dev")
	assert.Equal(t, "group:dev", g.String())
	assert.Equal(t, WireTypeGroup, g.WireType())
	assert.True(t, g.IsGroup())
}

func TestUnknownWireTypeRejected(t *testing.T) {
	_, err := KeyFromInboundEvent("broadcast", "a", "b", "a")
	assert.Error(t, err)
}
