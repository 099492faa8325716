package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charlago/charla/internal/secure"
)

func TestFanoutEncodesPerRecipient(t *testing.T) {
	h, v := newTestHub(t)
	alice, _, aliceToken := addSession(t, h, v, "alice", "alice")
	bob, _, bobToken := addSession(t, h, v, "bob", "bob")

	h.fanout(FrameSystem, textPayload{Message: "hola a todos"}, nil)

	// Each recipient's copy opens only under its own channel key.
	aliceFrame := readFrame(t, alice)
	env, payload := decodeFrame(t, aliceFrame, secure.DeriveKey(aliceToken))
	assert.Equal(t, FrameSystem, env.Type)
	assert.True(t, env.Encrypted)
	assert.Equal(t, "hola a todos", payload["message"])

	bobFrame := readFrame(t, bob)
	_, payload = decodeFrame(t, bobFrame, secure.DeriveKey(bobToken))
	assert.Equal(t, "hola a todos", payload["message"])
	assert.NotEqual(t, aliceFrame, bobFrame)
}

func TestFanoutExcludesSender(t *testing.T) {
	h, v := newTestHub(t)
	alice, _, _ := addSession(t, h, v, "alice", "alice")
	bob, _, bobToken := addSession(t, h, v, "bob", "bob")

	h.fanout(FrameMessage, chatPayload{Nickname: "alice", Message: "hi"}, alice)

	_, payload := decodeFrame(t, readFrame(t, bob), secure.DeriveKey(bobToken))
	assert.Equal(t, "hi", payload["message"])
	expectNoFrame(t, alice)
}

func TestFanoutDropsUnresponsiveClient(t *testing.T) {
	h, v := newTestHub(t)
	alice, _, aliceToken := addSession(t, h, v, "alice", "alice")
	bob, _, _ := addSession(t, h, v, "bob", "bob")

	// Saturate bob's send buffer so the next delivery fails.
	for i := 0; i < cap(bob.send); i++ {
		bob.send <- []byte("backlog")
	}

	h.fanout(FrameSystem, textPayload{Message: "ping"}, nil)

	// Bob is gone; alice saw the original frame, then the leave notice and
	// the refreshed listing.
	assert.Equal(t, 1, h.SessionCount())

	key := secure.DeriveKey(aliceToken)
	_, payload := decodeFrame(t, readFrame(t, alice), key)
	assert.Equal(t, "ping", payload["message"])

	env, payload := decodeFrame(t, readFrame(t, alice), key)
	assert.Equal(t, FrameSystem, env.Type)
	assert.Equal(t, "🔴 bob se ha desconectado", payload["message"])

	env, payload = decodeFrame(t, readFrame(t, alice), key)
	assert.Equal(t, FrameUsers, env.Type)
	assert.Equal(t, float64(1), payload["count"])
}

func TestDeliverPlaintextFallback(t *testing.T) {
	h, v := newTestHub(t)
	alice, sess, _ := addSession(t, h, v, "alice", "alice")

	// An unusable channel key degrades delivery to plaintext instead of
	// dropping the frame.
	sess.rotateCredential("broken", []byte("short"))

	require.True(t, h.sendDirect(sess, FrameSystem, textPayload{Message: "aviso"}))

	env, payload := decodeFrame(t, readFrame(t, alice), nil)
	assert.False(t, env.Encrypted)
	assert.Equal(t, "aviso", payload["message"])
}

func TestDisconnectNotifiesRemaining(t *testing.T) {
	h, v := newTestHub(t)
	alice, _, _ := addSession(t, h, v, "alice", "alice")
	bob, _, bobToken := addSession(t, h, v, "bob", "bob")

	h.disconnect(alice)

	assert.Equal(t, 1, h.SessionCount())
	assert.Equal(t, stateClosed, alice.State())

	key := secure.DeriveKey(bobToken)
	_, payload := decodeFrame(t, readFrame(t, bob), key)
	assert.Equal(t, "🔴 alice se ha desconectado", payload["message"])

	env, payload := decodeFrame(t, readFrame(t, bob), key)
	assert.Equal(t, FrameUsers, env.Type)
	assert.Equal(t, []any{"bob"}, payload["users"])

	// A second disconnect for the same client is a no-op.
	h.disconnect(alice)
	assert.Equal(t, 1, h.SessionCount())
	expectNoFrame(t, bob)
}

func TestSafeSendAfterRemoval(t *testing.T) {
	h, v := newTestHub(t)
	alice, _, _ := addSession(t, h, v, "alice", "alice")

	require.True(t, h.safeSend(alice, []byte("hello")))

	h.sessions.remove(alice)
	assert.False(t, h.safeSend(alice, []byte("late")))
}

func TestBroadcastUserList(t *testing.T) {
	h, v := newTestHub(t)
	alice, _, aliceToken := addSession(t, h, v, "alice", "alice")
	addSession(t, h, v, "bob", "bob")

	h.broadcastUserList()

	env, payload := decodeFrame(t, readFrame(t, alice), secure.DeriveKey(aliceToken))
	assert.Equal(t, FrameUsers, env.Type)
	assert.Equal(t, float64(2), payload["count"])
	assert.Equal(t, []any{"alice", "bob"}, payload["users"])
}

func TestShutdownNotifiesClients(t *testing.T) {
	h, v := newTestHub(t)
	startLoop(t, h)

	alice, _, aliceToken := addSession(t, h, v, "alice", "alice")

	require.NoError(t, h.Shutdown(2*time.Second))

	env, payload := decodeFrame(t, readFrame(t, alice), secure.DeriveKey(aliceToken))
	assert.Equal(t, FrameSystem, env.Type)
	assert.Equal(t, "🔴 El servidor se está cerrando. ¡Hasta luego!", payload["message"])
}

func TestRequestsAbandonedAfterShutdown(t *testing.T) {
	h, v := newTestHub(t)
	startLoop(t, h)

	alice, _, _ := addSession(t, h, v, "alice", "alice")
	require.NoError(t, h.Shutdown(2*time.Second))

	done := make(chan struct{})
	go func() {
		h.requestUnregister(alice)
		h.requestBroadcast(broadcastRequest{frameType: FrameSystem, payload: textPayload{Message: "late"}})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("request blocked after shutdown")
	}
}
