package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/charlago/charla/internal/auth"
	"github.com/charlago/charla/internal/secure"
)

// stubVerifier is an in-memory TokenVerifier with revocation support, so
// tests can simulate server-side expiry without real credentials.
type stubVerifier struct {
	mu         sync.Mutex
	identities map[string]auth.Identity
	revoked    map[string]bool
}

func newStubVerifier() *stubVerifier {
	return &stubVerifier{
		identities: make(map[string]auth.Identity),
		revoked:    make(map[string]bool),
	}
}

func (v *stubVerifier) add(token string, identity auth.Identity) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.identities[token] = identity
}

func (v *stubVerifier) revoke(token string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.revoked[token] = true
}

func (v *stubVerifier) Verify(token string) (auth.Identity, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	identity, ok := v.identities[token]
	if !ok || v.revoked[token] {
		return auth.Identity{}, auth.ErrTokenInvalid
	}
	return identity, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHub(t *testing.T) (*Hub, *stubVerifier) {
	t.Helper()
	verifier := newStubVerifier()
	logger := testLogger()
	gate := NewGate(verifier, logger)
	return NewHub(gate, nil, logger, NewMetrics(prometheus.NewRegistry())), verifier
}

// startLoop runs the hub event loop for tests that exercise the register,
// unregister, or broadcast channels.
func startLoop(t *testing.T, h *Hub) {
	t.Helper()
	go h.Run()
	t.Cleanup(func() {
		_ = h.Shutdown(2 * time.Second)
	})
}

// addSession registers an identity with the verifier and inserts a live
// session directly into the registry, bypassing the connect handshake.
func addSession(t *testing.T, h *Hub, v *stubVerifier, username, nickname string) (*Client, *Session, string) {
	t.Helper()

	token := username + "-token"
	v.add(token, auth.Identity{ID: "id-" + username, Username: username, Nickname: nickname})

	client := NewClient(nil, h, "127.0.0.1:0")
	sess := newSession(client, "id-"+username, username, nickname, token, secure.DeriveKey(token))
	client.sess = sess
	h.sessions.insert(sess)
	return client, sess, token
}

// readFrame pops the next frame from a client's send channel.
func readFrame(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case frame, ok := <-c.send:
		require.True(t, ok, "send channel closed while expecting a frame")
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

// expectNoFrame asserts the client's send channel stays empty.
func expectNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case frame := <-c.send:
		t.Fatalf("expected no frame, got %s", frame)
	case <-time.After(100 * time.Millisecond):
	}
}

// decodeFrame parses an envelope and, when it is encrypted, opens the data
// with the recipient's channel key.
func decodeFrame(t *testing.T, raw []byte, key []byte) (Envelope, map[string]any) {
	t.Helper()

	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))

	if env.Encrypted {
		sealed, ok := env.Data.(string)
		require.True(t, ok, "encrypted envelope data must be a string")
		plaintext, err := secure.Open(sealed, key)
		require.NoError(t, err)

		var payload map[string]any
		require.NoError(t, json.Unmarshal([]byte(plaintext), &payload))
		return env, payload
	}

	payload, _ := env.Data.(map[string]any)
	return env, payload
}
