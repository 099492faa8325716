package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/charlago/charla/internal/auth"
	"github.com/charlago/charla/internal/server"
	"github.com/charlago/charla/test/testhelpers"
)

func TestConnectWithoutTokenRejected(t *testing.T) {
	app := testhelpers.StartApp(t)

	// The upgrade itself succeeds; rejection happens over the socket so the
	// client learns why.
	conn, err := testhelpers.DialRaw(app, "")
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() { _ = conn.Close() }()

	env, payload := testhelpers.ReadEnvelope(t, conn, "")
	if env.Type != server.FrameError {
		t.Fatalf("frame type %q, want error", env.Type)
	}
	if env.Encrypted {
		t.Error("rejection frame must be plaintext; no channel key exists yet")
	}
	if payload["message"] != "🔒 Autenticación requerida. Inicia sesión para conectarte." {
		t.Errorf("rejection message %v", payload["message"])
	}

	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("setting deadline: %v", err)
	}
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Errorf("expected policy violation close, got %v", err)
	}

	if app.Hub.SessionCount() != 0 {
		t.Errorf("no session should exist, count %d", app.Hub.SessionCount())
	}
}

func TestConnectWithGarbageTokenRejected(t *testing.T) {
	app := testhelpers.StartApp(t)

	conn, err := testhelpers.DialRaw(app, "not.a.credential")
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() { _ = conn.Close() }()

	env, _ := testhelpers.ReadEnvelope(t, conn, "")
	if env.Type != server.FrameError {
		t.Fatalf("frame type %q, want error", env.Type)
	}
}

func TestConnectWithExpiredTokenRejected(t *testing.T) {
	app := testhelpers.StartApp(t)

	shortLived, err := auth.NewTokenService([]byte(testhelpers.JWTSecret), time.Millisecond)
	if err != nil {
		t.Fatalf("creating token service: %v", err)
	}
	token, err := shortLived.Issue(auth.Identity{ID: "u-1", Username: "alice"})
	if err != nil {
		t.Fatalf("issuing token: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	conn, err := testhelpers.DialRaw(app, token)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() { _ = conn.Close() }()

	env, _ := testhelpers.ReadEnvelope(t, conn, "")
	if env.Type != server.FrameError {
		t.Fatalf("frame type %q, want error", env.Type)
	}
}

func TestDisallowedOriginBlocked(t *testing.T) {
	app := testhelpers.StartApp(t)
	token := testhelpers.RegisterUser(t, app, "alice", "secret", "")

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	headers := http.Header{}
	headers.Set("Origin", "http://evil.example.com")

	conn, resp, err := dialer.Dial(testhelpers.WebSocketURL(app, token), headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		_ = conn.Close()
		t.Fatal("dial from disallowed origin should fail")
	}
	if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Errorf("handshake status %d, want 403", resp.StatusCode)
	}
}

func TestMissingOriginBlocked(t *testing.T) {
	app := testhelpers.StartApp(t)
	token := testhelpers.RegisterUser(t, app, "alice", "secret", "")

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(testhelpers.WebSocketURL(app, token), nil)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		_ = conn.Close()
		t.Fatal("dial without Origin header should fail")
	}
}

func TestEncryptedChatRoundTrip(t *testing.T) {
	app := testhelpers.StartApp(t)
	aliceToken := testhelpers.RegisterUser(t, app, "alice", "secret", "")
	bobToken := testhelpers.RegisterUser(t, app, "bob", "secret", "")

	alice := testhelpers.Dial(t, app, aliceToken)
	testhelpers.DrainWelcome(t, alice, aliceToken)
	bob := testhelpers.Dial(t, app, bobToken)
	testhelpers.DrainWelcome(t, bob, bobToken)

	testhelpers.SendFrame(t, alice, aliceToken, "message", "mensaje sellado", "")

	payload := testhelpers.WaitForFrame(t, bob, bobToken, server.FrameMessage)
	if payload["message"] != "mensaje sellado" {
		t.Errorf("bob received %v", payload["message"])
	}
	if payload["nickname"] != "alice" {
		t.Errorf("sender nickname %v", payload["nickname"])
	}
}

func TestFrameWithForeignTokenForcesLogout(t *testing.T) {
	app := testhelpers.StartApp(t)
	aliceToken := testhelpers.RegisterUser(t, app, "alice", "secret", "")
	bobToken := testhelpers.RegisterUser(t, app, "bob", "secret", "")

	alice := testhelpers.Dial(t, app, aliceToken)
	testhelpers.DrainWelcome(t, alice, aliceToken)

	// A valid credential for a different identity must not pass per-frame
	// re-authentication.
	if err := alice.WriteJSON(map[string]any{
		"type": "message", "content": "hola", "token": bobToken,
	}); err != nil {
		t.Fatalf("sending frame: %v", err)
	}

	payload := testhelpers.WaitForFrame(t, alice, aliceToken, server.FrameError)
	if payload["message"] != "🔒 Sesión expirada o credencial inválida. Vuelve a iniciar sesión." {
		t.Errorf("logout notice %v", payload["message"])
	}

	if err := alice.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("setting deadline: %v", err)
	}
	for {
		_, _, err := alice.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				t.Errorf("expected policy violation close, got %v", err)
			}
			break
		}
	}
}
