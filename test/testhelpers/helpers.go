// Package testhelpers provides shared utilities for integration testing the
// Charla server: starting a full application instance, registering users,
// dialing authenticated WebSocket connections, and decoding encrypted frames.
package testhelpers

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/charlago/charla/internal/auth"
	"github.com/charlago/charla/internal/secure"
	"github.com/charlago/charla/internal/server"
)

// JWTSecret signs credentials in integration tests. Tests that need to mint
// their own tokens (for example expired ones) reuse it.
const JWTSecret = "integration-test-secret"

// App is a fully wired server instance running on an httptest listener.
type App struct {
	Hub    *server.Hub
	Tokens *auth.TokenService
	Store  *auth.Store
	Server *httptest.Server
}

// StartApp boots the complete application: user directory, token service,
// hub, HTTP routes, and a test listener. The listener's own URL is added to
// the allowed origins so test dials pass the origin check. Everything is torn
// down via t.Cleanup.
func StartApp(t *testing.T) *App {
	t.Helper()

	store, err := auth.NewStore(filepath.Join(t.TempDir(), "users.json"))
	if err != nil {
		t.Fatalf("creating user directory: %v", err)
	}
	tokens, err := auth.NewTokenService([]byte(JWTSecret), time.Hour)
	if err != nil {
		t.Fatalf("creating token service: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := prometheus.NewRegistry()
	metrics := server.NewMetrics(registry)

	gate := server.NewGate(tokens, logger)
	hub := server.NewHub(gate, store, logger, metrics)
	api := server.NewAPI(hub, gate, tokens, store, logger, registry)

	testServer := httptest.NewServer(server.SetupRoutes(api))

	cfg := server.NewConfig()
	cfg.AllowedOrigins = append(cfg.AllowedOrigins, testServer.URL)
	server.SetConfig(cfg)

	server.StartHub(hub)

	t.Cleanup(func() {
		_ = hub.Shutdown(5 * time.Second)
		testServer.Close()
		server.SetConfig(nil)
	})

	return &App{Hub: hub, Tokens: tokens, Store: store, Server: testServer}
}

// RegisterUser creates an account over the HTTP endpoint and returns the
// issued credential.
func RegisterUser(t *testing.T, app *App, username, password, nickname string) string {
	t.Helper()

	body, err := json.Marshal(map[string]string{
		"username": username,
		"password": password,
		"nickname": nickname,
	})
	if err != nil {
		t.Fatalf("encoding register request: %v", err)
	}

	resp, err := http.Post(app.Server.URL+"/register", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("register request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var decoded struct {
		Success bool   `json:"success"`
		Token   string `json:"token"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decoding register response: %v", err)
	}
	if !decoded.Success {
		t.Fatalf("register rejected: %s", decoded.Error)
	}
	return decoded.Token
}

// WebSocketURL converts the test server's base URL into the ws:// endpoint,
// optionally carrying a credential.
func WebSocketURL(app *App, token string) string {
	wsURL := "ws" + strings.TrimPrefix(app.Server.URL, "http") + "/ws"
	if token != "" {
		wsURL += "?token=" + url.QueryEscape(token)
	}
	return wsURL
}

// Dial opens a WebSocket connection with the test server's URL as the Origin
// header. The connection is closed via t.Cleanup.
func Dial(t *testing.T, app *App, token string) *websocket.Conn {
	t.Helper()

	conn, err := DialRaw(app, token)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// DialRaw opens a WebSocket connection and returns the dial error, for tests
// asserting handshake failures.
func DialRaw(app *App, token string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	headers := http.Header{}
	headers.Set("Origin", app.Server.URL)

	conn, resp, err := dialer.Dial(WebSocketURL(app, token), headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// SendFrame seals content under the token's channel key and sends it as an
// encrypted application frame.
func SendFrame(t *testing.T, conn *websocket.Conn, token, frameType, content, target string) {
	t.Helper()

	sealed, err := secure.Seal(content, secure.DeriveKey(token))
	if err != nil {
		t.Fatalf("sealing content: %v", err)
	}
	frame := map[string]any{
		"type":      frameType,
		"content":   sealed,
		"encrypted": true,
	}
	if target != "" {
		frame["target"] = target
	}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("sending frame: %v", err)
	}
}

// SendPlaintextFrame sends an application frame without sealing the content.
func SendPlaintextFrame(t *testing.T, conn *websocket.Conn, frameType, content string) {
	t.Helper()
	frame := map[string]any{"type": frameType, "content": content}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("sending frame: %v", err)
	}
}

// ReadEnvelope reads the next frame and decrypts its payload with the
// token's channel key when the envelope is marked encrypted.
func ReadEnvelope(t *testing.T, conn *websocket.Conn, token string) (server.Envelope, map[string]any) {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("setting read deadline: %v", err)
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	return DecodeEnvelope(t, raw, token)
}

// DecodeEnvelope parses a raw frame into an envelope and its payload object.
func DecodeEnvelope(t *testing.T, raw []byte, token string) (server.Envelope, map[string]any) {
	t.Helper()

	var env server.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshaling envelope %q: %v", raw, err)
	}

	if env.Encrypted {
		sealed, ok := env.Data.(string)
		if !ok {
			t.Fatalf("encrypted envelope data is %T, want string", env.Data)
		}
		plaintext, err := secure.Open(sealed, secure.DeriveKey(token))
		if err != nil {
			t.Fatalf("opening envelope payload: %v", err)
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(plaintext), &payload); err != nil {
			t.Fatalf("unmarshaling payload %q: %v", plaintext, err)
		}
		return env, payload
	}

	payload, _ := env.Data.(map[string]any)
	return env, payload
}

// WaitForFrame reads frames until one of the wanted type arrives, skipping
// interleaved system traffic such as join notices and listing refreshes.
func WaitForFrame(t *testing.T, conn *websocket.Conn, token string, want server.FrameType) map[string]any {
	t.Helper()

	for i := 0; i < 20; i++ {
		env, payload := ReadEnvelope(t, conn, token)
		if env.Type == want {
			return payload
		}
	}
	t.Fatalf("no %q frame within 20 reads", want)
	return nil
}

// DrainWelcome consumes the connect ceremony: the welcome frame and the
// listing refresh that follows it.
func DrainWelcome(t *testing.T, conn *websocket.Conn, token string) {
	t.Helper()
	WaitForFrame(t, conn, token, server.FrameWelcome)
	WaitForFrame(t, conn, token, server.FrameUsers)
}
