// Package server exposes the HTTP surface: the WebSocket upgrade with
// connect-time authentication, the credential endpoints, and health checks.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/charlago/charla/internal/auth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// API bundles the hub and its collaborators behind the HTTP handlers.
type API struct {
	hub      *Hub
	gate     *Gate
	tokens   *auth.TokenService
	store    *auth.Store
	logger   *slog.Logger
	gatherer prometheus.Gatherer
}

// NewAPI wires the handlers to their collaborators. The gatherer may be nil
// when metrics exposure is not wanted.
func NewAPI(hub *Hub, gate *Gate, tokens *auth.TokenService, store *auth.Store,
	logger *slog.Logger, gatherer prometheus.Gatherer) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		hub:      hub,
		gate:     gate,
		tokens:   tokens,
		store:    store,
		logger:   logger,
		gatherer: gatherer,
	}
}

// extractCredential pulls the bearer token from the connect request: the
// "token" query parameter, or an Authorization header.
func extractCredential(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return after
	}
	return header
}

// WebSocket upgrades the connection and runs connect-time authentication.
// A missing or rejected credential never produces a session: the client gets
// an error frame and a policy-violation close, which signals it to obtain a
// fresh credential instead of silently reconnecting.
func (a *API) WebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.",
			http.StatusMethodNotAllowed)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}

	client := NewClient(conn, a.hub, r.RemoteAddr)
	client.setState(stateAuthenticating)

	token := extractCredential(r)
	identity, key, err := a.gate.AuthenticateConnect(token)
	if err != nil {
		a.reject(client, err)
		return
	}
	client.setState(stateAuthenticated)

	sess := newSession(client, identity.ID, identity.Username, identity.Nickname,
		token, key)

	select {
	case a.hub.register <- registration{client: client, session: sess}:
	case <-a.hub.ctx.Done():
		client.closeConnection()
	}
}

// reject finishes an unauthenticated connection: plaintext error frame,
// policy-violation close frame, transport release. No session was created,
// so no disconnect notification goes out.
func (a *API) reject(client *Client, cause error) {
	client.setState(stateRejected)
	if a.hub.metrics != nil {
		a.hub.metrics.AuthRejections.Inc()
	}
	a.logger.Warn("connection rejected", "addr", client.addr, "error", cause)

	frame, _, err := encodeEnvelope(FrameError, textPayload{
		Message: "🔒 Autenticación requerida. Inicia sesión para conectarte.",
	}, nil)
	if err == nil {
		_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = client.conn.WriteMessage(websocket.TextMessage, frame)
	}

	closeMsg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication required")
	_ = client.conn.WriteMessage(websocket.CloseMessage, closeMsg)
	client.closeConnection()
	client.setState(stateClosed)
}

// authRequest is the JSON body of the register/login/verify endpoints.
type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Nickname string `json:"nickname"`
	Token    string `json:"token"`
}

// authResponse is the JSON reply of the register/login/verify endpoints.
type authResponse struct {
	Success bool           `json:"success"`
	Token   string         `json:"token,omitempty"`
	User    *auth.Identity `json:"user,omitempty"`
	Error   string         `json:"error,omitempty"`
}

func writeAuthResponse(w http.ResponseWriter, status int, resp authResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func decodeAuthRequest(w http.ResponseWriter, r *http.Request) (authRequest, bool) {
	if r.Method != http.MethodPost {
		writeAuthResponse(w, http.StatusMethodNotAllowed,
			authResponse{Error: "method not allowed"})
		return authRequest{}, false
	}
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAuthResponse(w, http.StatusBadRequest,
			authResponse{Error: "invalid request body"})
		return authRequest{}, false
	}
	return req, true
}

// Register creates a new user and returns a freshly issued credential.
func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAuthRequest(w, r)
	if !ok {
		return
	}

	identity, err := a.store.Register(req.Username, req.Password, req.Nickname)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, auth.ErrUsernameTaken) {
			status = http.StatusConflict
		}
		writeAuthResponse(w, status, authResponse{Error: err.Error()})
		return
	}

	token, err := a.tokens.Issue(identity)
	if err != nil {
		a.logger.Error("issuing token failed", "user", identity.Username, "error", err)
		writeAuthResponse(w, http.StatusInternalServerError,
			authResponse{Error: "could not issue credential"})
		return
	}

	a.logger.Info("user registered", "user", identity.Username)
	writeAuthResponse(w, http.StatusOK,
		authResponse{Success: true, Token: token, User: &identity})
}

// Login authenticates a username/password pair and returns a credential.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAuthRequest(w, r)
	if !ok {
		return
	}

	identity, err := a.store.Authenticate(req.Username, req.Password)
	if err != nil {
		writeAuthResponse(w, http.StatusUnauthorized,
			authResponse{Error: err.Error()})
		return
	}

	token, err := a.tokens.Issue(identity)
	if err != nil {
		a.logger.Error("issuing token failed", "user", identity.Username, "error", err)
		writeAuthResponse(w, http.StatusInternalServerError,
			authResponse{Error: "could not issue credential"})
		return
	}

	a.logger.Info("user logged in", "user", identity.Username)
	writeAuthResponse(w, http.StatusOK,
		authResponse{Success: true, Token: token, User: &identity})
}

// Verify validates a credential from the body or Authorization header.
func (a *API) Verify(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAuthRequest(w, r)
	if !ok {
		return
	}

	token := req.Token
	if token == "" {
		token = extractCredential(r)
	}

	identity, err := a.tokens.Verify(token)
	if err != nil {
		writeAuthResponse(w, http.StatusUnauthorized,
			authResponse{Error: err.Error()})
		return
	}
	writeAuthResponse(w, http.StatusOK,
		authResponse{Success: true, User: &identity})
}

// Health provides a simple health check endpoint that returns server status.
func (a *API) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Charla server is running!")
}
