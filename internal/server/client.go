// Package server manages individual WebSocket connections: the per-client
// lifecycle state machine, read/write pumps, keep-alive, and rate limiting.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/charlago/charla/internal/secure"
)

// connState tracks where a connection is in its lifecycle:
//
//	connecting → authenticating → (active | rejected) →
//	closing(by client | by server | by timeout) → closed
type connState int32

const (
	stateConnecting connState = iota
	stateAuthenticating
	stateAuthenticated
	stateRejected
	stateActive
	stateClosingByClient
	stateClosingByServer
	stateClosingByTimeout
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticating:
		return "authenticating"
	case stateAuthenticated:
		return "authenticated"
	case stateRejected:
		return "rejected"
	case stateActive:
		return "active"
	case stateClosingByClient:
		return "closing_by_client"
	case stateClosingByServer:
		return "closing_by_server"
	case stateClosingByTimeout:
		return "closing_by_timeout"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

const writeWait = 10 * time.Second

// Client owns one WebSocket transport connection. The session it carries is
// set by the hub at registration; the closed flag is guarded by the
// registry mutex together with registry membership.
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	addr   string
	closed bool
	sess   *Session

	state atomic.Int32

	maxMessageSize int64
	idleTimeout    time.Duration
	pingPeriod     time.Duration
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig

	closeMu     sync.Mutex
	closeCode   int
	closeReason string
}

// NewClient creates a Client for an upgraded connection. The send channel is
// buffered so a broadcast round never blocks on one slow recipient.
func NewClient(conn *websocket.Conn, hub *Hub, addr string) *Client {
	cfg := currentConfig()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	c := &Client{
		conn:           conn,
		send:           make(chan []byte, 256),
		hub:            hub,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		idleTimeout:    cfg.IdleTimeout,
		pingPeriod:     cfg.IdleTimeout * 9 / 10,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
		closeCode:      websocket.CloseNormalClosure,
	}
	c.state.Store(int32(stateConnecting))
	return c
}

// State returns the connection's lifecycle state.
func (c *Client) State() connState {
	return connState(c.state.Load())
}

func (c *Client) setState(s connState) {
	c.state.Store(int32(s))
}

// setCloseInfo records the close code and reason the write pump will use
// for the close frame once the send channel drains.
func (c *Client) setCloseInfo(code int, reason string) {
	c.closeMu.Lock()
	c.closeCode = code
	c.closeReason = reason
	c.closeMu.Unlock()
}

func (c *Client) closeInfo() (int, string) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closeCode, c.closeReason
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
		c.hub.logger.Warn("error setting read deadline", "addr", c.addr, "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	})
}

// noteReadError classifies the error that ended the read loop and records
// the matching lifecycle transition.
func (c *Client) noteReadError(err error) {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		c.setState(stateClosingByTimeout)
		c.hub.logger.Info("closing idle connection", "addr", c.addr)

	case errors.Is(err, websocket.ErrReadLimit):
		c.setState(stateClosingByServer)
		c.hub.logger.Warn("message exceeded maximum size",
			"addr", c.addr, "limit", c.maxMessageSize)

	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.setState(stateClosingByClient)
		c.hub.logger.Info("client disconnected", "addr", c.addr)

	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.setState(stateClosingByClient)
		c.hub.logger.Info("client connection closed", "addr", c.addr)

	default:
		if c.State() < stateClosingByClient {
			c.setState(stateClosingByServer)
		}
		c.hub.logger.Warn("websocket read error", "addr", c.addr, "error", err)
	}
}

func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.hub.logger.Warn("rate limit exceeded, discarding message",
			"addr", c.addr, "burst", c.rateLimit.Burst,
			"interval", c.rateLimit.RefillInterval)
		return false
	}
	return true
}

// readPump drives the inbound half of the connection: keep-alive deadlines,
// the bare PING/PONG fast path, per-frame re-authentication, payload
// decryption, and dispatch. It exits when the transport errors or closes;
// cleanup always funnels through the hub's unregister path.
func (c *Client) readPump() {
	defer func() {
		c.hub.requestUnregister(c)
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.noteReadError(err)
			break
		}
		// Any inbound traffic counts as liveness.
		_ = c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))

		if !c.checkRateLimit() {
			continue
		}
		if !c.processFrame(raw) {
			break
		}
	}
}

// processFrame handles one inbound frame end to end. It returns false only
// when the connection must stop reading (forced logout).
func (c *Client) processFrame(raw []byte) bool {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return true
	}

	// Legacy keep-alive: a bare PING is answered with a bare PONG,
	// bypassing JSON and encryption entirely.
	if text == "PING" {
		c.hub.safeSend(c, []byte("PONG"))
		return true
	}

	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		// Logged and dropped; the connection stays open.
		c.hub.logger.Warn("dropping frame",
			"addr", c.addr, "error", fmt.Errorf("%w: %v", ErrProtocol, err))
		return true
	}

	// Every application frame is re-validated before it can reach the
	// command processor.
	if err := c.hub.gate.Reauthenticate(c.sess, frame.Token); err != nil {
		c.forceLogout()
		return false
	}

	plaintext, ok := c.decodeContent(frame)
	if !ok {
		return true
	}
	if plaintext == "" && frame.Target == "" {
		return true
	}

	c.hub.handleInbound(c, frame, plaintext)
	return true
}

// decodeContent recovers the plaintext of a frame's content. A frame that
// declares itself encrypted must open cleanly; failure is reported to the
// sender and the message discarded. Undeclared content that merely looks
// sealed is opened opportunistically and falls back to the raw text, which
// keeps legacy plaintext clients working.
func (c *Client) decodeContent(frame inboundFrame) (string, bool) {
	content := frame.Content
	if content == "" {
		return "", true
	}

	_, key := c.sess.credential()

	if frame.Encrypted {
		plaintext, err := secure.Open(content, key)
		if err != nil {
			c.hub.logger.Warn("inbound decryption failed",
				"addr", c.addr, "user", c.sess.Username())
			c.hub.sendDirect(c.sess, FrameError, textPayload{
				Message: "❌ Error al procesar el mensaje",
			})
			return "", false
		}
		return plaintext, true
	}

	if secure.LooksSealed(content) {
		if plaintext, err := secure.Open(content, key); err == nil {
			return plaintext, true
		}
	}
	return content, true
}

// forceLogout tears the session down after a credential rejection: error
// frame to the client, removal with the usual disconnect notifications, and
// a policy-violation close so the client knows not to silently reconnect.
func (c *Client) forceLogout() {
	c.setState(stateClosingByServer)
	c.setCloseInfo(websocket.ClosePolicyViolation, "credential rejected")
	if c.hub.metrics != nil {
		c.hub.metrics.AuthRejections.Inc()
	}

	c.hub.sendDirect(c.sess, FrameError, textPayload{
		Message: "🔒 Sesión expirada o credencial inválida. Vuelve a iniciar sesión.",
	})
	c.hub.requestUnregister(c)
}

// requestClose asks the write pump to finish the connection with the given
// close code once pending frames have drained.
func (c *Client) requestClose(code int, reason string, s connState) {
	c.setState(s)
	c.setCloseInfo(code, reason)
	c.hub.requestUnregister(c)
}

// writePump drives the outbound half of the connection and owns all writes
// to the transport, including protocol pings and the final close frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.hub.logger.Warn("error setting write deadline", "addr", c.addr, "error", err)
				return
			}
			if !ok {
				c.writeCloseMessage()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				if !isExpectedCloseError(err) {
					c.hub.logger.Warn("error writing message", "addr", c.addr, "error", err)
				}
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.hub.logger.Warn("error setting write deadline", "addr", c.addr, "error", err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				if !isExpectedCloseError(err) {
					c.hub.logger.Warn("error writing ping", "addr", c.addr, "error", err)
				}
				return
			}
		}
	}
}

// writeCloseMessage sends the close frame using the recorded code and
// reason. A policy-violation code tells the client to re-authenticate
// rather than auto-reconnect.
func (c *Client) writeCloseMessage() {
	code, reason := c.closeInfo()
	msg := websocket.FormatCloseMessage(code, reason)
	if err := c.conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
		if !isExpectedCloseError(err) {
			c.hub.logger.Warn("error writing close message", "addr", c.addr, "error", err)
		}
	}
}

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil {
		if !isExpectedCloseError(err) {
			c.hub.logger.Warn("error closing connection", "addr", c.addr, "error", err)
		}
	}
}
