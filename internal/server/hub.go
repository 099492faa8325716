// Package server coordinates session registration, encrypted message
// fan-out, and connection cleanup for the chat service via the Hub type.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/charlago/charla/internal/auth"
)

// IdentityDirectory is the subset of the user directory the hub needs:
// persisting nickname changes picked via /nick.
type IdentityDirectory interface {
	Rename(userID, nickname string) (auth.Identity, error)
}

// broadcastRequest is one fan-out round: a frame type and payload delivered
// to every live session except the excluded sender.
type broadcastRequest struct {
	frameType FrameType
	payload   any
	exclude   *Client
}

// registration pairs a freshly authenticated client with its session for
// atomic insertion into the registry.
type registration struct {
	client  *Client
	session *Session
}

// Hub owns the session registry and serializes client registration,
// unregistration, and broadcast rounds through its event loop. Payloads are
// encoded per recipient because every session encrypts under its own
// channel key.
type Hub struct {
	sessions  *registry
	gate      *Gate
	directory IdentityDirectory
	logger    *slog.Logger
	metrics   *Metrics

	broadcast  chan broadcastRequest
	register   chan registration
	unregister chan *Client

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a Hub ready to manage connections. The directory may be nil
// when nickname persistence is unavailable; /nick then only updates the live
// session.
func NewHub(gate *Gate, directory IdentityDirectory, logger *slog.Logger, metrics *Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		sessions:   newRegistry(),
		gate:       gate,
		directory:  directory,
		logger:     logger,
		metrics:    metrics,
		broadcast:  make(chan broadcastRequest),
		register:   make(chan registration),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// SessionCount returns the number of live sessions.
func (h *Hub) SessionCount() int {
	return h.sessions.count()
}

// requestUnregister hands a client to the event loop for teardown. During
// shutdown the loop is gone, so the send is abandoned instead of blocking
// the pump goroutine forever.
func (h *Hub) requestUnregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// requestBroadcast queues a fan-out round on the event loop.
func (h *Hub) requestBroadcast(req broadcastRequest) {
	select {
	case h.broadcast <- req:
	case <-h.ctx.Done():
	}
}

// Run starts the hub's main event loop, handling registration,
// unregistration, and broadcast rounds. It should be called in its own
// goroutine as it runs until Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case reg := <-h.register:
			h.admit(reg)

		case client := <-h.unregister:
			h.disconnect(client)

		case req := <-h.broadcast:
			h.fanout(req.frameType, req.payload, req.exclude)
		}
	}
}

// admit inserts the session and runs the join ceremony: welcome frame to the
// new client, join notice to everyone else, refreshed listing to everyone.
func (h *Hub) admit(reg registration) {
	client, sess := reg.client, reg.session
	client.sess = sess

	h.sessions.insert(sess)
	if h.metrics != nil {
		h.metrics.SessionsActive.Inc()
		h.metrics.ConnectionsTotal.Inc()
	}
	client.setState(stateActive)

	count := h.sessions.count()
	h.logger.Info("session registered",
		"user", sess.Username(), "nickname", sess.DisplayName(),
		"addr", sess.remoteAddr, "sessions", count)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()

	h.sendDirect(sess, FrameWelcome, welcomePayload{
		Message:    "🎉 ¡Bienvenido al chat!",
		Nickname:   sess.DisplayName(),
		UsersCount: count,
		Help:       "Escribe /help para ver comandos disponibles",
	})
	h.fanout(FrameSystem, textPayload{
		Message: fmt.Sprintf("🟢 %s se ha conectado", sess.DisplayName()),
	}, client)
	h.broadcastUserList()
}

// disconnect is the single removal path for a live session: registry
// removal, send-channel close, leave notice, and listing refresh. Calling it
// for a client that is already gone is a no-op.
func (h *Hub) disconnect(client *Client) {
	sess := h.sessions.remove(client)
	if sess == nil {
		return
	}
	close(client.send)
	client.setState(stateClosed)
	if h.metrics != nil {
		h.metrics.SessionsActive.Dec()
	}

	h.logger.Info("session unregistered",
		"user", sess.Username(), "nickname", sess.DisplayName(),
		"addr", sess.remoteAddr, "sessions", h.sessions.count())

	h.fanout(FrameSystem, textPayload{
		Message: fmt.Sprintf("🔴 %s se ha desconectado", sess.DisplayName()),
	}, client)
	h.broadcastUserList()
}

// fanout takes a registry snapshot and delivers the payload to every session
// except exclude, encoding independently under each recipient's own channel
// key. A failure for one recipient never blocks or aborts delivery to the
// others.
func (h *Hub) fanout(frameType FrameType, payload any, exclude *Client) {
	sessions := h.sessions.snapshot()

	var failed []*Client
	for _, sess := range sessions {
		if exclude != nil && sess.client == exclude {
			continue
		}
		if !h.deliver(sess, frameType, payload) {
			failed = append(failed, sess.client)
		}
	}

	// Recipients with a full send buffer are beyond saving; drop them
	// through the regular removal path so the leave notice goes out.
	for _, client := range failed {
		h.logger.Warn("dropping unresponsive client", "addr", client.addr)
		h.disconnect(client)
	}
}

// deliver encodes the payload for one recipient and attempts the send.
// Encode degrades (plaintext fallback) and failures are logged locally and
// never surfaced to the sender.
func (h *Hub) deliver(sess *Session, frameType FrameType, payload any) bool {
	frame, degraded, err := encodeEnvelope(frameType, payload, sess.channelKeySnapshot())
	if err != nil {
		h.logger.Error("envelope encode failed",
			"user", sess.Username(), "type", string(frameType), "error", err)
		if h.metrics != nil {
			h.metrics.DeliveryFailures.Inc()
		}
		return true // not a transport failure; do not drop the client
	}
	if degraded {
		h.logger.Warn("sealing failed, sent plaintext fallback",
			"user", sess.Username(), "type", string(frameType))
		if h.metrics != nil {
			h.metrics.EncodeFallbacks.Inc()
		}
	}

	if !h.safeSend(sess.client, frame) {
		h.logger.Warn("frame not delivered",
			"user", sess.Username(), "type", string(frameType), "error", ErrDelivery)
		if h.metrics != nil {
			h.metrics.DeliveryFailures.Inc()
		}
		return false
	}
	return true
}

// sendDirect is the single-recipient variant of fanout, used for direct
// replies and private messages.
func (h *Hub) sendDirect(sess *Session, frameType FrameType, payload any) bool {
	return h.deliver(sess, frameType, payload)
}

// safeSend enqueues a frame on the client's send channel without blocking.
// The registry lock is held across the membership check and the send so the
// channel cannot be closed between the two.
func (h *Hub) safeSend(client *Client, frame []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("recovered from panic in safeSend", "panic", r)
			ok = false
		}
	}()

	h.sessions.mu.RLock()
	defer h.sessions.mu.RUnlock()

	if _, exists := h.sessions.byClient[client]; !exists || client.closed {
		return false
	}

	select {
	case client.send <- frame:
		return true
	default:
		return false
	}
}

// broadcastUserList pushes a refreshed listing to every live session.
func (h *Hub) broadcastUserList() {
	h.fanout(FrameUsers, usersPayload{
		Count: h.sessions.count(),
		Users: h.sessions.names(),
	}, nil)
}

// shutdownClients notifies all sessions that the server is going away and
// tears them down. Closing the send channels lets each write pump drain the
// notice, emit a going-away close frame, and release its own transport.
func (h *Hub) shutdownClients() {
	h.logger.Info("closing all client connections")

	h.fanout(FrameSystem, textPayload{
		Message: "🔴 El servidor se está cerrando. ¡Hasta luego!",
	}, nil)

	sessions := h.sessions.snapshot()
	for _, sess := range sessions {
		client := sess.client
		client.setState(stateClosingByServer)
		client.setCloseInfo(websocket.CloseGoingAway, "server shutting down")
		if h.sessions.remove(client) != nil {
			close(client.send)
		}
		client.setState(stateClosed)
	}

	h.logger.Info("closed client connections", "count", len(sessions))
}

// Shutdown initiates graceful shutdown of the hub and waits for the pump
// goroutines to finish, or until the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timeout reached")
		return context.DeadlineExceeded
	}
}
