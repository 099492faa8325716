// Package server dispatches decoded chat input: slash commands, private
// messages, and ordinary broadcast messages.
package server

import (
	"fmt"
	"strings"

	"github.com/gorilla/websocket"
)

const maxDisplayNameLength = 20

var helpCommands = []string{
	"/nick <nombre>  - Cambiar tu nickname",
	"/lista          - Ver usuarios conectados",
	"/salir          - Salir del chat",
	"/help           - Mostrar esta ayuda",
}

// handleInbound routes one decoded, re-authenticated frame. Private frames
// go to their target; slash input goes through the command table;
// unrecognized slash input falls through as an ordinary chat message, which
// is the documented legacy behavior.
func (h *Hub) handleInbound(c *Client, frame inboundFrame, text string) {
	sess := c.sess

	if frame.Type == string(FramePrivate) {
		h.handlePrivate(c, frame.Target, text)
		return
	}

	if strings.HasPrefix(text, "/") {
		if h.processCommand(c, text) {
			h.logger.Info("command processed",
				"user", sess.Username(), "nickname", sess.DisplayName(),
				"command", strings.Fields(text)[0])
			return
		}
	}

	if h.metrics != nil {
		h.metrics.MessagesTotal.WithLabelValues("chat").Inc()
	}
	h.requestBroadcast(broadcastRequest{
		frameType: FrameMessage,
		payload: chatPayload{
			Nickname:  sess.DisplayName(),
			Message:   text,
			Timestamp: timestamp(),
		},
		exclude: c,
	})
}

// processCommand matches the first whitespace-delimited token,
// case-insensitively, against the command table. It returns false for
// unrecognized commands so the caller can fall through.
func (h *Hub) processCommand(c *Client, text string) bool {
	parts := strings.Fields(text)
	command := strings.ToLower(parts[0])

	if h.metrics != nil {
		h.metrics.CommandsTotal.WithLabelValues(command).Inc()
	}

	switch command {
	case "/nick":
		h.handleNick(c, parts)
		return true

	case "/lista", "/list", "/users":
		h.handleList(c)
		return true

	case "/salir", "/quit", "/exit":
		h.handleQuit(c)
		return true

	case "/help", "/ayuda":
		h.handleHelp(c)
		return true

	default:
		return false
	}
}

// handleNick validates and applies a display-name change, persists the new
// nickname to the user directory when available, and notifies everyone.
func (h *Hub) handleNick(c *Client, parts []string) {
	sess := c.sess

	if len(parts) < 2 {
		h.sendCommandError(sess, newCommandError("❌ Uso: /nick <nuevo_nombre>"))
		return
	}
	newNick := parts[1]
	if len(newNick) > maxDisplayNameLength {
		h.sendCommandError(sess, newCommandError(
			"❌ El nickname no puede tener más de %d caracteres", maxDisplayNameLength))
		return
	}

	oldNick := sess.DisplayName()
	sess.setDisplayName(newNick)

	if h.directory != nil {
		if _, err := h.directory.Rename(sess.IdentityID(), newNick); err != nil {
			h.logger.Warn("could not persist nickname",
				"user", sess.Username(), "error", err)
		}
	}

	h.logger.Info("nickname changed",
		"user", sess.Username(), "old", oldNick, "new", newNick)

	h.sendDirect(sess, FrameSuccess, textPayload{
		Message: fmt.Sprintf("✅ Tu nickname ahora es: %s", newNick),
	})
	h.fanout(FrameSystem, textPayload{
		Message: fmt.Sprintf("🔄 %s ahora se llama %s", oldNick, newNick),
	}, c)
	h.broadcastUserList()
}

// handleList replies with the current listing; with no one else connected
// the listing contains exactly the sender.
func (h *Hub) handleList(c *Client) {
	count := h.sessions.count()
	users := h.sessions.names()
	h.sendDirect(c.sess, FrameUsers, usersPayload{
		Count: count,
		Users: users,
		Message: fmt.Sprintf("👥 Usuarios conectados (%d): %s",
			count, strings.Join(users, ", ")),
	})
}

// handleQuit sends the farewell and closes the sender's connection with a
// normal close code. Teardown notifications go out through the regular
// removal path.
func (h *Hub) handleQuit(c *Client) {
	h.sendDirect(c.sess, FrameSystem, textPayload{Message: "👋 ¡Hasta luego!"})
	c.requestClose(websocket.CloseNormalClosure, "bye", stateClosingByClient)
}

func (h *Hub) handleHelp(c *Client) {
	h.sendDirect(c.sess, FrameHelp, helpPayload{
		Message:  "📋 Comandos disponibles:",
		Commands: helpCommands,
	})
}

// handlePrivate routes a message to the first session in snapshot order
// whose display name matches the target. Nothing is delivered when the
// target is absent; only the sender learns about the failure.
func (h *Hub) handlePrivate(c *Client, target, text string) {
	sess := c.sess

	if target == "" {
		h.sendCommandError(sess, newCommandError("❌ Mensaje privado sin destinatario"))
		return
	}

	recipient, found := h.sessions.findByName(target)
	if !found {
		h.logger.Info("private message undeliverable",
			"user", sess.Username(), "target", target, "error", ErrTargetNotFound)
		h.sendDirect(sess, FrameError, textPayload{
			Message: fmt.Sprintf("❌ Usuario '%s' no encontrado", target),
		})
		return
	}

	if h.metrics != nil {
		h.metrics.MessagesTotal.WithLabelValues("private").Inc()
	}
	h.sendDirect(recipient, FramePrivate, privatePayload{
		From:      sess.DisplayName(),
		Message:   text,
		Timestamp: timestamp(),
	})
}

func (h *Hub) sendCommandError(sess *Session, err error) {
	h.sendDirect(sess, FrameError, textPayload{Message: err.Error()})
}
