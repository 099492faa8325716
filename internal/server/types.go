// Package server defines the wire envelope, frame payloads, and error
// taxonomy shared across client and hub logic.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charlago/charla/internal/secure"
)

// FrameType identifies the kind of application frame inside an envelope.
// The set is closed; every server-originated frame carries one of these.
type FrameType string

// Frame types exchanged between server and clients.
const (
	FrameMessage FrameType = "message"
	FrameSystem  FrameType = "system"
	FrameError   FrameType = "error"
	FrameSuccess FrameType = "success"
	FrameUsers   FrameType = "users"
	FrameHelp    FrameType = "help"
	FrameWelcome FrameType = "welcome"
	FramePrivate FrameType = "private"
)

// Valid reports whether t is one of the recognized frame types.
func (t FrameType) Valid() bool {
	switch t {
	case FrameMessage, FrameSystem, FrameError, FrameSuccess,
		FrameUsers, FrameHelp, FrameWelcome, FramePrivate:
		return true
	}
	return false
}

// Envelope is the JSON wrapper for every server-to-client frame. When
// Encrypted is set, Data holds the base64 sealed form of the payload JSON;
// otherwise Data is the payload object itself.
type Envelope struct {
	Type      FrameType `json:"type"`
	Data      any       `json:"data"`
	Encrypted bool      `json:"encrypted,omitempty"`
	Timestamp string    `json:"timestamp"`
}

// inboundFrame is a client-to-server application frame. Content carries the
// message text, sealed under the session's channel key unless the client has
// degraded to plaintext. A non-empty Token requests a credential rotation.
type inboundFrame struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	Token     string `json:"token"`
	Target    string `json:"target"`
	Encrypted bool   `json:"encrypted"`
}

// Chat payload shapes. Field names are part of the client protocol.
type chatPayload struct {
	Nickname  string `json:"nickname"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type privatePayload struct {
	From      string `json:"from"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type textPayload struct {
	Message string `json:"message"`
}

type usersPayload struct {
	Count   int      `json:"count"`
	Users   []string `json:"users"`
	Message string   `json:"message,omitempty"`
}

type welcomePayload struct {
	Message    string `json:"message"`
	Nickname   string `json:"nickname"`
	UsersCount int    `json:"usersCount"`
	Help       string `json:"help"`
}

type helpPayload struct {
	Message  string   `json:"message"`
	Commands []string `json:"commands"`
}

// Error taxonomy. Only ErrAuthRejected is connection-fatal; the rest are
// recoverable at the session level.
var (
	ErrAuthRejected   = errors.New("authentication rejected")
	ErrTargetNotFound = errors.New("target user not found")
	ErrProtocol       = errors.New("unparseable frame")
	ErrDelivery       = errors.New("delivery failure")
)

// commandError reports bad command arguments. The message is sent to the
// sender verbatim; no session state changes.
type commandError struct {
	message string
}

func (e *commandError) Error() string { return e.message }

func newCommandError(format string, args ...any) error {
	return &commandError{message: fmt.Sprintf(format, args...)}
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// encodeEnvelope marshals payload, seals it under key, and returns the
// serialized envelope. With a nil key, or when sealing fails, it degrades to
// a plaintext envelope; the second return value reports the degrade so the
// caller can log it.
func encodeEnvelope(frameType FrameType, payload any, key []byte) ([]byte, bool, error) {
	if key != nil {
		plaintext, err := json.Marshal(payload)
		if err != nil {
			return nil, false, fmt.Errorf("encoding payload: %w", err)
		}
		if sealed, err := secure.Seal(string(plaintext), key); err == nil {
			frame, err := json.Marshal(Envelope{
				Type:      frameType,
				Data:      sealed,
				Encrypted: true,
				Timestamp: timestamp(),
			})
			if err != nil {
				return nil, false, fmt.Errorf("encoding envelope: %w", err)
			}
			return frame, false, nil
		}
		// Sealing failed; fall through to the plaintext form.
	}

	frame, err := json.Marshal(Envelope{
		Type:      frameType,
		Data:      payload,
		Timestamp: timestamp(),
	})
	if err != nil {
		return nil, false, fmt.Errorf("encoding envelope: %w", err)
	}
	return frame, key != nil, nil
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
