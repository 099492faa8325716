// Package server tracks live authenticated connections in the session
// registry, the only shared mutable state in the process.
package server

import (
	"sync"
	"time"
)

// Session is the server-side record of one authenticated, live connection.
// The identity fields are immutable after connect; the display name and
// credential are guarded by mu and mutated only through the methods below.
type Session struct {
	client *Client

	identityID string
	username   string

	remoteAddr  string
	connectedAt time.Time

	mu          sync.RWMutex
	displayName string
	token       string
	channelKey  []byte
}

func newSession(client *Client, identityID, username, displayName, token string, key []byte) *Session {
	return &Session{
		client:      client,
		identityID:  identityID,
		username:    username,
		remoteAddr:  client.addr,
		connectedAt: time.Now(),
		displayName: displayName,
		token:       token,
		channelKey:  key,
	}
}

// IdentityID returns the stable identity reference from the user directory.
func (s *Session) IdentityID() string { return s.identityID }

// Username returns the identity's login name.
func (s *Session) Username() string { return s.username }

// DisplayName returns the session's current nickname.
func (s *Session) DisplayName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.displayName
}

func (s *Session) setDisplayName(name string) {
	s.mu.Lock()
	s.displayName = name
	s.mu.Unlock()
}

// credential returns the session's last-known-valid token and the channel
// key derived from it. The two are always read together so a concurrent
// rotation cannot pair a fresh token with a stale key.
func (s *Session) credential() (string, []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.channelKey
}

// rotateCredential replaces the session's token and channel key atomically.
func (s *Session) rotateCredential(token string, key []byte) {
	s.mu.Lock()
	s.token = token
	s.channelKey = key
	s.mu.Unlock()
}

// channelKeySnapshot returns the current channel key for per-recipient
// encoding during fanout.
func (s *Session) channelKeySnapshot() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channelKey
}

// registry is the authoritative map of live connections to sessions.
// Insertion order is preserved so user listings and name lookups are stable;
// every mutation and every snapshot is serialized through mu, so a broadcast
// round never observes a torn view of concurrent connects or disconnects.
type registry struct {
	mu       sync.RWMutex
	order    []*Session
	byClient map[*Client]*Session
}

func newRegistry() *registry {
	return &registry{byClient: make(map[*Client]*Session)}
}

// insert adds a session for its client. Inserting a second session for the
// same client replaces the first in place, keeping its position.
func (r *registry) insert(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byClient[sess.client]; exists {
		for i, existing := range r.order {
			if existing.client == sess.client {
				r.order[i] = sess
				break
			}
		}
	} else {
		r.order = append(r.order, sess)
	}
	r.byClient[sess.client] = sess
	sess.client.closed = false
}

// remove deletes the session for client and returns it. Removing an absent
// client is a no-op returning nil, so teardown paths can race harmlessly.
func (r *registry) remove(client *Client) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, exists := r.byClient[client]
	if !exists {
		return nil
	}
	delete(r.byClient, client)
	client.closed = true
	for i, existing := range r.order {
		if existing.client == client {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return sess
}

// get returns the session for client, if registered.
func (r *registry) get(client *Client) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, exists := r.byClient[client]
	return sess, exists
}

// snapshot returns the live sessions in insertion order. The slice is a
// copy; iterating it during concurrent connects or disconnects is safe.
func (r *registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Session(nil), r.order...)
}

// count returns the number of live sessions.
func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// names returns the display names of all live sessions in insertion order.
func (r *registry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.order))
	for _, sess := range r.order {
		names = append(names, sess.DisplayName())
	}
	return names
}

// findByName returns the first session in insertion order whose display
// name matches. Display names are not unique; ties resolve to the earliest
// connection, which is the documented private-message routing behavior.
func (r *registry) findByName(name string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, sess := range r.order {
		if sess.DisplayName() == name {
			return sess, true
		}
	}
	return nil, false
}
