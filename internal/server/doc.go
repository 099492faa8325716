// Package server implements the session and message-routing layer of the
// Charla chat service: WebSocket connection lifecycle, per-frame
// re-authentication, encrypted broadcast and private-message fan-out, and
// the session registry.
//
// The implementation is organized into specialized files for configuration,
// the hub, sessions, the auth gate, command dispatch, clients, routing, and
// HTTP handlers to keep the codebase maintainable and testable as the
// project grows.
package server
