// Package server wires the HTTP handlers into a ServeMux.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures and returns an HTTP ServeMux with all application
// routes: health check, WebSocket endpoint, the credential endpoints, and
// metrics when a gatherer is configured.
func SetupRoutes(api *API) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", api.Health)
	mux.HandleFunc("/ws", api.WebSocket)
	mux.HandleFunc("/register", api.Register)
	mux.HandleFunc("/login", api.Login)
	mux.HandleFunc("/verify", api.Verify)
	if api.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(api.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}
