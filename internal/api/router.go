// Package api provides the top-level HTTP route table for the service,
// mounting C12's gateway handlers (internal/gateway) alongside the health
// check.
package api

import (
	"net/http"

	"marketsynth/internal/gateway"
)

// NewRouter sets up HTTP routes for the API server. gw may be nil (e.g. a
// build that only serves health checks), in which case the /analyze,
// /market/*, /mapping/* and /ws/stream routes are simply absent.
func NewRouter(gw *gateway.Gateway) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	if gw != nil {
		gwMux := gw.Mux()
		mux.Handle("/analyze", gwMux)
		mux.Handle("/market/", gwMux)
		mux.Handle("/mapping/", gwMux)
		mux.Handle("/ws/stream", gwMux)
	}

	return mux
}
