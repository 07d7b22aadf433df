package api

import (
	"net/http"

	"plume-collab/internal/middleware"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// RouterOptions configures SetupRoutes. Relay and Gatherer are optional.
type RouterOptions struct {
	CORSOrigin string
	Relay      RoomConnector
	Gatherer   prometheus.Gatherer
	Logger     zerolog.Logger
}

// SetupRoutes builds the API and relay router. CORS wraps the router itself so
// preflight requests are answered before route matching.
func SetupRoutes(h *Handler, opts RouterOptions) http.Handler {
	r := mux.NewRouter()

	// Tracing first, then recovery.
	r.Use(middleware.Tracing(opts.Logger))
	r.Use(middleware.ErrorRecovery(opts.Logger))

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	// Relay rooms
	api.HandleFunc("/rooms/{room}/sessions", h.ListRoomSessions).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{room}/sessions", h.DisconnectRoom).Methods(http.MethodDelete)

	// Scene content
	api.HandleFunc("/scenes/{id}/content", h.GetSceneContent).Methods(http.MethodGet)
	api.HandleFunc("/scenes/{id}/content", h.SaveSceneContent).Methods(http.MethodPut)

	// Version history
	api.HandleFunc("/scenes/{id}/versions", h.ListVersions).Methods(http.MethodGet)
	api.HandleFunc("/scenes/{id}/versions", h.CreateVersion).Methods(http.MethodPost)
	api.HandleFunc("/versions/{id}", h.DeleteVersion).Methods(http.MethodDelete)
	api.HandleFunc("/versions/{id}/restore", h.RestoreVersion).Methods(http.MethodPost)

	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	if opts.Relay != nil {
		r.HandleFunc("/ws/room/{room}", roomWebSocket(opts.Relay))
	}

	return middleware.CORS(opts.CORSOrigin)(r)
}
