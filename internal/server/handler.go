package server

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
)

// Handler serves the WebSocket upgrade endpoint and the HTTP side routes.
type Handler struct {
	hub *Hub
}

func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// HandleGameConnection upgrades a client connection into a game room.
func (h *Handler) HandleGameConnection(w http.ResponseWriter, r *http.Request) {
	gameIDStr := r.URL.Query().Get("game_id")
	if gameIDStr == "" {
		http.Error(w, "game_id is required", http.StatusBadRequest)
		return
	}

	gameID, err := uuid.Parse(gameIDStr)
	if err != nil {
		http.Error(w, "invalid game_id format", http.StatusBadRequest)
		return
	}

	if err := h.hub.UpgradeConnection(w, r, gameID); err != nil {
		log.Error().
			Err(err).
			Str("game_id", gameID.String()).
			Msg("failed to upgrade WebSocket connection")
		http.Error(w, "failed to upgrade connection", http.StatusInternalServerError)
		return
	}
}

// HandleStats returns connection statistics.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	total, games := h.hub.Stats()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"total_connections":%d,"active_games":%d}`, total, games)
}

// Routes builds the full HTTP handler: WebSocket endpoint, stats, metrics,
// all wrapped with CORS.
func (h *Handler) Routes(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/game", h.HandleGameConnection)
	mux.HandleFunc("/ws/stats", h.HandleStats)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}).Handler(mux)
}
