// internal/handlers/router.go
package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jason-s-yu/yamato/internal/database"
	"github.com/jason-s-yu/yamato/internal/game"
	"github.com/jason-s-yu/yamato/internal/lobby"
	"github.com/jason-s-yu/yamato/internal/metrics"
	"github.com/jason-s-yu/yamato/internal/middleware"
	"github.com/jason-s-yu/yamato/internal/realtime"
	"github.com/sirupsen/logrus"
)

// Deps is everything the HTTP layer needs.
type Deps struct {
	Logger   *logrus.Logger
	Store    database.Store
	Lobbies  *lobby.Manager
	Tracker  *game.Tracker
	Hub      *realtime.Hub
	Notifier realtime.Notifier

	// AllowedOrigins restricts CORS and websocket origins. Empty allows any http(s) origin.
	AllowedOrigins []string

	// PingInterval and PingTimeout set websocket keepalive. Zero means the defaults.
	PingInterval time.Duration
	PingTimeout  time.Duration
}

// NewRouter mounts the REST, websocket and metrics endpoints.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.LogMiddleware(d.Logger))
	r.Use(chimw.Recoverer)

	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", HealthHandler)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/character-classes", CharacterClassesHandler)

		r.Post("/lobbies", CreateLobbyHandler(d))
		r.Route("/lobbies/{code}", func(r chi.Router) {
			r.Get("/", GetLobbyHandler(d))
			r.Post("/join", JoinLobbyHandler(d))
			r.Post("/start", StartGameHandler(d))
			r.Get("/ws", LobbyWSHandler(d))
		})

		r.Route("/game/{lobbyId}", func(r chi.Router) {
			r.Post("/action", SubmitActionHandler(d))
			r.Post("/end-turn", EndTurnHandler(d))
			r.Get("/state", GameStateHandler(d))
		})
	})
	return r
}

// HealthHandler is a liveness check.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "Fantasy Japan RPG Server is running!",
	})
}
