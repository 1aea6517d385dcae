// Package server assembles the relay's HTTP surface: the REST API for
// accounts, encrypted chat history and trips, the /ws relay endpoint and
// the operational endpoints.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/gorilla/mux"
	"github.com/pliu/petbuddy/internal/auth"
	"github.com/pliu/petbuddy/internal/handlers"
	"github.com/pliu/petbuddy/internal/middleware"
	"github.com/pliu/petbuddy/internal/store"
	"github.com/pliu/petbuddy/internal/ws"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Deps struct {
	Store    store.Store
	DB       handlers.Pinger
	Issuer   *auth.Issuer
	Verifier *auth.Verifier
	Hub      *ws.Hub

	Logger      *slog.Logger
	CORSOrigins []string
	// RateLimit is requests per minute per client IP on /api.
	RateLimit int
}

func NewRouter(d Deps) http.Handler {
	authHandler := &handlers.AuthHandler{Store: d.Store, Issuer: d.Issuer, Logger: d.Logger}
	chatHandler := &handlers.ChatHandler{Store: d.Store, Logger: d.Logger}
	tripHandler := &handlers.TripHandler{Store: d.Store, Logger: d.Logger}
	healthHandler := &handlers.HealthHandler{DB: d.DB}
	requireAuth := middleware.AuthMiddleware(d.Verifier)

	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware)
	r.Use(middleware.MetricsMiddleware)

	r.HandleFunc("/healthz", healthHandler.Healthz).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	if d.RateLimit > 0 {
		api.Use(httprate.LimitByIP(d.RateLimit, time.Minute))
	}

	// Auth routes
	api.HandleFunc("/auth/signup", authHandler.Signup).Methods("POST")
	api.HandleFunc("/auth/login", authHandler.Login).Methods("POST")

	protected := api.NewRoute().Subrouter()
	protected.Use(requireAuth)

	protected.HandleFunc("/users/search", authHandler.SearchUsers).Methods("GET")

	// Chat routes
	protected.HandleFunc("/chat/send", chatHandler.Send).Methods("POST")
	protected.HandleFunc("/chat/{ticketId}", chatHandler.GetHistory).Methods("GET")

	// Trip routes
	protected.HandleFunc("/trips/{bookingId}", tripHandler.Get).Methods("GET")
	protected.HandleFunc("/trips/{bookingId}", tripHandler.Put).Methods("PUT")

	r.Handle("/ws", requireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		who, _ := middleware.ParticipantFrom(r.Context())
		ws.ServeWs(d.Hub, w, r, who)
	})))

	return cors.Handler(cors.Options{
		AllowedOrigins:   d.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	})(r)
}
