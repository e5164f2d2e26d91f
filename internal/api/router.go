// Package api exposes the round engine over HTTP.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/updown/round-engine/internal/jobs"
	"github.com/updown/round-engine/internal/metrics"
	"github.com/updown/round-engine/internal/notify"
	"github.com/updown/round-engine/internal/predict"
	"github.com/updown/round-engine/internal/store"
)

// SecretHeader carries the shared secret for admin routes.
const SecretHeader = "X-Cron-Secret"

// Deps are the services the router serves.
type Deps struct {
	Store      store.Store
	Predict    *predict.Service
	Runner     *jobs.Runner
	Hub        *notify.Hub // optional
	CronSecret string      // empty disables the admin check
	Logger     *slog.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	a := &admin{store: d.Store, runner: d.Runner, logger: d.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+predict.UserHeader)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"round-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if d.Hub != nil {
			r.Get("/ws", d.Hub.HandleWS)
		}

		// Short timeout for user-facing calls; batch jobs below can run long.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Post("/predict", d.Predict.HandleSubmit)
			r.Get("/predict/current", d.Predict.HandleCurrent)
			r.Get("/prices", a.prices)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(requireSecret(d.CronSecret))
			r.Post("/lock", a.lock)
			r.Post("/score", a.score)
			r.Post("/advance", a.advance)
			r.Put("/users/{userID}", a.upsertUser)
			r.Get("/users/{userID}", a.getUser)
			r.Post("/users/{userID}/points", a.addPoints)
		})
	})
	return r
}

// requireSecret rejects requests whose secret header does not match. An
// empty secret leaves the routes open, for local development.
func requireSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret != "" {
				got := r.Header.Get(SecretHeader)
				if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
					writeError(w, "unauthorized", http.StatusUnauthorized)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
