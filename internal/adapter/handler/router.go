package handler

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const healthPath = "/api/v1/health"

// RouterConfig configures the status API router
type RouterConfig struct {
	// AuthToken protects every route except health. Empty disables auth.
	AuthToken string

	// Gatherer backs /metrics; nil means the default registry
	Gatherer prometheus.Gatherer
}

// NewRouter wires the status routes and middleware
func NewRouter(h *RestHandler, cfg RouterConfig, log zerolog.Logger) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc(healthPath, h.Health).Methods("GET")

	router.HandleFunc("/api/v1/state/stats", h.StateStats).Methods("GET")
	router.HandleFunc("/api/v1/state/alerts/{uid}", h.GetAlertState).Methods("GET")
	router.HandleFunc("/api/v1/triggers", h.ListTriggers).Methods("GET")

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")

	router.Use(loggingMiddleware(log))
	router.Use(authMiddleware(cfg.AuthToken, log))

	if cfg.AuthToken == "" {
		log.Warn().Msg("GATE_STATUS_TOKEN not set - status API auth disabled")
	}

	return router
}

func loggingMiddleware(log zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Dur("duration", time.Since(start)).
				Msg("request served")
		})
	}
}

func authMiddleware(token string, log zerolog.Logger) mux.MiddlewareFunc {
	expected := []byte("Bearer " + token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip auth for health check
			if token == "" || r.URL.Path == healthPath {
				next.ServeHTTP(w, r)
				return
			}

			if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), expected) != 1 {
				log.Warn().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("unauthorized status request")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
