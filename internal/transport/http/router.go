// Package httptransport assembles the HTTP surface: middleware chain,
// health and metrics endpoints, and the matching routes.
package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	jwttoken "kanver/internal/jwt_token"
	"kanver/internal/matching/handler"
	"kanver/internal/platform/middleware"
)

const requestTimeout = 30 * time.Second

// Deps are the router's dependencies.
type Deps struct {
	Matching  *handler.Handler
	Validator middleware.JWTValidator
	Logger    *slog.Logger
	Health    func() error
}

// NewRouter builds the full route tree. Everything under the
// authenticated group requires a valid bearer token; the verify endpoint
// additionally requires hospital staff.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recovery(d.Logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(d.Logger))
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/healthz", handleHealth(d.Health))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth(d.Validator, d.Logger))
		d.Matching.Register(r)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(d.Logger, jwttoken.RoleNurse, jwttoken.RoleAdmin))
			d.Matching.RegisterVerify(r)
		})
	})

	return r
}

func handleHealth(check func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if check != nil {
			if err := check(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"degraded"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}
