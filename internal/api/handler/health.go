package handler

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/Rrens/collab-sessions/internal/api/response"
)

// Pinger is a dependency that can report its connectivity
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthCheck returns a simple health check response
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	response.OK(w, map[string]string{
		"status": "ok",
	})
}

// ReadyCheck returns readiness status including every dependency's connectivity
func ReadyCheck(checks map[string]Pinger) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		var failing []string
		for _, name := range names {
			if err := checks[name].Ping(ctx); err != nil {
				failing = append(failing, name)
			}
		}

		if len(failing) > 0 {
			response.ServiceUnavailable(w, map[string]any{
				"status":    "not ready",
				"unhealthy": failing,
			})
			return
		}

		response.OK(w, map[string]string{
			"status": "ready",
		})
	}
}
