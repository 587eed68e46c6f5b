package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 10 * time.Second

// HealthFunc reports why the process is unhealthy, nil when it is fine.
type HealthFunc func() error

// Router exposes /metrics and /healthz.
func Router(m *Metrics, health HealthFunc) http.Handler {
	r := chi.NewRouter()
	r.Get("/metrics", m.Handler().ServeHTTP)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"status": "ok"}
		status := http.StatusOK
		if health != nil {
			if err := health(); err != nil {
				body["status"] = "unhealthy"
				body["error"] = err.Error()
				status = http.StatusServiceUnavailable
			}
		}
		if t := m.LastTrigger(); !t.IsZero() {
			body["last_trigger"] = t.UTC().Format(time.RFC3339)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	})
	return r
}

// Serve runs handler on addr until ctx ends, then shuts down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("op", "metrics/server").Msgf("Serving metrics on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
