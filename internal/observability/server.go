package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/bakkot/transcribe-to-gdocs/internal/journal"
	"github.com/bakkot/transcribe-to-gdocs/internal/service/session"
)

// StatusProvider reports the session controller state.
type StatusProvider interface {
	Status() session.Status
}

// TranscriptReader returns the journal tail.
type TranscriptReader interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
}

// NewRouter constructs the HTTP router for metrics, health and status.
// transcript may be nil, in which case the transcript route reports 404.
func NewRouter(gatherer prometheus.Gatherer, status StatusProvider, transcript TranscriptReader) http.Handler {
	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// Health endpoints
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	// Ready once a recognition session is open.
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if status.Status().State != session.StateActive.String() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, status.Status())
		})
		r.Get("/transcript/recent", func(w http.ResponseWriter, req *http.Request) {
			if transcript == nil {
				http.NotFound(w, req)
				return
			}
			limit := 50
			if v := req.URL.Query().Get("limit"); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil || n <= 0 {
					http.Error(w, "invalid limit", http.StatusBadRequest)
					return
				}
				limit = n
			}
			entries, err := transcript.Recent(req.Context(), limit)
			if err != nil {
				log.Error().Err(err).Msg("Failed to read transcript journal")
				http.Error(w, "journal unavailable", http.StatusInternalServerError)
				return
			}
			if entries == nil {
				entries = []journal.Entry{}
			}
			writeJSON(w, http.StatusOK, entries)
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}

// Server provides HTTP endpoints for observability.
type Server struct {
	server *http.Server
	addr   string
}

// NewServer creates a new observability HTTP server.
func NewServer(addr string, handler http.Handler) *Server {
	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Run serves until ctx is cancelled. A listen failure is logged and does not
// stop the process.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.addr).Msg("Starting observability HTTP server")
		errc <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Observability HTTP server error")
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down observability HTTP server")
	return s.server.Shutdown(ctx)
}
