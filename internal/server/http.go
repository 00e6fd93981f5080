package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"derivledger/internal/observability"
	"derivledger/internal/query"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Server exposes the read-only query API over HTTP/JSON.
type Server struct {
	svc     *query.Service
	health  *observability.HealthChecker
	metrics *observability.Metrics
	log     zerolog.Logger
}

func New(svc *query.Service, health *observability.HealthChecker, metrics *observability.Metrics, log zerolog.Logger) *Server {
	return &Server{svc: svc, health: health, metrics: metrics, log: log}
}

// Router builds the chi router with all query endpoints mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.health.LivenessHandler)
	r.Get("/readyz", s.health.ReadinessHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/positions", s.handlePositions)
		r.Get("/pnl-records", s.handlePnLRecords)
		r.Get("/validation-log", s.handleValidationLog)
		r.Get("/runs/latest", s.handleLatestRun)
	})

	return r
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	q := r.URL.Query()

	liveOnly := q.Get("live") == "true"
	limit := parseLimit(q.Get("limit"))

	positions, err := s.svc.Positions(r.Context(), q.Get("trader"), q.Get("market"), liveOnly, limit)
	if err != nil {
		s.fail(w, "positions", err)
		return
	}
	if positions == nil {
		positions = []query.PositionView{}
	}

	s.ok(w, "positions", positions, start)
}

func (s *Server) handlePnLRecords(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	q := r.URL.Query()

	records, err := s.svc.PnLRecords(r.Context(), q.Get("position_id"), parseLimit(q.Get("limit")))
	if err != nil {
		s.fail(w, "pnl-records", err)
		return
	}
	if records == nil {
		records = []query.PnLRecordView{}
	}

	s.ok(w, "pnl-records", records, start)
}

func (s *Server) handleValidationLog(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	q := r.URL.Query()

	entries, err := s.svc.ValidationLog(r.Context(), q.Get("reason"), parseLimit(q.Get("limit")))
	if err != nil {
		s.fail(w, "validation-log", err)
		return
	}
	if entries == nil {
		entries = []query.ValidationEntryView{}
	}

	s.ok(w, "validation-log", entries, start)
}

func (s *Server) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	run, err := s.svc.LatestRun(r.Context())
	if err != nil {
		s.fail(w, "runs-latest", err)
		return
	}
	if run == nil {
		writeError(w, "no committed runs", http.StatusNotFound)
		s.observe("runs-latest", http.StatusNotFound, start)
		return
	}

	s.ok(w, "runs-latest", run, start)
}

func (s *Server) ok(w http.ResponseWriter, endpoint string, payload interface{}, start time.Time) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
	s.observe(endpoint, http.StatusOK, start)
}

func (s *Server) fail(w http.ResponseWriter, endpoint string, err error) {
	s.log.Error().Err(err).Str("endpoint", endpoint).Msg("query failed")
	writeError(w, "internal error", http.StatusInternalServerError)
	s.observe(endpoint, http.StatusInternalServerError, time.Now())
}

func (s *Server) observe(endpoint string, status int, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func parseLimit(raw string) int {
	if raw == "" {
		return defaultLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultLimit
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
