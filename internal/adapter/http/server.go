package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/crime-grid-engine/internal/aggregate"
	"github.com/couchcryptid/crime-grid-engine/internal/domain"
	"github.com/couchcryptid/crime-grid-engine/internal/forecast"
)

// Engine is the query surface the API serves.
type Engine interface {
	Precision() int
	Assign(lat, lon float64, precision int) (domain.Cell, error)
	Cell(cellID string) (domain.Cell, error)
	Adjacent(cellID string) ([]string, error)
	Phase(ctx context.Context, cellID string) (aggregate.Phase, error)
	Aggregates(ctx context.Context, cellID string, from, to time.Time) ([]domain.AggregateBucket, error)
	Forecast(ctx context.Context, cellID string, days int, from time.Time) ([]domain.ForecastPoint, error)
	Profile(ctx context.Context, cellID string, from time.Time) (forecast.Profile, error)
	Nearby(ctx context.Context, lat, lon float64, precision, ringDepth int) ([]domain.NeighborResult, error)
}

// Server exposes health, readiness, metrics and the grid query API.
type Server struct {
	httpServer *http.Server
	engine     Engine
	logger     *slog.Logger
}

// NewServer creates an HTTP server with /healthz, /readyz, /metrics and the
// /v1 routes.
func NewServer(addr string, ready sharedobs.ReadinessChecker, engine Engine, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		engine: engine,
		logger: logger,
	}

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(ready))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /v1/cells", s.handleAssign)
	mux.HandleFunc("GET /v1/cells/{id}", s.handleCell)
	mux.HandleFunc("GET /v1/cells/{id}/neighbors", s.handleNeighbors)
	mux.HandleFunc("GET /v1/cells/{id}/aggregates", s.handleAggregates)
	mux.HandleFunc("GET /v1/cells/{id}/forecast", s.handleForecast)
	mux.HandleFunc("GET /v1/cells/{id}/profile", s.handleProfile)
	mux.HandleFunc("GET /v1/nearby", s.handleNearby)

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	q := queryParams{r: r}
	lat := q.float("lat")
	lon := q.float("lon")
	precision := q.intOr("precision", s.engine.Precision())
	if q.err != nil {
		s.writeError(w, r, q.err)
		return
	}
	cell, err := s.engine.Assign(lat, lon, precision)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, cell)
}

type cellResponse struct {
	domain.Cell
	Phase aggregate.Phase `json:"phase"`
}

func (s *Server) handleCell(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cell, err := s.engine.Cell(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	phase, err := s.engine.Phase(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, cellResponse{Cell: cell, Phase: phase})
}

func (s *Server) handleNeighbors(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	neighbors, err := s.engine.Adjacent(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, map[string]any{"cell_id": id, "neighbors": neighbors})
}

func (s *Server) handleAggregates(w http.ResponseWriter, r *http.Request) {
	q := queryParams{r: r}
	from := q.date("from")
	to := q.date("to")
	if q.err != nil {
		s.writeError(w, r, q.err)
		return
	}
	buckets, err := s.engine.Aggregates(r.Context(), r.PathValue("id"), from, to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if buckets == nil {
		buckets = []domain.AggregateBucket{}
	}
	sharedobs.WriteJSON(w, http.StatusOK, buckets)
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	q := queryParams{r: r}
	days := q.intOr("days", 7)
	from := q.date("from")
	if q.err != nil {
		s.writeError(w, r, q.err)
		return
	}
	points, err := s.engine.Forecast(r.Context(), r.PathValue("id"), days, from)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, points)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	q := queryParams{r: r}
	from := q.date("from")
	if q.err != nil {
		s.writeError(w, r, q.err)
		return
	}
	profile, err := s.engine.Profile(r.Context(), r.PathValue("id"), from)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, profile)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := queryParams{r: r}
	lat := q.float("lat")
	lon := q.float("lon")
	precision := q.intOr("precision", s.engine.Precision())
	depth := q.intOr("ring_depth", 1)
	if q.err != nil {
		s.writeError(w, r, q.err)
		return
	}
	results, err := s.engine.Nearby(r.Context(), lat, lon, precision, depth)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if results == nil {
		results = []domain.NeighborResult{}
	}
	sharedobs.WriteJSON(w, http.StatusOK, results)
}

// statusFor maps the engine's error kinds onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrOutOfBounds), errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrStore):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "status", status, "error", err)
	}
	sharedobs.WriteJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  domain.ErrorKind(err),
	})
}

// queryParams parses query values, keeping the first failure.
type queryParams struct {
	r   *http.Request
	err error
}

func (q *queryParams) float(name string) float64 {
	v := q.r.URL.Query().Get(name)
	if q.err != nil {
		return 0
	}
	if v == "" {
		q.err = domain.InvalidArgument("query parameter %s is required", name)
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		q.err = domain.InvalidArgument("query parameter %s=%q is not a number", name, v)
	}
	return f
}

func (q *queryParams) intOr(name string, def int) int {
	v := q.r.URL.Query().Get(name)
	if q.err != nil || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		q.err = domain.InvalidArgument("query parameter %s=%q is not an integer", name, v)
	}
	return n
}

func (q *queryParams) date(name string) time.Time {
	v := q.r.URL.Query().Get(name)
	if q.err != nil || v == "" {
		return time.Time{}
	}
	d, err := domain.ParseDate(v)
	if err != nil {
		q.err = err
	}
	return d
}
