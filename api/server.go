// Package api serves stored items to downstream processors over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pevans/newsharvest/newsfeed"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
)

// ItemStore is the part of the news store the API needs.
type ItemStore interface {
	Unprocessed(ctx context.Context) ([]newsfeed.Row, error)
	UpdateStatus(ctx context.Context, links []string, status newsfeed.Status) (int64, error)
}

// Server represents the HTTP API server.
type Server struct {
	store    ItemStore
	ranks    map[string]int
	logger   *slog.Logger
	gatherer prometheus.Gatherer
}

// NewServer creates a server over store. A nil gatherer disables /metrics.
func NewServer(store ItemStore, logger *slog.Logger, gatherer prometheus.Gatherer) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: store, logger: logger, gatherer: gatherer}
}

// WithTierRanks sets the source ranks used to pick cluster representatives.
func (s *Server) WithTierRanks(ranks map[string]int) *Server {
	s.ranks = ranks
	return s
}

// Router configures the routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1/items", func(r chi.Router) {
		r.Get("/pending", s.HandleListPending)
		r.Post("/status", s.HandleUpdateStatus)
	})

	return r
}

// ListItemsResponse represents the response for GET /api/v1/items/pending.
type ListItemsResponse struct {
	Items  []newsfeed.Row `json:"items"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// UpdateStatusRequest is the body of POST /api/v1/items/status.
type UpdateStatusRequest struct {
	Links  []string `json:"links"`
	Status *int     `json:"status"`
}

// UpdateStatusResponse reports how many rows changed.
type UpdateStatusResponse struct {
	Updated int64 `json:"updated"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error code and message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HandleListPending handles GET /api/v1/items/pending. Items are newest
// first and can be filtered by source and paginated. With clusters=true
// only one representative per cluster is listed.
func (s *Server) HandleListPending(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseIntParam(w, r, "limit", defaultLimit, 1)
	if !ok {
		return
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	offset, ok := parseIntParam(w, r, "offset", 0, 0)
	if !ok {
		return
	}
	clusters := false
	if raw := r.URL.Query().Get("clusters"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_parameter", "Invalid clusters parameter")
			return
		}
		clusters = v
	}

	rows, err := s.store.Unprocessed(r.Context())
	if err != nil {
		s.logger.Error("failed to list pending items", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list items")
		return
	}

	if source := r.URL.Query().Get("source"); source != "" {
		filtered := rows[:0]
		for _, row := range rows {
			if strings.EqualFold(row.SourceID, source) {
				filtered = append(filtered, row)
			}
		}
		rows = filtered
	}
	if clusters {
		rows = newsfeed.Representatives(rows, s.ranks)
	}

	total := len(rows)
	writeJSON(w, http.StatusOK, ListItemsResponse{
		Items:  paginate(rows, offset, limit),
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// HandleUpdateStatus handles POST /api/v1/items/status. The status is
// applied to every row sharing a cluster with one of the links.
func (s *Server) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Request body must be JSON")
		return
	}
	if len(req.Links) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "links must not be empty")
		return
	}
	if req.Status == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "status is required")
		return
	}

	n, err := s.store.UpdateStatus(r.Context(), req.Links, newsfeed.Status(*req.Status))
	if errors.Is(err, newsfeed.ErrNoRowsMatched) {
		writeError(w, http.StatusNotFound, "not_found", "No stored item matches the given links")
		return
	}
	if err != nil {
		s.logger.Error("failed to update status", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to update status")
		return
	}

	writeJSON(w, http.StatusOK, UpdateStatusResponse{Updated: n})
}

func parseIntParam(w http.ResponseWriter, r *http.Request, name string, def, lowest int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < lowest {
		writeError(w, http.StatusBadRequest, "invalid_parameter", "Invalid "+name+" parameter")
		return 0, false
	}
	return v, true
}

// paginate returns the page of rows at offset.
func paginate(rows []newsfeed.Row, offset, limit int) []newsfeed.Row {
	if offset >= len(rows) {
		return []newsfeed.Row{}
	}
	end := offset + limit
	if end > len(rows) {
		end = len(rows)
	}
	return rows[offset:end]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}
