package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/hive-corporation/intelcommons/internal/adapter/exporter"
	"github.com/hive-corporation/intelcommons/internal/core/domain"
)

// OrganizationHeader identifies the calling organization. Authenticating
// that claim is the deployment's job.
const OrganizationHeader = "X-Organization-ID"

const maxBodyBytes = 1 << 20

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

type namedCheck struct {
	name  string
	check HealthCheck
}

type RestHandler struct {
	engine       SharingEngine
	cefExporter  *exporter.CEFExporter
	stixExporter *exporter.STIXExporter
	checks       []namedCheck
	timeout      time.Duration
	now          func() time.Time
	logger       zerolog.Logger
}

func NewRestHandler(engine SharingEngine, logger zerolog.Logger) *RestHandler {
	return &RestHandler{
		engine:       engine,
		cefExporter:  exporter.NewCEFExporter(engine),
		stixExporter: exporter.NewSTIXExporter(engine),
		timeout:      10 * time.Second,
		now:          time.Now,
		logger:       logger,
	}
}

// Register mounts the API routes on r.
func (h *RestHandler) Register(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	api.HandleFunc("/indicators", h.ShareIndicator).Methods(http.MethodPost)
	api.HandleFunc("/indicators/query", h.QueryIOC).Methods(http.MethodPost)
	api.HandleFunc("/feed", h.GetThreatFeed).Methods(http.MethodGet)
	api.HandleFunc("/feed/export", h.ExportFeed).Methods(http.MethodGet)
	api.HandleFunc("/stats", h.GetNetworkStats).Methods(http.MethodGet)
}

// AddHealthCheck registers a dependency reported by the health endpoint.
func (h *RestHandler) AddHealthCheck(name string, check HealthCheck) {
	h.checks = append(h.checks, namedCheck{name: name, check: check})
}

// Health check endpoint. Any failing dependency turns the answer into 503.
func (h *RestHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "healthy", http.StatusOK
	components := make(map[string]string, len(h.checks))
	for _, c := range h.checks {
		if err := c.check(ctx); err != nil {
			h.logger.Warn().Err(err).Str("component", c.name).Msg("health check failed")
			components[c.name] = "unavailable"
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		components[c.name] = "ok"
	}

	response := map[string]interface{}{
		"status":    status,
		"timestamp": h.now().UTC().Format(time.RFC3339),
		"service":   "intelcommons-api",
	}
	if len(components) > 0 {
		response["components"] = components
	}
	h.writeJSON(w, code, response)
}

func (h *RestHandler) ShareIndicator(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.organization(w, r)
	if !ok {
		return
	}

	var req domain.ShareRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	res, err := h.engine.ShareIndicator(ctx, orgID, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *RestHandler) QueryIOC(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.organization(w, r)
	if !ok {
		return
	}

	var req QueryRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	ind, err := h.engine.QueryIOC(ctx, orgID, req.Value, req.IOCType)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ind)
}

func (h *RestHandler) GetThreatFeed(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.organization(w, r)
	if !ok {
		return
	}
	filter, err := h.parseFilter(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	items, err := h.engine.GetThreatFeed(ctx, orgID, filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":      len(items),
		"indicators": items,
	})
}

// ExportFeed renders the feed as CEF or STIX for SIEM ingestion.
func (h *RestHandler) ExportFeed(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.organization(w, r)
	if !ok {
		return
	}
	filter, err := h.parseFilter(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*h.timeout)
	defer cancel()

	var (
		data        string
		contentType string
	)
	switch format := r.URL.Query().Get("format"); format {
	case "cef":
		data, err = h.cefExporter.Export(ctx, orgID, filter)
		contentType = "text/plain; charset=utf-8"
	case "stix", "":
		data, err = h.stixExporter.Export(ctx, orgID, filter)
		contentType = "application/json; charset=utf-8"
	default:
		h.writeError(w, http.StatusBadRequest, "unsupported format (use 'cef' or 'stix')")
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(data)); err != nil {
		h.logger.Warn().Err(err).Msg("error writing feed export response")
	}
}

func (h *RestHandler) GetNetworkStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	st, err := h.engine.GetNetworkStats(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

func (h *RestHandler) organization(w http.ResponseWriter, r *http.Request) (string, bool) {
	org := strings.TrimSpace(r.Header.Get(OrganizationHeader))
	if org == "" {
		h.writeError(w, http.StatusBadRequest, "missing "+OrganizationHeader+" header")
		return "", false
	}
	return org, true
}

func (h *RestHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return false
	}
	return true
}

// parseFilter reads feed filters from the query string. since accepts a
// duration relative to now ("24h") or an RFC 3339 timestamp.
func (h *RestHandler) parseFilter(r *http.Request) (domain.FeedFilter, error) {
	q := r.URL.Query()
	f := domain.FeedFilter{
		Severity: domain.Severity(q.Get("severity")),
		Category: domain.ThreatCategory(q.Get("threat_category")),
		IOCType:  domain.IOCType(q.Get("ioc_type")),
	}

	if v := q.Get("min_confidence"); v != "" {
		c, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return f, domain.NewValidationError("min_confidence", "not a number")
		}
		f.MinConfidence = c
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, domain.NewValidationError("limit", "not an integer")
		}
		f.Limit = n
	}
	if v := q.Get("since"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			f.Since = h.now().Add(-d)
		} else if ts, err := time.Parse(time.RFC3339, v); err == nil {
			f.Since = ts
		} else {
			return f, domain.NewValidationError("since", "use a duration like '24h' or an RFC 3339 timestamp")
		}
	}
	return f, nil
}

func (h *RestHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := httpStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).
			Str("path", r.URL.Path).
			Str("request_id", RequestID(r.Context())).
			Msg("request failed")
	}
	h.writeError(w, status, msg)
}

func (h *RestHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn().Err(err).Msg("error encoding JSON response")
	}
}

func (h *RestHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
