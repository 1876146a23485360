// Package httphandler serves the license protocol over HTTP. The routes under
// /api/licenses mirror the panel protocol, so a licensegate node can be used
// as another node's panel.
package httphandler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ericfisherdev/licensegate/internal/adapter/wire"
	"github.com/ericfisherdev/licensegate/internal/application"
)

// maxBodyBytes bounds request bodies on the license routes.
const maxBodyBytes = 64 << 10

// Handler is the HTTP driving adapter for the license service.
type Handler struct {
	svc      *application.LicenseService
	validate *validator.Validate
	metrics  *Metrics
	logger   *slog.Logger
}

// NewHandler creates a Handler. metrics may be nil.
func NewHandler(svc *application.LicenseService, metrics *Metrics, logger *slog.Logger) *Handler {
	return &Handler{
		svc:      svc,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		metrics:  metrics,
		logger:   logger,
	}
}

// ServerConfig holds the HTTP-level protections for the license routes.
type ServerConfig struct {
	// APIToken enables header authentication on /api/licenses when set.
	APIToken         string
	AuthHeaderName   string
	AuthHeaderPrefix string

	// RateLimitRPS enables token-bucket limiting on /api/licenses when > 0.
	RateLimitRPS   float64
	RateLimitBurst int
}

// NewServeMux creates an http.Handler with all routes registered. License
// routes sit behind authentication and rate limiting; every route is wrapped
// with request ID, logging, and recovery middleware. gatherer may be nil to
// omit /metrics.
func NewServeMux(h *Handler, cfg ServerConfig, gatherer prometheus.Gatherer, logger *slog.Logger) http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/licenses/validate", h.instrument("validate", h.Validate))
	api.HandleFunc("POST /api/licenses/issue", h.instrument("issue", h.Issue))
	api.HandleFunc("POST /api/licenses/revoke", h.instrument("revoke", h.Revoke))
	api.HandleFunc("POST /api/licenses/get", h.instrument("get", h.Get))

	var protected http.Handler = api
	if cfg.RateLimitRPS > 0 {
		protected = newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, logger).middleware(protected)
	}
	if cfg.APIToken != "" {
		protected = authMiddleware(cfg.AuthHeaderName, cfg.AuthHeaderPrefix+cfg.APIToken, logger, protected)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/licenses/", protected)
	mux.HandleFunc("GET /api/v1/health", h.Health)
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = loggingMiddleware(logger, wrapped)
	wrapped = requestIDMiddleware(wrapped)

	return wrapped
}

// Validate validates a key for a plugin.
func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	var req wire.ValidateRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, record := h.svc.ValidateRecord(r.Context(), req.PluginID, req.Key)
	h.metrics.observeValidation(result)

	resp := wire.ValidateResponse{Result: string(result)}
	if record != nil {
		resp.License = wire.FromModel(*record)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Issue issues a new license and returns it with 201 Created.
func (h *Handler) Issue(w http.ResponseWriter, r *http.Request) {
	var req wire.IssueRequest
	if !h.decode(w, r, &req) {
		return
	}

	license := h.svc.Issue(r.Context(), req.PluginID, req.Owner, req.ValidDays)
	writeJSON(w, http.StatusCreated, wire.LicenseResponse{License: wire.FromModel(license)})
}

// Revoke revokes a license. Success reports whether anything was revoked.
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	var req wire.KeyRequest
	if !h.decode(w, r, &req) {
		return
	}

	writeJSON(w, http.StatusOK, wire.RevokeResponse{Success: h.svc.Revoke(r.Context(), req.Key)})
}

// Get returns the license record for a key, or 404.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	var req wire.KeyRequest
	if !h.decode(w, r, &req) {
		return
	}

	license := h.svc.Get(r.Context(), req.Key)
	if license == nil {
		writeError(w, http.StatusNotFound, "license not found")
		return
	}
	writeJSON(w, http.StatusOK, wire.LicenseResponse{License: wire.FromModel(*license)})
}

// Health returns a simple health check response.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Mode:   string(h.svc.Mode()),
		Remote: h.svc.RemoteEnabled(),
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}

// decode reads and validates a JSON request body, writing a 400 response and
// returning false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, "request body is required")
		default:
			writeError(w, http.StatusBadRequest, "invalid JSON body")
		}
		return false
	}

	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

// instrument counts requests per route and status.
func (h *Handler) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	if h.metrics == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r)
		h.metrics.observeRequest(route, sw.status)
	}
}
