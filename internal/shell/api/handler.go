// Package api provides HTTP handlers for the hostgate API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/workzone/hostgate/internal/core/domain"
	"github.com/workzone/hostgate/internal/shell/api/openapi"
	"github.com/workzone/hostgate/internal/shell/caddy"
	"github.com/workzone/hostgate/internal/shell/registration"
	"github.com/workzone/hostgate/internal/shell/store"
)

// maxBodyBytes caps request bodies; a domain name is at most 253 bytes.
const maxBodyBytes = 4096

// Registrations is the orchestrator surface the handlers drive.
type Registrations interface {
	Register(ctx context.Context, raw string) (registration.Outcome, error)
	Status(ctx context.Context, raw string) (registration.Outcome, error)
	Cancel(ctx context.Context, raw string) error
	Remove(ctx context.Context, raw string) error
	List(ctx context.Context, opts store.ListOptions) ([]domain.Registration, error)
}

// =============================================================================
// Handler
// =============================================================================

// Handler provides HTTP handlers for the API.
type Handler struct {
	registrations Registrations
	openapi       *openapi.Generator
	logger        *slog.Logger
	version       string
}

// NewHandler creates a new API handler.
func NewHandler(r Registrations, l *slog.Logger, version string) *Handler {
	if l == nil {
		l = slog.Default()
	}
	if version == "" {
		version = "dev"
	}
	h := &Handler{
		registrations: r,
		openapi:       openapi.NewGenerator(openapi.WithVersion(version)),
		logger:        l.With("component", "api"),
		version:       version,
	}
	h.describe()
	return h
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.requestIDHeader)

	r.Get("/", h.handleWelcome)
	r.Get("/health", h.handleHealth)
	r.Get("/openapi.json", h.openapi.Handler())

	r.Route("/api/v1/domains", func(r chi.Router) {
		r.Post("/", h.handleRegisterDomain)
		r.Get("/", h.handleListDomains)
		r.Get("/{domain}", h.handleDomainStatus)
		r.Delete("/{domain}", h.handleRemoveDomain)
		r.Delete("/{domain}/challenge", h.handleCancelChallenge)
	})

	return r
}

// OpenAPI returns the generator behind /openapi.json.
func (h *Handler) OpenAPI() *openapi.Generator {
	return h.openapi
}

// =============================================================================
// Middleware
// =============================================================================

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Service Handlers
// =============================================================================

func (h *Handler) handleWelcome(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, WelcomeResponse{
		Name:    "hostgate",
		Version: h.version,
		Message: "POST a domain to /api/v1/domains to verify ownership and route it",
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// =============================================================================
// Domain Handlers
// =============================================================================

func (h *Handler) handleRegisterDomain(w http.ResponseWriter, r *http.Request) {
	raw, err := readDomain(w, r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	outcome, err := h.registrations.Register(r.Context(), raw)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	status := http.StatusOK
	if outcome.Status == registration.StatusPending {
		status = http.StatusAccepted
	}
	h.writeJSON(w, status, outcome)
}

func (h *Handler) handleDomainStatus(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.registrations.Status(r.Context(), chi.URLParam(r, "domain"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, outcome)
}

func (h *Handler) handleListDomains(w http.ResponseWriter, r *http.Request) {
	opts := store.DefaultListOptions()
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			opts.Limit = l
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil {
			opts.Offset = o
		}
	}
	opts = opts.Normalize()

	regs, err := h.registrations.List(r.Context(), opts)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if regs == nil {
		regs = []domain.Registration{}
	}
	h.writeJSON(w, http.StatusOK, RegistrationListResponse{
		Data: regs,
		Meta: ListMeta{Limit: opts.Limit, Offset: opts.Offset},
	})
}

func (h *Handler) handleCancelChallenge(w http.ResponseWriter, r *http.Request) {
	if err := h.registrations.Cancel(r.Context(), chi.URLParam(r, "domain")); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRemoveDomain(w http.ResponseWriter, r *http.Request) {
	if err := h.registrations.Remove(r.Context(), chi.URLParam(r, "domain")); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// Helpers
// =============================================================================

// readDomain accepts a JSON body or a form-encoded "domain" field.
func readDomain(w http.ResponseWriter, r *http.Request) (string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := r.ParseMultipartForm(maxBodyBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			return "", errors.New("invalid form body")
		}
		return r.FormValue("domain"), nil
	default:
		var req RegisterDomainRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return "", errors.New("invalid JSON")
		}
		return req.Domain, nil
	}
}

// writeDomainError maps orchestrator errors to HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var proxyErr *caddy.ProxyError
	switch {
	case errors.Is(err, domain.ErrInvalidFormat):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, registration.ErrUnknownDomain):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &proxyErr):
		h.writeError(w, http.StatusBadGateway, err.Error())
	default:
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, ErrorResponse{
		Errors: []ErrorObject{{
			Status: strconv.Itoa(status),
			Title:  http.StatusText(status),
			Detail: message,
		}},
		Reason: message,
	})
}

// describe registers every route with the OpenAPI generator.
func (h *Handler) describe() {
	g := h.openapi
	g.AddEndpoint(openapi.Endpoint{
		Method: http.MethodGet, Path: "/", OperationID: "welcome", Summary: "Service banner", Tag: "Service",
		Responses: map[int]any{http.StatusOK: WelcomeResponse{}},
	})
	g.AddEndpoint(openapi.Endpoint{
		Method: http.MethodGet, Path: "/health", OperationID: "health", Summary: "Liveness check", Tag: "Service",
		Responses: map[int]any{http.StatusOK: HealthResponse{}},
	})
	g.AddEndpoint(openapi.Endpoint{
		Method: http.MethodPost, Path: "/api/v1/domains", OperationID: "registerDomain",
		Summary: "Verify ownership of a domain and route it", Tag: "Domains",
		Request: RegisterDomainRequest{}, FormField: "domain",
		Responses: map[int]any{
			http.StatusOK:                  registration.Outcome{},
			http.StatusAccepted:            registration.Outcome{},
			http.StatusBadRequest:          ErrorResponse{},
			http.StatusBadGateway:          ErrorResponse{},
			http.StatusInternalServerError: ErrorResponse{},
		},
	})
	g.AddEndpoint(openapi.Endpoint{
		Method: http.MethodGet, Path: "/api/v1/domains", OperationID: "listDomains",
		Summary: "List registered domains", Tag: "Domains",
		Responses: map[int]any{http.StatusOK: RegistrationListResponse{}},
	})
	g.AddEndpoint(openapi.Endpoint{
		Method: http.MethodGet, Path: "/api/v1/domains/{domain}", OperationID: "getDomainStatus",
		Summary: "Check registration status, re-checking a pending challenge", Tag: "Domains",
		Responses: map[int]any{
			http.StatusOK:         registration.Outcome{},
			http.StatusBadRequest: ErrorResponse{},
			http.StatusNotFound:   ErrorResponse{},
			http.StatusBadGateway: ErrorResponse{},
		},
	})
	g.AddEndpoint(openapi.Endpoint{
		Method: http.MethodDelete, Path: "/api/v1/domains/{domain}", OperationID: "removeDomain",
		Summary: "Remove the route and registration", Tag: "Domains",
		Responses: map[int]any{
			http.StatusNoContent:  nil,
			http.StatusBadRequest: ErrorResponse{},
			http.StatusBadGateway: ErrorResponse{},
		},
	})
	g.AddEndpoint(openapi.Endpoint{
		Method: http.MethodDelete, Path: "/api/v1/domains/{domain}/challenge", OperationID: "cancelChallenge",
		Summary: "Cancel a pending challenge and its poll", Tag: "Domains",
		Responses: map[int]any{
			http.StatusNoContent:  nil,
			http.StatusBadRequest: ErrorResponse{},
		},
	})
}
