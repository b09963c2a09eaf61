package api

import "github.com/workzone/hostgate/internal/core/domain"

// =============================================================================
// Request Types
// =============================================================================

// RegisterDomainRequest is the JSON body for registering a domain.
type RegisterDomainRequest struct {
	Domain string `json:"domain"`
}

// =============================================================================
// Response Types
// =============================================================================

// WelcomeResponse is returned from the root path.
type WelcomeResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Message string `json:"message"`
}

// HealthResponse is the response for health checks.
type HealthResponse struct {
	Status string `json:"status"`
}

// RegistrationListResponse is the response for listing registrations.
type RegistrationListResponse struct {
	Data []domain.Registration `json:"data"`
	Meta ListMeta              `json:"meta"`
}

// ListMeta carries the pagination that produced a list.
type ListMeta struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Errors []ErrorObject `json:"errors"`
	Reason string        `json:"reason"`
}

// ErrorObject describes one error.
type ErrorObject struct {
	Status string `json:"status"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}
