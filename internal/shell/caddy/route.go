package caddy

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/workzone/hostgate/internal/core/domain"
)

// =============================================================================
// Errors
// =============================================================================

// ProxyError is a failed call to the admin API. StatusCode is zero when the
// request never got a response.
type ProxyError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *ProxyError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *ProxyError) Unwrap() error {
	return e.Err
}

// isConflict reports whether err is a failed If-Match precondition.
func isConflict(err error) bool {
	var pe *ProxyError
	return errors.As(err, &pe) && pe.StatusCode == http.StatusPreconditionFailed
}

// =============================================================================
// Route Types
// =============================================================================

// Route is one entry of an HTTP server's route list. Only the fields this
// package writes are modeled; other matchers and handlers are ignored when
// reading.
type Route struct {
	ID       string    `json:"@id,omitempty"`
	Match    []Match   `json:"match,omitempty"`
	Handle   []Handler `json:"handle,omitempty"`
	Terminal bool      `json:"terminal,omitempty"`
}

// Match is a request matcher set.
type Match struct {
	Host []string `json:"host,omitempty"`
	Path []string `json:"path,omitempty"`
}

// Handler is a subroute or reverse_proxy handler.
type Handler struct {
	Handler   string     `json:"handler"`
	Routes    []Route    `json:"routes,omitempty"`
	Upstreams []Upstream `json:"upstreams,omitempty"`
}

// Upstream is a reverse_proxy backend.
type Upstream struct {
	Dial string `json:"dial"`
}

// FromRule renders rule as an admin API route: a host match wrapping a
// subroute that sends the API path to one upstream and everything else to
// the frontend.
func FromRule(rule domain.RouteRule) Route {
	return Route{
		ID:    RouteID(rule.Host),
		Match: []Match{{Host: []string{rule.Host}}},
		Handle: []Handler{{
			Handler: "subroute",
			Routes: []Route{
				{
					Match:  []Match{{Path: []string{rule.APIPath}}},
					Handle: []Handler{reverseProxy(rule.APIUpstream)},
				},
				{
					Handle: []Handler{reverseProxy(rule.FrontendUpstream)},
				},
			},
		}},
		Terminal: rule.Terminal,
	}
}

func reverseProxy(dial string) Handler {
	return Handler{Handler: "reverse_proxy", Upstreams: []Upstream{{Dial: dial}}}
}

// RouteID is the @id tag marking the route installed for host. Routes
// without it belong to the operator and are never rewritten or removed.
func RouteID(host string) string {
	return routeIDPrefix + strings.ToLower(host)
}

const routeIDPrefix = "hostgate-"

// Owns reports whether r is the route this package installed for host.
func (r Route) Owns(host string) bool {
	return r.ID == RouteID(host)
}

// MatchesHost reports whether any top-level matcher of r names host.
func (r Route) MatchesHost(host string) bool {
	for _, m := range r.Match {
		for _, h := range m.Host {
			if strings.EqualFold(h, host) {
				return true
			}
		}
	}
	return false
}
