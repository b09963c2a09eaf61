package caddy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/workzone/hostgate/internal/core/domain"
)

// maxSyncAttempts bounds the list/mutate rounds of one Register or Unregister.
// Each round applies a single change, so duplicates and concurrent writers
// are absorbed as long as they fit in the budget.
const maxSyncAttempts = 10

// ErrNotConverged is returned when the route list keeps changing underneath
// the registrar.
var ErrNotConverged = errors.New("route list did not converge")

// routeAPI is the subset of Client the registrar needs.
type routeAPI interface {
	ListRoutes(ctx context.Context) ([]Route, string, error)
	AppendRoute(ctx context.Context, route Route, etag string) error
	ReplaceRoute(ctx context.Context, index int, route Route, etag string) error
	DeleteRoute(ctx context.Context, index int, etag string) error
}

// RegistrarConfig holds the upstreams a registered host forwards to.
type RegistrarConfig struct {
	APIPath          string `mapstructure:"api_path" yaml:"api_path"`                   // e.g., "/api*"
	APIUpstream      string `mapstructure:"api_upstream" yaml:"api_upstream"`           // e.g., "localhost:8000"
	FrontendUpstream string `mapstructure:"frontend_upstream" yaml:"frontend_upstream"` // e.g., "localhost:3000"
}

// Registrar installs exactly one route per verified host.
type Registrar struct {
	client routeAPI
	config RegistrarConfig
	logger *slog.Logger

	// Route writes address entries by index, so they are serialized for the
	// whole list rather than per host.
	mu sync.Mutex
}

// NewRegistrar creates a new registrar.
func NewRegistrar(client *Client, cfg RegistrarConfig, logger *slog.Logger) *Registrar {
	return newRegistrar(client, cfg, logger)
}

func newRegistrar(client routeAPI, cfg RegistrarConfig, logger *slog.Logger) *Registrar {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.APIPath == "" {
		cfg.APIPath = "/api*"
	}
	return &Registrar{
		client: client,
		config: cfg,
		logger: logger.With("component", "route_registrar"),
	}
}

// Register installs the route for a verified result. If rules for the host
// already exist the first is replaced and the rest are deleted, so calling
// Register repeatedly leaves exactly one rule.
func (r *Registrar) Register(ctx context.Context, verified domain.Result) error {
	rule, err := domain.NewRouteRule(verified, domain.RouteTargets{
		APIPath:          r.config.APIPath,
		APIUpstream:      r.config.APIUpstream,
		FrontendUpstream: r.config.FrontendUpstream,
	})
	if err != nil {
		return err
	}
	desired := FromRule(rule)
	host := rule.Host

	r.mu.Lock()
	defer r.mu.Unlock()

	for attempt := 0; attempt < maxSyncAttempts; attempt++ {
		routes, etag, err := r.client.ListRoutes(ctx)
		if err != nil {
			return fmt.Errorf("list routes: %w", err)
		}
		matches := ownedIndexes(routes, host)

		switch {
		case len(matches) == 0:
			err = r.client.AppendRoute(ctx, desired, etag)
			if err == nil {
				r.logger.Info("route appended", "domain", host, "strategy", verified.Strategy)
				return nil
			}
		case !reflect.DeepEqual(routes[matches[0]], desired):
			err = r.client.ReplaceRoute(ctx, matches[0], desired, etag)
			if err == nil {
				r.logger.Info("route replaced", "domain", host, "index", matches[0])
				if len(matches) == 1 {
					return nil
				}
			}
		case len(matches) > 1:
			last := matches[len(matches)-1]
			err = r.client.DeleteRoute(ctx, last, etag)
			if err == nil {
				r.logger.Info("duplicate route removed", "domain", host, "index", last)
			}
		default:
			r.logger.Debug("route already installed", "domain", host)
			return nil
		}

		if err != nil && !isConflict(err) {
			return err
		}
	}
	return fmt.Errorf("register %s: %w", host, ErrNotConverged)
}

// Unregister removes every route installed for d.
func (r *Registrar) Unregister(ctx context.Context, d domain.Domain) error {
	host := d.String()

	r.mu.Lock()
	defer r.mu.Unlock()

	for attempt := 0; attempt < maxSyncAttempts; attempt++ {
		routes, etag, err := r.client.ListRoutes(ctx)
		if err != nil {
			return fmt.Errorf("list routes: %w", err)
		}
		matches := ownedIndexes(routes, host)
		if len(matches) == 0 {
			return nil
		}

		last := matches[len(matches)-1]
		if err := r.client.DeleteRoute(ctx, last, etag); err != nil {
			if isConflict(err) {
				continue
			}
			return err
		}
		r.logger.Info("route removed", "domain", host, "index", last)
	}
	return fmt.Errorf("unregister %s: %w", host, ErrNotConverged)
}

// Installed reports whether a route installed for d exists.
func (r *Registrar) Installed(ctx context.Context, d domain.Domain) (bool, error) {
	routes, _, err := r.client.ListRoutes(ctx)
	if err != nil {
		return false, fmt.Errorf("list routes: %w", err)
	}
	return len(ownedIndexes(routes, d.String())) > 0, nil
}

// ownedIndexes returns the positions of routes tagged for host. Operator
// routes that merely list host among their matchers are skipped.
func ownedIndexes(routes []Route, host string) []int {
	var idx []int
	for i, route := range routes {
		if route.Owns(host) {
			idx = append(idx, i)
		}
	}
	return idx
}
