package router

import (
	"fmt"
	"strings"

	"github.com/pario-ai/genrelay/pkg/config"
)

// Route represents a resolved provider and model to try.
type Route struct {
	Provider config.ProviderConfig
	Model    string
}

// Router resolves requested model names to ordered provider+model chains.
type Router struct {
	providers []config.ProviderConfig
	index     map[string]config.ProviderConfig
	routes    map[string][]config.RouteTarget
}

// New creates a Router from the given configuration.
func New(cfg *config.Config) *Router {
	r := &Router{
		providers: cfg.Providers,
		index:     make(map[string]config.ProviderConfig, len(cfg.Providers)),
		routes:    make(map[string][]config.RouteTarget, len(cfg.Router.Routes)),
	}
	for _, p := range cfg.Providers {
		r.index[p.Name] = p
	}
	for _, route := range cfg.Router.Routes {
		r.routes[strings.ToLower(route.Model)] = route.Targets
	}
	return r
}

// Resolve returns an ordered list of routes for the requested model.
// If the model matches a configured alias, the alias targets are returned.
// Otherwise, the first provider is used with the requested model, or the
// provider's default model when none was requested.
func (r *Router) Resolve(requestedModel string) ([]Route, error) {
	if len(r.providers) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}

	if targets, ok := r.routes[strings.ToLower(requestedModel)]; ok {
		var routes []Route
		for _, target := range targets {
			provider, ok := r.index[target.Provider]
			if !ok {
				continue // skip unknown providers
			}
			model := target.Model
			if model == "" {
				model = requestedModel
			}
			if model == "" {
				model = provider.Model
			}
			routes = append(routes, Route{Provider: provider, Model: model})
		}
		if len(routes) == 0 {
			return nil, fmt.Errorf("route %q: all providers unknown", requestedModel)
		}
		return routes, nil
	}

	first := r.providers[0]
	model := requestedModel
	if model == "" {
		model = first.Model
	}
	if model == "" {
		return nil, fmt.Errorf("no model requested and provider %q has no default", first.Name)
	}
	return []Route{{Provider: first, Model: model}}, nil
}

// Primary returns the model of the first route for requestedModel.
func (r *Router) Primary(requestedModel string) (string, error) {
	routes, err := r.Resolve(requestedModel)
	if err != nil {
		return "", err
	}
	return routes[0].Model, nil
}
