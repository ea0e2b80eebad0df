// Package models picks the default model for turns that do not name one.
package models

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync/atomic"

	"github.com/haasonsaas/campusgate/internal/backend"
)

const (
	DefaultRuntimePattern   = `(?i)opencode`
	DefaultPreferredPattern = `(?i)sonnet`
)

// CatalogFunc fetches the runtime's provider catalog.
type CatalogFunc func(ctx context.Context) (*backend.ProviderCatalog, error)

// Config tunes default model selection.
type Config struct {
	// ProviderID, when set and present in the catalog, wins outright.
	ProviderID string
	// ModelID, when set and offered by the chosen provider, wins outright.
	ModelID string
	// RuntimePattern matches the runtime's own provider id.
	RuntimePattern string
	// PreferredPattern matches preferred model ids or names.
	PreferredPattern string
}

// Resolver memoizes the default model after the first successful lookup.
type Resolver struct {
	cfg       Config
	fetch     CatalogFunc
	runtime   *regexp.Regexp
	preferred *regexp.Regexp
	logger    *slog.Logger

	resolved atomic.Pointer[backend.ModelRef]
}

// NewResolver compiles the selection patterns.
func NewResolver(cfg Config, fetch CatalogFunc, logger *slog.Logger) (*Resolver, error) {
	if fetch == nil {
		return nil, fmt.Errorf("catalog func is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RuntimePattern == "" {
		cfg.RuntimePattern = DefaultRuntimePattern
	}
	if cfg.PreferredPattern == "" {
		cfg.PreferredPattern = DefaultPreferredPattern
	}
	runtime, err := regexp.Compile(cfg.RuntimePattern)
	if err != nil {
		return nil, fmt.Errorf("runtime pattern: %w", err)
	}
	preferred, err := regexp.Compile(cfg.PreferredPattern)
	if err != nil {
		return nil, fmt.Errorf("preferred pattern: %w", err)
	}
	return &Resolver{
		cfg:       cfg,
		fetch:     fetch,
		runtime:   runtime,
		preferred: preferred,
		logger:    logger.With("component", "model-resolver"),
	}, nil
}

// ResolveDefault returns the default model, or nil when none can be chosen.
// A nil result means "let the runtime choose". Lookup errors are logged and
// not memoized, so a later call retries.
func (r *Resolver) ResolveDefault(ctx context.Context) *backend.ModelRef {
	if ref := r.resolved.Load(); ref != nil {
		out := *ref
		return &out
	}
	catalog, err := r.fetch(ctx)
	if err != nil {
		r.logger.Warn("failed to fetch provider catalog", "error", err)
		return nil
	}
	ref := Select(catalog, r.cfg, r.runtime, r.preferred)
	if ref == nil {
		r.logger.Warn("provider catalog offered no usable model")
		return nil
	}
	if r.resolved.CompareAndSwap(nil, ref) {
		r.logger.Info("resolved default model", "provider", ref.ProviderID, "model", ref.ModelID)
	}
	out := *r.resolved.Load()
	return &out
}

// Cached returns the memoized model without fetching.
func (r *Resolver) Cached() *backend.ModelRef {
	ref := r.resolved.Load()
	if ref == nil {
		return nil
	}
	out := *ref
	return &out
}

// Select applies the selection order to a catalog.
func Select(catalog *backend.ProviderCatalog, cfg Config, runtime, preferred *regexp.Regexp) *backend.ModelRef {
	if catalog == nil || len(catalog.Providers) == 0 {
		return nil
	}
	provider := pickProvider(catalog.Providers, cfg.ProviderID, runtime)
	ids := modelIDs(provider)
	if len(ids) == 0 {
		return nil
	}
	model := pickModel(provider, ids, cfg.ModelID, preferred, catalog.Default[provider.ID])
	return &backend.ModelRef{ProviderID: provider.ID, ModelID: model}
}

func pickProvider(providers []backend.Provider, configured string, runtime *regexp.Regexp) backend.Provider {
	if configured != "" {
		for _, p := range providers {
			if p.ID == configured {
				return p
			}
		}
	}
	if runtime != nil {
		for _, p := range providers {
			if runtime.MatchString(p.ID) {
				return p
			}
		}
	}
	return providers[0]
}

// pickModel walks: configured id, preferred pattern, the provider's declared
// default, then the first id in sorted order. Among several preferred matches
// the lexically last wins, which favors newer version suffixes.
func pickModel(provider backend.Provider, ids []string, configured string, preferred *regexp.Regexp, declared string) string {
	if configured != "" {
		if _, ok := provider.Models[configured]; ok {
			return configured
		}
	}
	if preferred != nil {
		for i := len(ids) - 1; i >= 0; i-- {
			id := ids[i]
			if preferred.MatchString(id) || preferred.MatchString(provider.Models[id].Name) {
				return id
			}
		}
	}
	if declared != "" {
		if _, ok := provider.Models[declared]; ok {
			return declared
		}
	}
	return ids[0]
}

func modelIDs(p backend.Provider) []string {
	ids := make([]string, 0, len(p.Models))
	for id := range p.Models {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
