// Package resolver computes environment-specific deployment configuration
// for domains. Resolution is deterministic for a given descriptor and
// environment, and results are cached per {domain, environment} until a
// forced refresh.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wavedeploy/wavedeploy/pkg/engine"
)

// Default resolver settings.
const (
	DefaultURLScheme     = "https"
	DefaultHealthPath    = "/health"
	DefaultResolverLimit = 8
)

// Config configures the resolver for one environment.
type Config struct {
	// Environment is the target environment all resolutions use.
	Environment string `json:"environment" yaml:"environment" validate:"required,oneof=development staging production"`

	// URLScheme is the scheme for derived service URLs.
	URLScheme string `json:"url_scheme,omitempty" yaml:"url_scheme,omitempty"`

	// HealthPath is the path appended to the service URL for health probes.
	HealthPath string `json:"health_path,omitempty" yaml:"health_path,omitempty"`

	// Vars are environment-wide variables merged under per-domain vars.
	Vars map[string]string `json:"vars,omitempty" yaml:"vars,omitempty"`

	// MaxConcurrent bounds concurrent resolutions in ResolveMultiple.
	MaxConcurrent int `json:"max_concurrent,omitempty" yaml:"max_concurrent,omitempty"`
}

// Normalize fills unset fields with defaults and returns the result.
func (c Config) Normalize() Config {
	if c.URLScheme == "" {
		c.URLScheme = DefaultURLScheme
	}
	if c.HealthPath == "" {
		c.HealthPath = DefaultHealthPath
	}
	if !strings.HasPrefix(c.HealthPath, "/") {
		c.HealthPath = "/" + c.HealthPath
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultResolverLimit
	}
	return c
}

// cacheKey identifies one cached resolution.
type cacheKey struct {
	domain      string
	environment string
}

// Resolver resolves domain descriptors into concrete deployment
// configuration.
type Resolver struct {
	cfg      Config
	validate *validator.Validate
	logger   zerolog.Logger

	mu    sync.RWMutex
	cache map[cacheKey]*engine.ResolvedConfig
}

// New creates a resolver for the given environment configuration.
func New(cfg Config, logger zerolog.Logger) (*Resolver, error) {
	cfg = cfg.Normalize()
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(cfg); err != nil {
		return nil, engine.NewValidationError("invalid resolver config", err).
			WithCode(engine.ErrCodePrerequisite)
	}
	return &Resolver{
		cfg:      cfg,
		validate: v,
		logger:   logger.With().Str("component", "resolver").Str("environment", cfg.Environment).Logger(),
		cache:    make(map[cacheKey]*engine.ResolvedConfig),
	}, nil
}

// Environment returns the environment this resolver targets.
func (r *Resolver) Environment() string {
	return r.cfg.Environment
}

// Resolve computes the deployment configuration for one domain. A cached
// result is returned unless force is set.
func (r *Resolver) Resolve(ctx context.Context, desc *engine.DomainDescriptor, force bool) (*engine.ResolvedConfig, error) {
	if desc == nil {
		return nil, engine.NewValidationError("nil domain descriptor", nil).
			WithCode(engine.ErrCodePrerequisite)
	}
	key := cacheKey{domain: desc.Name, environment: r.cfg.Environment}

	if !force {
		r.mu.RLock()
		cached, ok := r.cache[key]
		r.mu.RUnlock()
		if ok {
			r.logger.Debug().Str("domain", desc.Name).Msg("resolution cache hit")
			return cached, nil
		}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if err := r.validate.Struct(desc); err != nil {
		return nil, engine.NewValidationError("invalid domain descriptor", err).
			WithCode(engine.ErrCodePrerequisite).WithDomain(desc.Name)
	}

	cfg := r.resolve(desc)
	r.mu.Lock()
	r.cache[key] = cfg
	r.mu.Unlock()

	r.logger.Debug().Str("domain", desc.Name).Str("service", cfg.ServiceName).Msg("resolved domain config")
	return cfg, nil
}

// resolve derives the concrete configuration. Pure with respect to the
// descriptor and resolver config, apart from the resolution timestamp.
func (r *Resolver) resolve(desc *engine.DomainDescriptor) *engine.ResolvedConfig {
	serviceURL := fmt.Sprintf("%s://%s", r.cfg.URLScheme, desc.Name)

	vars := make(map[string]string, len(r.cfg.Vars)+len(desc.Service.Vars))
	for k, v := range r.cfg.Vars {
		vars[k] = v
	}
	for k, v := range desc.Service.Vars {
		vars[k] = v
	}

	bindings := make([]engine.StorageBinding, len(desc.Service.StorageBindings))
	copy(bindings, desc.Service.StorageBindings)

	routes := make([]string, len(desc.Service.Routes))
	copy(routes, desc.Service.Routes)
	if len(routes) == 0 {
		routes = []string{desc.Name + "/*"}
	}

	return &engine.ResolvedConfig{
		Domain:          desc.Name,
		Environment:     r.cfg.Environment,
		ServiceName:     r.serviceName(desc),
		ServiceURL:      serviceURL,
		HealthURL:       serviceURL + r.cfg.HealthPath,
		Routes:          routes,
		StorageBindings: bindings,
		Vars:            vars,
		ResolvedAt:      time.Now(),
	}
}

// serviceName derives the environment-qualified service name. Production
// keeps the bare name; other environments get a suffix.
func (r *Resolver) serviceName(desc *engine.DomainDescriptor) string {
	name := desc.Service.Name
	if name == "" {
		name = strings.SplitN(desc.Name, ".", 2)[0]
	}
	if r.cfg.Environment != "production" {
		name = name + "-" + r.cfg.Environment
	}
	return name
}

// ValidatePrerequisites checks a descriptor for conditions that would block
// deployment. It never causes side effects; all findings are collected into
// the report rather than returned as errors.
func (r *Resolver) ValidatePrerequisites(ctx context.Context, desc *engine.DomainDescriptor) *engine.PrerequisiteReport {
	report := &engine.PrerequisiteReport{Valid: true}
	add := func(format string, args ...interface{}) {
		report.Valid = false
		report.Issues = append(report.Issues, fmt.Sprintf(format, args...))
	}

	if desc == nil {
		add("no domain descriptor")
		return report
	}
	if err := r.validate.Struct(desc); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				add("field %s failed %s validation", fe.Namespace(), fe.Tag())
			}
		} else {
			add("descriptor validation failed: %v", err)
		}
	}
	if desc.Environment != "" && desc.Environment != r.cfg.Environment {
		add("descriptor targets environment %s, resolver targets %s", desc.Environment, r.cfg.Environment)
	}
	for _, sb := range desc.Service.StorageBindings {
		if sb.Binding == "" || sb.Instance == "" {
			add("incomplete storage binding (binding=%q, instance=%q)", sb.Binding, sb.Instance)
		}
	}
	for _, dep := range desc.DependsOn {
		if dep == desc.Name {
			add("domain depends on itself")
		}
	}
	return report
}

// ResolveMultiple resolves many domains concurrently. One domain's failure
// never blocks the others; failures come back in the error map keyed by
// domain name.
func (r *Resolver) ResolveMultiple(ctx context.Context, descs []engine.DomainDescriptor, force bool) (map[string]*engine.ResolvedConfig, map[string]error) {
	configs := make(map[string]*engine.ResolvedConfig, len(descs))
	failures := make(map[string]error)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxConcurrent)

	for i := range descs {
		desc := &descs[i]
		g.Go(func() error {
			cfg, err := r.Resolve(gctx, desc, force)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[desc.Name] = err
			} else {
				configs[desc.Name] = cfg
			}
			return nil
		})
	}
	_ = g.Wait()

	return configs, failures
}

// InvalidateCache drops the cached resolution for a domain, or the whole
// cache when domain is empty.
func (r *Resolver) InvalidateCache(domain string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if domain == "" {
		r.cache = make(map[cacheKey]*engine.ResolvedConfig)
		return
	}
	delete(r.cache, cacheKey{domain: domain, environment: r.cfg.Environment})
}
