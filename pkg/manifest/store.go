// Package manifest reads and writes per-domain deployment manifests. Each
// domain owns one YAML file under the store directory; patching a manifest
// returns the pre-patch snapshot so the change can be rolled back byte for
// byte.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/wavedeploy/wavedeploy/pkg/engine"
)

// manifestFileMode keeps manifests readable by tooling but not world-writable.
const manifestFileMode = 0o644

// Document is the on-disk manifest for one domain.
type Document struct {
	// Domain is the domain this manifest belongs to.
	Domain string `yaml:"domain" validate:"required"`

	// Environment is the environment the manifest was last patched for.
	Environment string `yaml:"environment,omitempty"`

	// Service holds the deployable service settings.
	Service ServiceSection `yaml:"service"`

	// UpdatedAt is when the manifest was last written.
	UpdatedAt time.Time `yaml:"updated_at,omitempty"`
}

// ServiceSection is the service block of a manifest.
type ServiceSection struct {
	// Name is the environment-qualified service name.
	Name string `yaml:"name,omitempty"`

	// Routes are the request routes bound to the service.
	Routes []string `yaml:"routes,omitempty"`

	// StorageBindings bind storage instances into the service.
	StorageBindings []engine.StorageBinding `yaml:"storage_bindings,omitempty"`

	// Vars are the non-secret environment variables.
	Vars map[string]string `yaml:"vars,omitempty"`
}

// Store is a directory-backed manifest store. It implements
// engine.ManifestStore.
type Store struct {
	dir    string
	logger zerolog.Logger
}

// NewStore creates a manifest store rooted at dir, creating the directory if
// needed.
func NewStore(dir string, logger zerolog.Logger) (*Store, error) {
	if dir == "" {
		return nil, engine.NewValidationError("manifest directory is empty", nil).
			WithCode(engine.ErrCodePrerequisite)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, engine.NewProvisioningError("failed to create manifest directory", err)
	}
	return &Store{
		dir:    dir,
		logger: logger.With().Str("component", "manifest").Logger(),
	}, nil
}

// path returns the manifest file path for a domain.
func (s *Store) path(domain string) string {
	return filepath.Join(s.dir, domain+".yaml")
}

// Load reads and parses the manifest for a domain. A missing manifest is not
// an error; it returns an empty document for the domain.
func (s *Store) Load(ctx context.Context, domain string) (*Document, error) {
	raw, err := os.ReadFile(s.path(domain))
	if errors.Is(err, os.ErrNotExist) {
		return &Document{Domain: domain}, nil
	}
	if err != nil {
		return nil, engine.NewProvisioningError("failed to read manifest", err).WithDomain(domain)
	}

	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, engine.NewValidationError("failed to parse manifest", err).WithDomain(domain)
	}
	if doc.Domain == "" {
		doc.Domain = domain
	}
	return &doc, nil
}

// Save writes the manifest for a domain.
func (s *Store) Save(ctx context.Context, doc *Document) error {
	if doc == nil || doc.Domain == "" {
		return engine.NewValidationError("manifest document has no domain", nil).
			WithCode(engine.ErrCodePrerequisite)
	}
	doc.UpdatedAt = time.Now()

	raw, err := yaml.Marshal(doc)
	if err != nil {
		return engine.NewProvisioningError("failed to encode manifest", err).WithDomain(doc.Domain)
	}
	if err := os.WriteFile(s.path(doc.Domain), raw, manifestFileMode); err != nil {
		return engine.NewProvisioningError("failed to write manifest", err).WithDomain(doc.Domain)
	}
	s.logger.Debug().Str("domain", doc.Domain).Msg("manifest written")
	return nil
}

// Patch applies the resolved configuration to the domain's manifest and
// returns the manifest content as it was before the patch. The snapshot of a
// previously missing manifest is nil; Restore treats nil as "remove".
func (s *Store) Patch(ctx context.Context, domain string, cfg *engine.ResolvedConfig) ([]byte, error) {
	if cfg == nil {
		return nil, engine.NewValidationError("nil resolved config", nil).WithDomain(domain)
	}

	snapshot, err := s.Snapshot(ctx, domain)
	if err != nil {
		return nil, err
	}

	doc, err := s.Load(ctx, domain)
	if err != nil {
		return nil, err
	}

	doc.Environment = cfg.Environment
	doc.Service.Name = cfg.ServiceName
	doc.Service.Routes = append([]string(nil), cfg.Routes...)
	doc.Service.StorageBindings = append([]engine.StorageBinding(nil), cfg.StorageBindings...)
	doc.Service.Vars = cfg.Vars

	if err := s.Save(ctx, doc); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Snapshot returns the raw manifest bytes for a domain, or nil when no
// manifest exists.
func (s *Store) Snapshot(ctx context.Context, domain string) ([]byte, error) {
	raw, err := os.ReadFile(s.path(domain))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, engine.NewProvisioningError("failed to snapshot manifest", err).WithDomain(domain)
	}
	return raw, nil
}

// Restore writes a snapshot back. A nil snapshot removes the manifest,
// restoring the pre-patch absence.
func (s *Store) Restore(ctx context.Context, domain string, snapshot []byte) error {
	if snapshot == nil {
		if err := os.Remove(s.path(domain)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return engine.NewRollbackActionError("failed to remove manifest", err).WithDomain(domain)
		}
		s.logger.Debug().Str("domain", domain).Msg("manifest removed")
		return nil
	}
	if err := os.WriteFile(s.path(domain), snapshot, manifestFileMode); err != nil {
		return engine.NewRollbackActionError("failed to restore manifest", err).WithDomain(domain)
	}
	s.logger.Debug().Str("domain", domain).Msg("manifest restored")
	return nil
}

// List returns the domains that currently have manifests.
func (s *Store) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, engine.NewProvisioningError("failed to list manifests", err)
	}
	domains := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) != ".yaml" {
			continue
		}
		domains = append(domains, name[:len(name)-len(".yaml")])
	}
	return domains, nil
}

var _ engine.ManifestStore = (*Store)(nil)

// String describes the store for logs.
func (s *Store) String() string {
	return fmt.Sprintf("manifest store at %s", s.dir)
}
