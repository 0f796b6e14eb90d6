package crossdomain

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wavedeploy/wavedeploy/pkg/engine"
)

// Source supplies domain descriptors for portfolio discovery.
type Source interface {
	// Name identifies the source in logs and audit entries.
	Name() string

	// Discover returns the domains this source knows about.
	Discover(ctx context.Context) ([]engine.DomainDescriptor, error)
}

// StaticSource serves a fixed descriptor list. Used for programmatic setup
// and tests.
type StaticSource struct {
	name    string
	domains []engine.DomainDescriptor
}

// NewStaticSource creates a source serving the given descriptors.
func NewStaticSource(name string, domains []engine.DomainDescriptor) *StaticSource {
	return &StaticSource{name: name, domains: domains}
}

// Name implements Source.
func (s *StaticSource) Name() string { return s.name }

// Discover implements Source.
func (s *StaticSource) Discover(ctx context.Context) ([]engine.DomainDescriptor, error) {
	out := make([]engine.DomainDescriptor, len(s.domains))
	copy(out, s.domains)
	return out, nil
}

// portfolioFile is the YAML layout of a portfolio file.
type portfolioFile struct {
	Domains []engine.DomainDescriptor `yaml:"domains"`
}

// FileSource reads domain descriptors from a YAML portfolio file.
type FileSource struct {
	path string
}

// NewFileSource creates a source reading the portfolio file at path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Name implements Source.
func (s *FileSource) Name() string { return "file:" + s.path }

// Discover implements Source.
func (s *FileSource) Discover(ctx context.Context) ([]engine.DomainDescriptor, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read portfolio file: %w", err)
	}
	var file portfolioFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse portfolio file: %w", err)
	}
	return file.Domains, nil
}

// RegistrySource is an in-process, mutable domain registry.
type RegistrySource struct {
	name string

	mu      sync.RWMutex
	domains map[string]engine.DomainDescriptor
	order   []string
}

// NewRegistrySource creates an empty registry source.
func NewRegistrySource(name string) *RegistrySource {
	return &RegistrySource{
		name:    name,
		domains: make(map[string]engine.DomainDescriptor),
	}
}

// Name implements Source.
func (s *RegistrySource) Name() string { return s.name }

// Register adds or replaces a domain in the registry.
func (s *RegistrySource) Register(desc engine.DomainDescriptor) error {
	if desc.Name == "" {
		return engine.NewValidationError("domain descriptor has empty name", nil).
			WithCode(engine.ErrCodePrerequisite)
	}
	desc.RegisteredAt = time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.domains[desc.Name]; !exists {
		s.order = append(s.order, desc.Name)
	}
	s.domains[desc.Name] = desc
	return nil
}

// Deregister removes a domain from the registry.
func (s *RegistrySource) Deregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.domains[name]; !exists {
		return
	}
	delete(s.domains, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Discover implements Source. Descriptors come back in registration order.
func (s *RegistrySource) Discover(ctx context.Context) ([]engine.DomainDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]engine.DomainDescriptor, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.domains[name])
	}
	return out, nil
}
