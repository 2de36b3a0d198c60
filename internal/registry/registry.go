// Package registry holds the gateway's read-only view of registered
// external services. Records are created and updated by an
// administrative collaborator; the gateway resolves them per request
// and never writes anything except health counters.
package registry

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrNotFound reports an unknown service slug or API key.
	ErrNotFound = errors.New("registry: service not found")
)

// Service is a registry entry for one external service. Slug is the
// routing key and is immutable once traffic has been routed to it;
// services are soft-disabled via Enabled rather than deleted while
// sessions still reference them.
type Service struct {
	Slug         string   `json:"slug" yaml:"slug"`
	Name         string   `json:"name" yaml:"name"`
	Description  string   `json:"description,omitempty" yaml:"description,omitempty"`
	BackendURL   string   `json:"backendUrl" yaml:"backendUrl"`
	FrontendURL  string   `json:"frontendUrl,omitempty" yaml:"frontendUrl,omitempty"`
	APIPrefix    string   `json:"apiPrefix,omitempty" yaml:"apiPrefix,omitempty"`
	Enabled      bool     `json:"enabled" yaml:"enabled"`
	SSOEnabled   bool     `json:"ssoEnabled" yaml:"ssoEnabled"`
	AllowedRoles []string `json:"allowedRoles,omitempty" yaml:"allowedRoles,omitempty"`
	APIKey       string   `json:"-" yaml:"apiKey,omitempty"`
	AuthEndpoint string   `json:"authEndpoint,omitempty" yaml:"authEndpoint,omitempty"`
	Scopes       []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
}

// RoleAllowed reports whether role may use the service. An empty
// allow-list admits every role.
func (s *Service) RoleAllowed(role string) bool {
	if len(s.AllowedRoles) == 0 {
		return true
	}
	for _, r := range s.AllowedRoles {
		if r == role {
			return true
		}
	}
	return false
}

// Registry resolves service records.
type Registry interface {
	FindBySlug(ctx context.Context, slug string) (*Service, error)
	FindByAPIKey(ctx context.Context, apiKey string) (*Service, error)
	List(ctx context.Context) ([]*Service, error)
}

// Memory is an in-memory registry seeded at boot.
type Memory struct {
	mu       sync.RWMutex
	bySlug   map[string]Service
	byAPIKey map[string]string // api key -> slug
}

// NewMemory creates an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{
		bySlug:   make(map[string]Service),
		byAPIKey: make(map[string]string),
	}
}

// Put stores or replaces a service record.
func (m *Memory) Put(s Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.bySlug[s.Slug]; ok && old.APIKey != "" {
		delete(m.byAPIKey, old.APIKey)
	}
	m.bySlug[s.Slug] = s
	if s.APIKey != "" {
		m.byAPIKey[s.APIKey] = s.Slug
	}
}

// FindBySlug resolves a service by its routing slug. Disabled services
// are returned; entitlement decisions belong to the caller.
func (m *Memory) FindBySlug(_ context.Context, slug string) (*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.bySlug[slug]
	if !ok {
		return nil, ErrNotFound
	}
	out := s
	return &out, nil
}

// FindByAPIKey resolves a service by its callback credential.
func (m *Memory) FindByAPIKey(_ context.Context, apiKey string) (*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	slug, ok := m.byAPIKey[apiKey]
	if !ok {
		return nil, ErrNotFound
	}
	s := m.bySlug[slug]
	out := s
	return &out, nil
}

// List returns every registered service.
func (m *Memory) List(_ context.Context) ([]*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Service, 0, len(m.bySlug))
	for _, s := range m.bySlug {
		s := s
		out = append(out, &s)
	}
	return out, nil
}
