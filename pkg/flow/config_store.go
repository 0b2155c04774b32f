package flow

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ConfigStore serves per-tenant workflow configuration, creating the default
// lazily on first access. Writes go through a partial merge so callers only
// send the keys they change.
type ConfigStore struct {
	repo ConfigRepository
	now  func() time.Time

	// Serializes the read-then-create race on first access per tenant.
	mu sync.Mutex
}

func NewConfigStore(repo ConfigRepository) *ConfigStore {
	return &ConfigStore{repo: repo, now: time.Now}
}

// Get returns the tenant's configuration, creating and persisting the default
// when none exists yet.
func (s *ConfigStore) Get(ctx context.Context, tenantID string) (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.repo.FlowConfig(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load flow config for tenant %s: %w", tenantID, err)
	}

	if cfg != nil {
		return cfg, nil
	}

	cfg = DefaultConfig(tenantID)
	cfg.UpdatedAt = s.now().UTC()

	if err := s.repo.SaveFlowConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to persist default flow config for tenant %s: %w", tenantID, err)
	}

	return cfg, nil
}

// Update merges a partial patch into the tenant's configuration and persists
// the result. Running flows keep the snapshot they captured at start.
func (s *ConfigStore) Update(ctx context.Context, tenantID string, patch *ConfigPatch) (*Config, error) {
	cfg, err := s.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cfg.Merge(patch)
	cfg.UpdatedAt = s.now().UTC()

	if err := s.repo.SaveFlowConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to persist flow config for tenant %s: %w", tenantID, err)
	}

	return cfg, nil
}
