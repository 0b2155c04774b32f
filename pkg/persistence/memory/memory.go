// Package memory implements persistence with in-process maps, for tests and
// single-node deployments.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/confluxhq/conflux/pkg/connector"
	"github.com/confluxhq/conflux/pkg/flow"
	"github.com/confluxhq/conflux/pkg/webhook"
)

// Persistence stores everything as serialized JSON so reads hand out
// independent copies.
type Persistence struct {
	mu         sync.RWMutex
	flows      map[string][]byte
	configs    map[string][]byte
	connectors map[string][]byte
	webhooks   map[string][]byte
}

func NewPersistence() *Persistence {
	return &Persistence{
		flows:      make(map[string][]byte),
		configs:    make(map[string][]byte),
		connectors: make(map[string][]byte),
		webhooks:   make(map[string][]byte),
	}
}

func (p *Persistence) FlowByID(_ context.Context, id string) (*flow.Flow, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	raw, ok := p.flows[id]
	if !ok {
		return nil, nil
	}

	return decodeFlow(raw)
}

func (p *Persistence) SaveFlow(_ context.Context, f *flow.Flow) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode flow: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.flows[f.ID] = raw

	return nil
}

func (p *Persistence) Flows(_ context.Context, tenantID string) ([]*flow.Flow, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.filterFlows(func(f *flow.Flow) bool {
		return tenantID == "" || f.TenantID == tenantID
	})
}

func (p *Persistence) FlowsByStatus(_ context.Context, status flow.Status) ([]*flow.Flow, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.filterFlows(func(f *flow.Flow) bool {
		return f.Status == status
	})
}

func (p *Persistence) filterFlows(keep func(*flow.Flow) bool) ([]*flow.Flow, error) {
	matched := make([]*flow.Flow, 0)

	for _, raw := range p.flows {
		f, err := decodeFlow(raw)
		if err != nil {
			return nil, err
		}

		if keep(f) {
			matched = append(matched, f)
		}
	}

	return matched, nil
}

func (p *Persistence) FlowConfig(_ context.Context, tenantID string) (*flow.Config, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	raw, ok := p.configs[tenantID]
	if !ok {
		return nil, nil
	}

	var cfg flow.Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode flow config: %w", err)
	}

	return &cfg, nil
}

func (p *Persistence) SaveFlowConfig(_ context.Context, cfg *flow.Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode flow config: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.configs[cfg.TenantID] = raw

	return nil
}

func (p *Persistence) ConnectorConfig(_ context.Context, tenantID, name string) (*connector.Config, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	raw, ok := p.connectors[connectorKey(tenantID, name)]
	if !ok {
		return nil, nil
	}

	var cfg connector.Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode connector config: %w", err)
	}

	return &cfg, nil
}

func (p *Persistence) SaveConnectorConfig(_ context.Context, tenantID string, cfg *connector.Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode connector config: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.connectors[connectorKey(tenantID, cfg.Name)] = raw

	return nil
}

func (p *Persistence) WebhookEndpoint(_ context.Context, externalID string) (*webhook.Endpoint, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	raw, ok := p.webhooks[externalID]
	if !ok {
		return nil, nil
	}

	var endpoint webhook.Endpoint
	if err := json.Unmarshal(raw, &endpoint); err != nil {
		return nil, fmt.Errorf("failed to decode webhook endpoint: %w", err)
	}

	return &endpoint, nil
}

func (p *Persistence) WebhookEndpointCount(_ context.Context) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return len(p.webhooks), nil
}

func (p *Persistence) SaveWebhookEndpoint(_ context.Context, externalID string, endpoint *webhook.Endpoint) error {
	raw, err := json.Marshal(endpoint)
	if err != nil {
		return fmt.Errorf("failed to encode webhook endpoint: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.webhooks[externalID] = raw

	return nil
}

func (p *Persistence) HealthCheck(_ context.Context) error { return nil }

func (p *Persistence) Close(_ context.Context) error { return nil }

func decodeFlow(raw []byte) (*flow.Flow, error) {
	var f flow.Flow
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to decode flow: %w", err)
	}

	return &f, nil
}

func connectorKey(tenantID, name string) string {
	return tenantID + ":" + name
}
