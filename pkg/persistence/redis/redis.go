// Package redis implements persistence on Redis, with flows and configs
// stored as JSON values under prefixed keys.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/confluxhq/conflux/pkg/connector"
	"github.com/confluxhq/conflux/pkg/flow"
	"github.com/confluxhq/conflux/pkg/webhook"
	goredis "github.com/redis/go-redis/v9"
)

const (
	flowsKey      = "conflux:flows"
	configsKey    = "conflux:flow-configs"
	connectorsKey = "conflux:connectors"
	webhooksKey   = "conflux:webhook-endpoints"
)

type Persistence struct {
	client *goredis.Client
}

// NewPersistence connects using a redis:// URL.
func NewPersistence(url string) (*Persistence, error) {
	options, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	return &Persistence{client: goredis.NewClient(options)}, nil
}

// NewWithClient wraps an existing client, e.g. a test server's.
func NewWithClient(client *goredis.Client) *Persistence {
	return &Persistence{client: client}
}

func (p *Persistence) FlowByID(ctx context.Context, id string) (*flow.Flow, error) {
	raw, err := p.client.HGet(ctx, flowsKey, id).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read flow %s: %w", id, err)
	}

	return decodeFlow([]byte(raw))
}

func (p *Persistence) SaveFlow(ctx context.Context, f *flow.Flow) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode flow: %w", err)
	}

	if err := p.client.HSet(ctx, flowsKey, f.ID, raw).Err(); err != nil {
		return fmt.Errorf("failed to write flow %s: %w", f.ID, err)
	}

	return nil
}

func (p *Persistence) Flows(ctx context.Context, tenantID string) ([]*flow.Flow, error) {
	return p.filterFlows(ctx, func(f *flow.Flow) bool {
		return tenantID == "" || f.TenantID == tenantID
	})
}

func (p *Persistence) FlowsByStatus(ctx context.Context, status flow.Status) ([]*flow.Flow, error) {
	return p.filterFlows(ctx, func(f *flow.Flow) bool {
		return f.Status == status
	})
}

func (p *Persistence) filterFlows(ctx context.Context, keep func(*flow.Flow) bool) ([]*flow.Flow, error) {
	values, err := p.client.HVals(ctx, flowsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}

	matched := make([]*flow.Flow, 0, len(values))

	for _, raw := range values {
		f, err := decodeFlow([]byte(raw))
		if err != nil {
			return nil, err
		}

		if keep(f) {
			matched = append(matched, f)
		}
	}

	return matched, nil
}

func (p *Persistence) FlowConfig(ctx context.Context, tenantID string) (*flow.Config, error) {
	raw, err := p.client.HGet(ctx, configsKey, tenantID).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read flow config for %s: %w", tenantID, err)
	}

	var cfg flow.Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode flow config: %w", err)
	}

	return &cfg, nil
}

func (p *Persistence) SaveFlowConfig(ctx context.Context, cfg *flow.Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode flow config: %w", err)
	}

	if err := p.client.HSet(ctx, configsKey, cfg.TenantID, raw).Err(); err != nil {
		return fmt.Errorf("failed to write flow config for %s: %w", cfg.TenantID, err)
	}

	return nil
}

func (p *Persistence) ConnectorConfig(ctx context.Context, tenantID, name string) (*connector.Config, error) {
	raw, err := p.client.HGet(ctx, connectorsKey, tenantID+":"+name).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read connector %s: %w", name, err)
	}

	var cfg connector.Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode connector config: %w", err)
	}

	return &cfg, nil
}

func (p *Persistence) SaveConnectorConfig(ctx context.Context, tenantID string, cfg *connector.Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode connector config: %w", err)
	}

	if err := p.client.HSet(ctx, connectorsKey, tenantID+":"+cfg.Name, raw).Err(); err != nil {
		return fmt.Errorf("failed to write connector config: %w", err)
	}

	return nil
}

func (p *Persistence) WebhookEndpoint(ctx context.Context, externalID string) (*webhook.Endpoint, error) {
	raw, err := p.client.HGet(ctx, webhooksKey, externalID).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read webhook endpoint %s: %w", externalID, err)
	}

	var endpoint webhook.Endpoint
	if err := json.Unmarshal([]byte(raw), &endpoint); err != nil {
		return nil, fmt.Errorf("failed to decode webhook endpoint: %w", err)
	}

	return &endpoint, nil
}

func (p *Persistence) WebhookEndpointCount(ctx context.Context) (int, error) {
	count, err := p.client.HLen(ctx, webhooksKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count webhook endpoints: %w", err)
	}

	return int(count), nil
}

func (p *Persistence) SaveWebhookEndpoint(ctx context.Context, externalID string, endpoint *webhook.Endpoint) error {
	raw, err := json.Marshal(endpoint)
	if err != nil {
		return fmt.Errorf("failed to encode webhook endpoint: %w", err)
	}

	if err := p.client.HSet(ctx, webhooksKey, externalID, raw).Err(); err != nil {
		return fmt.Errorf("failed to write webhook endpoint: %w", err)
	}

	return nil
}

func (p *Persistence) HealthCheck(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *Persistence) Close(_ context.Context) error {
	return p.client.Close()
}

func decodeFlow(raw []byte) (*flow.Flow, error) {
	var f flow.Flow
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to decode flow: %w", err)
	}

	return &f, nil
}
