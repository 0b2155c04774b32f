package flow

import "context"

// Repository stores flow instances. Implementations must return independent
// copies so the orchestrator's in-flight mutations never alias stored state.
type Repository interface {
	FlowByID(ctx context.Context, id string) (*Flow, error)
	SaveFlow(ctx context.Context, f *Flow) error
	Flows(ctx context.Context, tenantID string) ([]*Flow, error)
	FlowsByStatus(ctx context.Context, status Status) ([]*Flow, error)
}

// ConfigRepository stores per-tenant workflow configuration. FlowConfig
// returns (nil, nil) when the tenant has none yet.
type ConfigRepository interface {
	FlowConfig(ctx context.Context, tenantID string) (*Config, error)
	SaveFlowConfig(ctx context.Context, cfg *Config) error
}
