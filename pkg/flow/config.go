package flow

import (
	"time"

	"github.com/shopspring/decimal"
)

// StepConfig controls one step for a tenant.
type StepConfig struct {
	Enabled    bool          `json:"enabled"`
	MaxRetries int           `json:"max_retries"`
	Timeout    time.Duration `json:"timeout,omitempty"`
}

// MatchTolerances bound acceptable three-way match divergence.
type MatchTolerances struct {
	QuantityPercent decimal.Decimal `json:"quantity_percent"`
	PricePercent    decimal.Decimal `json:"price_percent"`
	AbsoluteAmount  decimal.Decimal `json:"absolute_amount"`
	Currency        string          `json:"currency"`
}

// ConnectorBinding names the connector and endpoint a step calls.
type ConnectorBinding struct {
	Connector string `json:"connector"`
	Endpoint  string `json:"endpoint"`
}

// Settings are tenant-global orchestration knobs.
type Settings struct {
	StepTimeout         time.Duration `json:"step_timeout"`
	MaxConcurrentFlows  int           `json:"max_concurrent_flows"`
	PollingInterval     time.Duration `json:"polling_interval"`
	DeadLetterThreshold int           `json:"dead_letter_threshold"`
}

// Config is the per-tenant workflow configuration. Created lazily with
// defaults on first access and updated via partial merges; running flows keep
// the snapshot they captured at start.
type Config struct {
	TenantID  string                        `json:"tenant_id"`
	Steps     map[StepType]StepConfig       `json:"steps"`
	Bindings  map[StepType]ConnectorBinding `json:"bindings,omitempty"`
	Tolerance MatchTolerances               `json:"tolerances"`
	Settings  Settings                      `json:"settings"`
	Features  map[string]bool               `json:"features,omitempty"`
	UpdatedAt time.Time                     `json:"updated_at"`
}

// DefaultConfig returns the documented default: every step enabled with 3
// retries, 5% quantity / 2% price tolerance, 30s step timeout.
func DefaultConfig(tenantID string) *Config {
	steps := make(map[StepType]StepConfig, len(StepOrder))
	for _, stepType := range StepOrder {
		steps[stepType] = StepConfig{Enabled: true, MaxRetries: 3}
	}

	return &Config{
		TenantID: tenantID,
		Steps:    steps,
		Tolerance: MatchTolerances{
			QuantityPercent: decimal.NewFromInt(5),
			PricePercent:    decimal.NewFromInt(2),
			AbsoluteAmount:  decimal.NewFromInt(100),
			Currency:        "USD",
		},
		Settings: Settings{
			StepTimeout:         30 * time.Second,
			MaxConcurrentFlows:  50,
			PollingInterval:     5 * time.Minute,
			DeadLetterThreshold: 10,
		},
		Features: make(map[string]bool),
	}
}

// ConfigPatch is a partial update; nil fields leave the target unchanged.
type ConfigPatch struct {
	Steps     map[StepType]StepConfig       `json:"steps,omitempty"`
	Bindings  map[StepType]ConnectorBinding `json:"bindings,omitempty"`
	Tolerance *MatchTolerances              `json:"tolerances,omitempty"`
	Settings  *Settings                     `json:"settings,omitempty"`
	Features  map[string]bool               `json:"features,omitempty"`
}

// Merge applies a partial patch, replacing only the keys the patch carries.
func (c *Config) Merge(patch *ConfigPatch) {
	if patch == nil {
		return
	}

	for stepType, stepCfg := range patch.Steps {
		c.Steps[stepType] = stepCfg
	}

	if patch.Bindings != nil {
		if c.Bindings == nil {
			c.Bindings = make(map[StepType]ConnectorBinding, len(patch.Bindings))
		}

		for stepType, binding := range patch.Bindings {
			c.Bindings[stepType] = binding
		}
	}

	if patch.Tolerance != nil {
		c.Tolerance = *patch.Tolerance
	}

	if patch.Settings != nil {
		c.Settings = *patch.Settings
	}

	if patch.Features != nil {
		if c.Features == nil {
			c.Features = make(map[string]bool, len(patch.Features))
		}

		for name, enabled := range patch.Features {
			c.Features[name] = enabled
		}
	}
}

// StepConfigFor returns the step's configuration, defaulting to enabled with
// 3 retries when the tenant config does not mention the step.
func (c *Config) StepConfigFor(stepType StepType) StepConfig {
	if cfg, ok := c.Steps[stepType]; ok {
		return cfg
	}

	return StepConfig{Enabled: true, MaxRetries: 3}
}
