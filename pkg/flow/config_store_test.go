package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConfigRepo struct {
	configs map[string]*Config
	saves   int
	loadErr error
}

func newFakeConfigRepo() *fakeConfigRepo {
	return &fakeConfigRepo{configs: make(map[string]*Config)}
}

func (r *fakeConfigRepo) FlowConfig(_ context.Context, tenantID string) (*Config, error) {
	if r.loadErr != nil {
		return nil, r.loadErr
	}

	return r.configs[tenantID], nil
}

func (r *fakeConfigRepo) SaveFlowConfig(_ context.Context, cfg *Config) error {
	r.saves++
	r.configs[cfg.TenantID] = cfg

	return nil
}

func TestConfigStoreCreatesDefaultLazily(t *testing.T) {
	repo := newFakeConfigRepo()
	store := NewConfigStore(repo)

	cfg, err := store.Get(context.Background(), "acme")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "acme", cfg.TenantID)
	assert.Equal(t, 1, repo.saves)
	assert.Len(t, cfg.Steps, len(StepOrder))

	for _, stepType := range StepOrder {
		stepCfg := cfg.Steps[stepType]
		assert.True(t, stepCfg.Enabled, "step %s", stepType)
		assert.Equal(t, 3, stepCfg.MaxRetries, "step %s", stepType)
	}

	assert.True(t, cfg.Tolerance.QuantityPercent.Equal(decimal.NewFromInt(5)))
	assert.True(t, cfg.Tolerance.PricePercent.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, 30*time.Second, cfg.Settings.StepTimeout)

	// A second read serves the stored config without another save.
	_, err = store.Get(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, repo.saves)
}

func TestConfigStoreUpdateMergesPatch(t *testing.T) {
	repo := newFakeConfigRepo()
	store := NewConfigStore(repo)

	tolerance := MatchTolerances{
		QuantityPercent: decimal.NewFromInt(10),
		PricePercent:    decimal.NewFromInt(1),
		AbsoluteAmount:  decimal.NewFromInt(250),
		Currency:        "EUR",
	}

	cfg, err := store.Update(context.Background(), "acme", &ConfigPatch{
		Steps: map[StepType]StepConfig{
			StepAcknowledgment: {Enabled: false},
		},
		Tolerance: &tolerance,
		Features:  map[string]bool{"auto_approve_matched": true},
	})
	require.NoError(t, err)

	assert.False(t, cfg.Steps[StepAcknowledgment].Enabled)
	assert.True(t, cfg.Steps[StepPOValidation].Enabled, "untouched steps keep defaults")
	assert.True(t, cfg.Tolerance.QuantityPercent.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, "EUR", cfg.Tolerance.Currency)
	assert.True(t, cfg.Features["auto_approve_matched"])

	stored, err := store.Get(context.Background(), "acme")
	require.NoError(t, err)
	assert.False(t, stored.Steps[StepAcknowledgment].Enabled)
}

func TestConfigStorePropagatesRepoErrors(t *testing.T) {
	repo := newFakeConfigRepo()
	repo.loadErr = errors.New("store offline")
	store := NewConfigStore(repo)

	_, err := store.Get(context.Background(), "acme")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store offline")
}

func TestStepConfigForDefaultsUnknownSteps(t *testing.T) {
	cfg := DefaultConfig("acme")
	delete(cfg.Steps, StepCompletion)

	stepCfg := cfg.StepConfigFor(StepCompletion)
	assert.True(t, stepCfg.Enabled)
	assert.Equal(t, 3, stepCfg.MaxRetries)
}
