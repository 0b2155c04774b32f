// Package persistence provides the storage abstraction for flows, flow
// configuration, connector declarations, and webhook endpoints.
package persistence

import (
	"context"
	"strings"

	"github.com/confluxhq/conflux/pkg/connector"
	"github.com/confluxhq/conflux/pkg/flow"
	"github.com/confluxhq/conflux/pkg/webhook"
)

// Persistence is the full storage surface. Implementations must return
// independent copies: callers mutate what they get back.
type Persistence interface {
	flow.Repository
	flow.ConfigRepository
	webhook.EndpointStore

	ConnectorConfig(ctx context.Context, tenantID, name string) (*connector.Config, error)
	SaveConnectorConfig(ctx context.Context, tenantID string, cfg *connector.Config) error

	SaveWebhookEndpoint(ctx context.Context, externalID string, endpoint *webhook.Endpoint) error

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// Provider extracts the storage scheme from a URL, defaulting to memory.
func Provider(url string) string {
	scheme, _, found := strings.Cut(url, "://")
	if !found || scheme == "" {
		return "memory"
	}

	return scheme
}
