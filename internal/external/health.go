package external

import (
	"context"
	"errors"
	"fmt"

	"github.com/sony/gobreaker/v2"
)

// BreakerState reports the current state of the client's circuit breaker.
func (c *BaseClient) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// HealthProbe reports the CRM as unhealthy while its circuit breaker is open
// or when the client has no credentials.
// It never calls the CRM itself.
type HealthProbe struct {
	client *ContactClient
}

// NewHealthProbe creates a probe over client's breaker.
func NewHealthProbe(client *ContactClient) *HealthProbe {
	return &HealthProbe{client: client}
}

// Name identifies the probe in health responses.
func (p *HealthProbe) Name() string { return "crm" }

// Check fails when no API key is configured or the breaker is open.
// Half-open counts as healthy.
func (p *HealthProbe) Check(_ context.Context) error {
	if p.client.apiKey.IsZero() {
		return errors.New("crm api key is not configured")
	}
	if state := p.client.base.BreakerState(); state == gobreaker.StateOpen {
		return fmt.Errorf("crm circuit breaker is %s", state)
	}
	return nil
}
