package entitlement

import (
	"context"
	"errors"

	"github.com/relayci/console/internal/metrics"
	"github.com/relayci/console/internal/org"
)

// Provider answers the synchronous "what may this organization do right now?"
// lookup on the request hot path. It reads the most recently committed record
// straight from the store; it never touches a webhook provider.
type Provider struct {
	store org.Store
}

// NewProvider creates an access decision provider over the given store.
func NewProvider(store org.Store) *Provider {
	return &Provider{store: store}
}

// DecisionFor returns the access decision for an organization. Unknown
// organizations are denied rather than erroring: deny is the safe default for
// an authorization check.
func (p *Provider) DecisionFor(ctx context.Context, orgID string) (org.AccessDecision, error) {
	o, err := p.store.Get(ctx, orgID)
	if err != nil {
		if errors.Is(err, org.ErrNotFound) {
			metrics.DecisionLookupsTotal.WithLabelValues(string(org.DecisionDeny)).Inc()
			return org.DecisionDeny, nil
		}
		return org.DecisionDeny, err
	}
	metrics.DecisionLookupsTotal.WithLabelValues(string(o.AccessDecision)).Inc()
	return o.AccessDecision, nil
}
