package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v81"

	"github.com/relayci/console/internal/entitlement"
	"github.com/relayci/console/internal/org"
)

// InstallationResolver maps a provider installation id back to the owning
// organization. Integration deliveries carry the provider's installation id,
// not our organization id.
type InstallationResolver interface {
	GetByInstallationID(ctx context.Context, installationID int64) (*org.Organization, error)
}

// Normalizer maps provider payloads into canonical entitlement events. The
// mapping is total over the event types the engine understands; anything
// well-formed but unrecognized becomes an Ignored event.
type Normalizer struct {
	resolver InstallationResolver
}

// NewNormalizer creates a normalizer resolving installations via the store.
func NewNormalizer(resolver InstallationResolver) *Normalizer {
	return &Normalizer{resolver: resolver}
}

// NormalizeBilling maps a verified Stripe event to a canonical billing event.
// The organization id is carried in the provider object's metadata (set when
// the checkout session is created) or its client reference id.
func (n *Normalizer) NormalizeBilling(event stripe.Event) (entitlement.Event, error) {
	if event.ID == "" {
		return entitlement.Event{}, fmt.Errorf("%w: billing event has no id", ErrUnparseableEvent)
	}

	ev := entitlement.Event{
		Source:     org.SourceBilling,
		EventID:    event.ID,
		Type:       string(event.Type),
		OccurredAt: time.Unix(event.Created, 0).UTC(),
	}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted,
		stripe.EventTypeInvoicePaid,
		stripe.EventTypeCustomerSubscriptionResumed:
		ev.Subscription = org.SubscriptionActive

	case stripe.EventTypeInvoicePaymentFailed,
		stripe.EventTypeCustomerSubscriptionPaused:
		ev.Subscription = org.SubscriptionSuspended

	case stripe.EventTypeCustomerSubscriptionUpdated:
		if cancelAtPeriodEnd(event) {
			ev.Subscription = org.SubscriptionPendingCancellation
		} else {
			ev.Subscription = org.SubscriptionActive
		}

	case stripe.EventTypeCustomerSubscriptionDeleted:
		// The billing period ended; the only path into CANCELLED.
		ev.PeriodEnded = true

	default:
		ev.Ignored = true
	}

	orgID := billingOrgID(event)
	if orgID == "" {
		return entitlement.Event{}, fmt.Errorf("%w: billing event %s (%s) carries no organization id",
			ErrUnparseableEvent, event.ID, event.Type)
	}
	ev.OrgID = orgID
	return ev, nil
}

// billingOrgID extracts our organization id from the provider object.
func billingOrgID(event stripe.Event) string {
	obj := event.Data.Object
	if meta, ok := obj["metadata"].(map[string]interface{}); ok {
		if id, ok := meta["organizationId"].(string); ok && id != "" {
			return id
		}
	}
	if id, ok := obj["client_reference_id"].(string); ok {
		return id
	}
	return ""
}

func cancelAtPeriodEnd(event stripe.Event) bool {
	v, _ := event.Data.Object["cancel_at_period_end"].(bool)
	return v
}

// integrationPayload is the subset of the provider's installation payload the
// engine reads.
type integrationPayload struct {
	Action       string `json:"action"`
	Installation struct {
		ID                  int64  `json:"id"`
		RepositorySelection string `json:"repository_selection"`
		UpdatedAt           string `json:"updated_at"`
	} `json:"installation"`
	OrganizationID string `json:"organizationId"`
	OccurredAt     string `json:"occurredAt"`
}

// NormalizeIntegration maps a verified integration delivery to a canonical
// integration event. eventType and deliveryID come from the provider's
// headers; the delivery id is the provider event id for dedup purposes.
//
// A non-installation event type, or an unrecognized installation action, is
// normalized to an Ignored event. If such a delivery cannot be attributed to
// an organization at all, the returned event has an empty OrgID and the
// caller simply acknowledges it.
func (n *Normalizer) NormalizeIntegration(ctx context.Context, eventType, deliveryID string, payload []byte) (entitlement.Event, error) {
	if deliveryID == "" {
		return entitlement.Event{}, fmt.Errorf("%w: integration delivery has no id", ErrUnparseableEvent)
	}

	var body integrationPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return entitlement.Event{}, fmt.Errorf("%w: %v", ErrUnparseableEvent, err)
	}

	ev := entitlement.Event{
		Source:     org.SourceIntegration,
		EventID:    deliveryID,
		Type:       eventType + "." + body.Action,
		OccurredAt: integrationOccurredAt(body),
	}

	if eventType != "installation" {
		ev.Type = eventType
		ev.Ignored = true
	} else {
		switch body.Action {
		case "created", "installed":
			if body.Installation.RepositorySelection != "" && body.Installation.RepositorySelection != "all" {
				return entitlement.Event{}, fmt.Errorf("%w: app must be installed on all repositories",
					ErrUnparseableEvent)
			}
			ev.Installation = org.InstallationActive
		case "deleted", "uninstalled":
			ev.Installation = org.InstallationNotInstalled
		case "suspend", "suspended":
			ev.Installation = org.InstallationSuspended
		case "unsuspend", "unsuspended", "new_permissions_accepted":
			ev.Installation = org.InstallationActive
		case "permissions_required":
			ev.Installation = org.InstallationNewPermissionsRequired
		default:
			ev.Ignored = true
		}
	}

	ev.OrgID = body.OrganizationID
	if ev.OrgID == "" && body.Installation.ID != 0 {
		o, err := n.resolver.GetByInstallationID(ctx, body.Installation.ID)
		if err == nil {
			ev.OrgID = o.ID
		} else if !ev.Ignored {
			return entitlement.Event{}, fmt.Errorf("%w: installation %d is not registered: %v",
				org.ErrNotFound, body.Installation.ID, err)
		}
	}
	if ev.OrgID == "" && !ev.Ignored {
		return entitlement.Event{}, fmt.Errorf("%w: installation event carries no organization", ErrUnparseableEvent)
	}
	return ev, nil
}

func integrationOccurredAt(body integrationPayload) time.Time {
	for _, raw := range []string{body.OccurredAt, body.Installation.UpdatedAt} {
		if raw == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t.UTC()
		}
	}
	// No provider timestamp; fall back to receipt time.
	return time.Now().UTC()
}
