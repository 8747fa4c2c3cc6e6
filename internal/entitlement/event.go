// Package entitlement implements the reconciliation engine: it merges
// asynchronous, possibly duplicate or out-of-order billing and integration
// events into one authoritative status record per organization and derives
// the access decision every authorization check consumes.
package entitlement

import (
	"errors"
	"time"

	"github.com/relayci/console/internal/org"
)

// ErrReconciliationFailed means the compare-and-swap retry budget was
// exhausted; the caller should surface a retryable failure so the provider
// redelivers. Stale and terminal-state deliveries are not errors: they are
// acknowledged and classified by the Result outcome.
var ErrReconciliationFailed = errors.New("entitlement: reconciliation failed")

// Event is a canonical fact about one axis of an organization's entitlement,
// produced by the normalizer from a provider webhook. Events are transient:
// nothing beyond the dedup bookkeeping survives application.
type Event struct {
	Source     org.Source
	OrgID      string
	EventID    string
	Type       string // provider event type, for logs and the audit trail
	OccurredAt time.Time

	// Subscription is the new billing-axis value carried by a billing event.
	Subscription org.SubscriptionStatus
	// Installation is the new integration-axis value carried by an
	// integration event.
	Installation org.InstallationStatus
	// PeriodEnded marks the billing event that closes out a subscription
	// (the only event that may yield CANCELLED).
	PeriodEnded bool
	// Ignored marks a recognized-but-unhandled event type: dedup-tracked so
	// redeliveries are not logged as novel, but it applies no transition.
	Ignored bool
}

// Outcome classifies what applying an event did.
type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeDuplicate        Outcome = "duplicate"
	OutcomeStale            Outcome = "stale"
	OutcomeTerminalConflict Outcome = "terminal_conflict"
	OutcomeIgnored          Outcome = "ignored"
)

// Result reports the effect of one event application.
type Result struct {
	Outcome  Outcome            `json:"outcome"`
	Decision org.AccessDecision `json:"accessDecision"`
	Changed  bool               `json:"changed"` // true when the decision changed
}

// Change describes a committed access-decision transition. Delivered to
// change listeners best-effort, after the store write.
type Change struct {
	OrgID string             `json:"organizationId"`
	Old   org.AccessDecision `json:"old"`
	New   org.AccessDecision `json:"new"`
	At    time.Time          `json:"at"`
}
