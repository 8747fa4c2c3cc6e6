// Package org defines the organization status record, the unit of consistency
// for entitlement decisions.
package org

import (
	"errors"
	"time"
)

// Errors
var (
	ErrNotFound        = errors.New("org: not found")
	ErrAlreadyExists   = errors.New("org: already exists")
	ErrVersionConflict = errors.New("org: version conflict")
)

// SubscriptionStatus is the billing axis of an organization's entitlement.
type SubscriptionStatus string

const (
	SubscriptionUnconfirmed         SubscriptionStatus = "UNCONFIRMED"
	SubscriptionActive              SubscriptionStatus = "ACTIVE"
	SubscriptionSuspended           SubscriptionStatus = "SUSPENDED"
	SubscriptionPendingCancellation SubscriptionStatus = "PENDING_CANCELLATION"
	SubscriptionCancelled           SubscriptionStatus = "CANCELLED"
)

// InstallationStatus is the source-control integration axis.
type InstallationStatus string

const (
	InstallationNotInstalled           InstallationStatus = "NOT_INSTALLED"
	InstallationActive                 InstallationStatus = "ACTIVE"
	InstallationSuspended              InstallationStatus = "SUSPENDED"
	InstallationNewPermissionsRequired InstallationStatus = "NEW_PERMISSIONS_REQUIRED"
)

// AccessDecision is the derived verdict consumed by every authorization check.
type AccessDecision string

const (
	DecisionAllow    AccessDecision = "ALLOW"
	DecisionDegraded AccessDecision = "DEGRADED"
	DecisionDeny     AccessDecision = "DENY"
)

// Source identifies which provider an event came from. The two sources are
// independent axes and are never ordered against each other.
type Source string

const (
	SourceBilling     Source = "billing"
	SourceIntegration Source = "integration"
)

// Decide derives the access decision from the status pair. It is a pure
// function; the stored decision is only a cache of this result.
func Decide(sub SubscriptionStatus, inst InstallationStatus) AccessDecision {
	if sub != SubscriptionActive {
		return DecisionDeny
	}
	switch inst {
	case InstallationActive:
		return DecisionAllow
	case InstallationNewPermissionsRequired:
		return DecisionDegraded
	default:
		return DecisionDeny
	}
}

// ProcessedEvent is one entry in the dedup set: a provider event id that has
// already been seen, with the outcome of its first application.
type ProcessedEvent struct {
	Source  Source    `json:"source"`
	EventID string    `json:"eventId"`
	Outcome string    `json:"outcome"`
	SeenAt  time.Time `json:"seenAt"`
}

// Organization is the per-organization status record. It is mutated only by
// the entitlement reconciler; the Version field drives optimistic concurrency.
type Organization struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	SubscriptionStatus SubscriptionStatus `json:"subscriptionStatus"`
	InstallationStatus InstallationStatus `json:"installationStatus"`

	// GithubInstallationID links integration webhook deliveries (which carry
	// only the provider's installation id) back to the organization.
	GithubInstallationID int64 `json:"githubInstallationId,omitempty"`

	// High-water marks: the latest accepted event timestamp per source.
	BillingWatermark     time.Time `json:"billingWatermark"`
	IntegrationWatermark time.Time `json:"integrationWatermark"`

	// ProcessedEvents is the bounded dedup set, pruned on write.
	ProcessedEvents []ProcessedEvent `json:"processedEvents,omitempty"`

	// AccessDecision is derived via Decide; never set independently.
	AccessDecision AccessDecision `json:"accessDecision"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// New returns a status record at its initial values. Records are created once
// by the organization registration flow and never deleted.
func New(id, name string) *Organization {
	now := time.Now().UTC()
	o := &Organization{
		ID:                 id,
		Name:               name,
		SubscriptionStatus: SubscriptionUnconfirmed,
		InstallationStatus: InstallationNotInstalled,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	o.AccessDecision = Decide(o.SubscriptionStatus, o.InstallationStatus)
	return o
}

// Watermark returns the high-water mark for the given source.
func (o *Organization) Watermark(src Source) time.Time {
	if src == SourceBilling {
		return o.BillingWatermark
	}
	return o.IntegrationWatermark
}

// SetWatermark advances the high-water mark for the given source.
func (o *Organization) SetWatermark(src Source, t time.Time) {
	if src == SourceBilling {
		o.BillingWatermark = t
	} else {
		o.IntegrationWatermark = t
	}
}

// SeenEvent reports whether the (source, eventID) pair is in the dedup set.
func (o *Organization) SeenEvent(src Source, eventID string) bool {
	for i := range o.ProcessedEvents {
		if o.ProcessedEvents[i].Source == src && o.ProcessedEvents[i].EventID == eventID {
			return true
		}
	}
	return false
}

// RecordEvent adds an event id to the dedup set and prunes entries older than
// the retention window. maxEntries caps the set so a single organization can
// never grow it without bound; the oldest entries are evicted first.
func (o *Organization) RecordEvent(pe ProcessedEvent, retention time.Duration, maxEntries int) {
	cutoff := pe.SeenAt.Add(-retention)
	kept := o.ProcessedEvents[:0]
	for _, e := range o.ProcessedEvents {
		if e.SeenAt.After(cutoff) {
			kept = append(kept, e)
		}
	}
	kept = append(kept, pe)
	if maxEntries > 0 && len(kept) > maxEntries {
		kept = kept[len(kept)-maxEntries:]
	}
	o.ProcessedEvents = kept
}

// Clone returns a deep copy so callers can mutate without aliasing store state.
func (o *Organization) Clone() *Organization {
	cp := *o
	if o.ProcessedEvents != nil {
		cp.ProcessedEvents = make([]ProcessedEvent, len(o.ProcessedEvents))
		copy(cp.ProcessedEvents, o.ProcessedEvents)
	}
	return &cp
}
