package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/relayci/console/internal/metrics"
	"github.com/relayci/console/internal/org"
	"github.com/relayci/console/internal/retry"
	"github.com/relayci/console/internal/syncutil"
)

// Default tuning. Stripe redelivers for up to three days; GitHub redelivery is
// manual. The retention window must exceed the longest redelivery window so a
// redelivered event is always still in the dedup set.
const (
	DefaultMaxAttempts    = 5
	DefaultRetryBaseDelay = 25 * time.Millisecond
	DefaultDedupRetention = 72 * time.Hour
	DefaultDedupMaxIDs    = 512
)

// ChangeListener receives committed access-decision changes. Listeners are
// invoked asynchronously after the store write; delivery is best-effort and
// a slow or failing listener never blocks or fails reconciliation.
type ChangeListener func(Change)

// Reconciler is the single writer of organization status records. Events for
// one organization are serialized through a per-key lock; different
// organizations never contend.
type Reconciler struct {
	store       org.Store
	locks       *syncutil.ContextShardedMutex
	logger      *slog.Logger
	maxAttempts int
	baseDelay   time.Duration
	retention   time.Duration
	maxDedupIDs int
	listeners   []ChangeListener
	now         func() time.Time
}

// Option configures the reconciler.
type Option func(*Reconciler)

// WithMaxAttempts bounds the compare-and-swap retry loop.
func WithMaxAttempts(n int) Option {
	return func(r *Reconciler) { r.maxAttempts = n }
}

// WithDedupRetention sets how long processed event ids are kept. It must
// exceed the provider's maximum redelivery window.
func WithDedupRetention(d time.Duration) Option {
	return func(r *Reconciler) { r.retention = d }
}

// WithChangeListener registers a listener for committed decision changes.
func WithChangeListener(fn ChangeListener) Option {
	return func(r *Reconciler) { r.listeners = append(r.listeners, fn) }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// NewReconciler creates a reconciler writing through the given store.
func NewReconciler(store org.Store, logger *slog.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:       store,
		locks:       syncutil.NewContextShardedMutex(),
		logger:      logger,
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultRetryBaseDelay,
		retention:   DefaultDedupRetention,
		maxDedupIDs: DefaultDedupMaxIDs,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply reconciles one canonical event into the organization's status record.
//
// Admission order: dedup first, then per-source ordering, then the transition.
// Duplicates, stale events, and terminal-state conflicts all return a
// successful Result (the delivery is acknowledged so the provider stops
// redelivering); only store failures and an exhausted retry budget return an
// error.
func (r *Reconciler) Apply(ctx context.Context, ev Event) (*Result, error) {
	if ev.OrgID == "" {
		return nil, fmt.Errorf("entitlement: event %s has no organization id", ev.EventID)
	}

	unlock, err := r.locks.LockContext(ctx, ev.OrgID)
	if err != nil {
		return nil, fmt.Errorf("entitlement: acquire org lock: %w", err)
	}
	defer unlock()

	var res *Result
	err = retry.Do(ctx, r.maxAttempts, r.baseDelay, func() error {
		var applyErr error
		res, applyErr = r.applyOnce(ctx, ev)
		if applyErr == nil {
			return nil
		}
		if errors.Is(applyErr, org.ErrVersionConflict) {
			metrics.ReconcileConflictsTotal.Inc()
			return applyErr // transient, re-read and retry
		}
		return retry.Permanent(applyErr)
	})
	if err != nil {
		if errors.Is(err, org.ErrVersionConflict) {
			metrics.ReconcileFailuresTotal.Inc()
			return nil, fmt.Errorf("%w: %s after %d attempts", ErrReconciliationFailed, ev.EventID, r.maxAttempts)
		}
		return nil, err
	}

	metrics.EntitlementEventsTotal.WithLabelValues(string(ev.Source), string(res.Outcome)).Inc()
	return res, nil
}

// applyOnce runs one admission/ordering/transition pass against a fresh read.
func (r *Reconciler) applyOnce(ctx context.Context, ev Event) (*Result, error) {
	o, err := r.store.Get(ctx, ev.OrgID)
	if err != nil {
		return nil, fmt.Errorf("entitlement: load organization %s: %w", ev.OrgID, err)
	}

	// Dedup: redelivery of an already-applied event is a successful no-op.
	if o.SeenEvent(ev.Source, ev.EventID) {
		r.logger.Debug("duplicate event dropped",
			"org", ev.OrgID, "source", ev.Source, "event_id", ev.EventID)
		return &Result{Outcome: OutcomeDuplicate, Decision: o.AccessDecision}, nil
	}

	// Ordering, per source: strictly older than the high-water mark is stale.
	// Equal timestamps apply (same-instant; true duplicates were caught above).
	if ev.OccurredAt.Before(o.Watermark(ev.Source)) {
		r.logger.Warn("stale event dropped",
			"org", ev.OrgID, "source", ev.Source, "event_id", ev.EventID,
			"occurred_at", ev.OccurredAt, "watermark", o.Watermark(ev.Source))
		return r.commit(ctx, o, ev, OutcomeStale)
	}

	if ev.Ignored {
		return r.commit(ctx, o, ev, OutcomeIgnored)
	}

	switch ev.Source {
	case org.SourceBilling:
		// CANCELLED is terminal; reactivation is a new re-subscription flow.
		if o.SubscriptionStatus == org.SubscriptionCancelled {
			r.logger.Warn("billing event rejected, subscription cancelled",
				"org", ev.OrgID, "event_id", ev.EventID, "type", ev.Type)
			return r.commit(ctx, o, ev, OutcomeTerminalConflict)
		}
		if ev.PeriodEnded {
			o.SubscriptionStatus = org.SubscriptionCancelled
		} else {
			o.SubscriptionStatus = ev.Subscription
		}
		o.SetWatermark(ev.Source, ev.OccurredAt)

	case org.SourceIntegration:
		o.InstallationStatus = ev.Installation
		o.SetWatermark(ev.Source, ev.OccurredAt)
	}

	return r.commit(ctx, o, ev, OutcomeApplied)
}

// commit records the event id in the dedup set, recomputes the decision, and
// writes the record under compare-and-swap.
func (r *Reconciler) commit(ctx context.Context, o *org.Organization, ev Event, outcome Outcome) (*Result, error) {
	now := r.now().UTC()
	prev := o.AccessDecision

	o.RecordEvent(org.ProcessedEvent{
		Source:  ev.Source,
		EventID: ev.EventID,
		Outcome: string(outcome),
		SeenAt:  now,
	}, r.retention, r.maxDedupIDs)
	o.AccessDecision = org.Decide(o.SubscriptionStatus, o.InstallationStatus)
	o.UpdatedAt = now

	if err := r.store.CompareAndSwap(ctx, o.Version, o); err != nil {
		return nil, err
	}

	changed := o.AccessDecision != prev
	if changed {
		metrics.DecisionChangesTotal.WithLabelValues(string(o.AccessDecision)).Inc()
		r.logger.Info("access decision changed",
			"org", o.ID, "old", prev, "new", o.AccessDecision,
			"subscription", o.SubscriptionStatus, "installation", o.InstallationStatus)
		r.notifyChange(Change{OrgID: o.ID, Old: prev, New: o.AccessDecision, At: now})
	}

	return &Result{Outcome: outcome, Decision: o.AccessDecision, Changed: changed}, nil
}

// notifyChange fans the change out to listeners without blocking the caller.
func (r *Reconciler) notifyChange(ch Change) {
	for _, fn := range r.listeners {
		go fn(ch)
	}
}
