package entitlement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/relayci/console/internal/org"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestOrg(t *testing.T, store org.Store) *org.Organization {
	t.Helper()
	o := org.New("org_1", "acme")
	if err := store.Create(context.Background(), o); err != nil {
		t.Fatalf("create org: %v", err)
	}
	return o
}

func at(sec int) time.Time {
	return time.Date(2026, 3, 1, 0, 0, sec, 0, time.UTC)
}

func billingEvent(id string, sec int, status org.SubscriptionStatus) Event {
	return Event{
		Source:       org.SourceBilling,
		OrgID:        "org_1",
		EventID:      id,
		Type:         "test.billing",
		OccurredAt:   at(sec),
		Subscription: status,
	}
}

func integrationEvent(id string, sec int, status org.InstallationStatus) Event {
	return Event{
		Source:       org.SourceIntegration,
		OrgID:        "org_1",
		EventID:      id,
		Type:         "test.integration",
		OccurredAt:   at(sec),
		Installation: status,
	}
}

// Walks an organization through activation, installation, a permissions
// prompt, a stale suspension, and a redelivery.
func TestReconcilerLifecycle(t *testing.T) {
	ctx := context.Background()
	store := org.NewMemoryStore()
	newTestOrg(t, store)
	r := NewReconciler(store, testLogger)

	// Billing activates at t=1: still no installation, so access stays denied.
	res, err := r.Apply(ctx, billingEvent("evt_a", 1, org.SubscriptionActive))
	if err != nil {
		t.Fatalf("apply activation: %v", err)
	}
	if res.Outcome != OutcomeApplied || res.Decision != org.DecisionDeny {
		t.Fatalf("after activation: outcome=%s decision=%s, want applied/DENY", res.Outcome, res.Decision)
	}

	// Installation at t=2 opens access.
	res, err = r.Apply(ctx, integrationEvent("evt_b", 2, org.InstallationActive))
	if err != nil {
		t.Fatalf("apply install: %v", err)
	}
	if res.Decision != org.DecisionAllow || !res.Changed {
		t.Fatalf("after install: decision=%s changed=%v, want ALLOW/true", res.Decision, res.Changed)
	}

	// New permissions required at t=3 degrades access.
	res, err = r.Apply(ctx, integrationEvent("evt_c", 3, org.InstallationNewPermissionsRequired))
	if err != nil {
		t.Fatalf("apply permissions_required: %v", err)
	}
	if res.Decision != org.DecisionDegraded {
		t.Fatalf("after permissions_required: decision=%s, want DEGRADED", res.Decision)
	}

	// A suspension stamped t=0 arrives late: older than the billing
	// high-water mark (t=1), so it is dropped as stale.
	res, err = r.Apply(ctx, billingEvent("evt_d", 0, org.SubscriptionSuspended))
	if err != nil {
		t.Fatalf("apply stale: %v", err)
	}
	if res.Outcome != OutcomeStale {
		t.Fatalf("stale event outcome = %s, want stale", res.Outcome)
	}
	got, _ := store.Get(ctx, "org_1")
	if got.SubscriptionStatus != org.SubscriptionActive {
		t.Fatalf("stale event mutated subscription to %s", got.SubscriptionStatus)
	}

	// The activation event is redelivered: dropped as a duplicate, and the
	// audit trail still holds exactly one entry for it.
	res, err = r.Apply(ctx, billingEvent("evt_a", 1, org.SubscriptionActive))
	if err != nil {
		t.Fatalf("apply redelivery: %v", err)
	}
	if res.Outcome != OutcomeDuplicate {
		t.Fatalf("redelivery outcome = %s, want duplicate", res.Outcome)
	}
	got, _ = store.Get(ctx, "org_1")
	count := 0
	for _, pe := range got.ProcessedEvents {
		if pe.Source == org.SourceBilling && pe.EventID == "evt_a" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("evt_a appears %d times in the audit trail, want 1", count)
	}
}

func TestReconcilerIdempotence(t *testing.T) {
	ctx := context.Background()
	store := org.NewMemoryStore()
	newTestOrg(t, store)
	r := NewReconciler(store, testLogger)

	ev := billingEvent("evt_1", 5, org.SubscriptionActive)
	if _, err := r.Apply(ctx, ev); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	first, _ := store.Get(ctx, "org_1")

	res, err := r.Apply(ctx, ev)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if res.Outcome != OutcomeDuplicate {
		t.Fatalf("second apply outcome = %s, want duplicate", res.Outcome)
	}
	second, _ := store.Get(ctx, "org_1")

	if second.SubscriptionStatus != first.SubscriptionStatus ||
		second.InstallationStatus != first.InstallationStatus ||
		second.AccessDecision != first.AccessDecision ||
		!second.BillingWatermark.Equal(first.BillingWatermark) ||
		second.Version != first.Version {
		t.Fatalf("redelivery changed the record:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

// For any arrival order of one source's events, the final status equals the
// value carried by the event with the maximum occurredAt.
func TestReconcilerOrderIndependenceWithinSource(t *testing.T) {
	events := []Event{
		billingEvent("evt_1", 1, org.SubscriptionActive),
		billingEvent("evt_2", 2, org.SubscriptionSuspended),
		billingEvent("evt_3", 3, org.SubscriptionActive),
		billingEvent("evt_4", 4, org.SubscriptionPendingCancellation),
	}

	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 10; trial++ {
		perm := rng.Perm(len(events))

		ctx := context.Background()
		store := org.NewMemoryStore()
		newTestOrg(t, store)
		r := NewReconciler(store, testLogger)

		for _, i := range perm {
			if _, err := r.Apply(ctx, events[i]); err != nil {
				t.Fatalf("perm %v: apply %s: %v", perm, events[i].EventID, err)
			}
		}

		got, _ := store.Get(ctx, "org_1")
		if got.SubscriptionStatus != org.SubscriptionPendingCancellation {
			t.Fatalf("perm %v: final subscription = %s, want PENDING_CANCELLATION",
				perm, got.SubscriptionStatus)
		}
		if !got.BillingWatermark.Equal(at(4)) {
			t.Fatalf("perm %v: watermark = %v, want %v", perm, got.BillingWatermark, at(4))
		}
	}
}

// Interleaving the two sources in any relative order yields the same final
// pair as applying each source independently.
func TestReconcilerCrossSourceIndependence(t *testing.T) {
	billing := []Event{
		billingEvent("b_1", 1, org.SubscriptionActive),
		billingEvent("b_2", 3, org.SubscriptionSuspended),
	}
	integration := []Event{
		integrationEvent("i_1", 2, org.InstallationActive),
		integrationEvent("i_2", 4, org.InstallationSuspended),
	}

	interleavings := [][]Event{
		{billing[0], billing[1], integration[0], integration[1]},
		{integration[0], integration[1], billing[0], billing[1]},
		{billing[0], integration[0], billing[1], integration[1]},
		{integration[1], billing[1], integration[0], billing[0]}, // fully reversed
	}

	for i, seq := range interleavings {
		ctx := context.Background()
		store := org.NewMemoryStore()
		newTestOrg(t, store)
		r := NewReconciler(store, testLogger)

		for _, ev := range seq {
			if _, err := r.Apply(ctx, ev); err != nil {
				t.Fatalf("interleaving %d: apply %s: %v", i, ev.EventID, err)
			}
		}

		got, _ := store.Get(ctx, "org_1")
		if got.SubscriptionStatus != org.SubscriptionSuspended {
			t.Fatalf("interleaving %d: subscription = %s, want SUSPENDED", i, got.SubscriptionStatus)
		}
		if got.InstallationStatus != org.InstallationSuspended {
			t.Fatalf("interleaving %d: installation = %s, want SUSPENDED", i, got.InstallationStatus)
		}
	}
}

func TestReconcilerEqualTimestampApplies(t *testing.T) {
	ctx := context.Background()
	store := org.NewMemoryStore()
	newTestOrg(t, store)
	r := NewReconciler(store, testLogger)

	if _, err := r.Apply(ctx, billingEvent("evt_1", 1, org.SubscriptionActive)); err != nil {
		t.Fatal(err)
	}
	// Distinct event stamped with the same occurredAt: not stale.
	res, err := r.Apply(ctx, billingEvent("evt_2", 1, org.SubscriptionSuspended))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeApplied {
		t.Fatalf("equal-timestamp event outcome = %s, want applied", res.Outcome)
	}
	got, _ := store.Get(ctx, "org_1")
	if got.SubscriptionStatus != org.SubscriptionSuspended {
		t.Fatalf("subscription = %s, want SUSPENDED", got.SubscriptionStatus)
	}
}

func TestReconcilerTerminalState(t *testing.T) {
	ctx := context.Background()
	store := org.NewMemoryStore()
	newTestOrg(t, store)
	r := NewReconciler(store, testLogger)

	// Activate, then close the subscription via period end.
	if _, err := r.Apply(ctx, billingEvent("evt_1", 1, org.SubscriptionActive)); err != nil {
		t.Fatal(err)
	}
	periodEnd := billingEvent("evt_2", 2, org.SubscriptionCancelled)
	periodEnd.PeriodEnded = true
	res, err := r.Apply(ctx, periodEnd)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeApplied {
		t.Fatalf("period end outcome = %s, want applied", res.Outcome)
	}
	got, _ := store.Get(ctx, "org_1")
	if got.SubscriptionStatus != org.SubscriptionCancelled {
		t.Fatalf("subscription = %s, want CANCELLED", got.SubscriptionStatus)
	}

	// A later reactivation attempt bounces off the terminal state.
	res, err = r.Apply(ctx, billingEvent("evt_3", 3, org.SubscriptionActive))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeTerminalConflict {
		t.Fatalf("post-cancel billing outcome = %s, want terminal_conflict", res.Outcome)
	}
	got, _ = store.Get(ctx, "org_1")
	if got.SubscriptionStatus != org.SubscriptionCancelled {
		t.Fatalf("terminal state was overwritten to %s", got.SubscriptionStatus)
	}

	// Integration events still apply: the axes are independent.
	res, err = r.Apply(ctx, integrationEvent("evt_4", 4, org.InstallationActive))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeApplied {
		t.Fatalf("integration event after cancel outcome = %s, want applied", res.Outcome)
	}
}

func TestReconcilerIgnoredEvent(t *testing.T) {
	ctx := context.Background()
	store := org.NewMemoryStore()
	newTestOrg(t, store)
	r := NewReconciler(store, testLogger)

	ev := billingEvent("evt_1", 1, "")
	ev.Ignored = true
	res, err := r.Apply(ctx, ev)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeIgnored {
		t.Fatalf("outcome = %s, want ignored", res.Outcome)
	}

	got, _ := store.Get(ctx, "org_1")
	if got.SubscriptionStatus != org.SubscriptionUnconfirmed {
		t.Fatalf("ignored event mutated subscription to %s", got.SubscriptionStatus)
	}
	// Tracked for dedup: redelivery is a duplicate, not a fresh ignore.
	res, err = r.Apply(ctx, ev)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeDuplicate {
		t.Fatalf("redelivered ignored event outcome = %s, want duplicate", res.Outcome)
	}
}

func TestReconcilerUnknownOrg(t *testing.T) {
	ctx := context.Background()
	store := org.NewMemoryStore()
	r := NewReconciler(store, testLogger)

	_, err := r.Apply(ctx, billingEvent("evt_1", 1, org.SubscriptionActive))
	if !errors.Is(err, org.ErrNotFound) {
		t.Fatalf("apply for unknown org = %v, want ErrNotFound", err)
	}
}

func TestReconcilerMissingOrgID(t *testing.T) {
	r := NewReconciler(org.NewMemoryStore(), testLogger)
	ev := billingEvent("evt_1", 1, org.SubscriptionActive)
	ev.OrgID = ""
	if _, err := r.Apply(context.Background(), ev); err == nil {
		t.Fatal("expected error for event without organization id")
	}
}

// conflictingStore wraps a MemoryStore and forces the first n CompareAndSwap
// calls to fail with a version conflict.
type conflictingStore struct {
	org.Store
	mu        sync.Mutex
	conflicts int
}

func (c *conflictingStore) CompareAndSwap(ctx context.Context, expectedVersion int64, o *org.Organization) error {
	c.mu.Lock()
	remaining := c.conflicts
	if remaining > 0 {
		c.conflicts--
	}
	c.mu.Unlock()
	if remaining > 0 {
		return org.ErrVersionConflict
	}
	return c.Store.CompareAndSwap(ctx, expectedVersion, o)
}

func TestReconcilerRetriesVersionConflict(t *testing.T) {
	ctx := context.Background()
	mem := org.NewMemoryStore()
	store := &conflictingStore{Store: mem, conflicts: 2}
	newTestOrg(t, mem)
	r := NewReconciler(store, testLogger)

	res, err := r.Apply(ctx, billingEvent("evt_1", 1, org.SubscriptionActive))
	if err != nil {
		t.Fatalf("apply with transient conflicts: %v", err)
	}
	if res.Outcome != OutcomeApplied {
		t.Fatalf("outcome = %s, want applied", res.Outcome)
	}
}

func TestReconcilerExhaustsRetryBudget(t *testing.T) {
	ctx := context.Background()
	mem := org.NewMemoryStore()
	store := &conflictingStore{Store: mem, conflicts: 1000}
	newTestOrg(t, mem)
	r := NewReconciler(store, testLogger, WithMaxAttempts(3))

	_, err := r.Apply(ctx, billingEvent("evt_1", 1, org.SubscriptionActive))
	if !errors.Is(err, ErrReconciliationFailed) {
		t.Fatalf("err = %v, want ErrReconciliationFailed", err)
	}

	// The record is untouched: every attempt lost its CAS.
	got, _ := mem.Get(ctx, "org_1")
	if got.SubscriptionStatus != org.SubscriptionUnconfirmed {
		t.Fatalf("failed reconciliation left partial state: %s", got.SubscriptionStatus)
	}
}

func TestReconcilerConcurrentEventsOneOrg(t *testing.T) {
	ctx := context.Background()
	store := org.NewMemoryStore()
	newTestOrg(t, store)
	r := NewReconciler(store, testLogger)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := billingEvent(fmt.Sprintf("evt_%d", i), i+1, org.SubscriptionActive)
			if _, err := r.Apply(ctx, ev); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent apply: %v", err)
	}

	got, _ := store.Get(ctx, "org_1")
	if got.SubscriptionStatus != org.SubscriptionActive {
		t.Fatalf("final subscription = %s, want ACTIVE", got.SubscriptionStatus)
	}
	// All n events accounted for in the audit trail.
	if len(got.ProcessedEvents) != n {
		t.Fatalf("audit trail has %d entries, want %d", len(got.ProcessedEvents), n)
	}
	if !got.BillingWatermark.Equal(at(n)) {
		t.Fatalf("watermark = %v, want %v", got.BillingWatermark, at(n))
	}
}

func TestReconcilerChangeListener(t *testing.T) {
	ctx := context.Background()
	store := org.NewMemoryStore()
	newTestOrg(t, store)

	changes := make(chan Change, 4)
	r := NewReconciler(store, testLogger, WithChangeListener(func(ch Change) {
		changes <- ch
	}))

	// DENY -> DENY: no decision change, no notification.
	if _, err := r.Apply(ctx, billingEvent("evt_1", 1, org.SubscriptionActive)); err != nil {
		t.Fatal(err)
	}
	select {
	case ch := <-changes:
		t.Fatalf("unexpected change notification: %+v", ch)
	case <-time.After(50 * time.Millisecond):
	}

	// DENY -> ALLOW: one notification.
	if _, err := r.Apply(ctx, integrationEvent("evt_2", 2, org.InstallationActive)); err != nil {
		t.Fatal(err)
	}
	select {
	case ch := <-changes:
		if ch.Old != org.DecisionDeny || ch.New != org.DecisionAllow || ch.OrgID != "org_1" {
			t.Fatalf("change = %+v", ch)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a change notification")
	}
}

func TestReconcilerDeadline(t *testing.T) {
	mem := org.NewMemoryStore()
	store := &conflictingStore{Store: mem, conflicts: 1000}
	newTestOrg(t, mem)
	r := NewReconciler(store, testLogger, WithMaxAttempts(50))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := r.Apply(ctx, billingEvent("evt_1", 1, org.SubscriptionActive))
	if err == nil {
		t.Fatal("expected an error when the deadline expires mid-retry")
	}
}
