package org

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStoreCreateGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	o := New("org_1", "acme")
	o.GithubInstallationID = 42

	if err := store.Create(ctx, o); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, o); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate Create = %v, want ErrAlreadyExists", err)
	}

	got, err := store.Get(ctx, "org_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "acme" || got.GithubInstallationID != 42 {
		t.Errorf("Get returned %+v", got)
	}

	if _, err := store.Get(ctx, "org_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreGetByInstallationID(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	o := New("org_1", "acme")
	o.GithubInstallationID = 42
	if err := store.Create(ctx, o); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.GetByInstallationID(ctx, 42)
	if err != nil {
		t.Fatalf("GetByInstallationID: %v", err)
	}
	if got.ID != "org_1" {
		t.Errorf("got org %s, want org_1", got.ID)
	}

	if _, err := store.GetByInstallationID(ctx, 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown installation = %v, want ErrNotFound", err)
	}
	// Zero means "no installation linked" and must never match.
	if _, err := store.GetByInstallationID(ctx, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("zero installation id = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	o := New("org_1", "acme")
	if err := store.Create(ctx, o); err != nil {
		t.Fatalf("Create: %v", err)
	}

	cur, _ := store.Get(ctx, "org_1")
	cur.SubscriptionStatus = SubscriptionActive
	if err := store.CompareAndSwap(ctx, cur.Version, cur); err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}
	if cur.Version != 1 {
		t.Errorf("version after CAS = %d, want 1", cur.Version)
	}

	// A writer holding the old version loses.
	stale := New("org_1", "acme")
	stale.Version = 0
	if err := store.CompareAndSwap(ctx, stale.Version, stale); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("stale CAS = %v, want ErrVersionConflict", err)
	}

	missing := New("org_missing", "ghost")
	if err := store.CompareAndSwap(ctx, 0, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("CAS on missing org = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	o := New("org_1", "acme")
	if err := store.Create(ctx, o); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Mutating the original after Create must not affect the stored record.
	o.SubscriptionStatus = SubscriptionActive

	got, _ := store.Get(ctx, "org_1")
	if got.SubscriptionStatus != SubscriptionUnconfirmed {
		t.Error("mutation of caller's record leaked into the store")
	}

	// Mutating a Get result must not affect the stored record either.
	got.Name = "mutated"
	again, _ := store.Get(ctx, "org_1")
	if again.Name != "acme" {
		t.Error("mutation of a Get result leaked into the store")
	}
}
