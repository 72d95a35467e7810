package webhook

import (
	"context"
	"testing"
	"time"

	"github.com/DevSkillsIT/Skills-MCP-GLPI/pkg/models"
)

func TestMemoryStoreSubscriptions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	sub := Subscription{ID: "s1", Name: "ops", URL: "https://example.com/hook", Event: "ticket.created", Active: true, CreatedAt: now}
	if err := s.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := s.GetSubscription(ctx, "s1")
	if err != nil || got.Name != "ops" {
		t.Fatalf("get: %+v, %v", got, err)
	}
	if _, err := s.GetSubscription(ctx, "missing"); models.AsError(err).Kind != models.ErrNotFound {
		t.Fatalf("expected not found, got %v", err)
	}

	sub.Name = "ops-renamed"
	if err := s.UpdateSubscription(ctx, sub); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.UpdateSubscription(ctx, Subscription{ID: "missing"}); models.AsError(err).Kind != models.ErrNotFound {
		t.Fatalf("update missing: %v", err)
	}

	subs, err := s.ListSubscriptions(ctx)
	if err != nil || len(subs) != 1 || subs[0].Name != "ops-renamed" {
		t.Fatalf("list: %+v, %v", subs, err)
	}
}

func TestMemoryStoreSubscriptionsForEvent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.CreateSubscription(ctx, Subscription{ID: "a", Event: "ticket.created", Active: true})
	s.CreateSubscription(ctx, Subscription{ID: "b", Event: "ticket.created", Active: false})
	s.CreateSubscription(ctx, Subscription{ID: "c", Event: "asset.created", Active: true})

	subs, err := s.SubscriptionsForEvent(ctx, "ticket.created")
	if err != nil {
		t.Fatalf("event lookup: %v", err)
	}
	if len(subs) != 1 || subs[0].ID != "a" {
		t.Fatalf("only active matching subscriptions expected, got %+v", subs)
	}
}

func TestMemoryStoreClaimDue(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	s.CreateDelivery(ctx, Delivery{ID: "d1", Status: StatusQueued, NextRetryAt: now.Add(-2 * time.Second)})
	s.CreateDelivery(ctx, Delivery{ID: "d2", Status: StatusQueued, NextRetryAt: now.Add(-time.Second)})
	s.CreateDelivery(ctx, Delivery{ID: "d3", Status: StatusQueued, NextRetryAt: now.Add(time.Hour)})
	s.CreateDelivery(ctx, Delivery{ID: "d4", Status: StatusSucceeded, NextRetryAt: now.Add(-time.Hour)})

	due, err := s.ClaimDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(due) != 2 || due[0].ID != "d1" || due[1].ID != "d2" {
		t.Fatalf("expected d1,d2 in retry order, got %+v", due)
	}
	for _, d := range due {
		if d.Status != StatusDelivering {
			t.Fatalf("claimed delivery must flip to delivering: %+v", d)
		}
	}

	// A second claim must not hand the same deliveries out again.
	again, err := s.ClaimDue(ctx, now, 10)
	if err != nil || len(again) != 0 {
		t.Fatalf("double claim: %+v, %v", again, err)
	}
}

func TestMemoryStoreClaimDueMax(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()
	for _, id := range []string{"a", "b", "c"} {
		s.CreateDelivery(ctx, Delivery{ID: id, Status: StatusQueued, NextRetryAt: now.Add(-time.Second)})
	}
	due, err := s.ClaimDue(ctx, now, 2)
	if err != nil || len(due) != 2 {
		t.Fatalf("claim with max=2: %+v, %v", due, err)
	}
}

func TestMemoryStoreRequeueFailed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()
	s.CreateDelivery(ctx, Delivery{ID: "f1", SubscriptionID: "s1", Status: StatusFailed, AttemptCount: 5, LastError: "endpoint returned 500"})
	s.CreateDelivery(ctx, Delivery{ID: "f2", SubscriptionID: "s2", Status: StatusFailed, AttemptCount: 3, LastError: "timeout"})
	s.CreateDelivery(ctx, Delivery{ID: "q1", SubscriptionID: "s1", Status: StatusQueued})

	n, err := s.RequeueFailed(ctx, "s1", now)
	if err != nil || n != 1 {
		t.Fatalf("requeue s1: %d, %v", n, err)
	}
	due, _ := s.ClaimDue(ctx, now, 10)
	var requeued *Delivery
	for i := range due {
		if due[i].ID == "f1" {
			requeued = &due[i]
		}
	}
	if requeued == nil {
		t.Fatalf("f1 must be due after requeue, got %+v", due)
	}
	if requeued.AttemptCount != 0 || requeued.LastError != "" {
		t.Fatalf("requeue must reset the attempt budget: %+v", requeued)
	}

	// Empty subscription id requeues every remaining failed delivery.
	n, err = s.RequeueFailed(ctx, "", now)
	if err != nil || n != 1 {
		t.Fatalf("requeue all: %d, %v", n, err)
	}
}

func TestMemoryStoreStatsAndPending(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.CreateDelivery(ctx, Delivery{ID: "a", SubscriptionID: "s1", Status: StatusQueued})
	s.CreateDelivery(ctx, Delivery{ID: "b", SubscriptionID: "s1", Status: StatusDelivering})
	s.CreateDelivery(ctx, Delivery{ID: "c", SubscriptionID: "s1", Status: StatusSucceeded})
	s.CreateDelivery(ctx, Delivery{ID: "d", SubscriptionID: "s2", Status: StatusFailed})

	st, err := s.Stats(ctx, "s1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Queued != 1 || st.InFlight != 1 || st.Succeeded != 1 || st.Failed != 0 {
		t.Fatalf("unexpected stats for s1: %+v", st)
	}
	all, err := s.Stats(ctx, "")
	if err != nil || all.Failed != 1 {
		t.Fatalf("unexpected global stats: %+v, %v", all, err)
	}

	pending, err := s.PendingCount(ctx)
	if err != nil || pending != 2 {
		t.Fatalf("pending: %d, %v", pending, err)
	}
}

func TestMemoryStoreDeleteSubscriptionCascades(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.CreateSubscription(ctx, Subscription{ID: "s1"})
	s.CreateDelivery(ctx, Delivery{ID: "d1", SubscriptionID: "s1", Status: StatusQueued})
	s.CreateDelivery(ctx, Delivery{ID: "d2", SubscriptionID: "other", Status: StatusQueued})

	if err := s.DeleteSubscription(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	left, err := s.ListDeliveries(ctx, "", 0)
	if err != nil || len(left) != 1 || left[0].ID != "d2" {
		t.Fatalf("cascade delete failed: %+v, %v", left, err)
	}
}
