package webhook

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/DevSkillsIT/Skills-MCP-GLPI/pkg/models"
)

// Store persists subscriptions and deliveries. ClaimDue must hand each
// queued delivery to at most one caller.
type Store interface {
	CreateSubscription(ctx context.Context, sub Subscription) error
	GetSubscription(ctx context.Context, id string) (Subscription, error)
	ListSubscriptions(ctx context.Context) ([]Subscription, error)
	UpdateSubscription(ctx context.Context, sub Subscription) error
	DeleteSubscription(ctx context.Context, id string) error
	SubscriptionsForEvent(ctx context.Context, event string) ([]Subscription, error)

	CreateDelivery(ctx context.Context, d Delivery) error
	UpdateDelivery(ctx context.Context, d Delivery) error
	ClaimDue(ctx context.Context, now time.Time, max int) ([]Delivery, error)
	ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]Delivery, error)
	RequeueFailed(ctx context.Context, subscriptionID string, now time.Time) (int, error)
	Stats(ctx context.Context, subscriptionID string) (Stats, error)
	PendingCount(ctx context.Context) (int, error)
}

// MemoryStore keeps everything in process. Default when DATABASE_URL is
// not configured.
type MemoryStore struct {
	mu         sync.Mutex
	subs       map[string]Subscription
	deliveries map[string]Delivery
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:       make(map[string]Subscription),
		deliveries: make(map[string]Delivery),
	}
}

func (s *MemoryStore) CreateSubscription(_ context.Context, sub Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.ID] = sub
	return nil
}

func (s *MemoryStore) GetSubscription(_ context.Context, id string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return Subscription{}, models.NotFound("subscription", id)
	}
	return sub, nil
}

func (s *MemoryStore) ListSubscriptions(_ context.Context) ([]Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateSubscription(_ context.Context, sub Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub.ID]; !ok {
		return models.NotFound("subscription", sub.ID)
	}
	s.subs[sub.ID] = sub
	return nil
}

func (s *MemoryStore) DeleteSubscription(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[id]; !ok {
		return models.NotFound("subscription", id)
	}
	delete(s.subs, id)
	for did, d := range s.deliveries {
		if d.SubscriptionID == id {
			delete(s.deliveries, did)
		}
	}
	return nil
}

func (s *MemoryStore) SubscriptionsForEvent(_ context.Context, event string) ([]Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Subscription
	for _, sub := range s.subs {
		if sub.Active && sub.Event == event {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CreateDelivery(_ context.Context, d Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries[d.ID] = d
	return nil
}

func (s *MemoryStore) UpdateDelivery(_ context.Context, d Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deliveries[d.ID]; !ok {
		return models.NotFound("delivery", d.ID)
	}
	s.deliveries[d.ID] = d
	return nil
}

func (s *MemoryStore) ClaimDue(_ context.Context, now time.Time, max int) ([]Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Delivery
	for _, d := range s.deliveries {
		if d.Status == StatusQueued && !d.NextRetryAt.After(now) {
			due = append(due, d)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(due[j].NextRetryAt) })
	if max > 0 && len(due) > max {
		due = due[:max]
	}
	for i := range due {
		due[i].Status = StatusDelivering
		due[i].UpdatedAt = now
		s.deliveries[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *MemoryStore) ListDeliveries(_ context.Context, subscriptionID string, limit int) ([]Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Delivery
	for _, d := range s.deliveries {
		if subscriptionID == "" || d.SubscriptionID == subscriptionID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) RequeueFailed(_ context.Context, subscriptionID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, d := range s.deliveries {
		if d.Status != StatusFailed {
			continue
		}
		if subscriptionID != "" && d.SubscriptionID != subscriptionID {
			continue
		}
		d.Status = StatusQueued
		d.AttemptCount = 0
		d.LastError = ""
		d.NextRetryAt = now
		d.UpdatedAt = now
		s.deliveries[id] = d
		n++
	}
	return n, nil
}

func (s *MemoryStore) Stats(_ context.Context, subscriptionID string) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{SubscriptionID: subscriptionID}
	for _, d := range s.deliveries {
		if subscriptionID != "" && d.SubscriptionID != subscriptionID {
			continue
		}
		switch d.Status {
		case StatusQueued:
			st.Queued++
		case StatusDelivering:
			st.InFlight++
		case StatusSucceeded:
			st.Succeeded++
		case StatusFailed:
			st.Failed++
		}
	}
	return st, nil
}

func (s *MemoryStore) PendingCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.deliveries {
		if d.Status == StatusQueued || d.Status == StatusDelivering {
			n++
		}
	}
	return n, nil
}
