package webhook

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Delivery statuses. Queued→Delivering→{Succeeded | Queued(retry) | Failed}.
// Succeeded and Failed are terminal; Failed can only leave via an explicit
// operator retry, which resets the delivery rather than transitioning it.
const (
	StatusQueued     = "queued"
	StatusDelivering = "delivering"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
)

var ErrInvalidTransition = errors.New("invalid delivery transition")

func CanTransition(from, to string) bool {
	switch from {
	case StatusQueued:
		return to == StatusDelivering
	case StatusDelivering:
		return to == StatusSucceeded || to == StatusQueued || to == StatusFailed
	default:
		return false
	}
}

func Transition(from, to string) (string, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

func IsTerminal(status string) bool {
	return status == StatusSucceeded || status == StatusFailed
}

// Subscription is one outbound endpoint registration.
type Subscription struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Event     string    `json:"event"`
	Secret    string    `json:"-"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Event types a subscription may register for.
var validEvents = map[string]struct{}{
	"ticket.created": {}, "ticket.updated": {}, "ticket.deleted": {}, "ticket.assigned": {},
	"asset.created": {}, "asset.updated": {}, "asset.deleted": {}, "asset.reserved": {},
	"user.created": {}, "user.updated": {}, "user.deleted": {},
	"test": {},
}

func ValidEvent(event string) bool {
	_, ok := validEvents[strings.TrimSpace(event)]
	return ok
}

// Delivery is one attempt-tracked outbound notification. AttemptCount
// strictly increases; NextRetryAt drives the poll scheduler.
type Delivery struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscription_id"`
	Event          string          `json:"event"`
	Payload        json.RawMessage `json:"payload"`
	AttemptCount   int             `json:"attempt_count"`
	Status         string          `json:"status"`
	NextRetryAt    time.Time       `json:"next_retry_at"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Stats aggregates delivery outcomes for one subscription.
type Stats struct {
	SubscriptionID string `json:"subscription_id"`
	Queued         int    `json:"queued"`
	InFlight       int    `json:"in_flight"`
	Succeeded      int    `json:"succeeded"`
	Failed         int    `json:"failed"`
}

// Backoff computes the delay before retry attempt n (1-based):
// base * 2^(n-1), capped.
func Backoff(base, cap time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if cap > 0 && d >= cap {
			return cap
		}
	}
	if cap > 0 && d > cap {
		return cap
	}
	return d
}
