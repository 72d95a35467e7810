package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultMaxAttempts  = 5
	DefaultBackoffBase  = 2 * time.Second
	DefaultBackoffCap   = 5 * time.Minute
	DefaultPollInterval = 500 * time.Millisecond
	DefaultWorkers      = 4
	DefaultTimeout      = 10 * time.Second
)

// Dispatcher drains queued deliveries and POSTs them to subscriber
// endpoints, rescheduling failures with exponential backoff.
type Dispatcher struct {
	Store        Store
	Client       *http.Client
	Workers      int
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	Timeout      time.Duration
	PollInterval time.Duration

	// OnResult observes each finished attempt; used for the metrics feed.
	OnResult func(status string)

	now  func() time.Time
	stop chan struct{}
	wg   sync.WaitGroup
}

func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		Store:        store,
		Client:       &http.Client{Timeout: DefaultTimeout},
		Workers:      DefaultWorkers,
		MaxAttempts:  DefaultMaxAttempts,
		BackoffBase:  DefaultBackoffBase,
		BackoffCap:   DefaultBackoffCap,
		Timeout:      DefaultTimeout,
		PollInterval: DefaultPollInterval,
		now:          time.Now,
	}
}

// Fanout enqueues one delivery per active subscription registered for
// the event. Returns the number of deliveries created.
func (d *Dispatcher) Fanout(ctx context.Context, event string, payload json.RawMessage) (int, error) {
	subs, err := d.Store.SubscriptionsForEvent(ctx, event)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, sub := range subs {
		if _, err := d.Enqueue(ctx, sub.ID, event, payload); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (d *Dispatcher) Enqueue(ctx context.Context, subscriptionID, event string, payload json.RawMessage) (Delivery, error) {
	now := d.now()
	del := Delivery{
		ID:             uuid.NewString(),
		SubscriptionID: subscriptionID,
		Event:          event,
		Payload:        payload,
		Status:         StatusQueued,
		NextRetryAt:    now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := d.Store.CreateDelivery(ctx, del); err != nil {
		return Delivery{}, err
	}
	return del, nil
}

// RetryFailed moves failed deliveries back to the queue with a fresh
// attempt budget.
func (d *Dispatcher) RetryFailed(ctx context.Context, subscriptionID string) (int, error) {
	return d.Store.RequeueFailed(ctx, subscriptionID, d.now())
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.stop = make(chan struct{})
	work := make(chan Delivery)
	for i := 0; i < d.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for del := range work {
				d.attempt(ctx, del)
			}
		}()
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(work)
		ticker := time.NewTicker(d.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-d.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			due, err := d.Store.ClaimDue(ctx, d.now(), d.Workers*4)
			if err != nil {
				log.Printf("webhook: claim due: %v", err)
				continue
			}
			for i, del := range due {
				select {
				case work <- del:
				case <-d.stop:
					d.requeueClaimed(ctx, due[i:])
					return
				case <-ctx.Done():
					d.requeueClaimed(ctx, due[i:])
					return
				}
			}
		}
	}()
}

// requeueClaimed returns claimed-but-unsent deliveries to the queue so
// the shutdown drain or the next process picks them up. Attempt counts
// are untouched: no send was made.
func (d *Dispatcher) requeueClaimed(ctx context.Context, dels []Delivery) {
	ctx = context.WithoutCancel(ctx)
	for _, del := range dels {
		next, err := Transition(del.Status, StatusQueued)
		if err != nil {
			log.Printf("webhook: requeue delivery %s: %v", del.ID, err)
			continue
		}
		del.Status = next
		del.NextRetryAt = d.now()
		del.UpdatedAt = d.now()
		if err := d.Store.UpdateDelivery(ctx, del); err != nil {
			log.Printf("webhook: requeue delivery %s: %v", del.ID, err)
		}
	}
}

// Shutdown stops the poll loop and waits for in-flight attempts, then
// drains what is already due until ctx expires or the queue empties.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if d.stop != nil {
		close(d.stop)
	}
	d.wg.Wait()
	for {
		due, err := d.Store.ClaimDue(ctx, d.now(), d.Workers*4)
		if err != nil || len(due) == 0 {
			return err
		}
		for _, del := range due {
			d.attempt(ctx, del)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (d *Dispatcher) attempt(ctx context.Context, del Delivery) {
	sub, err := d.Store.GetSubscription(ctx, del.SubscriptionID)
	if err != nil {
		// Subscription removed while the delivery was queued.
		d.finish(ctx, del, StatusFailed, "subscription gone")
		return
	}
	del.AttemptCount++

	body, sig := signedBody(del, sub.Secret)
	reqCtx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()
	err = d.post(reqCtx, sub.URL, body, sig)
	if err == nil {
		d.finish(ctx, del, StatusSucceeded, "")
		return
	}
	if del.AttemptCount >= d.MaxAttempts {
		d.finish(ctx, del, StatusFailed, err.Error())
		return
	}
	del.NextRetryAt = d.now().Add(Backoff(d.BackoffBase, d.BackoffCap, del.AttemptCount))
	d.finish(ctx, del, StatusQueued, err.Error())
}

func (d *Dispatcher) finish(ctx context.Context, del Delivery, status, lastError string) {
	next, err := Transition(del.Status, status)
	if err != nil {
		log.Printf("webhook: delivery %s: %v (%s -> %s)", del.ID, err, del.Status, status)
		return
	}
	del.Status = next
	del.LastError = lastError
	del.UpdatedAt = d.now()
	if err := d.Store.UpdateDelivery(ctx, del); err != nil {
		log.Printf("webhook: update delivery %s: %v", del.ID, err)
		return
	}
	if d.OnResult != nil {
		d.OnResult(status)
	}
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte, signature string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gateway-Signature", signature)
	resp, err := d.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// signedBody wraps the delivery payload in the wire envelope and signs
// it with the subscription secret.
func signedBody(del Delivery, secret string) ([]byte, string) {
	envelope := map[string]any{
		"delivery_id": del.ID,
		"event":       del.Event,
		"attempt":     del.AttemptCount,
		"timestamp":   del.UpdatedAt.UTC().Format(time.RFC3339),
		"data":        del.Payload,
	}
	body, _ := json.Marshal(envelope)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return body, "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
