package stream

import (
	"encoding/json"
	"testing"
)

func TestHubPublishSubscribe(t *testing.T) {
	h := NewHub()
	a := h.Subscribe(4)
	b := h.Subscribe(4)
	defer h.Unsubscribe(a)
	defer h.Unsubscribe(b)

	h.Publish(NewEvent("ticket.created", map[string]any{"record_id": 41}))

	for name, ch := range map[string]chan Event{"a": a, "b": b} {
		select {
		case evt := <-ch:
			if evt.Type != "ticket.created" {
				t.Fatalf("%s: unexpected event: %+v", name, evt)
			}
			var data struct {
				RecordID int `json:"record_id"`
			}
			if err := json.Unmarshal(evt.Data, &data); err != nil || data.RecordID != 41 {
				t.Fatalf("%s: payload wrong: %s", name, evt.Data)
			}
		default:
			t.Fatalf("%s: event not delivered", name)
		}
	}
}

func TestHubDropsWhenSubscriberFull(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe(1)
	defer h.Unsubscribe(ch)

	h.Publish(NewEvent("test", nil))
	// The buffer is full now; this publish must not block.
	h.Publish(NewEvent("test", nil))

	if got := len(ch); got != 1 {
		t.Fatalf("overflow must be dropped, buffered %d", got)
	}
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe(1)
	h.Unsubscribe(ch)
	if _, open := <-ch; open {
		t.Fatal("unsubscribed channel must be closed")
	}
	// Double unsubscribe is a no-op.
	h.Unsubscribe(ch)
	// Publishing after unsubscribe must not panic on the closed channel.
	h.Publish(NewEvent("test", nil))
}

func TestNewEventTimestamp(t *testing.T) {
	evt := NewEvent("user.updated", nil)
	if evt.At == "" {
		t.Fatal("event timestamp must be set")
	}
	if evt.Data != nil {
		t.Fatalf("nil data must stay nil, got %s", evt.Data)
	}
}
