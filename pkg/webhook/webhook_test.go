package webhook

import (
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	base := 2 * time.Second
	cap := 5 * time.Minute
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 32 * time.Second},
		{10, 5 * time.Minute},
		{100, 5 * time.Minute},
	}
	for _, tc := range cases {
		if got := Backoff(base, cap, tc.attempt); got != tc.want {
			t.Fatalf("attempt %d: got %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestBackoffDefaults(t *testing.T) {
	if got := Backoff(0, 0, 1); got != time.Second {
		t.Fatalf("zero base must default to 1s, got %v", got)
	}
	if got := Backoff(time.Second, 0, 30); got <= 0 {
		t.Fatalf("uncapped backoff must stay positive, got %v", got)
	}
	if got := Backoff(time.Second, 0, 0); got != time.Second {
		t.Fatalf("attempt below 1 clamps to first delay, got %v", got)
	}
}

func TestTransitions(t *testing.T) {
	allowed := [][2]string{
		{StatusQueued, StatusDelivering},
		{StatusDelivering, StatusSucceeded},
		{StatusDelivering, StatusQueued},
		{StatusDelivering, StatusFailed},
	}
	for _, tr := range allowed {
		if !CanTransition(tr[0], tr[1]) {
			t.Fatalf("%s -> %s must be allowed", tr[0], tr[1])
		}
	}
	denied := [][2]string{
		{StatusQueued, StatusSucceeded},
		{StatusQueued, StatusFailed},
		{StatusSucceeded, StatusQueued},
		{StatusSucceeded, StatusDelivering},
		{StatusFailed, StatusDelivering},
		{StatusFailed, StatusQueued},
	}
	for _, tr := range denied {
		if CanTransition(tr[0], tr[1]) {
			t.Fatalf("%s -> %s must be denied", tr[0], tr[1])
		}
	}

	got, err := Transition(StatusQueued, StatusDelivering)
	if err != nil || got != StatusDelivering {
		t.Fatalf("unexpected transition result: %q, %v", got, err)
	}
	got, err = Transition(StatusSucceeded, StatusQueued)
	if err != ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if got != StatusSucceeded {
		t.Fatalf("failed transition must keep the current status, got %q", got)
	}
}

func TestIsTerminal(t *testing.T) {
	if !IsTerminal(StatusSucceeded) || !IsTerminal(StatusFailed) {
		t.Fatal("succeeded and failed are terminal")
	}
	if IsTerminal(StatusQueued) || IsTerminal(StatusDelivering) {
		t.Fatal("queued and delivering are not terminal")
	}
}

func TestValidEvent(t *testing.T) {
	for _, ev := range []string{"ticket.created", "asset.reserved", "user.deleted", "test", "  ticket.updated  "} {
		if !ValidEvent(ev) {
			t.Fatalf("%q must be a valid event", ev)
		}
	}
	for _, ev := range []string{"", "ticket", "ticket.closed", "asset.renamed"} {
		if ValidEvent(ev) {
			t.Fatalf("%q must be rejected", ev)
		}
	}
}
