package models

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err    *Error
		status int
	}{
		{NotFound("computer", 42), http.StatusNotFound},
		{Validation("name required", "name"), http.StatusBadRequest},
		{PermissionDenied("guard rejected"), http.StatusForbidden},
		{RateLimited(30), http.StatusTooManyRequests},
		{Upstream(503, "backend down"), http.StatusBadGateway},
		{&Error{Kind: "SOMETHING_ELSE"}, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := tc.err.HTTPStatus(); got != tc.status {
			t.Fatalf("%s: status=%d, want %d", tc.err.Kind, got, tc.status)
		}
	}
}

func TestRateLimitedCarriesRetryAfter(t *testing.T) {
	e := RateLimited(17)
	if e.Kind != ErrPermissionDenied {
		t.Fatalf("kind=%q, want %q", e.Kind, ErrPermissionDenied)
	}
	if got := e.Data["retry_after_sec"]; got != 17 {
		t.Fatalf("retry_after_sec=%v, want 17", got)
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		err       *Error
		retryable bool
	}{
		{Upstream(500, "server error"), true},
		{Upstream(503, "unavailable"), true},
		{Upstream(0, "connection refused"), true},
		{Upstream(http.StatusRequestTimeout, "timeout"), true},
		{Upstream(http.StatusTooManyRequests, "throttled"), true},
		{Upstream(400, "bad request"), false},
		{Upstream(404, "gone"), false},
		{NotFound("user", 1), false},
		{Validation("bad", ""), false},
	}
	for _, tc := range cases {
		if got := tc.err.Retryable(); got != tc.retryable {
			t.Fatalf("%s status=%d: retryable=%v, want %v", tc.err.Kind, tc.err.Status, got, tc.retryable)
		}
	}
}

func TestAsError(t *testing.T) {
	if AsError(nil) != nil {
		t.Fatal("nil error must stay nil")
	}
	orig := NotFound("ticket", 9)
	if got := AsError(orig); got != orig {
		t.Fatalf("envelope error must round trip, got %+v", got)
	}
	wrapped := fmt.Errorf("handler: %w", orig)
	if got := AsError(wrapped); got != orig {
		t.Fatalf("wrapped envelope must unwrap, got %+v", got)
	}
	plain := errors.New("dial tcp: refused")
	got := AsError(plain)
	if got.Kind != ErrUpstream || got.Message != "dial tcp: refused" {
		t.Fatalf("plain error must map to upstream: %+v", got)
	}
}

func TestValidationFieldOptional(t *testing.T) {
	withField := Validation("name required", "name")
	if withField.Data["field"] != "name" {
		t.Fatalf("field missing from data: %+v", withField.Data)
	}
	without := Validation("malformed body", "")
	if without.Data != nil {
		t.Fatalf("no field means no data: %+v", without.Data)
	}
}

func TestOperationDestructive(t *testing.T) {
	destructive := []OperationKind{OpDelete, OpPurge, OpDeleteWebhook}
	for _, op := range destructive {
		if !op.Destructive() {
			t.Fatalf("%s must be destructive", op)
		}
	}
	safe := []OperationKind{OpCreate, OpUpdate, OpAssign, OpReserve}
	for _, op := range safe {
		if op.Destructive() {
			t.Fatalf("%s must not be destructive", op)
		}
	}
}

func TestValidTargetKind(t *testing.T) {
	for _, k := range []TargetKind{KindComputer, KindMonitor, KindPrinter, KindUser, KindTicket} {
		if !ValidTargetKind(k) {
			t.Fatalf("%s must be valid", k)
		}
	}
	if ValidTargetKind("Rack") {
		t.Fatal("unknown kind must be rejected")
	}
}
