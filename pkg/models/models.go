package models

import (
	"encoding/json"
	"time"
)

// TargetKind names the backend table family a resolution query runs against.
type TargetKind string

const (
	KindComputer TargetKind = "Computer"
	KindMonitor  TargetKind = "Monitor"
	KindPrinter  TargetKind = "Printer"
	KindUser     TargetKind = "User"
	KindTicket   TargetKind = "Ticket"
)

func ValidTargetKind(k TargetKind) bool {
	switch k {
	case KindComputer, KindMonitor, KindPrinter, KindUser, KindTicket:
		return true
	default:
		return false
	}
}

// ResolutionQuery is one loosely specified lookup term. Immutable per call.
type ResolutionQuery struct {
	RawTerm    string     `json:"raw_term"`
	TargetKind TargetKind `json:"target_kind"`
}

const (
	MatchExact     = "exact"
	MatchSubstring = "substring"
	MatchJoin      = "join"

	SourceActive  = "active"
	SourceDeleted = "deleted"
)

// ResolutionCandidate is one canonical record id produced by the resolver.
// Tier 3 candidates come from the soft-deleted user join and signal degraded
// confidence to the caller.
type ResolutionCandidate struct {
	RecordID     int       `json:"record_id"`
	Name         string    `json:"name"`
	Serial       string    `json:"serial,omitempty"`
	Tier         int       `json:"tier"`
	MatchKind    string    `json:"match_kind"`
	SourceTable  string    `json:"source_table"`
	LastModified time.Time `json:"last_modified"`
}

// EnrichedRecord joins a base record with its component sub-records.
// A key present in Components with a nil value marshals as an explicit null:
// the component kind was queried and is absent, which is not an error.
type EnrichedRecord struct {
	ID         int                        `json:"id"`
	Kind       TargetKind                 `json:"kind"`
	Core       map[string]any             `json:"core"`
	Components map[string]json.RawMessage `json:"components"`
}

// OperationKind classifies a mutation. The destructive subset is gated by
// the safety guard.
type OperationKind string

const (
	OpCreate        OperationKind = "create"
	OpUpdate        OperationKind = "update"
	OpDelete        OperationKind = "delete"
	OpPurge         OperationKind = "purge"
	OpDeleteWebhook OperationKind = "delete_webhook"
	OpReserve       OperationKind = "reserve"
	OpAssign        OperationKind = "assign"
)

// Destructive reports whether op is irreversible or high impact.
func (op OperationKind) Destructive() bool {
	switch op {
	case OpDelete, OpPurge, OpDeleteWebhook:
		return true
	default:
		return false
	}
}

// MutationRequest is created at call time from the inbound arguments.
type MutationRequest struct {
	Table             string          `json:"table"`
	Operation         OperationKind   `json:"operation"`
	RecordID          int             `json:"record_id,omitempty"`
	Fields            json.RawMessage `json:"fields,omitempty"`
	ConfirmationToken string          `json:"confirmation_token,omitempty"`
	Reason            string          `json:"reason,omitempty"`
}

// SafetyDecision is the guard's verdict. Never persisted.
type SafetyDecision struct {
	Approved bool   `json:"approved"`
	Cause    string `json:"cause,omitempty"`
}
