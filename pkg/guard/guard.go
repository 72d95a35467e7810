package guard

import (
	"crypto/hmac"
	"strings"

	"github.com/DevSkillsIT/Skills-MCP-GLPI/pkg/models"
)

// Rejection causes, surfaced so the caller can present an actionable
// message.
const (
	CauseInvalidToken   = "INVALID_TOKEN"
	CauseReasonTooShort = "REASON_TOO_SHORT"
)

const (
	MinTokenLength         = 8
	DefaultMinReasonLength = 10
)

// Config is the server-owned guard configuration.
type Config struct {
	// Enabled=false is the development escape hatch: every operation is
	// approved without content checks.
	Enabled bool
	// Token is the shared confirmation secret.
	Token string
	// MinReasonLength defaults to DefaultMinReasonLength when zero.
	MinReasonLength int
}

// Validate reports whether the configuration can actually enforce anything.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Token) < MinTokenLength {
		return models.Validation("safety guard token must be at least 8 characters", "SAFETY_GUARD_TOKEN")
	}
	return nil
}

// Evaluate gates a mutation. Pure: no backend call is ever made here, and
// the calling layer must not execute the mutation unless Approved.
func Evaluate(op models.MutationRequest, cfg Config) models.SafetyDecision {
	if !cfg.Enabled {
		return models.SafetyDecision{Approved: true}
	}
	if !op.Operation.Destructive() {
		return models.SafetyDecision{Approved: true}
	}
	// hmac.Equal keeps the comparison constant time; a plain string compare
	// here would be a timing side channel on the confirmation secret.
	if op.ConfirmationToken == "" || !hmac.Equal([]byte(op.ConfirmationToken), []byte(cfg.Token)) {
		return models.SafetyDecision{Approved: false, Cause: CauseInvalidToken}
	}
	minReason := cfg.MinReasonLength
	if minReason <= 0 {
		minReason = DefaultMinReasonLength
	}
	if len(strings.TrimSpace(op.Reason)) < minReason {
		return models.SafetyDecision{Approved: false, Cause: CauseReasonTooShort}
	}
	return models.SafetyDecision{Approved: true}
}
