// Package approval defines the per-environment approval policy that gates
// healing proposals.
package approval

import (
	"fmt"
	"time"
)

// Environment is the deployment environment a policy applies to.
type Environment string

const (
	EnvProduction  Environment = "production"
	EnvStaging     Environment = "staging"
	EnvDevelopment Environment = "development"
)

// Valid reports whether e is a known environment.
func (e Environment) Valid() bool {
	switch e {
	case EnvProduction, EnvStaging, EnvDevelopment:
		return true
	}
	return false
}

// Mode decides how much human review a validated proposal needs.
type Mode string

const (
	ModeAutoApply      Mode = "auto_apply"
	ModeSingleApproval Mode = "single_approval"
	ModeDualApproval   Mode = "dual_approval"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeAutoApply, ModeSingleApproval, ModeDualApproval:
		return true
	}
	return false
}

// RequiredApprovals returns the number of distinct approver identities the
// mode demands before apply.
func (m Mode) RequiredApprovals() int {
	switch m {
	case ModeDualApproval:
		return 2
	case ModeSingleApproval:
		return 1
	default:
		return 0
	}
}

// AutoApplyFloor is the lowest confidence score eligible for unattended
// apply. A policy can demand more than the floor, never less: anything below
// it waits for a human regardless of configuration.
const AutoApplyFloor = 86

// Policy is the active approval configuration for one environment of one
// tenant. Superseded policies keep their rows (version history) for audit.
type Policy struct {
	TenantID             string      `json:"tenant_id,omitempty"`
	Environment          Environment `json:"environment"`
	Mode                 Mode        `json:"mode"`
	MinConfidenceForAuto int         `json:"min_confidence_for_auto"`
	Version              int         `json:"version"`
	CreatedAt            time.Time   `json:"created_at"`
}

// Validate checks policy invariants.
func (p *Policy) Validate() error {
	if !p.Environment.Valid() {
		return fmt.Errorf("unknown environment %q", p.Environment)
	}
	if !p.Mode.Valid() {
		return fmt.Errorf("unknown mode %q", p.Mode)
	}
	if p.MinConfidenceForAuto < 0 || p.MinConfidenceForAuto > 100 {
		return fmt.Errorf("min_confidence_for_auto %d out of range 0..100", p.MinConfidenceForAuto)
	}
	if p.Mode == ModeAutoApply && p.MinConfidenceForAuto < AutoApplyFloor {
		return fmt.Errorf("min_confidence_for_auto %d below the auto-apply floor %d", p.MinConfidenceForAuto, AutoApplyFloor)
	}
	return nil
}

// AllowsAuto reports whether a validated proposal with the given confidence
// may be applied without human approval under this policy. The floor binds
// even when a stored policy carries a lower threshold.
func (p *Policy) AllowsAuto(confidence int) bool {
	if confidence < AutoApplyFloor {
		return false
	}
	return p.Mode == ModeAutoApply && confidence >= p.MinConfidenceForAuto
}

// Default returns the policy used when a tenant has configured nothing for
// the environment: production demands dual approval, staging single,
// development auto-applies above the auto-eligibility band.
func Default(env Environment) Policy {
	switch env {
	case EnvProduction:
		return Policy{Environment: env, Mode: ModeDualApproval, MinConfidenceForAuto: 100}
	case EnvStaging:
		return Policy{Environment: env, Mode: ModeSingleApproval, MinConfidenceForAuto: 95}
	default:
		return Policy{Environment: EnvDevelopment, Mode: ModeAutoApply, MinConfidenceForAuto: 86}
	}
}
