package approval_test

import (
	"testing"

	"github.com/Strob0t/MendForge/internal/domain/approval"
)

func TestPolicyValidate(t *testing.T) {
	p := approval.Policy{
		Environment:          approval.EnvStaging,
		Mode:                 approval.ModeAutoApply,
		MinConfidenceForAuto: 90,
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("expected valid, got: %v", err)
	}

	p.Environment = "qa"
	if err := p.Validate(); err == nil {
		t.Fatal("expected error for unknown environment")
	}

	p.Environment = approval.EnvStaging
	p.Mode = "triple_approval"
	if err := p.Validate(); err == nil {
		t.Fatal("expected error for unknown mode")
	}

	p.Mode = approval.ModeAutoApply
	p.MinConfidenceForAuto = 120
	if err := p.Validate(); err == nil {
		t.Fatal("expected error for out-of-range confidence")
	}

	// an auto_apply policy cannot configure its threshold under the floor
	p.MinConfidenceForAuto = 50
	if err := p.Validate(); err == nil {
		t.Fatal("expected error for auto threshold below the floor")
	}
	p.Mode = approval.ModeSingleApproval
	if err := p.Validate(); err != nil {
		t.Fatalf("non-auto mode ignores the threshold: %v", err)
	}
}

func TestRequiredApprovals(t *testing.T) {
	tests := []struct {
		mode approval.Mode
		want int
	}{
		{approval.ModeAutoApply, 0},
		{approval.ModeSingleApproval, 1},
		{approval.ModeDualApproval, 2},
	}
	for _, tc := range tests {
		if got := tc.mode.RequiredApprovals(); got != tc.want {
			t.Errorf("%s: expected %d, got %d", tc.mode, tc.want, got)
		}
	}
}

func TestAllowsAuto(t *testing.T) {
	p := approval.Policy{
		Environment:          approval.EnvStaging,
		Mode:                 approval.ModeAutoApply,
		MinConfidenceForAuto: 90,
	}
	if !p.AllowsAuto(90) {
		t.Error("confidence at threshold should auto-apply")
	}
	if p.AllowsAuto(89) {
		t.Error("confidence below threshold must not auto-apply")
	}

	p.Mode = approval.ModeDualApproval
	if p.AllowsAuto(100) {
		t.Error("non-auto mode must never auto-apply")
	}
}

func TestAllowsAutoFloorBindsOverPermissiveThreshold(t *testing.T) {
	// a stored policy with a threshold under the floor must not widen
	// auto-apply eligibility
	p := approval.Policy{
		Environment:          approval.EnvDevelopment,
		Mode:                 approval.ModeAutoApply,
		MinConfidenceForAuto: 0,
	}
	for _, confidence := range []int{0, 40, 60, approval.AutoApplyFloor - 1} {
		if p.AllowsAuto(confidence) {
			t.Errorf("confidence %d below the floor must not auto-apply", confidence)
		}
	}
	if !p.AllowsAuto(approval.AutoApplyFloor) {
		t.Error("confidence at the floor should auto-apply under a zero threshold")
	}
}

func TestDefaultPolicies(t *testing.T) {
	if p := approval.Default(approval.EnvProduction); p.Mode != approval.ModeDualApproval {
		t.Errorf("production default should be dual approval, got %s", p.Mode)
	}
	if p := approval.Default(approval.EnvStaging); p.Mode != approval.ModeSingleApproval {
		t.Errorf("staging default should be single approval, got %s", p.Mode)
	}
	p := approval.Default(approval.EnvDevelopment)
	if p.Mode != approval.ModeAutoApply {
		t.Errorf("development default should be auto apply, got %s", p.Mode)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("default policy should validate: %v", err)
	}
}
