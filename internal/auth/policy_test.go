package auth_test

import (
	"testing"

	"github.com/notsatoshii/probledger/internal/auth"
)

func TestGrantResolveRevoke(t *testing.T) {
	p := auth.NewPolicy()
	p.Grant("ops-1", auth.RoleKeeper)
	p.Grant("ops-1", auth.RoleEngine)
	p.Grant("ops-1", auth.RoleKeeper) // duplicate collapses

	caller := p.Resolve("ops-1")
	if caller.ID != "ops-1" {
		t.Errorf("caller ID: got %q, want ops-1", caller.ID)
	}
	if len(caller.Roles) != 2 {
		t.Fatalf("roles: got %d, want 2", len(caller.Roles))
	}
	if !caller.Has(auth.RoleKeeper) || !caller.Has(auth.RoleEngine) {
		t.Error("caller missing granted roles")
	}
	if caller.Has(auth.RoleAdmin) {
		t.Error("caller holds a role never granted")
	}

	p.Revoke("ops-1", auth.RoleKeeper)
	if p.Allows("ops-1", auth.RoleKeeper) {
		t.Error("revoked role still allowed")
	}
	if !p.Allows("ops-1", auth.RoleEngine) {
		t.Error("unrelated role lost on revoke")
	}
}

func TestResolveUnknownCaller(t *testing.T) {
	p := auth.NewPolicy()
	caller := p.Resolve("nobody")
	if len(caller.Roles) != 0 {
		t.Errorf("unknown caller roles: got %d, want 0", len(caller.Roles))
	}
	if p.Allows("nobody", auth.RoleAdmin) {
		t.Error("unknown caller should hold no roles")
	}
}

func TestResolveReturnsCopy(t *testing.T) {
	p := auth.NewPolicy()
	p.Grant("svc", auth.RoleAdmin)

	caller := p.Resolve("svc")
	caller.Roles[0] = auth.RoleKeeper

	if !p.Allows("svc", auth.RoleAdmin) {
		t.Error("mutating a resolved caller leaked into the policy")
	}
}

func TestRoleStrings(t *testing.T) {
	cases := map[auth.Role]string{
		auth.RoleAdmin:  "admin",
		auth.RoleEngine: "engine",
		auth.RoleKeeper: "keeper",
		auth.Role(42):   "unknown",
	}
	for role, want := range cases {
		if got := role.String(); got != want {
			t.Errorf("Role(%d).String(): got %q, want %q", role, got, want)
		}
	}
}
