package gate

import (
	"strings"
	"testing"
)

func TestAllows(t *testing.T) {
	guest := Anonymous("shared/default.xlsx")
	free := Identity{UserID: "u1", Role: RoleUser, Plan: PlanFree}
	paid := Identity{UserID: "u2", Role: RoleUser, Plan: PlanPaid}
	admin := Identity{UserID: "u3", Role: RoleAdmin, Plan: PlanFree}
	super := Identity{UserID: "u4", Role: RoleSuperadmin, Plan: PlanFree}
	owner := Identity{UserID: "u5", Role: RoleSuperadmin, Plan: PlanFree, OwnerMatch: true}

	cases := []struct {
		name string
		id   Identity
		cap  Capability
		want bool
	}{
		{"guest public", guest, Public, true},
		{"guest authenticated", guest, Authenticated, false},
		{"guest premium", guest, PremiumOrAbove, false},
		{"free authenticated", free, Authenticated, true},
		{"free premium", free, PremiumOrAbove, false},
		{"paid premium", paid, PremiumOrAbove, true},
		{"paid admin", paid, AdminOrAbove, false},
		{"admin premium bypass", admin, PremiumOrAbove, true},
		{"admin admin", admin, AdminOrAbove, true},
		{"admin superadmin", admin, Superadmin, false},
		{"superadmin all tiers", super, AdminOrAbove, true},
		{"superadmin superadmin", super, Superadmin, true},
		{"superadmin not owner", super, Owner, false},
		{"owner owner", owner, Owner, true},
	}
	for _, tc := range cases {
		if got := Allows(tc.id, tc.cap); got != tc.want {
			t.Errorf("%s: Allows = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestCheckDenials(t *testing.T) {
	guest := Anonymous("shared/default.xlsx")

	if d := Check(guest, Public); d != nil {
		t.Errorf("public check denied: %v", d)
	}

	d := Check(guest, Authenticated)
	if d == nil || d.Status != 401 || d.Code != "auth_required" {
		t.Errorf("unexpected authenticated denial: %+v", d)
	}

	free := Identity{UserID: "u1", Role: RoleUser, Plan: PlanFree}
	d = Check(free, PremiumOrAbove)
	if d == nil || d.Status != 403 || d.Code != "premium_required" {
		t.Errorf("unexpected premium denial: %+v", d)
	}

	d = Check(free, Owner)
	if d == nil || d.Code != "owner_required" {
		t.Errorf("unexpected owner denial: %+v", d)
	}
}

func TestMetered(t *testing.T) {
	if !Metered(Anonymous("k")) {
		t.Error("guests should be metered")
	}
	if !Metered(Identity{Role: RoleUser, Plan: PlanFree}) {
		t.Error("free users should be metered")
	}
	if Metered(Identity{Role: RoleUser, Plan: PlanPaid}) {
		t.Error("paid users should not be metered")
	}
	if Metered(Identity{Role: RoleAdmin, Plan: PlanFree}) {
		t.Error("admins should not be metered")
	}
}

func TestQuotaExceededMessage(t *testing.T) {
	d := QuotaExceeded("mutate", 3)
	if d.Status != 429 {
		t.Errorf("expected 429, got %d", d.Status)
	}
	if !strings.Contains(d.Message, "max 3 spreadsheet operations per day") {
		t.Errorf("unexpected message: %q", d.Message)
	}

	d = QuotaExceeded("export", 3)
	if !strings.Contains(d.Message, "max 3 exports per day") {
		t.Errorf("unexpected message: %q", d.Message)
	}
}

func TestRowCapExceededMessage(t *testing.T) {
	d := RowCapExceeded(100)
	if d.Status != 403 || !strings.Contains(d.Message, "max 100 rows") {
		t.Errorf("unexpected denial: %+v", d)
	}
}

func TestNormalize(t *testing.T) {
	if NormalizeRole("superadmin") != RoleSuperadmin {
		t.Error("known role rewritten")
	}
	if NormalizeRole("root") != RoleUser {
		t.Error("unknown role should fall back to user")
	}
	if NormalizePlan("paid") != PlanPaid {
		t.Error("known plan rewritten")
	}
	if NormalizePlan("platinum") != PlanFree {
		t.Error("unknown plan should fall back to free")
	}
}
