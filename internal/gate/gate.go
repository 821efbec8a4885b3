// Package gate decides whether a resolved identity may perform an
// operation. Every route declares a Requirement; the answer is either nil
// or a Denial carrying the user-facing refusal.
package gate

import "fmt"

type Role string
type Plan string

const (
	RoleGuest      Role = "guest"
	RoleUser       Role = "user"
	RoleAdmin      Role = "admin"
	RoleSuperadmin Role = "superadmin"
)

const (
	PlanAnon Plan = "anon"
	PlanFree Plan = "free"
	PlanPaid Plan = "paid"
)

// Capability is the access tier a route demands.
type Capability string

const (
	// Public allows anyone, including anonymous visitors.
	Public Capability = "public"
	// Authenticated requires a signed-in account of any plan.
	Authenticated Capability = "authenticated"
	// PremiumOrAbove requires a paid plan; admins and superadmins pass
	// regardless of their plan field.
	PremiumOrAbove Capability = "premium"
	// AdminOrAbove requires the admin or superadmin role.
	AdminOrAbove Capability = "admin"
	// Superadmin requires the superadmin role.
	Superadmin Capability = "superadmin"
	// Owner requires the superadmin whose email matches the configured
	// owner address.
	Owner Capability = "owner"
)

// Identity is the fully resolved caller: who they are, what plan applies,
// and which workbook object their requests target.
type Identity struct {
	UserID     string
	Email      string
	Role       Role
	Plan       Plan
	ObjectKey  string
	OwnerMatch bool
}

// Anonymous is the identity every unauthenticated request resolves to.
func Anonymous(defaultKey string) Identity {
	return Identity{Role: RoleGuest, Plan: PlanAnon, ObjectKey: defaultKey}
}

// Denial is a refusal with a stable machine code and a message meant for
// the end user verbatim.
type Denial struct {
	Status  int
	Code    string
	Message string
}

func (d *Denial) Error() string {
	return fmt.Sprintf("%s: %s", d.Code, d.Message)
}

func deny(status int, code, message string) *Denial {
	return &Denial{Status: status, Code: code, Message: message}
}

// Requirement is a route's declared demands. QuotaFamily names the daily
// counter free-plan callers consume; empty means unmetered. RowCap bounds
// grid height for free-plan saves; zero means unbounded.
type Requirement struct {
	Capability  Capability
	QuotaFamily string
	RowCap      int
}

// Metered reports whether the identity's calls count against the daily
// free-tier quota. Paid plans and elevated roles are exempt.
func Metered(id Identity) bool {
	return !Allows(id, PremiumOrAbove)
}

// Allows reports whether the identity satisfies a capability tier.
func Allows(id Identity, c Capability) bool {
	switch c {
	case Public:
		return true
	case Authenticated:
		return id.Role != RoleGuest && id.Role != ""
	case PremiumOrAbove:
		return id.Plan == PlanPaid || id.Role == RoleAdmin || id.Role == RoleSuperadmin
	case AdminOrAbove:
		return id.Role == RoleAdmin || id.Role == RoleSuperadmin
	case Superadmin:
		return id.Role == RoleSuperadmin
	case Owner:
		return id.Role == RoleSuperadmin && id.OwnerMatch
	default:
		return false
	}
}

// Check evaluates the capability tier alone. Quota consumption is the
// caller's concern; the gate only says who must pay it.
func Check(id Identity, c Capability) *Denial {
	if Allows(id, c) {
		return nil
	}
	switch c {
	case Authenticated:
		return deny(401, "auth_required", "Sign in to use this feature.")
	case PremiumOrAbove:
		return deny(403, "premium_required", "This feature requires a premium plan.")
	case AdminOrAbove:
		return deny(403, "admin_required", "Admin access required.")
	case Superadmin:
		return deny(403, "superadmin_required", "Superadmin access required.")
	case Owner:
		return deny(403, "owner_required", "Only the application owner can do this.")
	default:
		return deny(403, "forbidden", "Not allowed.")
	}
}

// QuotaExceeded builds the refusal shown when a free-tier daily counter
// is spent.
func QuotaExceeded(family string, limit int) *Denial {
	noun := "operations"
	switch family {
	case "mutate":
		noun = "spreadsheet operations"
	case "export":
		noun = "exports"
	}
	return deny(429, "quota_exceeded",
		fmt.Sprintf("Free plan limit: max %d %s per day. Upgrade for unlimited use.", limit, noun))
}

// RowCapExceeded builds the refusal for free-plan saves beyond the row cap.
func RowCapExceeded(cap int) *Denial {
	return deny(403, "row_cap_exceeded",
		fmt.Sprintf("Free plan limit: max %d rows per sheet. Upgrade for unlimited rows.", cap))
}

// NormalizeRole maps stored role strings onto the known set, defaulting
// to the least privileged signed-in role.
func NormalizeRole(role string) Role {
	switch Role(role) {
	case RoleGuest, RoleUser, RoleAdmin, RoleSuperadmin:
		return Role(role)
	default:
		return RoleUser
	}
}

// NormalizePlan maps stored plan strings onto the known set, defaulting
// to free. Privilege never widens on bad data.
func NormalizePlan(plan string) Plan {
	switch Plan(plan) {
	case PlanAnon, PlanFree, PlanPaid:
		return Plan(plan)
	default:
		return PlanFree
	}
}
