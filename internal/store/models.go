package store

import "time"

// Roles and plans are stored as plain strings; gate.Normalize guards
// against unknown values at the edges.
const (
	RoleUser       = "user"
	RoleAdmin      = "admin"
	RoleSuperadmin = "superadmin"

	PlanFree = "free"
	PlanPaid = "paid"

	StatusActive  = "active"
	StatusBanned  = "banned"
	StatusDeleted = "deleted"
)

type Profile struct {
	ID                string
	Email             string
	PasswordHash      string
	Role              string
	Plan              string
	PlanExpiresAt     *time.Time
	Status            string
	Verified          bool
	VerificationToken string
	WorkbookKey       string
	AppName           string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type AuditEntry struct {
	ID        int64
	UserID    string
	Email     string
	Action    string
	Sheet     string
	Details   map[string]any
	CreatedAt time.Time
}

// AuditFilter narrows ListAuditEntries. UserID is force-set for
// non-privileged callers before it reaches the store.
type AuditFilter struct {
	UserID string
	Action string
	Limit  int
	Offset int
}

type PaymentRecord struct {
	ID        int64
	Email     string
	Amount    int64 // minor currency units
	Reference string
	Status    string
	Mode      string // "one-time" or "monthly"
	CreatedAt time.Time
}

type Ticket struct {
	ID        string
	UserID    string
	Email     string
	Subject   string
	Body      string
	Status    string // open, answered, closed
	CreatedAt time.Time
	UpdatedAt time.Time
}

type TicketResponse struct {
	ID        int64
	TicketID  string
	Author    string
	Body      string
	CreatedAt time.Time
}
