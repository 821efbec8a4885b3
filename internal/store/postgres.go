package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ── Profiles ──

const profileColumns = `id, email, password_hash, role, plan, plan_expires_at, status, verified,
	COALESCE(verification_token, ''), workbook_key, app_name, created_at, updated_at`

func scanProfile(row interface{ Scan(...any) error }) (Profile, error) {
	var p Profile
	err := row.Scan(&p.ID, &p.Email, &p.PasswordHash, &p.Role, &p.Plan, &p.PlanExpiresAt,
		&p.Status, &p.Verified, &p.VerificationToken, &p.WorkbookKey, &p.AppName, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (s *PostgresStore) CreateProfile(ctx context.Context, p Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, email, password_hash, role, plan, status, verified, verification_token, workbook_key, app_name)
		VALUES ($1, LOWER($2), $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10)
	`, p.ID, p.Email, p.PasswordHash, p.Role, p.Plan, p.Status, p.Verified, p.VerificationToken, p.WorkbookKey, p.AppName)
	if err != nil {
		return fmt.Errorf("insert profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProfileByID(ctx context.Context, id string) (Profile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id=$1`, id)
	return scanProfile(row)
}

func (s *PostgresStore) GetProfileByEmail(ctx context.Context, email string) (Profile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE email=LOWER($1)`, email)
	return scanProfile(row)
}

func (s *PostgresStore) ListProfiles(ctx context.Context) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM profiles ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var profiles []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

func (s *PostgresStore) UpdateProfileRole(ctx context.Context, id, role string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE profiles SET role=$2, updated_at=NOW() WHERE id=$1`, id, role)
	if err != nil {
		return fmt.Errorf("update role: %w", err)
	}
	return requireRowAffected(res)
}

func (s *PostgresStore) SetProfileStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE profiles SET status=$2, updated_at=NOW() WHERE id=$1`, id, status)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return requireRowAffected(res)
}

func (s *PostgresStore) MarkProfileVerified(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE profiles SET verified=TRUE, verification_token=NULL, updated_at=NOW() WHERE id=$1
	`, id)
	if err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	return requireRowAffected(res)
}

func (s *PostgresStore) VerifyProfileEmail(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE profiles SET verified=TRUE, verification_token=NULL, updated_at=NOW()
		WHERE verification_token=$1
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	return requireRowAffected(res)
}

// UpgradeProfilePlan is keyed by email because the webhook path only
// carries the gateway customer's email.
func (s *PostgresStore) UpgradeProfilePlan(ctx context.Context, email, plan string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE profiles SET plan=$2, plan_expires_at=$3, updated_at=NOW() WHERE email=LOWER($1)
	`, email, plan, expiresAt)
	if err != nil {
		return fmt.Errorf("upgrade plan: %w", err)
	}
	return requireRowAffected(res)
}

func (s *PostgresStore) UpdateProfilePassword(ctx context.Context, id, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE profiles SET password_hash=$2, updated_at=NOW() WHERE id=$1`, id, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return requireRowAffected(res)
}

// DeleteProfile is the owner-only hard delete. Audit entries are kept;
// the caller purges the user's stored objects separately.
func (s *PostgresStore) DeleteProfile(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	return requireRowAffected(res)
}

func requireRowAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ── Audit entries ──

func (s *PostgresStore) InsertAuditEntry(ctx context.Context, e AuditEntry) (int64, error) {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return 0, fmt.Errorf("marshal audit details: %w", err)
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO audit_entries (user_id, email, action, sheet, details)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, e.UserID, e.Email, e.Action, e.Sheet, details).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert audit entry: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) ListAuditEntries(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `SELECT id, user_id, email, action, COALESCE(sheet, ''), details, created_at FROM audit_entries`
	var conditions []string
	var args []any
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		conditions = append(conditions, fmt.Sprintf("user_id=$%d", len(args)))
	}
	if filter.Action != "" {
		args = append(args, filter.Action)
		conditions = append(conditions, fmt.Sprintf("action=$%d", len(args)))
	}
	for i, cond := range conditions {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	args = append(args, limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var details []byte
		if err := rows.Scan(&e.ID, &e.UserID, &e.Email, &e.Action, &e.Sheet, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if len(details) > 0 {
			_ = json.Unmarshal(details, &e.Details)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LatestSheet returns the sheet name of the most recent entry among the
// given actions for one user, or "" when none exists.
func (s *PostgresStore) LatestSheet(ctx context.Context, userID string, actions []string) (string, error) {
	if len(actions) == 0 {
		return "", nil
	}
	args := []any{userID}
	placeholders := make([]string, len(actions))
	for i, action := range actions {
		args = append(args, action)
		placeholders[i] = fmt.Sprintf("$%d", len(args))
	}
	query := fmt.Sprintf(`
		SELECT COALESCE(sheet, '') FROM audit_entries
		WHERE user_id=$1 AND action IN (%s)
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, strings.Join(placeholders, ", "))
	var sheet string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&sheet)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest sheet: %w", err)
	}
	return sheet, nil
}

// ── Payments ──

func (s *PostgresStore) InsertPayment(ctx context.Context, p PaymentRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (email, amount, reference, status, mode)
		VALUES (LOWER($1), $2, $3, $4, $5)
	`, p.Email, p.Amount, p.Reference, p.Status, p.Mode)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPayments(ctx context.Context, limit int) ([]PaymentRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, amount, reference, status, mode, created_at
		FROM payments ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var payments []PaymentRecord
	for rows.Next() {
		var p PaymentRecord
		if err := rows.Scan(&p.ID, &p.Email, &p.Amount, &p.Reference, &p.Status, &p.Mode, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// ── Tickets ──

func (s *PostgresStore) CreateTicket(ctx context.Context, t Ticket) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tickets (id, user_id, email, subject, body, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, t.ID, t.UserID, t.Email, t.Subject, t.Body, t.Status)
	if err != nil {
		return fmt.Errorf("insert ticket: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTicket(ctx context.Context, id string) (Ticket, error) {
	var t Ticket
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, email, subject, body, status, created_at, updated_at
		FROM tickets WHERE id=$1
	`, id).Scan(&t.ID, &t.UserID, &t.Email, &t.Subject, &t.Body, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

// ListTickets returns all tickets when userID is empty (privileged view).
func (s *PostgresStore) ListTickets(ctx context.Context, userID string) ([]Ticket, error) {
	query := `SELECT id, user_id, email, subject, body, status, created_at, updated_at FROM tickets`
	var args []any
	if userID != "" {
		query += ` WHERE user_id=$1`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	defer rows.Close()

	var tickets []Ticket
	for rows.Next() {
		var t Ticket
		if err := rows.Scan(&t.ID, &t.UserID, &t.Email, &t.Subject, &t.Body, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func (s *PostgresStore) AddTicketResponse(ctx context.Context, ticketID, author, body string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ticket response tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ticket_responses (ticket_id, author, body) VALUES ($1, $2, $3)
	`, ticketID, author, body); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert ticket response: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tickets SET status='answered', updated_at=NOW() WHERE id=$1
	`, ticketID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("update ticket status: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) ListTicketResponses(ctx context.Context, ticketID string) ([]TicketResponse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ticket_id, author, body, created_at
		FROM ticket_responses WHERE ticket_id=$1 ORDER BY created_at ASC
	`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("list ticket responses: %w", err)
	}
	defer rows.Close()

	var responses []TicketResponse
	for rows.Next() {
		var r TicketResponse
		if err := rows.Scan(&r.ID, &r.TicketID, &r.Author, &r.Body, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ticket response: %w", err)
		}
		responses = append(responses, r)
	}
	return responses, rows.Err()
}

// ── Password resets ──

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at) VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	return err
}
