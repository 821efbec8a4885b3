package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gridbook/api/internal/blobstore"
	"gridbook/api/internal/gate"
	"gridbook/api/internal/payments"
	"gridbook/api/internal/session"
	"gridbook/api/internal/store"
	"gridbook/api/internal/util"
)

const (
	pricingKey = "config/pricing.json"
	legalKey   = "config/legal.json"
)

// Pricing is the plan price sheet shown on the upgrade page. Amounts are
// minor currency units.
type Pricing struct {
	Currency      string `json:"currency"`
	MonthlyAmount int64  `json:"monthlyAmount"`
	OneTimeAmount int64  `json:"oneTimeAmount"`
}

func defaultPricing() Pricing {
	return Pricing{Currency: "NGN", MonthlyAmount: 250000, OneTimeAmount: 2000000}
}

// Legal is the terms and privacy copy served to the frontend.
type Legal struct {
	Terms     string    `json:"terms"`
	Privacy   string    `json:"privacy"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ---- user administration ----

// ListUsers returns every profile, without password hashes.
func (s *Service) ListUsers(ctx context.Context, id gate.Identity) ([]map[string]any, error) {
	if d := gate.Check(id, gate.AdminOrAbove); d != nil {
		return nil, denialError(d)
	}
	profiles, err := s.store.ListProfiles(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, profileView(p))
	}
	return out, nil
}

// PromoteUser changes a target account's role. Only the superadmin may
// mint or revoke admin roles, and nobody outranks the owner.
func (s *Service) PromoteUser(ctx context.Context, id gate.Identity, targetID, role string) error {
	if d := gate.Check(id, gate.Superadmin); d != nil {
		return denialError(d)
	}
	role = string(gate.NormalizeRole(role))
	if role == store.RoleSuperadmin {
		return domainError(400, "bad_role", "The superadmin role cannot be granted.", nil)
	}
	target, err := s.store.GetProfileByID(ctx, targetID)
	if err != nil {
		return domainError(404, "user_not_found", "No such user.", nil)
	}
	if target.Role == store.RoleSuperadmin {
		return domainError(403, "forbidden", "The superadmin role cannot be changed.", nil)
	}
	if err := s.store.UpdateProfileRole(ctx, targetID, role); err != nil {
		return err
	}
	s.recordPrivileged(ctx, id, "promote_user", map[string]any{"target": targetID, "role": role})
	s.publish("admin:user-promoted", map[string]any{"userId": targetID, "role": role})
	return nil
}

// VerifyUser marks a target account's email verified on their behalf,
// for accounts stuck on a lost verification mail.
func (s *Service) VerifyUser(ctx context.Context, id gate.Identity, targetID string) error {
	if d := gate.Check(id, gate.AdminOrAbove); d != nil {
		return denialError(d)
	}
	if _, err := s.store.GetProfileByID(ctx, targetID); err != nil {
		return domainError(404, "user_not_found", "No such user.", nil)
	}
	if err := s.store.MarkProfileVerified(ctx, targetID); err != nil {
		return err
	}
	s.recordPrivileged(ctx, id, "verify_user", map[string]any{"target": targetID})
	s.publish("admin:user-verified", map[string]any{"userId": targetID})
	return nil
}

// BanUser suspends an account; Unban restores it.
func (s *Service) BanUser(ctx context.Context, id gate.Identity, targetID string) error {
	return s.setUserStatus(ctx, id, targetID, store.StatusBanned, "ban_user", "admin:user-banned")
}

func (s *Service) UnbanUser(ctx context.Context, id gate.Identity, targetID string) error {
	return s.setUserStatus(ctx, id, targetID, store.StatusActive, "unban_user", "admin:user-unbanned")
}

func (s *Service) setUserStatus(ctx context.Context, id gate.Identity, targetID, status, action, event string) error {
	if d := gate.Check(id, gate.AdminOrAbove); d != nil {
		return denialError(d)
	}
	target, err := s.store.GetProfileByID(ctx, targetID)
	if err != nil {
		return domainError(404, "user_not_found", "No such user.", nil)
	}
	if target.Role == store.RoleSuperadmin {
		return domainError(403, "forbidden", "The superadmin account cannot be suspended.", nil)
	}
	if err := s.store.SetProfileStatus(ctx, targetID, status); err != nil {
		return err
	}
	s.recordPrivileged(ctx, id, action, map[string]any{"target": targetID})
	s.publish(event, map[string]any{"userId": targetID})
	return nil
}

// DeleteUser is the owner-only hard delete: the profile row goes away
// and every object under the user's prefix is purged.
func (s *Service) DeleteUser(ctx context.Context, id gate.Identity, targetID string) error {
	if d := gate.Check(id, gate.Owner); d != nil {
		return denialError(d)
	}
	target, err := s.store.GetProfileByID(ctx, targetID)
	if err != nil {
		return domainError(404, "user_not_found", "No such user.", nil)
	}
	if target.Role == store.RoleSuperadmin {
		return domainError(403, "forbidden", "The superadmin account cannot be deleted.", nil)
	}
	if err := s.store.DeleteProfile(ctx, targetID); err != nil {
		return err
	}
	prefix := fmt.Sprintf("%s/%s/", strings.TrimSuffix(s.cfg.UsersPrefix, "/"), targetID)
	if err := s.objects.RemovePrefix(ctx, prefix); err != nil {
		log.Printf("admin: purge objects for %s: %v", targetID, err)
	}
	s.recordPrivileged(ctx, id, "delete_user", map[string]any{"target": targetID, "email": target.Email})
	s.publish("admin:user-deleted", map[string]any{"userId": targetID})
	return nil
}

func profileView(p store.Profile) map[string]any {
	view := map[string]any{
		"id":        p.ID,
		"email":     p.Email,
		"role":      p.Role,
		"plan":      p.Plan,
		"status":    p.Status,
		"verified":  p.Verified,
		"appName":   p.AppName,
		"createdAt": p.CreatedAt,
	}
	if p.PlanExpiresAt != nil {
		view["planExpiresAt"] = p.PlanExpiresAt
	}
	return view
}

// ---- pricing and legal ----

// GetPricing reads the current price sheet, falling back to defaults
// when none has been published.
func (s *Service) GetPricing(ctx context.Context) (Pricing, error) {
	var pricing Pricing
	data, _, err := s.objects.Download(ctx, pricingKey)
	if errors.Is(err, blobstore.ErrNotFound) {
		return defaultPricing(), nil
	}
	if err != nil {
		return Pricing{}, err
	}
	if err := json.Unmarshal(data, &pricing); err != nil {
		log.Printf("admin: unreadable pricing object, using defaults: %v", err)
		return defaultPricing(), nil
	}
	return pricing, nil
}

// UpdatePricing publishes a new price sheet.
func (s *Service) UpdatePricing(ctx context.Context, id gate.Identity, pricing Pricing) error {
	if d := gate.Check(id, gate.Superadmin); d != nil {
		return denialError(d)
	}
	if pricing.MonthlyAmount <= 0 || pricing.OneTimeAmount <= 0 {
		return domainError(400, "bad_pricing", "Amounts must be positive.", nil)
	}
	if pricing.Currency == "" {
		pricing.Currency = defaultPricing().Currency
	}
	data, err := json.Marshal(pricing)
	if err != nil {
		return err
	}
	if _, err := s.objects.Upload(ctx, pricingKey, data, "application/json", ""); err != nil {
		return err
	}
	s.recordPrivileged(ctx, id, "pricing_update", map[string]any{
		"monthly": pricing.MonthlyAmount,
		"oneTime": pricing.OneTimeAmount,
	})
	s.publish("admin:pricing-updated", pricing)
	return nil
}

// GetLegal reads the published terms and privacy copy.
func (s *Service) GetLegal(ctx context.Context) (Legal, error) {
	var legal Legal
	data, _, err := s.objects.Download(ctx, legalKey)
	if errors.Is(err, blobstore.ErrNotFound) {
		return Legal{}, nil
	}
	if err != nil {
		return Legal{}, err
	}
	if err := json.Unmarshal(data, &legal); err != nil {
		return Legal{}, nil
	}
	return legal, nil
}

// UpdateLegal publishes new terms/privacy copy. Owner only.
func (s *Service) UpdateLegal(ctx context.Context, id gate.Identity, legal Legal) error {
	if d := gate.Check(id, gate.Owner); d != nil {
		return denialError(d)
	}
	legal.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(legal)
	if err != nil {
		return err
	}
	if _, err := s.objects.Upload(ctx, legalKey, data, "application/json", ""); err != nil {
		return err
	}
	s.recordPrivileged(ctx, id, "legal_update", nil)
	s.publish("admin:legal-updated", map[string]any{"updatedAt": legal.UpdatedAt})
	return nil
}

// ---- payments ----

// InitPayment opens a checkout for the signed-in caller.
func (s *Service) InitPayment(ctx context.Context, id gate.Identity, mode string) (*payments.InitResult, error) {
	if d := gate.Check(id, gate.Authenticated); d != nil {
		return nil, denialError(d)
	}
	pricing, err := s.GetPricing(ctx)
	if err != nil {
		return nil, err
	}
	amount := pricing.OneTimeAmount
	if mode == payments.ModeMonthly {
		amount = pricing.MonthlyAmount
	}
	result, err := s.payments.StartCheckout(ctx, id.Email, mode, amount)
	if err != nil {
		return nil, domainError(502, "payment_init_failed", "Could not start the payment. Try again.", nil)
	}
	s.recordAudit(ctx, id, "payment_init", "", map[string]any{"mode": mode, "amount": amount})
	return result, nil
}

// VerifyPayment confirms a checkout reference after the redirect.
func (s *Service) VerifyPayment(ctx context.Context, id gate.Identity, reference string) (*payments.Confirmation, error) {
	if d := gate.Check(id, gate.Authenticated); d != nil {
		return nil, denialError(d)
	}
	conf, err := s.payments.ConfirmByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, payments.ErrVerifyFailed) {
			return nil, domainError(402, "payment_not_confirmed", "The payment was not confirmed.", nil)
		}
		return nil, err
	}
	s.recordAudit(ctx, id, "payment_verified", "", map[string]any{"reference": reference, "mode": conf.Mode})
	return conf, nil
}

// HandlePaymentWebhook verifies and applies a processor event. The
// signature decides the status code; everything else is acknowledged.
func (s *Service) HandlePaymentWebhook(ctx context.Context, body []byte, signature string) error {
	if err := s.payments.HandleWebhook(ctx, body, signature); err != nil {
		if errors.Is(err, payments.ErrBadSignature) {
			return domainError(401, "bad_signature", "Webhook signature mismatch.", nil)
		}
		return domainError(400, "bad_webhook", "Webhook body is not readable.", nil)
	}
	return nil
}

// NotifyPaymentSuccess is wired as the payment flow's success hook.
func (s *Service) NotifyPaymentSuccess(email, mode string) {
	s.publish("payments:success", map[string]any{"email": email, "mode": mode})
	if s.mailer != nil && s.mailer.IsConfigured() {
		pricing, err := s.GetPricing(context.Background())
		if err != nil {
			return
		}
		amount := pricing.OneTimeAmount
		if mode == payments.ModeMonthly {
			amount = pricing.MonthlyAmount
		}
		if err := s.mailer.SendPaymentReceiptEmail(email, mode, amount); err != nil {
			log.Printf("mail: receipt to %s: %v", email, err)
		}
	}
}

// ListPayments returns recent payment records for the admin dashboard.
func (s *Service) ListPayments(ctx context.Context, id gate.Identity, limit int) ([]store.PaymentRecord, error) {
	if d := gate.Check(id, gate.AdminOrAbove); d != nil {
		return nil, denialError(d)
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListPayments(ctx, limit)
}

// ---- support tickets ----

type TicketView struct {
	Ticket    store.Ticket           `json:"ticket"`
	Responses []store.TicketResponse `json:"responses"`
}

// CreateTicket opens a support ticket for the signed-in caller.
func (s *Service) CreateTicket(ctx context.Context, id gate.Identity, subject, body string) (store.Ticket, error) {
	if d := gate.Check(id, gate.Authenticated); d != nil {
		return store.Ticket{}, denialError(d)
	}
	subject = strings.TrimSpace(subject)
	if subject == "" || strings.TrimSpace(body) == "" {
		return store.Ticket{}, domainError(400, "bad_ticket", "Subject and body are required.", nil)
	}
	ticket := store.Ticket{
		ID:      util.NewID("tkt"),
		UserID:  id.UserID,
		Email:   id.Email,
		Subject: subject,
		Body:    body,
		Status:  "open",
	}
	if err := s.store.CreateTicket(ctx, ticket); err != nil {
		return store.Ticket{}, err
	}
	s.recordAudit(ctx, id, "ticket_open", "", map[string]any{"ticket": ticket.ID})
	return ticket, nil
}

// ListTickets shows the caller's own tickets; admins see all of them.
func (s *Service) ListTickets(ctx context.Context, id gate.Identity) ([]store.Ticket, error) {
	if d := gate.Check(id, gate.Authenticated); d != nil {
		return nil, denialError(d)
	}
	userID := id.UserID
	if gate.Allows(id, gate.AdminOrAbove) {
		userID = ""
	}
	return s.store.ListTickets(ctx, userID)
}

// GetTicket returns a ticket with its response thread. Non-admins may
// only read their own.
func (s *Service) GetTicket(ctx context.Context, id gate.Identity, ticketID string) (TicketView, error) {
	if d := gate.Check(id, gate.Authenticated); d != nil {
		return TicketView{}, denialError(d)
	}
	ticket, err := s.store.GetTicket(ctx, ticketID)
	if err != nil {
		return TicketView{}, domainError(404, "ticket_not_found", "No such ticket.", nil)
	}
	if ticket.UserID != id.UserID && !gate.Allows(id, gate.AdminOrAbove) {
		return TicketView{}, domainError(404, "ticket_not_found", "No such ticket.", nil)
	}
	responses, err := s.store.ListTicketResponses(ctx, ticketID)
	if err != nil {
		return TicketView{}, err
	}
	return TicketView{Ticket: ticket, Responses: responses}, nil
}

// RespondTicket adds an admin reply and marks the ticket answered.
func (s *Service) RespondTicket(ctx context.Context, id gate.Identity, ticketID, body string) error {
	if d := gate.Check(id, gate.AdminOrAbove); d != nil {
		return denialError(d)
	}
	if strings.TrimSpace(body) == "" {
		return domainError(400, "bad_response", "Response body is required.", nil)
	}
	if _, err := s.store.GetTicket(ctx, ticketID); err != nil {
		return domainError(404, "ticket_not_found", "No such ticket.", nil)
	}
	if err := s.store.AddTicketResponse(ctx, ticketID, id.Email, body); err != nil {
		return err
	}
	s.recordPrivileged(ctx, id, "ticket_respond", map[string]any{"ticket": ticketID})
	return nil
}

// ---- support sessions ----

// StartSupportSession grants an admin time-boxed read-only access to a
// target user's workbook.
func (s *Service) StartSupportSession(ctx context.Context, id gate.Identity, targetID string) (session.SupportSession, error) {
	if d := gate.Check(id, gate.AdminOrAbove); d != nil {
		return session.SupportSession{}, denialError(d)
	}
	if _, err := s.store.GetProfileByID(ctx, targetID); err != nil {
		return session.SupportSession{}, domainError(404, "user_not_found", "No such user.", nil)
	}
	sess := session.SupportSession{
		Key:       util.NewID("sup"),
		ActorID:   id.UserID,
		TargetID:  targetID,
		ReadOnly:  true,
		ExpiresAt: time.Now().Add(s.cfg.SupportSessionTTL),
	}
	if err := s.sessions.CreateSupportSession(ctx, sess); err != nil {
		return session.SupportSession{}, err
	}
	s.recordPrivileged(ctx, id, "support_session_start", map[string]any{"target": targetID})
	return sess, nil
}

// SupportPreview reads a sheet of the target user's workbook through an
// active support session.
func (s *Service) SupportPreview(ctx context.Context, id gate.Identity, sessionKey, sheet string) ([][]string, int, int, error) {
	if d := gate.Check(id, gate.AdminOrAbove); d != nil {
		return nil, 0, 0, denialError(d)
	}
	sess, err := s.sessions.LookupSupportSession(ctx, sessionKey)
	if err != nil {
		return nil, 0, 0, domainError(404, "support_session_not_found", "No such support session.", nil)
	}
	if sess.ActorID != id.UserID {
		return nil, 0, 0, domainError(403, "forbidden", "Not your support session.", nil)
	}
	target, err := s.store.GetProfileByID(ctx, sess.TargetID)
	if err != nil {
		return nil, 0, 0, domainError(404, "user_not_found", "No such user.", nil)
	}
	borrowed := gate.Identity{
		UserID:    target.ID,
		Email:     target.Email,
		Role:      gate.RoleUser,
		Plan:      gate.PlanPaid, // support reads are never metered
		ObjectKey: target.WorkbookKey,
	}
	_, grid, height, width, err := s.Preview(ctx, borrowed, sheet)
	return grid, height, width, err
}

// EndSupportSession revokes a support session before its TTL.
func (s *Service) EndSupportSession(ctx context.Context, id gate.Identity, sessionKey string) error {
	if d := gate.Check(id, gate.AdminOrAbove); d != nil {
		return denialError(d)
	}
	if err := s.sessions.RevokeSupportSession(ctx, sessionKey); err != nil {
		return err
	}
	s.recordPrivileged(ctx, id, "support_session_end", map[string]any{"session": sessionKey})
	return nil
}
