package app

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"gridbook/api/internal/auth"
	"gridbook/api/internal/authpw"
	"gridbook/api/internal/blobstore"
	"gridbook/api/internal/config"
	"gridbook/api/internal/gate"
	"gridbook/api/internal/payments"
	"gridbook/api/internal/quota"
	"gridbook/api/internal/realtime"
	"gridbook/api/internal/search"
	"gridbook/api/internal/session"
	"gridbook/api/internal/store"
	"gridbook/api/internal/util"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Email        string
	Role         string
	Plan         string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	CreateProfile(ctx context.Context, p store.Profile) error
	GetProfileByID(ctx context.Context, id string) (store.Profile, error)
	GetProfileByEmail(ctx context.Context, email string) (store.Profile, error)
	ListProfiles(ctx context.Context) ([]store.Profile, error)
	UpdateProfileRole(ctx context.Context, id, role string) error
	SetProfileStatus(ctx context.Context, id, status string) error
	MarkProfileVerified(ctx context.Context, id string) error
	DeleteProfile(ctx context.Context, id string) error
	ListPayments(ctx context.Context, limit int) ([]store.PaymentRecord, error)
	CreateTicket(ctx context.Context, t store.Ticket) error
	GetTicket(ctx context.Context, id string) (store.Ticket, error)
	ListTickets(ctx context.Context, userID string) ([]store.Ticket, error)
	AddTicketResponse(ctx context.Context, ticketID, author, body string) error
	ListTicketResponses(ctx context.Context, ticketID string) ([]store.TicketResponse, error)
	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID, email string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (session.TokenData, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	CreateSupportSession(ctx context.Context, sess session.SupportSession) error
	LookupSupportSession(ctx context.Context, key string) (session.SupportSession, error)
	RevokeSupportSession(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

type quotaCounter interface {
	Bump(ctx context.Context, family, userID string) (int64, error)
	Peek(ctx context.Context, family, userID string) (int64, error)
}

// auditRecorder is the audit surface the service drives.
type auditRecorder interface {
	Record(ctx context.Context, entry *store.AuditEntry) error
	RecordPrivileged(ctx context.Context, entry *store.AuditEntry) error
	List(ctx context.Context, filter store.AuditFilter) ([]store.AuditEntry, error)
	LatestSheet(ctx context.Context, userID string) (string, error)
}

// paymentFlow is the checkout/verify/webhook surface.
type paymentFlow interface {
	StartCheckout(ctx context.Context, email, mode string, amount int64) (*payments.InitResult, error)
	ConfirmByReference(ctx context.Context, reference string) (*payments.Confirmation, error)
	HandleWebhook(ctx context.Context, body []byte, signature string) error
}

// accountService is the email/password surface.
type accountService interface {
	SignUp(ctx context.Context, req authpw.SignUpRequest) (*authpw.SignUpResponse, error)
	SignIn(ctx context.Context, req authpw.SignInRequest) (*authpw.SignInResponse, error)
	VerifyEmail(ctx context.Context, token string) error
	RequestPasswordReset(ctx context.Context, email string) (string, error)
	ResetPassword(ctx context.Context, req authpw.ResetPasswordRequest) error
}

type mailSender interface {
	IsConfigured() bool
	SendVerificationEmail(to, appName, verificationURL string) error
	SendPasswordResetEmail(to, appName, resetURL string) error
	SendPaymentReceiptEmail(to, mode string, amount int64) error
}

// auditSearcher answers free-text queries over audit activity.
type auditSearcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	quota    quotaCounter
	objects  blobstore.ObjectStore
	audit    auditRecorder
	accounts accountService
	payments paymentFlow
	searcher auditSearcher
	mailer   mailSender
	hub      *realtime.Hub
	rooms    *realtime.Rooms
}

// Deps carries the service's collaborators. Mailer and Searcher are
// optional.
type Deps struct {
	Store    dataStore
	Sessions sessionStore
	Quota    *quota.Counter
	Objects  blobstore.ObjectStore
	Audit    auditRecorder
	Accounts accountService
	Payments paymentFlow
	Searcher auditSearcher
	Mailer   mailSender
}

func New(cfg config.Config, deps Deps) *Service {
	s := &Service{
		cfg:      cfg,
		store:    deps.Store,
		sessions: deps.Sessions,
		objects:  deps.Objects,
		audit:    deps.Audit,
		accounts: deps.Accounts,
		payments: deps.Payments,
		searcher: deps.Searcher,
		mailer:   deps.Mailer,
		hub:      realtime.NewHub(cfg.MaxStreamClients),
		rooms:    realtime.NewRooms(),
	}
	if deps.Quota != nil {
		s.quota = deps.Quota
	}
	return s
}

// Hub exposes the push stream for the HTTP layer.
func (s *Service) Hub() *realtime.Hub { return s.hub }

// Rooms exposes the per-sheet collaboration rooms for the HTTP layer.
func (s *Service) Rooms() *realtime.Rooms { return s.rooms }

// Bootstrap seeds the owner account when configured and absent. The
// owner signs in after completing a password reset; no password is
// invented here.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.cfg.OwnerEmail == "" {
		return nil
	}
	email := strings.ToLower(s.cfg.OwnerEmail)
	if _, err := s.store.GetProfileByEmail(ctx, email); err == nil {
		return nil
	}
	profile := store.Profile{
		ID:       util.NewID("usr"),
		Email:    email,
		Role:     store.RoleSuperadmin,
		Plan:     store.PlanPaid,
		Status:   store.StatusActive,
		Verified: true,
	}
	profile.WorkbookKey = authpw.WorkbookKey(s.cfg.UsersPrefix, profile.ID)
	if err := s.store.CreateProfile(ctx, profile); err != nil {
		return fmt.Errorf("seed owner profile: %w", err)
	}
	log.Printf("bootstrap: seeded owner account %s", email)
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingSessions(ctx context.Context) error {
	return s.sessions.Ping(ctx)
}

// publish pushes a named event to every connected stream client.
func (s *Service) publish(name string, data any) {
	s.hub.Broadcast(realtime.Event{Name: name, Data: data})
}

// ---- identity ----

// ResolveIdentity turns a bearer token into the caller's effective role,
// plan, and target workbook key. Failure narrows, never widens: a bad or
// missing token resolves to the anonymous guest on the shared workbook,
// and a valid token whose profile cannot be loaded resolves to a free
// user on their own synthesized key.
func (s *Service) ResolveIdentity(ctx context.Context, token, scope string) (gate.Identity, error) {
	if token == "" {
		return gate.Anonymous(s.cfg.DefaultKey), nil
	}
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return gate.Anonymous(s.cfg.DefaultKey), nil
	}

	id := gate.Identity{
		UserID:    claims.Sub,
		Email:     claims.Email,
		Role:      gate.RoleUser,
		Plan:      gate.PlanFree,
		ObjectKey: authpw.WorkbookKey(s.cfg.UsersPrefix, claims.Sub),
	}

	profile, err := s.store.GetProfileByID(ctx, claims.Sub)
	if err == nil {
		switch profile.Status {
		case store.StatusBanned:
			return gate.Identity{}, domainError(403, "account_banned", "This account has been banned.", nil)
		case store.StatusDeleted:
			return gate.Anonymous(s.cfg.DefaultKey), nil
		}
		id.Email = profile.Email
		id.Role = gate.NormalizeRole(profile.Role)
		id.Plan = gate.NormalizePlan(profile.Plan)
		if id.Plan == gate.PlanPaid && profile.PlanExpiresAt != nil && profile.PlanExpiresAt.Before(time.Now()) {
			id.Plan = gate.PlanFree
		}
		if profile.WorkbookKey != "" {
			id.ObjectKey = profile.WorkbookKey
		}
		id.OwnerMatch = s.cfg.OwnerEmail != "" && strings.EqualFold(profile.Email, s.cfg.OwnerEmail)
	}

	if scope == "master" && id.Role == gate.RoleSuperadmin {
		id.ObjectKey = s.cfg.MasterKey
	}
	return id, nil
}

// consumeQuota counts one metered call for free-tier identities. Counter
// outages fail open: a broken meter should not take spreadsheets down.
func (s *Service) consumeQuota(ctx context.Context, id gate.Identity, family string) error {
	if s.quota == nil || !gate.Metered(id) {
		return nil
	}
	limit := s.cfg.FreeDailyMutations
	if family == quota.FamilyExport {
		limit = s.cfg.FreeDailyExports
	}
	subject := id.UserID
	if subject == "" {
		subject = "guest"
	}
	count, err := s.quota.Bump(ctx, family, subject)
	if err != nil {
		log.Printf("quota: bump %s/%s: %v", family, subject, err)
		return nil
	}
	if count > int64(limit) {
		return denialError(gate.QuotaExceeded(family, limit))
	}
	return nil
}

// ---- sessions ----

// SignUp registers an account and sends the verification mail when a
// mailer is configured.
func (s *Service) SignUp(ctx context.Context, email, password, appName string) (map[string]any, error) {
	resp, err := s.accounts.SignUp(ctx, authpw.SignUpRequest{Email: email, Password: password, AppName: appName})
	if err != nil {
		return nil, domainError(400, "signup_failed", err.Error(), nil)
	}

	result := map[string]any{
		"userId":              resp.Profile.ID,
		"requiresEmailVerify": resp.RequiresEmailVerify,
	}
	if s.mailer != nil && s.mailer.IsConfigured() {
		url := s.cfg.CORSOrigin + "/verify-email?token=" + resp.VerificationToken
		if err := s.mailer.SendVerificationEmail(resp.Profile.Email, resp.Profile.AppName, url); err != nil {
			log.Printf("mail: verification to %s: %v", resp.Profile.Email, err)
		}
	} else {
		// No mailer in dev setups; surface the token so the flow stays usable.
		result["verificationToken"] = resp.VerificationToken
	}
	return result, nil
}

// SignIn authenticates and issues a token pair. Unverified accounts get
// no session, only the verify flag.
func (s *Service) SignIn(ctx context.Context, email, password string) (Session, bool, error) {
	resp, err := s.accounts.SignIn(ctx, authpw.SignInRequest{Email: email, Password: password})
	if err != nil {
		return Session{}, false, domainError(401, "signin_failed", err.Error(), nil)
	}
	if resp.RequiresVerify {
		return Session{}, true, nil
	}
	sess, err := s.issueSession(ctx, resp.Profile)
	if err != nil {
		return Session{}, false, err
	}
	return sess, false, nil
}

func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	if err := s.accounts.VerifyEmail(ctx, token); err != nil {
		return domainError(400, "verify_failed", err.Error(), nil)
	}
	return nil
}

func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	token, err := s.accounts.RequestPasswordReset(ctx, email)
	if err != nil {
		return "", err
	}
	if token != "" && s.mailer != nil && s.mailer.IsConfigured() {
		url := s.cfg.CORSOrigin + "/reset-password?token=" + token
		if err := s.mailer.SendPasswordResetEmail(email, "", url); err != nil {
			log.Printf("mail: password reset to %s: %v", email, err)
		}
		return "", nil
	}
	return token, nil
}

func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	if err := s.accounts.ResetPassword(ctx, authpw.ResetPasswordRequest{Token: token, NewPassword: newPassword}); err != nil {
		return domainError(400, "reset_failed", err.Error(), nil)
	}
	return nil
}

func (s *Service) issueSession(ctx context.Context, profile store.Profile) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:   profile.ID,
		Email: profile.Email,
		Role:  profile.Role,
		Plan:  profile.Plan,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), profile.ID, profile.Email, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       profile.ID,
		Email:        profile.Email,
		Role:         profile.Role,
		Plan:         profile.Plan,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// Refresh rotates a refresh token into a fresh session.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	data, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, domainError(401, "invalid_refresh", "Invalid or expired refresh token", nil)
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	profile, err := s.store.GetProfileByID(ctx, data.UserID)
	if err != nil {
		return Session{}, domainError(401, "invalid_refresh", "Invalid or expired refresh token", nil)
	}
	if profile.Status != store.StatusActive {
		return Session{}, domainError(403, "account_unavailable", "This account is not active.", nil)
	}
	return s.issueSession(ctx, profile)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// SessionFromToken resolves the current session for the whoami endpoint.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	profile, err := s.store.GetProfileByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	return Session{
		Token:     token,
		UserID:    profile.ID,
		Email:     profile.Email,
		Role:      profile.Role,
		Plan:      profile.Plan,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// ---- audit ----

// AuditList returns the caller's activity, admins may inspect anyone's.
// The history view is a paid feature.
func (s *Service) AuditList(ctx context.Context, id gate.Identity, filter store.AuditFilter) ([]store.AuditEntry, error) {
	if d := gate.Check(id, gate.Authenticated); d != nil {
		return nil, denialError(d)
	}
	if d := gate.Check(id, gate.PremiumOrAbove); d != nil {
		return nil, denialError(d)
	}
	if !gate.Allows(id, gate.AdminOrAbove) {
		filter.UserID = id.UserID
	} else if filter.UserID == "" {
		filter.UserID = id.UserID
	}
	return s.audit.List(ctx, filter)
}

// AuditSearch runs a free-text query over audit activity. Gated like
// the list view it searches.
func (s *Service) AuditSearch(ctx context.Context, id gate.Identity, q search.Query) (search.Response, error) {
	if d := gate.Check(id, gate.Authenticated); d != nil {
		return search.Response{}, denialError(d)
	}
	if d := gate.Check(id, gate.PremiumOrAbove); d != nil {
		return search.Response{}, denialError(d)
	}
	if s.searcher == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	if !gate.Allows(id, gate.AdminOrAbove) {
		q.UserID = id.UserID
	}
	return s.searcher.Search(ctx, q), nil
}

func (s *Service) recordAudit(ctx context.Context, id gate.Identity, action, sheet string, details map[string]any) {
	entry := &store.AuditEntry{
		UserID:  auditSubject(id),
		Email:   id.Email,
		Action:  action,
		Sheet:   sheet,
		Details: details,
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		log.Printf("audit: record %s: %v", action, err)
	}
}

func (s *Service) recordPrivileged(ctx context.Context, id gate.Identity, action string, details map[string]any) {
	entry := &store.AuditEntry{
		UserID:  auditSubject(id),
		Email:   id.Email,
		Action:  action,
		Details: details,
	}
	if err := s.audit.RecordPrivileged(ctx, entry); err != nil {
		log.Printf("audit: record privileged %s: %v", action, err)
	}
}

func auditSubject(id gate.Identity) string {
	if id.UserID != "" {
		return id.UserID
	}
	return "guest"
}
