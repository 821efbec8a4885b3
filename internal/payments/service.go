package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"gridbook/api/internal/store"
)

var ErrBadSignature = errors.New("webhook signature mismatch")

const (
	ModeMonthly = "monthly"
	ModeOneTime = "one-time"
)

// Store is the slice of persistence the payment flow needs.
type Store interface {
	UpgradeProfilePlan(ctx context.Context, email, plan string, expiresAt time.Time) error
	InsertPayment(ctx context.Context, record store.PaymentRecord) error
}

// Verifier looks a transaction up at the processor.
type Verifier interface {
	VerifyByReference(ctx context.Context, reference string) (*VerifyResult, error)
}

// Initializer opens a hosted checkout at the processor.
type Initializer interface {
	Init(ctx context.Context, req InitRequest) (*InitResult, error)
}

// Service orchestrates upgrades: open checkout, confirm payment via
// redirect verification or webhook, flip the account to the paid plan,
// and record the payment.
type Service struct {
	client          Initializer
	verifier        Verifier
	store           Store
	secret          string
	planCodeMonthly string
	callbackURL     string

	// OnSuccess runs after a confirmed upgrade, for push notifications
	// and receipts. Optional.
	OnSuccess func(email, mode string)

	now func() time.Time
}

type Options struct {
	Client          *PaystackClient
	Store           Store
	Secret          string
	PlanCodeMonthly string
	CallbackURL     string
}

func NewService(opts Options) *Service {
	return &Service{
		client:          opts.Client,
		verifier:        opts.Client,
		store:           opts.Store,
		secret:          opts.Secret,
		planCodeMonthly: opts.PlanCodeMonthly,
		callbackURL:     opts.CallbackURL,
		now:             time.Now,
	}
}

// StartCheckout opens a checkout for the given mode and amount (minor
// units). Monthly mode attaches the subscription plan code.
func (s *Service) StartCheckout(ctx context.Context, email, mode string, amount int64) (*InitResult, error) {
	req := InitRequest{
		Email:       email,
		Amount:      amount,
		CallbackURL: s.callbackURL,
	}
	switch mode {
	case ModeMonthly:
		req.Plan = s.planCodeMonthly
	case ModeOneTime:
	default:
		return nil, fmt.Errorf("unknown payment mode %q", mode)
	}
	return s.client.Init(ctx, req)
}

// Confirmation is the outcome of a successful verification.
type Confirmation struct {
	Email     string
	Mode      string
	Amount    int64
	Reference string
	ExpiresAt time.Time
}

// ConfirmByReference verifies a checkout reference with the processor
// and, on success, applies the upgrade. Used by the post-payment
// redirect; the webhook applies the same upgrade idempotently.
func (s *Service) ConfirmByReference(ctx context.Context, reference string) (*Confirmation, error) {
	result, err := s.verifier.VerifyByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if result.Status != "success" {
		return nil, fmt.Errorf("%w: status %q", ErrVerifyFailed, result.Status)
	}
	return s.applyUpgrade(ctx, result.Email, result.PlanCode, result.Amount, reference)
}

// webhookEvent is the subset of the processor's event payload the
// upgrade flow reads.
type webhookEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference string `json:"reference"`
		Amount    int64  `json:"amount"`
		Customer  struct {
			Email string `json:"email"`
		} `json:"customer"`
		Plan struct {
			PlanCode string `json:"plan_code"`
		} `json:"plan"`
	} `json:"data"`
}

// HandleWebhook processes a signed processor event. A bad signature or
// unparseable body is an error; anything after that point is
// acknowledged regardless of outcome, so the processor does not retry
// charges we have already seen fail internally.
func (s *Service) HandleWebhook(ctx context.Context, body []byte, signature string) error {
	if !VerifySignature(s.secret, body, signature) {
		return ErrBadSignature
	}
	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return fmt.Errorf("decode webhook body: %w", err)
	}
	if event.Event != "charge.success" {
		return nil
	}
	if _, err := s.applyUpgrade(ctx, event.Data.Customer.Email, event.Data.Plan.PlanCode, event.Data.Amount, event.Data.Reference); err != nil {
		log.Printf("payments: webhook upgrade for %s: %v", event.Data.Customer.Email, err)
	}
	return nil
}

// applyUpgrade flips the account to the paid plan. A subscription to the
// monthly plan code runs one month; a one-time charge buys a year.
func (s *Service) applyUpgrade(ctx context.Context, email, planCode string, amount int64, reference string) (*Confirmation, error) {
	if email == "" {
		return nil, errors.New("charge has no customer email")
	}

	mode := ModeOneTime
	expiresAt := s.now().UTC().AddDate(1, 0, 0)
	if planCode != "" && planCode == s.planCodeMonthly {
		mode = ModeMonthly
		expiresAt = s.now().UTC().AddDate(0, 1, 0)
	}

	if err := s.store.UpgradeProfilePlan(ctx, email, store.PlanPaid, expiresAt); err != nil {
		return nil, fmt.Errorf("upgrade plan for %s: %w", email, err)
	}
	record := store.PaymentRecord{
		Email:     email,
		Amount:    amount,
		Reference: reference,
		Status:    "success",
		Mode:      mode,
	}
	if err := s.store.InsertPayment(ctx, record); err != nil {
		return nil, fmt.Errorf("record payment %s: %w", reference, err)
	}

	if s.OnSuccess != nil {
		s.OnSuccess(email, mode)
	}
	return &Confirmation{
		Email:     email,
		Mode:      mode,
		Amount:    amount,
		Reference: reference,
		ExpiresAt: expiresAt,
	}, nil
}
