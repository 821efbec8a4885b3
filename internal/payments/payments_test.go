package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gridbook/api/internal/store"
)

func TestPaystackInit(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  true,
			"message": "Authorization URL created",
			"data": map[string]any{
				"authorization_url": "https://checkout.example/abc",
				"access_code":       "abc",
				"reference":         "ref-1",
			},
		})
	}))
	defer srv.Close()

	client := NewPaystackClient("sk_test_x", srv.URL)
	result, err := client.Init(context.Background(), InitRequest{
		Email:  "a@x.com",
		Amount: 500000,
		Plan:   "PLN_monthly",
	})
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if gotAuth != "Bearer sk_test_x" {
		t.Errorf("unexpected auth header %q", gotAuth)
	}
	if gotPath != "/transaction/initialize" {
		t.Errorf("unexpected path %q", gotPath)
	}
	if gotBody["email"] != "a@x.com" || gotBody["amount"] != "500000" || gotBody["plan"] != "PLN_monthly" {
		t.Errorf("unexpected payload: %v", gotBody)
	}
	if result.AuthorizationURL != "https://checkout.example/abc" || result.Reference != "ref-1" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestPaystackInitDeclined(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": false, "message": "Invalid key"})
	}))
	defer srv.Close()

	if _, err := NewPaystackClient("bad", srv.URL).Init(context.Background(), InitRequest{Email: "a@x.com"}); err == nil {
		t.Error("expected error for declined init")
	}
}

func TestPaystackVerifyByReference(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transaction/verify/ref-9" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": true,
			"data": map[string]any{
				"status":   "success",
				"amount":   500000,
				"currency": "NGN",
				"customer": map[string]any{"email": "a@x.com"},
				"plan":     map[string]any{"plan_code": "PLN_monthly"},
			},
		})
	}))
	defer srv.Close()

	result, err := NewPaystackClient("sk", srv.URL).VerifyByReference(context.Background(), "ref-9")
	if err != nil {
		t.Fatalf("VerifyByReference failed: %v", err)
	}
	if result.Status != "success" || result.Email != "a@x.com" || result.PlanCode != "PLN_monthly" || result.Amount != 500000 {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestVerifySignature(t *testing.T) {
	secret := "sk_test_secret"
	body := []byte(`{"event":"charge.success"}`)
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	good := hex.EncodeToString(mac.Sum(nil))

	if !VerifySignature(secret, body, good) {
		t.Error("valid signature rejected")
	}
	if VerifySignature(secret, body, good[:len(good)-2]+"00") {
		t.Error("tampered signature accepted")
	}
	if VerifySignature(secret, []byte(`{"event":"other"}`), good) {
		t.Error("signature accepted for different body")
	}
}

type fakePaymentStore struct {
	upgrades []struct {
		Email     string
		Plan      string
		ExpiresAt time.Time
	}
	payments   []store.PaymentRecord
	upgradeErr error
}

func (f *fakePaymentStore) UpgradeProfilePlan(_ context.Context, email, plan string, expiresAt time.Time) error {
	if f.upgradeErr != nil {
		return f.upgradeErr
	}
	f.upgrades = append(f.upgrades, struct {
		Email     string
		Plan      string
		ExpiresAt time.Time
	}{email, plan, expiresAt})
	return nil
}

func (f *fakePaymentStore) InsertPayment(_ context.Context, record store.PaymentRecord) error {
	f.payments = append(f.payments, record)
	return nil
}

type fakeVerifier struct {
	result *VerifyResult
	err    error
}

func (f *fakeVerifier) VerifyByReference(_ context.Context, _ string) (*VerifyResult, error) {
	return f.result, f.err
}

func testService(st Store, v Verifier, now time.Time) *Service {
	return &Service{
		verifier:        v,
		store:           st,
		secret:          "sk_test_secret",
		planCodeMonthly: "PLN_monthly",
		now:             func() time.Time { return now },
	}
}

func TestConfirmByReferenceMonthly(t *testing.T) {
	st := &fakePaymentStore{}
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	svc := testService(st, &fakeVerifier{result: &VerifyResult{
		Status: "success", Email: "a@x.com", PlanCode: "PLN_monthly", Amount: 500000,
	}}, now)

	conf, err := svc.ConfirmByReference(context.Background(), "ref-1")
	if err != nil {
		t.Fatalf("ConfirmByReference failed: %v", err)
	}
	if conf.Mode != ModeMonthly {
		t.Errorf("expected monthly mode, got %s", conf.Mode)
	}
	if want := now.AddDate(0, 1, 0); !conf.ExpiresAt.Equal(want) {
		t.Errorf("expected expiry %v, got %v", want, conf.ExpiresAt)
	}
	if len(st.upgrades) != 1 || st.upgrades[0].Plan != store.PlanPaid {
		t.Errorf("upgrade not applied: %+v", st.upgrades)
	}
	if len(st.payments) != 1 || st.payments[0].Reference != "ref-1" {
		t.Errorf("payment not recorded: %+v", st.payments)
	}
}

func TestConfirmByReferenceOneTime(t *testing.T) {
	st := &fakePaymentStore{}
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	svc := testService(st, &fakeVerifier{result: &VerifyResult{
		Status: "success", Email: "a@x.com", Amount: 2000000,
	}}, now)

	conf, err := svc.ConfirmByReference(context.Background(), "ref-2")
	if err != nil {
		t.Fatalf("ConfirmByReference failed: %v", err)
	}
	if conf.Mode != ModeOneTime {
		t.Errorf("expected one-time mode, got %s", conf.Mode)
	}
	if want := now.AddDate(1, 0, 0); !conf.ExpiresAt.Equal(want) {
		t.Errorf("expected expiry %v, got %v", want, conf.ExpiresAt)
	}
}

func TestConfirmByReferenceNotSuccessful(t *testing.T) {
	svc := testService(&fakePaymentStore{}, &fakeVerifier{result: &VerifyResult{Status: "abandoned"}}, time.Now())
	if _, err := svc.ConfirmByReference(context.Background(), "ref-3"); !errors.Is(err, ErrVerifyFailed) {
		t.Errorf("expected ErrVerifyFailed, got %v", err)
	}
}

func signedBody(t *testing.T, secret string, payload any) ([]byte, string) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return body, hex.EncodeToString(mac.Sum(nil))
}

func TestHandleWebhookChargeSuccess(t *testing.T) {
	st := &fakePaymentStore{}
	svc := testService(st, nil, time.Now())
	var notified string
	svc.OnSuccess = func(email, mode string) { notified = email + "/" + mode }

	body, sig := signedBody(t, "sk_test_secret", map[string]any{
		"event": "charge.success",
		"data": map[string]any{
			"reference": "ref-7",
			"amount":    500000,
			"customer":  map[string]any{"email": "a@x.com"},
			"plan":      map[string]any{"plan_code": "PLN_monthly"},
		},
	})
	if err := svc.HandleWebhook(context.Background(), body, sig); err != nil {
		t.Fatalf("HandleWebhook failed: %v", err)
	}
	if len(st.upgrades) != 1 || len(st.payments) != 1 {
		t.Errorf("upgrade/payment not applied: %d/%d", len(st.upgrades), len(st.payments))
	}
	if notified != "a@x.com/monthly" {
		t.Errorf("OnSuccess not fired: %q", notified)
	}
}

func TestHandleWebhookBadSignature(t *testing.T) {
	svc := testService(&fakePaymentStore{}, nil, time.Now())
	body := []byte(`{"event":"charge.success"}`)
	if err := svc.HandleWebhook(context.Background(), body, "deadbeef"); !errors.Is(err, ErrBadSignature) {
		t.Errorf("expected ErrBadSignature, got %v", err)
	}
}

func TestHandleWebhookIgnoresOtherEvents(t *testing.T) {
	st := &fakePaymentStore{}
	svc := testService(st, nil, time.Now())
	body, sig := signedBody(t, "sk_test_secret", map[string]any{"event": "subscription.disable"})
	if err := svc.HandleWebhook(context.Background(), body, sig); err != nil {
		t.Fatalf("HandleWebhook failed: %v", err)
	}
	if len(st.upgrades) != 0 {
		t.Errorf("unexpected upgrade for ignored event")
	}
}

func TestHandleWebhookAcknowledgesUpgradeFailure(t *testing.T) {
	st := &fakePaymentStore{upgradeErr: errors.New("db down")}
	svc := testService(st, nil, time.Now())
	body, sig := signedBody(t, "sk_test_secret", map[string]any{
		"event": "charge.success",
		"data":  map[string]any{"customer": map[string]any{"email": "a@x.com"}},
	})
	// Internal failure after a valid signature is still acknowledged.
	if err := svc.HandleWebhook(context.Background(), body, sig); err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
}
