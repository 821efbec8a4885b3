package authpw

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"gridbook/api/internal/store"
)

type fakeProfileStore struct {
	profiles map[string]store.Profile // by email
	resets   map[string]string        // token -> userID
	used     map[string]bool
}

func newFakeProfileStore() *fakeProfileStore {
	return &fakeProfileStore{
		profiles: make(map[string]store.Profile),
		resets:   make(map[string]string),
		used:     make(map[string]bool),
	}
}

func (f *fakeProfileStore) GetProfileByEmail(_ context.Context, email string) (store.Profile, error) {
	p, ok := f.profiles[email]
	if !ok {
		return store.Profile{}, errors.New("not found")
	}
	return p, nil
}

func (f *fakeProfileStore) GetProfileByID(_ context.Context, id string) (store.Profile, error) {
	for _, p := range f.profiles {
		if p.ID == id {
			return p, nil
		}
	}
	return store.Profile{}, errors.New("not found")
}

func (f *fakeProfileStore) CreateProfile(_ context.Context, p store.Profile) error {
	if _, exists := f.profiles[p.Email]; exists {
		return errors.New("duplicate")
	}
	f.profiles[p.Email] = p
	return nil
}

func (f *fakeProfileStore) VerifyProfileEmail(_ context.Context, token string) error {
	for email, p := range f.profiles {
		if p.VerificationToken == token && token != "" {
			p.Verified = true
			p.VerificationToken = ""
			f.profiles[email] = p
			return nil
		}
	}
	return errors.New("not found")
}

func (f *fakeProfileStore) UpdateProfilePassword(_ context.Context, id, passwordHash string) error {
	for email, p := range f.profiles {
		if p.ID == id {
			p.PasswordHash = passwordHash
			f.profiles[email] = p
			return nil
		}
	}
	return errors.New("not found")
}

func (f *fakeProfileStore) CreatePasswordReset(_ context.Context, userID, token string, _ time.Time) error {
	f.resets[token] = userID
	return nil
}

func (f *fakeProfileStore) GetPasswordReset(_ context.Context, token string) (string, error) {
	if f.used[token] {
		return "", errors.New("used")
	}
	id, ok := f.resets[token]
	if !ok {
		return "", errors.New("not found")
	}
	return id, nil
}

func (f *fakeProfileStore) MarkPasswordResetUsed(_ context.Context, token string) error {
	f.used[token] = true
	return nil
}

func TestSignUpCreatesFreeProfile(t *testing.T) {
	st := newFakeProfileStore()
	svc := NewService(st, "users")

	resp, err := svc.SignUp(context.Background(), SignUpRequest{
		Email:    "Ada@X.com",
		Password: "correcthorse",
		AppName:  "My Sheets",
	})
	if err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	p := resp.Profile
	if p.Email != "ada@x.com" {
		t.Errorf("email not normalized: %q", p.Email)
	}
	if p.Role != store.RoleUser || p.Plan != store.PlanFree || p.Status != store.StatusActive {
		t.Errorf("unexpected defaults: role=%s plan=%s status=%s", p.Role, p.Plan, p.Status)
	}
	if want := "users/" + p.ID + "/uploaded.xlsx"; p.WorkbookKey != want {
		t.Errorf("workbook key %q, want %q", p.WorkbookKey, want)
	}
	if !resp.RequiresEmailVerify || resp.VerificationToken == "" {
		t.Error("expected verification requirement with token")
	}
	if p.PasswordHash == "correcthorse" {
		t.Error("password stored in the clear")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte("correcthorse")); err != nil {
		t.Errorf("stored hash does not match password: %v", err)
	}
}

func TestSignUpValidation(t *testing.T) {
	svc := NewService(newFakeProfileStore(), "users")
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "a@x.com", Password: "short"}); err == nil {
		t.Error("expected error for short password")
	}
	if _, err := svc.SignUp(ctx, SignUpRequest{Password: "longenough"}); err == nil {
		t.Error("expected error for missing email")
	}
}

func TestSignUpDuplicateEmail(t *testing.T) {
	st := newFakeProfileStore()
	svc := NewService(st, "users")
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "a@x.com", Password: "longenough"}); err != nil {
		t.Fatalf("first SignUp failed: %v", err)
	}
	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "a@x.com", Password: "longenough"}); err == nil {
		t.Error("expected error for duplicate email")
	}
}

func signUpAndVerify(t *testing.T, svc *Service, email, password string) store.Profile {
	t.Helper()
	ctx := context.Background()
	resp, err := svc.SignUp(ctx, SignUpRequest{Email: email, Password: password})
	if err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if err := svc.VerifyEmail(ctx, resp.VerificationToken); err != nil {
		t.Fatalf("VerifyEmail failed: %v", err)
	}
	return resp.Profile
}

func TestSignIn(t *testing.T) {
	st := newFakeProfileStore()
	svc := NewService(st, "users")
	ctx := context.Background()
	signUpAndVerify(t, svc, "a@x.com", "correcthorse")

	resp, err := svc.SignIn(ctx, SignInRequest{Email: "a@x.com", Password: "correcthorse"})
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	if resp.RequiresVerify {
		t.Error("verified account flagged for verification")
	}

	if _, err := svc.SignIn(ctx, SignInRequest{Email: "a@x.com", Password: "wrong"}); err == nil {
		t.Error("expected error for wrong password")
	}
	if _, err := svc.SignIn(ctx, SignInRequest{Email: "nobody@x.com", Password: "correcthorse"}); err == nil {
		t.Error("expected error for unknown email")
	}
}

func TestSignInUnverifiedAccount(t *testing.T) {
	st := newFakeProfileStore()
	svc := NewService(st, "users")
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "a@x.com", Password: "correcthorse"}); err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	resp, err := svc.SignIn(ctx, SignInRequest{Email: "a@x.com", Password: "correcthorse"})
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	if !resp.RequiresVerify {
		t.Error("unverified account not flagged")
	}
}

func TestSignInBannedAccount(t *testing.T) {
	st := newFakeProfileStore()
	svc := NewService(st, "users")
	ctx := context.Background()
	p := signUpAndVerify(t, svc, "a@x.com", "correcthorse")

	p = st.profiles["a@x.com"]
	p.Status = store.StatusBanned
	st.profiles["a@x.com"] = p

	if _, err := svc.SignIn(ctx, SignInRequest{Email: "a@x.com", Password: "correcthorse"}); err == nil {
		t.Error("banned account signed in")
	} else if !strings.Contains(err.Error(), "invalid email or password") {
		t.Errorf("ban leaks through error message: %v", err)
	}
}

func TestPasswordResetFlow(t *testing.T) {
	st := newFakeProfileStore()
	svc := NewService(st, "users")
	ctx := context.Background()
	signUpAndVerify(t, svc, "a@x.com", "correcthorse")

	token, err := svc.RequestPasswordReset(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}
	if token == "" {
		t.Fatal("no reset token for existing account")
	}

	// Unknown email must not reveal anything.
	if token2, err := svc.RequestPasswordReset(ctx, "nobody@x.com"); err != nil || token2 != "" {
		t.Errorf("unknown email leaked: token=%q err=%v", token2, err)
	}

	if err := svc.ResetPassword(ctx, ResetPasswordRequest{Token: token, NewPassword: "betterhorse1"}); err != nil {
		t.Fatalf("ResetPassword failed: %v", err)
	}
	if _, err := svc.SignIn(ctx, SignInRequest{Email: "a@x.com", Password: "betterhorse1"}); err != nil {
		t.Errorf("sign in with new password failed: %v", err)
	}
	if _, err := svc.SignIn(ctx, SignInRequest{Email: "a@x.com", Password: "correcthorse"}); err == nil {
		t.Error("old password still works")
	}

	// Token is single use.
	if err := svc.ResetPassword(ctx, ResetPasswordRequest{Token: token, NewPassword: "thirdhorse2"}); err == nil {
		t.Error("reset token reused")
	}
}
