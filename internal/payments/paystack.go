// Package payments integrates the Paystack card processor: hosted
// checkout initialization, reference verification, and the signed
// webhook that confirms charges.
package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var ErrVerifyFailed = errors.New("transaction verification failed")

// PaystackClient calls the processor's REST API. BaseURL is overridable
// for tests.
type PaystackClient struct {
	secret  string
	baseURL string
	http    *http.Client
}

func NewPaystackClient(secret, baseURL string) *PaystackClient {
	if baseURL == "" {
		baseURL = "https://api.paystack.co"
	}
	return &PaystackClient{
		secret:  secret,
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// InitRequest describes a checkout to open. Amount is in minor currency
// units. Plan, when set, makes the charge a subscription to that plan
// code instead of a one-time payment.
type InitRequest struct {
	Email       string
	Amount      int64
	Plan        string
	CallbackURL string
	Reference   string
}

// InitResult is the hosted checkout the frontend redirects to.
type InitResult struct {
	AuthorizationURL string
	AccessCode       string
	Reference        string
}

type initPayload struct {
	Email       string `json:"email"`
	Amount      string `json:"amount"`
	Plan        string `json:"plan,omitempty"`
	CallbackURL string `json:"callback_url,omitempty"`
	Reference   string `json:"reference,omitempty"`
}

type initResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	} `json:"data"`
}

// Init opens a transaction and returns the checkout URL.
func (c *PaystackClient) Init(ctx context.Context, req InitRequest) (*InitResult, error) {
	body, err := json.Marshal(initPayload{
		Email:       req.Email,
		Amount:      fmt.Sprintf("%d", req.Amount),
		Plan:        req.Plan,
		CallbackURL: req.CallbackURL,
		Reference:   req.Reference,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal init payload: %w", err)
	}

	var resp initResponse
	if err := c.call(ctx, http.MethodPost, "/transaction/initialize", body, &resp); err != nil {
		return nil, err
	}
	if !resp.Status {
		return nil, fmt.Errorf("initialize transaction: %s", resp.Message)
	}
	return &InitResult{
		AuthorizationURL: resp.Data.AuthorizationURL,
		AccessCode:       resp.Data.AccessCode,
		Reference:        resp.Data.Reference,
	}, nil
}

// VerifyResult is the processor's view of a finished transaction.
type VerifyResult struct {
	Status   string
	Amount   int64
	Currency string
	Email    string
	PlanCode string
	PaidAt   string
}

type verifyResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Status   string `json:"status"`
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
		PaidAt   string `json:"paid_at"`
		Customer struct {
			Email string `json:"email"`
		} `json:"customer"`
		Plan struct {
			PlanCode string `json:"plan_code"`
		} `json:"plan"`
	} `json:"data"`
}

// VerifyByReference fetches the transaction state for a checkout
// reference. A processor-side "failed" lookup is ErrVerifyFailed.
func (c *PaystackClient) VerifyByReference(ctx context.Context, reference string) (*VerifyResult, error) {
	var resp verifyResponse
	if err := c.call(ctx, http.MethodGet, "/transaction/verify/"+reference, nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Status {
		return nil, fmt.Errorf("%w: %s", ErrVerifyFailed, resp.Message)
	}
	return &VerifyResult{
		Status:   resp.Data.Status,
		Amount:   resp.Data.Amount,
		Currency: resp.Data.Currency,
		Email:    resp.Data.Customer.Email,
		PlanCode: resp.Data.Plan.PlanCode,
		PaidAt:   resp.Data.PaidAt,
	}, nil
}

func (c *PaystackClient) call(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response %s: %w", path, err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("%s returned %d: %s", path, res.StatusCode, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response %s: %w", path, err)
	}
	return nil
}

// VerifySignature checks the webhook signature header: lowercase hex
// HMAC-SHA512 of the raw request body under the API secret. Comparison
// is constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
