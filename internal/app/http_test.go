package app

import (
	"bufio"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/xuri/excelize/v2"

	"gridbook/api/internal/authpw"
	"gridbook/api/internal/store"
)

func newTestServer(t *testing.T, withQuota bool) (*httptest.Server, *harness) {
	t.Helper()
	h := newHarness(t, withQuota)
	httpServer := NewHTTPServer(h.svc, h.cfg.CORSOrigin, 50*time.Millisecond)
	server := httptest.NewServer(httpServer.Handler())
	t.Cleanup(server.Close)
	return server, h
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t, false)
	resp, body := doJSON(t, http.MethodGet, server.URL+"/api/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["ok"] != true {
		t.Errorf("unexpected body %v", body)
	}
}

func TestReadyEndpoint(t *testing.T) {
	server, _ := newTestServer(t, false)
	resp, body := doJSON(t, http.MethodGet, server.URL+"/api/ready", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["status"] != "ready" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestRequestIDHeader(t *testing.T) {
	server, _ := newTestServer(t, false)
	resp, _ := doJSON(t, http.MethodGet, server.URL+"/api/health", "", nil)
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing request id header")
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("unexpected CORS origin %q", got)
	}
}

func TestSignUpRoute(t *testing.T) {
	server, _ := newTestServer(t, false)
	resp, body := doJSON(t, http.MethodPost, server.URL+"/api/auth/signup", "", map[string]any{
		"email":    "new@example.com",
		"password": "password123",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %v", resp.StatusCode, body)
	}
	// No mailer configured, so the verification token is surfaced.
	if body["verificationToken"] != "verify-token" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestSignInRoute(t *testing.T) {
	server, h := newTestServer(t, false)
	p := h.addProfile(t, store.RoleUser, store.PlanFree)
	h.accounts.signInResp = &authpw.SignInResponse{Profile: p}

	resp, body := doJSON(t, http.MethodPost, server.URL+"/api/auth/signin", "", map[string]any{
		"email":    p.Email,
		"password": "password123",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, body)
	}
	if token, _ := body["token"].(string); token == "" {
		t.Errorf("incomplete session %v", body)
	}
	if refresh, _ := body["refreshToken"].(string); refresh == "" {
		t.Errorf("missing refresh token %v", body)
	}
}

func TestWhoamiRoute(t *testing.T) {
	server, h := newTestServer(t, false)
	p := h.addProfile(t, store.RoleUser, store.PlanPaid)
	token := h.token(t, p)

	_, body := doJSON(t, http.MethodGet, server.URL+"/api/session", token, nil)
	if body["authenticated"] != true || body["userId"] != p.ID {
		t.Errorf("unexpected body %v", body)
	}

	_, body = doJSON(t, http.MethodGet, server.URL+"/api/session", "bad-token", nil)
	if body["authenticated"] != false {
		t.Errorf("bad token should not authenticate: %v", body)
	}
}

func TestExcelRoundTripOverHTTP(t *testing.T) {
	server, h := newTestServer(t, false)
	p := h.addProfile(t, store.RoleUser, store.PlanPaid)
	token := h.token(t, p)

	resp, body := doJSON(t, http.MethodPost, server.URL+"/excel/save-all", token, map[string]any{
		"sheet": "Inventory",
		"data":  [][]any{{"name", "qty"}, {"widget", 3}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save-all: expected 200, got %d: %v", resp.StatusCode, body)
	}
	if body["success"] != true {
		t.Errorf("save-all body: %v", body)
	}

	resp, body = doJSON(t, http.MethodGet, server.URL+"/excel/preview?sheet=Inventory", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("preview: expected 200, got %d: %v", resp.StatusCode, body)
	}
	if body["sheet"] != "Inventory" {
		t.Errorf("preview should name the resolved sheet: %v", body)
	}
	if body["rows"].(float64) != 2 || body["cols"].(float64) != 2 {
		t.Errorf("unexpected dimensions %v", body)
	}
	if _, ok := body["preview"].([]any); !ok {
		t.Errorf("preview grid missing: %v", body)
	}

	resp, body = doJSON(t, http.MethodGet, server.URL+"/excel/cell?sheet=Inventory&address=B2", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cell: expected 200, got %d: %v", resp.StatusCode, body)
	}
	if body["value"] != "3" {
		t.Errorf("unexpected cell value %v", body["value"])
	}
}

func TestEmptyCellReadsAsNull(t *testing.T) {
	server, h := newTestServer(t, false)
	p := h.addProfile(t, store.RoleUser, store.PlanPaid)
	token := h.token(t, p)

	resp, body := doJSON(t, http.MethodGet, server.URL+"/excel/cell?address=Z99", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, body)
	}
	if value, present := body["value"]; !present || value != nil {
		t.Errorf("empty cell must be null, got %v", body)
	}
}

func TestQuotaOverHTTP(t *testing.T) {
	server, h := newTestServer(t, true)
	p := h.addProfile(t, store.RoleUser, store.PlanFree)
	token := h.token(t, p)

	for i := 1; i <= h.cfg.FreeDailyMutations; i++ {
		resp, body := doJSON(t, http.MethodPost, server.URL+"/excel/add-sheet", token, map[string]any{
			"name": fmt.Sprintf("Sheet %d", i),
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("call %d: expected 201, got %d: %v", i, resp.StatusCode, body)
		}
	}

	resp, body := doJSON(t, http.MethodPost, server.URL+"/excel/add-sheet", token, map[string]any{
		"name": "Blocked",
	})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %v", resp.StatusCode, body)
	}
	if code := body["code"]; code != "quota_exceeded" {
		t.Errorf("unexpected code %v", code)
	}
	if msg, _ := body["error"].(string); !strings.Contains(msg, "Upgrade") {
		t.Errorf("refusal should pitch the upgrade: %v", msg)
	}
}

func TestAdminRouteDenied(t *testing.T) {
	server, h := newTestServer(t, false)
	p := h.addProfile(t, store.RoleUser, store.PlanPaid)
	token := h.token(t, p)

	resp, body := doJSON(t, http.MethodGet, server.URL+"/admin/users", token, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %v", resp.StatusCode, body)
	}
	if body["code"] != "admin_required" {
		t.Errorf("unexpected code %v", body["code"])
	}
}

func TestCSVExportDownload(t *testing.T) {
	server, h := newTestServer(t, false)
	p := h.addProfile(t, store.RoleUser, store.PlanPaid)
	token := h.token(t, p)

	if err := h.svc.SaveAll(context.Background(), h.identity(p), "Data", [][]any{{"a", "b"}}, ""); err != nil {
		t.Fatal(err)
	}

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/excel/export/csv?sheet=Data", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("unexpected content type %q", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, ".csv") {
		t.Errorf("unexpected disposition %q", cd)
	}
}

func TestMultipartUpload(t *testing.T) {
	server, h := newTestServer(t, false)
	p := h.addProfile(t, store.RoleUser, store.PlanPaid)
	token := h.token(t, p)

	wb := excelize.NewFile()
	if _, err := wb.NewSheet("Imported"); err != nil {
		t.Fatal(err)
	}
	buf, err := wb.WriteToBuffer()
	if err != nil {
		t.Fatal(err)
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", "import.xlsx")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write(buf.Bytes()); err != nil {
		t.Fatal(err)
	}
	form.Close()

	req, _ := http.NewRequest(http.MethodPost, server.URL+"/excel/upload", &body)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", form.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, decoded)
	}
	sheets, _ := decoded["sheetNames"].([]any)
	found := false
	for _, name := range sheets {
		if name == "Imported" {
			found = true
		}
	}
	if !found {
		t.Errorf("uploaded sheet missing from %v", decoded["sheetNames"])
	}
	if decoded["fileName"] != "import.xlsx" {
		t.Errorf("unexpected file name %v", decoded["fileName"])
	}
	if decoded["fileKey"] == "" || decoded["fileKey"] == nil {
		t.Errorf("missing file key in %v", decoded)
	}
}

func TestWebhookSignatureOverHTTP(t *testing.T) {
	server, _ := newTestServer(t, false)

	body := []byte(`{"event":"charge.success","data":{}}`)
	req, _ := http.NewRequest(http.MethodPost, server.URL+"/payments/webhook", bytes.NewReader(body))
	req.Header.Set("X-Paystack-Signature", "deadbeef")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	// The fake payment flow accepts everything; the real signature path
	// is covered in the payments package. Here we only assert routing.
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestPricingIsPublic(t *testing.T) {
	server, _ := newTestServer(t, false)
	resp, body := doJSON(t, http.MethodGet, server.URL+"/payments/pricing", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["currency"] != "NGN" {
		t.Errorf("unexpected pricing %v", body)
	}
}

func TestEventStreamRequiresSuperadmin(t *testing.T) {
	server, h := newTestServer(t, false)
	p := h.addProfile(t, store.RoleAdmin, store.PlanPaid)
	token := h.token(t, p)

	resp, body := doJSON(t, http.MethodGet, server.URL+"/realtime/events", token, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %v", resp.StatusCode, body)
	}
	if body["code"] != "superadmin_required" {
		t.Errorf("unexpected code %v", body["code"])
	}
}

func TestEventStreamDeliversBroadcasts(t *testing.T) {
	server, h := newTestServer(t, false)
	p := h.addProfile(t, store.RoleSuperadmin, store.PlanPaid)
	token := h.token(t, p)

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/realtime/events", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resp, err := http.DefaultClient.Do(req.WithContext(ctx))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(line, "event: connected") {
		t.Fatalf("expected connected event, got %q", line)
	}

	h.svc.publish("excel:saved", map[string]any{"sheet": "Data"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		line, err = reader.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if strings.HasPrefix(line, "event: excel:saved") {
			return
		}
	}
	t.Fatal("broadcast never arrived on the stream")
}

func TestSheetSocketRelay(t *testing.T) {
	server, _ := newTestServer(t, false)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/realtime/ws?sheet=Budget&name="

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice, _, _, err := ws.Dial(ctx, wsURL+"alice")
	if err != nil {
		t.Fatal(err)
	}
	defer alice.Close()
	if _, _, err := wsutil.ReadServerData(alice); err != nil { // joined
		t.Fatal(err)
	}

	bob, _, _, err := ws.Dial(ctx, wsURL+"bob")
	if err != nil {
		t.Fatal(err)
	}
	defer bob.Close()

	joined, _, err := wsutil.ReadServerData(bob)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(joined), "alice") {
		t.Errorf("bob should see alice present: %s", joined)
	}

	// Alice sees bob arrive, then receives his edit.
	notice, _, err := wsutil.ReadServerData(alice)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(notice), "peer-joined") {
		t.Errorf("expected join notice, got %s", notice)
	}

	edit := []byte(`{"type":"cell-edit","address":"A1","value":"42"}`)
	if err := wsutil.WriteClientMessage(bob, ws.OpText, edit); err != nil {
		t.Fatal(err)
	}
	relayed, _, err := wsutil.ReadServerData(alice)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(relayed, edit) {
		t.Errorf("expected relay of %s, got %s", edit, relayed)
	}
}

// Signature helper mirrors what the payment processor sends; used by the
// payments package tests and kept here for webhook routing tests that
// need a valid header.
func signBody(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookRoutingWithValidSignature(t *testing.T) {
	server, _ := newTestServer(t, false)

	body := []byte(`{"event":"charge.dispute","data":{}}`)
	req, _ := http.NewRequest(http.MethodPost, server.URL+"/payments/webhook", bytes.NewReader(body))
	req.Header.Set("X-Paystack-Signature", signBody("test-secret", body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
