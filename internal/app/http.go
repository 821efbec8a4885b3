package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gridbook/api/internal/auth"
	"gridbook/api/internal/gate"
	"gridbook/api/internal/search"
	"gridbook/api/internal/store"
)

// maxUploadBytes bounds workbook uploads.
const maxUploadBytes = 20 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
	heartbeat  time.Duration
}

func NewHTTPServer(service *Service, corsOrigin string, heartbeat time.Duration) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, heartbeat: heartbeat}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	// Auth routes (no identity required)
	if r.Method == http.MethodPost {
		switch r.URL.Path {
		case "/api/auth/signup":
			s.handleAuthSignUp(w, r)
			return
		case "/api/auth/signin":
			s.handleAuthSignIn(w, r)
			return
		case "/api/auth/verify-email":
			s.handleAuthVerifyEmail(w, r)
			return
		case "/api/auth/reset-password/request":
			s.handleAuthRequestReset(w, r)
			return
		case "/api/auth/reset-password":
			s.handleAuthResetPassword(w, r)
			return
		case "/api/session/refresh":
			s.handleSessionRefresh(w, r)
			return
		case "/api/session/logout":
			s.handleSessionLogout(w, r)
			return
		case "/payments/webhook":
			s.handlePaymentWebhook(w, r)
			return
		}
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		s.handleSessionWhoami(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/payments/pricing" {
		pricing, err := s.service.GetPricing(r.Context())
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, pricing)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/legal" {
		legal, err := s.service.GetLegal(r.Context())
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, legal)
		return
	}

	// Everything below resolves the caller's identity first. Anonymous
	// callers resolve to the guest identity on the shared workbook.
	identity, err := s.service.ResolveIdentity(r.Context(), bearerToken(r), r.URL.Query().Get("scope"))
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	if r.URL.Path == "/realtime/events" && r.Method == http.MethodGet {
		// The dashboard feed carries privileged notifications; only the
		// superadmin (including the owner) may attach.
		if d := gate.Check(identity, gate.Superadmin); d != nil {
			writeError(w, d.Status, d.Code, d.Message, nil)
			return
		}
		s.handleEventStream(w, r)
		return
	}
	if r.URL.Path == "/realtime/ws" && r.Method == http.MethodGet {
		s.handleSheetSocket(w, r, identity)
		return
	}

	segments := splitPath(r.URL.Path)
	if len(segments) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch segments[0] {
	case "excel":
		s.handleExcel(w, r, identity, segments[1:])
	case "audit":
		s.handleAudit(w, r, identity, segments[1:])
	case "payments":
		s.handlePayments(w, r, identity, segments[1:])
	case "admin":
		s.handleAdmin(w, r, identity, segments[1:])
	case "tickets":
		s.handleTickets(w, r, identity, segments[1:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"sessions": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if err := s.service.PingSessions(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["sessions"] = map[string]any{"status": "error", "error": err.Error()}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// ---- auth handlers ----

func (s *HTTPServer) handleAuthSignUp(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		AppName  string `json:"appName"`
	}
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	result, err := s.service.SignUp(r.Context(), input.Email, input.Password, input.AppName)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *HTTPServer) handleAuthSignIn(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	sess, requiresVerify, err := s.service.SignIn(r.Context(), input.Email, input.Password)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	if requiresVerify {
		writeJSON(w, http.StatusOK, map[string]any{"requiresEmailVerify": true})
		return
	}
	writeJSON(w, http.StatusOK, sessionView(sess))
}

func (s *HTTPServer) handleAuthVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	if err := s.service.VerifyEmail(r.Context(), input.Token); err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"verified": true})
}

func (s *HTTPServer) handleAuthRequestReset(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	token, err := s.service.RequestPasswordReset(r.Context(), input.Email)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	// Same response whether or not the account exists.
	response := map[string]any{"requested": true}
	if token != "" {
		response["resetToken"] = token
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleAuthResetPassword(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Token       string `json:"token"`
		NewPassword string `json:"newPassword"`
	}
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	if err := s.service.ResetPassword(r.Context(), input.Token, input.NewPassword); err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reset": true})
}

func (s *HTTPServer) handleSessionWhoami(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	sess, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"userId":        sess.UserID,
		"email":         sess.Email,
		"role":          sess.Role,
		"plan":          sess.Plan,
	})
}

func (s *HTTPServer) handleSessionRefresh(w http.ResponseWriter, r *http.Request) {
	var input struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	sess, err := s.service.Refresh(r.Context(), input.RefreshToken)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(sess))
}

func (s *HTTPServer) handleSessionLogout(w http.ResponseWriter, r *http.Request) {
	var input struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = decodeBody(r, &input)
	_ = s.service.Logout(r.Context(), input.RefreshToken)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func sessionView(sess Session) map[string]any {
	return map[string]any{
		"token":        sess.Token,
		"refreshToken": sess.RefreshToken,
		"userId":       sess.UserID,
		"email":        sess.Email,
		"role":         sess.Role,
		"plan":         sess.Plan,
		"expiresAt":    sess.ExpiresAt,
	}
}

// ---- excel handlers ----

func (s *HTTPServer) handleExcel(w http.ResponseWriter, r *http.Request, id gate.Identity, segments []string) {
	ctx := r.Context()

	if r.Method == http.MethodGet && len(segments) == 1 {
		switch segments[0] {
		case "sheets":
			sheets, err := s.service.Sheets(ctx, id)
			if err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"sheets": sheets})
			return
		case "preview":
			name, grid, height, width, err := s.service.Preview(ctx, id, r.URL.Query().Get("sheet"))
			if err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"sheet": name, "preview": grid, "rows": height, "cols": width})
			return
		case "cell":
			value, err := s.service.GetCell(ctx, id, r.URL.Query().Get("sheet"), r.URL.Query().Get("address"))
			if err != nil {
				s.writeMappedError(w, err)
				return
			}
			var payload any
			if value != "" {
				payload = value
			}
			writeJSON(w, http.StatusOK, map[string]any{"value": payload})
			return
		case "download":
			data, filename, err := s.service.DownloadWorkbook(ctx, id)
			if err != nil {
				s.writeMappedError(w, err)
				return
			}
			w.Header().Set("Content-Type", xlsxContentType)
			w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(data)
			return
		}
	}

	if r.Method == http.MethodGet && len(segments) == 2 && segments[0] == "export" {
		s.handleExport(w, r, id, segments[1])
		return
	}

	if r.Method == http.MethodPost && len(segments) == 1 {
		switch segments[0] {
		case "add-sheet":
			var input struct {
				Name      string `json:"name"`
				Overwrite bool   `json:"overwrite"`
			}
			if err := decodeBody(r, &input); err != nil {
				writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
				return
			}
			sheets, err := s.service.AddSheet(ctx, id, input.Name, input.Overwrite)
			if err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"success": true, "sheet": input.Name, "sheets": sheets})
			return
		case "delete-sheet":
			var input struct {
				Name string `json:"name"`
			}
			if err := decodeBody(r, &input); err != nil {
				writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
				return
			}
			sheets, err := s.service.DeleteSheet(ctx, id, input.Name)
			if err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "deleted": input.Name, "sheets": sheets})
			return
		case "save-all":
			var input struct {
				Sheet   string  `json:"sheet"`
				Data    [][]any `json:"data"`
				Version string  `json:"version"`
			}
			if err := decodeBody(r, &input); err != nil {
				writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
				return
			}
			expected := input.Version
			if expected == "" {
				expected = strings.Trim(r.Header.Get("If-Match"), `"`)
			}
			if err := s.service.SaveAll(ctx, id, input.Sheet, input.Data, expected); err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"success": true})
			return
		case "upload":
			data, filename, err := readUpload(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Unreadable upload body", nil)
				return
			}
			if len(data) > maxUploadBytes {
				writeError(w, http.StatusRequestEntityTooLarge, "TOO_LARGE", "Upload exceeds the size limit", nil)
				return
			}
			sheets, err := s.service.UploadWorkbook(ctx, id, data)
			if err != nil {
				s.writeMappedError(w, err)
				return
			}
			_, preview, _, _, err := s.service.Preview(ctx, id, "")
			if err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"fileKey":    id.ObjectKey,
				"fileName":   filename,
				"sheetNames": sheets,
				"preview":    preview,
			})
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, id gate.Identity, format string) {
	ctx := r.Context()
	switch format {
	case "csv":
		result, err := s.service.ExportCSV(ctx, id, r.URL.Query().Get("sheet"))
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)
	case "pdf":
		result, err := s.service.ExportPDF(ctx, id)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown export format", nil)
	}
}

// ---- audit handlers ----

func (s *HTTPServer) handleAudit(w http.ResponseWriter, r *http.Request, id gate.Identity, segments []string) {
	if r.Method != http.MethodGet || len(segments) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	query := r.URL.Query()
	switch segments[0] {
	case "list":
		filter := store.AuditFilter{
			UserID: query.Get("user"),
			Action: query.Get("action"),
			Limit:  queryInt(query.Get("limit"), 50),
			Offset: queryInt(query.Get("offset"), 0),
		}
		entries, err := s.service.AuditList(r.Context(), id, filter)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": auditViews(entries)})
	case "search":
		q := search.Query{
			Text:   query.Get("q"),
			UserID: query.Get("user"),
			Action: query.Get("action"),
			Limit:  queryInt(query.Get("limit"), 20),
			Offset: queryInt(query.Get("offset"), 0),
		}
		resp, err := s.service.AuditSearch(r.Context(), id, q)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func auditViews(entries []store.AuditEntry) []map[string]any {
	views := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		view := map[string]any{
			"id":        e.ID,
			"userId":    e.UserID,
			"action":    e.Action,
			"createdAt": e.CreatedAt,
		}
		if e.Sheet != "" {
			view["sheet"] = e.Sheet
		}
		if len(e.Details) > 0 {
			view["details"] = e.Details
		}
		views = append(views, view)
	}
	return views
}

// ---- payment handlers ----

func (s *HTTPServer) handlePayments(w http.ResponseWriter, r *http.Request, id gate.Identity, segments []string) {
	if len(segments) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	switch {
	case r.Method == http.MethodPost && segments[0] == "init":
		var input struct {
			Mode string `json:"mode"`
		}
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
			return
		}
		result, err := s.service.InitPayment(r.Context(), id, input.Mode)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authorizationUrl": result.AuthorizationURL,
			"reference":        result.Reference,
		})
	case r.Method == http.MethodGet && segments[0] == "verify":
		conf, err := s.service.VerifyPayment(r.Context(), id, r.URL.Query().Get("reference"))
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"confirmed": true,
			"mode":      conf.Mode,
			"expiresAt": conf.ExpiresAt,
		})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// handlePaymentWebhook is unauthenticated; the signature header is the
// authentication.
func (s *HTTPServer) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Unreadable body", nil)
		return
	}
	signature := r.Header.Get("X-Paystack-Signature")
	if err := s.service.HandlePaymentWebhook(r.Context(), body, signature); err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true})
}

// ---- admin handlers ----

func (s *HTTPServer) handleAdmin(w http.ResponseWriter, r *http.Request, id gate.Identity, segments []string) {
	ctx := r.Context()

	if len(segments) == 1 {
		switch {
		case r.Method == http.MethodGet && segments[0] == "users":
			users, err := s.service.ListUsers(ctx, id)
			if err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"users": users})
			return
		case r.Method == http.MethodGet && segments[0] == "payments":
			records, err := s.service.ListPayments(ctx, id, queryInt(r.URL.Query().Get("limit"), 100))
			if err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"payments": records})
			return
		case r.Method == http.MethodPost && segments[0] == "pricing":
			var pricing Pricing
			if err := decodeBody(r, &pricing); err != nil {
				writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
				return
			}
			if err := s.service.UpdatePricing(ctx, id, pricing); err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"updated": true})
			return
		case r.Method == http.MethodPost && segments[0] == "legal":
			var legal Legal
			if err := decodeBody(r, &legal); err != nil {
				writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
				return
			}
			if err := s.service.UpdateLegal(ctx, id, legal); err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"updated": true})
			return
		case r.Method == http.MethodPost && segments[0] == "support-session":
			var input struct {
				TargetID string `json:"targetId"`
			}
			if err := decodeBody(r, &input); err != nil {
				writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
				return
			}
			sess, err := s.service.StartSupportSession(ctx, id, input.TargetID)
			if err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, sess)
			return
		}
	}

	if len(segments) == 2 && segments[0] == "support-session" && r.Method == http.MethodDelete {
		if err := s.service.EndSupportSession(ctx, id, segments[1]); err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ended": true})
		return
	}

	if len(segments) == 3 && segments[0] == "support-session" && segments[2] == "preview" && r.Method == http.MethodGet {
		grid, height, width, err := s.service.SupportPreview(ctx, id, segments[1], r.URL.Query().Get("sheet"))
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"grid": grid, "rows": height, "cols": width})
		return
	}

	if len(segments) >= 2 && segments[0] == "users" {
		targetID := segments[1]
		switch {
		case r.Method == http.MethodDelete && len(segments) == 2:
			if err := s.service.DeleteUser(ctx, id, targetID); err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
			return
		case r.Method == http.MethodPost && len(segments) == 3:
			switch segments[2] {
			case "promote":
				var input struct {
					Role string `json:"role"`
				}
				if err := decodeBody(r, &input); err != nil {
					writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
					return
				}
				if err := s.service.PromoteUser(ctx, id, targetID, input.Role); err != nil {
					s.writeMappedError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"promoted": true})
				return
			case "verify":
				if err := s.service.VerifyUser(ctx, id, targetID); err != nil {
					s.writeMappedError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"verified": true})
				return
			case "ban":
				if err := s.service.BanUser(ctx, id, targetID); err != nil {
					s.writeMappedError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"banned": true})
				return
			case "unban":
				if err := s.service.UnbanUser(ctx, id, targetID); err != nil {
					s.writeMappedError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"unbanned": true})
				return
			}
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// ---- ticket handlers ----

func (s *HTTPServer) handleTickets(w http.ResponseWriter, r *http.Request, id gate.Identity, segments []string) {
	ctx := r.Context()

	if len(segments) == 0 {
		switch r.Method {
		case http.MethodPost:
			var input struct {
				Subject string `json:"subject"`
				Body    string `json:"body"`
			}
			if err := decodeBody(r, &input); err != nil {
				writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
				return
			}
			ticket, err := s.service.CreateTicket(ctx, id, input.Subject, input.Body)
			if err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, ticket)
		case http.MethodGet:
			tickets, err := s.service.ListTickets(ctx, id)
			if err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"tickets": tickets})
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}
		return
	}

	if len(segments) == 1 && r.Method == http.MethodGet {
		view, err := s.service.GetTicket(ctx, id, segments[0])
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}

	if len(segments) == 2 && segments[1] == "respond" && r.Method == http.MethodPost {
		var input struct {
			Body string `json:"body"`
		}
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
			return
		}
		if err := s.service.RespondTicket(ctx, id, segments[0], input.Body); err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"responded": true})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// ---- middleware and helpers ----

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush lets the recorder pass streaming responses through.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack lets websocket upgrades take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("connection does not support hijacking")
	}
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, If-Match")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func (s *HTTPServer) writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// readUpload accepts either a multipart form with a "file" field or a raw
// request body, returning the client's file name when one was sent.
func readUpload(r *http.Request) ([]byte, string, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			return nil, "", err
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			return nil, "", err
		}
		defer file.Close()
		data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
		return data, header.Filename, err
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes+1))
	return data, "", err
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var denial *gate.Denial
	if errors.As(err, &denial) {
		return denial.Status, denial.Code, denial.Message, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
