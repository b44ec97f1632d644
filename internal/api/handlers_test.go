package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"keygate/internal/gate"
	"keygate/internal/models"
	"keygate/internal/observability/metrics"
	"keygate/internal/storage"
)

func newTestHandler(t *testing.T, accounts map[string]models.Account) *Handler {
	t.Helper()
	store := storage.NewJSONStore(filepath.Join(t.TempDir(), "accounts.json"), nil)
	if accounts != nil {
		if err := store.Save(context.Background(), accounts); err != nil {
			t.Fatalf("seed accounts: %v", err)
		}
	}
	engine := gate.NewEngine(store, gate.WithRecorder(metrics.New()))
	return &Handler{Engine: engine, Store: store}
}

func postLogin(t *testing.T, handler *Handler, body, remoteAddr string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/attempt-login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	rec := httptest.NewRecorder()
	handler.AttemptLogin(rec, req)
	return rec
}

func decodeSuccess(t *testing.T, rec *httptest.ResponseRecorder) bool {
	t.Helper()
	var body struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return body.Success
}

func TestAttemptLoginSuccessSetsCookie(t *testing.T) {
	handler := newTestHandler(t, map[string]models.Account{"alpha": {PIN: "1234"}})

	rec := postLogin(t, handler, `{"key":"alpha","code":"1234"}`, "203.0.113.9:51234")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !decodeSuccess(t, rec) {
		t.Fatalf("expected success response, got %s", rec.Body.String())
	}

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected 1 cookie, got %d", len(cookies))
	}
	cookie := cookies[0]
	if cookie.Name != "session" || cookie.Value != "alpha" {
		t.Fatalf("unexpected cookie %s=%s", cookie.Name, cookie.Value)
	}
	if !cookie.HttpOnly || cookie.Path != "/" {
		t.Fatalf("cookie must be HttpOnly with Path=/: %+v", cookie)
	}
	if cookie.MaxAge != 0 || !cookie.Expires.IsZero() {
		t.Fatalf("session cookie must not carry a lifetime: %+v", cookie)
	}
}

func TestAttemptLoginRejectionsShareOneShape(t *testing.T) {
	handler := newTestHandler(t, map[string]models.Account{
		"alpha":  {PIN: "1234", BoundAddress: "203.0.113.9"},
		"locked": {PIN: "1", BoundAddress: "203.0.113.9", Locked: true},
	})

	cases := []struct {
		name string
		body string
		addr string
	}{
		{"unknown key", `{"key":"missing","code":"1234"}`, "203.0.113.9:1"},
		{"wrong pin", `{"key":"alpha","code":"nope"}`, "203.0.113.9:1"},
		{"locked account", `{"key":"locked","code":"1"}`, "203.0.113.9:1"},
		{"address mismatch", `{"key":"alpha","code":"1234"}`, "198.51.100.7:1"},
	}
	for _, tc := range cases {
		rec := postLogin(t, handler, tc.body, tc.addr)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d, want 200", tc.name, rec.Code)
		}
		if decodeSuccess(t, rec) {
			t.Fatalf("%s: expected rejection", tc.name)
		}
		if len(rec.Result().Cookies()) != 0 {
			t.Fatalf("%s: rejection must not set a cookie", tc.name)
		}
	}
}

func TestAttemptLoginMalformedBody(t *testing.T) {
	handler := newTestHandler(t, nil)
	rec := postLogin(t, handler, `{"key":`, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if decodeSuccess(t, rec) {
		t.Fatalf("malformed body must not succeed")
	}
}

func TestAttemptLoginMethodNotAllowed(t *testing.T) {
	handler := newTestHandler(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/attempt-login", nil)
	rec := httptest.NewRecorder()
	handler.AttemptLogin(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); allow != "POST" {
		t.Fatalf("Allow = %q, want POST", allow)
	}
}

func TestAuthValidatesSessionAgainstAddress(t *testing.T) {
	handler := newTestHandler(t, map[string]models.Account{"alpha": {PIN: "1234"}})

	// Bind the account first.
	rec := postLogin(t, handler, `{"key":"alpha","code":"1234"}`, "203.0.113.9:51234")
	if !decodeSuccess(t, rec) {
		t.Fatalf("seed login failed: %s", rec.Body.String())
	}

	check := func(addr string, withCookie bool) bool {
		req := httptest.NewRequest(http.MethodGet, "/auth", nil)
		req.RemoteAddr = addr
		if withCookie {
			req.AddCookie(&http.Cookie{Name: "session", Value: "alpha"})
		}
		authRec := httptest.NewRecorder()
		handler.Auth(authRec, req)
		if authRec.Code != http.StatusOK {
			t.Fatalf("auth status = %d", authRec.Code)
		}
		var body struct {
			Authenticated bool `json:"authenticated"`
		}
		if err := json.Unmarshal(authRec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode auth response: %v", err)
		}
		return body.Authenticated
	}

	if !check("203.0.113.9:9999", true) {
		t.Fatalf("expected authenticated from the bound address")
	}
	if check("198.51.100.7:9999", true) {
		t.Fatalf("session must not validate from another address")
	}
	if check("203.0.113.9:9999", false) {
		t.Fatalf("missing cookie must not authenticate")
	}
}

func TestAuthMethodNotAllowed(t *testing.T) {
	handler := newTestHandler(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/auth", nil)
	rec := httptest.NewRecorder()
	handler.Auth(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestHealthReportsOK(t *testing.T) {
	handler := newTestHandler(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.Health(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("unexpected health body %q", rec.Body.String())
	}
}
