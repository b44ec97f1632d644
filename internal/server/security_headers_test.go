package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func applySecurityHeaders(cfg SecurityConfig) http.Header {
	handler := securityHeadersMiddleware(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	return rec.Header()
}

func TestSecurityHeaderDefaults(t *testing.T) {
	headers := applySecurityHeaders(SecurityConfig{})

	expectations := map[string]string{
		"X-Frame-Options":              "DENY",
		"X-Content-Type-Options":       "nosniff",
		"Referrer-Policy":              "no-referrer",
		"Cross-Origin-Opener-Policy":   "same-origin",
		"Cross-Origin-Embedder-Policy": "require-corp",
	}
	for header, want := range expectations {
		if got := headers.Get(header); got != want {
			t.Fatalf("%s = %q, want %q", header, got, want)
		}
	}

	csp := headers.Get("Content-Security-Policy")
	if !strings.Contains(csp, "default-src 'self'") || !strings.Contains(csp, "frame-ancestors 'none'") {
		t.Fatalf("unexpected CSP %q", csp)
	}
}

func TestSecurityHeadersCrossOriginPoliciesCanBeDisabled(t *testing.T) {
	headers := applySecurityHeaders(SecurityConfig{DisableCrossOriginPolicies: true})
	if headers.Get("Cross-Origin-Opener-Policy") != "" {
		t.Fatalf("COOP should be absent when disabled")
	}
	if headers.Get("Cross-Origin-Embedder-Policy") != "" {
		t.Fatalf("COEP should be absent when disabled")
	}
	if headers.Get("X-Frame-Options") == "" {
		t.Fatalf("other hardening headers must survive the COOP/COEP opt-out")
	}
}

func TestSecurityHeaderOverrides(t *testing.T) {
	headers := applySecurityHeaders(SecurityConfig{
		FrameAncestors: "'self'",
		ReferrerPolicy: "same-origin",
	})
	if got := headers.Get("Referrer-Policy"); got != "same-origin" {
		t.Fatalf("Referrer-Policy = %q", got)
	}
	if csp := headers.Get("Content-Security-Policy"); !strings.Contains(csp, "frame-ancestors 'self'") {
		t.Fatalf("CSP did not pick up the frame-ancestors override: %q", csp)
	}
}
