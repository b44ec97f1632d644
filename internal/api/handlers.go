// Package api exposes the HTTP boundary of the gate: the login attempt
// endpoint, the session check endpoint, and health reporting.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"keygate/internal/gate"
	"keygate/internal/storage"
)

// Handler bundles the gate engine and its dependencies for HTTP handlers.
type Handler struct {
	Engine *gate.Engine
	Store  storage.Repository
	Logger *slog.Logger

	// TrustForwardedHeaders enables X-Forwarded-For / X-Real-IP as the
	// client address source. Only set when a trusted proxy fronts the
	// service; the bound address is the security boundary.
	TrustForwardedHeaders bool

	SessionCookiePolicy SessionCookiePolicy
}

type loginRequest struct {
	Key  string `json:"key"`
	Code string `json:"code"`
}

type loginResponse struct {
	Success bool `json:"success"`
}

type authResponse struct {
	Authenticated bool `json:"authenticated"`
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// AttemptLogin handles POST /attempt-login. Every rejection produces the same
// body so callers cannot probe account state; only a persistence failure
// changes the status code.
func (h *Handler) AttemptLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, loginResponse{Success: false})
		return
	}

	addr := ClientAddr(r, h.TrustForwardedHeaders)
	decision, err := h.Engine.AttemptLogin(r.Context(), req.Key, req.Code, addr)
	if err != nil {
		h.logger().Error("login attempt failed to persist", "error", err)
		writeJSON(w, http.StatusInternalServerError, loginResponse{Success: false})
		return
	}
	if !decision.Accepted {
		writeJSON(w, http.StatusOK, loginResponse{Success: false})
		return
	}

	h.setSessionCookie(w, r, decision.Token)
	writeJSON(w, http.StatusOK, loginResponse{Success: true})
}

// Auth handles GET /auth by re-validating the session cookie against current
// account state.
func (h *Handler) Auth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	token := ExtractToken(r)
	addr := ClientAddr(r, h.TrustForwardedHeaders)
	authenticated := h.Engine.CheckSession(r.Context(), token, addr)
	writeJSON(w, http.StatusOK, authResponse{Authenticated: authenticated})
}

// Health reports whether the account store is reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if h.Store != nil {
		if err := h.Store.Ping(ctx); err != nil {
			h.logger().Error("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ExtractToken returns the session token carried by the request cookie.
func ExtractToken(r *http.Request) string {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}
