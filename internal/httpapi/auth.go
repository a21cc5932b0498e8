package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"salonq/internal/store"
)

type authContextKey struct{}

// AuthMiddleware resolves the operator session for non-public endpoints
// and stashes it in the request context for requireSalon.
func AuthMiddleware(st store.EntryStore, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicEndpoint(r) {
			// Operators can hit public routes too (staff cancel carries no
			// customer phone); attach their session when the token resolves.
			if sessionID := sessionIDFromRequest(r); sessionID != "" {
				if session, err := st.GetSession(r.Context(), sessionID); err == nil {
					r = r.WithContext(context.WithValue(r.Context(), authContextKey{}, session))
				}
			}
			next.ServeHTTP(w, r)
			return
		}
		sessionID := sessionIDFromRequest(r)
		if sessionID == "" {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing session")
			return
		}
		session, err := st.GetSession(r.Context(), sessionID)
		switch {
		case errors.Is(err, store.ErrSessionNotFound):
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "invalid session")
			return
		case err != nil:
			writeError(w, requestIDFromRequest(r), http.StatusInternalServerError, "internal_error", "internal server error")
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionFromContext(ctx context.Context) (store.Session, bool) {
	session, ok := ctx.Value(authContextKey{}).(store.Session)
	return session, ok
}

// requireSalon ensures the request carries an operator session scoped to the
// given salon.
func requireSalon(w http.ResponseWriter, r *http.Request, salonID string) bool {
	session, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing session")
		return false
	}
	if salonID == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "salon_id is required")
		return false
	}
	if session.SalonID != salonID {
		writeError(w, requestIDFromRequest(r), http.StatusForbidden, "access_denied", "salon access denied")
		return false
	}
	return true
}

func sessionIDFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return strings.TrimSpace(r.Header.Get("X-Session-ID"))
}

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

// Customer-facing endpoints take no session: check-in, lookups by entry id or
// phone, service listings, wait estimates, payment gateway callbacks, and
// phone-verified cancellation.
func isPublicEndpoint(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/metrics":
		return true
	case "/api/checkins":
		return r.Method == http.MethodPost
	case "/api/services", "/api/staff", "/api/wait-time", "/api/bookings":
		return r.Method == http.MethodGet
	}
	if strings.HasPrefix(r.URL.Path, "/api/entries/") {
		if r.Method == http.MethodGet && !strings.HasSuffix(r.URL.Path, "/history") {
			return true
		}
		if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/payment") {
			return true
		}
		if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/actions/cancel") {
			return true
		}
	}
	return r.Method == http.MethodOptions
}
