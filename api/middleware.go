package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/carepoint/rewards-engine/metrics"
	"github.com/carepoint/rewards-engine/rewards"
)

// =============================================================================
// ACTOR - Identity forwarded by the auth gateway
// =============================================================================

const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
)

type ctxKey int

const actorKey ctxKey = iota

// Actor reads the caller identity set by the upstream gateway. Requests
// without it continue anonymously; routes that need an identity use
// RequireRole or authorizePatient.
func Actor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderActorID))
		role := strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderActorRole)))
		if id != "" && role != "" {
			ctx := context.WithValue(r.Context(), actorKey, rewards.Actor{ID: id, Role: role})
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}

func ActorFrom(ctx context.Context) (rewards.Actor, bool) {
	a, ok := ctx.Value(actorKey).(rewards.Actor)
	return a, ok
}

// RequireRole rejects anonymous requests with 401 and other roles with 403.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFrom(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "Authentication required", nil)
				return
			}
			for _, role := range roles {
				if actor.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "Forbidden", rewards.ErrUnauthorized)
		})
	}
}

// authorizePatient lets staff read any patient and patients only themselves.
func authorizePatient(w http.ResponseWriter, r *http.Request) (rewards.Actor, rewards.PatientID, bool) {
	patientID := rewards.PatientID(chi.URLParam(r, "id"))
	actor, ok := ActorFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required", nil)
		return rewards.Actor{}, "", false
	}
	if actor.Role == rewards.RolePatient && rewards.PatientID(actor.ID) != patientID {
		writeError(w, http.StatusForbidden, "Patients may only access their own rewards", rewards.ErrUnauthorized)
		return rewards.Actor{}, "", false
	}
	return actor, patientID, true
}

// =============================================================================
// REQUEST METRICS
// =============================================================================

func countRequests(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.ObserveRequest(r.Method, status)
		})
	}
}
