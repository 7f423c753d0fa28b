package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/warp/stock-engine/ledger"
)

// Identity is established by the gateway in front of this service, which
// forwards the authenticated user as two headers.
const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
)

type ctxKey int

const actorKey ctxKey = iota

// authenticate puts the request's actor in the context. Requests without a
// usable identity get 401.
func authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderActorID)
		role := ledger.Role(r.Header.Get(HeaderActorRole))
		if id == "" || !role.Valid() || role == ledger.RoleSystem {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{
				Error:   "Unauthorized",
				Code:    "Unauthorized",
				Details: "missing or invalid " + HeaderActorID + " / " + HeaderActorRole,
			})
			return
		}
		ctx := context.WithValue(r.Context(), actorKey, ledger.Actor{ID: id, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole rejects actors ranked below min with 403.
func requireRole(min ledger.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !actorFrom(r).AtLeast(min) {
				writeJSON(w, http.StatusForbidden, ErrorResponse{
					Error:   "Forbidden",
					Code:    "Forbidden",
					Details: "requires role " + string(min) + " or above",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// actorFrom returns the authenticated actor, or the zero Actor.
func actorFrom(r *http.Request) ledger.Actor {
	a, _ := r.Context().Value(actorKey).(ledger.Actor)
	return a
}

// requestLogger logs one line per request with logrus.
func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			entry := log.WithFields(logrus.Fields{
				"request_id": middleware.GetReqID(r.Context()),
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"duration":   time.Since(start).String(),
			})
			if ww.Status() >= http.StatusInternalServerError {
				entry.Warn("request")
				return
			}
			entry.Info("request")
		})
	}
}
