/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Structured request logging (zerolog)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for frontend
  5. Identity:   X-Profile-ID required on /api

ROUTE GROUPS:
  /api/companies/{companyID}/*   Company-scoped collections
  /api/invoices/*                Invoice engine
  /api/payments/*                Payment balances
  /api/approvals/*               Approval requests
  /api/owner-changes/*           Owner-change workflow
  /healthz                       Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// ProfileHeader carries the authenticated caller's profile id.
const ProfileHeader = "X-Profile-ID"

type ctxKey int

const actorKey ctxKey = iota

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", ProfileHeader},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(requireProfile)

		r.Route("/companies/{companyID}", func(r chi.Router) {
			r.Post("/invoices", h.CreateInvoice)
			r.Post("/payments", h.RecordPayment)
			r.Get("/approvals", h.ListApprovals)
			r.Post("/approvals", h.CreateApproval)
			r.Get("/owners", h.ListOwners)
			r.Get("/owner-changes", h.ListOwnerChanges)
			r.Post("/owner-changes", h.CreateOwnerChange)
		})

		r.Route("/invoices/{id}", func(r chi.Router) {
			r.Get("/", h.GetInvoice)
			r.Put("/", h.UpdateInvoice)
			r.Delete("/", h.DeleteInvoice)
			r.Get("/audit", h.GetInvoiceAudit)
			r.Post("/payments", h.ApplyPayment)
		})

		r.Get("/payments/{id}", h.GetPayment)

		r.Route("/approvals/{id}", func(r chi.Router) {
			r.Get("/", h.GetApproval)
			r.Get("/decisions", h.ListApprovalDecisions)
			r.Post("/approve", h.ApproveApproval)
			r.Post("/reject", h.RejectApproval)
			r.Post("/cancel", h.CancelApproval)
			r.Post("/resume", h.ResumeApproval)
		})

		r.Route("/owner-changes/{id}", func(r chi.Router) {
			r.Get("/", h.GetOwnerChange)
			r.Get("/votes", h.ListOwnerChangeVotes)
			r.Post("/approve", h.ApproveOwnerChange)
			r.Post("/reject", h.RejectOwnerChange)
			r.Post("/cancel", h.CancelOwnerChange)
			r.Post("/finalize", h.FinalizeOwnerChange)
		})
	})

	return r
}

// requireProfile rejects requests without a caller identity.
func requireProfile(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(ProfileHeader)
		if id == "" {
			writeError(w, http.StatusUnauthorized, "Missing "+ProfileHeader+" header", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, id)))
	})
}

func actorID(r *http.Request) string {
	id, _ := r.Context().Value(actorKey).(string)
	return id
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Msg("request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
