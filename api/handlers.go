/*
handlers.go - HTTP API handlers for billing and governance

PURPOSE:
  Exposes the billing ledger, the approval engine and the owner-change
  workflow via REST. Handles HTTP request/response and JSON, and
  delegates every rule to the services.

ENDPOINTS:
  Companies:
    POST   /api/companies/{companyID}/invoices        Create invoice
    POST   /api/companies/{companyID}/payments        Record payment/deposit
    GET    /api/companies/{companyID}/approvals       List approval requests
    POST   /api/companies/{companyID}/approvals       Create approval request
    GET    /api/companies/{companyID}/owners          List owners
    GET    /api/companies/{companyID}/owner-changes   List owner changes
    POST   /api/companies/{companyID}/owner-changes   Request owner change

  Invoices:
    GET    /api/invoices/{id}                Invoice with lines and summary
    PUT    /api/invoices/{id}                Replace lines, update fields
    DELETE /api/invoices/{id}                Delete, releasing deposits
    GET    /api/invoices/{id}/audit          Audit trail
    POST   /api/invoices/{id}/payments       Apply a payment to the balance

  Payments:
    GET    /api/payments/{id}                Payment with applied/unapplied

  Approvals:
    GET    /api/approvals/{id}               Request state
    GET    /api/approvals/{id}/decisions     Votes
    POST   /api/approvals/{id}/approve|reject|cancel|resume

  Owner changes:
    GET    /api/owner-changes/{id}           Request state
    GET    /api/owner-changes/{id}/votes     Votes
    POST   /api/owner-changes/{id}/approve|reject|cancel|finalize

IDENTITY:
  The caller's profile id arrives in the X-Profile-ID header, set by the
  authenticating proxy. The companies the caller owns form the allowlist
  every invoice and payment call is checked against.

ERROR HANDLING:
  core.HTTPStatus maps error kinds to status codes:
  - 400: Validation errors, unsupported action
  - 403: Self-approval, non-requester cancel, non-owner
  - 404: Missing or outside the caller's companies
  - 409: Duplicate pending request, stale version, cooldown
  - 422: Deposit exceeds payment balance
  - 500: Storage failures (logged, details hidden)

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/warp/billing-engine/approval"
	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/core"
	"github.com/warp/billing-engine/owners"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     core.Store
	Billing   *billing.Service
	Approvals *approval.Service
	Owners    *owners.Service
	Logger    zerolog.Logger
}

func NewHandler(store core.Store, billingSvc *billing.Service, approvals *approval.Service, ownersSvc *owners.Service, logger zerolog.Logger) *Handler {
	return &Handler{
		Store:     store,
		Billing:   billingSvc,
		Approvals: approvals,
		Owners:    ownersSvc,
		Logger:    logger.With().Str("component", "api").Logger(),
	}
}

// allowedCompanies returns the companies the caller owns.
func (h *Handler) allowedCompanies(r *http.Request) ([]string, error) {
	return h.Store.CompaniesForOwner(r.Context(), actorID(r))
}

// =============================================================================
// INVOICE ENDPOINTS
// =============================================================================

func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req billing.CreateInvoiceInput
	if !decodeBody(w, r, &req) {
		return
	}
	allowed, err := h.allowedCompanies(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	result, err := h.Billing.Create(r.Context(), chi.URLParam(r, "companyID"), allowed, actorID(r), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	allowed, err := h.allowedCompanies(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	detail, err := h.Billing.Get(r.Context(), chi.URLParam(r, "id"), allowed)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(detail))
}

// UpdateInvoice replaces the invoice's lines. The body is a full line set.
func (h *Handler) UpdateInvoice(w http.ResponseWriter, r *http.Request) {
	var req billing.UpdateInvoiceInput
	if !decodeBody(w, r, &req) {
		return
	}
	allowed, err := h.allowedCompanies(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	result, err := h.Billing.Update(r.Context(), chi.URLParam(r, "id"), allowed, actorID(r), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) DeleteInvoice(w http.ResponseWriter, r *http.Request) {
	allowed, err := h.allowedCompanies(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if err := h.Billing.Delete(r.Context(), chi.URLParam(r, "id"), allowed, actorID(r)); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) GetInvoiceAudit(w http.ResponseWriter, r *http.Request) {
	allowed, err := h.allowedCompanies(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	entries, err := h.Billing.AuditTrail(r.Context(), chi.URLParam(r, "id"), allowed)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	dtos := make([]AuditEntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, AuditEntryDTO{ID: e.ID, Action: e.Action, ActorID: e.ActorID, Diff: e.Diff, CreatedAt: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ApplyPayment(w http.ResponseWriter, r *http.Request) {
	var req ApplyPaymentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	allowed, err := h.allowedCompanies(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	result, err := h.Billing.ApplyPayment(r.Context(), chi.URLParam(r, "id"), allowed, actorID(r), req.PaymentID, req.Amount)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// PAYMENT ENDPOINTS
// =============================================================================

func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req billing.RecordPaymentInput
	if !decodeBody(w, r, &req) {
		return
	}
	allowed, err := h.allowedCompanies(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	payment, err := h.Billing.RecordPayment(r.Context(), chi.URLParam(r, "companyID"), allowed, actorID(r), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentDTO(*payment))
}

func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	allowed, err := h.allowedCompanies(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	bal, err := h.Billing.PaymentBalance(r.Context(), chi.URLParam(r, "id"), allowed)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	dto := toPaymentDTO(bal.Payment)
	dto.Applied = &bal.Applied
	dto.Unapplied = &bal.Unapplied
	dto.Applications = toApplicationDTOs(bal.Applications)
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// APPROVAL ENDPOINTS
// =============================================================================

func (h *Handler) ListApprovals(w http.ResponseWriter, r *http.Request) {
	status := core.ApprovalStatus(r.URL.Query().Get("status"))
	reqs, err := h.Approvals.List(r.Context(), chi.URLParam(r, "companyID"), actorID(r), status)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	dtos := make([]ApprovalRequestDTO, 0, len(reqs))
	for i := range reqs {
		dtos = append(dtos, toApprovalDTO(&reqs[i]))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateApproval(w http.ResponseWriter, r *http.Request) {
	var req CreateApprovalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	action, err := approval.DecodeAction(req.Action, req.Payload)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	result, err := h.Approvals.Create(r.Context(), chi.URLParam(r, "companyID"), actorID(r), action)
	h.writeApproval(w, r, result, err, http.StatusCreated)
}

func (h *Handler) GetApproval(w http.ResponseWriter, r *http.Request) {
	result, err := h.Approvals.Get(r.Context(), chi.URLParam(r, "id"), actorID(r))
	h.writeApproval(w, r, result, err, http.StatusOK)
}

func (h *Handler) ListApprovalDecisions(w http.ResponseWriter, r *http.Request) {
	decisions, err := h.Approvals.Decisions(r.Context(), chi.URLParam(r, "id"), actorID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	dtos := make([]DecisionDTO, 0, len(decisions))
	for _, d := range decisions {
		dtos = append(dtos, DecisionDTO{ApproverID: d.ApproverID, Decision: d.Decision, Comment: d.Comment, CreatedAt: d.CreatedAt})
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ApproveApproval(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	result, err := h.Approvals.Approve(r.Context(), chi.URLParam(r, "id"), actorID(r), req.Comment)
	h.writeApproval(w, r, result, err, http.StatusOK)
}

func (h *Handler) RejectApproval(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	result, err := h.Approvals.Reject(r.Context(), chi.URLParam(r, "id"), actorID(r), req.Comment)
	h.writeApproval(w, r, result, err, http.StatusOK)
}

func (h *Handler) CancelApproval(w http.ResponseWriter, r *http.Request) {
	result, err := h.Approvals.Cancel(r.Context(), chi.URLParam(r, "id"), actorID(r))
	h.writeApproval(w, r, result, err, http.StatusOK)
}

func (h *Handler) ResumeApproval(w http.ResponseWriter, r *http.Request) {
	result, err := h.Approvals.Resume(r.Context(), chi.URLParam(r, "id"), actorID(r))
	h.writeApproval(w, r, result, err, http.StatusOK)
}

func (h *Handler) writeApproval(w http.ResponseWriter, r *http.Request, req *core.ApprovalRequest, err error, status int) {
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, status, toApprovalDTO(req))
}

// =============================================================================
// OWNER ENDPOINTS
// =============================================================================

func (h *Handler) ListOwners(w http.ResponseWriter, r *http.Request) {
	list, err := h.Owners.Owners(r.Context(), chi.URLParam(r, "companyID"), actorID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	dtos := make([]OwnerDTO, 0, len(list))
	for _, o := range list {
		dtos = append(dtos, OwnerDTO{
			ProfileID:           o.ProfileID,
			IsPrimaryOwner:      o.IsPrimaryOwner,
			OwnershipPercentage: o.OwnershipPercentage,
			CreatedAt:           o.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ListOwnerChanges(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.Owners.List(r.Context(), chi.URLParam(r, "companyID"), actorID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	dtos := make([]OwnerChangeDTO, 0, len(reqs))
	for i := range reqs {
		dtos = append(dtos, toOwnerChangeDTO(&reqs[i]))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateOwnerChange(w http.ResponseWriter, r *http.Request) {
	var req owners.CreateInput
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := h.Owners.Create(r.Context(), chi.URLParam(r, "companyID"), actorID(r), req)
	h.writeOwnerChange(w, r, result, err, http.StatusCreated)
}

func (h *Handler) GetOwnerChange(w http.ResponseWriter, r *http.Request) {
	result, err := h.Owners.Get(r.Context(), chi.URLParam(r, "id"), actorID(r))
	h.writeOwnerChange(w, r, result, err, http.StatusOK)
}

func (h *Handler) ListOwnerChangeVotes(w http.ResponseWriter, r *http.Request) {
	votes, err := h.Owners.Votes(r.Context(), chi.URLParam(r, "id"), actorID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	dtos := make([]VoteDTO, 0, len(votes))
	for _, v := range votes {
		dtos = append(dtos, VoteDTO{ApproverID: v.ApproverID, Decision: v.Decision, CreatedAt: v.CreatedAt})
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ApproveOwnerChange(w http.ResponseWriter, r *http.Request) {
	result, err := h.Owners.Approve(r.Context(), chi.URLParam(r, "id"), actorID(r))
	h.writeOwnerChange(w, r, result, err, http.StatusOK)
}

func (h *Handler) RejectOwnerChange(w http.ResponseWriter, r *http.Request) {
	result, err := h.Owners.Reject(r.Context(), chi.URLParam(r, "id"), actorID(r))
	h.writeOwnerChange(w, r, result, err, http.StatusOK)
}

func (h *Handler) CancelOwnerChange(w http.ResponseWriter, r *http.Request) {
	result, err := h.Owners.Cancel(r.Context(), chi.URLParam(r, "id"), actorID(r))
	h.writeOwnerChange(w, r, result, err, http.StatusOK)
}

func (h *Handler) FinalizeOwnerChange(w http.ResponseWriter, r *http.Request) {
	result, err := h.Owners.Finalize(r.Context(), chi.URLParam(r, "id"), actorID(r))
	h.writeOwnerChange(w, r, result, err, http.StatusOK)
}

func (h *Handler) writeOwnerChange(w http.ResponseWriter, r *http.Request, req *core.OwnerChangeRequest, err error, status int) {
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, status, toOwnerChangeDTO(req))
}

// =============================================================================
// HELPERS
// =============================================================================

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return false
	}
	return true
}

// decodeOptionalBody accepts an empty body.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return decodeBody(w, r, v)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeServiceError renders a service error with its kind's status code.
// Storage failures are logged and hidden from the client.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := core.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeJSON(w, status, ErrorResponse{Error: "Internal error"})
		return
	}

	resp := ErrorResponse{Error: err.Error(), Code: core.CodeOf(err)}
	var dep *core.DepositExceedsBalanceError
	var cooldown *core.CooldownNotElapsedError
	switch {
	case errors.As(err, &dep):
		resp.Details = map[string]string{
			"payment_id": dep.PaymentID,
			"available":  dep.Available.StringFixed(2),
			"requested":  dep.Requested.StringFixed(2),
		}
	case errors.As(err, &cooldown):
		resp.Details = map[string]any{"effective_at": cooldown.EffectiveAt}
	}
	writeJSON(w, status, resp)
}
