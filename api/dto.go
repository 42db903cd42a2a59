/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Domain types in core
  carry no JSON tags for persistence-only fields; these types are the
  external contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts are decimal strings ("108.00"), never JSON numbers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/core"
)

// =============================================================================
// INVOICES
// =============================================================================

type InvoiceLineDTO struct {
	ID               string          `json:"id"`
	LineNumber       int             `json:"line_number"`
	LineType         core.LineType   `json:"line_type"`
	Description      string          `json:"description"`
	Quantity         decimal.Decimal `json:"quantity"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	TaxRate          decimal.Decimal `json:"tax_rate"`
	Amount           decimal.Decimal `json:"amount"`
	JobID            *string         `json:"job_id,omitempty"`
	AppliedPaymentID *string         `json:"applied_payment_id,omitempty"`
}

type ApplicationDTO struct {
	ID            string               `json:"id"`
	PaymentID     string               `json:"payment_id"`
	InvoiceID     string               `json:"invoice_id"`
	InvoiceLineID *string              `json:"invoice_line_id,omitempty"`
	Kind          core.ApplicationKind `json:"kind"`
	AppliedAmount decimal.Decimal      `json:"applied_amount"`
	AppliedAt     time.Time            `json:"applied_at"`
	AppliedBy     string               `json:"applied_by"`
}

type InvoiceDTO struct {
	ID            string              `json:"id"`
	CompanyID     string              `json:"company_id"`
	CustomerID    string              `json:"customer_id"`
	InvoiceNumber string              `json:"invoice_number"`
	Status        core.InvoiceStatus  `json:"status"`
	InvoiceDate   string              `json:"invoice_date"`
	DueDate       *string             `json:"due_date,omitempty"`
	Terms         string              `json:"terms"`
	Notes         string              `json:"notes"`
	Version       int64               `json:"version"`
	Summary       core.InvoiceSummary `json:"summary"`
	Lines         []InvoiceLineDTO    `json:"lines"`
	Applications  []ApplicationDTO    `json:"applications"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

type AuditEntryDTO struct {
	ID        string           `json:"id"`
	Action    core.AuditAction `json:"action"`
	ActorID   string           `json:"actor_id"`
	Diff      core.AuditDiff   `json:"diff"`
	CreatedAt time.Time        `json:"created_at"`
}

type ApplyPaymentRequest struct {
	PaymentID string          `json:"payment_id"`
	Amount    decimal.Decimal `json:"amount"`
}

// =============================================================================
// PAYMENTS
// =============================================================================

type PaymentDTO struct {
	ID           string           `json:"id"`
	CompanyID    string           `json:"company_id"`
	CustomerID   string           `json:"customer_id"`
	Kind         core.PaymentKind `json:"kind"`
	Amount       decimal.Decimal  `json:"amount"`
	Method       string           `json:"method"`
	Reference    string           `json:"reference"`
	ReceivedAt   time.Time        `json:"received_at"`
	Applied      *decimal.Decimal `json:"applied,omitempty"`
	Unapplied    *decimal.Decimal `json:"unapplied,omitempty"`
	Applications []ApplicationDTO `json:"applications,omitempty"`
}

// =============================================================================
// APPROVALS
// =============================================================================

type CreateApprovalRequest struct {
	Action  core.ApprovalAction `json:"action"`
	Payload json.RawMessage     `json:"payload"`
}

type DecisionRequest struct {
	Comment string `json:"comment"`
}

type ApprovalRequestDTO struct {
	ID                string              `json:"id"`
	CompanyID         string              `json:"company_id"`
	Action            core.ApprovalAction `json:"action"`
	Entity            core.EntityRef      `json:"entity"`
	Payload           json.RawMessage     `json:"payload"`
	Status            core.ApprovalStatus `json:"status"`
	RequiredApprovals int                 `json:"required_approvals"`
	RequestedBy       string              `json:"requested_by"`
	ApplyResult       json.RawMessage     `json:"apply_result,omitempty"`
	FailureReason     string              `json:"failure_reason,omitempty"`
	Version           int64               `json:"version"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
	ApprovedAt        *time.Time          `json:"approved_at,omitempty"`
	AppliedAt         *time.Time          `json:"applied_at,omitempty"`
	RejectedAt        *time.Time          `json:"rejected_at,omitempty"`
	CancelledAt       *time.Time          `json:"cancelled_at,omitempty"`
	FailedAt          *time.Time          `json:"failed_at,omitempty"`
}

type DecisionDTO struct {
	ApproverID string        `json:"approver_id"`
	Decision   core.Decision `json:"decision"`
	Comment    string        `json:"comment,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// =============================================================================
// OWNERS
// =============================================================================

type OwnerDTO struct {
	ProfileID           string           `json:"profile_id"`
	IsPrimaryOwner      bool             `json:"is_primary_owner"`
	OwnershipPercentage *decimal.Decimal `json:"ownership_percentage,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
}

type OwnerChangeDTO struct {
	ID                  string                 `json:"id"`
	CompanyID           string                 `json:"company_id"`
	Action              core.OwnerChangeAction `json:"action"`
	TargetProfileID     string                 `json:"target_profile_id"`
	OwnershipPercentage *decimal.Decimal       `json:"ownership_percentage,omitempty"`
	CreatedBy           string                 `json:"created_by"`
	Status              core.OwnerChangeStatus `json:"status"`
	RequiredApprovals   int                    `json:"required_approvals"`
	CooldownHours       int                    `json:"cooldown_hours"`
	Version             int64                  `json:"version"`
	CreatedAt           time.Time              `json:"created_at"`
	ApprovedAt          *time.Time             `json:"approved_at,omitempty"`
	EffectiveAt         *time.Time             `json:"effective_at,omitempty"`
	ExecutedAt          *time.Time             `json:"executed_at,omitempty"`
	RejectedAt          *time.Time             `json:"rejected_at,omitempty"`
	CancelledAt         *time.Time             `json:"cancelled_at,omitempty"`
}

type VoteDTO struct {
	ApproverID string        `json:"approver_id"`
	Decision   core.Decision `json:"decision"`
	CreatedAt  time.Time     `json:"created_at"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toInvoiceDTO(d *billing.InvoiceDetail) InvoiceDTO {
	inv := d.Invoice
	dto := InvoiceDTO{
		ID:            inv.ID,
		CompanyID:     inv.CompanyID,
		CustomerID:    inv.CustomerID,
		InvoiceNumber: inv.InvoiceNumber,
		Status:        d.Summary.Status,
		InvoiceDate:   inv.InvoiceDate.Format("2006-01-02"),
		Terms:         inv.Terms,
		Notes:         inv.Notes,
		Version:       inv.Version,
		Summary:       d.Summary,
		Lines:         make([]InvoiceLineDTO, 0, len(d.Lines)),
		Applications:  toApplicationDTOs(d.Applications),
		CreatedAt:     inv.CreatedAt,
		UpdatedAt:     inv.UpdatedAt,
	}
	if inv.DueDate != nil {
		due := inv.DueDate.Format("2006-01-02")
		dto.DueDate = &due
	}
	for _, l := range d.Lines {
		dto.Lines = append(dto.Lines, InvoiceLineDTO{
			ID:               l.ID,
			LineNumber:       l.LineNumber,
			LineType:         l.LineType,
			Description:      l.Description,
			Quantity:         l.Quantity,
			UnitPrice:        l.UnitPrice,
			TaxRate:          l.TaxRate,
			Amount:           l.Amount(),
			JobID:            l.JobID,
			AppliedPaymentID: l.AppliedPaymentID,
		})
	}
	return dto
}

func toApplicationDTOs(apps []core.PaymentApplication) []ApplicationDTO {
	out := make([]ApplicationDTO, 0, len(apps))
	for _, a := range apps {
		out = append(out, ApplicationDTO{
			ID:            a.ID,
			PaymentID:     a.PaymentID,
			InvoiceID:     a.InvoiceID,
			InvoiceLineID: a.InvoiceLineID,
			Kind:          a.Kind,
			AppliedAmount: a.AppliedAmount,
			AppliedAt:     a.AppliedAt,
			AppliedBy:     a.AppliedBy,
		})
	}
	return out
}

func toPaymentDTO(p core.Payment) PaymentDTO {
	return PaymentDTO{
		ID:         p.ID,
		CompanyID:  p.CompanyID,
		CustomerID: p.CustomerID,
		Kind:       p.Kind,
		Amount:     p.Amount,
		Method:     p.Method,
		Reference:  p.Reference,
		ReceivedAt: p.ReceivedAt,
	}
}

func toApprovalDTO(r *core.ApprovalRequest) ApprovalRequestDTO {
	return ApprovalRequestDTO{
		ID:                r.ID,
		CompanyID:         r.CompanyID,
		Action:            r.Action,
		Entity:            r.Entity,
		Payload:           r.Payload,
		Status:            r.Status,
		RequiredApprovals: r.RequiredApprovals,
		RequestedBy:       r.RequestedBy,
		ApplyResult:       r.ApplyResult,
		FailureReason:     r.FailureReason,
		Version:           r.Version,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
		ApprovedAt:        r.ApprovedAt,
		AppliedAt:         r.AppliedAt,
		RejectedAt:        r.RejectedAt,
		CancelledAt:       r.CancelledAt,
		FailedAt:          r.FailedAt,
	}
}

func toOwnerChangeDTO(r *core.OwnerChangeRequest) OwnerChangeDTO {
	return OwnerChangeDTO{
		ID:                  r.ID,
		CompanyID:           r.CompanyID,
		Action:              r.Action,
		TargetProfileID:     r.TargetProfileID,
		OwnershipPercentage: r.OwnershipPercentage,
		CreatedBy:           r.CreatedBy,
		Status:              r.Status,
		RequiredApprovals:   r.RequiredApprovals,
		CooldownHours:       r.CooldownHours,
		Version:             r.Version,
		CreatedAt:           r.CreatedAt,
		ApprovedAt:          r.ApprovedAt,
		EffectiveAt:         r.EffectiveAt,
		ExecutedAt:          r.ExecutedAt,
		RejectedAt:          r.RejectedAt,
		CancelledAt:         r.CancelledAt,
	}
}
