package core

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// APPROVAL REQUESTS
// =============================================================================

type ApprovalAction string

const (
	ActionEmployeePayChange ApprovalAction = "employee_pay_change"
	ActionJobUpdate         ApprovalAction = "job_update"
	ActionInvoiceUpdate     ApprovalAction = "invoice_update"
)

type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalApplied   ApprovalStatus = "applied"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalCancelled ApprovalStatus = "cancelled"
	ApprovalFailed    ApprovalStatus = "failed"
)

// EntityRef names the row a pending mutation targets.
type EntityRef struct {
	Table string `json:"table"`
	ID    string `json:"id"`
	Label string `json:"label"`
}

// ApprovalRequest wraps a pending mutation until enough owners sign off.
//
//	pending ──▶ approved ──▶ applied
//	   │            └──────▶ failed
//	   ├──────▶ rejected
//	   └──────▶ cancelled
type ApprovalRequest struct {
	ID                string
	CompanyID         string
	Action            ApprovalAction
	Entity            EntityRef
	Payload           json.RawMessage
	Status            ApprovalStatus
	RequiredApprovals int
	RequestedBy       string
	ApplyResult       json.RawMessage
	FailureReason     string
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ApprovedAt        *time.Time
	AppliedAt         *time.Time
	RejectedAt        *time.Time
	CancelledAt       *time.Time
	FailedAt          *time.Time
}

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ApprovalDecision is one approver's vote. Unique per (request, approver).
type ApprovalDecision struct {
	ID         string
	RequestID  string
	ApproverID string
	Decision   Decision
	Comment    string
	CreatedAt  time.Time
}

// =============================================================================
// OWNER CHANGE REQUESTS
// =============================================================================

type OwnerChangeAction string

const (
	OwnerAdd    OwnerChangeAction = "add_owner"
	OwnerRemove OwnerChangeAction = "remove_owner"
)

type OwnerChangeStatus string

const (
	OwnerChangePending   OwnerChangeStatus = "pending"
	OwnerChangeApproved  OwnerChangeStatus = "approved"
	OwnerChangeRejected  OwnerChangeStatus = "rejected"
	OwnerChangeCancelled OwnerChangeStatus = "cancelled"
	OwnerChangeExecuted  OwnerChangeStatus = "executed"
)

// OwnerChangeRequest adds or removes a company owner. Removals wait out a
// cooldown after approval before they can be finalized.
type OwnerChangeRequest struct {
	ID                  string
	CompanyID           string
	Action              OwnerChangeAction
	TargetProfileID     string
	OwnershipPercentage *decimal.Decimal
	CreatedBy           string
	Status              OwnerChangeStatus
	RequiredApprovals   int
	CooldownHours       int
	Version             int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
	ApprovedAt          *time.Time
	EffectiveAt         *time.Time
	ExecutedAt          *time.Time
	RejectedAt          *time.Time
	CancelledAt         *time.Time
}

// OwnerChangeApproval is one owner's vote. Unique per (request, approver).
type OwnerChangeApproval struct {
	ID         string
	RequestID  string
	ApproverID string
	Decision   Decision
	CreatedAt  time.Time
}

// DecisionCounts tallies votes on a request.
type DecisionCounts struct {
	Approvals  int
	Rejections int
}

func CountDecisions(decisions []Decision) DecisionCounts {
	var c DecisionCounts
	for _, d := range decisions {
		switch d {
		case DecisionApprove:
			c.Approvals++
		case DecisionReject:
			c.Rejections++
		}
	}
	return c
}
