/*
store.go - Persistence interfaces for billing and governance

PURPOSE:
  Defines the boundary between the services and the database. Services
  never see SQL; they see these interfaces. The only implementation in
  this repository is store/sqlite.

ATOMICITY:
  TxStore.WithTx runs fn against a Store bound to one database
  transaction. If fn returns an error everything fn wrote is rolled back.
  Services run every multi-row mutation (line rewrite, approval apply,
  owner removal) inside a single WithTx call, including the audit row.

NOT-FOUND CONVENTION:
  Get* methods return (nil, nil) when the row does not exist. Services
  turn that into a NotFoundOrUnauthorized error.

CONDITIONAL UPDATES:
  Update* methods for versioned rows take the version the caller read.
  The row is written only if the stored version still matches, and the
  version is incremented; otherwise ErrConcurrentModification.

UNIQUENESS:
  Insert*Decision / Insert*Approval return ErrDuplicateDecision when the
  approver already voted on the request.
*/
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Repository surface used by the services
// =============================================================================

type Store interface {
	OwnershipStore
	WorkforceStore
	InvoiceStore
	LedgerStore
	ApprovalStore
	OwnerChangeStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

type OwnershipStore interface {
	SaveCompany(ctx context.Context, c Company) error
	GetCompany(ctx context.Context, id string) (*Company, error)
	SaveProfile(ctx context.Context, p Profile) error
	GetProfile(ctx context.Context, id string) (*Profile, error)

	AddOwner(ctx context.Context, o CompanyOwner) error
	RemoveOwner(ctx context.Context, companyID, profileID string) (bool, error)
	ListOwners(ctx context.Context, companyID string) ([]CompanyOwner, error)
	CountOwners(ctx context.Context, companyID string) (int, error)
	IsOwner(ctx context.Context, companyID, profileID string) (bool, error)
	// CompaniesForOwner returns the ids of every company profileID owns.
	CompaniesForOwner(ctx context.Context, profileID string) ([]string, error)
}

type WorkforceStore interface {
	SaveEmployee(ctx context.Context, e Employee) error
	GetEmployee(ctx context.Context, id string) (*Employee, error)
	UpdateEmployeeRate(ctx context.Context, id string, rate decimal.Decimal) error

	SaveJob(ctx context.Context, j Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	// UpdateJobFields overwrites the given columns. Keys must be in JobFields.
	UpdateJobFields(ctx context.Context, id string, fields map[string]any) error
}

type InvoiceStore interface {
	NextInvoiceNumber(ctx context.Context, companyID string) (string, error)
	InsertInvoice(ctx context.Context, inv Invoice) error
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	UpdateInvoice(ctx context.Context, inv Invoice, expectedVersion int64) error
	DeleteInvoice(ctx context.Context, id string) error

	ListInvoiceLines(ctx context.Context, invoiceID string) ([]InvoiceLine, error)
	InsertInvoiceLines(ctx context.Context, lines []InvoiceLine) error
	DeleteInvoiceLines(ctx context.Context, invoiceID string) error

	AppendInvoiceAudit(ctx context.Context, entry InvoiceAuditLog) error
	ListInvoiceAudit(ctx context.Context, invoiceID string) ([]InvoiceAuditLog, error)
}

type LedgerStore interface {
	InsertPayment(ctx context.Context, p Payment) error
	GetPayment(ctx context.Context, id string) (*Payment, error)

	ListPaymentApplications(ctx context.Context, paymentID string) ([]PaymentApplication, error)
	ListInvoiceApplications(ctx context.Context, invoiceID string) ([]PaymentApplication, error)
	InsertPaymentApplications(ctx context.Context, apps []PaymentApplication) error
	// DeleteInvoiceApplications removes applications of the given kinds, or
	// all of them when no kind is given.
	DeleteInvoiceApplications(ctx context.Context, invoiceID string, kinds ...ApplicationKind) error
}

type ApprovalStore interface {
	InsertApprovalRequest(ctx context.Context, r ApprovalRequest) error
	GetApprovalRequest(ctx context.Context, id string) (*ApprovalRequest, error)
	UpdateApprovalRequest(ctx context.Context, r ApprovalRequest, expectedVersion int64) error
	FindPendingApproval(ctx context.Context, companyID string, action ApprovalAction, entityID string) (*ApprovalRequest, error)
	ListApprovalRequests(ctx context.Context, companyID string, status ApprovalStatus) ([]ApprovalRequest, error)
	ListApprovalsStuckSince(ctx context.Context, status ApprovalStatus, before time.Time) ([]ApprovalRequest, error)

	InsertApprovalDecision(ctx context.Context, d ApprovalDecision) error
	ListApprovalDecisions(ctx context.Context, requestID string) ([]ApprovalDecision, error)
}

type OwnerChangeStore interface {
	InsertOwnerChange(ctx context.Context, r OwnerChangeRequest) error
	GetOwnerChange(ctx context.Context, id string) (*OwnerChangeRequest, error)
	UpdateOwnerChange(ctx context.Context, r OwnerChangeRequest, expectedVersion int64) error
	// FindOpenOwnerChange returns a pending or approved-but-unexecuted request.
	FindOpenOwnerChange(ctx context.Context, companyID, targetProfileID string) (*OwnerChangeRequest, error)
	ListOwnerChanges(ctx context.Context, companyID string) ([]OwnerChangeRequest, error)

	InsertOwnerChangeApproval(ctx context.Context, a OwnerChangeApproval) error
	ListOwnerChangeApprovals(ctx context.Context, requestID string) ([]OwnerChangeApproval, error)
}
