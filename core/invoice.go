package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// INVOICE
// =============================================================================

type InvoiceStatus string

const (
	InvoiceDraft     InvoiceStatus = "draft"
	InvoiceIssued    InvoiceStatus = "issued"
	InvoicePartial   InvoiceStatus = "partial"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceCancelled InvoiceStatus = "cancelled"
	InvoiceVoid      InvoiceStatus = "void"
)

// Invoice is company-scoped. Subtotal, TaxAmount and TotalAmount are
// denormalized copies of the summary projection, rewritten on every line change.
type Invoice struct {
	ID            string
	CompanyID     string
	CustomerID    string
	InvoiceNumber string
	Status        InvoiceStatus
	InvoiceDate   time.Time
	DueDate       *time.Time
	Terms         string
	Notes         string
	Subtotal      decimal.Decimal
	TaxAmount     decimal.Decimal
	TotalAmount   decimal.Decimal
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type LineType string

const (
	LineService        LineType = "service"
	LineLabor          LineType = "labor"
	LineParts          LineType = "parts"
	LineSupplies       LineType = "supplies"
	LineAdjustment     LineType = "adjustment"
	LineOther          LineType = "other"
	LineDepositApplied LineType = "deposit_applied"
)

// InvoiceLine is one row of an invoice. Deposit lines always carry a
// negative UnitPrice equal to the amount taken from AppliedPaymentID, and
// a zero TaxRate.
type InvoiceLine struct {
	ID               string
	InvoiceID        string
	LineNumber       int
	LineType         LineType
	Description      string
	Quantity         decimal.Decimal
	UnitPrice        decimal.Decimal
	TaxRate          decimal.Decimal
	JobID            *string
	AppliedPaymentID *string
}

func (l InvoiceLine) IsDeposit() bool {
	return l.LineType == LineDepositApplied
}

// Amount is quantity times unit price, unrounded.
func (l InvoiceLine) Amount() decimal.Decimal {
	return l.Quantity.Mul(l.UnitPrice)
}

// =============================================================================
// PAYMENTS & APPLICATIONS
// =============================================================================

type PaymentKind string

const (
	PaymentDeposit PaymentKind = "deposit"
	PaymentRegular PaymentKind = "payment"
)

// Payment is money received from a customer. Its unapplied amount is never
// stored; it is Amount minus the sum of its applications.
type Payment struct {
	ID         string
	CompanyID  string
	CustomerID string
	Kind       PaymentKind
	Amount     decimal.Decimal
	Method     string
	Reference  string
	ReceivedAt time.Time
	CreatedAt  time.Time
}

type ApplicationKind string

const (
	// ApplicationDeposit rows are owned by a deposit_applied invoice line and
	// are rewritten with the lines.
	ApplicationDeposit ApplicationKind = "deposit"
	// ApplicationPayment rows are direct payments against the invoice balance.
	ApplicationPayment ApplicationKind = "payment"
)

// PaymentApplication allocates part of a payment to one invoice.
type PaymentApplication struct {
	ID            string
	PaymentID     string
	InvoiceID     string
	InvoiceLineID *string
	Kind          ApplicationKind
	AppliedAmount decimal.Decimal
	AppliedAt     time.Time
	AppliedBy     string
}

// =============================================================================
// SUMMARY & AUDIT
// =============================================================================

// InvoiceSummary is the derived view of an invoice's totals.
type InvoiceSummary struct {
	Subtotal        decimal.Decimal `json:"subtotal"`
	Tax             decimal.Decimal `json:"tax"`
	Total           decimal.Decimal `json:"total"`
	DepositsApplied decimal.Decimal `json:"deposits_applied"`
	Paid            decimal.Decimal `json:"paid"`
	Balance         decimal.Decimal `json:"balance"`
	Status          InvoiceStatus   `json:"status"`
}

type AuditAction string

const (
	AuditCreate  AuditAction = "create"
	AuditEdit    AuditAction = "edit"
	AuditDelete  AuditAction = "delete"
	AuditPayment AuditAction = "payment"
)

// SnapshotLine is the normalized form of a line inside an audit snapshot.
type SnapshotLine struct {
	LineNumber       int             `json:"line_number"`
	LineType         LineType        `json:"line_type"`
	Description      string          `json:"description"`
	Quantity         decimal.Decimal `json:"quantity"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	TaxRate          decimal.Decimal `json:"tax_rate"`
	JobID            *string         `json:"job_id,omitempty"`
	AppliedPaymentID *string         `json:"applied_payment_id,omitempty"`
}

// InvoiceSnapshot captures an invoice's material fields at one instant.
type InvoiceSnapshot struct {
	Status      InvoiceStatus   `json:"status"`
	InvoiceDate string          `json:"invoice_date"`
	DueDate     string          `json:"due_date,omitempty"`
	Terms       string          `json:"terms"`
	Notes       string          `json:"notes"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	Tax         decimal.Decimal `json:"tax"`
	Total       decimal.Decimal `json:"total"`
	Balance     decimal.Decimal `json:"balance"`
	Lines       []SnapshotLine  `json:"lines"`
}

type AuditDiff struct {
	Before *InvoiceSnapshot `json:"before,omitempty"`
	After  *InvoiceSnapshot `json:"after,omitempty"`
}

// InvoiceAuditLog is append-only. InvoiceID survives invoice deletion.
type InvoiceAuditLog struct {
	ID        string
	InvoiceID string
	CompanyID string
	Action    AuditAction
	ActorID   string
	Diff      AuditDiff
	CreatedAt time.Time
}
