/*
invoices.go - Invoice line engine and lifecycle (create, update, delete)

PURPOSE:
  Every edit replaces an invoice's full line set. The engine rebuilds the
  lines, the deposit applications they own, the denormalized totals and
  an audit entry in one transaction.

UPDATE FLOW:
  ┌──────────────────────────────────────────────────────────────────┐
  │ validate payload ─▶ load invoice ─▶ before snapshot              │
  │        (no I/O)      (allowlist,     (lines + summary)           │
  │                       version)                                   │
  │                                │                                 │
  │                                ▼                                 │
  │ check deposit capacity ─▶ delete deposit applications + lines    │
  │                           insert lines + applications            │
  │                           update scalars + totals (versioned)    │
  │                           append audit {before, after}           │
  └──────────────────────────────────────────────────────────────────┘

  Everything right of "validate payload" runs in one WithTx call, so a
  failure at any step leaves the invoice exactly as it was.

LINE RULES:
  - line_number is the 1-based position in the submitted list
  - deposit_applied lines: quantity 1, unit_price −|amount|, tax_rate 0,
    one PaymentApplication each
  - at least one line, checked before anything is read or deleted

CONCURRENCY:
  The invoice row carries a version. Callers may send expected_version;
  the row update is always conditioned on the version read inside the
  transaction.

SEE ALSO:
  - ledger.go: Capacity rules for deposits
  - summary.go: Totals projection
*/
package billing

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/core"
)

const dateLayout = "2006-01-02"

// =============================================================================
// INPUT & RESULT TYPES
// =============================================================================

// LineInput is one submitted line. For deposit_applied lines UnitPrice is
// the amount taken from AppliedPaymentID; its sign is ignored.
type LineInput struct {
	LineType         core.LineType   `json:"line_type" validate:"required,oneof=service labor parts supplies adjustment other deposit_applied"`
	Description      string          `json:"description" validate:"max=500"`
	Quantity         decimal.Decimal `json:"quantity"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	TaxRate          decimal.Decimal `json:"tax_rate"`
	JobID            *string         `json:"job_id,omitempty"`
	AppliedPaymentID *string         `json:"applied_payment_id,omitempty" validate:"required_if=LineType deposit_applied"`
}

// UpdateInvoiceInput is a full replacement of an invoice's lines plus
// optional scalar changes. Nil scalar fields are left untouched; an empty
// DueDate clears it.
type UpdateInvoiceInput struct {
	InvoiceDate     *string             `json:"invoice_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	DueDate         *string             `json:"due_date,omitempty" validate:"omitempty,optional_date"`
	Terms           *string             `json:"terms,omitempty" validate:"omitempty,max=200"`
	Notes           *string             `json:"notes,omitempty" validate:"omitempty,max=4000"`
	Status          *core.InvoiceStatus `json:"status,omitempty" validate:"omitempty,oneof=draft issued partial paid cancelled void"`
	ExpectedVersion *int64              `json:"expected_version,omitempty"`
	Lines           []LineInput         `json:"lines" validate:"dive"`
}

type CreateInvoiceInput struct {
	CustomerID  string              `json:"customer_id" validate:"required"`
	InvoiceDate string              `json:"invoice_date" validate:"required,datetime=2006-01-02"`
	DueDate     *string             `json:"due_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Terms       string              `json:"terms" validate:"max=200"`
	Notes       string              `json:"notes" validate:"max=4000"`
	Status      *core.InvoiceStatus `json:"status,omitempty" validate:"omitempty,oneof=draft issued"`
	Lines       []LineInput         `json:"lines" validate:"dive"`
}

type UpdateResult struct {
	InvoiceID     string              `json:"invoice_id"`
	InvoiceNumber string              `json:"invoice_number"`
	Version       int64               `json:"version"`
	Summary       core.InvoiceSummary `json:"summary"`
}

// InvoiceDetail is an invoice with everything needed to render it.
type InvoiceDetail struct {
	Invoice      core.Invoice
	Lines        []core.InvoiceLine
	Applications []core.PaymentApplication
	Summary      core.InvoiceSummary
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	Store  core.TxStore
	Now    core.Clock
	Logger zerolog.Logger
}

func NewService(store core.TxStore, logger zerolog.Logger) *Service {
	return &Service{
		Store:  store,
		Now:    core.SystemClock,
		Logger: logger.With().Str("component", "billing").Logger(),
	}
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return core.SystemClock()
	}
	return s.Now()
}

// invoiceState is an invoice as loaded at the start of a transaction.
type invoiceState struct {
	invoice *core.Invoice
	lines   []core.InvoiceLine
	apps    []core.PaymentApplication
	summary core.InvoiceSummary
	before  *core.InvoiceSnapshot
}

func loadInvoiceState(ctx context.Context, store core.Store, invoiceID string, allowedCompanyIDs []string) (*invoiceState, error) {
	inv, err := store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv == nil || !slices.Contains(allowedCompanyIDs, inv.CompanyID) {
		return nil, core.NotFound("invoice", invoiceID)
	}
	lines, err := store.ListInvoiceLines(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	apps, err := store.ListInvoiceApplications(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	summary := Summarize(lines, paidTotal(apps), inv.Status)
	return &invoiceState{
		invoice: inv,
		lines:   lines,
		apps:    apps,
		summary: summary,
		before:  snapshot(inv, lines, summary),
	}, nil
}

// Get returns an invoice with its lines, applications and summary.
func (s *Service) Get(ctx context.Context, invoiceID string, allowedCompanyIDs []string) (*InvoiceDetail, error) {
	st, err := loadInvoiceState(ctx, s.Store, invoiceID, allowedCompanyIDs)
	if err != nil {
		return nil, err
	}
	return &InvoiceDetail{
		Invoice:      *st.invoice,
		Lines:        st.lines,
		Applications: st.apps,
		Summary:      st.summary,
	}, nil
}

// AuditTrail lists an invoice's audit entries, oldest first. It works for
// deleted invoices too.
func (s *Service) AuditTrail(ctx context.Context, invoiceID string, allowedCompanyIDs []string) ([]core.InvoiceAuditLog, error) {
	entries, err := s.Store.ListInvoiceAudit(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 || !slices.Contains(allowedCompanyIDs, entries[0].CompanyID) {
		return nil, core.NotFound("invoice", invoiceID)
	}
	return entries, nil
}

// =============================================================================
// CREATE
// =============================================================================

// Create inserts a new invoice with the given lines.
func (s *Service) Create(ctx context.Context, companyID string, allowedCompanyIDs []string, actorID string, in CreateInvoiceInput) (*UpdateResult, error) {
	if !slices.Contains(allowedCompanyIDs, companyID) {
		return nil, core.NotFound("company", companyID)
	}
	if err := validateLines(in.Lines); err != nil {
		return nil, err
	}
	if err := core.ValidateStruct(in); err != nil {
		return nil, err
	}
	invoiceDate, _ := time.Parse(dateLayout, in.InvoiceDate)

	var result *UpdateResult
	err := s.Store.WithTx(ctx, func(tx core.Store) error {
		number, err := tx.NextInvoiceNumber(ctx, companyID)
		if err != nil {
			return err
		}
		now := s.now()
		inv := core.Invoice{
			ID:            core.NewID(),
			CompanyID:     companyID,
			CustomerID:    in.CustomerID,
			InvoiceNumber: number,
			Status:        core.InvoiceDraft,
			InvoiceDate:   invoiceDate,
			DueDate:       parseOptionalDate(in.DueDate),
			Terms:         in.Terms,
			Notes:         in.Notes,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if in.Status != nil {
			inv.Status = *in.Status
		}
		if err := tx.InsertInvoice(ctx, inv); err != nil {
			return err
		}

		st := &invoiceState{invoice: &inv}
		lines, deposits, requested := prepareLines(inv.ID, in.Lines, actorID, now)
		if err := CheckDepositCapacity(ctx, tx, &inv, requested, nil); err != nil {
			return err
		}
		if err := tx.InsertInvoiceLines(ctx, lines); err != nil {
			return err
		}
		if err := tx.InsertPaymentApplications(ctx, deposits); err != nil {
			return err
		}

		result, err = s.finish(ctx, tx, st, lines, decimal.Zero, core.AuditCreate, actorID, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info().
		Str("invoice_id", result.InvoiceID).
		Str("invoice_number", result.InvoiceNumber).
		Str("actor_id", actorID).
		Str("total", result.Summary.Total.StringFixed(2)).
		Msg("invoice created")
	return result, nil
}

// =============================================================================
// UPDATE
// =============================================================================

// Update replaces an invoice's lines and applies scalar changes atomically.
func (s *Service) Update(ctx context.Context, invoiceID string, allowedCompanyIDs []string, actorID string, in UpdateInvoiceInput) (*UpdateResult, error) {
	var result *UpdateResult
	err := s.Store.WithTx(ctx, func(tx core.Store) error {
		var err error
		result, err = s.UpdateInTx(ctx, tx, invoiceID, allowedCompanyIDs, actorID, in)
		return err
	})
	if err != nil {
		s.Logger.Debug().Err(err).Str("invoice_id", invoiceID).Msg("invoice update rejected")
		return nil, err
	}

	s.Logger.Info().
		Str("invoice_id", invoiceID).
		Str("actor_id", actorID).
		Int64("version", result.Version).
		Str("total", result.Summary.Total.StringFixed(2)).
		Str("balance", result.Summary.Balance.StringFixed(2)).
		Msg("invoice updated")
	return result, nil
}

// UpdateInTx is Update against a caller-owned transaction. The approval
// engine uses it so the invoice rewrite and the request's transition to
// applied commit together.
func (s *Service) UpdateInTx(ctx context.Context, tx core.Store, invoiceID string, allowedCompanyIDs []string, actorID string, in UpdateInvoiceInput) (*UpdateResult, error) {
	if err := ValidateUpdate(in); err != nil {
		return nil, err
	}

	st, err := loadInvoiceState(ctx, tx, invoiceID, allowedCompanyIDs)
	if err != nil {
		return nil, err
	}
	if in.ExpectedVersion != nil && *in.ExpectedVersion != st.invoice.Version {
		return nil, core.Conflict(core.CodeStaleVersion,
			"invoice %s is at version %d, expected %d", invoiceID, st.invoice.Version, *in.ExpectedVersion)
	}

	now := s.now()
	lines, deposits, requested := prepareLines(invoiceID, in.Lines, actorID, now)
	if err := CheckDepositCapacity(ctx, tx, st.invoice, requested, st.apps); err != nil {
		return nil, err
	}

	if err := tx.DeleteInvoiceApplications(ctx, invoiceID, core.ApplicationDeposit); err != nil {
		return nil, err
	}
	if err := tx.DeleteInvoiceLines(ctx, invoiceID); err != nil {
		return nil, err
	}
	if err := tx.InsertInvoiceLines(ctx, lines); err != nil {
		return nil, err
	}
	if err := tx.InsertPaymentApplications(ctx, deposits); err != nil {
		return nil, err
	}

	applyScalars(st.invoice, in)
	return s.finish(ctx, tx, st, lines, paidTotal(st.apps), core.AuditEdit, actorID, now)
}

// ValidateUpdate checks a payload without touching storage.
func ValidateUpdate(in UpdateInvoiceInput) error {
	if err := validateLines(in.Lines); err != nil {
		return err
	}
	if err := core.ValidateStruct(in); err != nil {
		return err
	}
	return nil
}

func validateLines(lines []LineInput) error {
	if len(lines) == 0 {
		return core.Validation(core.CodeMustHaveOneLine, "an invoice must have at least one line")
	}
	one := decimal.NewFromInt(1)
	for i, l := range lines {
		n := i + 1
		if l.LineType == core.LineDepositApplied {
			if l.UnitPrice.IsZero() {
				return core.Validation(core.CodeInvalidField, "line %d: deposit amount must not be zero", n)
			}
			continue
		}
		if !l.Quantity.IsPositive() {
			return core.Validation(core.CodeInvalidField, "line %d: quantity must be positive", n)
		}
		if l.TaxRate.IsNegative() || l.TaxRate.GreaterThan(one) {
			return core.Validation(core.CodeInvalidField, "line %d: tax_rate must be between 0 and 1", n)
		}
		if l.AppliedPaymentID != nil {
			return core.Validation(core.CodeInvalidField, "line %d: applied_payment_id is only allowed on deposit lines", n)
		}
	}
	return nil
}

// prepareLines numbers the lines, normalizes deposit lines and builds the
// deposit applications they own. requested sums deposit amounts per payment.
func prepareLines(invoiceID string, in []LineInput, actorID string, now time.Time) ([]core.InvoiceLine, []core.PaymentApplication, map[string]decimal.Decimal) {
	lines := make([]core.InvoiceLine, 0, len(in))
	var deposits []core.PaymentApplication
	requested := make(map[string]decimal.Decimal)

	for i, l := range in {
		line := core.InvoiceLine{
			ID:          core.NewID(),
			InvoiceID:   invoiceID,
			LineNumber:  i + 1,
			LineType:    l.LineType,
			Description: l.Description,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
			TaxRate:     l.TaxRate,
			JobID:       l.JobID,
		}

		if l.LineType == core.LineDepositApplied {
			amount := core.RoundMoney(l.UnitPrice.Abs())
			paymentID := *l.AppliedPaymentID
			line.Quantity = decimal.NewFromInt(1)
			line.UnitPrice = amount.Neg()
			line.TaxRate = decimal.Zero
			line.AppliedPaymentID = &paymentID
			if line.Description == "" {
				line.Description = "Deposit applied"
			}

			lineID := line.ID
			deposits = append(deposits, core.PaymentApplication{
				ID:            core.NewID(),
				PaymentID:     paymentID,
				InvoiceID:     invoiceID,
				InvoiceLineID: &lineID,
				Kind:          core.ApplicationDeposit,
				AppliedAmount: amount,
				AppliedAt:     now,
				AppliedBy:     actorID,
			})
			requested[paymentID] = requested[paymentID].Add(amount)
		}

		lines = append(lines, line)
	}
	return lines, deposits, requested
}

func applyScalars(inv *core.Invoice, in UpdateInvoiceInput) {
	if in.InvoiceDate != nil {
		if d, err := time.Parse(dateLayout, *in.InvoiceDate); err == nil {
			inv.InvoiceDate = d
		}
	}
	if in.DueDate != nil {
		inv.DueDate = parseOptionalDate(in.DueDate)
	}
	if in.Terms != nil {
		inv.Terms = *in.Terms
	}
	if in.Notes != nil {
		inv.Notes = *in.Notes
	}
	if in.Status != nil {
		inv.Status = *in.Status
	}
}

func parseOptionalDate(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	d, err := time.Parse(dateLayout, *s)
	if err != nil {
		return nil
	}
	return &d
}

// finish recomputes the summary from the rows just written, stores the
// denormalized totals and appends the audit entry.
func (s *Service) finish(
	ctx context.Context,
	tx core.Store,
	st *invoiceState,
	lines []core.InvoiceLine,
	paid decimal.Decimal,
	action core.AuditAction,
	actorID string,
	now time.Time,
) (*UpdateResult, error) {
	inv := st.invoice
	summary := Summarize(lines, paid, inv.Status)
	inv.Status = summary.Status
	inv.Subtotal = summary.Subtotal
	inv.TaxAmount = summary.Tax
	inv.TotalAmount = summary.Total
	inv.UpdatedAt = now

	if err := tx.UpdateInvoice(ctx, *inv, inv.Version); err != nil {
		return nil, err
	}
	inv.Version++

	entry := core.InvoiceAuditLog{
		ID:        core.NewID(),
		InvoiceID: inv.ID,
		CompanyID: inv.CompanyID,
		Action:    action,
		ActorID:   actorID,
		Diff:      core.AuditDiff{Before: st.before, After: snapshot(inv, lines, summary)},
		CreatedAt: now,
	}
	if err := tx.AppendInvoiceAudit(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to audit invoice %s: %w", inv.ID, err)
	}

	return &UpdateResult{
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.InvoiceNumber,
		Version:       inv.Version,
		Summary:       summary,
	}, nil
}

// =============================================================================
// DELETE
// =============================================================================

// Delete removes an invoice, releasing every payment allocated to it.
func (s *Service) Delete(ctx context.Context, invoiceID string, allowedCompanyIDs []string, actorID string) error {
	err := s.Store.WithTx(ctx, func(tx core.Store) error {
		st, err := loadInvoiceState(ctx, tx, invoiceID, allowedCompanyIDs)
		if err != nil {
			return err
		}
		if err := tx.DeleteInvoiceApplications(ctx, invoiceID); err != nil {
			return err
		}
		if err := tx.DeleteInvoiceLines(ctx, invoiceID); err != nil {
			return err
		}
		if err := tx.DeleteInvoice(ctx, invoiceID); err != nil {
			return err
		}
		return tx.AppendInvoiceAudit(ctx, core.InvoiceAuditLog{
			ID:        core.NewID(),
			InvoiceID: invoiceID,
			CompanyID: st.invoice.CompanyID,
			Action:    core.AuditDelete,
			ActorID:   actorID,
			Diff:      core.AuditDiff{Before: st.before},
			CreatedAt: s.now(),
		})
	})
	if err != nil {
		return err
	}

	s.Logger.Info().Str("invoice_id", invoiceID).Str("actor_id", actorID).Msg("invoice deleted")
	return nil
}
