/*
summary.go - Invoice totals as a pure projection over lines and payments

PURPOSE:
  The summary is never a second source of truth. It is recomputed from
  the invoice's lines and direct payment applications every time they
  change, and only then copied onto the invoice's denormalized columns.

FORMULA:
  subtotal = Σ qty × unit_price                  (non-deposit lines)
  tax      = round2(Σ qty × unit_price × rate)   (non-deposit lines)
  total    = subtotal + tax
  deposits = Σ |qty × unit_price|                (deposit_applied lines)
  balance  = total − deposits − paid

STATUS:
  draft, cancelled and void are set by people and kept as-is. Otherwise
  the status follows the money: paid when nothing is owed, partial when
  something was applied, issued when nothing was.
*/
package billing

import (
	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/core"
)

// Summarize computes the derived view of an invoice.
func Summarize(lines []core.InvoiceLine, paid decimal.Decimal, status core.InvoiceStatus) core.InvoiceSummary {
	subtotal := decimal.Zero
	tax := decimal.Zero
	deposits := decimal.Zero

	for _, l := range lines {
		amount := l.Amount()
		if l.IsDeposit() {
			deposits = deposits.Add(amount.Abs())
			continue
		}
		subtotal = subtotal.Add(amount)
		tax = tax.Add(amount.Mul(l.TaxRate))
	}

	subtotal = core.RoundMoney(subtotal)
	tax = core.RoundMoney(tax)
	deposits = core.RoundMoney(deposits)
	paid = core.RoundMoney(paid)
	total := subtotal.Add(tax)

	s := core.InvoiceSummary{
		Subtotal:        subtotal,
		Tax:             tax,
		Total:           total,
		DepositsApplied: deposits,
		Paid:            paid,
		Balance:         total.Sub(deposits).Sub(paid),
	}
	s.Status = deriveStatus(status, s)
	return s
}

func deriveStatus(current core.InvoiceStatus, s core.InvoiceSummary) core.InvoiceStatus {
	switch current {
	case core.InvoiceDraft, core.InvoiceCancelled, core.InvoiceVoid:
		return current
	}
	credited := s.DepositsApplied.Add(s.Paid)
	switch {
	case s.Total.IsPositive() && !s.Balance.IsPositive():
		return core.InvoicePaid
	case credited.IsPositive():
		return core.InvoicePartial
	default:
		return core.InvoiceIssued
	}
}

// paidTotal sums direct payments. Deposit applications are already
// reflected by their invoice lines.
func paidTotal(apps []core.PaymentApplication) decimal.Decimal {
	total := decimal.Zero
	for _, a := range apps {
		if a.Kind == core.ApplicationPayment {
			total = total.Add(a.AppliedAmount)
		}
	}
	return total
}

// snapshot captures the audit view of an invoice.
func snapshot(inv *core.Invoice, lines []core.InvoiceLine, s core.InvoiceSummary) *core.InvoiceSnapshot {
	snap := &core.InvoiceSnapshot{
		Status:      inv.Status,
		InvoiceDate: inv.InvoiceDate.Format(dateLayout),
		Terms:       inv.Terms,
		Notes:       inv.Notes,
		Subtotal:    s.Subtotal,
		Tax:         s.Tax,
		Total:       s.Total,
		Balance:     s.Balance,
		Lines:       make([]core.SnapshotLine, 0, len(lines)),
	}
	if inv.DueDate != nil {
		snap.DueDate = inv.DueDate.Format(dateLayout)
	}
	for _, l := range lines {
		snap.Lines = append(snap.Lines, core.SnapshotLine{
			LineNumber:       l.LineNumber,
			LineType:         l.LineType,
			Description:      l.Description,
			Quantity:         l.Quantity,
			UnitPrice:        l.UnitPrice,
			TaxRate:          l.TaxRate,
			JobID:            l.JobID,
			AppliedPaymentID: l.AppliedPaymentID,
		})
	}
	return snap
}
