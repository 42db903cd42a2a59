/*
ledger.go - Payments, deposits and their applications to invoices

PURPOSE:
  A payment's unapplied amount is derived, never stored: it is the payment
  amount minus everything its applications already took. Every allocation
  is validated against a freshly computed unapplied amount, inside the
  same transaction that writes the allocation.

RE-USING AN EDIT'S OWN ALLOCATION:
  When an invoice's lines are rewritten, the deposit applications it held
  before the edit are released and re-created. The capacity a payment
  offers to that edit is therefore

      unapplied(payment) + applied to this invoice by deposit lines

  so an edit can keep or shrink its own allocation but never exceed the
  payment's real capacity.

INVARIANT:
  For every payment, Σ applied_amount ≤ amount.
*/
package billing

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/core"
)

// UnappliedAmount returns payment.Amount minus the sum of its applications,
// read fresh from the store.
func UnappliedAmount(ctx context.Context, store core.LedgerStore, paymentID string) (decimal.Decimal, error) {
	payment, err := store.GetPayment(ctx, paymentID)
	if err != nil {
		return decimal.Zero, err
	}
	if payment == nil {
		return decimal.Zero, core.NotFound("payment", paymentID)
	}
	return unapplied(ctx, store, payment)
}

func unapplied(ctx context.Context, store core.LedgerStore, payment *core.Payment) (decimal.Decimal, error) {
	apps, err := store.ListPaymentApplications(ctx, payment.ID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load applications for payment %s: %w", payment.ID, err)
	}
	applied := decimal.Zero
	for _, a := range apps {
		applied = applied.Add(a.AppliedAmount)
	}
	return payment.Amount.Sub(applied), nil
}

// CheckDepositCapacity validates requested deposit amounts per payment for
// one invoice. prior holds the invoice's current deposit applications,
// which the edit is about to release.
func CheckDepositCapacity(
	ctx context.Context,
	store core.LedgerStore,
	inv *core.Invoice,
	requested map[string]decimal.Decimal,
	prior []core.PaymentApplication,
) error {
	priorByPayment := make(map[string]decimal.Decimal)
	for _, a := range prior {
		if a.Kind == core.ApplicationDeposit {
			priorByPayment[a.PaymentID] = priorByPayment[a.PaymentID].Add(a.AppliedAmount)
		}
	}

	// Deterministic order so the first failing payment is stable.
	ids := make([]string, 0, len(requested))
	for id := range requested {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, paymentID := range ids {
		payment, err := store.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if payment == nil || payment.CompanyID != inv.CompanyID {
			return core.NotFound("payment", paymentID)
		}
		if payment.CustomerID != inv.CustomerID {
			return core.Validation(core.CodeInvalidField,
				"payment %s belongs to a different customer", paymentID)
		}

		free, err := unapplied(ctx, store, payment)
		if err != nil {
			return err
		}
		available := free.Add(priorByPayment[paymentID])
		if requested[paymentID].GreaterThan(available) {
			return &core.DepositExceedsBalanceError{
				PaymentID: paymentID,
				Available: available,
				Requested: requested[paymentID],
			}
		}
	}
	return nil
}

// =============================================================================
// PAYMENT RECORDING
// =============================================================================

type RecordPaymentInput struct {
	CustomerID string           `json:"customer_id" validate:"required"`
	Kind       core.PaymentKind `json:"kind" validate:"required,oneof=deposit payment"`
	Amount     decimal.Decimal  `json:"amount"`
	Method     string           `json:"method" validate:"max=50"`
	Reference  string           `json:"reference" validate:"max=200"`
	ReceivedAt *time.Time       `json:"received_at,omitempty"`
}

// PaymentBalance is a payment with its derived allocation totals.
type PaymentBalance struct {
	Payment      core.Payment              `json:"payment"`
	Applied      decimal.Decimal           `json:"applied"`
	Unapplied    decimal.Decimal           `json:"unapplied"`
	Applications []core.PaymentApplication `json:"applications"`
}

// RecordPayment stores a deposit or payment received from a customer.
func (s *Service) RecordPayment(ctx context.Context, companyID string, allowedCompanyIDs []string, actorID string, in RecordPaymentInput) (*core.Payment, error) {
	if !slices.Contains(allowedCompanyIDs, companyID) {
		return nil, core.NotFound("company", companyID)
	}
	if err := core.ValidateStruct(in); err != nil {
		return nil, err
	}
	if !in.Amount.IsPositive() {
		return nil, core.Validation(core.CodeInvalidField, "amount must be positive")
	}

	now := s.now()
	p := core.Payment{
		ID:         core.NewID(),
		CompanyID:  companyID,
		CustomerID: in.CustomerID,
		Kind:       in.Kind,
		Amount:     core.RoundMoney(in.Amount),
		Method:     in.Method,
		Reference:  in.Reference,
		ReceivedAt: now,
		CreatedAt:  now,
	}
	if in.ReceivedAt != nil {
		p.ReceivedAt = in.ReceivedAt.UTC()
	}
	if err := s.Store.InsertPayment(ctx, p); err != nil {
		return nil, err
	}

	s.Logger.Info().
		Str("payment_id", p.ID).
		Str("company_id", companyID).
		Str("actor_id", actorID).
		Str("kind", string(p.Kind)).
		Str("amount", p.Amount.StringFixed(2)).
		Msg("payment recorded")
	return &p, nil
}

// PaymentBalance returns a payment with its applied and unapplied totals.
func (s *Service) PaymentBalance(ctx context.Context, paymentID string, allowedCompanyIDs []string) (*PaymentBalance, error) {
	payment, err := s.Store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment == nil || !slices.Contains(allowedCompanyIDs, payment.CompanyID) {
		return nil, core.NotFound("payment", paymentID)
	}
	apps, err := s.Store.ListPaymentApplications(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	applied := decimal.Zero
	for _, a := range apps {
		applied = applied.Add(a.AppliedAmount)
	}
	return &PaymentBalance{
		Payment:      *payment,
		Applied:      applied,
		Unapplied:    payment.Amount.Sub(applied),
		Applications: apps,
	}, nil
}

// ApplyPayment allocates part of a payment directly against an invoice's
// balance, outside its line items.
func (s *Service) ApplyPayment(ctx context.Context, invoiceID string, allowedCompanyIDs []string, actorID, paymentID string, amount decimal.Decimal) (*UpdateResult, error) {
	if paymentID == "" {
		return nil, core.MissingField("payment_id")
	}
	if !amount.IsPositive() {
		return nil, core.Validation(core.CodeInvalidField, "amount must be positive")
	}
	amount = core.RoundMoney(amount)

	var result *UpdateResult
	err := s.Store.WithTx(ctx, func(tx core.Store) error {
		st, err := loadInvoiceState(ctx, tx, invoiceID, allowedCompanyIDs)
		if err != nil {
			return err
		}

		payment, err := tx.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if payment == nil || payment.CompanyID != st.invoice.CompanyID {
			return core.NotFound("payment", paymentID)
		}
		if payment.CustomerID != st.invoice.CustomerID {
			return core.Validation(core.CodeInvalidField, "payment %s belongs to a different customer", paymentID)
		}
		free, err := unapplied(ctx, tx, payment)
		if err != nil {
			return err
		}
		if amount.GreaterThan(free) {
			return &core.DepositExceedsBalanceError{PaymentID: paymentID, Available: free, Requested: amount}
		}
		if amount.GreaterThan(st.summary.Balance) {
			return core.Validation(core.CodeInvalidField,
				"amount %s exceeds invoice balance %s", amount.StringFixed(2), st.summary.Balance.StringFixed(2))
		}

		now := s.now()
		app := core.PaymentApplication{
			ID:            core.NewID(),
			PaymentID:     paymentID,
			InvoiceID:     invoiceID,
			Kind:          core.ApplicationPayment,
			AppliedAmount: amount,
			AppliedAt:     now,
			AppliedBy:     actorID,
		}
		if err := tx.InsertPaymentApplications(ctx, []core.PaymentApplication{app}); err != nil {
			return err
		}

		result, err = s.finish(ctx, tx, st, st.lines, paidTotal(st.apps).Add(amount), core.AuditPayment, actorID, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info().
		Str("invoice_id", invoiceID).
		Str("payment_id", paymentID).
		Str("amount", amount.StringFixed(2)).
		Msg("payment applied")
	return result, nil
}
