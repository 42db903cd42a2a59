package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/core"
	"github.com/warp/billing-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	companyID  = "co-1"
	ownerID    = "prof-owner"
	customerID = "cust-1"
)

var allowed = []string{companyID}

func newTestBilling(t *testing.T) (*billing.Service, *sqlite.Store) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	now := time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveCompany(ctx, core.Company{ID: companyID, Name: "Acme Plumbing", CreatedAt: now}))
	require.NoError(t, store.SaveCompany(ctx, core.Company{ID: "co-2", Name: "Other Co", CreatedAt: now}))

	svc := billing.NewService(store, zerolog.Nop())
	svc.Now = func() time.Time { return now }
	return svc, store
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertMoney(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), append([]any{"want %s, got %s", want, got.String()}, msgAndArgs...)...)
}

func serviceLine(qty, price, rate string) billing.LineInput {
	return billing.LineInput{
		LineType:    core.LineService,
		Description: "Drain cleaning",
		Quantity:    dec(qty),
		UnitPrice:   dec(price),
		TaxRate:     dec(rate),
	}
}

func depositLine(paymentID, amount string) billing.LineInput {
	return billing.LineInput{
		LineType:         core.LineDepositApplied,
		UnitPrice:        dec(amount),
		AppliedPaymentID: &paymentID,
	}
}

func createInvoice(t *testing.T, svc *billing.Service, lines ...billing.LineInput) *billing.UpdateResult {
	t.Helper()
	issued := core.InvoiceIssued
	res, err := svc.Create(context.Background(), companyID, allowed, ownerID, billing.CreateInvoiceInput{
		CustomerID:  customerID,
		InvoiceDate: "2025-03-01",
		Status:      &issued,
		Lines:       lines,
	})
	require.NoError(t, err)
	return res
}

func recordDeposit(t *testing.T, svc *billing.Service, amount string) string {
	t.Helper()
	p, err := svc.RecordPayment(context.Background(), companyID, allowed, ownerID, billing.RecordPaymentInput{
		CustomerID: customerID,
		Kind:       core.PaymentDeposit,
		Amount:     dec(amount),
		Method:     "check",
	})
	require.NoError(t, err)
	return p.ID
}

func unapplied(t *testing.T, store *sqlite.Store, paymentID string) decimal.Decimal {
	t.Helper()
	amt, err := billing.UnappliedAmount(context.Background(), store, paymentID)
	require.NoError(t, err)
	return amt
}

// =============================================================================
// SUMMARY TESTS
// =============================================================================

func TestSummarize_LineSumInvariant(t *testing.T) {
	// GIVEN: Two taxable lines and one deposit line
	lines := []core.InvoiceLine{
		{LineType: core.LineLabor, Quantity: dec("3"), UnitPrice: dec("45.50"), TaxRate: dec("0")},
		{LineType: core.LineParts, Quantity: dec("2"), UnitPrice: dec("19.99"), TaxRate: dec("0.0825")},
		{LineType: core.LineDepositApplied, Quantity: dec("1"), UnitPrice: dec("-25")},
	}

	// WHEN: Summarizing with 10.00 already paid
	s := billing.Summarize(lines, dec("10"), core.InvoiceIssued)

	// THEN: total = subtotal + tax, balance = total - deposits - paid
	assertMoney(t, "176.48", s.Subtotal)
	assertMoney(t, "3.30", s.Tax)
	assertMoney(t, "179.78", s.Total)
	assertMoney(t, "25", s.DepositsApplied)
	assertMoney(t, "144.78", s.Balance)
	assert.Equal(t, core.InvoicePartial, s.Status)
}

func TestSummarize_StatusDerivation(t *testing.T) {
	line := []core.InvoiceLine{{LineType: core.LineService, Quantity: dec("1"), UnitPrice: dec("100"), TaxRate: dec("0")}}

	assert.Equal(t, core.InvoiceIssued, billing.Summarize(line, decimal.Zero, core.InvoicePartial).Status)
	assert.Equal(t, core.InvoicePaid, billing.Summarize(line, dec("100"), core.InvoiceIssued).Status)
	assert.Equal(t, core.InvoiceDraft, billing.Summarize(line, dec("100"), core.InvoiceDraft).Status, "draft is kept")
	assert.Equal(t, core.InvoiceVoid, billing.Summarize(line, decimal.Zero, core.InvoiceVoid).Status, "void is kept")
}

// =============================================================================
// LINE ENGINE TESTS
// =============================================================================

func TestUpdate_DepositLine_ReducesBalanceAndPayment(t *testing.T) {
	// GIVEN: Invoice with 2 x 50.00 at 8% tax, and a 100.00 deposit
	svc, store := newTestBilling(t)
	ctx := context.Background()
	inv := createInvoice(t, svc, serviceLine("2", "50", "0.08"))
	paymentID := recordDeposit(t, svc, "100")
	assertMoney(t, "108", inv.Summary.Total)

	// WHEN: Applying 30.00 of the deposit as a line
	res, err := svc.Update(ctx, inv.InvoiceID, allowed, ownerID, billing.UpdateInvoiceInput{
		Lines: []billing.LineInput{serviceLine("2", "50", "0.08"), depositLine(paymentID, "-30")},
	})
	require.NoError(t, err)

	// THEN: subtotal=100, tax=8, total=108, balance=78, payment has 70 left
	assertMoney(t, "100", res.Summary.Subtotal)
	assertMoney(t, "8", res.Summary.Tax)
	assertMoney(t, "108", res.Summary.Total)
	assertMoney(t, "30", res.Summary.DepositsApplied)
	assertMoney(t, "78", res.Summary.Balance)
	assert.Equal(t, core.InvoicePartial, res.Summary.Status)
	assertMoney(t, "70", unapplied(t, store, paymentID))

	// Deposit line is normalized
	detail, err := svc.Get(ctx, inv.InvoiceID, allowed)
	require.NoError(t, err)
	require.Len(t, detail.Lines, 2)
	dep := detail.Lines[1]
	assert.Equal(t, 2, dep.LineNumber)
	assertMoney(t, "1", dep.Quantity)
	assertMoney(t, "-30", dep.UnitPrice)
	assertMoney(t, "0", dep.TaxRate)
	require.Len(t, detail.Applications, 1)
	assert.Equal(t, dep.ID, *detail.Applications[0].InvoiceLineID)
	assert.Equal(t, core.ApplicationDeposit, detail.Applications[0].Kind)

	// Denormalized columns follow the summary
	assertMoney(t, "108", detail.Invoice.TotalAmount)
	assert.Equal(t, core.InvoicePartial, detail.Invoice.Status)
}

func TestUpdate_DepositExceedsRemainingCapacity(t *testing.T) {
	// GIVEN: A 100.00 deposit with 30.00 already applied to invoice A
	svc, store := newTestBilling(t)
	ctx := context.Background()
	paymentID := recordDeposit(t, svc, "100")
	invA := createInvoice(t, svc, serviceLine("2", "50", "0.08"), depositLine(paymentID, "30"))
	invB := createInvoice(t, svc, serviceLine("1", "200", "0"))
	assertMoney(t, "70", unapplied(t, store, paymentID))

	// WHEN: Invoice B tries to take 80.00 from the same deposit
	_, err := svc.Update(ctx, invB.InvoiceID, allowed, ownerID, billing.UpdateInvoiceInput{
		Lines: []billing.LineInput{serviceLine("1", "200", "0"), depositLine(paymentID, "-80")},
	})

	// THEN: Rejected, and nothing changed
	require.ErrorIs(t, err, core.ErrDepositExceedsBalance)
	var depErr *core.DepositExceedsBalanceError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, paymentID, depErr.PaymentID)
	assertMoney(t, "70", depErr.Available)
	assertMoney(t, "80", depErr.Requested)

	assertMoney(t, "70", unapplied(t, store, paymentID))
	detailB, err := svc.Get(ctx, invB.InvoiceID, allowed)
	require.NoError(t, err)
	assert.Len(t, detailB.Lines, 1)
	assert.Empty(t, detailB.Applications)
	assertMoney(t, "200", detailB.Summary.Balance)

	detailA, err := svc.Get(ctx, invA.InvoiceID, allowed)
	require.NoError(t, err)
	assertMoney(t, "78", detailA.Summary.Balance)
}

func TestUpdate_ReusesOwnAllocation(t *testing.T) {
	// GIVEN: Invoice holding 60.00 of a 100.00 deposit
	svc, store := newTestBilling(t)
	ctx := context.Background()
	paymentID := recordDeposit(t, svc, "100")
	inv := createInvoice(t, svc, serviceLine("1", "150", "0"), depositLine(paymentID, "60"))
	assertMoney(t, "40", unapplied(t, store, paymentID))

	// WHEN: Raising its own allocation to 90.00 (40 free + 60 held)
	res, err := svc.Update(ctx, inv.InvoiceID, allowed, ownerID, billing.UpdateInvoiceInput{
		Lines: []billing.LineInput{serviceLine("1", "150", "0"), depositLine(paymentID, "90")},
	})

	// THEN: Allowed
	require.NoError(t, err)
	assertMoney(t, "60", res.Summary.Balance)
	assertMoney(t, "10", unapplied(t, store, paymentID))

	// AND: Going past the payment amount is not
	_, err = svc.Update(ctx, inv.InvoiceID, allowed, ownerID, billing.UpdateInvoiceInput{
		Lines: []billing.LineInput{serviceLine("1", "150", "0"), depositLine(paymentID, "101")},
	})
	require.ErrorIs(t, err, core.ErrDepositExceedsBalance)
	assertMoney(t, "10", unapplied(t, store, paymentID))
}

func TestUpdate_TwoLinesSamePayment_SumChecked(t *testing.T) {
	svc, _ := newTestBilling(t)
	paymentID := recordDeposit(t, svc, "100")
	inv := createInvoice(t, svc, serviceLine("1", "300", "0"))

	_, err := svc.Update(context.Background(), inv.InvoiceID, allowed, ownerID, billing.UpdateInvoiceInput{
		Lines: []billing.LineInput{
			serviceLine("1", "300", "0"),
			depositLine(paymentID, "60"),
			depositLine(paymentID, "60"),
		},
	})

	require.ErrorIs(t, err, core.ErrDepositExceedsBalance)
}

func TestUpdate_ZeroLines_RejectedWithoutDataLoss(t *testing.T) {
	// GIVEN: Invoice with a service line and a deposit line
	svc, store := newTestBilling(t)
	ctx := context.Background()
	paymentID := recordDeposit(t, svc, "100")
	inv := createInvoice(t, svc, serviceLine("2", "50", "0.08"), depositLine(paymentID, "30"))

	// WHEN: Submitting an empty line set
	_, err := svc.Update(ctx, inv.InvoiceID, allowed, ownerID, billing.UpdateInvoiceInput{})

	// THEN: Validation error, and lines and allocation are untouched
	require.ErrorIs(t, err, core.ErrValidation)
	assert.Equal(t, core.CodeMustHaveOneLine, core.CodeOf(err))

	detail, err := svc.Get(ctx, inv.InvoiceID, allowed)
	require.NoError(t, err)
	assert.Len(t, detail.Lines, 2)
	assert.Len(t, detail.Applications, 1)
	assertMoney(t, "70", unapplied(t, store, paymentID))
}

func TestUpdate_InvalidLines(t *testing.T) {
	svc, _ := newTestBilling(t)
	inv := createInvoice(t, svc, serviceLine("1", "10", "0"))

	cases := map[string]billing.LineInput{
		"zero quantity":        serviceLine("0", "10", "0"),
		"tax above one":        serviceLine("1", "10", "1.5"),
		"unknown type":         {LineType: "mystery", Quantity: dec("1"), UnitPrice: dec("1")},
		"deposit without id":   {LineType: core.LineDepositApplied, UnitPrice: dec("-5")},
		"payment on plain row": {LineType: core.LineLabor, Quantity: dec("1"), UnitPrice: dec("1"), AppliedPaymentID: strPtr("p")},
	}
	for name, line := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Update(context.Background(), inv.InvoiceID, allowed, ownerID, billing.UpdateInvoiceInput{
				Lines: []billing.LineInput{line},
			})
			assert.ErrorIs(t, err, core.ErrValidation)
		})
	}
}

func TestUpdate_OutsideAllowlist_NotFound(t *testing.T) {
	svc, _ := newTestBilling(t)
	inv := createInvoice(t, svc, serviceLine("1", "10", "0"))

	_, err := svc.Update(context.Background(), inv.InvoiceID, []string{"co-2"}, ownerID, billing.UpdateInvoiceInput{
		Lines: []billing.LineInput{serviceLine("1", "20", "0")},
	})

	assert.ErrorIs(t, err, core.ErrNotFoundOrUnauthorized)

	_, err = svc.Get(context.Background(), "missing", allowed)
	assert.ErrorIs(t, err, core.ErrNotFoundOrUnauthorized)
}

func TestUpdate_PaymentFromOtherCustomer_Rejected(t *testing.T) {
	svc, _ := newTestBilling(t)
	ctx := context.Background()
	p, err := svc.RecordPayment(ctx, companyID, allowed, ownerID, billing.RecordPaymentInput{
		CustomerID: "cust-2", Kind: core.PaymentDeposit, Amount: dec("50"),
	})
	require.NoError(t, err)
	inv := createInvoice(t, svc, serviceLine("1", "100", "0"))

	_, err = svc.Update(ctx, inv.InvoiceID, allowed, ownerID, billing.UpdateInvoiceInput{
		Lines: []billing.LineInput{serviceLine("1", "100", "0"), depositLine(p.ID, "10")},
	})

	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestUpdate_StaleExpectedVersion_Conflict(t *testing.T) {
	// GIVEN: Two editors read the invoice at the same version
	svc, _ := newTestBilling(t)
	ctx := context.Background()
	inv := createInvoice(t, svc, serviceLine("1", "10", "0"))
	seen := inv.Version

	// WHEN: Both submit with that version
	res, err := svc.Update(ctx, inv.InvoiceID, allowed, ownerID, billing.UpdateInvoiceInput{
		ExpectedVersion: &seen,
		Lines:           []billing.LineInput{serviceLine("1", "20", "0")},
	})
	require.NoError(t, err)
	assert.Equal(t, seen+1, res.Version)

	_, err = svc.Update(ctx, inv.InvoiceID, allowed, "prof-other", billing.UpdateInvoiceInput{
		ExpectedVersion: &seen,
		Lines:           []billing.LineInput{serviceLine("1", "30", "0")},
	})

	// THEN: The second is rejected and the first edit stands
	require.ErrorIs(t, err, core.ErrConflict)
	assert.Equal(t, core.CodeStaleVersion, core.CodeOf(err))

	detail, err := svc.Get(ctx, inv.InvoiceID, allowed)
	require.NoError(t, err)
	assertMoney(t, "20", detail.Summary.Total)
}

func TestUpdate_ScalarFields(t *testing.T) {
	svc, _ := newTestBilling(t)
	ctx := context.Background()
	inv := createInvoice(t, svc, serviceLine("1", "10", "0"))

	due := "2025-03-31"
	terms := "Net 30"
	_, err := svc.Update(ctx, inv.InvoiceID, allowed, ownerID, billing.UpdateInvoiceInput{
		DueDate: &due,
		Terms:   &terms,
		Lines:   []billing.LineInput{serviceLine("1", "10", "0")},
	})
	require.NoError(t, err)

	detail, err := svc.Get(ctx, inv.InvoiceID, allowed)
	require.NoError(t, err)
	require.NotNil(t, detail.Invoice.DueDate)
	assert.Equal(t, due, detail.Invoice.DueDate.Format("2006-01-02"))
	assert.Equal(t, terms, detail.Invoice.Terms)

	bad := "31/03/2025"
	_, err = svc.Update(ctx, inv.InvoiceID, allowed, ownerID, billing.UpdateInvoiceInput{
		DueDate: &bad,
		Lines:   []billing.LineInput{serviceLine("1", "10", "0")},
	})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestUpdate_EmptyDueDate_ClearsIt(t *testing.T) {
	// GIVEN: An invoice with a due date
	svc, _ := newTestBilling(t)
	ctx := context.Background()
	inv := createInvoice(t, svc, serviceLine("1", "10", "0"))
	due := "2025-03-31"
	_, err := svc.Update(ctx, inv.InvoiceID, allowed, ownerID, billing.UpdateInvoiceInput{
		DueDate: &due,
		Lines:   []billing.LineInput{serviceLine("1", "10", "0")},
	})
	require.NoError(t, err)

	// WHEN: An update sends an empty due date
	empty := ""
	_, err = svc.Update(ctx, inv.InvoiceID, allowed, ownerID, billing.UpdateInvoiceInput{
		DueDate: &empty,
		Lines:   []billing.LineInput{serviceLine("1", "10", "0")},
	})

	// THEN: The due date is removed
	require.NoError(t, err)
	detail, err := svc.Get(ctx, inv.InvoiceID, allowed)
	require.NoError(t, err)
	assert.Nil(t, detail.Invoice.DueDate)

	// AND: Leaving it out keeps whatever is stored
	_, err = svc.Update(ctx, inv.InvoiceID, allowed, ownerID, billing.UpdateInvoiceInput{
		DueDate: &due,
		Lines:   []billing.LineInput{serviceLine("1", "10", "0")},
	})
	require.NoError(t, err)
	_, err = svc.Update(ctx, inv.InvoiceID, allowed, ownerID, billing.UpdateInvoiceInput{
		Lines: []billing.LineInput{serviceLine("1", "10", "0")},
	})
	require.NoError(t, err)
	detail, err = svc.Get(ctx, inv.InvoiceID, allowed)
	require.NoError(t, err)
	require.NotNil(t, detail.Invoice.DueDate)
	assert.Equal(t, due, detail.Invoice.DueDate.Format("2006-01-02"))
}

// =============================================================================
// AUDIT TESTS
// =============================================================================

func TestAuditTrail_RecordsBeforeAndAfter(t *testing.T) {
	svc, _ := newTestBilling(t)
	ctx := context.Background()
	paymentID := recordDeposit(t, svc, "100")
	inv := createInvoice(t, svc, serviceLine("2", "50", "0.08"))

	_, err := svc.Update(ctx, inv.InvoiceID, allowed, "prof-editor", billing.UpdateInvoiceInput{
		Lines: []billing.LineInput{serviceLine("2", "50", "0.08"), depositLine(paymentID, "30")},
	})
	require.NoError(t, err)

	entries, err := svc.AuditTrail(ctx, inv.InvoiceID, allowed)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	created := entries[0]
	assert.Equal(t, core.AuditCreate, created.Action)
	assert.Nil(t, created.Diff.Before)
	require.NotNil(t, created.Diff.After)
	assert.Len(t, created.Diff.After.Lines, 1)

	edit := entries[1]
	assert.Equal(t, core.AuditEdit, edit.Action)
	assert.Equal(t, "prof-editor", edit.ActorID)
	require.NotNil(t, edit.Diff.Before)
	require.NotNil(t, edit.Diff.After)
	assertMoney(t, "108", edit.Diff.Before.Balance)
	assertMoney(t, "78", edit.Diff.After.Balance)
	assert.Len(t, edit.Diff.After.Lines, 2)

	_, err = svc.AuditTrail(ctx, inv.InvoiceID, []string{"co-2"})
	assert.ErrorIs(t, err, core.ErrNotFoundOrUnauthorized)
}

// =============================================================================
// DELETE TESTS
// =============================================================================

func TestDelete_ReleasesAllocations(t *testing.T) {
	// GIVEN: Invoice holding 30.00 of a deposit and 20.00 of a payment
	svc, store := newTestBilling(t)
	ctx := context.Background()
	depositID := recordDeposit(t, svc, "100")
	inv := createInvoice(t, svc, serviceLine("2", "50", "0.08"), depositLine(depositID, "30"))

	p, err := svc.RecordPayment(ctx, companyID, allowed, ownerID, billing.RecordPaymentInput{
		CustomerID: customerID, Kind: core.PaymentRegular, Amount: dec("20"),
	})
	require.NoError(t, err)
	_, err = svc.ApplyPayment(ctx, inv.InvoiceID, allowed, ownerID, p.ID, dec("20"))
	require.NoError(t, err)

	// WHEN: Deleting the invoice
	require.NoError(t, svc.Delete(ctx, inv.InvoiceID, allowed, ownerID))

	// THEN: Both payments are fully unapplied again
	assertMoney(t, "100", unapplied(t, store, depositID))
	assertMoney(t, "20", unapplied(t, store, p.ID))

	_, err = svc.Get(ctx, inv.InvoiceID, allowed)
	assert.ErrorIs(t, err, core.ErrNotFoundOrUnauthorized)

	// AND: The audit trail survives with a delete entry
	entries, err := svc.AuditTrail(ctx, inv.InvoiceID, allowed)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, core.AuditDelete, last.Action)
	require.NotNil(t, last.Diff.Before)
	assert.Nil(t, last.Diff.After)
}

func TestDelete_OutsideAllowlist_NotFound(t *testing.T) {
	svc, _ := newTestBilling(t)
	inv := createInvoice(t, svc, serviceLine("1", "10", "0"))

	err := svc.Delete(context.Background(), inv.InvoiceID, []string{"co-2"}, ownerID)

	assert.ErrorIs(t, err, core.ErrNotFoundOrUnauthorized)
	_, err = svc.Get(context.Background(), inv.InvoiceID, allowed)
	assert.NoError(t, err)
}

// =============================================================================
// PAYMENT TESTS
// =============================================================================

func TestApplyPayment_SettlesInvoice(t *testing.T) {
	svc, store := newTestBilling(t)
	ctx := context.Background()
	inv := createInvoice(t, svc, serviceLine("2", "50", "0.08"))
	p, err := svc.RecordPayment(ctx, companyID, allowed, ownerID, billing.RecordPaymentInput{
		CustomerID: customerID, Kind: core.PaymentRegular, Amount: dec("200"),
	})
	require.NoError(t, err)

	res, err := svc.ApplyPayment(ctx, inv.InvoiceID, allowed, ownerID, p.ID, dec("108"))
	require.NoError(t, err)

	assertMoney(t, "0", res.Summary.Balance)
	assertMoney(t, "108", res.Summary.Paid)
	assert.Equal(t, core.InvoicePaid, res.Summary.Status)
	assertMoney(t, "92", unapplied(t, store, p.ID))

	// Rewriting lines keeps direct payments
	res, err = svc.Update(ctx, inv.InvoiceID, allowed, ownerID, billing.UpdateInvoiceInput{
		Lines: []billing.LineInput{serviceLine("3", "50", "0.08")},
	})
	require.NoError(t, err)
	assertMoney(t, "54", res.Summary.Balance)
	assert.Equal(t, core.InvoicePartial, res.Summary.Status)

	// Over-paying the balance is rejected
	_, err = svc.ApplyPayment(ctx, inv.InvoiceID, allowed, ownerID, p.ID, dec("60"))
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestPaymentBalance(t *testing.T) {
	svc, _ := newTestBilling(t)
	ctx := context.Background()
	paymentID := recordDeposit(t, svc, "100")
	createInvoice(t, svc, serviceLine("1", "500", "0"), depositLine(paymentID, "25"))

	bal, err := svc.PaymentBalance(ctx, paymentID, allowed)
	require.NoError(t, err)
	assertMoney(t, "25", bal.Applied)
	assertMoney(t, "75", bal.Unapplied)
	assert.Len(t, bal.Applications, 1)

	_, err = svc.PaymentBalance(ctx, paymentID, []string{"co-2"})
	assert.ErrorIs(t, err, core.ErrNotFoundOrUnauthorized)
}

func TestRecordPayment_Validation(t *testing.T) {
	svc, _ := newTestBilling(t)
	ctx := context.Background()

	_, err := svc.RecordPayment(ctx, companyID, allowed, ownerID, billing.RecordPaymentInput{
		CustomerID: customerID, Kind: core.PaymentDeposit, Amount: dec("-5"),
	})
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = svc.RecordPayment(ctx, companyID, allowed, ownerID, billing.RecordPaymentInput{
		Kind: core.PaymentDeposit, Amount: dec("5"),
	})
	assert.ErrorIs(t, err, core.ErrValidation)
	assert.Equal(t, core.CodeMissingField, core.CodeOf(err))

	_, err = svc.RecordPayment(ctx, "co-2", allowed, ownerID, billing.RecordPaymentInput{
		CustomerID: customerID, Kind: core.PaymentDeposit, Amount: dec("5"),
	})
	assert.ErrorIs(t, err, core.ErrNotFoundOrUnauthorized)
}

func strPtr(s string) *string { return &s }
