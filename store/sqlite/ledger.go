package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/warp/billing-engine/core"
)

// =============================================================================
// PAYMENTS (core.LedgerStore interface)
// =============================================================================

func (r *repo) InsertPayment(ctx context.Context, p core.Payment) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO payments (id, company_id, customer_id, kind, amount, method, reference, received_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.CompanyID, p.CustomerID, p.Kind, p.Amount.String(), p.Method, p.Reference,
		formatTime(p.ReceivedAt), formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (r *repo) GetPayment(ctx context.Context, id string) (*core.Payment, error) {
	var p core.Payment
	var amount, receivedAt, createdAt string
	err := r.q.QueryRowContext(ctx, `
		SELECT id, company_id, customer_id, kind, amount, method, reference, received_at, created_at
		FROM payments WHERE id = ?
	`, id).Scan(&p.ID, &p.CompanyID, &p.CustomerID, &p.Kind, &amount, &p.Method, &p.Reference,
		&receivedAt, &createdAt)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	p.Amount = core.MustParseDecimal(amount)
	p.ReceivedAt = parseTime(receivedAt)
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

// =============================================================================
// PAYMENT APPLICATIONS
// =============================================================================

const applicationColumns = `id, payment_id, invoice_id, invoice_line_id, kind, applied_amount, applied_at, applied_by`

func (r *repo) ListPaymentApplications(ctx context.Context, paymentID string) ([]core.PaymentApplication, error) {
	return r.queryApplications(ctx, `
		SELECT `+applicationColumns+` FROM payment_applications
		WHERE payment_id = ? ORDER BY applied_at ASC, rowid ASC
	`, paymentID)
}

func (r *repo) ListInvoiceApplications(ctx context.Context, invoiceID string) ([]core.PaymentApplication, error) {
	return r.queryApplications(ctx, `
		SELECT `+applicationColumns+` FROM payment_applications
		WHERE invoice_id = ? ORDER BY applied_at ASC, rowid ASC
	`, invoiceID)
}

func (r *repo) queryApplications(ctx context.Context, query string, args ...any) ([]core.PaymentApplication, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment applications: %w", err)
	}
	defer rows.Close()

	var apps []core.PaymentApplication
	for rows.Next() {
		var a core.PaymentApplication
		var lineID sql.NullString
		var amount, appliedAt string
		if err := rows.Scan(&a.ID, &a.PaymentID, &a.InvoiceID, &lineID, &a.Kind, &amount,
			&appliedAt, &a.AppliedBy); err != nil {
			return nil, err
		}
		a.InvoiceLineID = stringPtr(lineID)
		a.AppliedAmount = core.MustParseDecimal(amount)
		a.AppliedAt = parseTime(appliedAt)
		apps = append(apps, a)
	}
	return apps, rows.Err()
}

func (r *repo) InsertPaymentApplications(ctx context.Context, apps []core.PaymentApplication) error {
	for _, a := range apps {
		_, err := r.q.ExecContext(ctx, `
			INSERT INTO payment_applications (`+applicationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, a.ID, a.PaymentID, a.InvoiceID, nullStringPtr(a.InvoiceLineID), a.Kind,
			a.AppliedAmount.String(), formatTime(a.AppliedAt), a.AppliedBy)
		if err != nil {
			return fmt.Errorf("failed to insert payment application: %w", err)
		}
	}
	return nil
}

func (r *repo) DeleteInvoiceApplications(ctx context.Context, invoiceID string, kinds ...core.ApplicationKind) error {
	query := `DELETE FROM payment_applications WHERE invoice_id = ?`
	args := []any{invoiceID}
	if len(kinds) > 0 {
		placeholders := make([]string, len(kinds))
		for i, k := range kinds {
			placeholders[i] = "?"
			args = append(args, k)
		}
		query += ` AND kind IN (` + strings.Join(placeholders, ", ") + `)`
	}
	if _, err := r.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete payment applications: %w", err)
	}
	return nil
}
