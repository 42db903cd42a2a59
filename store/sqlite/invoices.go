package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/warp/billing-engine/core"
)

// =============================================================================
// INVOICES (core.InvoiceStore interface)
// =============================================================================

// NextInvoiceNumber returns the next per-company number, e.g. INV-00042.
// Call it inside the transaction that inserts the invoice.
func (r *repo) NextInvoiceNumber(ctx context.Context, companyID string) (string, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM invoices WHERE company_id = ?`, companyID).Scan(&n)
	if err != nil {
		return "", fmt.Errorf("failed to allocate invoice number: %w", err)
	}
	for {
		n++
		number := fmt.Sprintf("INV-%05d", n)
		var exists int
		err := r.q.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM invoices WHERE company_id = ? AND invoice_number = ?`,
			companyID, number).Scan(&exists)
		if err != nil {
			return "", fmt.Errorf("failed to allocate invoice number: %w", err)
		}
		if exists == 0 {
			return number, nil
		}
	}
}

func (r *repo) InsertInvoice(ctx context.Context, inv core.Invoice) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO invoices (id, company_id, customer_id, invoice_number, status, invoice_date, due_date,
			terms, notes, subtotal, tax_amount, total_amount, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, inv.ID, inv.CompanyID, inv.CustomerID, inv.InvoiceNumber, inv.Status,
		inv.InvoiceDate.Format(dateLayout), formatDatePtr(inv.DueDate),
		inv.Terms, inv.Notes, inv.Subtotal.String(), inv.TaxAmount.String(), inv.TotalAmount.String(),
		inv.Version, formatTime(inv.CreatedAt), formatTime(inv.UpdatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return core.Conflict("duplicate_invoice", "invoice %s already exists", inv.InvoiceNumber)
		}
		return fmt.Errorf("failed to insert invoice: %w", err)
	}
	return nil
}

func (r *repo) GetInvoice(ctx context.Context, id string) (*core.Invoice, error) {
	var inv core.Invoice
	var invoiceDate, createdAt, updatedAt string
	var dueDate sql.NullString
	var subtotal, tax, total string
	err := r.q.QueryRowContext(ctx, `
		SELECT id, company_id, customer_id, invoice_number, status, invoice_date, due_date,
			terms, notes, subtotal, tax_amount, total_amount, version, created_at, updated_at
		FROM invoices WHERE id = ?
	`, id).Scan(&inv.ID, &inv.CompanyID, &inv.CustomerID, &inv.InvoiceNumber, &inv.Status,
		&invoiceDate, &dueDate, &inv.Terms, &inv.Notes, &subtotal, &tax, &total,
		&inv.Version, &createdAt, &updatedAt)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	inv.InvoiceDate = parseDate(invoiceDate)
	inv.DueDate = parseDatePtr(dueDate)
	inv.Subtotal = core.MustParseDecimal(subtotal)
	inv.TaxAmount = core.MustParseDecimal(tax)
	inv.TotalAmount = core.MustParseDecimal(total)
	inv.CreatedAt = parseTime(createdAt)
	inv.UpdatedAt = parseTime(updatedAt)
	return &inv, nil
}

// UpdateInvoice writes every scalar column when the stored version equals
// expectedVersion, and bumps the version.
func (r *repo) UpdateInvoice(ctx context.Context, inv core.Invoice, expectedVersion int64) error {
	err := expectOneRow(r.q.ExecContext(ctx, `
		UPDATE invoices SET status = ?, invoice_date = ?, due_date = ?, terms = ?, notes = ?,
			subtotal = ?, tax_amount = ?, total_amount = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, inv.Status, inv.InvoiceDate.Format(dateLayout), formatDatePtr(inv.DueDate), inv.Terms, inv.Notes,
		inv.Subtotal.String(), inv.TaxAmount.String(), inv.TotalAmount.String(), formatTime(inv.UpdatedAt),
		inv.ID, expectedVersion))
	if err != nil && err != core.ErrConcurrentModification {
		return fmt.Errorf("failed to update invoice: %w", err)
	}
	return err
}

func (r *repo) DeleteInvoice(ctx context.Context, id string) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM invoices WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete invoice: %w", err)
	}
	return nil
}

// =============================================================================
// INVOICE LINES
// =============================================================================

func (r *repo) ListInvoiceLines(ctx context.Context, invoiceID string) ([]core.InvoiceLine, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, invoice_id, line_number, line_type, description, quantity, unit_price, tax_rate,
			job_id, applied_payment_id
		FROM invoice_lines WHERE invoice_id = ?
		ORDER BY line_number ASC
	`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoice lines: %w", err)
	}
	defer rows.Close()

	var lines []core.InvoiceLine
	for rows.Next() {
		var l core.InvoiceLine
		var qty, price, rate string
		var jobID, paymentID sql.NullString
		if err := rows.Scan(&l.ID, &l.InvoiceID, &l.LineNumber, &l.LineType, &l.Description,
			&qty, &price, &rate, &jobID, &paymentID); err != nil {
			return nil, err
		}
		l.Quantity = core.MustParseDecimal(qty)
		l.UnitPrice = core.MustParseDecimal(price)
		l.TaxRate = core.MustParseDecimal(rate)
		l.JobID = stringPtr(jobID)
		l.AppliedPaymentID = stringPtr(paymentID)
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (r *repo) InsertInvoiceLines(ctx context.Context, lines []core.InvoiceLine) error {
	for _, l := range lines {
		_, err := r.q.ExecContext(ctx, `
			INSERT INTO invoice_lines (id, invoice_id, line_number, line_type, description,
				quantity, unit_price, tax_rate, job_id, applied_payment_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, l.ID, l.InvoiceID, l.LineNumber, l.LineType, l.Description,
			l.Quantity.String(), l.UnitPrice.String(), l.TaxRate.String(),
			nullStringPtr(l.JobID), nullStringPtr(l.AppliedPaymentID))
		if err != nil {
			return fmt.Errorf("failed to insert invoice line %d: %w", l.LineNumber, err)
		}
	}
	return nil
}

func (r *repo) DeleteInvoiceLines(ctx context.Context, invoiceID string) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM invoice_lines WHERE invoice_id = ?`, invoiceID); err != nil {
		return fmt.Errorf("failed to delete invoice lines: %w", err)
	}
	return nil
}

// =============================================================================
// AUDIT LOG (append-only)
// =============================================================================

func (r *repo) AppendInvoiceAudit(ctx context.Context, entry core.InvoiceAuditLog) error {
	diffJSON, err := json.Marshal(entry.Diff)
	if err != nil {
		return fmt.Errorf("failed to encode audit diff: %w", err)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO invoice_audit_logs (id, invoice_id, company_id, action, actor_id, diff_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.InvoiceID, entry.CompanyID, entry.Action, entry.ActorID, string(diffJSON),
		formatTime(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append audit log: %w", err)
	}
	return nil
}

func (r *repo) ListInvoiceAudit(ctx context.Context, invoiceID string) ([]core.InvoiceAuditLog, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, invoice_id, company_id, action, actor_id, diff_json, created_at
		FROM invoice_audit_logs WHERE invoice_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	defer rows.Close()

	var entries []core.InvoiceAuditLog
	for rows.Next() {
		var e core.InvoiceAuditLog
		var diffJSON, createdAt string
		if err := rows.Scan(&e.ID, &e.InvoiceID, &e.CompanyID, &e.Action, &e.ActorID, &diffJSON, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(diffJSON), &e.Diff); err != nil {
			return nil, fmt.Errorf("failed to decode audit diff %s: %w", e.ID, err)
		}
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
