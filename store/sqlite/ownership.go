package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/core"
)

// =============================================================================
// COMPANIES & PROFILES
// =============================================================================

// SaveCompany creates or updates a company.
func (r *repo) SaveCompany(ctx context.Context, c core.Company) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO companies (id, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, c.ID, c.Name, formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save company: %w", err)
	}
	return nil
}

func (r *repo) GetCompany(ctx context.Context, id string) (*core.Company, error) {
	var c core.Company
	var createdAt string
	err := r.q.QueryRowContext(ctx, `SELECT id, name, created_at FROM companies WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &createdAt)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get company: %w", err)
	}
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}

// SaveProfile creates or updates a profile.
func (r *repo) SaveProfile(ctx context.Context, p core.Profile) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO profiles (id, full_name, email, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET full_name = excluded.full_name, email = excluded.email
	`, p.ID, p.FullName, nullString(p.Email), formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}

func (r *repo) GetProfile(ctx context.Context, id string) (*core.Profile, error) {
	var p core.Profile
	var email sql.NullString
	var createdAt string
	err := r.q.QueryRowContext(ctx, `SELECT id, full_name, email, created_at FROM profiles WHERE id = ?`, id).
		Scan(&p.ID, &p.FullName, &email, &createdAt)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	p.Email = email.String
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

// =============================================================================
// OWNERS
// =============================================================================

func (r *repo) AddOwner(ctx context.Context, o core.CompanyOwner) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO company_owners (company_id, profile_id, is_primary_owner, ownership_percentage, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, o.CompanyID, o.ProfileID, o.IsPrimaryOwner, nullDecimal(o.OwnershipPercentage), formatTime(o.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return core.Conflict(core.CodeAlreadyOwner, "profile %s already owns company %s", o.ProfileID, o.CompanyID)
		}
		return fmt.Errorf("failed to add owner: %w", err)
	}
	return nil
}

// RemoveOwner deletes the owner row and reports whether one existed.
func (r *repo) RemoveOwner(ctx context.Context, companyID, profileID string) (bool, error) {
	res, err := r.q.ExecContext(ctx,
		`DELETE FROM company_owners WHERE company_id = ? AND profile_id = ?`, companyID, profileID)
	if err != nil {
		return false, fmt.Errorf("failed to remove owner: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *repo) ListOwners(ctx context.Context, companyID string) ([]core.CompanyOwner, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT company_id, profile_id, is_primary_owner, ownership_percentage, created_at
		FROM company_owners WHERE company_id = ?
		ORDER BY is_primary_owner DESC, created_at ASC
	`, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list owners: %w", err)
	}
	defer rows.Close()

	var owners []core.CompanyOwner
	for rows.Next() {
		var o core.CompanyOwner
		var pct sql.NullString
		var createdAt string
		if err := rows.Scan(&o.CompanyID, &o.ProfileID, &o.IsPrimaryOwner, &pct, &createdAt); err != nil {
			return nil, err
		}
		o.OwnershipPercentage = decimalPtr(pct)
		o.CreatedAt = parseTime(createdAt)
		owners = append(owners, o)
	}
	return owners, rows.Err()
}

func (r *repo) CountOwners(ctx context.Context, companyID string) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM company_owners WHERE company_id = ?`, companyID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count owners: %w", err)
	}
	return n, nil
}

func (r *repo) IsOwner(ctx context.Context, companyID, profileID string) (bool, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM company_owners WHERE company_id = ? AND profile_id = ?`,
		companyID, profileID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check owner: %w", err)
	}
	return n > 0, nil
}

func (r *repo) CompaniesForOwner(ctx context.Context, profileID string) ([]string, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT company_id FROM company_owners WHERE profile_id = ? ORDER BY company_id`, profileID)
	if err != nil {
		return nil, fmt.Errorf("failed to list companies: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// =============================================================================
// EMPLOYEES & JOBS
// =============================================================================

// SaveEmployee creates or updates an employee.
func (r *repo) SaveEmployee(ctx context.Context, e core.Employee) error {
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO employees (id, company_id, profile_id, name, hourly_rate, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, profile_id = excluded.profile_id,
			hourly_rate = excluded.hourly_rate, updated_at = excluded.updated_at
	`, e.ID, e.CompanyID, nullString(e.ProfileID), e.Name, e.HourlyRate.String(),
		formatTime(e.CreatedAt), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to save employee: %w", err)
	}
	return nil
}

func (r *repo) GetEmployee(ctx context.Context, id string) (*core.Employee, error) {
	var e core.Employee
	var profileID sql.NullString
	var rate, createdAt, updatedAt string
	err := r.q.QueryRowContext(ctx, `
		SELECT id, company_id, profile_id, name, hourly_rate, created_at, updated_at
		FROM employees WHERE id = ?
	`, id).Scan(&e.ID, &e.CompanyID, &profileID, &e.Name, &rate, &createdAt, &updatedAt)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get employee: %w", err)
	}
	e.ProfileID = profileID.String
	e.HourlyRate = core.MustParseDecimal(rate)
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	return &e, nil
}

func (r *repo) UpdateEmployeeRate(ctx context.Context, id string, rate decimal.Decimal) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE employees SET hourly_rate = ?, updated_at = ? WHERE id = ?`,
		rate.String(), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update hourly rate: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NotFound("employee", id)
	}
	return nil
}

// SaveJob creates or updates a job.
func (r *repo) SaveJob(ctx context.Context, j core.Job) error {
	now := time.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.Status == "" {
		j.Status = "scheduled"
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO jobs (id, company_id, title, description, status, address, notes,
			scheduled_start, scheduled_end, estimated_hours, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title, description = excluded.description, status = excluded.status,
			address = excluded.address, notes = excluded.notes,
			scheduled_start = excluded.scheduled_start, scheduled_end = excluded.scheduled_end,
			estimated_hours = excluded.estimated_hours, updated_at = excluded.updated_at
	`, j.ID, j.CompanyID, j.Title, j.Description, j.Status, j.Address, j.Notes,
		formatTimePtr(j.ScheduledStart), formatTimePtr(j.ScheduledEnd), nullDecimal(j.EstimatedHours),
		formatTime(j.CreatedAt), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (r *repo) GetJob(ctx context.Context, id string) (*core.Job, error) {
	var j core.Job
	var start, end, hours sql.NullString
	var createdAt, updatedAt string
	err := r.q.QueryRowContext(ctx, `
		SELECT id, company_id, title, description, status, address, notes,
			scheduled_start, scheduled_end, estimated_hours, created_at, updated_at
		FROM jobs WHERE id = ?
	`, id).Scan(&j.ID, &j.CompanyID, &j.Title, &j.Description, &j.Status, &j.Address, &j.Notes,
		&start, &end, &hours, &createdAt, &updatedAt)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	j.ScheduledStart = parseTimePtr(start)
	j.ScheduledEnd = parseTimePtr(end)
	j.EstimatedHours = decimalPtr(hours)
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	return &j, nil
}

// UpdateJobFields applies a shallow merge. Column names come from
// core.JobFields only, never from caller input directly.
func (r *repo) UpdateJobFields(ctx context.Context, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}

	var sets []string
	var args []any
	for _, col := range sortedKeys(fields) {
		if !core.JobFields[col] {
			return core.Validation(core.CodeInvalidField, "job field %q cannot be updated", col)
		}
		v, err := jobColumnValue(col, fields[col])
		if err != nil {
			return err
		}
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, formatTime(time.Now()), id)

	res, err := r.q.ExecContext(ctx,
		"UPDATE jobs SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NotFound("job", id)
	}
	return nil
}

// jobColumnValue converts a merge value into its stored form. Schedule
// columns take time.Time and estimated_hours takes decimal.Decimal, so a
// stored value always scans back.
func jobColumnValue(col string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch col {
	case "scheduled_start", "scheduled_end":
		if t, ok := v.(time.Time); ok {
			return formatTime(t), nil
		}
	case "estimated_hours":
		if d, ok := v.(decimal.Decimal); ok {
			return d.String(), nil
		}
	default:
		if s, ok := v.(string); ok {
			return s, nil
		}
	}
	return nil, core.Validation(core.CodeInvalidField, "job field %q cannot hold %T", col, v)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
