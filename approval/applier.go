package approval

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/core"
)

// storeApplier performs an approved mutation inside the transaction that
// marks the request applied. Every target must belong to the request's
// company.
type storeApplier struct {
	tx      core.Store
	billing *billing.Service
	req     *core.ApprovalRequest
}

type payChangeResult struct {
	EmployeeID    string          `json:"employee_id"`
	PreviousRate  decimal.Decimal `json:"previous_rate"`
	NewHourlyRate decimal.Decimal `json:"hourly_rate"`
}

func (s *storeApplier) EmployeePayChange(ctx context.Context, a EmployeePayChange) (any, error) {
	if a.HourlyRate == nil {
		return nil, core.MissingField("hourly_rate")
	}
	emp, err := s.tx.GetEmployee(ctx, a.EmployeeID)
	if err != nil {
		return nil, err
	}
	if emp == nil || emp.CompanyID != s.req.CompanyID {
		return nil, core.NotFound("employee", a.EmployeeID)
	}
	if err := s.tx.UpdateEmployeeRate(ctx, a.EmployeeID, *a.HourlyRate); err != nil {
		return nil, err
	}
	return payChangeResult{EmployeeID: emp.ID, PreviousRate: emp.HourlyRate, NewHourlyRate: *a.HourlyRate}, nil
}

type jobUpdateResult struct {
	JobID   string   `json:"job_id"`
	Updated []string `json:"updated_fields"`
}

func (s *storeApplier) JobUpdate(ctx context.Context, a JobUpdate) (any, error) {
	job, err := s.tx.GetJob(ctx, a.JobID)
	if err != nil {
		return nil, err
	}
	if job == nil || job.CompanyID != s.req.CompanyID {
		return nil, core.NotFound("job", a.JobID)
	}
	cols, err := a.columns()
	if err != nil {
		return nil, err
	}
	if err := checkSchedule(job, cols); err != nil {
		return nil, err
	}
	if err := s.tx.UpdateJobFields(ctx, a.JobID, cols); err != nil {
		return nil, err
	}
	updated := make([]string, 0, len(a.Changes))
	for k := range a.Changes {
		updated = append(updated, k)
	}
	return jobUpdateResult{JobID: a.JobID, Updated: updated}, nil
}

// checkSchedule rejects a merge that would leave the job ending before it
// starts. The stored row may have changed since the request was created.
func checkSchedule(job *core.Job, cols map[string]any) error {
	start, end := job.ScheduledStart, job.ScheduledEnd
	if v, ok := cols["scheduled_start"]; ok {
		start = timeOrNil(v)
	}
	if v, ok := cols["scheduled_end"]; ok {
		end = timeOrNil(v)
	}
	if start != nil && end != nil && end.Before(*start) {
		return core.Validation(core.CodeInvalidField, "scheduled_end %s is before scheduled_start %s",
			end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return nil
}

func timeOrNil(v any) *time.Time {
	t, ok := v.(time.Time)
	if !ok {
		return nil
	}
	return &t
}

func (s *storeApplier) InvoiceUpdate(ctx context.Context, a InvoiceUpdate) (any, error) {
	return s.billing.UpdateInTx(ctx, s.tx, a.InvoiceID, []string{s.req.CompanyID}, s.req.RequestedBy, a.UpdateInvoiceInput)
}

// =============================================================================
// PREFLIGHT
// =============================================================================

// preflight checks that an action's target exists in the company before a
// request is created, and returns a human-readable label for it.
type preflight struct {
	tx        core.Store
	companyID string
}

func (p *preflight) EmployeePayChange(ctx context.Context, a EmployeePayChange) (any, error) {
	emp, err := p.tx.GetEmployee(ctx, a.EmployeeID)
	if err != nil {
		return nil, err
	}
	if emp == nil || emp.CompanyID != p.companyID {
		return nil, core.NotFound("employee", a.EmployeeID)
	}
	return emp.Name, nil
}

func (p *preflight) JobUpdate(ctx context.Context, a JobUpdate) (any, error) {
	job, err := p.tx.GetJob(ctx, a.JobID)
	if err != nil {
		return nil, err
	}
	if job == nil || job.CompanyID != p.companyID {
		return nil, core.NotFound("job", a.JobID)
	}
	return job.Title, nil
}

func (p *preflight) InvoiceUpdate(ctx context.Context, a InvoiceUpdate) (any, error) {
	inv, err := p.tx.GetInvoice(ctx, a.InvoiceID)
	if err != nil {
		return nil, err
	}
	if inv == nil || inv.CompanyID != p.companyID {
		return nil, core.NotFound("invoice", a.InvoiceID)
	}
	return inv.InvoiceNumber, nil
}

var (
	_ Applier = (*storeApplier)(nil)
	_ Applier = (*preflight)(nil)
)
