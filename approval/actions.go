/*
actions.go - The closed set of mutations an approval request can carry

PURPOSE:
  An approval request stores a mutation as (action tag, JSON payload).
  Action is a sealed interface: only this package can add variants, and
  every variant dispatches itself to the matching Applier method. Adding
  a variant without extending Applier does not compile.

VARIANTS:
  ┌─────────────────────┬──────────────┬───────────────────────────────┐
  │ Tag                 │ Target table │ Effect                        │
  ├─────────────────────┼──────────────┼───────────────────────────────┤
  │ employee_pay_change │ employees    │ set hourly_rate               │
  │ job_update          │ jobs         │ shallow merge of job columns  │
  │ invoice_update      │ invoices     │ full line replacement         │
  └─────────────────────┴──────────────┴───────────────────────────────┘

SEE ALSO:
  - applier.go: Store-backed Applier implementations
  - service.go: Request state machine
*/
package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/core"
)

// Action is a mutation waiting for approval.
type Action interface {
	Kind() core.ApprovalAction
	Entity() core.EntityRef
	// Validate checks the payload without touching storage.
	Validate() error
	accept(ctx context.Context, a Applier) (any, error)
}

// Applier has one method per Action variant.
type Applier interface {
	EmployeePayChange(ctx context.Context, a EmployeePayChange) (any, error)
	JobUpdate(ctx context.Context, a JobUpdate) (any, error)
	InvoiceUpdate(ctx context.Context, a InvoiceUpdate) (any, error)
}

// =============================================================================
// EMPLOYEE PAY CHANGE
// =============================================================================

type EmployeePayChange struct {
	EmployeeID string           `json:"employee_id" validate:"required"`
	HourlyRate *decimal.Decimal `json:"hourly_rate,omitempty"`
}

func (EmployeePayChange) Kind() core.ApprovalAction { return core.ActionEmployeePayChange }

func (a EmployeePayChange) Entity() core.EntityRef {
	return core.EntityRef{Table: "employees", ID: a.EmployeeID}
}

func (a EmployeePayChange) Validate() error {
	if err := core.ValidateStruct(a); err != nil {
		return err
	}
	if a.HourlyRate == nil {
		return core.MissingField("hourly_rate")
	}
	if a.HourlyRate.IsNegative() {
		return core.Validation(core.CodeInvalidField, "hourly_rate must not be negative")
	}
	return nil
}

func (a EmployeePayChange) accept(ctx context.Context, ap Applier) (any, error) {
	return ap.EmployeePayChange(ctx, a)
}

// =============================================================================
// JOB UPDATE
// =============================================================================

// JobUpdate merges Changes onto a job. Keys are job column names; absent
// keys are left alone.
type JobUpdate struct {
	JobID   string         `json:"job_id" validate:"required"`
	Changes map[string]any `json:"changes" validate:"required"`
}

func (JobUpdate) Kind() core.ApprovalAction { return core.ActionJobUpdate }

func (a JobUpdate) Entity() core.EntityRef {
	return core.EntityRef{Table: "jobs", ID: a.JobID}
}

func (a JobUpdate) Validate() error {
	if err := core.ValidateStruct(a); err != nil {
		return err
	}
	if len(a.Changes) == 0 {
		return core.MissingField("changes")
	}
	var unknown []string
	for k := range a.Changes {
		if !core.JobFields[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return core.Validation(core.CodeInvalidField, "unknown job fields: %v", unknown)
	}
	cols, err := a.columns()
	if err != nil {
		return err
	}
	start, _ := cols["scheduled_start"].(time.Time)
	end, _ := cols["scheduled_end"].(time.Time)
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return core.Validation(core.CodeInvalidField, "scheduled_end must not be before scheduled_start")
	}
	return nil
}

// columns converts Changes into typed column values: times for the
// schedule columns, a decimal for estimated_hours, strings for the rest.
func (a JobUpdate) columns() (map[string]any, error) {
	keys := make([]string, 0, len(a.Changes))
	for k := range a.Changes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	cols := make(map[string]any, len(keys))
	for _, k := range keys {
		v, err := jobColumn(k, a.Changes[k])
		if err != nil {
			return nil, err
		}
		cols[k] = v
	}
	return cols, nil
}

func jobColumn(col string, v any) (any, error) {
	switch col {
	case "scheduled_start", "scheduled_end":
		switch val := v.(type) {
		case nil:
			return nil, nil
		case time.Time:
			return val.UTC(), nil
		case string:
			t, err := time.Parse(time.RFC3339, val)
			if err != nil {
				return nil, core.Validation(core.CodeInvalidField, "%s must be an RFC3339 timestamp, got %q", col, val)
			}
			return t.UTC(), nil
		}
		return nil, core.Validation(core.CodeInvalidField, "%s must be an RFC3339 timestamp", col)

	case "estimated_hours":
		var d decimal.Decimal
		var err error
		switch val := v.(type) {
		case nil:
			return nil, nil
		case decimal.Decimal:
			d = val
		case json.Number:
			d, err = decimal.NewFromString(val.String())
		case string:
			d, err = decimal.NewFromString(val)
		case float64:
			d = decimal.NewFromFloat(val)
		case int:
			d = decimal.NewFromInt(int64(val))
		default:
			err = fmt.Errorf("unsupported type %T", v)
		}
		if err != nil || d.IsNegative() {
			return nil, core.Validation(core.CodeInvalidField, "estimated_hours must be a non-negative decimal")
		}
		return d, nil

	default:
		s, ok := v.(string)
		if !ok {
			return nil, core.Validation(core.CodeInvalidField, "%s must be a string", col)
		}
		if col == "title" && strings.TrimSpace(s) == "" {
			return nil, core.MissingField("title")
		}
		return s, nil
	}
}

func (a JobUpdate) accept(ctx context.Context, ap Applier) (any, error) {
	return ap.JobUpdate(ctx, a)
}

// =============================================================================
// INVOICE UPDATE
// =============================================================================

// InvoiceUpdate carries a full invoice update body.
type InvoiceUpdate struct {
	InvoiceID string `json:"invoice_id" validate:"required"`
	billing.UpdateInvoiceInput
}

func (InvoiceUpdate) Kind() core.ApprovalAction { return core.ActionInvoiceUpdate }

func (a InvoiceUpdate) Entity() core.EntityRef {
	return core.EntityRef{Table: "invoices", ID: a.InvoiceID}
}

func (a InvoiceUpdate) Validate() error {
	if a.InvoiceID == "" {
		return core.MissingField("invoice_id")
	}
	return billing.ValidateUpdate(a.UpdateInvoiceInput)
}

func (a InvoiceUpdate) accept(ctx context.Context, ap Applier) (any, error) {
	return ap.InvoiceUpdate(ctx, a)
}

// =============================================================================
// DECODING
// =============================================================================

// DecodeAction parses a stored or submitted payload for the given tag.
func DecodeAction(kind core.ApprovalAction, payload json.RawMessage) (Action, error) {
	switch kind {
	case core.ActionEmployeePayChange:
		var a EmployeePayChange
		if err := decodePayload(payload, &a); err != nil {
			return nil, err
		}
		return a, nil
	case core.ActionJobUpdate:
		var a JobUpdate
		if err := decodePayload(payload, &a); err != nil {
			return nil, err
		}
		return a, nil
	case core.ActionInvoiceUpdate:
		var a InvoiceUpdate
		if err := decodePayload(payload, &a); err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, core.UnsupportedAction(string(kind))
	}
}

func decodePayload(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return core.MissingField("payload")
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	// Keep job values like estimated_hours exact.
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return core.Validation(core.CodeInvalidField, "invalid payload: %v", err)
	}
	return nil
}

func encodeAction(a Action) (json.RawMessage, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", a.Kind(), err)
	}
	return b, nil
}
