/*
Package core provides the domain types, error taxonomy and storage contracts
shared by the billing ledger and the governance workflows.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: decimal.Decimal everywhere, rounded to cents only at the edges
  - IDs: opaque strings, UUIDv4 when generated here
  - Clock: injectable time source so cooldowns are testable
  - Companies, profiles, owners, employees and jobs

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal, never float64, for amounts and rates
  2. Company scoping: every mutable entity carries its CompanyID
  3. Forward-only state: requests never return to pending

SEE ALSO:
  - invoice.go: Invoice, lines, payments, applications, audit
  - governance.go: Approval and owner-change requests
  - store.go: Persistence interfaces
*/
package core

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// MoneyPlaces is the number of decimal places money is rounded to.
const MoneyPlaces = 2

// RoundMoney rounds half away from zero to cents.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

// MustParseDecimal parses s or returns zero. Used when scanning values the
// store itself wrote.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// IDS & CLOCK
// =============================================================================

// NewID returns a random identifier for a new row.
func NewID() string {
	return uuid.NewString()
}

// Clock returns the current time. Services default to SystemClock.
type Clock func() time.Time

func SystemClock() time.Time {
	return time.Now().UTC()
}

// =============================================================================
// COMPANY, PROFILE, OWNERSHIP
// =============================================================================

type Company struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Profile is an authenticated person. Authentication happens upstream; this
// package only sees profile ids.
type Profile struct {
	ID        string
	FullName  string
	Email     string
	CreatedAt time.Time
}

// CompanyOwner links a profile to a company it owns. A company always keeps
// at least one owner.
type CompanyOwner struct {
	CompanyID           string
	ProfileID           string
	IsPrimaryOwner      bool
	OwnershipPercentage *decimal.Decimal
	CreatedAt           time.Time
}

// =============================================================================
// EMPLOYEES & JOBS - Targets of approval actions
// =============================================================================

type Employee struct {
	ID         string
	CompanyID  string
	ProfileID  string
	Name       string
	HourlyRate decimal.Decimal
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Job struct {
	ID             string
	CompanyID      string
	Title          string
	Description    string
	Status         string
	Address        string
	Notes          string
	ScheduledStart *time.Time
	ScheduledEnd   *time.Time
	EstimatedHours *decimal.Decimal
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// JobFields lists the job columns an approved job_update may overwrite.
var JobFields = map[string]bool{
	"title":           true,
	"description":     true,
	"status":          true,
	"address":         true,
	"notes":           true,
	"scheduled_start": true,
	"scheduled_end":   true,
	"estimated_hours": true,
}
