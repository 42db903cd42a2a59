/*
service.go - Approval request state machine

PURPOSE:
  Sensitive mutations (pay rates, job edits, invoice rewrites) are parked
  as requests until another owner signs off. A sole owner's requests are
  applied immediately.

STATE MACHINE:
  pending ──▶ approved ──▶ applied
     │            └──────▶ failed
     ├──────▶ rejected
     └──────▶ cancelled

  approve/reject/cancel on a request that is no longer pending return it
  unchanged.

TRANSACTIONS:
  1. The decision and the move to approved commit together.
  2. The mutation and the move to applied commit together.
  3. If step 2 fails it is rolled back and a separate transaction records
     failed with the reason.

  A crash between 1 and 2 leaves the request approved with nothing
  applied. Resume re-runs step 2 for such requests.

QUORUM:
  required approvals = 0 when the company has at most one owner, else 1.
  The requester never counts toward it. Any rejection ends the request.
*/
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/core"
)

type Service struct {
	Store   core.TxStore
	Billing *billing.Service
	Now     core.Clock
	Logger  zerolog.Logger
}

func NewService(store core.TxStore, billingSvc *billing.Service, logger zerolog.Logger) *Service {
	return &Service{
		Store:   store,
		Billing: billingSvc,
		Now:     core.SystemClock,
		Logger:  logger.With().Str("component", "approval").Logger(),
	}
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return core.SystemClock()
	}
	return s.Now()
}

// RequiredApprovals is the quorum for a company with ownerCount owners.
func RequiredApprovals(ownerCount int) int {
	if ownerCount <= 1 {
		return 0
	}
	return 1
}

// =============================================================================
// CREATE
// =============================================================================

// Create parks action for approval, or applies it at once when the
// company has a single owner.
func (s *Service) Create(ctx context.Context, companyID, actorID string, action Action) (*core.ApprovalRequest, error) {
	if action == nil {
		return nil, core.MissingField("action")
	}
	if err := action.Validate(); err != nil {
		return nil, err
	}
	payload, err := encodeAction(action)
	if err != nil {
		return nil, err
	}

	var req core.ApprovalRequest
	err = s.Store.WithTx(ctx, func(tx core.Store) error {
		if err := requireOwner(ctx, tx, companyID, actorID); err != nil {
			return err
		}

		label, err := action.accept(ctx, &preflight{tx: tx, companyID: companyID})
		if err != nil {
			return err
		}
		entity := action.Entity()
		entity.Label, _ = label.(string)

		existing, err := tx.FindPendingApproval(ctx, companyID, action.Kind(), entity.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return core.Conflict(core.CodeDuplicatePending,
				"%s for %s %s is already awaiting approval (request %s)", action.Kind(), entity.Table, entity.ID, existing.ID)
		}

		owners, err := tx.CountOwners(ctx, companyID)
		if err != nil {
			return err
		}

		now := s.now()
		req = core.ApprovalRequest{
			ID:                core.NewID(),
			CompanyID:         companyID,
			Action:            action.Kind(),
			Entity:            entity,
			Payload:           payload,
			Status:            core.ApprovalPending,
			RequiredApprovals: RequiredApprovals(owners),
			RequestedBy:       actorID,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if req.RequiredApprovals == 0 {
			req.Status = core.ApprovalApproved
			req.ApprovedAt = &now
		}
		return tx.InsertApprovalRequest(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info().
		Str("request_id", req.ID).
		Str("company_id", companyID).
		Str("action", string(req.Action)).
		Str("entity_id", req.Entity.ID).
		Int("required_approvals", req.RequiredApprovals).
		Msg("approval request created")

	if req.Status == core.ApprovalApproved {
		return s.apply(ctx, req.ID)
	}
	return &req, nil
}

// =============================================================================
// DECISIONS
// =============================================================================

// Approve records actorID's approval and applies the request once quorum
// is reached.
func (s *Service) Approve(ctx context.Context, requestID, actorID, comment string) (*core.ApprovalRequest, error) {
	req, err := s.decide(ctx, requestID, actorID, core.DecisionApprove, comment)
	if err != nil {
		return nil, err
	}
	if req.Status == core.ApprovalApproved {
		return s.apply(ctx, req.ID)
	}
	return req, nil
}

// Reject records actorID's rejection. One rejection ends the request.
func (s *Service) Reject(ctx context.Context, requestID, actorID, comment string) (*core.ApprovalRequest, error) {
	return s.decide(ctx, requestID, actorID, core.DecisionReject, comment)
}

func (s *Service) decide(ctx context.Context, requestID, actorID string, decision core.Decision, comment string) (*core.ApprovalRequest, error) {
	var req *core.ApprovalRequest
	err := s.Store.WithTx(ctx, func(tx core.Store) error {
		var err error
		req, err = loadForAction(ctx, tx, requestID, actorID)
		if err != nil {
			return err
		}
		if actorID == req.RequestedBy {
			if decision == core.DecisionReject {
				return core.Forbidden(core.CodeCannotRejectOwnRequest, "requesters cannot reject their own request")
			}
			return core.Forbidden(core.CodeCannotApproveOwnRequest, "requesters cannot approve their own request")
		}
		if req.Status != core.ApprovalPending {
			return nil
		}

		err = tx.InsertApprovalDecision(ctx, core.ApprovalDecision{
			ID:         core.NewID(),
			RequestID:  requestID,
			ApproverID: actorID,
			Decision:   decision,
			Comment:    comment,
			CreatedAt:  s.now(),
		})
		if errors.Is(err, core.ErrDuplicateDecision) {
			return nil
		}
		if err != nil {
			return err
		}

		decisions, err := tx.ListApprovalDecisions(ctx, requestID)
		if err != nil {
			return err
		}
		votes := make([]core.Decision, 0, len(decisions))
		for _, d := range decisions {
			votes = append(votes, d.Decision)
		}
		counts := core.CountDecisions(votes)

		now := s.now()
		switch {
		case counts.Rejections > 0:
			req.Status = core.ApprovalRejected
			req.RejectedAt = &now
		case counts.Approvals >= req.RequiredApprovals:
			req.Status = core.ApprovalApproved
			req.ApprovedAt = &now
		default:
			return nil
		}
		return s.save(ctx, tx, req, now)
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info().
		Str("request_id", requestID).
		Str("actor_id", actorID).
		Str("decision", string(decision)).
		Str("status", string(req.Status)).
		Msg("approval decision recorded")
	return req, nil
}

// Cancel withdraws a pending request. Only its requester may cancel it.
func (s *Service) Cancel(ctx context.Context, requestID, actorID string) (*core.ApprovalRequest, error) {
	var req *core.ApprovalRequest
	err := s.Store.WithTx(ctx, func(tx core.Store) error {
		var err error
		req, err = loadForAction(ctx, tx, requestID, actorID)
		if err != nil {
			return err
		}
		if actorID != req.RequestedBy {
			return core.Forbidden(core.CodeNotRequester, "only the requester can cancel a request")
		}
		if req.Status != core.ApprovalPending {
			return nil
		}
		now := s.now()
		req.Status = core.ApprovalCancelled
		req.CancelledAt = &now
		return s.save(ctx, tx, req, now)
	})
	if err != nil {
		return nil, err
	}
	s.Logger.Info().Str("request_id", requestID).Str("status", string(req.Status)).Msg("approval request cancelled")
	return req, nil
}

// Resume re-runs the apply step for a request left in approved, e.g.
// after a crash between approval and apply.
func (s *Service) Resume(ctx context.Context, requestID, actorID string) (*core.ApprovalRequest, error) {
	req, err := loadForAction(ctx, s.Store, requestID, actorID)
	if err != nil {
		return nil, err
	}
	if req.Status != core.ApprovalApproved {
		return req, nil
	}
	s.Logger.Warn().Str("request_id", requestID).Str("actor_id", actorID).Msg("resuming approved request")
	return s.apply(ctx, requestID)
}

// =============================================================================
// APPLY
// =============================================================================

// apply runs an approved request's mutation. A failed mutation leaves the
// request failed and is not returned as an error.
func (s *Service) apply(ctx context.Context, requestID string) (*core.ApprovalRequest, error) {
	var req *core.ApprovalRequest
	applyErr := s.Store.WithTx(ctx, func(tx core.Store) error {
		var err error
		req, err = tx.GetApprovalRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if req == nil {
			return core.NotFound("approval request", requestID)
		}
		if req.Status != core.ApprovalApproved {
			return nil
		}

		action, err := DecodeAction(req.Action, req.Payload)
		if err != nil {
			return err
		}
		result, err := action.accept(ctx, &storeApplier{tx: tx, billing: s.Billing, req: req})
		if err != nil {
			return err
		}
		encoded, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to encode apply result: %w", err)
		}

		now := s.now()
		req.Status = core.ApprovalApplied
		req.AppliedAt = &now
		req.ApplyResult = encoded
		return s.save(ctx, tx, req, now)
	})
	if applyErr == nil {
		s.Logger.Info().Str("request_id", requestID).Str("action", string(req.Action)).Msg("approval request applied")
		return req, nil
	}
	// Nothing was attempted; the request is not ours to fail.
	if req == nil || errors.Is(applyErr, core.ErrConcurrentModification) {
		return nil, applyErr
	}

	s.Logger.Warn().Err(applyErr).Str("request_id", requestID).Msg("approval request failed to apply")
	return s.markFailed(ctx, requestID, applyErr)
}

func (s *Service) markFailed(ctx context.Context, requestID string, cause error) (*core.ApprovalRequest, error) {
	var req *core.ApprovalRequest
	err := s.Store.WithTx(ctx, func(tx core.Store) error {
		var err error
		req, err = tx.GetApprovalRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if req == nil {
			return core.NotFound("approval request", requestID)
		}
		if req.Status != core.ApprovalApproved {
			return nil
		}
		now := s.now()
		req.Status = core.ApprovalFailed
		req.FailedAt = &now
		req.FailureReason = cause.Error()
		return s.save(ctx, tx, req, now)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record apply failure for %s: %w", requestID, err)
	}
	return req, nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (s *Service) Get(ctx context.Context, requestID, actorID string) (*core.ApprovalRequest, error) {
	return loadForOwner(ctx, s.Store, requestID, actorID)
}

// List returns a company's requests, newest first. An empty status lists
// all of them.
func (s *Service) List(ctx context.Context, companyID, actorID string, status core.ApprovalStatus) ([]core.ApprovalRequest, error) {
	ok, err := s.Store.IsOwner(ctx, companyID, actorID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, core.NotFound("company", companyID)
	}
	return s.Store.ListApprovalRequests(ctx, companyID, status)
}

func (s *Service) Decisions(ctx context.Context, requestID, actorID string) ([]core.ApprovalDecision, error) {
	if _, err := loadForOwner(ctx, s.Store, requestID, actorID); err != nil {
		return nil, err
	}
	return s.Store.ListApprovalDecisions(ctx, requestID)
}

// =============================================================================
// HELPERS
// =============================================================================

// loadForOwner hides requests from callers who do not own the company.
func loadForOwner(ctx context.Context, store core.Store, requestID, actorID string) (*core.ApprovalRequest, error) {
	req, err := store.GetApprovalRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, core.NotFound("approval request", requestID)
	}
	ok, err := store.IsOwner(ctx, req.CompanyID, actorID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, core.NotFound("approval request", requestID)
	}
	return req, nil
}

// loadForAction loads a request that actorID wants to act on. Unlike
// loadForOwner, a caller who is not an owner of the request's company is
// refused with Forbidden.
func loadForAction(ctx context.Context, store core.Store, requestID, actorID string) (*core.ApprovalRequest, error) {
	req, err := store.GetApprovalRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, core.NotFound("approval request", requestID)
	}
	if err := requireOwner(ctx, store, req.CompanyID, actorID); err != nil {
		return nil, err
	}
	return req, nil
}

func requireOwner(ctx context.Context, store core.Store, companyID, actorID string) error {
	ok, err := store.IsOwner(ctx, companyID, actorID)
	if err != nil {
		return err
	}
	if !ok {
		return core.Forbidden(core.CodeNotOwner, "profile %s is not an owner of company %s", actorID, companyID)
	}
	return nil
}

func (s *Service) save(ctx context.Context, tx core.Store, req *core.ApprovalRequest, now time.Time) error {
	req.UpdatedAt = now
	if err := tx.UpdateApprovalRequest(ctx, *req, req.Version); err != nil {
		return err
	}
	req.Version++
	return nil
}
