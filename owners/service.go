/*
service.go - Owner-change workflow (add and remove company owners)

PURPOSE:
  Ownership changes need sign-off from the other owners. Removals also
  wait out a cooldown after approval and are executed by an explicit
  finalize call, so a removed owner always has a window to react.

STATE MACHINE:
  pending ──▶ approved ──▶ executed
     ├──────▶ rejected       (any rejection)
     └──────▶ cancelled      (creator only)

  Additions skip the wait: once approved they execute in the same call.

QUORUM:
  required = ceil((owners − 1) / 2), 0 for a sole owner

  ┌─────────┬──────────┐
  │ Owners  │ Required │
  ├─────────┼──────────┤
  │ 1       │ 0        │
  │ 2, 3    │ 1        │
  │ 4, 5    │ 2        │
  └─────────┴──────────┘

  Only approvals from owners other than the creator count. The creator
  may vote only on a request that targets themselves. Removing someone
  other than the creator also needs the target's own approval.

LAST OWNER:
  A company never drops to zero owners. Checked when a removal is
  requested and again when it is finalized.
*/
package owners

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/core"
)

// DefaultRemovalCooldown is how long an approved removal waits before it
// can be finalized.
const DefaultRemovalCooldown = 24 * time.Hour

type Service struct {
	Store           core.TxStore
	RemovalCooldown time.Duration
	Now             core.Clock
	Logger          zerolog.Logger
}

func NewService(store core.TxStore, logger zerolog.Logger) *Service {
	return &Service{
		Store:           store,
		RemovalCooldown: DefaultRemovalCooldown,
		Now:             core.SystemClock,
		Logger:          logger.With().Str("component", "owners").Logger(),
	}
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return core.SystemClock()
	}
	return s.Now()
}

// RequiredApprovals is ceil((ownerCount-1)/2).
func RequiredApprovals(ownerCount int) int {
	if ownerCount <= 1 {
		return 0
	}
	return ownerCount / 2
}

type CreateInput struct {
	Action              core.OwnerChangeAction `json:"action" validate:"required,oneof=add_owner remove_owner"`
	TargetProfileID     string                 `json:"target_profile_id" validate:"required"`
	OwnershipPercentage *decimal.Decimal       `json:"ownership_percentage,omitempty"`
}

// =============================================================================
// CREATE
// =============================================================================

// Create opens an owner-change request. With a sole owner an addition is
// approved and executed immediately.
func (s *Service) Create(ctx context.Context, companyID, actorID string, in CreateInput) (*core.OwnerChangeRequest, error) {
	if err := core.ValidateStruct(in); err != nil {
		return nil, err
	}
	if p := in.OwnershipPercentage; p != nil && (p.IsNegative() || p.GreaterThan(decimal.NewFromInt(100))) {
		return nil, core.Validation(core.CodeInvalidField, "ownership_percentage must be between 0 and 100")
	}

	var req core.OwnerChangeRequest
	err := s.Store.WithTx(ctx, func(tx core.Store) error {
		ok, err := tx.IsOwner(ctx, companyID, actorID)
		if err != nil {
			return err
		}
		if !ok {
			return core.Forbidden(core.CodeNotOwner, "only company owners can request ownership changes")
		}

		profile, err := tx.GetProfile(ctx, in.TargetProfileID)
		if err != nil {
			return err
		}
		if profile == nil {
			return core.NotFound("profile", in.TargetProfileID)
		}

		targetIsOwner, err := tx.IsOwner(ctx, companyID, in.TargetProfileID)
		if err != nil {
			return err
		}
		owners, err := tx.CountOwners(ctx, companyID)
		if err != nil {
			return err
		}

		switch in.Action {
		case core.OwnerAdd:
			if targetIsOwner {
				return core.Conflict(core.CodeAlreadyOwner, "profile %s is already an owner", in.TargetProfileID)
			}
		case core.OwnerRemove:
			if !targetIsOwner {
				return core.Validation(core.CodeNotOwner, "profile %s is not an owner", in.TargetProfileID)
			}
			if owners <= 1 {
				return core.Validation(core.CodeCannotRemoveLastOwner, "cannot remove the last owner")
			}
		}

		open, err := tx.FindOpenOwnerChange(ctx, companyID, in.TargetProfileID)
		if err != nil {
			return err
		}
		if open != nil {
			return core.Conflict(core.CodeDuplicatePending,
				"profile %s already has an open ownership change (request %s)", in.TargetProfileID, open.ID)
		}

		now := s.now()
		req = core.OwnerChangeRequest{
			ID:                  core.NewID(),
			CompanyID:           companyID,
			Action:              in.Action,
			TargetProfileID:     in.TargetProfileID,
			OwnershipPercentage: in.OwnershipPercentage,
			CreatedBy:           actorID,
			Status:              core.OwnerChangePending,
			RequiredApprovals:   RequiredApprovals(owners),
			CooldownHours:       s.cooldownHours(in.Action),
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if err := tx.InsertOwnerChange(ctx, req); err != nil {
			return err
		}
		if req.RequiredApprovals > 0 {
			return nil
		}
		return s.approve(ctx, tx, &req, now)
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info().
		Str("request_id", req.ID).
		Str("company_id", companyID).
		Str("action", string(req.Action)).
		Str("target_profile_id", req.TargetProfileID).
		Int("required_approvals", req.RequiredApprovals).
		Str("status", string(req.Status)).
		Msg("owner change requested")
	return &req, nil
}

func (s *Service) cooldownHours(action core.OwnerChangeAction) int {
	if action != core.OwnerRemove {
		return 0
	}
	if s.RemovalCooldown <= 0 {
		return 0
	}
	// Partial hours round up so the stored wait is never shorter than
	// RemovalCooldown.
	hours := s.RemovalCooldown / time.Hour
	if s.RemovalCooldown%time.Hour != 0 {
		hours++
	}
	return int(hours)
}

// =============================================================================
// DECISIONS
// =============================================================================

func (s *Service) Approve(ctx context.Context, requestID, actorID string) (*core.OwnerChangeRequest, error) {
	return s.decide(ctx, requestID, actorID, core.DecisionApprove)
}

func (s *Service) Reject(ctx context.Context, requestID, actorID string) (*core.OwnerChangeRequest, error) {
	return s.decide(ctx, requestID, actorID, core.DecisionReject)
}

func (s *Service) decide(ctx context.Context, requestID, actorID string, decision core.Decision) (*core.OwnerChangeRequest, error) {
	var req *core.OwnerChangeRequest
	err := s.Store.WithTx(ctx, func(tx core.Store) error {
		var err error
		req, err = loadForAction(ctx, tx, requestID, actorID)
		if err != nil {
			return err
		}
		if actorID == req.CreatedBy && actorID != req.TargetProfileID {
			if decision == core.DecisionReject {
				return core.Forbidden(core.CodeCannotRejectOwnRequest, "creators cannot reject their own request")
			}
			return core.Forbidden(core.CodeCannotApproveOwnRequest, "creators cannot approve their own request")
		}
		if req.Status != core.OwnerChangePending {
			return nil
		}

		now := s.now()
		err = tx.InsertOwnerChangeApproval(ctx, core.OwnerChangeApproval{
			ID:         core.NewID(),
			RequestID:  requestID,
			ApproverID: actorID,
			Decision:   decision,
			CreatedAt:  now,
		})
		if errors.Is(err, core.ErrDuplicateDecision) {
			return nil
		}
		if err != nil {
			return err
		}

		votes, err := tx.ListOwnerChangeApprovals(ctx, requestID)
		if err != nil {
			return err
		}
		for _, v := range votes {
			if v.Decision == core.DecisionReject {
				req.Status = core.OwnerChangeRejected
				req.RejectedAt = &now
				return s.save(ctx, tx, req, now)
			}
		}
		if !quorumReached(req, votes) {
			return nil
		}
		return s.approve(ctx, tx, req, now)
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info().
		Str("request_id", requestID).
		Str("actor_id", actorID).
		Str("decision", string(decision)).
		Str("status", string(req.Status)).
		Msg("owner change decision recorded")
	return req, nil
}

// quorumReached reports whether votes approve req. Any rejection fails it.
func quorumReached(req *core.OwnerChangeRequest, votes []core.OwnerChangeApproval) bool {
	approvals := 0
	targetApproved := false
	for _, v := range votes {
		if v.Decision == core.DecisionReject {
			return false
		}
		if v.ApproverID == req.TargetProfileID {
			targetApproved = true
		}
		if v.ApproverID != req.CreatedBy {
			approvals++
		}
	}
	if targetApprovalRequired(req) && !targetApproved {
		return false
	}
	return approvals >= req.RequiredApprovals
}

// targetApprovalRequired: an owner cannot be removed without their own
// sign-off unless they asked for it.
func targetApprovalRequired(req *core.OwnerChangeRequest) bool {
	return req.Action == core.OwnerRemove && req.TargetProfileID != req.CreatedBy
}

// approve moves req to approved and executes additions straight away.
func (s *Service) approve(ctx context.Context, tx core.Store, req *core.OwnerChangeRequest, now time.Time) error {
	effective := now.Add(time.Duration(req.CooldownHours) * time.Hour)
	req.Status = core.OwnerChangeApproved
	req.ApprovedAt = &now
	req.EffectiveAt = &effective

	if req.Action == core.OwnerAdd {
		if err := s.execute(ctx, tx, req, now); err != nil {
			return err
		}
	}
	return s.save(ctx, tx, req, now)
}

// Cancel withdraws a pending request. Only its creator may cancel it.
func (s *Service) Cancel(ctx context.Context, requestID, actorID string) (*core.OwnerChangeRequest, error) {
	var req *core.OwnerChangeRequest
	err := s.Store.WithTx(ctx, func(tx core.Store) error {
		var err error
		req, err = loadForAction(ctx, tx, requestID, actorID)
		if err != nil {
			return err
		}
		if actorID != req.CreatedBy {
			return core.Forbidden(core.CodeNotRequester, "only the creator can cancel an ownership change")
		}
		if req.Status != core.OwnerChangePending {
			return nil
		}
		now := s.now()
		req.Status = core.OwnerChangeCancelled
		req.CancelledAt = &now
		return s.save(ctx, tx, req, now)
	})
	if err != nil {
		return nil, err
	}
	s.Logger.Info().Str("request_id", requestID).Str("status", string(req.Status)).Msg("owner change cancelled")
	return req, nil
}

// =============================================================================
// FINALIZE
// =============================================================================

// Finalize executes an approved removal once its cooldown has passed.
func (s *Service) Finalize(ctx context.Context, requestID, actorID string) (*core.OwnerChangeRequest, error) {
	var req *core.OwnerChangeRequest
	err := s.Store.WithTx(ctx, func(tx core.Store) error {
		var err error
		req, err = loadForAction(ctx, tx, requestID, actorID)
		if err != nil {
			return err
		}
		if req.Status != core.OwnerChangeApproved {
			return nil
		}
		now := s.now()
		if req.EffectiveAt != nil && now.Before(*req.EffectiveAt) {
			return &core.CooldownNotElapsedError{RequestID: req.ID, EffectiveAt: *req.EffectiveAt}
		}
		if err := s.execute(ctx, tx, req, now); err != nil {
			return err
		}
		return s.save(ctx, tx, req, now)
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info().
		Str("request_id", requestID).
		Str("actor_id", actorID).
		Str("target_profile_id", req.TargetProfileID).
		Str("status", string(req.Status)).
		Msg("owner change finalized")
	return req, nil
}

// execute applies the ownership change and marks req executed. The caller
// saves req.
func (s *Service) execute(ctx context.Context, tx core.Store, req *core.OwnerChangeRequest, now time.Time) error {
	switch req.Action {
	case core.OwnerAdd:
		err := tx.AddOwner(ctx, core.CompanyOwner{
			CompanyID:           req.CompanyID,
			ProfileID:           req.TargetProfileID,
			OwnershipPercentage: req.OwnershipPercentage,
			CreatedAt:           now,
		})
		if err != nil {
			return err
		}
	case core.OwnerRemove:
		owners, err := tx.CountOwners(ctx, req.CompanyID)
		if err != nil {
			return err
		}
		if owners <= 1 {
			return core.IllegalState(core.CodeCannotRemoveLastOwner, "cannot remove the last owner")
		}
		removed, err := tx.RemoveOwner(ctx, req.CompanyID, req.TargetProfileID)
		if err != nil {
			return err
		}
		if !removed {
			return core.IllegalState(core.CodeNotOwner, "profile %s is no longer an owner", req.TargetProfileID)
		}
	default:
		return core.UnsupportedAction(string(req.Action))
	}
	req.Status = core.OwnerChangeExecuted
	req.ExecutedAt = &now
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (s *Service) Get(ctx context.Context, requestID, actorID string) (*core.OwnerChangeRequest, error) {
	return loadForOwner(ctx, s.Store, requestID, actorID)
}

func (s *Service) List(ctx context.Context, companyID, actorID string) ([]core.OwnerChangeRequest, error) {
	if err := s.requireOwner(ctx, companyID, actorID); err != nil {
		return nil, err
	}
	return s.Store.ListOwnerChanges(ctx, companyID)
}

func (s *Service) Votes(ctx context.Context, requestID, actorID string) ([]core.OwnerChangeApproval, error) {
	if _, err := loadForOwner(ctx, s.Store, requestID, actorID); err != nil {
		return nil, err
	}
	return s.Store.ListOwnerChangeApprovals(ctx, requestID)
}

// Owners lists a company's current owners.
func (s *Service) Owners(ctx context.Context, companyID, actorID string) ([]core.CompanyOwner, error) {
	if err := s.requireOwner(ctx, companyID, actorID); err != nil {
		return nil, err
	}
	return s.Store.ListOwners(ctx, companyID)
}

func (s *Service) requireOwner(ctx context.Context, companyID, actorID string) error {
	ok, err := s.Store.IsOwner(ctx, companyID, actorID)
	if err != nil {
		return err
	}
	if !ok {
		return core.NotFound("company", companyID)
	}
	return nil
}

// loadForAction loads a request for a vote, cancel or finalize. Callers
// who do not own the company get Forbidden.
func loadForAction(ctx context.Context, store core.Store, requestID, actorID string) (*core.OwnerChangeRequest, error) {
	req, err := store.GetOwnerChange(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, core.NotFound("owner change request", requestID)
	}
	ok, err := store.IsOwner(ctx, req.CompanyID, actorID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, core.Forbidden(core.CodeNotOwner, "profile %s is not an owner of company %s", actorID, req.CompanyID)
	}
	return req, nil
}

func loadForOwner(ctx context.Context, store core.Store, requestID, actorID string) (*core.OwnerChangeRequest, error) {
	req, err := store.GetOwnerChange(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, core.NotFound("owner change request", requestID)
	}
	ok, err := store.IsOwner(ctx, req.CompanyID, actorID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, core.NotFound("owner change request", requestID)
	}
	return req, nil
}

func (s *Service) save(ctx context.Context, tx core.Store, req *core.OwnerChangeRequest, now time.Time) error {
	req.UpdatedAt = now
	if err := tx.UpdateOwnerChange(ctx, *req, req.Version); err != nil {
		return err
	}
	req.Version++
	return nil
}
