package owners_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/core"
	"github.com/warp/billing-engine/owners"
	"github.com/warp/billing-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const companyID = "co-1"

var t0 = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc   *owners.Service
	store *sqlite.Store
	clock time.Time
}

// newTestOwners seeds a company owned by ownerIDs and a non-owner profile
// "prof-new".
func newTestOwners(t *testing.T, ownerIDs ...string) *fixture {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	require.NoError(t, store.SaveCompany(ctx, core.Company{ID: companyID, Name: "Acme Plumbing", CreatedAt: t0}))
	require.NoError(t, store.SaveProfile(ctx, core.Profile{ID: "prof-new", FullName: "New Partner", CreatedAt: t0}))
	for i, id := range ownerIDs {
		require.NoError(t, store.SaveProfile(ctx, core.Profile{ID: id, FullName: id, CreatedAt: t0}))
		require.NoError(t, store.AddOwner(ctx, core.CompanyOwner{
			CompanyID: companyID, ProfileID: id, IsPrimaryOwner: i == 0, CreatedAt: t0,
		}))
	}

	f := &fixture{store: store, clock: t0}
	f.svc = owners.NewService(store, zerolog.Nop())
	f.svc.Now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) isOwner(t *testing.T, profileID string) bool {
	t.Helper()
	ok, err := f.store.IsOwner(context.Background(), companyID, profileID)
	require.NoError(t, err)
	return ok
}

func remove(target string) owners.CreateInput {
	return owners.CreateInput{Action: core.OwnerRemove, TargetProfileID: target}
}

func add(target string) owners.CreateInput {
	return owners.CreateInput{Action: core.OwnerAdd, TargetProfileID: target}
}

// =============================================================================
// QUORUM
// =============================================================================

func TestRequiredApprovals(t *testing.T) {
	cases := map[int]int{0: 0, 1: 0, 2: 1, 3: 1, 4: 2, 5: 2, 6: 3}
	for n, want := range cases {
		assert.Equal(t, want, owners.RequiredApprovals(n), "owners=%d", n)
	}
}

// =============================================================================
// REMOVAL WITH COOLDOWN
// =============================================================================

func TestRemoval_NeedsTargetApprovalAndCooldown(t *testing.T) {
	// GIVEN: Owners A, B, C and a request by A to remove B
	f := newTestOwners(t, "prof-a", "prof-b", "prof-c")
	ctx := context.Background()

	req, err := f.svc.Create(ctx, companyID, "prof-a", remove("prof-b"))
	require.NoError(t, err)
	assert.Equal(t, 1, req.RequiredApprovals)
	assert.Equal(t, 24, req.CooldownHours)
	assert.Equal(t, core.OwnerChangePending, req.Status)

	// WHEN: C approves
	req, err = f.svc.Approve(ctx, req.ID, "prof-c")
	require.NoError(t, err)

	// THEN: Still pending, B has not signed off
	assert.Equal(t, core.OwnerChangePending, req.Status)

	// WHEN: B approves
	f.clock = t0.Add(time.Hour)
	req, err = f.svc.Approve(ctx, req.ID, "prof-b")
	require.NoError(t, err)

	// THEN: Approved, effective 24h later, B still an owner
	assert.Equal(t, core.OwnerChangeApproved, req.Status)
	require.NotNil(t, req.EffectiveAt)
	assert.True(t, req.EffectiveAt.Equal(t0.Add(25*time.Hour)))
	assert.True(t, f.isOwner(t, "prof-b"))

	// WHEN: Finalizing before the cooldown
	f.clock = t0.Add(24 * time.Hour)
	_, err = f.svc.Finalize(ctx, req.ID, "prof-a")

	// THEN: Refused
	require.ErrorIs(t, err, core.ErrCooldownNotElapsed)
	require.ErrorIs(t, err, core.ErrIllegalStateTransition)
	var cd *core.CooldownNotElapsedError
	require.ErrorAs(t, err, &cd)
	assert.True(t, cd.EffectiveAt.Equal(t0.Add(25*time.Hour)))
	assert.True(t, f.isOwner(t, "prof-b"))

	// WHEN: Finalizing after it
	f.clock = t0.Add(25 * time.Hour)
	req, err = f.svc.Finalize(ctx, req.ID, "prof-a")

	// THEN: Executed, B is gone
	require.NoError(t, err)
	assert.Equal(t, core.OwnerChangeExecuted, req.Status)
	assert.NotNil(t, req.ExecutedAt)
	assert.False(t, f.isOwner(t, "prof-b"))

	// AND: Finalizing again is a no-op
	again, err := f.svc.Finalize(ctx, req.ID, "prof-a")
	require.NoError(t, err)
	assert.Equal(t, core.OwnerChangeExecuted, again.Status)
	assert.Equal(t, req.Version, again.Version)
}

func TestRemoval_Self_NoTargetApprovalNeeded(t *testing.T) {
	f := newTestOwners(t, "prof-a", "prof-b", "prof-c")
	ctx := context.Background()
	f.svc.RemovalCooldown = 0

	req, err := f.svc.Create(ctx, companyID, "prof-a", remove("prof-a"))
	require.NoError(t, err)

	// The creator may vote on their own removal, but it does not count
	req, err = f.svc.Approve(ctx, req.ID, "prof-a")
	require.NoError(t, err)
	assert.Equal(t, core.OwnerChangePending, req.Status)

	req, err = f.svc.Approve(ctx, req.ID, "prof-b")
	require.NoError(t, err)
	assert.Equal(t, core.OwnerChangeApproved, req.Status)

	req, err = f.svc.Finalize(ctx, req.ID, "prof-b")
	require.NoError(t, err)
	assert.Equal(t, core.OwnerChangeExecuted, req.Status)
	assert.False(t, f.isOwner(t, "prof-a"))
}

func TestRemoval_PartialHourCooldown_RoundsUp(t *testing.T) {
	tests := []struct {
		cooldown time.Duration
		hours    int
	}{
		{30 * time.Minute, 1},
		{90 * time.Minute, 2},
		{2 * time.Hour, 2},
	}
	for _, tt := range tests {
		t.Run(tt.cooldown.String(), func(t *testing.T) {
			// GIVEN: A removal approved under a cooldown that is not whole hours
			f := newTestOwners(t, "prof-a", "prof-b")
			ctx := context.Background()
			f.svc.RemovalCooldown = tt.cooldown

			req, err := f.svc.Create(ctx, companyID, "prof-a", remove("prof-a"))
			require.NoError(t, err)
			assert.Equal(t, tt.hours, req.CooldownHours)
			req, err = f.svc.Approve(ctx, req.ID, "prof-b")
			require.NoError(t, err)
			require.Equal(t, core.OwnerChangeApproved, req.Status)
			require.NotNil(t, req.EffectiveAt)

			// WHEN: Finalize is attempted once the configured duration has passed
			f.clock = t0.Add(tt.cooldown)
			if tt.cooldown%time.Hour != 0 {
				_, err = f.svc.Finalize(ctx, req.ID, "prof-b")

				// THEN: The stored whole-hour wait still applies
				assert.ErrorIs(t, err, core.ErrCooldownNotElapsed)
				assert.True(t, f.isOwner(t, "prof-a"))
			}

			// AND: It executes at effective_at, never earlier than the configured cooldown
			assert.False(t, req.EffectiveAt.Before(t0.Add(tt.cooldown)))
			f.clock = *req.EffectiveAt
			req, err = f.svc.Finalize(ctx, req.ID, "prof-b")
			require.NoError(t, err)
			assert.Equal(t, core.OwnerChangeExecuted, req.Status)
		})
	}
}

// =============================================================================
// LAST OWNER
// =============================================================================

func TestCreate_RemoveLastOwner_Rejected(t *testing.T) {
	f := newTestOwners(t, "prof-a")

	_, err := f.svc.Create(context.Background(), companyID, "prof-a", remove("prof-a"))

	require.ErrorIs(t, err, core.ErrValidation)
	assert.Equal(t, core.CodeCannotRemoveLastOwner, core.CodeOf(err))
	assert.True(t, f.isOwner(t, "prof-a"))
}

func TestFinalize_RechecksLastOwner(t *testing.T) {
	// GIVEN: Two owners who each approved removing the other
	f := newTestOwners(t, "prof-a", "prof-b")
	ctx := context.Background()

	removeB, err := f.svc.Create(ctx, companyID, "prof-a", remove("prof-b"))
	require.NoError(t, err)
	removeB, err = f.svc.Approve(ctx, removeB.ID, "prof-b")
	require.NoError(t, err)
	require.Equal(t, core.OwnerChangeApproved, removeB.Status)

	removeA, err := f.svc.Create(ctx, companyID, "prof-b", remove("prof-a"))
	require.NoError(t, err)
	removeA, err = f.svc.Approve(ctx, removeA.ID, "prof-a")
	require.NoError(t, err)
	require.Equal(t, core.OwnerChangeApproved, removeA.Status)

	// WHEN: Both are finalized after the cooldown
	f.clock = t0.Add(48 * time.Hour)
	_, err = f.svc.Finalize(ctx, removeB.ID, "prof-a")
	require.NoError(t, err)

	_, err = f.svc.Finalize(ctx, removeA.ID, "prof-a")

	// THEN: The second would leave no owner and is refused
	require.ErrorIs(t, err, core.ErrIllegalStateTransition)
	assert.Equal(t, core.CodeCannotRemoveLastOwner, core.CodeOf(err))
	assert.True(t, f.isOwner(t, "prof-a"))

	still, err := f.svc.Get(ctx, removeA.ID, "prof-a")
	require.NoError(t, err)
	assert.Equal(t, core.OwnerChangeApproved, still.Status)
}

// =============================================================================
// ADDITIONS
// =============================================================================

func TestAdd_SoleOwner_ExecutesImmediately(t *testing.T) {
	f := newTestOwners(t, "prof-a")
	pct := decimal.NewFromInt(25)

	req, err := f.svc.Create(context.Background(), companyID, "prof-a", owners.CreateInput{
		Action: core.OwnerAdd, TargetProfileID: "prof-new", OwnershipPercentage: &pct,
	})

	require.NoError(t, err)
	assert.Equal(t, 0, req.RequiredApprovals)
	assert.Equal(t, core.OwnerChangeExecuted, req.Status)
	assert.True(t, f.isOwner(t, "prof-new"))

	list, err := f.svc.Owners(context.Background(), companyID, "prof-new")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "prof-a", list[0].ProfileID, "primary owner first")
	require.NotNil(t, list[1].OwnershipPercentage)
	assert.True(t, pct.Equal(*list[1].OwnershipPercentage))
}

func TestAdd_ExecutesOnApproval(t *testing.T) {
	f := newTestOwners(t, "prof-a", "prof-b", "prof-c")
	ctx := context.Background()

	req, err := f.svc.Create(ctx, companyID, "prof-a", add("prof-new"))
	require.NoError(t, err)
	assert.False(t, f.isOwner(t, "prof-new"))

	req, err = f.svc.Approve(ctx, req.ID, "prof-c")

	require.NoError(t, err)
	assert.Equal(t, core.OwnerChangeExecuted, req.Status)
	assert.True(t, f.isOwner(t, "prof-new"))
}

func TestCreate_RuleViolations(t *testing.T) {
	f := newTestOwners(t, "prof-a", "prof-b")
	ctx := context.Background()

	t.Run("add existing owner", func(t *testing.T) {
		_, err := f.svc.Create(ctx, companyID, "prof-a", add("prof-b"))
		require.ErrorIs(t, err, core.ErrConflict)
		assert.Equal(t, core.CodeAlreadyOwner, core.CodeOf(err))
	})

	t.Run("remove non-owner", func(t *testing.T) {
		_, err := f.svc.Create(ctx, companyID, "prof-a", remove("prof-new"))
		require.ErrorIs(t, err, core.ErrValidation)
		assert.Equal(t, core.CodeNotOwner, core.CodeOf(err))
	})

	t.Run("unknown profile", func(t *testing.T) {
		_, err := f.svc.Create(ctx, companyID, "prof-a", add("prof-ghost"))
		assert.ErrorIs(t, err, core.ErrNotFoundOrUnauthorized)
	})

	t.Run("non-owner creator", func(t *testing.T) {
		_, err := f.svc.Create(ctx, companyID, "prof-new", add("prof-new"))
		assert.ErrorIs(t, err, core.ErrForbidden)
	})

	t.Run("bad action", func(t *testing.T) {
		_, err := f.svc.Create(ctx, companyID, "prof-a", owners.CreateInput{Action: "promote", TargetProfileID: "prof-b"})
		assert.ErrorIs(t, err, core.ErrValidation)
	})

	t.Run("percentage out of range", func(t *testing.T) {
		pct := decimal.NewFromInt(120)
		_, err := f.svc.Create(ctx, companyID, "prof-a", owners.CreateInput{
			Action: core.OwnerAdd, TargetProfileID: "prof-new", OwnershipPercentage: &pct,
		})
		assert.ErrorIs(t, err, core.ErrValidation)
	})

	t.Run("duplicate open request", func(t *testing.T) {
		_, err := f.svc.Create(ctx, companyID, "prof-a", add("prof-new"))
		require.NoError(t, err)
		_, err = f.svc.Create(ctx, companyID, "prof-b", add("prof-new"))
		require.ErrorIs(t, err, core.ErrConflict)
		assert.Equal(t, core.CodeDuplicatePending, core.CodeOf(err))
	})
}

// =============================================================================
// DECISIONS
// =============================================================================

func TestApprove_CreatorForbidden(t *testing.T) {
	f := newTestOwners(t, "prof-a", "prof-b", "prof-c")
	ctx := context.Background()
	req, err := f.svc.Create(ctx, companyID, "prof-a", add("prof-new"))
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, req.ID, "prof-a")
	require.ErrorIs(t, err, core.ErrForbidden)

	_, err = f.svc.Reject(ctx, req.ID, "prof-a")
	assert.ErrorIs(t, err, core.ErrForbidden)
}

func TestApprove_DuplicateVote_IsNoOp(t *testing.T) {
	// GIVEN: Five owners, so two approvals are needed
	f := newTestOwners(t, "prof-a", "prof-b", "prof-c", "prof-d", "prof-e")
	ctx := context.Background()
	req, err := f.svc.Create(ctx, companyID, "prof-a", add("prof-new"))
	require.NoError(t, err)
	require.Equal(t, 2, req.RequiredApprovals)

	// WHEN: B approves twice
	_, err = f.svc.Approve(ctx, req.ID, "prof-b")
	require.NoError(t, err)
	req, err = f.svc.Approve(ctx, req.ID, "prof-b")
	require.NoError(t, err)

	// THEN: One vote, still pending
	assert.Equal(t, core.OwnerChangePending, req.Status)
	votes, err := f.svc.Votes(ctx, req.ID, "prof-a")
	require.NoError(t, err)
	assert.Len(t, votes, 1)

	// AND: A second distinct approver completes it
	req, err = f.svc.Approve(ctx, req.ID, "prof-c")
	require.NoError(t, err)
	assert.Equal(t, core.OwnerChangeExecuted, req.Status)
}

func TestReject_AnyRejectionEnds(t *testing.T) {
	f := newTestOwners(t, "prof-a", "prof-b", "prof-c")
	ctx := context.Background()
	req, err := f.svc.Create(ctx, companyID, "prof-a", remove("prof-b"))
	require.NoError(t, err)

	req, err = f.svc.Reject(ctx, req.ID, "prof-b")
	require.NoError(t, err)
	assert.Equal(t, core.OwnerChangeRejected, req.Status)
	assert.NotNil(t, req.RejectedAt)

	req, err = f.svc.Approve(ctx, req.ID, "prof-c")
	require.NoError(t, err)
	assert.Equal(t, core.OwnerChangeRejected, req.Status)
	assert.True(t, f.isOwner(t, "prof-b"))
}

func TestCancel_CreatorOnly(t *testing.T) {
	f := newTestOwners(t, "prof-a", "prof-b")
	ctx := context.Background()
	req, err := f.svc.Create(ctx, companyID, "prof-a", add("prof-new"))
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, req.ID, "prof-b")
	require.ErrorIs(t, err, core.ErrForbidden)

	req, err = f.svc.Cancel(ctx, req.ID, "prof-a")
	require.NoError(t, err)
	assert.Equal(t, core.OwnerChangeCancelled, req.Status)

	// Finalize on a cancelled request does nothing
	req, err = f.svc.Finalize(ctx, req.ID, "prof-b")
	require.NoError(t, err)
	assert.Equal(t, core.OwnerChangeCancelled, req.Status)
}

func TestActions_NonOwner_Forbidden(t *testing.T) {
	// GIVEN: A pending removal, and prof-new who owns nothing
	f := newTestOwners(t, "prof-a", "prof-b", "prof-c")
	ctx := context.Background()
	req, err := f.svc.Create(ctx, companyID, "prof-a", remove("prof-c"))
	require.NoError(t, err)

	// WHEN/THEN: Votes, cancel and finalize from prof-new are Forbidden
	_, err = f.svc.Approve(ctx, req.ID, "prof-new")
	assert.ErrorIs(t, err, core.ErrForbidden)
	assert.Equal(t, core.CodeNotOwner, core.CodeOf(err))
	_, err = f.svc.Reject(ctx, req.ID, "prof-new")
	assert.ErrorIs(t, err, core.ErrForbidden)
	_, err = f.svc.Cancel(ctx, req.ID, "prof-new")
	assert.ErrorIs(t, err, core.ErrForbidden)
	_, err = f.svc.Finalize(ctx, req.ID, "prof-new")
	assert.ErrorIs(t, err, core.ErrForbidden)

	got, err := f.svc.Get(ctx, req.ID, "prof-a")
	require.NoError(t, err)
	assert.Equal(t, core.OwnerChangePending, got.Status)
}

func TestQueries_HiddenFromNonOwners(t *testing.T) {
	f := newTestOwners(t, "prof-a", "prof-b")
	ctx := context.Background()
	req, err := f.svc.Create(ctx, companyID, "prof-a", add("prof-new"))
	require.NoError(t, err)

	_, err = f.svc.Get(ctx, req.ID, "prof-new")
	assert.ErrorIs(t, err, core.ErrNotFoundOrUnauthorized)
	_, err = f.svc.List(ctx, companyID, "prof-new")
	assert.ErrorIs(t, err, core.ErrNotFoundOrUnauthorized)
	_, err = f.svc.Owners(ctx, companyID, "prof-new")
	assert.ErrorIs(t, err, core.ErrNotFoundOrUnauthorized)

	list, err := f.svc.List(ctx, companyID, "prof-b")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
