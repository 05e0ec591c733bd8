package rules_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian/sales-engine/contract"
	"github.com/meridian/sales-engine/rules"
	"github.com/meridian/sales-engine/store/memory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newResolver(t *testing.T) (*rules.Resolver, *memory.Store) {
	t.Helper()
	store := memory.New()
	return rules.NewResolver(store.Rules(), nil), store
}

func version(id string, from contract.Date) *rules.Version {
	return &rules.Version{
		ID:            id,
		EffectiveFrom: from,
		MonthlyGoal:   decimal.NewFromInt(200000),
		WorkingDays:   21,
	}
}

// =============================================================================
// RESOLUTION
// =============================================================================

func TestResolver_ForDate_PicksLatestEffective(t *testing.T) {
	// GIVEN: three versions effective through 2025
	r, _ := newResolver(t)
	ctx := context.Background()

	v1 := version("2025-baseline", contract.NewDate(2025, time.January, 1))
	v2 := version("2025-midyear", contract.NewDate(2025, time.June, 1))
	v3 := version("2025-december", contract.NewDate(2025, time.December, 1))
	for _, v := range []*rules.Version{v3, v1, v2} { // insertion order must not matter
		require.NoError(t, r.Create(ctx, v, true))
	}

	// THEN: a July date resolves to the June version
	got, err := r.ForDate(ctx, contract.NewDate(2025, time.July, 15))
	require.NoError(t, err)
	assert.Equal(t, "2025-midyear", got.ID)

	// Boundary day belongs to the new version.
	got, err = r.ForDate(ctx, contract.NewDate(2025, time.June, 1))
	require.NoError(t, err)
	assert.Equal(t, "2025-midyear", got.ID)

	got, err = r.ForDate(ctx, contract.NewDate(2025, time.May, 31))
	require.NoError(t, err)
	assert.Equal(t, "2025-baseline", got.ID)
}

func TestResolver_ForDate_FallsBackToDefault(t *testing.T) {
	// GIVEN: the earliest stored version starts in 2025
	r, _ := newResolver(t)
	ctx := context.Background()
	require.NoError(t, r.Create(ctx, version("2025-baseline", contract.NewDate(2025, time.January, 1)), true))

	// WHEN: resolving a 2024 date
	got, err := r.ForDate(ctx, contract.NewDate(2024, time.June, 1))
	require.NoError(t, err)

	// THEN: the built-in default applies
	assert.Equal(t, "default", got.ID)
	assert.Equal(t, "170000", got.MonthlyGoal.String())
}

func TestResolver_ByID(t *testing.T) {
	r, _ := newResolver(t)
	ctx := context.Background()
	require.NoError(t, r.Create(ctx, version("v1", contract.NewDate(2030, time.January, 1)), false))

	got, err := r.ByID(ctx, "v1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "v1", got.ID)

	got, err = r.ByID(ctx, "default")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "default", got.ID)

	got, err = r.ByID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, got, "unknown id resolves to nil, not default")
}

// =============================================================================
// CREATE GUARDS
// =============================================================================

func TestResolver_Create_RejectsRetroactive(t *testing.T) {
	r, _ := newResolver(t)
	ctx := context.Background()

	past := version("retro", contract.Today().AddDays(-30))
	err := r.Create(ctx, past, false)
	assert.ErrorIs(t, err, rules.ErrRetroactiveChange)

	// Explicit override allows it.
	assert.NoError(t, r.Create(ctx, past, true))
}

func TestResolver_Create_RejectsDuplicateID(t *testing.T) {
	r, _ := newResolver(t)
	ctx := context.Background()

	v := version("v1", contract.Today().AddDays(10))
	require.NoError(t, r.Create(ctx, v, false))

	err := r.Create(ctx, version("v1", contract.Today().AddDays(20)), false)
	assert.ErrorIs(t, err, rules.ErrDuplicateVersion)
}

func TestResolver_Create_RequiresEffectiveFrom(t *testing.T) {
	r, _ := newResolver(t)
	err := r.Create(context.Background(), &rules.Version{ID: "v1"}, true)
	assert.Error(t, err)
}

// =============================================================================
// VERSION ACCESSORS
// =============================================================================

func TestVersion_WeightAndBonusDefaults(t *testing.T) {
	v := rules.DefaultVersion()

	assert.Equal(t, "2", v.Weight(contract.BranchVida).String())
	assert.Equal(t, "1.5", v.Weight(contract.BranchResid).String())

	// Unconfigured branch weight falls back to 1.
	v2 := &rules.Version{}
	assert.Equal(t, "1", v2.Weight(contract.BranchAuto).String())
	assert.True(t, v2.Bonus(rules.BonusCombo).IsZero())

	assert.Equal(t, "100", v.Bonus(rules.BonusCombo).String())
	assert.Equal(t, "75", v.Bonus(rules.BonusRenewalSalvage).String())
}
