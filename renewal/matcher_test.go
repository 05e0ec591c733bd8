package renewal_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian/sales-engine/contract"
	"github.com/meridian/sales-engine/renewal"
	"github.com/meridian/sales-engine/store/memory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var refDate = contract.NewDate(2025, time.June, 1)

func newTestMatcher(t *testing.T) (*renewal.Matcher, *memory.Store) {
	t.Helper()
	store := memory.New()
	return renewal.NewMatcher(store.Actions(), 15, nil), store
}

// ending returns a contract whose end date falls daysFromRef days after the
// reference date (negative = already ended).
func ending(id, holder string, branch contract.Branch, seller string, daysFromRef int, commission string) *contract.Contract {
	start := refDate.AddDays(daysFromRef).AddYears(-1)
	end := refDate.AddDays(daysFromRef)
	return &contract.Contract{
		ID:            id,
		HolderID:      holder,
		Product:       string(branch),
		Branch:        branch,
		Insurer:       "Porto",
		StartDate:     &start,
		EndDate:       &end,
		Premium:       decimal.RequireFromString(commission).Mul(decimal.NewFromInt(5)),
		Commission:    decimal.RequireFromString(commission),
		SalespersonID: seller,
		Status:        "ATIVO",
		MonthRef:      start.Month(),
	}
}

func starting(id, holder string, branch contract.Branch, startsOn contract.Date) *contract.Contract {
	end := startsOn.AddYears(1)
	return &contract.Contract{
		ID:         id,
		HolderID:   holder,
		Product:    string(branch),
		Branch:     branch,
		Insurer:    "Porto",
		StartDate:  &startsOn,
		EndDate:    &end,
		Premium:    decimal.NewFromInt(5000),
		Commission: decimal.NewFromInt(1000),
		Status:     "ATIVO",
		MonthRef:   startsOn.Month(),
	}
}

func analyze(t *testing.T, m *renewal.Matcher, contracts ...*contract.Contract) *renewal.Report {
	t.Helper()
	report, err := m.Analyze(context.Background(), contracts, refDate)
	require.NoError(t, err)
	return report
}

func bucketIDs(items []renewal.Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Contract.ID)
	}
	return out
}

// =============================================================================
// BUCKETING
// =============================================================================

func TestAnalyze_BucketOverlap_D5IsSubsetOfD7(t *testing.T) {
	// GIVEN: contracts ending 4 and 6 days from the reference
	m, _ := newTestMatcher(t)
	report := analyze(t, m,
		ending("CT-4d", "H-1", contract.BranchAuto, "v-1", 4, "1000"),
		ending("CT-6d", "H-2", contract.BranchAuto, "v-1", 6, "1000"))

	// THEN: the 4-day contract appears in BOTH the 5- and 7-day buckets
	assert.Equal(t, []string{"CT-4d"}, bucketIDs(report.D5))
	assert.ElementsMatch(t, []string{"CT-4d", "CT-6d"}, bucketIDs(report.D7))
}

func TestAnalyze_BucketBoundaries(t *testing.T) {
	m, _ := newTestMatcher(t)
	report := analyze(t, m,
		ending("CT-5d", "H-1", contract.BranchAuto, "v-1", 5, "1000"),
		ending("CT-7d", "H-2", contract.BranchAuto, "v-1", 7, "1000"),
		ending("CT-8d", "H-3", contract.BranchAuto, "v-1", 8, "1000"),
		ending("CT-15d", "H-4", contract.BranchAuto, "v-1", 15, "1000"),
		ending("CT-16d", "H-5", contract.BranchAuto, "v-1", 16, "1000"),
		ending("CT-30d", "H-6", contract.BranchAuto, "v-1", 30, "1000"),
		ending("CT-31d", "H-7", contract.BranchAuto, "v-1", 31, "1000"))

	assert.Equal(t, []string{"CT-5d"}, bucketIDs(report.D5))
	assert.ElementsMatch(t, []string{"CT-5d", "CT-7d"}, bucketIDs(report.D7))
	assert.ElementsMatch(t, []string{"CT-8d", "CT-15d"}, bucketIDs(report.D15))
	assert.ElementsMatch(t, []string{"CT-16d", "CT-30d"}, bucketIDs(report.D30))
	assert.Empty(t, report.BlackList)
}

func TestAnalyze_BlackListPastGrace(t *testing.T) {
	// GIVEN: grace of 15 days
	m, _ := newTestMatcher(t)
	report := analyze(t, m,
		ending("CT-in-grace", "H-1", contract.BranchAuto, "v-1", -15, "1000"),
		ending("CT-gone", "H-2", contract.BranchAuto, "v-2", -16, "1000"))

	// THEN: only the contract strictly past end + grace is black-listed
	assert.Equal(t, []string{"CT-gone"}, bucketIDs(report.BlackList))
	assert.True(t, report.LockedSalespeople()["v-2"])
	assert.False(t, report.LockedSalespeople()["v-1"])
}

func TestAnalyze_SortByImpactDesc(t *testing.T) {
	// Same bucket, different commissions, no recorded stage: impact orders
	// the bucket highest first.
	m, _ := newTestMatcher(t)
	report := analyze(t, m,
		ending("CT-small", "H-1", contract.BranchAuto, "v-1", 10, "100"),
		ending("CT-big", "H-2", contract.BranchAuto, "v-1", 10, "5000"))

	assert.Equal(t, []string{"CT-big", "CT-small"}, bucketIDs(report.D15))
}

// =============================================================================
// SUCCESSOR MATCHING
// =============================================================================

func TestAnalyze_SuccessorWithinWindowMatches(t *testing.T) {
	// GIVEN: a contract ending in 3 days and a successor starting 2 days
	// after that end, same holder and branch
	m, _ := newTestMatcher(t)
	pred := ending("CT-OLD", "H-1", contract.BranchAuto, "v-1", 3, "1000")
	succ := starting("CT-NEW", "H-1", contract.BranchAuto, refDate.AddDays(5))

	report := analyze(t, m, pred, succ)

	// THEN: the predecessor is matched, not bucketed
	require.Len(t, report.Matches, 1)
	assert.Equal(t, "CT-OLD", report.Matches[0].Predecessor.ID)
	assert.Equal(t, "CT-NEW", report.Matches[0].Successor.ID)
	assert.Equal(t, 2, report.Matches[0].Distance)
	assert.Empty(t, report.D5)
	assert.Empty(t, report.D7)
}

func TestAnalyze_SuccessorOutsideWindowIgnored(t *testing.T) {
	m, _ := newTestMatcher(t)
	pred := ending("CT-OLD", "H-1", contract.BranchAuto, "v-1", 3, "1000")
	far := starting("CT-FAR", "H-1", contract.BranchAuto, refDate.AddDays(3).AddDays(31))

	report := analyze(t, m, pred, far)

	assert.Empty(t, report.Matches)
	assert.Equal(t, []string{"CT-OLD"}, bucketIDs(report.D5))
}

func TestAnalyze_DifferentBranchNeverMatches(t *testing.T) {
	// A VIDA purchase is not a renewal of an ending AUTO contract.
	m, _ := newTestMatcher(t)
	pred := ending("CT-OLD", "H-1", contract.BranchAuto, "v-1", 3, "1000")
	other := starting("CT-VIDA", "H-1", contract.BranchVida, refDate.AddDays(4))

	report := analyze(t, m, pred, other)

	assert.Empty(t, report.Matches)
	assert.Equal(t, []string{"CT-OLD"}, bucketIDs(report.D5))
}

func TestAnalyze_LateRenewalFlaggedAsSalvage(t *testing.T) {
	m, _ := newTestMatcher(t)
	pred := ending("CT-OLD", "H-1", contract.BranchAuto, "v-1", -10, "1000")
	succ := starting("CT-NEW", "H-1", contract.BranchAuto, refDate.AddDays(-2))

	report := analyze(t, m, pred, succ)

	require.Len(t, report.Matches, 1)
	assert.True(t, report.Matches[0].Late)
	assert.True(t, report.SalvageIDs()["CT-NEW"])
}

func TestAnalyze_ClosestSuccessorWins(t *testing.T) {
	m, _ := newTestMatcher(t)
	pred := ending("CT-OLD", "H-1", contract.BranchAuto, "v-1", 0, "1000")
	near := starting("CT-NEAR", "H-1", contract.BranchAuto, refDate.AddDays(2))
	farther := starting("CT-FARTHER", "H-1", contract.BranchAuto, refDate.AddDays(20))

	report := analyze(t, m, pred, near, farther)

	var match *renewal.Match
	for i := range report.Matches {
		if report.Matches[i].Predecessor.ID == "CT-OLD" {
			match = &report.Matches[i]
		}
	}
	require.NotNil(t, match)
	assert.Equal(t, "CT-NEAR", match.Successor.ID)
}

// =============================================================================
// ACTIONS AND PROBABILITY
// =============================================================================

func TestAnalyze_LatestActionDrivesStageAndJustification(t *testing.T) {
	m, store := newTestMatcher(t)
	ctx := context.Background()

	require.NoError(t, store.Actions().Insert(ctx, &renewal.Action{
		ID: "a1", ContractID: "CT-1", Stage: "sem contato",
		RecordedAt: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, store.Actions().Insert(ctx, &renewal.Action{
		ID: "a2", ContractID: "CT-1", Stage: "proposta enviada", Justified: true,
		RecordedAt: time.Date(2025, 5, 20, 0, 0, 0, 0, time.UTC),
	}))

	report := analyze(t, m, ending("CT-1", "H-1", contract.BranchAuto, "v-1", 10, "1000"))

	require.Len(t, report.D15, 1)
	item := report.D15[0]
	assert.Equal(t, "proposta enviada", item.Stage)
	assert.True(t, item.Justified)
	assert.Equal(t, "0.75", item.Probability.String())
	// impact = 1000 * (1 - 0.75)
	assert.Equal(t, "250", item.Impact.String())
}

func TestAnalyze_ProbabilityDefaultsByDaysRemaining(t *testing.T) {
	m, _ := newTestMatcher(t)
	report := analyze(t, m,
		ending("CT-4d", "H-1", contract.BranchAuto, "v-1", 4, "1000"),
		ending("CT-20d", "H-2", contract.BranchAuto, "v-1", 20, "1000"))

	require.Len(t, report.D5, 1)
	assert.Equal(t, "0.25", report.D5[0].Probability.String())
	require.Len(t, report.D30, 1)
	assert.Equal(t, "0.65", report.D30[0].Probability.String())
}

func TestAnalyze_JustifiedBlackListNotLocked(t *testing.T) {
	m, store := newTestMatcher(t)
	require.NoError(t, store.Actions().Insert(context.Background(), &renewal.Action{
		ID: "a1", ContractID: "CT-gone", Stage: "recusado", Justified: true,
		RecordedAt: time.Now().UTC(),
	}))

	report := analyze(t, m, ending("CT-gone", "H-1", contract.BranchAuto, "v-9", -40, "1000"))

	require.Len(t, report.BlackList, 1)
	assert.Empty(t, report.LockedSalespeople())
}
