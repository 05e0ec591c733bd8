package snapshot_test

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian/sales-engine/contract"
	"github.com/meridian/sales-engine/ledger"
	"github.com/meridian/sales-engine/renewal"
	"github.com/meridian/sales-engine/rules"
	"github.com/meridian/sales-engine/snapshot"
	"github.com/meridian/sales-engine/store/memory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// The builder snapshots "as of today"; using a month safely in the past
// clamps the cutoff to the month's last day, which keeps every expectation
// deterministic regardless of when the test runs.
const testMonth = contract.MonthRef("2025-03")

func newTestBuilder(t *testing.T) (*snapshot.Builder, *memory.Store) {
	t.Helper()
	store := memory.New()
	resolver := rules.NewResolver(store.Rules(), nil)
	matcher := renewal.NewMatcher(store.Actions(), 15, nil)
	engine := ledger.NewEngine(store, store.Entries(), store.Locks(), resolver, matcher,
		ledger.EngineOptions{}, nil)
	builder := snapshot.NewBuilder(store, engine, store.Curve(), store.Snapshots(),
		store.Runs(), store.Audit(), nil, nil)
	return builder, store
}

// seedContract inserts a contract into testMonth with an end date far in the
// future so no renewal bucket ever picks it up.
func seedContract(t *testing.T, store *memory.Store, id, holder, seller string, day int, commission int64) {
	t.Helper()
	start := testMonth.First().AddDays(day - 1)
	end := start.AddYears(50)
	c := &contract.Contract{
		ID:            id,
		SourceID:      id,
		HolderID:      holder,
		Product:       "Seguro Auto",
		Branch:        contract.BranchAuto,
		Insurer:       "Porto",
		StartDate:     &start,
		EndDate:       &end,
		Premium:       decimal.NewFromInt(commission * 5),
		Commission:    decimal.NewFromInt(commission),
		SalespersonID: seller,
		Status:        "ATIVO",
		MonthRef:      testMonth,
	}
	c.RowHash = contract.RowHash(c)
	require.NoError(t, store.Insert(context.Background(), c))
}

func validDoc() *snapshot.Document {
	return &snapshot.Document{
		Month:           string(testMonth),
		SnapshotVersion: snapshot.SchemaVersion,
		MoneyUnit:       snapshot.MoneyUnit,
		TrendDaily:      []snapshot.TrendPoint{},
		Renewals: snapshot.Renewals{
			D7: []snapshot.RenewalItem{}, D15: []snapshot.RenewalItem{}, D30: []snapshot.RenewalItem{},
		},
		Leaderboard: []snapshot.LeaderboardRow{},
		VendorStats: []snapshot.VendorStat{},
		Radar:       snapshot.Radar{Branches: []snapshot.RadarBranch{}},
		Mix: snapshot.Mix{
			ByBranch: []snapshot.MixShare{}, ByInsurer: []snapshot.MixShare{},
		},
	}
}

// =============================================================================
// DOCUMENT VALIDATION
// =============================================================================

func TestValidate_AcceptsComplete(t *testing.T) {
	assert.NoError(t, snapshot.Validate(validDoc()))
}

func TestValidate_RejectsMissingIdentityTags(t *testing.T) {
	doc := validDoc()
	doc.MoneyUnit = ""
	assert.ErrorIs(t, snapshot.Validate(doc), snapshot.ErrInvalidDocument)
}

func TestValidate_RejectsNonFiniteKPI(t *testing.T) {
	doc := validDoc()
	doc.KPIs.ForecastCommission = math.Inf(1)
	assert.ErrorIs(t, snapshot.Validate(doc), snapshot.ErrInvalidDocument)

	doc = validDoc()
	doc.KPIs.MarginPct = math.NaN()
	assert.ErrorIs(t, snapshot.Validate(doc), snapshot.ErrInvalidDocument)
}

func TestValidate_RejectsAbsentBlocks(t *testing.T) {
	doc := validDoc()
	doc.TrendDaily = nil
	assert.ErrorIs(t, snapshot.Validate(doc), snapshot.ErrInvalidDocument)

	doc = validDoc()
	doc.Renewals.D15 = nil
	assert.ErrorIs(t, snapshot.Validate(doc), snapshot.ErrInvalidDocument)

	doc = validDoc()
	doc.Mix.ByInsurer = nil
	assert.ErrorIs(t, snapshot.Validate(doc), snapshot.ErrInvalidDocument)
}

// =============================================================================
// COMPARISON GATING
// =============================================================================

func TestCompare_DiffsCompatibleSnapshots(t *testing.T) {
	a := validDoc()
	a.KPIs.Commission = 60000
	a.KPIs.Count = 12
	b := validDoc()
	b.Month = "2025-02"
	b.KPIs.Commission = 50000
	b.KPIs.Count = 10

	delta, ok := snapshot.Compare(a, b)
	require.True(t, ok)
	assert.Equal(t, float64(10000), delta.CommissionDiff)
	assert.Equal(t, 2, delta.CountDiff)
	assert.InDelta(t, 20.0, delta.CommissionPct, 1e-9)
}

func TestCompare_RefusesTagMismatch(t *testing.T) {
	a := validDoc()
	b := validDoc()
	b.SnapshotVersion = "v2"
	_, ok := snapshot.Compare(a, b)
	assert.False(t, ok, "schema version mismatch is never diffed")

	b = validDoc()
	b.MoneyUnit = "USD"
	_, ok = snapshot.Compare(a, b)
	assert.False(t, ok, "money unit mismatch is never diffed")

	_, ok = snapshot.Compare(a, nil)
	assert.False(t, ok)
}

// =============================================================================
// BUILD PIPELINE
// =============================================================================

func TestBuild_EndToEnd(t *testing.T) {
	// GIVEN: two sellers writing 30k and 20k commission in the month
	builder, store := newTestBuilder(t)
	seedContract(t, store, "CT-1", "H-1", "v-1", 5, 30000)
	seedContract(t, store, "CT-2", "H-2", "v-2", 10, 20000)

	doc, err := builder.Build(context.Background(), snapshot.BuildInput{Month: testMonth})
	require.NoError(t, err)

	// THEN: identity tags and headline KPIs
	assert.Equal(t, "2025-03", doc.Month)
	assert.Equal(t, snapshot.SchemaVersion, doc.SnapshotVersion)
	assert.Equal(t, snapshot.MoneyUnit, doc.MoneyUnit)
	assert.Equal(t, 2, doc.KPIs.Count)
	assert.InDelta(t, 50000, doc.KPIs.Commission, 1e-9)
	assert.InDelta(t, 20.0, doc.KPIs.MarginPct, 1e-9)
	assert.InDelta(t, 25000, doc.KPIs.AvgTicket, 1e-9)

	// Default rule set: goal 170000, so the gap is 120000.
	assert.InDelta(t, 170000, doc.KPIs.Goal, 1e-9)
	assert.InDelta(t, 120000, doc.KPIs.Gap, 1e-9)

	// XP: commission/10 under AUTO weight 1.
	assert.InDelta(t, 5000, doc.KPIs.TotalXP, 1e-9)

	// Trend spans the full (past) month and accumulates to the total.
	require.Len(t, doc.TrendDaily, 31)
	assert.InDelta(t, 50000, doc.TrendDaily[30].Cumulative, 1e-9)
	assert.InDelta(t, 30000, doc.TrendDaily[4].Commission, 1e-9)

	// Leaderboard ordered by XP.
	require.Len(t, doc.Leaderboard, 2)
	assert.Equal(t, "v-1", doc.Leaderboard[0].SalespersonID)
	assert.InDelta(t, 3000, doc.Leaderboard[0].XP, 1e-9)

	// One branch: its own median makes it high on every axis.
	require.Len(t, doc.Radar.Branches, 1)
	assert.Equal(t, "STAR", doc.Radar.Branches[0].Quadrant)

	require.Len(t, doc.Mix.ByBranch, 1)
	assert.InDelta(t, 100, doc.Mix.ByBranch[0].SharePct, 1e-9)

	// No ingestion run recorded and every contract valid.
	assert.Equal(t, snapshot.ConfidenceHigh, doc.Processing.Confidence)
	assert.InDelta(t, 1.0, doc.DataCoverage.ValidPct, 1e-9)

	// AND: the document was persisted and round-trips.
	row, err := store.Snapshots().Latest(context.Background(), testMonth, "")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "default", row.RulesVersion)
	var stored snapshot.Document
	require.NoError(t, json.Unmarshal(row.Doc, &stored))
	assert.Equal(t, doc.KPIs.Commission, stored.KPIs.Commission)
}

func TestBuild_ForecastFromPacingCurve(t *testing.T) {
	// GIVEN: a pacing curve saying half the month's commission lands by the
	// cutoff day (the last day of a past month)
	builder, store := newTestBuilder(t)
	seedContract(t, store, "CT-1", "H-1", "v-1", 5, 50000)
	store.SetCurve(map[int]float64{31: 0.5})

	doc, err := builder.Build(context.Background(), snapshot.BuildInput{Month: testMonth})
	require.NoError(t, err)

	// THEN: forecast = commission / share
	assert.False(t, doc.Processing.CurveFallback)
	assert.InDelta(t, 100000, doc.KPIs.ForecastCommission, 1e-9)
	assert.InDelta(t, 100000.0/170000.0, doc.KPIs.ForecastPct, 1e-9)
}

func TestBuild_LinearFallbackWhenCurveMissing(t *testing.T) {
	// GIVEN: no curve rows at all
	builder, store := newTestBuilder(t)
	seedContract(t, store, "CT-1", "H-1", "v-1", 5, 31000)

	doc, err := builder.Build(context.Background(), snapshot.BuildInput{Month: testMonth})
	require.NoError(t, err)

	// THEN: linear share day/daysIn is 1.0 at month end, and the fallback
	// is flagged and audited
	assert.True(t, doc.Processing.CurveFallback)
	assert.InDelta(t, 31000, doc.KPIs.ForecastCommission, 1e-9)

	events := store.AuditEvents()
	require.NotEmpty(t, events)
	found := false
	for _, ev := range events {
		if ev.Kind == snapshot.AuditCurveFallback {
			found = true
		}
	}
	assert.True(t, found, "curve fallback must leave an audit event")
}

func TestBuild_ClosedMonthRequiresForce(t *testing.T) {
	builder, store := newTestBuilder(t)
	seedContract(t, store, "CT-1", "H-1", "v-1", 5, 1000)
	ctx := context.Background()
	require.NoError(t, store.Locks().Close(ctx, testMonth, "admin"))

	_, err := builder.Build(ctx, snapshot.BuildInput{Month: testMonth})
	assert.ErrorIs(t, err, ledger.ErrMonthClosed)

	// Force builds and records the override.
	doc, err := builder.Build(ctx, snapshot.BuildInput{Month: testMonth, Force: true})
	require.NoError(t, err)
	assert.Equal(t, 1, doc.KPIs.Count)

	forced := false
	for _, ev := range store.AuditEvents() {
		if ev.Kind == snapshot.AuditForcedRebuild {
			forced = true
		}
	}
	assert.True(t, forced)
}

func TestBuild_ScenarioKeepsOfficialSeparate(t *testing.T) {
	builder, store := newTestBuilder(t)
	seedContract(t, store, "CT-1", "H-1", "v-1", 5, 1000)
	ctx := context.Background()

	_, err := builder.Build(ctx, snapshot.BuildInput{Month: testMonth})
	require.NoError(t, err)
	_, err = builder.Build(ctx, snapshot.BuildInput{Month: testMonth, Scenario: "whatif"})
	require.NoError(t, err)

	official, err := store.Snapshots().Latest(ctx, testMonth, "")
	require.NoError(t, err)
	require.NotNil(t, official)
	assert.Equal(t, "", official.Scenario)

	scenario, err := store.Snapshots().Latest(ctx, testMonth, "whatif")
	require.NoError(t, err)
	require.NotNil(t, scenario)
	assert.NotEqual(t, official.ID, scenario.ID)
}

func TestBuild_MonthPassedVersionStampsDocument(t *testing.T) {
	// Snapshot carries the rules version the ledger computed under.
	builder, store := newTestBuilder(t)
	seedContract(t, store, "CT-1", "H-1", "v-1", 5, 1000)
	require.NoError(t, store.Rules().Insert(context.Background(), &rules.Version{
		ID:            "2025-rules",
		EffectiveFrom: contract.NewDate(2025, time.January, 1),
		MonthlyGoal:   decimal.NewFromInt(99000),
		WorkingDays:   21,
	}))

	doc, err := builder.Build(context.Background(), snapshot.BuildInput{Month: testMonth})
	require.NoError(t, err)

	assert.Equal(t, "2025-rules", doc.Processing.RulesVersion)
	assert.Equal(t, "2025-rules", doc.Filters.RulesVersion)
	assert.InDelta(t, 99000, doc.KPIs.Goal, 1e-9)
}

// =============================================================================
// PERIOD DOCUMENTS
// =============================================================================

// seedInMonth mirrors seedContract for an arbitrary month.
func seedInMonth(t *testing.T, store *memory.Store, month contract.MonthRef, id, seller string, commission int64) {
	t.Helper()
	start := month.First().AddDays(4)
	end := start.AddYears(50)
	c := &contract.Contract{
		ID:            id,
		SourceID:      id,
		HolderID:      "H-" + id,
		Product:       "Seguro Auto",
		Branch:        contract.BranchAuto,
		Insurer:       "Porto",
		StartDate:     &start,
		EndDate:       &end,
		Premium:       decimal.NewFromInt(commission * 5),
		Commission:    decimal.NewFromInt(commission),
		SalespersonID: seller,
		Status:        "ATIVO",
		MonthRef:      month,
	}
	c.RowHash = contract.RowHash(c)
	require.NoError(t, store.Insert(context.Background(), c))
}

func TestBuildPeriod_SumsWindow(t *testing.T) {
	// GIVEN: three consecutive months with monthly builds already run for
	// the first two, so their ledger entries are persisted
	builder, store := newTestBuilder(t)
	seedInMonth(t, store, "2025-01", "CT-JAN", "v-1", 10000)
	seedInMonth(t, store, "2025-02", "CT-FEB", "v-1", 20000)
	seedInMonth(t, store, "2025-03", "CT-MAR", "v-2", 40000)
	ctx := context.Background()
	_, err := builder.Build(ctx, snapshot.BuildInput{Month: "2025-01"})
	require.NoError(t, err)
	_, err = builder.Build(ctx, snapshot.BuildInput{Month: "2025-02"})
	require.NoError(t, err)

	// WHEN: building the trailing quarter ending in March
	doc, err := builder.BuildPeriod(ctx, snapshot.PeriodInput{End: "2025-03", Months: 3})
	require.NoError(t, err)

	// THEN: the period block describes the full requested window
	require.NotNil(t, doc.Period)
	assert.Equal(t, "2025-01", doc.Period.Start)
	assert.Equal(t, "2025-03", doc.Period.End)
	assert.Equal(t, 3, doc.Period.Months)
	assert.Equal(t, 3, doc.Period.Requested)
	assert.False(t, doc.Period.Clamped)
	assert.Equal(t, 3, doc.Period.Available)
	assert.Equal(t, "2025-01..2025-03", doc.Period.Label)

	// AND: KPIs sum the window; the goal scales by window length
	assert.Equal(t, 3, doc.KPIs.Count)
	assert.InDelta(t, 70000, doc.KPIs.Commission, 1e-9)
	assert.InDelta(t, 510000, doc.KPIs.Goal, 1e-9)
	assert.InDelta(t, 70000.0/510000.0, doc.KPIs.GoalPct, 1e-9)

	// Past end month: linear share reaches 1.0, so the forecast is the
	// closed months plus the end month as-is.
	assert.InDelta(t, 70000, doc.KPIs.ForecastCommission, 1e-9)

	// Trend carries one point per month, cumulative over the window.
	require.Len(t, doc.TrendDaily, 3)
	assert.InDelta(t, 10000, doc.TrendDaily[0].Commission, 1e-9)
	assert.InDelta(t, 30000, doc.TrendDaily[1].Cumulative, 1e-9)
	assert.InDelta(t, 70000, doc.TrendDaily[2].Cumulative, 1e-9)
	assert.InDelta(t, 1.0, doc.TrendDaily[2].ExpectedShare, 1e-9)

	// Leaderboard aggregates persisted entries from January and February
	// with the freshly computed March ones.
	require.Len(t, doc.Leaderboard, 2)
	assert.Equal(t, "v-2", doc.Leaderboard[0].SalespersonID)
	assert.InDelta(t, 4000, doc.Leaderboard[0].XP, 1e-9)
	assert.Equal(t, "v-1", doc.Leaderboard[1].SalespersonID)
	assert.InDelta(t, 3000, doc.Leaderboard[1].XP, 1e-9)
	assert.Equal(t, 2, doc.Leaderboard[1].Contracts)
	assert.InDelta(t, 7000, doc.KPIs.TotalXP, 1e-9)

	// Empty prior windows read as zero deltas.
	assert.InDelta(t, 0, doc.KPIs.PriorMonthCommission, 1e-9)
	assert.InDelta(t, 0, doc.KPIs.MoMPct, 1e-9)
}

func TestBuildPeriod_ClampsToAvailableData(t *testing.T) {
	// GIVEN: data in a single month but a six-month window requested
	builder, store := newTestBuilder(t)
	seedInMonth(t, store, "2025-03", "CT-1", "v-1", 5000)
	ctx := context.Background()

	doc, err := builder.BuildPeriod(ctx, snapshot.PeriodInput{End: "2025-03", Months: 6})
	require.NoError(t, err)

	// THEN: the window start moves forward to the first populated month
	require.NotNil(t, doc.Period)
	assert.Equal(t, "2025-03", doc.Period.Start)
	assert.Equal(t, 1, doc.Period.Months)
	assert.Equal(t, 6, doc.Period.Requested)
	assert.True(t, doc.Period.Clamped)
	assert.Equal(t, 1, doc.Period.Available)
	require.Len(t, doc.TrendDaily, 1)

	// AND: period documents are derived, never persisted
	row, err := store.Snapshots().Latest(ctx, "2025-03", "")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestBuildPeriod_RejectsBadWindow(t *testing.T) {
	builder, _ := newTestBuilder(t)
	ctx := context.Background()

	_, err := builder.BuildPeriod(ctx, snapshot.PeriodInput{End: "2025-03", Months: 0})
	assert.ErrorIs(t, err, snapshot.ErrInvalidPeriod)

	_, err = builder.BuildPeriod(ctx, snapshot.PeriodInput{End: "2025-03", Months: 25})
	assert.ErrorIs(t, err, snapshot.ErrInvalidPeriod)

	_, err = builder.BuildPeriod(ctx, snapshot.PeriodInput{Months: 3})
	assert.ErrorIs(t, err, snapshot.ErrInvalidPeriod)
}

func TestBuildPeriod_LeavesClosedMonthsUntouched(t *testing.T) {
	// GIVEN: January computed and closed, March open
	builder, store := newTestBuilder(t)
	seedInMonth(t, store, "2025-01", "CT-JAN", "v-1", 10000)
	seedInMonth(t, store, "2025-03", "CT-MAR", "v-1", 30000)
	ctx := context.Background()
	_, err := builder.Build(ctx, snapshot.BuildInput{Month: "2025-01"})
	require.NoError(t, err)
	require.NoError(t, store.Locks().Close(ctx, "2025-01", "admin"))

	// THEN: the period build reads January's persisted entries without
	// tripping its close lock
	doc, err := builder.BuildPeriod(ctx, snapshot.PeriodInput{End: "2025-03", Months: 3})
	require.NoError(t, err)
	assert.InDelta(t, 4000, doc.KPIs.TotalXP, 1e-9)

	// A closed END month still needs force, same as a monthly build.
	require.NoError(t, store.Locks().Close(ctx, "2025-03", "admin"))
	_, err = builder.BuildPeriod(ctx, snapshot.PeriodInput{End: "2025-03", Months: 3})
	assert.ErrorIs(t, err, ledger.ErrMonthClosed)

	doc, err = builder.BuildPeriod(ctx, snapshot.PeriodInput{End: "2025-03", Months: 3, Force: true})
	require.NoError(t, err)
	assert.Equal(t, 2, doc.KPIs.Count)
}
