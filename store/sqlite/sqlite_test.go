/*
sqlite_test.go - Round-trip tests for the SQLite store

Every adapter is exercised against an in-memory database: insert, read
back, and the behavior the interfaces promise (duplicate detection,
append-only ledger reads, terminal run finalization).
*/
package sqlite_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian/sales-engine/contract"
	"github.com/meridian/sales-engine/ingest"
	"github.com/meridian/sales-engine/ledger"
	"github.com/meridian/sales-engine/renewal"
	"github.com/meridian/sales-engine/rules"
	"github.com/meridian/sales-engine/snapshot"
	"github.com/meridian/sales-engine/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func date(t *testing.T, s string) contract.Date {
	t.Helper()
	d, ok := contract.ParseDate(s)
	require.True(t, ok, "bad test date %q", s)
	return d
}

func datePtr(t *testing.T, s string) *contract.Date {
	d := date(t, s)
	return &d
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func sampleContract(t *testing.T, id string) *contract.Contract {
	return &contract.Contract{
		ID:                 id,
		SourceID:           id,
		HolderID:           "ACME",
		Product:            "Seguro Auto Premium",
		Branch:             contract.BranchAuto,
		Insurer:            "Porto",
		StartDate:          datePtr(t, "2025-03-01"),
		EndDate:            datePtr(t, "2026-03-01"),
		Premium:            dec("1234.56"),
		Commission:         dec("246.91"),
		CommissionPct:      dec("20"),
		SalespersonID:      "v-1",
		Status:             "ATIVO",
		MonthRef:           "2025-03",
		RowHash:            "hash-" + id,
		MissingFields:      []string{"effective_date"},
		Incomplete:         true,
		ExternalModifiedAt: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
		ModifiedAt:         time.Date(2025, 3, 9, 8, 30, 0, 0, time.UTC),
	}
}

// =============================================================================
// CONTRACTS
// =============================================================================

func TestContracts_RoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	// GIVEN: An inserted contract
	in := sampleContract(t, "CT-1")
	require.NoError(t, store.Insert(ctx, in))

	// WHEN: Reading it back by every lookup path
	byID, err := store.GetByID(ctx, "CT-1")
	require.NoError(t, err)
	require.NotNil(t, byID)
	bySource, err := store.GetBySourceID(ctx, "CT-1")
	require.NoError(t, err)
	require.NotNil(t, bySource)

	// THEN: Every field survives the TEXT round trip
	assert.Equal(t, in.HolderID, byID.HolderID)
	assert.Equal(t, contract.BranchAuto, byID.Branch)
	assert.True(t, in.Premium.Equal(byID.Premium), "premium %s != %s", in.Premium, byID.Premium)
	assert.True(t, in.Commission.Equal(byID.Commission))
	assert.Equal(t, "2025-03-01", byID.StartDate.String())
	assert.Equal(t, "2026-03-01", byID.EndDate.String())
	assert.Nil(t, byID.EffectiveDate)
	assert.Equal(t, contract.MonthRef("2025-03"), byID.MonthRef)
	assert.Equal(t, []string{"effective_date"}, byID.MissingFields)
	assert.True(t, byID.Incomplete)
	assert.Equal(t, in.ExternalModifiedAt, byID.ExternalModifiedAt)
	assert.Equal(t, in.ModifiedAt, byID.ModifiedAt)
}

func TestContracts_DuplicateInsertRejected(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, sampleContract(t, "CT-1")))

	err := store.Insert(ctx, sampleContract(t, "CT-1"))

	assert.ErrorIs(t, err, contract.ErrDuplicateID)
}

func TestContracts_UpdateMissingRow(t *testing.T) {
	store := newStore(t)

	err := store.Update(context.Background(), sampleContract(t, "ghost"))

	assert.ErrorIs(t, err, contract.ErrNotFound)
}

func TestContracts_UpdatePersists(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	c := sampleContract(t, "CT-1")
	require.NoError(t, store.Insert(ctx, c))

	c.Status = "CANCELADO"
	c.Commission = dec("300")
	require.NoError(t, store.Update(ctx, c))

	got, err := store.GetByID(ctx, "CT-1")
	require.NoError(t, err)
	assert.Equal(t, "CANCELADO", got.Status)
	assert.True(t, dec("300").Equal(got.Commission))
}

func TestContracts_LatestByRowHashPrefersRecency(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	// GIVEN: Two rows sharing a content hash with different recency
	older := sampleContract(t, "CT-OLD")
	older.RowHash = "shared"
	older.ExternalModifiedAt = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	newer := sampleContract(t, "CT-NEW")
	newer.RowHash = "shared"
	newer.ExternalModifiedAt = time.Date(2025, 3, 20, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Insert(ctx, older))
	require.NoError(t, store.Insert(ctx, newer))

	// THEN: The most recently modified row wins
	got, err := store.LatestByRowHash(ctx, "shared")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "CT-NEW", got.ID)

	// AND: Collapsing keeps only the survivor
	purged, err := store.DeleteByRowHashExcept(ctx, "shared", "CT-NEW")
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
	gone, err := store.GetByID(ctx, "CT-OLD")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestContracts_AggregateMonth(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	early := sampleContract(t, "CT-1")
	late := sampleContract(t, "CT-2")
	late.StartDate = datePtr(t, "2025-03-25")
	cancelled := sampleContract(t, "CT-3")
	cancelled.Status = "CANCELADO"
	for _, c := range []*contract.Contract{early, late, cancelled} {
		require.NoError(t, store.Insert(ctx, c))
	}

	// WHEN: Aggregating up to mid-month for active contracts only
	agg, err := store.AggregateMonth(ctx, "2025-03", date(t, "2025-03-15"), []string{"ATIVO"})
	require.NoError(t, err)

	// THEN: The late start and the cancelled contract are excluded
	assert.Equal(t, 1, agg.Count)
	assert.True(t, dec("246.91").Equal(agg.Commission))

	// AND: No status filter admits the cancelled row too
	agg, err = store.AggregateMonth(ctx, "2025-03", date(t, "2025-03-31"), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, agg.Count)
}

// =============================================================================
// RAW RECORDS AND CUSTOMERS
// =============================================================================

func TestRaws_UpsertOutcomes(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	raws := store.Raws()

	rec := contract.RawRecord{
		Source:    "corretora",
		SourceID:  "CT-1",
		Payload:   json.RawMessage(`{"numeroContrato":"CT-1"}`),
		Hash:      "h1",
		FetchedAt: time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC),
	}

	out, err := raws.Upsert(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, contract.RawInserted, out)

	// Same hash: unchanged
	out, err = raws.Upsert(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, contract.RawUnchanged, out)

	// New hash: updated and the payload replaced
	rec.Payload = json.RawMessage(`{"numeroContrato":"CT-1","premio":"99"}`)
	rec.Hash = "h2"
	out, err = raws.Upsert(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, contract.RawUpdated, out)

	got, err := raws.Get(ctx, "corretora", "CT-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "h2", got.Hash)
	assert.JSONEq(t, string(rec.Payload), string(got.Payload))

	missing, err := raws.Get(ctx, "corretora", "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCustomers_UpsertReplacesRollup(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	customers := store.Customers()

	first := contract.Customer{
		HolderID:       "ACME",
		FirstSeen:      date(t, "2024-01-10"),
		LastSeen:       date(t, "2025-03-01"),
		ActiveBranches: []contract.Branch{contract.BranchAuto},
		Monoproduct:    true,
		UpdatedAt:      time.Now().UTC(),
	}
	require.NoError(t, customers.Upsert(ctx, first))

	// Second upsert widens the branch set
	second := first
	second.ActiveBranches = []contract.Branch{contract.BranchAuto, contract.BranchVida}
	second.Monoproduct = false
	require.NoError(t, customers.Upsert(ctx, second))

	got, err := customers.Get(ctx, "ACME")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []contract.Branch{contract.BranchAuto, contract.BranchVida}, got.ActiveBranches)
	assert.False(t, got.Monoproduct)
	assert.Equal(t, "2024-01-10", got.FirstSeen.String())

	missing, err := customers.Get(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

// =============================================================================
// RULES VERSIONS
// =============================================================================

func TestRules_RoundTripAndDuplicate(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	adapter := store.Rules()

	v := rules.DefaultVersion()
	v.ID = "2025-midyear"
	v.EffectiveFrom = date(t, "2025-06-01")
	v.MonthlyGoal = dec("250000")
	v.Note = "mid-year goal raise"
	v.CreatedBy = "admin"
	v.CreatedAt = time.Now().UTC()
	require.NoError(t, adapter.Insert(ctx, v))

	got, err := adapter.GetByID(ctx, "2025-midyear")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "2025-06-01", got.EffectiveFrom.String())
	assert.True(t, dec("250000").Equal(got.MonthlyGoal))
	assert.True(t, dec("2").Equal(got.BranchWeights[contract.BranchVida]))
	assert.True(t, dec("100").Equal(got.Bonuses[rules.BonusCombo]))
	assert.True(t, got.PenaltyLock)

	// Same id again is a duplicate
	assert.ErrorIs(t, adapter.Insert(ctx, v), rules.ErrDuplicateVersion)

	list, err := adapter.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

// =============================================================================
// LEDGER ENTRIES AND MONTH LOCKS
// =============================================================================

func entry(id, contractID string, total string, supersedes string, at time.Time) *ledger.Entry {
	return &ledger.Entry{
		ID:            id,
		ContractID:    contractID,
		Month:         "2025-03",
		SalespersonID: "v-1",
		Base:          dec(total),
		Bonus:         decimal.Zero,
		Total:         dec(total),
		Reasons:       []string{"CROSS_SELL"},
		RulesVersion:  "default",
		InputHash:     "in-" + id,
		SupersedesID:  supersedes,
		CalculatedAt:  at,
	}
}

func TestEntries_LatestFollowsSupersedeChain(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	entries := store.Entries()

	t0 := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, entries.Append(ctx, entry("e-1", "CT-1", "100", "", t0)))
	require.NoError(t, entries.Append(ctx, entry("e-2", "CT-1", "150", "e-1", t0.Add(time.Hour))))

	// Latest is the superseding row
	latest, err := entries.Latest(ctx, "CT-1", "2025-03", "")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "e-2", latest.ID)
	assert.Equal(t, "e-1", latest.SupersedesID)
	assert.True(t, dec("150").Equal(latest.Total))
	assert.Equal(t, []string{"CROSS_SELL"}, latest.Reasons)

	// ListMonth collapses the chain to one current row per contract
	require.NoError(t, entries.Append(ctx, entry("e-3", "CT-2", "80", "", t0)))
	month, err := entries.ListMonth(ctx, "2025-03", "")
	require.NoError(t, err)
	require.Len(t, month, 2)
	byContract := map[string]*ledger.Entry{}
	for _, e := range month {
		byContract[e.ContractID] = e
	}
	assert.Equal(t, "e-2", byContract["CT-1"].ID)
	assert.Equal(t, "e-3", byContract["CT-2"].ID)
}

func TestEntries_ScenarioIsolation(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	entries := store.Entries()

	t0 := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	official := entry("e-official", "CT-1", "100", "", t0)
	scenario := entry("e-scenario", "CT-1", "200", "", t0)
	scenario.Scenario = "double"
	require.NoError(t, entries.Append(ctx, official))
	require.NoError(t, entries.Append(ctx, scenario))

	got, err := entries.Latest(ctx, "CT-1", "2025-03", "")
	require.NoError(t, err)
	assert.Equal(t, "e-official", got.ID)

	got, err = entries.Latest(ctx, "CT-1", "2025-03", "double")
	require.NoError(t, err)
	assert.Equal(t, "e-scenario", got.ID)
}

func TestLocks_CloseAndReopen(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	locks := store.Locks()

	closed, err := locks.IsClosed(ctx, "2025-03")
	require.NoError(t, err)
	assert.False(t, closed)

	require.NoError(t, locks.Close(ctx, "2025-03", "controller"))
	closed, err = locks.IsClosed(ctx, "2025-03")
	require.NoError(t, err)
	assert.True(t, closed)

	// Closing again just refreshes the lock row
	require.NoError(t, locks.Close(ctx, "2025-03", "controller"))

	require.NoError(t, locks.Reopen(ctx, "2025-03"))
	closed, err = locks.IsClosed(ctx, "2025-03")
	require.NoError(t, err)
	assert.False(t, closed)
}

// =============================================================================
// RENEWAL ACTIONS
// =============================================================================

func TestActions_LatestPerContract(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	actions := store.Actions()

	t0 := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, actions.Insert(ctx, &renewal.Action{
		ID: "a-1", ContractID: "CT-1", Stage: "contato realizado", RecordedAt: t0,
	}))
	require.NoError(t, actions.Insert(ctx, &renewal.Action{
		ID: "a-2", ContractID: "CT-1", Stage: "proposta enviada", Justified: true,
		Note: "cliente pediu prazo", RecordedBy: "v-1", RecordedAt: t0.Add(24 * time.Hour),
	}))
	require.NoError(t, actions.Insert(ctx, &renewal.Action{
		ID: "a-3", ContractID: "CT-2", Stage: "contato realizado", RecordedAt: t0,
	}))

	latest, err := actions.LatestByContract(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "a-2", latest["CT-1"].ID)
	assert.Equal(t, "proposta enviada", latest["CT-1"].Stage)
	assert.True(t, latest["CT-1"].Justified)
	assert.Equal(t, "a-3", latest["CT-2"].ID)
}

// =============================================================================
// INGESTION RUNS
// =============================================================================

func TestRuns_FinishIsTerminal(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	runs := store.Runs()

	run := &ingest.Run{
		ID:        "run-1",
		Kind:      "incremental",
		Criteria:  "updated_since=2025-03-01",
		StartedAt: time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC),
		Status:    ingest.StatusRunning,
	}
	require.NoError(t, runs.Insert(ctx, run))

	run.Status = ingest.StatusSuccess
	run.Fetched = 5
	run.Inserted = 3
	run.Duplicates = 2
	run.FinishedAt = run.StartedAt.Add(time.Minute)
	require.NoError(t, runs.Finish(ctx, run))

	// A finalized run cannot be finished again
	assert.ErrorIs(t, runs.Finish(ctx, run), ingest.ErrRunFinalized)

	got, err := runs.Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ingest.StatusSuccess, got.Status)
	assert.Equal(t, 5, got.Fetched)
	assert.Equal(t, run.FinishedAt, got.FinishedAt)
}

func TestRuns_LastSuccessfulSkipsDegraded(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	runs := store.Runs()

	ok := &ingest.Run{
		ID: "run-ok", Kind: "incremental", Status: ingest.StatusSuccess,
		StartedAt: time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC),
	}
	stale := &ingest.Run{
		ID: "run-stale", Kind: "incremental", Status: ingest.StatusStaleData,
		StartedAt: time.Date(2025, 3, 11, 6, 0, 0, 0, time.UTC), Detail: "source unreachable",
	}
	require.NoError(t, runs.Insert(ctx, ok))
	require.NoError(t, runs.Insert(ctx, stale))

	got, err := runs.LastSuccessful(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "run-ok", got.ID)

	latest, err := runs.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-stale", latest.ID)

	list, err := runs.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "run-stale", list[0].ID)
}

// =============================================================================
// SNAPSHOTS, CURVE, AUDIT
// =============================================================================

func TestSnapshots_LatestPerKey(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	snaps := store.Snapshots()

	t0 := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	rowAt := func(id string, at time.Time, scenario string) *snapshot.Row {
		return &snapshot.Row{
			ID: id, Month: "2025-03", Scenario: scenario, RulesVersion: "default",
			Doc:       json.RawMessage(`{"month":"2025-03"}`),
			CreatedAt: at,
		}
	}
	require.NoError(t, snaps.Insert(ctx, rowAt("s-1", t0, "")))
	require.NoError(t, snaps.Insert(ctx, rowAt("s-2", t0.Add(time.Hour), "")))
	require.NoError(t, snaps.Insert(ctx, rowAt("s-3", t0.Add(2*time.Hour), "what-if")))

	got, err := snaps.Latest(ctx, "2025-03", "")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "s-2", got.ID)
	assert.JSONEq(t, `{"month":"2025-03"}`, string(got.Doc))

	scenario, err := snaps.Latest(ctx, "2025-03", "what-if")
	require.NoError(t, err)
	assert.Equal(t, "s-3", scenario.ID)

	missing, err := snaps.Latest(ctx, "2025-01", "")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCurve_SetAndShare(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetCurve(ctx, map[int]float64{10: 0.3, 31: 1.0}))

	share, ok, err := store.Curve().Share(ctx, 10)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 0.3, share, 1e-9)

	_, ok, err = store.Curve().Share(ctx, 15)
	require.NoError(t, err)
	assert.False(t, ok)

	// Replacing the curve drops stale points
	require.NoError(t, store.SetCurve(ctx, map[int]float64{31: 1.0}))
	_, ok, err = store.Curve().Share(ctx, 10)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAudit_Append(t *testing.T) {
	store := newStore(t)

	err := store.Audit().Append(context.Background(), snapshot.AuditEvent{
		ID:     "ev-1",
		Kind:   snapshot.AuditCurveFallback,
		Detail: "no curve row for day 12, using linear share",
		At:     time.Now().UTC(),
	})

	assert.NoError(t, err)
}
