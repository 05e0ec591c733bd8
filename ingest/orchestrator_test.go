package ingest_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian/sales-engine/contract"
	"github.com/meridian/sales-engine/ingest"
	"github.com/meridian/sales-engine/reconcile"
	"github.com/meridian/sales-engine/store/memory"
)

// =============================================================================
// FAKE SOURCE
// =============================================================================

// fakeSource serves a fixed record set page by page, or fails with a
// configured error.
type fakeSource struct {
	records []json.RawMessage
	err     error
	calls   int
}

func (f *fakeSource) FetchPage(_ context.Context, _ string, offset, limit int) ([]json.RawMessage, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if offset >= len(f.records) {
		return []json.RawMessage{}, nil
	}
	end := offset + limit
	if end > len(f.records) {
		end = len(f.records)
	}
	return f.records[offset:end], nil
}

func record(id, holder string, premium int) json.RawMessage {
	payload := fmt.Sprintf(`{
		"numeroContrato": %q,
		"segurado": %q,
		"produto": "Seguro Auto",
		"seguradora": "Porto",
		"dataInicio": "2025-03-05",
		"dataFim": "2026-03-05",
		"premio": %d,
		"comissao": %d,
		"vendedor": "v-1",
		"status": "ativo"
	}`, id, holder, premium, premium/5)
	return json.RawMessage(payload)
}

func newOrchestrator(t *testing.T, source ingest.Source, opts ingest.Options) (*ingest.Orchestrator, *memory.Store) {
	t.Helper()
	store := memory.New()
	normalizer := contract.NewNormalizer(contract.DefaultFieldMap(), "corretora")
	engine := reconcile.NewEngine(store, store.Raws(), store.Customers(), nil)
	return ingest.NewOrchestrator(source, "corretora", normalizer, engine, store.Runs(), opts, nil), store
}

// =============================================================================
// INCREMENTAL RUNS
// =============================================================================

func TestRunIncremental_IngestsAndFinalizes(t *testing.T) {
	// GIVEN: 5 records served in pages of 2
	source := &fakeSource{records: []json.RawMessage{
		record("CT-1", "H-1", 1000),
		record("CT-2", "H-2", 2000),
		record("CT-3", "H-3", 3000),
		record("CT-4", "H-4", 4000),
		record("CT-5", "H-5", 5000),
	}}
	orch, store := newOrchestrator(t, source, ingest.Options{PageSize: 2, BatchSize: 2, Concurrency: 2})
	ctx := context.Background()

	run, err := orch.RunIncremental(ctx)
	require.NoError(t, err)
	require.NotNil(t, run)

	assert.Equal(t, ingest.StatusSuccess, run.Status)
	assert.Equal(t, 5, run.Fetched)
	assert.Equal(t, 5, run.Inserted)
	assert.Equal(t, 0, run.Duplicates)
	assert.False(t, run.FinishedAt.IsZero())

	all, err := store.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	// Raw payloads landed content-addressed.
	raw, err := store.Raws().Get(ctx, "corretora", "CT-3")
	require.NoError(t, err)
	require.NotNil(t, raw)

	// The run is queryable afterwards.
	latest, err := store.Runs().Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, run.ID, latest.ID)
}

func TestRunIncremental_RerunIsAllDuplicates(t *testing.T) {
	source := &fakeSource{records: []json.RawMessage{
		record("CT-1", "H-1", 1000),
		record("CT-2", "H-2", 2000),
	}}
	orch, _ := newOrchestrator(t, source, ingest.Options{})
	ctx := context.Background()

	first, err := orch.RunIncremental(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, first.Inserted)

	second, err := orch.RunIncremental(ctx)
	require.NoError(t, err)
	assert.Equal(t, ingest.StatusSuccess, second.Status)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 2, second.Duplicates)
}

func TestRunIncremental_UnreachableSourceIsStaleData(t *testing.T) {
	// GIVEN: a source that cannot be reached
	source := &fakeSource{err: fmt.Errorf("%w: connection refused", ingest.ErrSourceUnavailable)}
	orch, store := newOrchestrator(t, source, ingest.Options{})

	run, err := orch.RunIncremental(context.Background())

	// THEN: the run is returned alongside the error, finalized STALE_DATA
	require.Error(t, err)
	require.NotNil(t, run)
	assert.Equal(t, ingest.StatusStaleData, run.Status)
	assert.NotEmpty(t, run.Detail)

	// A degraded run never counts as the last successful one.
	last, err := store.Runs().LastSuccessful(context.Background())
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestRunIncremental_ProcessingErrorIsFailed(t *testing.T) {
	source := &fakeSource{err: fmt.Errorf("protocol violation")}
	orch, _ := newOrchestrator(t, source, ingest.Options{})

	run, err := orch.RunIncremental(context.Background())

	require.Error(t, err)
	require.NotNil(t, run)
	assert.Equal(t, ingest.StatusFailed, run.Status)
}

// =============================================================================
// BACKFILL
// =============================================================================

func TestRunBackfill_RejectsInvertedRange(t *testing.T) {
	orch, _ := newOrchestrator(t, &fakeSource{}, ingest.Options{})
	_, err := orch.RunBackfill(context.Background(),
		contract.NewDate(2025, time.March, 1), contract.NewDate(2025, time.January, 1))
	assert.Error(t, err)
}

func TestRunBackfill_ChunksPerMonth(t *testing.T) {
	// GIVEN: an empty source; the chunking itself is what is under test
	source := &fakeSource{}
	orch, _ := newOrchestrator(t, source, ingest.Options{})

	run, err := orch.RunBackfill(context.Background(),
		contract.NewDate(2025, time.January, 15), contract.NewDate(2025, time.March, 10))
	require.NoError(t, err)

	assert.Equal(t, ingest.StatusSuccess, run.Status)
	assert.Equal(t, 3, source.calls, "one page fetch per month chunk")
}

func TestMonthChunks(t *testing.T) {
	chunks := ingest.MonthChunks(
		contract.NewDate(2024, time.November, 20), contract.NewDate(2025, time.February, 3))
	assert.Equal(t, []contract.MonthRef{"2024-11", "2024-12", "2025-01", "2025-02"}, chunks)

	single := ingest.MonthChunks(
		contract.NewDate(2025, time.June, 1), contract.NewDate(2025, time.June, 30))
	assert.Equal(t, []contract.MonthRef{"2025-06"}, single)
}

// =============================================================================
// PAGER
// =============================================================================

func TestPager_ShortPageTerminates(t *testing.T) {
	source := &fakeSource{records: []json.RawMessage{
		record("CT-1", "H-1", 1000),
		record("CT-2", "H-2", 2000),
		record("CT-3", "H-3", 3000),
	}}
	pager := ingest.NewPager(source, "", 2)
	ctx := context.Background()

	page, ok, err := pager.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, page, 2)

	page, ok, err = pager.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, page, 1, "short page is still delivered")

	_, ok, err = pager.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "stream is exhausted after a short page")
	assert.Equal(t, 2, source.calls, "no extra fetch past the short page")
}

func TestPager_EmptyFirstPage(t *testing.T) {
	pager := ingest.NewPager(&fakeSource{}, "", 10)
	_, ok, err := pager.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

// =============================================================================
// RUN STORE CONTRACT
// =============================================================================

func TestRunStore_FinishIsTerminal(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	run := &ingest.Run{ID: "r-1", Kind: "incremental", StartedAt: time.Now().UTC(), Status: ingest.StatusRunning}
	require.NoError(t, store.Runs().Insert(ctx, run))

	run.Status = ingest.StatusSuccess
	run.FinishedAt = time.Now().UTC()
	require.NoError(t, store.Runs().Finish(ctx, run))

	run.Status = ingest.StatusFailed
	err := store.Runs().Finish(ctx, run)
	assert.ErrorIs(t, err, ingest.ErrRunFinalized)
}
