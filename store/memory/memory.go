/*
Package memory provides in-memory implementations of every storage
interface in the engine, for tests and local development.

All stores share one mutex-guarded Store value so tests can wire the full
stack against a single fixture. Semantics mirror the sqlite store: Insert
rejects duplicate ids, Latest queries resolve by recency, ledger entries
are append-only.
*/
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/meridian/sales-engine/contract"
	"github.com/meridian/sales-engine/ingest"
	"github.com/meridian/sales-engine/ledger"
	"github.com/meridian/sales-engine/renewal"
	"github.com/meridian/sales-engine/rules"
	"github.com/meridian/sales-engine/snapshot"
)

type rawKey struct {
	source   string
	sourceID string
}

type entryKey struct {
	contractID string
	month      contract.MonthRef
	scenario   string
}

type Store struct {
	mu sync.RWMutex

	contracts map[string]*contract.Contract
	raws      map[rawKey]contract.RawRecord
	customers map[string]contract.Customer

	versions []*rules.Version

	entries map[entryKey][]*ledger.Entry
	locks   map[contract.MonthRef]string

	actions []*renewal.Action

	runs []*ingest.Run

	snapshots []*snapshot.Row
	curve     map[int]float64
	audits    []snapshot.AuditEvent
}

func New() *Store {
	return &Store{
		contracts: map[string]*contract.Contract{},
		raws:      map[rawKey]contract.RawRecord{},
		customers: map[string]contract.Customer{},
		entries:   map[entryKey][]*ledger.Entry{},
		locks:     map[contract.MonthRef]string{},
		curve:     map[int]float64{},
	}
}

// =============================================================================
// CONTRACT STORE
// =============================================================================

func (s *Store) Insert(_ context.Context, c *contract.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contracts[c.ID]; ok {
		return contract.ErrDuplicateID
	}
	clone := *c
	s.contracts[c.ID] = &clone
	return nil
}

func (s *Store) Update(_ context.Context, c *contract.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contracts[c.ID]; !ok {
		return contract.ErrNotFound
	}
	clone := *c
	s.contracts[c.ID] = &clone
	return nil
}

func (s *Store) GetByID(_ context.Context, id string) (*contract.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.contracts[id]; ok {
		clone := *c
		return &clone, nil
	}
	return nil, nil
}

func (s *Store) GetBySourceID(_ context.Context, sourceID string) (*contract.Contract, error) {
	if sourceID == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.contracts {
		if c.SourceID == sourceID {
			clone := *c
			return &clone, nil
		}
	}
	return nil, nil
}

func (s *Store) LatestByRowHash(_ context.Context, rowHash string) (*contract.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *contract.Contract
	for _, c := range s.contracts {
		if c.RowHash != rowHash {
			continue
		}
		if best == nil || c.RecencyTime().After(best.RecencyTime()) {
			best = c
		}
	}
	if best == nil {
		return nil, nil
	}
	clone := *best
	return &clone, nil
}

func (s *Store) DeleteByRowHashExcept(_ context.Context, rowHash, keepID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, c := range s.contracts {
		if c.RowHash == rowHash && id != keepID {
			delete(s.contracts, id)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) ListByMonth(_ context.Context, month contract.MonthRef) ([]*contract.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked(func(c *contract.Contract) bool { return c.MonthRef == month }), nil
}

func (s *Store) ListByHolder(_ context.Context, holderID string) ([]*contract.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked(func(c *contract.Contract) bool { return c.HolderID == holderID }), nil
}

func (s *Store) ListAll(_ context.Context) ([]*contract.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked(func(*contract.Contract) bool { return true }), nil
}

func (s *Store) listLocked(match func(*contract.Contract) bool) []*contract.Contract {
	out := []*contract.Contract{}
	for _, c := range s.contracts {
		if match(c) {
			clone := *c
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) AggregateMonth(_ context.Context, month contract.MonthRef, cutoff contract.Date, statuses []string) (contract.MonthAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	allowed := map[string]bool{}
	for _, st := range statuses {
		allowed[st] = true
	}

	var agg contract.MonthAggregate
	for _, c := range s.contracts {
		if c.MonthRef != month || c.Invalid {
			continue
		}
		if len(allowed) > 0 && !allowed[c.Status] {
			continue
		}
		ev := c.EventDate()
		if ev == nil || ev.After(cutoff) {
			continue
		}
		agg.Count++
		agg.Premium = agg.Premium.Add(c.Premium)
		agg.Commission = agg.Commission.Add(c.Commission)
	}
	return agg, nil
}

// =============================================================================
// RAW AND CUSTOMER STORES
// =============================================================================

func (s *Store) UpsertRaw(_ context.Context, rec contract.RawRecord) (contract.RawOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := rawKey{source: rec.Source, sourceID: rec.SourceID}
	prev, ok := s.raws[k]
	if ok && prev.Hash == rec.Hash {
		return contract.RawUnchanged, nil
	}
	s.raws[k] = rec
	if ok {
		return contract.RawUpdated, nil
	}
	return contract.RawInserted, nil
}

func (s *Store) GetRaw(_ context.Context, source, sourceID string) (*contract.RawRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.raws[rawKey{source: source, sourceID: sourceID}]; ok {
		clone := rec
		return &clone, nil
	}
	return nil, nil
}

func (s *Store) UpsertCustomer(_ context.Context, c contract.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[c.HolderID] = c
	return nil
}

func (s *Store) GetCustomer(_ context.Context, holderID string) (*contract.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.customers[holderID]; ok {
		clone := c
		return &clone, nil
	}
	return nil, nil
}

// Raws adapts the store to contract.RawStore.
func (s *Store) Raws() contract.RawStore { return rawAdapter{s} }

// Customers adapts the store to contract.CustomerStore.
func (s *Store) Customers() contract.CustomerStore { return customerAdapter{s} }

type rawAdapter struct{ s *Store }

func (a rawAdapter) Upsert(ctx context.Context, rec contract.RawRecord) (contract.RawOutcome, error) {
	return a.s.UpsertRaw(ctx, rec)
}

func (a rawAdapter) Get(ctx context.Context, source, sourceID string) (*contract.RawRecord, error) {
	return a.s.GetRaw(ctx, source, sourceID)
}

type customerAdapter struct{ s *Store }

func (a customerAdapter) Upsert(ctx context.Context, c contract.Customer) error {
	return a.s.UpsertCustomer(ctx, c)
}

func (a customerAdapter) Get(ctx context.Context, holderID string) (*contract.Customer, error) {
	return a.s.GetCustomer(ctx, holderID)
}

// =============================================================================
// RULES STORE
// =============================================================================

type rulesAdapter struct{ s *Store }

// Rules adapts the store to rules.Store.
func (s *Store) Rules() rules.Store { return rulesAdapter{s} }

func (a rulesAdapter) Insert(_ context.Context, v *rules.Version) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	for _, existing := range a.s.versions {
		if existing.ID == v.ID {
			return rules.ErrDuplicateVersion
		}
	}
	clone := *v
	a.s.versions = append(a.s.versions, &clone)
	return nil
}

func (a rulesAdapter) GetByID(_ context.Context, id string) (*rules.Version, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	for _, v := range a.s.versions {
		if v.ID == id {
			clone := *v
			return &clone, nil
		}
	}
	return nil, nil
}

func (a rulesAdapter) List(_ context.Context) ([]*rules.Version, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	out := make([]*rules.Version, 0, len(a.s.versions))
	for _, v := range a.s.versions {
		clone := *v
		out = append(out, &clone)
	}
	return out, nil
}

// =============================================================================
// LEDGER STORES
// =============================================================================

type entriesAdapter struct{ s *Store }

// Entries adapts the store to ledger.Store.
func (s *Store) Entries() ledger.Store { return entriesAdapter{s} }

func (a entriesAdapter) Append(_ context.Context, e *ledger.Entry) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	k := entryKey{contractID: e.ContractID, month: e.Month, scenario: e.Scenario}
	clone := *e
	a.s.entries[k] = append(a.s.entries[k], &clone)
	return nil
}

func (a entriesAdapter) Latest(_ context.Context, contractID string, month contract.MonthRef, scenario string) (*ledger.Entry, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	chain := a.s.entries[entryKey{contractID: contractID, month: month, scenario: scenario}]
	if len(chain) == 0 {
		return nil, nil
	}
	clone := *chain[len(chain)-1]
	return &clone, nil
}

func (a entriesAdapter) ListMonth(_ context.Context, month contract.MonthRef, scenario string) ([]*ledger.Entry, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	out := []*ledger.Entry{}
	for k, chain := range a.s.entries {
		if k.month != month || k.scenario != scenario || len(chain) == 0 {
			continue
		}
		clone := *chain[len(chain)-1]
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContractID < out[j].ContractID })
	return out, nil
}

type locksAdapter struct{ s *Store }

// Locks adapts the store to ledger.LockStore.
func (s *Store) Locks() ledger.LockStore { return locksAdapter{s} }

func (a locksAdapter) IsClosed(_ context.Context, month contract.MonthRef) (bool, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	_, ok := a.s.locks[month]
	return ok, nil
}

func (a locksAdapter) Close(_ context.Context, month contract.MonthRef, by string) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	a.s.locks[month] = by
	return nil
}

func (a locksAdapter) Reopen(_ context.Context, month contract.MonthRef) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	delete(a.s.locks, month)
	return nil
}

// =============================================================================
// RENEWAL ACTION STORE
// =============================================================================

type actionsAdapter struct{ s *Store }

// Actions adapts the store to renewal.ActionStore.
func (s *Store) Actions() renewal.ActionStore { return actionsAdapter{s} }

func (a actionsAdapter) Insert(_ context.Context, act *renewal.Action) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	clone := *act
	a.s.actions = append(a.s.actions, &clone)
	return nil
}

func (a actionsAdapter) LatestByContract(_ context.Context) (map[string]*renewal.Action, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	out := map[string]*renewal.Action{}
	for _, act := range a.s.actions {
		cur, ok := out[act.ContractID]
		if !ok || act.RecordedAt.After(cur.RecordedAt) {
			clone := *act
			out[act.ContractID] = &clone
		}
	}
	return out, nil
}

// =============================================================================
// INGESTION RUN STORE
// =============================================================================

type runsAdapter struct{ s *Store }

// Runs adapts the store to ingest.RunStore.
func (s *Store) Runs() ingest.RunStore { return runsAdapter{s} }

func (a runsAdapter) Insert(_ context.Context, r *ingest.Run) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	clone := *r
	a.s.runs = append(a.s.runs, &clone)
	return nil
}

func (a runsAdapter) Finish(_ context.Context, r *ingest.Run) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	for i, existing := range a.s.runs {
		if existing.ID != r.ID {
			continue
		}
		if existing.Status != ingest.StatusRunning {
			return ingest.ErrRunFinalized
		}
		clone := *r
		a.s.runs[i] = &clone
		return nil
	}
	return contract.ErrNotFound
}

func (a runsAdapter) LastSuccessful(_ context.Context) (*ingest.Run, error) {
	return a.latestMatching(func(r *ingest.Run) bool { return r.Status == ingest.StatusSuccess })
}

func (a runsAdapter) Latest(_ context.Context) (*ingest.Run, error) {
	return a.latestMatching(func(*ingest.Run) bool { return true })
}

func (a runsAdapter) latestMatching(match func(*ingest.Run) bool) (*ingest.Run, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	var best *ingest.Run
	for _, r := range a.s.runs {
		if !match(r) {
			continue
		}
		if best == nil || r.StartedAt.After(best.StartedAt) {
			best = r
		}
	}
	if best == nil {
		return nil, nil
	}
	clone := *best
	return &clone, nil
}

func (a runsAdapter) List(_ context.Context, limit int) ([]*ingest.Run, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	out := make([]*ingest.Run, 0, len(a.s.runs))
	for _, r := range a.s.runs {
		clone := *r
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// =============================================================================
// SNAPSHOT STORES
// =============================================================================

type snapshotsAdapter struct{ s *Store }

// Snapshots adapts the store to snapshot.Store.
func (s *Store) Snapshots() snapshot.Store { return snapshotsAdapter{s} }

func (a snapshotsAdapter) Insert(_ context.Context, row *snapshot.Row) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	clone := *row
	a.s.snapshots = append(a.s.snapshots, &clone)
	return nil
}

func (a snapshotsAdapter) Latest(_ context.Context, month contract.MonthRef, scenario string) (*snapshot.Row, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	var best *snapshot.Row
	for _, row := range a.s.snapshots {
		if row.Month != month || row.Scenario != scenario {
			continue
		}
		if best == nil || row.CreatedAt.After(best.CreatedAt) {
			best = row
		}
	}
	if best == nil {
		return nil, nil
	}
	clone := *best
	return &clone, nil
}

// SetCurve replaces the pacing curve with day -> cumulative share points.
func (s *Store) SetCurve(points map[int]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.curve = map[int]float64{}
	for day, share := range points {
		s.curve[day] = share
	}
}

type curveAdapter struct{ s *Store }

// Curve adapts the store to snapshot.CurveStore.
func (s *Store) Curve() snapshot.CurveStore { return curveAdapter{s} }

func (a curveAdapter) Share(_ context.Context, day int) (float64, bool, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	share, ok := a.s.curve[day]
	return share, ok, nil
}

type auditAdapter struct{ s *Store }

// Audit adapts the store to snapshot.AuditStore.
func (s *Store) Audit() snapshot.AuditStore { return auditAdapter{s} }

func (a auditAdapter) Append(_ context.Context, ev snapshot.AuditEvent) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	a.s.audits = append(a.s.audits, ev)
	return nil
}

// AuditEvents returns a copy of recorded audit events, oldest first.
func (s *Store) AuditEvents() []snapshot.AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]snapshot.AuditEvent, len(s.audits))
	copy(out, s.audits)
	return out
}

var _ contract.Store = (*Store)(nil)
