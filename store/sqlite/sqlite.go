/*
Package sqlite provides the SQLite-backed implementation of every storage
interface in the engine.

PURPOSE:
  One Store value owns the database handle and exposes a typed adapter per
  interface (contracts, raw records, customers, rules versions, ledger
  entries, month locks, renewal actions, ingestion runs, snapshots, pacing
  curve, audit events).

APPEND-ONLY ENFORCEMENT:
  ledger_entries, snapshots and audit_events have no UPDATE or DELETE
  statements. Ledger recomputation appends a superseding row; "current" is
  the latest row per (contract, month, scenario).

KEY TABLES:
  contracts:        Canonical normalized contracts (the only mutable table)
  raw_records:      Last fetched payload per (source, source_id)
  customers:        Per-holder rollups, recomputed on change
  rules_versions:   Effective-dated XP rule sets, append-only
  ledger_entries:   Immutable XP ledger with supersede chains
  month_locks:      Months closed to recomputation
  renewal_actions:  Pipeline stage notes per contract
  ingest_runs:      Ingestion run history
  snapshots:        Immutable KPI documents
  pacing_curve:     Day-of-month cumulative commission shares
  audit_events:     Forced rebuilds and curve fallbacks

MONEY:
  Decimals are stored as TEXT and summed in Go. SQLite REAL arithmetic
  would reintroduce the float drift the decimal type exists to avoid.

WAL MODE:
  The database opens with WAL and foreign keys on. A sync.RWMutex
  serializes writers; SQLite allows only one anyway.

MIGRATION:
  Schema is auto-migrated on New(). Deployments wanting versioned
  migrations can lift the schema into golang-migrate unchanged.
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/meridian/sales-engine/contract"
	"github.com/meridian/sales-engine/ingest"
	"github.com/meridian/sales-engine/ledger"
	"github.com/meridian/sales-engine/renewal"
	"github.com/meridian/sales-engine/rules"
	"github.com/meridian/sales-engine/snapshot"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS contracts (
		id TEXT PRIMARY KEY,
		source_id TEXT,
		synthetic_id BOOLEAN NOT NULL DEFAULT FALSE,
		holder_id TEXT,
		product TEXT,
		branch TEXT,
		insurer TEXT,
		effective_date TEXT,
		start_date TEXT,
		end_date TEXT,
		premium TEXT NOT NULL,
		commission TEXT NOT NULL,
		commission_pct TEXT NOT NULL,
		salesperson_id TEXT,
		status TEXT,
		month_ref TEXT,
		row_hash TEXT NOT NULL,
		invalid BOOLEAN NOT NULL DEFAULT FALSE,
		incomplete BOOLEAN NOT NULL DEFAULT FALSE,
		missing_fields_json TEXT,
		external_modified_at TEXT,
		modified_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_contracts_row_hash ON contracts(row_hash);
	CREATE INDEX IF NOT EXISTS idx_contracts_source_id
		ON contracts(source_id) WHERE source_id != '';
	CREATE INDEX IF NOT EXISTS idx_contracts_month ON contracts(month_ref);
	CREATE INDEX IF NOT EXISTS idx_contracts_holder ON contracts(holder_id);

	CREATE TABLE IF NOT EXISTS raw_records (
		source TEXT NOT NULL,
		source_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		hash TEXT NOT NULL,
		fetched_at TEXT NOT NULL,
		PRIMARY KEY (source, source_id)
	);

	CREATE TABLE IF NOT EXISTS customers (
		holder_id TEXT PRIMARY KEY,
		first_seen TEXT,
		last_seen TEXT,
		active_branches_json TEXT,
		monoproduct BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rules_versions (
		id TEXT PRIMARY KEY,
		effective_from TEXT NOT NULL,
		effective_to TEXT,
		monthly_goal TEXT NOT NULL,
		working_days INTEGER NOT NULL,
		branch_weights_json TEXT NOT NULL,
		bonuses_json TEXT NOT NULL,
		penalty_lock BOOLEAN NOT NULL,
		note TEXT,
		created_by TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		contract_id TEXT NOT NULL,
		month TEXT NOT NULL,
		scenario TEXT NOT NULL DEFAULT '',
		salesperson_id TEXT,
		base TEXT NOT NULL,
		bonus TEXT NOT NULL,
		total TEXT NOT NULL,
		reasons_json TEXT,
		rules_version TEXT NOT NULL,
		input_hash TEXT NOT NULL,
		supersedes_id TEXT,
		calculated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_key
		ON ledger_entries(contract_id, month, scenario, calculated_at DESC);
	CREATE INDEX IF NOT EXISTS idx_ledger_month
		ON ledger_entries(month, scenario);

	CREATE TABLE IF NOT EXISTS month_locks (
		month TEXT PRIMARY KEY,
		closed_by TEXT,
		closed_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS renewal_actions (
		id TEXT PRIMARY KEY,
		contract_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		justified BOOLEAN NOT NULL DEFAULT FALSE,
		note TEXT,
		recorded_by TEXT,
		recorded_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_actions_contract
		ON renewal_actions(contract_id, recorded_at DESC);

	CREATE TABLE IF NOT EXISTS ingest_runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		criteria TEXT,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		status TEXT NOT NULL,
		fetched INTEGER NOT NULL DEFAULT 0,
		inserted INTEGER NOT NULL DEFAULT 0,
		updated INTEGER NOT NULL DEFAULT 0,
		duplicates INTEGER NOT NULL DEFAULT 0,
		detail TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON ingest_runs(started_at DESC);

	CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		month TEXT NOT NULL,
		scenario TEXT NOT NULL DEFAULT '',
		rules_version TEXT NOT NULL,
		doc TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_key
		ON snapshots(month, scenario, created_at DESC);

	CREATE TABLE IF NOT EXISTS pacing_curve (
		day INTEGER PRIMARY KEY,
		share REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		detail TEXT,
		at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// CONTRACT STORE (contract.Store interface)
// =============================================================================

const contractColumns = `id, source_id, synthetic_id, holder_id, product, branch, insurer,
	effective_date, start_date, end_date, premium, commission, commission_pct,
	salesperson_id, status, month_ref, row_hash, invalid, incomplete,
	missing_fields_json, external_modified_at, modified_at, created_at`

func (s *Store) Insert(ctx context.Context, c *contract.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contracts (`+contractColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		contractArgs(c)...)
	if err != nil {
		if isUniqueConstraintError(err) {
			return contract.ErrDuplicateID
		}
		return fmt.Errorf("inserting contract: %w", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, c *contract.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE contracts SET
			source_id = ?, synthetic_id = ?, holder_id = ?, product = ?,
			branch = ?, insurer = ?, effective_date = ?, start_date = ?,
			end_date = ?, premium = ?, commission = ?, commission_pct = ?,
			salesperson_id = ?, status = ?, month_ref = ?, row_hash = ?,
			invalid = ?, incomplete = ?, missing_fields_json = ?,
			external_modified_at = ?, modified_at = ?
		WHERE id = ?`,
		c.SourceID, c.SyntheticID, c.HolderID, c.Product,
		string(c.Branch), c.Insurer, dateOrNil(c.EffectiveDate), dateOrNil(c.StartDate),
		dateOrNil(c.EndDate), c.Premium.String(), c.Commission.String(), c.CommissionPct.String(),
		c.SalespersonID, c.Status, string(c.MonthRef), c.RowHash,
		c.Invalid, c.Incomplete, jsonOrNil(c.MissingFields),
		timeOrNil(c.ExternalModifiedAt), timeOrNil(c.ModifiedAt),
		c.ID)
	if err != nil {
		return fmt.Errorf("updating contract: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return contract.ErrNotFound
	}
	return nil
}

func contractArgs(c *contract.Contract) []any {
	return []any{
		c.ID, c.SourceID, c.SyntheticID, c.HolderID, c.Product, string(c.Branch), c.Insurer,
		dateOrNil(c.EffectiveDate), dateOrNil(c.StartDate), dateOrNil(c.EndDate),
		c.Premium.String(), c.Commission.String(), c.CommissionPct.String(),
		c.SalespersonID, c.Status, string(c.MonthRef), c.RowHash, c.Invalid, c.Incomplete,
		jsonOrNil(c.MissingFields), timeOrNil(c.ExternalModifiedAt), timeOrNil(c.ModifiedAt),
		time.Now().UTC().Format(time.RFC3339),
	}
}

func (s *Store) GetByID(ctx context.Context, id string) (*contract.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryOneContract(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = ?`, id)
}

func (s *Store) GetBySourceID(ctx context.Context, sourceID string) (*contract.Contract, error) {
	if sourceID == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryOneContract(ctx, `SELECT `+contractColumns+` FROM contracts WHERE source_id = ?`, sourceID)
}

func (s *Store) LatestByRowHash(ctx context.Context, rowHash string) (*contract.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Recency resolution (external > internal > created) lives in Go, so
	// rank candidates there rather than in SQL.
	list, err := s.queryContracts(ctx, `SELECT `+contractColumns+` FROM contracts WHERE row_hash = ?`, rowHash)
	if err != nil {
		return nil, err
	}
	var best *contract.Contract
	for _, c := range list {
		if best == nil || c.RecencyTime().After(best.RecencyTime()) {
			best = c
		}
	}
	return best, nil
}

func (s *Store) DeleteByRowHashExcept(ctx context.Context, rowHash, keepID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM contracts WHERE row_hash = ? AND id != ?`, rowHash, keepID)
	if err != nil {
		return 0, fmt.Errorf("collapsing duplicates: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) ListByMonth(ctx context.Context, month contract.MonthRef) ([]*contract.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryContracts(ctx,
		`SELECT `+contractColumns+` FROM contracts WHERE month_ref = ? ORDER BY id`, string(month))
}

func (s *Store) ListByHolder(ctx context.Context, holderID string) ([]*contract.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryContracts(ctx,
		`SELECT `+contractColumns+` FROM contracts WHERE holder_id = ? ORDER BY id`, holderID)
}

func (s *Store) ListAll(ctx context.Context) ([]*contract.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryContracts(ctx, `SELECT `+contractColumns+` FROM contracts ORDER BY id`)
}

// AggregateMonth sums in Go: premiums and commissions are TEXT decimals,
// and SQLite REAL arithmetic would introduce float drift.
func (s *Store) AggregateMonth(ctx context.Context, month contract.MonthRef, cutoff contract.Date, statuses []string) (contract.MonthAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list, err := s.queryContracts(ctx,
		`SELECT `+contractColumns+` FROM contracts WHERE month_ref = ? AND invalid = FALSE`, string(month))
	if err != nil {
		return contract.MonthAggregate{}, err
	}

	allowed := map[string]bool{}
	for _, st := range statuses {
		allowed[st] = true
	}

	var agg contract.MonthAggregate
	for _, c := range list {
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

func (s *Store) queryOneContract(ctx context.Context, query string, args ...any) (*contract.Contract, error) {
	list, err := s.queryContracts(ctx, query, args...)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

func (s *Store) queryContracts(ctx context.Context, query string, args ...any) ([]*contract.Contract, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying contracts: %w", err)
	}
	defer rows.Close()

	out := []*contract.Contract{}
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanContract(rows *sql.Rows) (*contract.Contract, error) {
	var c contract.Contract
	var branch, monthRef string
	var effective, start, end, missingJSON, extModified, modified sql.NullString
	var premium, commission, commissionPct, createdAt string

	if err := rows.Scan(
		&c.ID, &c.SourceID, &c.SyntheticID, &c.HolderID, &c.Product, &branch, &c.Insurer,
		&effective, &start, &end, &premium, &commission, &commissionPct,
		&c.SalespersonID, &c.Status, &monthRef, &c.RowHash, &c.Invalid, &c.Incomplete,
		&missingJSON, &extModified, &modified, &createdAt,
	); err != nil {
		return nil, fmt.Errorf("scanning contract: %w", err)
	}

	c.Branch = contract.Branch(branch)
	c.MonthRef = contract.MonthRef(monthRef)
	c.EffectiveDate = scanDate(effective)
	c.StartDate = scanDate(start)
	c.EndDate = scanDate(end)
	c.Premium = mustDecimal(premium)
	c.Commission = mustDecimal(commission)
	c.CommissionPct = mustDecimal(commissionPct)
	if missingJSON.Valid && missingJSON.String != "" {
		_ = json.Unmarshal([]byte(missingJSON.String), &c.MissingFields)
	}
	c.ExternalModifiedAt = scanTime(extModified)
	c.ModifiedAt = scanTime(modified)
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &c, nil
}

// =============================================================================
// RAW AND CUSTOMER STORES
// =============================================================================

type rawAdapter struct{ s *Store }

// Raws adapts the store to contract.RawStore.
func (s *Store) Raws() contract.RawStore { return rawAdapter{s} }

func (a rawAdapter) Upsert(ctx context.Context, rec contract.RawRecord) (contract.RawOutcome, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	var prevHash string
	err := a.s.db.QueryRowContext(ctx,
		`SELECT hash FROM raw_records WHERE source = ? AND source_id = ?`,
		rec.Source, rec.SourceID).Scan(&prevHash)
	switch {
	case err == sql.ErrNoRows:
		_, err = a.s.db.ExecContext(ctx, `
			INSERT INTO raw_records (source, source_id, payload, hash, fetched_at)
			VALUES (?, ?, ?, ?, ?)`,
			rec.Source, rec.SourceID, string(rec.Payload), rec.Hash,
			rec.FetchedAt.UTC().Format(time.RFC3339))
		if err != nil {
			return contract.RawUnchanged, fmt.Errorf("inserting raw record: %w", err)
		}
		return contract.RawInserted, nil
	case err != nil:
		return contract.RawUnchanged, fmt.Errorf("reading raw record: %w", err)
	case prevHash == rec.Hash:
		return contract.RawUnchanged, nil
	}

	_, err = a.s.db.ExecContext(ctx, `
		UPDATE raw_records SET payload = ?, hash = ?, fetched_at = ?
		WHERE source = ? AND source_id = ?`,
		string(rec.Payload), rec.Hash, rec.FetchedAt.UTC().Format(time.RFC3339),
		rec.Source, rec.SourceID)
	if err != nil {
		return contract.RawUnchanged, fmt.Errorf("updating raw record: %w", err)
	}
	return contract.RawUpdated, nil
}

func (a rawAdapter) Get(ctx context.Context, source, sourceID string) (*contract.RawRecord, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()

	var rec contract.RawRecord
	var payload, fetchedAt string
	err := a.s.db.QueryRowContext(ctx, `
		SELECT source, source_id, payload, hash, fetched_at
		FROM raw_records WHERE source = ? AND source_id = ?`,
		source, sourceID).Scan(&rec.Source, &rec.SourceID, &payload, &rec.Hash, &fetchedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading raw record: %w", err)
	}
	rec.Payload = json.RawMessage(payload)
	rec.FetchedAt, _ = time.Parse(time.RFC3339, fetchedAt)
	return &rec, nil
}

type customerAdapter struct{ s *Store }

// Customers adapts the store to contract.CustomerStore.
func (s *Store) Customers() contract.CustomerStore { return customerAdapter{s} }

func (a customerAdapter) Upsert(ctx context.Context, c contract.Customer) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	branches, _ := json.Marshal(c.ActiveBranches)
	_, err := a.s.db.ExecContext(ctx, `
		INSERT INTO customers (holder_id, first_seen, last_seen, active_branches_json, monoproduct, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(holder_id) DO UPDATE SET
			first_seen = excluded.first_seen,
			last_seen = excluded.last_seen,
			active_branches_json = excluded.active_branches_json,
			monoproduct = excluded.monoproduct,
			updated_at = excluded.updated_at`,
		c.HolderID, c.FirstSeen.String(), c.LastSeen.String(), string(branches),
		c.Monoproduct, c.UpdatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upserting customer: %w", err)
	}
	return nil
}

func (a customerAdapter) Get(ctx context.Context, holderID string) (*contract.Customer, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()

	var c contract.Customer
	var firstSeen, lastSeen, branchesJSON, updatedAt string
	err := a.s.db.QueryRowContext(ctx, `
		SELECT holder_id, first_seen, last_seen, active_branches_json, monoproduct, updated_at
		FROM customers WHERE holder_id = ?`, holderID).
		Scan(&c.HolderID, &firstSeen, &lastSeen, &branchesJSON, &c.Monoproduct, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading customer: %w", err)
	}
	if d, ok := contract.ParseDate(firstSeen); ok {
		c.FirstSeen = d
	}
	if d, ok := contract.ParseDate(lastSeen); ok {
		c.LastSeen = d
	}
	_ = json.Unmarshal([]byte(branchesJSON), &c.ActiveBranches)
	c.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &c, nil
}

// =============================================================================
// RULES STORE (rules.Store interface)
// =============================================================================

type rulesAdapter struct{ s *Store }

// Rules adapts the store to rules.Store.
func (s *Store) Rules() rules.Store { return rulesAdapter{s} }

func (a rulesAdapter) Insert(ctx context.Context, v *rules.Version) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	weights, _ := json.Marshal(v.BranchWeights)
	bonuses, _ := json.Marshal(v.Bonuses)
	var effectiveTo any
	if v.EffectiveTo != nil {
		effectiveTo = v.EffectiveTo.String()
	}
	_, err := a.s.db.ExecContext(ctx, `
		INSERT INTO rules_versions
		(id, effective_from, effective_to, monthly_goal, working_days,
		 branch_weights_json, bonuses_json, penalty_lock, note, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.EffectiveFrom.String(), effectiveTo, v.MonthlyGoal.String(), v.WorkingDays,
		string(weights), string(bonuses), v.PenaltyLock, v.Note, v.CreatedBy,
		v.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		if isUniqueConstraintError(err) {
			return rules.ErrDuplicateVersion
		}
		return fmt.Errorf("inserting rules version: %w", err)
	}
	return nil
}

func (a rulesAdapter) GetByID(ctx context.Context, id string) (*rules.Version, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()

	list, err := a.queryVersions(ctx, `WHERE id = ?`, id)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

func (a rulesAdapter) List(ctx context.Context) ([]*rules.Version, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	return a.queryVersions(ctx, `ORDER BY effective_from`)
}

func (a rulesAdapter) queryVersions(ctx context.Context, clause string, args ...any) ([]*rules.Version, error) {
	rows, err := a.s.db.QueryContext(ctx, `
		SELECT id, effective_from, effective_to, monthly_goal, working_days,
		       branch_weights_json, bonuses_json, penalty_lock, note, created_by, created_at
		FROM rules_versions `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("querying rules versions: %w", err)
	}
	defer rows.Close()

	out := []*rules.Version{}
	for rows.Next() {
		var v rules.Version
		var effectiveFrom, goal, weightsJSON, bonusesJSON, createdAt string
		var effectiveTo sql.NullString
		if err := rows.Scan(&v.ID, &effectiveFrom, &effectiveTo, &goal, &v.WorkingDays,
			&weightsJSON, &bonusesJSON, &v.PenaltyLock, &v.Note, &v.CreatedBy, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning rules version: %w", err)
		}
		if d, ok := contract.ParseDate(effectiveFrom); ok {
			v.EffectiveFrom = d
		}
		if effectiveTo.Valid {
			if d, ok := contract.ParseDate(effectiveTo.String); ok {
				v.EffectiveTo = &d
			}
		}
		v.MonthlyGoal = mustDecimal(goal)
		_ = json.Unmarshal([]byte(weightsJSON), &v.BranchWeights)
		_ = json.Unmarshal([]byte(bonusesJSON), &v.Bonuses)
		v.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, &v)
	}
	return out, rows.Err()
}

// =============================================================================
// LEDGER STORES (ledger.Store, ledger.LockStore interfaces)
// =============================================================================

type entriesAdapter struct{ s *Store }

// Entries adapts the store to ledger.Store.
func (s *Store) Entries() ledger.Store { return entriesAdapter{s} }

func (a entriesAdapter) Append(ctx context.Context, e *ledger.Entry) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	reasons, _ := json.Marshal(e.Reasons)
	_, err := a.s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(id, contract_id, month, scenario, salesperson_id, base, bonus, total,
		 reasons_json, rules_version, input_hash, supersedes_id, calculated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ContractID, string(e.Month), e.Scenario, e.SalespersonID,
		e.Base.String(), e.Bonus.String(), e.Total.String(),
		string(reasons), e.RulesVersion, e.InputHash, e.SupersedesID,
		e.CalculatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("appending ledger entry: %w", err)
	}
	return nil
}

const entryColumns = `id, contract_id, month, scenario, salesperson_id, base, bonus, total,
	reasons_json, rules_version, input_hash, supersedes_id, calculated_at`

func (a entriesAdapter) Latest(ctx context.Context, contractID string, month contract.MonthRef, scenario string) (*ledger.Entry, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()

	list, err := a.queryEntries(ctx, `
		WHERE contract_id = ? AND month = ? AND scenario = ?
		ORDER BY calculated_at DESC, id DESC LIMIT 1`,
		contractID, string(month), scenario)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

// ListMonth returns the current (non-superseded) entry per contract.
func (a entriesAdapter) ListMonth(ctx context.Context, month contract.MonthRef, scenario string) ([]*ledger.Entry, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()

	all, err := a.queryEntries(ctx, `
		WHERE month = ? AND scenario = ?
		ORDER BY calculated_at, id`, string(month), scenario)
	if err != nil {
		return nil, err
	}
	latest := map[string]*ledger.Entry{}
	for _, e := range all {
		latest[e.ContractID] = e
	}
	out := make([]*ledger.Entry, 0, len(latest))
	for _, e := range latest {
		out = append(out, e)
	}
	return out, nil
}

func (a entriesAdapter) queryEntries(ctx context.Context, clause string, args ...any) ([]*ledger.Entry, error) {
	rows, err := a.s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("querying ledger entries: %w", err)
	}
	defer rows.Close()

	out := []*ledger.Entry{}
	for rows.Next() {
		var e ledger.Entry
		var month, base, bonus, total, calculatedAt string
		var reasonsJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.ContractID, &month, &e.Scenario, &e.SalespersonID,
			&base, &bonus, &total, &reasonsJSON, &e.RulesVersion, &e.InputHash,
			&e.SupersedesID, &calculatedAt); err != nil {
			return nil, fmt.Errorf("scanning ledger entry: %w", err)
		}
		e.Month = contract.MonthRef(month)
		e.Base = mustDecimal(base)
		e.Bonus = mustDecimal(bonus)
		e.Total = mustDecimal(total)
		if reasonsJSON.Valid && reasonsJSON.String != "" {
			_ = json.Unmarshal([]byte(reasonsJSON.String), &e.Reasons)
		}
		e.CalculatedAt, _ = time.Parse(time.RFC3339, calculatedAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

type locksAdapter struct{ s *Store }

// Locks adapts the store to ledger.LockStore.
func (s *Store) Locks() ledger.LockStore { return locksAdapter{s} }

func (a locksAdapter) IsClosed(ctx context.Context, month contract.MonthRef) (bool, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()

	var one int
	err := a.s.db.QueryRowContext(ctx,
		`SELECT 1 FROM month_locks WHERE month = ?`, string(month)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading month lock: %w", err)
	}
	return true, nil
}

func (a locksAdapter) Close(ctx context.Context, month contract.MonthRef, by string) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	_, err := a.s.db.ExecContext(ctx, `
		INSERT INTO month_locks (month, closed_by, closed_at) VALUES (?, ?, ?)
		ON CONFLICT(month) DO UPDATE SET closed_by = excluded.closed_by, closed_at = excluded.closed_at`,
		string(month), by, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("closing month: %w", err)
	}
	return nil
}

func (a locksAdapter) Reopen(ctx context.Context, month contract.MonthRef) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	_, err := a.s.db.ExecContext(ctx, `DELETE FROM month_locks WHERE month = ?`, string(month))
	if err != nil {
		return fmt.Errorf("reopening month: %w", err)
	}
	return nil
}

// =============================================================================
// RENEWAL ACTION STORE (renewal.ActionStore interface)
// =============================================================================

type actionsAdapter struct{ s *Store }

// Actions adapts the store to renewal.ActionStore.
func (s *Store) Actions() renewal.ActionStore { return actionsAdapter{s} }

func (a actionsAdapter) Insert(ctx context.Context, act *renewal.Action) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	_, err := a.s.db.ExecContext(ctx, `
		INSERT INTO renewal_actions (id, contract_id, stage, justified, note, recorded_by, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		act.ID, act.ContractID, act.Stage, act.Justified, act.Note, act.RecordedBy,
		act.RecordedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting renewal action: %w", err)
	}
	return nil
}

func (a actionsAdapter) LatestByContract(ctx context.Context) (map[string]*renewal.Action, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()

	rows, err := a.s.db.QueryContext(ctx, `
		SELECT id, contract_id, stage, justified, note, recorded_by, recorded_at
		FROM renewal_actions ORDER BY recorded_at, id`)
	if err != nil {
		return nil, fmt.Errorf("querying renewal actions: %w", err)
	}
	defer rows.Close()

	out := map[string]*renewal.Action{}
	for rows.Next() {
		var act renewal.Action
		var recordedAt string
		if err := rows.Scan(&act.ID, &act.ContractID, &act.Stage, &act.Justified,
			&act.Note, &act.RecordedBy, &recordedAt); err != nil {
			return nil, fmt.Errorf("scanning renewal action: %w", err)
		}
		act.RecordedAt, _ = time.Parse(time.RFC3339, recordedAt)
		out[act.ContractID] = &act
	}
	return out, rows.Err()
}

// =============================================================================
// INGESTION RUN STORE (ingest.RunStore interface)
// =============================================================================

type runsAdapter struct{ s *Store }

// Runs adapts the store to ingest.RunStore.
func (s *Store) Runs() ingest.RunStore { return runsAdapter{s} }

func (a runsAdapter) Insert(ctx context.Context, r *ingest.Run) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	_, err := a.s.db.ExecContext(ctx, `
		INSERT INTO ingest_runs
		(id, kind, criteria, started_at, finished_at, status, fetched, inserted, updated, duplicates, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Kind, r.Criteria, r.StartedAt.UTC().Format(time.RFC3339),
		timeOrNil(r.FinishedAt), string(r.Status),
		r.Fetched, r.Inserted, r.Updated, r.Duplicates, r.Detail)
	if err != nil {
		return fmt.Errorf("inserting ingestion run: %w", err)
	}
	return nil
}

func (a runsAdapter) Finish(ctx context.Context, r *ingest.Run) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	res, err := a.s.db.ExecContext(ctx, `
		UPDATE ingest_runs SET
			finished_at = ?, status = ?, fetched = ?, inserted = ?, updated = ?, duplicates = ?, detail = ?
		WHERE id = ? AND status = ?`,
		timeOrNil(r.FinishedAt), string(r.Status),
		r.Fetched, r.Inserted, r.Updated, r.Duplicates, r.Detail,
		r.ID, string(ingest.StatusRunning))
	if err != nil {
		return fmt.Errorf("finishing ingestion run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ingest.ErrRunFinalized
	}
	return nil
}

func (a runsAdapter) LastSuccessful(ctx context.Context) (*ingest.Run, error) {
	return a.queryOneRun(ctx, `WHERE status = ? ORDER BY started_at DESC LIMIT 1`,
		string(ingest.StatusSuccess))
}

func (a runsAdapter) Latest(ctx context.Context) (*ingest.Run, error) {
	return a.queryOneRun(ctx, `ORDER BY started_at DESC LIMIT 1`)
}

func (a runsAdapter) queryOneRun(ctx context.Context, clause string, args ...any) (*ingest.Run, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()

	list, err := a.queryRuns(ctx, clause, args...)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

func (a runsAdapter) List(ctx context.Context, limit int) ([]*ingest.Run, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	return a.queryRuns(ctx, `ORDER BY started_at DESC LIMIT ?`, limit)
}

func (a runsAdapter) queryRuns(ctx context.Context, clause string, args ...any) ([]*ingest.Run, error) {
	rows, err := a.s.db.QueryContext(ctx, `
		SELECT id, kind, criteria, started_at, finished_at, status, fetched, inserted, updated, duplicates, detail
		FROM ingest_runs `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("querying ingestion runs: %w", err)
	}
	defer rows.Close()

	out := []*ingest.Run{}
	for rows.Next() {
		var r ingest.Run
		var startedAt, status string
		var finishedAt sql.NullString
		if err := rows.Scan(&r.ID, &r.Kind, &r.Criteria, &startedAt, &finishedAt, &status,
			&r.Fetched, &r.Inserted, &r.Updated, &r.Duplicates, &r.Detail); err != nil {
			return nil, fmt.Errorf("scanning ingestion run: %w", err)
		}
		r.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		r.FinishedAt = scanTime(finishedAt)
		r.Status = ingest.Status(status)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// =============================================================================
// SNAPSHOT STORES (snapshot.Store, CurveStore, AuditStore interfaces)
// =============================================================================

type snapshotsAdapter struct{ s *Store }

// Snapshots adapts the store to snapshot.Store.
func (s *Store) Snapshots() snapshot.Store { return snapshotsAdapter{s} }

func (a snapshotsAdapter) Insert(ctx context.Context, row *snapshot.Row) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	_, err := a.s.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, month, scenario, rules_version, doc, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		row.ID, string(row.Month), row.Scenario, row.RulesVersion, string(row.Doc),
		row.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting snapshot: %w", err)
	}
	return nil
}

func (a snapshotsAdapter) Latest(ctx context.Context, month contract.MonthRef, scenario string) (*snapshot.Row, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()

	var row snapshot.Row
	var monthStr, doc, createdAt string
	err := a.s.db.QueryRowContext(ctx, `
		SELECT id, month, scenario, rules_version, doc, created_at
		FROM snapshots WHERE month = ? AND scenario = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`,
		string(month), scenario).
		Scan(&row.ID, &monthStr, &row.Scenario, &row.RulesVersion, &doc, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	row.Month = contract.MonthRef(monthStr)
	row.Doc = json.RawMessage(doc)
	row.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &row, nil
}

type curveAdapter struct{ s *Store }

// Curve adapts the store to snapshot.CurveStore.
func (s *Store) Curve() snapshot.CurveStore { return curveAdapter{s} }

func (a curveAdapter) Share(ctx context.Context, day int) (float64, bool, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()

	var share float64
	err := a.s.db.QueryRowContext(ctx,
		`SELECT share FROM pacing_curve WHERE day = ?`, day).Scan(&share)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading pacing curve: %w", err)
	}
	return share, true, nil
}

// SetCurve replaces the pacing curve with day -> cumulative share points.
func (s *Store) SetCurve(ctx context.Context, points map[int]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replacing pacing curve: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pacing_curve`); err != nil {
		return fmt.Errorf("clearing pacing curve: %w", err)
	}
	for day, share := range points {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pacing_curve (day, share) VALUES (?, ?)`, day, share); err != nil {
			return fmt.Errorf("writing pacing curve: %w", err)
		}
	}
	return tx.Commit()
}

type auditAdapter struct{ s *Store }

// Audit adapts the store to snapshot.AuditStore.
func (s *Store) Audit() snapshot.AuditStore { return auditAdapter{s} }

func (a auditAdapter) Append(ctx context.Context, ev snapshot.AuditEvent) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	_, err := a.s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, kind, detail, at) VALUES (?, ?, ?, ?)`,
		ev.ID, ev.Kind, ev.Detail, ev.At.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

var _ contract.Store = (*Store)(nil)

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func dateOrNil(d *contract.Date) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func timeOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func jsonOrNil(fields []string) any {
	if len(fields) == 0 {
		return nil
	}
	b, _ := json.Marshal(fields)
	return string(b)
}

func scanDate(ns sql.NullString) *contract.Date {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	d, ok := contract.ParseDate(ns.String)
	if !ok {
		return nil
	}
	return &d
}

func scanTime(ns sql.NullString) time.Time {
	if !ns.Valid || ns.String == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339, ns.String)
	return t
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
