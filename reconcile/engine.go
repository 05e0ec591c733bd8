/*
Package reconcile decides, per normalized contract, whether to insert,
update, or discard-as-duplicate against prior state.

PURPOSE:
  The source re-issues identifiers for records that are semantically the
  same contract. The engine collapses that churn back to one row using the
  content fingerprint plus timestamp survivorship, while batch-scoped caches
  keep intra-batch items consistent without redundant lookups.

ALGORITHM (per item):
  1. Find the current survivor for the item's row hash. A survivor under a
     different id wins unless the incoming record's resolved timestamp is
     strictly newer; the loser is discarded as a duplicate.
  2. Find existing state by external identifier, then by contract id.
     Missing -> insert. Present with unchanged hash, populated salesperson
     and no newer timestamp -> no-op duplicate. Otherwise update in place.
  3. After identifier churn, purge every other row sharing the hash so
     exactly one row survives.
  4. Write the item's effect back into the batch caches so later items in
     the same batch observe it.

IDEMPOTENCE:
  Re-running a batch over already-reconciled data reports every item as a
  duplicate and changes nothing. That property is the recovery path for
  interrupted ingestion runs.
*/
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridian/sales-engine/contract"
)

// Outcome classifies what the engine did with one item.
type Outcome int

const (
	OutcomeDuplicate Outcome = iota
	OutcomeInserted
	OutcomeUpdated
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	default:
		return "duplicate"
	}
}

// Result aggregates outcomes over a batch.
type Result struct {
	Inserted   int
	Updated    int
	Duplicates int
}

func (r *Result) add(o Outcome) {
	switch o {
	case OutcomeInserted:
		r.Inserted++
	case OutcomeUpdated:
		r.Updated++
	default:
		r.Duplicates++
	}
}

// Item pairs a normalized contract with the raw payload it came from.
type Item struct {
	Contract contract.Contract
	Raw      *contract.RawRecord
}

// Engine reconciles normalized contracts against stored state.
type Engine struct {
	contracts contract.Store
	raws      contract.RawStore
	customers contract.CustomerStore
	logger    *zap.Logger
	now       func() time.Time
}

func NewEngine(contracts contract.Store, raws contract.RawStore, customers contract.CustomerStore, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		contracts: contracts,
		raws:      raws,
		customers: customers,
		logger:    logger,
		now:       time.Now,
	}
}

// =============================================================================
// BATCH - Scoped lookup caches, one per record batch
// =============================================================================

// Batch holds the short-lived caches for one batch of items. Build one per
// batch and discard it; the caches must not outlive the batch.
type Batch struct {
	engine *Engine

	mu      sync.Mutex
	byHash  map[string]*contract.Contract
	byID    map[string]*contract.Contract
	holders map[string]bool
	result  Result
}

func (e *Engine) NewBatch() *Batch {
	return &Batch{
		engine:  e,
		byHash:  map[string]*contract.Contract{},
		byID:    map[string]*contract.Contract{},
		holders: map[string]bool{},
	}
}

// Result returns the outcome counts accumulated so far.
func (b *Batch) Result() Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.result
}

// Apply reconciles one item. Safe for concurrent use, but callers must
// serialize items sharing a row hash (the orchestrator holds a per-hash
// lock around this call).
func (b *Batch) Apply(ctx context.Context, item Item) (Outcome, error) {
	e := b.engine
	c := item.Contract

	// Raw payloads are stored content-addressed, independent of the
	// contract-level outcome.
	if item.Raw != nil && e.raws != nil && item.Raw.SourceID != "" {
		if _, err := e.raws.Upsert(ctx, *item.Raw); err != nil {
			return OutcomeDuplicate, fmt.Errorf("upserting raw payload: %w", err)
		}
	}

	outcome, err := b.applyContract(ctx, c)
	if err != nil {
		return outcome, err
	}

	b.mu.Lock()
	b.result.add(outcome)
	if outcome != OutcomeDuplicate && c.HolderID != "" {
		b.holders[c.HolderID] = true
	}
	b.mu.Unlock()
	return outcome, nil
}

func (b *Batch) applyContract(ctx context.Context, c contract.Contract) (Outcome, error) {
	e := b.engine

	// Step 1: fingerprint survivorship.
	survivor, err := b.latestByHash(ctx, c.RowHash)
	if err != nil {
		return OutcomeDuplicate, err
	}
	churn := false
	if survivor != nil && survivor.ID != c.ID {
		if !c.RecencyTime().After(survivor.RecencyTime()) {
			e.logger.Debug("discarding fingerprint duplicate",
				zap.String("incoming_id", c.ID),
				zap.String("survivor_id", survivor.ID))
			return OutcomeDuplicate, nil
		}
		churn = true
	}

	// Step 2: existing state by external identifier, then contract id.
	existing, err := b.existing(ctx, &c)
	if err != nil {
		return OutcomeDuplicate, err
	}

	var outcome Outcome
	now := e.now().UTC()
	switch {
	case existing == nil:
		c.CreatedAt = now
		c.ModifiedAt = now
		if err := e.contracts.Insert(ctx, &c); err != nil {
			return OutcomeDuplicate, fmt.Errorf("inserting contract %s: %w", c.ID, err)
		}
		outcome = OutcomeInserted

	case existing.RowHash == c.RowHash &&
		existing.SalespersonID != "" &&
		!c.RecencyTime().After(existing.RecencyTime()):
		outcome = OutcomeDuplicate
		c = *existing

	default:
		c.ID = existing.ID
		c.CreatedAt = existing.CreatedAt
		c.ModifiedAt = now
		if err := e.contracts.Update(ctx, &c); err != nil {
			return OutcomeDuplicate, fmt.Errorf("updating contract %s: %w", c.ID, err)
		}
		outcome = OutcomeUpdated
	}

	// Step 3: collapse identifier churn to the just-written row.
	if churn && outcome != OutcomeDuplicate {
		purged, err := e.contracts.DeleteByRowHashExcept(ctx, c.RowHash, c.ID)
		if err != nil {
			return outcome, fmt.Errorf("purging fingerprint duplicates: %w", err)
		}
		if purged > 0 {
			e.logger.Info("collapsed identifier churn",
				zap.String("row_hash", c.RowHash),
				zap.String("kept_id", c.ID),
				zap.Int("purged", purged))
		}
	}

	// Step 4: cache writeback.
	b.mu.Lock()
	kept := c
	b.byHash[kept.RowHash] = &kept
	b.byID[kept.ID] = &kept
	if kept.SourceID != "" {
		b.byID[kept.SourceID] = &kept
	}
	b.mu.Unlock()

	return outcome, nil
}

func (b *Batch) latestByHash(ctx context.Context, hash string) (*contract.Contract, error) {
	b.mu.Lock()
	if c, ok := b.byHash[hash]; ok {
		b.mu.Unlock()
		return c, nil
	}
	b.mu.Unlock()
	c, err := b.engine.contracts.LatestByRowHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("looking up fingerprint survivor: %w", err)
	}
	return c, nil
}

func (b *Batch) existing(ctx context.Context, c *contract.Contract) (*contract.Contract, error) {
	b.mu.Lock()
	if c.SourceID != "" {
		if hit, ok := b.byID[c.SourceID]; ok {
			b.mu.Unlock()
			return hit, nil
		}
	}
	if hit, ok := b.byID[c.ID]; ok {
		b.mu.Unlock()
		return hit, nil
	}
	b.mu.Unlock()

	if c.SourceID != "" {
		hit, err := b.engine.contracts.GetBySourceID(ctx, c.SourceID)
		if err != nil {
			return nil, fmt.Errorf("looking up by source id: %w", err)
		}
		if hit != nil {
			return hit, nil
		}
	}
	hit, err := b.engine.contracts.GetByID(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("looking up by contract id: %w", err)
	}
	return hit, nil
}

// Finish refreshes the derived customer rollups for every holder the batch
// touched. Call once after all items are applied.
func (b *Batch) Finish(ctx context.Context) error {
	if b.engine.customers == nil {
		return nil
	}
	b.mu.Lock()
	holders := make([]string, 0, len(b.holders))
	for h := range b.holders {
		holders = append(holders, h)
	}
	b.mu.Unlock()

	for _, holder := range holders {
		contracts, err := b.engine.contracts.ListByHolder(ctx, holder)
		if err != nil {
			return fmt.Errorf("loading contracts for holder %s: %w", holder, err)
		}
		cust := contract.BuildCustomer(holder, contracts)
		cust.UpdatedAt = b.engine.now().UTC()
		if err := b.engine.customers.Upsert(ctx, cust); err != nil {
			return fmt.Errorf("upserting customer %s: %w", holder, err)
		}
	}
	return nil
}
