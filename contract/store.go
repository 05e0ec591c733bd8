/*
store.go - Persistence contracts required by the engine

PURPOSE:
  Defines the read/write contracts the reconciliation, ledger, renewal and
  snapshot components need from storage. The physical technology is a
  collaborator: store/sqlite implements these for production, store/memory
  for tests.

CONTRACT TABLE INVARIANTS (enforced by the reconciliation engine plus
unique constraints at the storage boundary):
  - ID is unique.
  - Rows are mutated only by the reconciliation engine.
  - Rows are deleted only as detected fingerprint duplicates.

RAW PAYLOADS:
  Content-addressed upsert keyed by (source, source id): unchanged hash is a
  no-op, changed hash overwrites, new key inserts. This is a content store,
  not an append log.
*/
package contract

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrDuplicateID is returned when an insert collides with an existing
	// contract id.
	ErrDuplicateID = errors.New("contract id already exists")

	// ErrNotFound is returned by updates targeting a missing row.
	ErrNotFound = errors.New("contract not found")
)

// RawOutcome describes what a raw payload upsert did.
type RawOutcome int

const (
	RawUnchanged RawOutcome = iota
	RawInserted
	RawUpdated
)

// Store is the contract persistence interface.
type Store interface {
	Insert(ctx context.Context, c *Contract) error
	Update(ctx context.Context, c *Contract) error

	// GetByID returns nil, nil when absent.
	GetByID(ctx context.Context, id string) (*Contract, error)

	// GetBySourceID returns nil, nil when absent or when sourceID is empty.
	GetBySourceID(ctx context.Context, sourceID string) (*Contract, error)

	// LatestByRowHash returns the most recent row (by resolved recency time)
	// carrying the fingerprint, or nil, nil.
	LatestByRowHash(ctx context.Context, rowHash string) (*Contract, error)

	// DeleteByRowHashExcept hard-deletes every row sharing the fingerprint
	// except keepID, returning the number of rows removed. This is the
	// identifier-churn collapse mechanism; it is the only delete path.
	DeleteByRowHashExcept(ctx context.Context, rowHash, keepID string) (int, error)

	// ListByMonth returns contracts whose MonthRef equals month.
	ListByMonth(ctx context.Context, month MonthRef) ([]*Contract, error)

	// ListByHolder returns every contract for one holder, all months.
	ListByHolder(ctx context.Context, holderID string) ([]*Contract, error)

	// ListAll returns every stored contract. The ledger engine's cross-sell
	// pass and the renewal matcher need the full portfolio.
	ListAll(ctx context.Context) ([]*Contract, error)

	// AggregateMonth computes sum/count aggregates for a month, restricted
	// to contracts whose event date is on or before cutoff and whose status
	// is in statuses (empty = all), skipping invalid rows.
	AggregateMonth(ctx context.Context, month MonthRef, cutoff Date, statuses []string) (MonthAggregate, error)
}

// MonthAggregate carries the sum/count aggregates the snapshot builder reads.
type MonthAggregate struct {
	Count      int
	Premium    decimal.Decimal
	Commission decimal.Decimal
}

// MarginPct returns the aggregate commission/premium percentage.
func (a MonthAggregate) MarginPct() decimal.Decimal {
	if a.Premium.IsZero() {
		return decimal.Zero
	}
	return a.Commission.Div(a.Premium).Mul(decimal.NewFromInt(100))
}

// AvgTicket returns the average commission per contract.
func (a MonthAggregate) AvgTicket() decimal.Decimal {
	if a.Count == 0 {
		return decimal.Zero
	}
	return a.Commission.Div(decimal.NewFromInt(int64(a.Count)))
}

// RawStore is the content-addressed raw payload store.
type RawStore interface {
	Upsert(ctx context.Context, rec RawRecord) (RawOutcome, error)
	Get(ctx context.Context, source, sourceID string) (*RawRecord, error)
}

// CustomerStore persists the derived per-holder rollup.
type CustomerStore interface {
	Upsert(ctx context.Context, c Customer) error
	Get(ctx context.Context, holderID string) (*Customer, error)
}

// BuildCustomer derives the rollup from a holder's current contracts.
func BuildCustomer(holderID string, contracts []*Contract) Customer {
	cust := Customer{HolderID: holderID}
	branches := map[Branch]bool{}
	for _, c := range contracts {
		if c.Invalid {
			continue
		}
		branches[c.Branch] = true
		if ev := c.EventDate(); ev != nil {
			if cust.FirstSeen.IsZero() || ev.Before(cust.FirstSeen) {
				cust.FirstSeen = *ev
			}
			if cust.LastSeen.IsZero() || ev.After(cust.LastSeen) {
				cust.LastSeen = *ev
			}
		}
	}
	for _, b := range AllBranches {
		if branches[b] {
			cust.ActiveBranches = append(cust.ActiveBranches, b)
		}
	}
	cust.Monoproduct = len(cust.ActiveBranches) == 1
	return cust
}
