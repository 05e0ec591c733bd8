/*
Package contract defines the canonical contract model and the normalizer
that maps raw source records into it.

PURPOSE:
  The external business-records API returns loosely structured payloads with
  unstable identifiers. This package turns one raw payload into exactly one
  canonical Contract, plus the content fingerprint that makes deduplication
  possible regardless of what identifier the source attached this week.

KEY CONCEPTS IN THIS FILE (types.go):
  - RawRecord: the opaque source payload, stored content-addressed
  - Contract: the canonical, reconciled representation
  - Customer: per-holder rollup derived from contracts
  - Branch: the insurance product taxonomy (ramo)

DESIGN PRINCIPLES:
  1. Never throw on bad input: unmappable fields become zero values and feed
     the Incomplete/Invalid advisory flags instead.
  2. Content identity: RowHash over the semantically identifying fields is
     the dedup key, independent of any source-supplied identifier.
  3. Precision: money uses decimal.Decimal, never float64.

SEE ALSO:
  - normalize.go: raw payload -> Contract mapping
  - fingerprint.go: RowHash derivation
  - store.go: persistence interfaces required by the engine
*/
package contract

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// BRANCH - Insurance product branch (ramo)
// =============================================================================

type Branch string

const (
	BranchAuto   Branch = "AUTO"
	BranchVida   Branch = "VIDA"
	BranchResid  Branch = "RESID"
	BranchEmp    Branch = "EMP"
	BranchCond   Branch = "COND"
	BranchOutros Branch = "OUTROS"
)

// AllBranches lists the taxonomy in display order.
var AllBranches = []Branch{BranchAuto, BranchVida, BranchResid, BranchEmp, BranchCond, BranchOutros}

// =============================================================================
// RAW RECORD - Opaque source payload, content-addressed
// =============================================================================

// RawRecord is one payload as fetched from the source. Rows are immutable:
// a content change produces a new row under the same (source, source id) key,
// the store never mutates a payload in place.
type RawRecord struct {
	Source    string
	SourceID  string
	Payload   json.RawMessage
	Hash      string
	FetchedAt time.Time
}

// =============================================================================
// CONTRACT - Canonical normalized contract
// =============================================================================

// Contract is the canonical representation of one insurance contract.
// Only the reconciliation engine mutates stored contracts; rows are deleted
// only when detected as fingerprint duplicates of a surviving row.
type Contract struct {
	// ID is unique. When the source supplied no identifier it falls back to
	// RowHash and SyntheticID is set.
	ID          string
	SourceID    string
	SyntheticID bool

	HolderID      string
	Product       string
	Branch        Branch
	Insurer       string
	EffectiveDate *Date
	StartDate     *Date
	EndDate       *Date
	Premium       decimal.Decimal
	Commission    decimal.Decimal
	CommissionPct decimal.Decimal
	SalespersonID string
	Status        string

	// MonthRef is derived from the first non-nil of effective/start/end date.
	// Empty when none is derivable (then Invalid is set).
	MonthRef MonthRef

	// RowHash is the content fingerprint over the identity fields.
	RowHash string

	// Advisory flags - not mutually exclusive.
	Invalid       bool
	Incomplete    bool
	MissingFields []string

	ExternalModifiedAt time.Time
	ModifiedAt         time.Time
	CreatedAt          time.Time
}

// RecencyTime resolves the timestamp used for survivorship comparisons:
// external modified time, else internal modified time, else created time.
func (c *Contract) RecencyTime() time.Time {
	if !c.ExternalModifiedAt.IsZero() {
		return c.ExternalModifiedAt
	}
	if !c.ModifiedAt.IsZero() {
		return c.ModifiedAt
	}
	return c.CreatedAt
}

// EventDate returns the date a contract is ordered by in holder timelines:
// the first non-nil of effective, start, end date.
func (c *Contract) EventDate() *Date {
	switch {
	case c.EffectiveDate != nil:
		return c.EffectiveDate
	case c.StartDate != nil:
		return c.StartDate
	case c.EndDate != nil:
		return c.EndDate
	}
	return nil
}

// MarginPct returns commission as a percentage of premium, zero when the
// premium is zero.
func (c *Contract) MarginPct() decimal.Decimal {
	if c.Premium.IsZero() {
		return decimal.Zero
	}
	return c.Commission.Div(c.Premium).Mul(decimal.NewFromInt(100))
}

// =============================================================================
// CUSTOMER - Derived per-holder rollup
// =============================================================================

// Customer is recomputed whenever a holder's contracts change. It backs the
// cross-sell view of the portfolio.
type Customer struct {
	HolderID       string
	FirstSeen      Date
	LastSeen       Date
	ActiveBranches []Branch
	Monoproduct    bool
	UpdatedAt      time.Time
}
