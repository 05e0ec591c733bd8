/*
Package ledger computes gamified XP per contract and appends the results to
an immutable, supersede-chained ledger.

PURPOSE:
  Each (contract, month, scenario) computation produces one ledger entry:
  base XP from commission and branch weight, bonus XP from cross-sell /
  combo / renewal-salvage rules, and the rules version it was computed
  under. Entries are never updated in place - recomputation appends a new
  entry pointing at the one it supersedes, and "current" is a query for the
  latest entry per key.

CROSS-SELL / COMBO DETECTION:
  Requires a global, contract-dated pass over ALL of a holder's contracts,
  not just the target month. Contracts sort by event date; a running set of
  distinct branches is built per holder. A contract is a cross-sell event
  only at the exact transition where the set grows from one branch to two
  or more. It is a combo breaker from the point the set contains both AUTO
  and VIDA onward.

PENALTY LOCK:
  A salesperson with at least one unjustified black-list renewal has every
  bonus suppressed for the month; the entry records BONUS_LOCKED instead.

SCENARIOS:
  A scenario is a sandboxed re-run under an alternate rules version. It
  shares the ledger table under its own scenario key and never affects the
  official (empty-scenario) computation.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian/sales-engine/contract"
	"github.com/meridian/sales-engine/renewal"
	"github.com/meridian/sales-engine/rules"
)

// Bonus reason codes recorded on entries.
const (
	ReasonCrossSell      = "CROSS_SELL"
	ReasonComboBreaker   = "COMBO_BREAKER"
	ReasonRenewalSalvage = "RENEWAL_SALVAGE"
	ReasonBonusLocked    = "BONUS_LOCKED"
)

var (
	// ErrMonthClosed is returned when recomputing a closed month without
	// the force flag.
	ErrMonthClosed = errors.New("month is closed for recomputation")

	// ErrUnknownRulesVersion is returned for an override id that does not
	// resolve. An unknown override is invalid, never "use the default".
	ErrUnknownRulesVersion = errors.New("unknown rules version override")
)

// =============================================================================
// ENTRY - Immutable ledger row
// =============================================================================

// Entry is one XP computation for a (contract, month, scenario) key.
// Entries are append-only; SupersedesID links to the entry this one
// replaces. The current entry for a key is the latest by CalculatedAt.
type Entry struct {
	ID            string
	ContractID    string
	Month         contract.MonthRef
	Scenario      string // "" = official
	SalespersonID string
	Base          decimal.Decimal
	Bonus         decimal.Decimal
	Total         decimal.Decimal
	Reasons       []string
	RulesVersion  string
	InputHash     string
	SupersedesID  string
	CalculatedAt  time.Time
}

// Store is the append-only entry store. No update, no delete.
type Store interface {
	Append(ctx context.Context, e *Entry) error

	// Latest returns the current entry for a key, nil when none exists.
	Latest(ctx context.Context, contractID string, month contract.MonthRef, scenario string) (*Entry, error)

	// ListMonth returns the current entry per contract for a month.
	ListMonth(ctx context.Context, month contract.MonthRef, scenario string) ([]*Entry, error)
}

// LockStore persists month close locks.
type LockStore interface {
	IsClosed(ctx context.Context, month contract.MonthRef) (bool, error)
	Close(ctx context.Context, month contract.MonthRef, by string) error
	Reopen(ctx context.Context, month contract.MonthRef) error
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	contracts contract.Store
	entries   Store
	locks     LockStore
	resolver  *rules.Resolver
	matcher   *renewal.Matcher

	// statuses restricts eligibility; empty means all statuses.
	statuses []string
	// lockedMonths comes from configuration, in addition to persisted locks.
	lockedMonths map[contract.MonthRef]bool

	logger *zap.Logger
	now    func() time.Time
}

type EngineOptions struct {
	Statuses     []string
	LockedMonths []string
}

func NewEngine(contracts contract.Store, entries Store, locks LockStore, resolver *rules.Resolver, matcher *renewal.Matcher, opts EngineOptions, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	locked := map[contract.MonthRef]bool{}
	for _, m := range opts.LockedMonths {
		locked[contract.MonthRef(m)] = true
	}
	return &Engine{
		contracts:    contracts,
		entries:      entries,
		locks:        locks,
		resolver:     resolver,
		matcher:      matcher,
		statuses:     opts.Statuses,
		lockedMonths: locked,
		logger:       logger,
		now:          time.Now,
	}
}

// ComputeInput selects what to compute.
type ComputeInput struct {
	Month    contract.MonthRef
	Scenario string
	// RulesVersionID overrides date-based resolution when set.
	RulesVersionID string
	// Force bypasses the closed-month guard.
	Force bool
	// Reference is the renewal-matcher reference date; zero means today.
	Reference contract.Date
}

// ComputeResult summarizes one computation run.
type ComputeResult struct {
	Month        contract.MonthRef
	Scenario     string
	RulesVersion string
	Computed     int
	Appended     int
	Unchanged    int
	Locked       map[string]bool
	Entries      []*Entry
	Report       *renewal.Report
}

// ComputeMonth recomputes XP for every eligible contract in the month.
func (e *Engine) ComputeMonth(ctx context.Context, in ComputeInput) (*ComputeResult, error) {
	if err := e.guardClosed(ctx, in); err != nil {
		return nil, err
	}

	version, err := e.resolveVersion(ctx, in)
	if err != nil {
		return nil, err
	}

	ref := in.Reference
	if ref.IsZero() {
		ref = contract.DateOf(e.now().UTC())
	}

	// Global pass: holder branch-set transitions and renewal survivorship
	// both need every contract, not just the target month.
	all, err := e.contracts.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading contracts: %w", err)
	}

	events := detectHolderEvents(all)

	report, err := e.matcher.Analyze(ctx, all, ref)
	if err != nil {
		return nil, err
	}
	salvages := report.SalvageIDs()
	locked := report.LockedSalespeople()
	if !version.PenaltyLock {
		locked = map[string]bool{}
	}

	result := &ComputeResult{
		Month:        in.Month,
		Scenario:     in.Scenario,
		RulesVersion: version.ID,
		Locked:       locked,
		Report:       report,
	}

	for _, c := range all {
		if c.MonthRef != in.Month || !e.eligible(c) {
			continue
		}
		entry := e.computeEntry(c, version, events, salvages, locked, in.Scenario)
		result.Computed++

		appended, err := e.append(ctx, entry)
		if err != nil {
			return nil, err
		}
		if appended {
			result.Appended++
		} else {
			result.Unchanged++
		}
		result.Entries = append(result.Entries, entry)
	}

	e.logger.Info("ledger month computed",
		zap.String("month", in.Month.String()),
		zap.String("scenario", in.Scenario),
		zap.String("rules_version", version.ID),
		zap.Int("computed", result.Computed),
		zap.Int("appended", result.Appended))
	return result, nil
}

func (e *Engine) guardClosed(ctx context.Context, in ComputeInput) error {
	if in.Force {
		return nil
	}
	if e.lockedMonths[in.Month] {
		return fmt.Errorf("%w: %s", ErrMonthClosed, in.Month)
	}
	if e.locks != nil {
		closed, err := e.locks.IsClosed(ctx, in.Month)
		if err != nil {
			return fmt.Errorf("checking month lock: %w", err)
		}
		if closed {
			return fmt.Errorf("%w: %s", ErrMonthClosed, in.Month)
		}
	}
	return nil
}

// Version resolves a rules version by id, nil when unknown.
func (e *Engine) Version(ctx context.Context, id string) (*rules.Version, error) {
	return e.resolver.ByID(ctx, id)
}

// MonthEntries returns the current persisted entry per contract for a
// month without recomputing anything, so closed months stay untouched.
func (e *Engine) MonthEntries(ctx context.Context, month contract.MonthRef, scenario string) ([]*Entry, error) {
	return e.entries.ListMonth(ctx, month, scenario)
}

func (e *Engine) resolveVersion(ctx context.Context, in ComputeInput) (*rules.Version, error) {
	if in.RulesVersionID != "" {
		v, err := e.resolver.ByID(ctx, in.RulesVersionID)
		if err != nil {
			return nil, fmt.Errorf("resolving rules override: %w", err)
		}
		if v == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRulesVersion, in.RulesVersionID)
		}
		return v, nil
	}
	return e.resolver.ForDate(ctx, in.Month.Last())
}

func (e *Engine) eligible(c *contract.Contract) bool {
	if c.Invalid {
		return false
	}
	if len(e.statuses) == 0 {
		return true
	}
	for _, s := range e.statuses {
		if c.Status == s {
			return true
		}
	}
	return false
}

func (e *Engine) computeEntry(c *contract.Contract, v *rules.Version, events holderEvents, salvages, locked map[string]bool, scenario string) *Entry {
	ten := decimal.NewFromInt(10)
	base := c.Commission.Div(ten).Mul(v.Weight(c.Branch))

	var reasons []string
	bonus := decimal.Zero
	if locked[c.SalespersonID] {
		reasons = append(reasons, ReasonBonusLocked)
	} else {
		if events.crossSell[c.ID] {
			bonus = bonus.Add(v.Bonus(rules.BonusCrossSell))
			reasons = append(reasons, ReasonCrossSell)
		}
		if events.combo[c.ID] {
			bonus = bonus.Add(v.Bonus(rules.BonusCombo))
			reasons = append(reasons, ReasonComboBreaker)
		}
		if salvages[c.ID] {
			bonus = bonus.Add(v.Bonus(rules.BonusRenewalSalvage))
			reasons = append(reasons, ReasonRenewalSalvage)
		}
	}

	entry := &Entry{
		ID:            ulid.Make().String(),
		ContractID:    c.ID,
		Month:         c.MonthRef,
		Scenario:      scenario,
		SalespersonID: c.SalespersonID,
		Base:          base,
		Bonus:         bonus,
		Total:         base.Add(bonus),
		Reasons:       reasons,
		RulesVersion:  v.ID,
		CalculatedAt:  e.now().UTC(),
	}
	entry.InputHash = inputHash(c, v, entry)
	return entry
}

// append writes the entry unless the current latest already carries the same
// input hash - identical inputs produce no new row, keeping recomputation
// idempotent. Returns whether a row was appended.
func (e *Engine) append(ctx context.Context, entry *Entry) (bool, error) {
	latest, err := e.entries.Latest(ctx, entry.ContractID, entry.Month, entry.Scenario)
	if err != nil {
		return false, fmt.Errorf("loading latest entry: %w", err)
	}
	if latest != nil {
		if latest.InputHash == entry.InputHash {
			*entry = *latest
			return false, nil
		}
		entry.SupersedesID = latest.ID
	}
	if err := e.entries.Append(ctx, entry); err != nil {
		return false, fmt.Errorf("appending ledger entry: %w", err)
	}
	return true, nil
}

// =============================================================================
// HOLDER EVENT DETECTION
// =============================================================================

type holderEvents struct {
	crossSell map[string]bool // contract id -> is the cross-sell transition
	combo     map[string]bool // contract id -> combo breaker holds
}

// detectHolderEvents runs the global contract-dated pass: per holder, sort
// by event date and track the running branch set.
func detectHolderEvents(all []*contract.Contract) holderEvents {
	events := holderEvents{crossSell: map[string]bool{}, combo: map[string]bool{}}

	byHolder := map[string][]*contract.Contract{}
	for _, c := range all {
		if c.Invalid || c.HolderID == "" || c.EventDate() == nil {
			continue
		}
		byHolder[c.HolderID] = append(byHolder[c.HolderID], c)
	}

	for _, contracts := range byHolder {
		sort.SliceStable(contracts, func(i, j int) bool {
			return contracts[i].EventDate().Before(*contracts[j].EventDate())
		})

		branches := map[contract.Branch]bool{}
		comboOn := false
		for _, c := range contracts {
			before := len(branches)
			branches[c.Branch] = true

			// Cross-sell only at the exact 1 -> >=2 transition.
			if before == 1 && len(branches) >= 2 {
				events.crossSell[c.ID] = true
			}
			// Combo holds from the point AUTO and VIDA are both present.
			if branches[contract.BranchAuto] && branches[contract.BranchVida] {
				comboOn = true
			}
			if comboOn {
				events.combo[c.ID] = true
			}
		}
	}
	return events
}
