/*
Package rules implements the versioned, append-only business-rule set.

PURPOSE:
  Commission goals, branch XP weights and bonus amounts change over time.
  Each change is a new RulesVersion effective from a date; versions are never
  edited after creation. Ledger entries record which version they were
  computed under, so history stays explainable.

RESOLUTION:
  The version effective for a date is the latest one whose EffectiveFrom is
  on or before that date. When none exists, a hardcoded built-in default
  applies, so the engine works on an empty database.

RETROACTIVITY GUARD:
  Creating a version with EffectiveFrom in the past is rejected unless an
  explicit override flag is set, because a retroactive rule change would
  silently rewrite history for already-computed ledger entries.
*/
package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian/sales-engine/contract"
)

// =============================================================================
// TYPES
// =============================================================================

type BonusKind string

const (
	BonusCrossSell      BonusKind = "cross_sell"
	BonusCombo          BonusKind = "combo"
	BonusRenewalSalvage BonusKind = "renewal_salvage"
)

// Version is one immutable, effective-dated rule set.
type Version struct {
	ID            string
	EffectiveFrom contract.Date
	EffectiveTo   *contract.Date
	MonthlyGoal   decimal.Decimal
	WorkingDays   int
	BranchWeights map[contract.Branch]decimal.Decimal
	Bonuses       map[BonusKind]decimal.Decimal
	PenaltyLock   bool
	Note          string
	CreatedBy     string
	CreatedAt     time.Time
}

// Weight returns the XP weight for a branch, defaulting to 1.
func (v *Version) Weight(b contract.Branch) decimal.Decimal {
	if w, ok := v.BranchWeights[b]; ok {
		return w
	}
	return decimal.NewFromInt(1)
}

// Bonus returns the configured bonus amount for a kind, zero when unset.
func (v *Version) Bonus(k BonusKind) decimal.Decimal {
	return v.Bonuses[k]
}

// DefaultVersion is the built-in fallback applied when no stored version
// covers the target date.
func DefaultVersion() *Version {
	return &Version{
		ID:            "default",
		EffectiveFrom: contract.NewDate(2000, time.January, 1),
		MonthlyGoal:   decimal.NewFromInt(170000),
		WorkingDays:   21,
		BranchWeights: map[contract.Branch]decimal.Decimal{
			contract.BranchAuto:   decimal.NewFromInt(1),
			contract.BranchVida:   decimal.NewFromInt(2),
			contract.BranchResid:  decimal.RequireFromString("1.5"),
			contract.BranchEmp:    decimal.RequireFromString("1.5"),
			contract.BranchCond:   decimal.RequireFromString("1.5"),
			contract.BranchOutros: decimal.NewFromInt(1),
		},
		Bonuses: map[BonusKind]decimal.Decimal{
			BonusCrossSell:      decimal.NewFromInt(50),
			BonusCombo:          decimal.NewFromInt(100),
			BonusRenewalSalvage: decimal.NewFromInt(75),
		},
		PenaltyLock: true,
		Note:        "built-in default",
	}
}

// =============================================================================
// STORE
// =============================================================================

var (
	ErrDuplicateVersion  = errors.New("rules version id already exists")
	ErrRetroactiveChange = errors.New("effective_from is in the past")
)

// Store persists rule versions. Append-only: no update or delete.
type Store interface {
	Insert(ctx context.Context, v *Version) error
	GetByID(ctx context.Context, id string) (*Version, error)
	List(ctx context.Context) ([]*Version, error)
}

// =============================================================================
// RESOLVER
// =============================================================================

type Resolver struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func NewResolver(store Store, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: store, logger: logger, now: time.Now}
}

// ForDate resolves the version effective for a date: max EffectiveFrom <=
// date, falling back to the built-in default when no stored version matches.
func (r *Resolver) ForDate(ctx context.Context, date contract.Date) (*Version, error) {
	versions, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing rules versions: %w", err)
	}
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].EffectiveFrom.Before(versions[j].EffectiveFrom)
	})

	// First version with EffectiveFrom > date; the one before it applies.
	idx := sort.Search(len(versions), func(i int) bool {
		return versions[i].EffectiveFrom.After(date)
	})
	if idx == 0 {
		return DefaultVersion(), nil
	}
	return versions[idx-1], nil
}

// List returns all stored versions ordered by effective date.
func (r *Resolver) List(ctx context.Context) ([]*Version, error) {
	versions, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].EffectiveFrom.Before(versions[j].EffectiveFrom)
	})
	return versions, nil
}

// ByID resolves an explicit version override. A nil result means the id is
// unknown; callers must treat that as an invalid override, not as "use the
// default".
func (r *Resolver) ByID(ctx context.Context, id string) (*Version, error) {
	if id == "default" {
		return DefaultVersion(), nil
	}
	return r.store.GetByID(ctx, id)
}

// Create appends a new version. EffectiveFrom is required, and a date in the
// past is rejected unless allowRetroactive is set.
func (r *Resolver) Create(ctx context.Context, v *Version, allowRetroactive bool) error {
	if v.EffectiveFrom.IsZero() {
		return errors.New("effective_from is required")
	}
	today := contract.DateOf(r.now().UTC())
	if v.EffectiveFrom.Before(today) && !allowRetroactive {
		return fmt.Errorf("%w: %s", ErrRetroactiveChange, v.EffectiveFrom)
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = r.now().UTC()
	}
	if err := r.store.Insert(ctx, v); err != nil {
		return err
	}
	r.logger.Info("rules version created",
		zap.String("id", v.ID),
		zap.String("effective_from", v.EffectiveFrom.String()),
		zap.String("created_by", v.CreatedBy))
	return nil
}
