/*
Package renewal detects whether contracts were renewed and scores the risk
of the ones that were not.

PURPOSE:
  A contract nearing its end date either gets a successor (a renewal) or it
  churns. The matcher groups contracts by (holder, branch), searches each
  ending contract's group for a successor starting within a +/-30 day window
  of its end date, and buckets the unmatched ones into risk tiers relative
  to a reference date.

BUCKETING:
  <=5 days to end  -> 5-day AND 7-day buckets (intentional overlap - the
                      5-day bucket is a subset of the 7-day bucket; this
                      mirrors observed upstream behavior and is asserted,
                      not "fixed", in tests)
  6..7 days        -> 7-day bucket
  8..15 days       -> 15-day bucket
  16..30 days      -> 30-day bucket
  past end + grace -> black list (drives the ledger's bonus penalty lock
                      unless a justified action is recorded)

SCORING:
  Each bucketed item carries the latest recorded pipeline action (stage), a
  heuristic renewal probability (stage-keyword lookup, else a days-remaining
  default) and an impact score = commission x (1 - probability). Buckets
  sort by impact desc, soonest end, highest commission.
*/
package renewal

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian/sales-engine/contract"
)

// successorWindowDays bounds how far from the end date a successor's start
// may fall, in either direction.
const successorWindowDays = 30

// =============================================================================
// TYPES
// =============================================================================

// Action is a recorded pipeline touch on an at-risk contract.
type Action struct {
	ID         string
	ContractID string
	Stage      string
	Justified  bool
	Note       string
	RecordedBy string
	RecordedAt time.Time
}

// ActionStore persists renewal actions. Append-only; the matcher reads only
// the latest action per contract.
type ActionStore interface {
	Insert(ctx context.Context, a *Action) error
	LatestByContract(ctx context.Context) (map[string]*Action, error)
}

// Match records a detected renewal: pred was renewed by succ.
type Match struct {
	Predecessor *contract.Contract
	Successor   *contract.Contract
	// Distance is the absolute day distance between pred end and succ start.
	Distance int
	// Late is set when the successor started after the predecessor had
	// already ended - a salvaged renewal.
	Late bool
}

// Item is one unmatched contract in a risk bucket.
type Item struct {
	Contract    *contract.Contract
	DaysToEnd   int
	Stage       string
	Justified   bool
	Probability decimal.Decimal
	Impact      decimal.Decimal
}

// Report is the full matcher output for one reference date.
type Report struct {
	Reference contract.Date
	Matches   []Match

	// Risk buckets. Every D5 item also appears in D7.
	D5, D7, D15, D30 []Item

	BlackList []Item
}

// SalvageIDs returns the successor contract ids of late renewals. The
// ledger engine awards these the renewal-salvage bonus.
func (r *Report) SalvageIDs() map[string]bool {
	out := map[string]bool{}
	for _, m := range r.Matches {
		if m.Late {
			out[m.Successor.ID] = true
		}
	}
	return out
}

// LockedSalespeople returns the salespeople carrying at least one black-list
// contract without a justified action - the churn penalty lock set.
func (r *Report) LockedSalespeople() map[string]bool {
	out := map[string]bool{}
	for _, item := range r.BlackList {
		if !item.Justified && item.Contract.SalespersonID != "" {
			out[item.Contract.SalespersonID] = true
		}
	}
	return out
}

// =============================================================================
// MATCHER
// =============================================================================

type Matcher struct {
	actions   ActionStore
	graceDays int
	logger    *zap.Logger
}

func NewMatcher(actions ActionStore, graceDays int, logger *zap.Logger) *Matcher {
	if graceDays <= 0 {
		graceDays = 15
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{actions: actions, graceDays: graceDays, logger: logger}
}

// Analyze runs survivorship matching over all non-invalid contracts as of a
// reference date.
func (m *Matcher) Analyze(ctx context.Context, contracts []*contract.Contract, ref contract.Date) (*Report, error) {
	latestActions := map[string]*Action{}
	if m.actions != nil {
		var err error
		latestActions, err = m.actions.LatestByContract(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading renewal actions: %w", err)
		}
	}

	groups := map[groupKey][]*contract.Contract{}
	for _, c := range contracts {
		if c.Invalid {
			continue
		}
		k := groupKey{holder: c.HolderID, branch: c.Branch}
		groups[k] = append(groups[k], c)
	}

	report := &Report{Reference: ref}
	for _, group := range groups {
		for _, c := range group {
			if c.EndDate == nil {
				continue
			}
			succ, dist := findSuccessor(c, group)
			if succ != nil {
				report.Matches = append(report.Matches, Match{
					Predecessor: c,
					Successor:   succ,
					Distance:    dist,
					Late:        succ.StartDate != nil && succ.StartDate.After(*c.EndDate),
				})
				continue
			}
			m.bucket(report, c, latestActions[c.ID], ref)
		}
	}

	for _, bucket := range []*[]Item{&report.D5, &report.D7, &report.D15, &report.D30, &report.BlackList} {
		sortBucket(*bucket)
	}
	return report, nil
}

type groupKey struct {
	holder string
	branch contract.Branch
}

// findSuccessor picks the group member whose start date is closest to c's
// end date within the window. Ties keep the first candidate encountered.
func findSuccessor(c *contract.Contract, group []*contract.Contract) (*contract.Contract, int) {
	var best *contract.Contract
	bestDist := successorWindowDays + 1
	for _, cand := range group {
		if cand.ID == c.ID || cand.StartDate == nil {
			continue
		}
		dist := c.EndDate.DaysUntil(*cand.StartDate)
		if dist < 0 {
			dist = -dist
		}
		if dist <= successorWindowDays && dist < bestDist {
			best = cand
			bestDist = dist
		}
	}
	return best, bestDist
}

func (m *Matcher) bucket(report *Report, c *contract.Contract, action *Action, ref contract.Date) {
	days := ref.DaysUntil(*c.EndDate)

	item := Item{Contract: c, DaysToEnd: days}
	if action != nil {
		item.Stage = action.Stage
		item.Justified = action.Justified
	}
	item.Probability = renewalProbability(item.Stage, days)
	one := decimal.NewFromInt(1)
	item.Impact = c.Commission.Mul(one.Sub(item.Probability))

	switch {
	case days < -m.graceDays:
		report.BlackList = append(report.BlackList, item)
	case days <= 5:
		// Intentional overlap: <=5 populates both the 5- and 7-day buckets.
		report.D5 = append(report.D5, item)
		report.D7 = append(report.D7, item)
	case days <= 7:
		report.D7 = append(report.D7, item)
	case days <= 15:
		report.D15 = append(report.D15, item)
	case days <= 30:
		report.D30 = append(report.D30, item)
	}
}

func sortBucket(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].Impact.Equal(items[j].Impact) {
			return items[i].Impact.GreaterThan(items[j].Impact)
		}
		if items[i].DaysToEnd != items[j].DaysToEnd {
			return items[i].DaysToEnd < items[j].DaysToEnd
		}
		return items[i].Contract.Commission.GreaterThan(items[j].Contract.Commission)
	})
}

// =============================================================================
// PROBABILITY HEURISTIC
// =============================================================================

// stageProbabilities maps pipeline-stage keywords to renewal probabilities.
// Substring match, first hit wins.
var stageProbabilities = []struct {
	keyword string
	p       string
}{
	{"renovado", "0.95"},
	{"aprovado", "0.9"},
	{"proposta", "0.75"},
	{"negocia", "0.6"},
	{"cotacao", "0.55"},
	{"sem contato", "0.15"},
	{"contato", "0.4"},
	{"recusado", "0.05"},
}

func renewalProbability(stage string, daysToEnd int) decimal.Decimal {
	s := strings.ToLower(strings.TrimSpace(stage))
	if s != "" {
		for _, sp := range stageProbabilities {
			if strings.Contains(s, sp.keyword) {
				return decimal.RequireFromString(sp.p)
			}
		}
	}
	// Days-remaining default: the closer to the end, the less likely an
	// untouched contract renews.
	switch {
	case daysToEnd < 0:
		return decimal.RequireFromString("0.1")
	case daysToEnd <= 5:
		return decimal.RequireFromString("0.25")
	case daysToEnd <= 7:
		return decimal.RequireFromString("0.35")
	case daysToEnd <= 15:
		return decimal.RequireFromString("0.5")
	default:
		return decimal.RequireFromString("0.65")
	}
}
