/*
Package snapshot aggregates a month's contracts and ledger into a versioned,
cache-friendly KPI document with a pacing-curve forecast.

PURPOSE:
  A snapshot is the stable wire contract the presentation layer reads. It is
  immutable once persisted and keyed by (month, scenario, rules version).
  Documents carry a schema version and a money-unit tag; two snapshots are
  comparable only when both tags match.

VALIDATION:
  Every KPI must be a finite number and every block present before a
  document is persisted. A snapshot that fails validation is never stored -
  a silently wrong cached snapshot is worse than a failed refresh.
*/
package snapshot

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// SchemaVersion tags the document layout. Bump on any breaking shape change.
const SchemaVersion = "v3"

// MoneyUnit tags the currency semantics of every money field.
const MoneyUnit = "BRL"

// =============================================================================
// DOCUMENT - Persisted wire shape
// =============================================================================

type Document struct {
	Month           string     `json:"month"`
	SnapshotVersion string     `json:"snapshot_version"`
	MoneyUnit       string     `json:"money_unit"`
	Processing      Processing `json:"processing"`
	DataCoverage    Coverage   `json:"data_coverage"`
	Filters         Filters    `json:"filters"`
	KPIs            KPIs       `json:"kpis"`

	TrendDaily  []TrendPoint     `json:"trend_daily"`
	Renewals    Renewals         `json:"renewals"`
	Leaderboard []LeaderboardRow `json:"leaderboard"`
	VendorStats []VendorStat     `json:"vendor_stats"`
	Radar       Radar            `json:"radar"`
	Mix         Mix              `json:"mix"`

	// Period is present only on multi-month period snapshots.
	Period *PeriodBlock `json:"period,omitempty"`
}

type Processing struct {
	BuiltAt       time.Time `json:"built_at"`
	DurationMS    int64     `json:"duration_ms"`
	RulesVersion  string    `json:"rules_version"`
	Confidence    string    `json:"confidence"`
	CurveFallback bool      `json:"curve_fallback"`
}

// Confidence tiers derived from valid-contract percentage and the last
// ingestion run's status. Stale data is labeled, never silently current.
const (
	ConfidenceHigh   = "HIGH"
	ConfidenceMedium = "MEDIUM"
	ConfidenceLow    = "LOW"
)

type Coverage struct {
	TotalContracts      int       `json:"total_contracts"`
	ValidContracts      int       `json:"valid_contracts"`
	IncompleteContracts int       `json:"incomplete_contracts"`
	ValidPct            float64   `json:"valid_pct"`
	LastRunStatus       string    `json:"last_run_status"`
	LastRunAt           time.Time `json:"last_run_at"`
}

type Filters struct {
	Scenario     string   `json:"scenario"`
	Statuses     []string `json:"statuses"`
	RulesVersion string   `json:"rules_version"`
}

type KPIs struct {
	Count      int     `json:"count"`
	Commission float64 `json:"commission"`
	Premium    float64 `json:"premium"`
	MarginPct  float64 `json:"margin_pct"`
	AvgTicket  float64 `json:"avg_ticket"`

	Goal    float64 `json:"goal"`
	GoalPct float64 `json:"goal_pct"`

	ForecastCommission float64 `json:"forecast_commission"`
	ForecastPct        float64 `json:"forecast_pct"`

	Gap                  float64 `json:"gap"`
	GapPerDay            float64 `json:"gap_per_day"`
	RemainingWorkingDays int     `json:"remaining_working_days"`

	PriorMonthCommission float64 `json:"prior_month_commission"`
	PriorYearCommission  float64 `json:"prior_year_commission"`
	MoMPct               float64 `json:"mom_pct"`
	YoYPct               float64 `json:"yoy_pct"`

	TotalXP float64 `json:"total_xp"`
}

type TrendPoint struct {
	Day           int     `json:"day"`
	Date          string  `json:"date"`
	Commission    float64 `json:"commission"`
	Cumulative    float64 `json:"cumulative"`
	ExpectedShare float64 `json:"expected_share"`
}

type RenewalItem struct {
	ContractID    string  `json:"contract_id"`
	HolderID      string  `json:"holder_id"`
	Branch        string  `json:"branch"`
	SalespersonID string  `json:"salesperson_id"`
	EndDate       string  `json:"end_date"`
	DaysToEnd     int     `json:"days_to_end"`
	Stage         string  `json:"stage"`
	Probability   float64 `json:"probability"`
	Impact        float64 `json:"impact"`
	Commission    float64 `json:"commission"`
}

type Renewals struct {
	D7             []RenewalItem `json:"d7"`
	D15            []RenewalItem `json:"d15"`
	D30            []RenewalItem `json:"d30"`
	BlackListCount int           `json:"black_list_count"`
}

type LeaderboardRow struct {
	SalespersonID string   `json:"salesperson_id"`
	XP            float64  `json:"xp"`
	Contracts     int      `json:"contracts"`
	Badges        []string `json:"badges"`
}

// Leaderboard badges.
const (
	BadgeCombo    = "COMBO"
	BadgeDefensor = "DEFENSOR"
)

type VendorStat struct {
	SalespersonID string  `json:"salesperson_id"`
	Count         int     `json:"count"`
	Commission    float64 `json:"commission"`
	Premium       float64 `json:"premium"`
}

type Radar struct {
	Branches []RadarBranch `json:"branches"`
}

// RadarBranch classifies a branch on the margin x volume x risk quadrant.
// Axes split at the median across current branches - a self-relative
// threshold, not an absolute one.
type RadarBranch struct {
	Branch     string  `json:"branch"`
	MarginPct  float64 `json:"margin_pct"`
	Commission float64 `json:"commission"`
	Risk       float64 `json:"risk"`
	HighMargin bool    `json:"high_margin"`
	HighVolume bool    `json:"high_volume"`
	HighRisk   bool    `json:"high_risk"`
	Quadrant   string  `json:"quadrant"`
}

type Mix struct {
	ByBranch  []MixShare `json:"by_branch"`
	ByInsurer []MixShare `json:"by_insurer"`
}

type MixShare struct {
	Key        string  `json:"key"`
	Count      int     `json:"count"`
	Commission float64 `json:"commission"`
	SharePct   float64 `json:"share_pct"`
}

type PeriodBlock struct {
	Start     string `json:"start"`
	End       string `json:"end"`
	Months    int    `json:"months"`
	Label     string `json:"label"`
	Requested int    `json:"requested"`
	Clamped   bool   `json:"clamped"`
	Available int    `json:"available"`
}

// =============================================================================
// VALIDATION
// =============================================================================

// ErrInvalidDocument is wrapped by every validation failure.
var ErrInvalidDocument = errors.New("snapshot document failed validation")

// Validate checks the structural contract before persistence.
func Validate(doc *Document) error {
	if doc == nil {
		return fmt.Errorf("%w: nil document", ErrInvalidDocument)
	}
	if doc.Month == "" || doc.SnapshotVersion == "" || doc.MoneyUnit == "" {
		return fmt.Errorf("%w: missing identity tags", ErrInvalidDocument)
	}

	numbers := map[string]float64{
		"commission":          doc.KPIs.Commission,
		"premium":             doc.KPIs.Premium,
		"margin_pct":          doc.KPIs.MarginPct,
		"avg_ticket":          doc.KPIs.AvgTicket,
		"goal":                doc.KPIs.Goal,
		"goal_pct":            doc.KPIs.GoalPct,
		"forecast_commission": doc.KPIs.ForecastCommission,
		"forecast_pct":        doc.KPIs.ForecastPct,
		"gap":                 doc.KPIs.Gap,
		"gap_per_day":         doc.KPIs.GapPerDay,
		"mom_pct":             doc.KPIs.MoMPct,
		"yoy_pct":             doc.KPIs.YoYPct,
		"total_xp":            doc.KPIs.TotalXP,
	}
	for name, v := range numbers {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: kpi %q is not finite", ErrInvalidDocument, name)
		}
	}

	// Collection blocks must be present (possibly empty), never absent.
	if doc.TrendDaily == nil {
		return fmt.Errorf("%w: trend_daily missing", ErrInvalidDocument)
	}
	if doc.Renewals.D7 == nil || doc.Renewals.D15 == nil || doc.Renewals.D30 == nil {
		return fmt.Errorf("%w: renewals block incomplete", ErrInvalidDocument)
	}
	if doc.Leaderboard == nil {
		return fmt.Errorf("%w: leaderboard missing", ErrInvalidDocument)
	}
	if doc.VendorStats == nil {
		return fmt.Errorf("%w: vendor_stats missing", ErrInvalidDocument)
	}
	if doc.Radar.Branches == nil {
		return fmt.Errorf("%w: radar missing", ErrInvalidDocument)
	}
	if doc.Mix.ByBranch == nil || doc.Mix.ByInsurer == nil {
		return fmt.Errorf("%w: mix missing", ErrInvalidDocument)
	}
	return nil
}

// =============================================================================
// COMPARISON
// =============================================================================

// Delta is the result of diffing two compatible snapshots.
type Delta struct {
	Month           string  `json:"month"`
	OtherMonth      string  `json:"other_month"`
	CommissionDiff  float64 `json:"commission_diff"`
	CommissionPct   float64 `json:"commission_pct"`
	CountDiff       int     `json:"count_diff"`
	MarginPctDiff   float64 `json:"margin_pct_diff"`
	TotalXPDiff     float64 `json:"total_xp_diff"`
	AvgTicketDiff   float64 `json:"avg_ticket_diff"`
	ForecastPctDiff float64 `json:"forecast_pct_diff"`
}

// Compare diffs two snapshots. Returns ok=false when the version or money
// unit tags differ - incompatible snapshots are never diffed.
func Compare(a, b *Document) (*Delta, bool) {
	if a == nil || b == nil {
		return nil, false
	}
	if a.SnapshotVersion != b.SnapshotVersion || a.MoneyUnit != b.MoneyUnit {
		return nil, false
	}
	d := &Delta{
		Month:           a.Month,
		OtherMonth:      b.Month,
		CommissionDiff:  a.KPIs.Commission - b.KPIs.Commission,
		CountDiff:       a.KPIs.Count - b.KPIs.Count,
		MarginPctDiff:   a.KPIs.MarginPct - b.KPIs.MarginPct,
		TotalXPDiff:     a.KPIs.TotalXP - b.KPIs.TotalXP,
		AvgTicketDiff:   a.KPIs.AvgTicket - b.KPIs.AvgTicket,
		ForecastPctDiff: a.KPIs.ForecastPct - b.KPIs.ForecastPct,
	}
	if b.KPIs.Commission != 0 {
		d.CommissionPct = (a.KPIs.Commission - b.KPIs.Commission) / b.KPIs.Commission * 100
	}
	return d, true
}
