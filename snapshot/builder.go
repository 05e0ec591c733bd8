/*
builder.go - Snapshot construction pipeline

BUILD SEQUENCE:
  1. Trigger ledger recomputation for the (month, scenario, rules) target.
  2. In parallel, aggregate current / prior-month / prior-year contracts as
     of a cutoff date equal to today clamped into the month - partial-month
     comparisons stay apples-to-apples.
  3. Forecast month-end commission from the historical day-of-month pacing
     curve; fall back to linear day/days-in-month with an audit event when
     the curve has no row for the cutoff day.
  4. Derive trend, mix, radar quadrants (median-split axes), renewals view
     and the XP leaderboard with badges.
  5. Validate the document structurally, then persist it immutably.
*/
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meridian/sales-engine/contract"
	"github.com/meridian/sales-engine/ingest"
	"github.com/meridian/sales-engine/ledger"
	"github.com/meridian/sales-engine/renewal"
)

type Builder struct {
	contracts contract.Store
	engine    *ledger.Engine
	curves    CurveStore
	snaps     Store
	runs      ingest.RunStore
	audit     AuditStore
	statuses  []string
	logger    *zap.Logger
	now       func() time.Time
}

func NewBuilder(contracts contract.Store, engine *ledger.Engine, curves CurveStore, snaps Store, runs ingest.RunStore, audit AuditStore, statuses []string, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		contracts: contracts,
		engine:    engine,
		curves:    curves,
		snaps:     snaps,
		runs:      runs,
		audit:     audit,
		statuses:  statuses,
		logger:    logger,
		now:       time.Now,
	}
}

// BuildInput selects the snapshot target.
type BuildInput struct {
	Month    contract.MonthRef
	Scenario string
	// RulesVersionID overrides date-based rules resolution.
	RulesVersionID string
	// Force bypasses the closed-month recomputation guard.
	Force bool
}

// Build computes, validates and persists one snapshot, returning the
// document. Validation failure aborts persistence.
func (b *Builder) Build(ctx context.Context, in BuildInput) (*Document, error) {
	started := b.now()
	today := contract.DateOf(started.UTC())

	compute, err := b.engine.ComputeMonth(ctx, ledger.ComputeInput{
		Month:          in.Month,
		Scenario:       in.Scenario,
		RulesVersionID: in.RulesVersionID,
		Force:          in.Force,
		Reference:      today,
	})
	if err != nil {
		return nil, err
	}
	if in.Force && b.audit != nil {
		_ = b.audit.Append(ctx, AuditEvent{
			ID:     ulid.Make().String(),
			Kind:   AuditForcedRebuild,
			Detail: fmt.Sprintf("month=%s scenario=%s", in.Month, in.Scenario),
			At:     started.UTC(),
		})
	}

	cutoff := clampToMonth(today, in.Month)

	// Current, prior-month and prior-year aggregates run in parallel; the
	// prior cutoffs reuse the current day-of-month clamped to each month's
	// length.
	var cur, prior, priorYear contract.MonthAggregate
	var monthContracts []*contract.Contract
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		cur, err = b.contracts.AggregateMonth(gctx, in.Month, cutoff, b.statuses)
		return err
	})
	g.Go(func() error {
		m := in.Month.Prev()
		var err error
		prior, err = b.contracts.AggregateMonth(gctx, m, dayClamped(m, cutoff.Day()), b.statuses)
		return err
	})
	g.Go(func() error {
		m := in.Month.PrevYear()
		var err error
		priorYear, err = b.contracts.AggregateMonth(gctx, m, dayClamped(m, cutoff.Day()), b.statuses)
		return err
	})
	g.Go(func() error {
		var err error
		monthContracts, err = b.contracts.ListByMonth(gctx, in.Month)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("aggregating month: %w", err)
	}

	doc := &Document{
		Month:           in.Month.String(),
		SnapshotVersion: SchemaVersion,
		MoneyUnit:       MoneyUnit,
		Filters: Filters{
			Scenario:     in.Scenario,
			Statuses:     append([]string{}, b.statuses...),
			RulesVersion: compute.RulesVersion,
		},
	}

	rulesGoal := b.goalFor(ctx, compute)
	b.fillKPIs(ctx, doc, in.Month, cutoff, cur, prior, priorYear, rulesGoal, compute)
	doc.TrendDaily = b.trend(ctx, monthContracts, in.Month, cutoff)
	doc.Renewals = renewalsBlock(compute.Report)
	doc.Leaderboard = leaderboard(compute.Entries)
	doc.VendorStats = vendorStats(monthContracts, cutoff)
	doc.Radar = radar(monthContracts, compute.Report, cutoff)
	doc.Mix = mix(monthContracts, cutoff)
	b.fillCoverage(ctx, doc, monthContracts)

	doc.Processing.BuiltAt = started.UTC()
	doc.Processing.DurationMS = time.Since(started).Milliseconds()
	doc.Processing.RulesVersion = compute.RulesVersion

	if err := Validate(doc); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	row := &Row{
		ID:           ulid.Make().String(),
		Month:        in.Month,
		Scenario:     in.Scenario,
		RulesVersion: compute.RulesVersion,
		Doc:          raw,
		CreatedAt:    b.now().UTC(),
	}
	if err := b.snaps.Insert(ctx, row); err != nil {
		return nil, fmt.Errorf("persisting snapshot: %w", err)
	}

	b.logger.Info("snapshot built",
		zap.String("month", in.Month.String()),
		zap.String("scenario", in.Scenario),
		zap.String("rules_version", compute.RulesVersion),
		zap.Int64("duration_ms", doc.Processing.DurationMS))
	return doc, nil
}

// =============================================================================
// KPIS AND FORECAST
// =============================================================================

func (b *Builder) goalFor(ctx context.Context, compute *ledger.ComputeResult) decimal.Decimal {
	// The goal travels on the rules version the computation used.
	v, err := b.engine.Version(ctx, compute.RulesVersion)
	if err != nil || v == nil {
		return decimal.Zero
	}
	return v.MonthlyGoal
}

func (b *Builder) fillKPIs(ctx context.Context, doc *Document, month contract.MonthRef, cutoff contract.Date, cur, prior, priorYear contract.MonthAggregate, goal decimal.Decimal, compute *ledger.ComputeResult) {
	doc.KPIs.Count = cur.Count
	doc.KPIs.Commission = cur.Commission.InexactFloat64()
	doc.KPIs.Premium = cur.Premium.InexactFloat64()
	doc.KPIs.MarginPct = cur.MarginPct().InexactFloat64()
	doc.KPIs.AvgTicket = cur.AvgTicket().InexactFloat64()
	doc.KPIs.Goal = goal.InexactFloat64()

	if !goal.IsZero() {
		doc.KPIs.GoalPct = cur.Commission.Div(goal).InexactFloat64()
	}

	// Forecast: commission so far divided by the expected cumulative share
	// for the cutoff day.
	share, fromCurve := b.curveShare(ctx, cutoff.Day(), month.DaysIn())
	doc.Processing.CurveFallback = !fromCurve
	if share > 0 {
		doc.KPIs.ForecastCommission = cur.Commission.InexactFloat64() / share
	}
	if !goal.IsZero() {
		doc.KPIs.ForecastPct = doc.KPIs.ForecastCommission / goal.InexactFloat64()
	}

	// Daily required pace over remaining weekdays.
	gap := goal.Sub(cur.Commission)
	if gap.IsNegative() {
		gap = decimal.Zero
	}
	doc.KPIs.Gap = gap.InexactFloat64()
	remaining := contract.WorkingDaysBetween(cutoff.AddDays(1), month.Last())
	doc.KPIs.RemainingWorkingDays = remaining
	if remaining > 0 {
		doc.KPIs.GapPerDay = gap.Div(decimal.NewFromInt(int64(remaining))).InexactFloat64()
	} else {
		doc.KPIs.GapPerDay = gap.InexactFloat64()
	}

	doc.KPIs.PriorMonthCommission = prior.Commission.InexactFloat64()
	doc.KPIs.PriorYearCommission = priorYear.Commission.InexactFloat64()
	doc.KPIs.MoMPct = pctDelta(cur.Commission, prior.Commission)
	doc.KPIs.YoYPct = pctDelta(cur.Commission, priorYear.Commission)

	totalXP := decimal.Zero
	for _, e := range compute.Entries {
		totalXP = totalXP.Add(e.Total)
	}
	doc.KPIs.TotalXP = totalXP.InexactFloat64()
}

// curveShare resolves the expected cumulative share for the forecast day
// and records an audit event when it has to fall back to linear pacing.
func (b *Builder) curveShare(ctx context.Context, day, daysInMonth int) (float64, bool) {
	share, fromCurve := b.shareForDay(ctx, day, daysInMonth)
	if !fromCurve && b.audit != nil {
		_ = b.audit.Append(ctx, AuditEvent{
			ID:     ulid.Make().String(),
			Kind:   AuditCurveFallback,
			Detail: fmt.Sprintf("no curve row for day %d, using linear share", day),
			At:     b.now().UTC(),
		})
	}
	return share, fromCurve
}

func (b *Builder) shareForDay(ctx context.Context, day, daysInMonth int) (float64, bool) {
	if b.curves != nil {
		share, ok, err := b.curves.Share(ctx, day)
		if err == nil && ok && share > 0 {
			return share, true
		}
		if err != nil {
			b.logger.Warn("pacing curve read failed", zap.Error(err))
		}
	}
	return float64(day) / float64(daysInMonth), false
}

func pctDelta(cur, prev decimal.Decimal) float64 {
	if prev.IsZero() {
		return 0
	}
	return cur.Sub(prev).Div(prev).Mul(decimal.NewFromInt(100)).InexactFloat64()
}

// clampToMonth clamps today into [month first, month last].
func clampToMonth(today contract.Date, month contract.MonthRef) contract.Date {
	switch {
	case today.Before(month.First()):
		return month.First()
	case today.After(month.Last()):
		return month.Last()
	}
	return today
}

// dayClamped builds "same day of month" in another month, clamped to its
// length.
func dayClamped(month contract.MonthRef, day int) contract.Date {
	if max := month.DaysIn(); day > max {
		day = max
	}
	return month.First().AddDays(day - 1)
}

// =============================================================================
// DERIVED BLOCKS
// =============================================================================

func (b *Builder) trend(ctx context.Context, contracts []*contract.Contract, month contract.MonthRef, cutoff contract.Date) []TrendPoint {
	perDay := map[int]decimal.Decimal{}
	for _, c := range contracts {
		if c.Invalid {
			continue
		}
		ev := c.EventDate()
		if ev == nil || ev.After(cutoff) {
			continue
		}
		perDay[ev.Day()] = perDay[ev.Day()].Add(c.Commission)
	}

	points := make([]TrendPoint, 0, cutoff.Day())
	cumulative := decimal.Zero
	daysIn := month.DaysIn()
	for day := 1; day <= cutoff.Day(); day++ {
		cumulative = cumulative.Add(perDay[day])
		share, _ := b.shareForDay(ctx, day, daysIn)
		points = append(points, TrendPoint{
			Day:           day,
			Date:          month.First().AddDays(day - 1).String(),
			Commission:    perDay[day].InexactFloat64(),
			Cumulative:    cumulative.InexactFloat64(),
			ExpectedShare: share,
		})
	}
	return points
}

func renewalsBlock(report *renewal.Report) Renewals {
	out := Renewals{
		D7:             renewalItems(report.D7),
		D15:            renewalItems(report.D15),
		D30:            renewalItems(report.D30),
		BlackListCount: len(report.BlackList),
	}
	return out
}

func renewalItems(items []renewal.Item) []RenewalItem {
	out := make([]RenewalItem, 0, len(items))
	for _, it := range items {
		end := ""
		if it.Contract.EndDate != nil {
			end = it.Contract.EndDate.String()
		}
		out = append(out, RenewalItem{
			ContractID:    it.Contract.ID,
			HolderID:      it.Contract.HolderID,
			Branch:        string(it.Contract.Branch),
			SalespersonID: it.Contract.SalespersonID,
			EndDate:       end,
			DaysToEnd:     it.DaysToEnd,
			Stage:         it.Stage,
			Probability:   it.Probability.InexactFloat64(),
			Impact:        it.Impact.InexactFloat64(),
			Commission:    it.Contract.Commission.InexactFloat64(),
		})
	}
	return out
}

func leaderboard(entries []*ledger.Entry) []LeaderboardRow {
	type agg struct {
		xp        decimal.Decimal
		contracts int
		combo     bool
		salvage   bool
	}
	bySeller := map[string]*agg{}
	for _, e := range entries {
		if e.SalespersonID == "" {
			continue
		}
		a, ok := bySeller[e.SalespersonID]
		if !ok {
			a = &agg{}
			bySeller[e.SalespersonID] = a
		}
		a.xp = a.xp.Add(e.Total)
		a.contracts++
		for _, r := range e.Reasons {
			switch r {
			case ledger.ReasonComboBreaker:
				a.combo = true
			case ledger.ReasonRenewalSalvage:
				a.salvage = true
			}
		}
	}

	rows := make([]LeaderboardRow, 0, len(bySeller))
	for seller, a := range bySeller {
		row := LeaderboardRow{
			SalespersonID: seller,
			XP:            a.xp.InexactFloat64(),
			Contracts:     a.contracts,
			Badges:        []string{},
		}
		if a.combo {
			row.Badges = append(row.Badges, BadgeCombo)
		}
		if a.salvage {
			row.Badges = append(row.Badges, BadgeDefensor)
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].XP != rows[j].XP {
			return rows[i].XP > rows[j].XP
		}
		return rows[i].SalespersonID < rows[j].SalespersonID
	})
	return rows
}

func vendorStats(contracts []*contract.Contract, cutoff contract.Date) []VendorStat {
	type agg struct {
		count               int
		commission, premium decimal.Decimal
	}
	bySeller := map[string]*agg{}
	for _, c := range contracts {
		if c.Invalid || c.SalespersonID == "" {
			continue
		}
		if ev := c.EventDate(); ev == nil || ev.After(cutoff) {
			continue
		}
		a, ok := bySeller[c.SalespersonID]
		if !ok {
			a = &agg{}
			bySeller[c.SalespersonID] = a
		}
		a.count++
		a.commission = a.commission.Add(c.Commission)
		a.premium = a.premium.Add(c.Premium)
	}
	out := make([]VendorStat, 0, len(bySeller))
	for seller, a := range bySeller {
		out = append(out, VendorStat{
			SalespersonID: seller,
			Count:         a.count,
			Commission:    a.commission.InexactFloat64(),
			Premium:       a.premium.InexactFloat64(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Commission != out[j].Commission {
			return out[i].Commission > out[j].Commission
		}
		return out[i].SalespersonID < out[j].SalespersonID
	})
	return out
}

func mix(contracts []*contract.Contract, cutoff contract.Date) Mix {
	byBranch := map[string]*MixShare{}
	byInsurer := map[string]*MixShare{}
	total := decimal.Zero

	for _, c := range contracts {
		if c.Invalid {
			continue
		}
		if ev := c.EventDate(); ev == nil || ev.After(cutoff) {
			continue
		}
		total = total.Add(c.Commission)
		addShare(byBranch, string(c.Branch), c.Commission)
		if c.Insurer != "" {
			addShare(byInsurer, c.Insurer, c.Commission)
		}
	}

	return Mix{
		ByBranch:  finishShares(byBranch, total),
		ByInsurer: finishShares(byInsurer, total),
	}
}

func addShare(m map[string]*MixShare, key string, commission decimal.Decimal) {
	s, ok := m[key]
	if !ok {
		s = &MixShare{Key: key}
		m[key] = s
	}
	s.Count++
	s.Commission += commission.InexactFloat64()
}

func finishShares(m map[string]*MixShare, total decimal.Decimal) []MixShare {
	out := make([]MixShare, 0, len(m))
	totalF := total.InexactFloat64()
	for _, s := range m {
		if totalF > 0 {
			s.SharePct = s.Commission / totalF * 100
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Commission != out[j].Commission {
			return out[i].Commission > out[j].Commission
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func radar(contracts []*contract.Contract, report *renewal.Report, cutoff contract.Date) Radar {
	type agg struct {
		commission, premium, risk decimal.Decimal
	}
	byBranch := map[contract.Branch]*agg{}
	for _, c := range contracts {
		if c.Invalid {
			continue
		}
		if ev := c.EventDate(); ev == nil || ev.After(cutoff) {
			continue
		}
		a, ok := byBranch[c.Branch]
		if !ok {
			a = &agg{}
			byBranch[c.Branch] = a
		}
		a.commission = a.commission.Add(c.Commission)
		a.premium = a.premium.Add(c.Premium)
	}

	// Risk per branch: summed impact of its at-risk items.
	for _, bucket := range [][]renewal.Item{report.D7, report.D15, report.D30, report.BlackList} {
		for _, it := range bucket {
			if a, ok := byBranch[it.Contract.Branch]; ok {
				a.risk = a.risk.Add(it.Impact)
			}
		}
	}

	branches := make([]RadarBranch, 0, len(byBranch))
	var margins, volumes, risks []float64
	for b, a := range byBranch {
		margin := 0.0
		if !a.premium.IsZero() {
			margin = a.commission.Div(a.premium).Mul(decimal.NewFromInt(100)).InexactFloat64()
		}
		rb := RadarBranch{
			Branch:     string(b),
			MarginPct:  margin,
			Commission: a.commission.InexactFloat64(),
			Risk:       a.risk.InexactFloat64(),
		}
		branches = append(branches, rb)
		margins = append(margins, rb.MarginPct)
		volumes = append(volumes, rb.Commission)
		risks = append(risks, rb.Risk)
	}

	// Median split per axis: self-relative thresholds across the current
	// branch set, not absolute ones.
	marginMed, volumeMed, riskMed := median(margins), median(volumes), median(risks)
	for i := range branches {
		rb := &branches[i]
		rb.HighMargin = rb.MarginPct >= marginMed
		rb.HighVolume = rb.Commission >= volumeMed
		rb.HighRisk = rb.Risk >= riskMed
		rb.Quadrant = quadrantLabel(rb.HighMargin, rb.HighVolume)
	}
	sort.Slice(branches, func(i, j int) bool { return branches[i].Branch < branches[j].Branch })
	return Radar{Branches: branches}
}

func quadrantLabel(highMargin, highVolume bool) string {
	switch {
	case highMargin && highVolume:
		return "STAR"
	case highMargin:
		return "NICHE"
	case highVolume:
		return "WORKHORSE"
	default:
		return "DRAG"
	}
}

func median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := append([]float64{}, vals...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// =============================================================================
// COVERAGE AND CONFIDENCE
// =============================================================================

func (b *Builder) fillCoverage(ctx context.Context, doc *Document, contracts []*contract.Contract) {
	cov := Coverage{TotalContracts: len(contracts)}
	for _, c := range contracts {
		if !c.Invalid {
			cov.ValidContracts++
		}
		if c.Incomplete {
			cov.IncompleteContracts++
		}
	}
	if cov.TotalContracts > 0 {
		cov.ValidPct = float64(cov.ValidContracts) / float64(cov.TotalContracts)
	} else {
		cov.ValidPct = 1
	}

	var lastStatus ingest.Status
	if b.runs != nil {
		if last, err := b.runs.Latest(ctx); err == nil && last != nil {
			cov.LastRunStatus = string(last.Status)
			cov.LastRunAt = last.FinishedAt
			lastStatus = last.Status
		}
	}
	doc.DataCoverage = cov
	doc.Processing.Confidence = confidenceTier(cov.ValidPct, lastStatus)
}

// confidenceTier labels snapshot trustworthiness so stale data is explicit.
func confidenceTier(validPct float64, lastRun ingest.Status) string {
	switch {
	case validPct >= 0.9 && (lastRun == ingest.StatusSuccess || lastRun == ""):
		return ConfidenceHigh
	case validPct >= 0.7 && lastRun != ingest.StatusFailed:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}
