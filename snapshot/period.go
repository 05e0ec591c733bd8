/*
period.go - Multi-month period documents

A period document reuses the monthly snapshot shape and adds a period
block describing the window. The end month is computed exactly like a
monthly build, so its renewal report and ledger entries are fresh;
earlier months contribute their persisted entries and are never
recomputed, which keeps closed months closed. Period documents are
derived on demand and not persisted.
*/
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meridian/sales-engine/contract"
	"github.com/meridian/sales-engine/ledger"
)

// MaxPeriodMonths caps the trailing window length.
const MaxPeriodMonths = 24

// ErrInvalidPeriod is returned for a window that is empty, longer than
// MaxPeriodMonths, or missing its end month.
var ErrInvalidPeriod = errors.New("invalid period window")

// PeriodInput selects a trailing window of Months months ending at End.
type PeriodInput struct {
	End    contract.MonthRef
	Months int

	Scenario string
	// RulesVersionID overrides date-based rules resolution.
	RulesVersionID string
	// Force bypasses the closed-month guard on the end month.
	Force bool
}

type periodMonth struct {
	ref       contract.MonthRef
	cutoff    contract.Date
	agg       contract.MonthAggregate
	contracts []*contract.Contract
	entries   []*ledger.Entry
}

// BuildPeriod aggregates a trailing window of months into one document.
// The window start is clamped forward to the earliest month that
// actually holds contracts, recorded in the period block.
func (b *Builder) BuildPeriod(ctx context.Context, in PeriodInput) (*Document, error) {
	if in.End == "" {
		return nil, fmt.Errorf("%w: end month is required", ErrInvalidPeriod)
	}
	if in.Months < 1 || in.Months > MaxPeriodMonths {
		return nil, fmt.Errorf("%w: months must be in [1,%d], got %d", ErrInvalidPeriod, MaxPeriodMonths, in.Months)
	}

	started := b.now()
	today := contract.DateOf(started.UTC())

	compute, err := b.engine.ComputeMonth(ctx, ledger.ComputeInput{
		Month:          in.End,
		Scenario:       in.Scenario,
		RulesVersionID: in.RulesVersionID,
		Force:          in.Force,
		Reference:      today,
	})
	if err != nil {
		return nil, err
	}

	window := make([]*periodMonth, 0, in.Months)
	for i := in.Months - 1; i >= 0; i-- {
		ref := shiftMonth(in.End, -i)
		cutoff := ref.Last()
		if ref == in.End {
			cutoff = clampToMonth(today, in.End)
		}
		window = append(window, &periodMonth{ref: ref, cutoff: cutoff})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, pm := range window {
		g.Go(func() error {
			var err error
			pm.agg, err = b.contracts.AggregateMonth(gctx, pm.ref, pm.cutoff, b.statuses)
			return err
		})
		g.Go(func() error {
			var err error
			pm.contracts, err = b.contracts.ListByMonth(gctx, pm.ref)
			return err
		})
		if pm.ref == in.End {
			pm.entries = compute.Entries
			continue
		}
		g.Go(func() error {
			var err error
			pm.entries, err = b.engine.MonthEntries(gctx, pm.ref, in.Scenario)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("aggregating period: %w", err)
	}

	// Clamp the start forward to the earliest month that has data. A
	// fully empty window keeps the requested bounds.
	start := 0
	for i, pm := range window {
		if pm.agg.Count > 0 || len(pm.contracts) > 0 {
			start = i
			break
		}
	}
	included := window[start:]
	available := 0
	for _, pm := range included {
		if pm.agg.Count > 0 {
			available++
		}
	}

	doc := &Document{
		Month:           in.End.String(),
		SnapshotVersion: SchemaVersion,
		MoneyUnit:       MoneyUnit,
		Filters: Filters{
			Scenario:     in.Scenario,
			Statuses:     append([]string{}, b.statuses...),
			RulesVersion: compute.RulesVersion,
		},
		Period: &PeriodBlock{
			Start:     included[0].ref.String(),
			End:       in.End.String(),
			Months:    len(included),
			Label:     fmt.Sprintf("%s..%s", included[0].ref, in.End),
			Requested: in.Months,
			Clamped:   len(included) < in.Months,
			Available: available,
		},
	}

	endCutoff := window[len(window)-1].cutoff
	var allContracts []*contract.Contract
	var allEntries []*ledger.Entry
	for _, pm := range included {
		allContracts = append(allContracts, pm.contracts...)
		allEntries = append(allEntries, pm.entries...)
	}

	b.fillPeriodKPIs(ctx, doc, included, endCutoff, compute, allEntries)
	doc.TrendDaily = periodTrend(included)
	doc.Renewals = renewalsBlock(compute.Report)
	doc.Leaderboard = leaderboard(allEntries)
	doc.VendorStats = vendorStats(allContracts, endCutoff)
	doc.Radar = radar(allContracts, compute.Report, endCutoff)
	doc.Mix = mix(allContracts, endCutoff)
	b.fillCoverage(ctx, doc, allContracts)

	doc.Processing.BuiltAt = started.UTC()
	doc.Processing.DurationMS = time.Since(started).Milliseconds()
	doc.Processing.RulesVersion = compute.RulesVersion

	if err := Validate(doc); err != nil {
		return nil, err
	}

	b.logger.Info("period document built",
		zap.String("start", doc.Period.Start),
		zap.String("end", doc.Period.End),
		zap.Int("months", doc.Period.Months),
		zap.String("scenario", in.Scenario),
		zap.Int64("duration_ms", doc.Processing.DurationMS))
	return doc, nil
}

// fillPeriodKPIs sums the window and forecasts the total as the closed
// months' actuals plus the end month paced by the curve. MoM and YoY
// compare against the adjacent and year-shifted windows of the same
// length, taken as full months.
func (b *Builder) fillPeriodKPIs(ctx context.Context, doc *Document, included []*periodMonth, endCutoff contract.Date, compute *ledger.ComputeResult, entries []*ledger.Entry) {
	var count int
	commission, premium := decimal.Zero, decimal.Zero
	for _, pm := range included {
		count += pm.agg.Count
		commission = commission.Add(pm.agg.Commission)
		premium = premium.Add(pm.agg.Premium)
	}

	doc.KPIs.Count = count
	doc.KPIs.Commission = commission.InexactFloat64()
	doc.KPIs.Premium = premium.InexactFloat64()
	if !premium.IsZero() {
		doc.KPIs.MarginPct = commission.Div(premium).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}
	if count > 0 {
		doc.KPIs.AvgTicket = commission.Div(decimal.NewFromInt(int64(count))).InexactFloat64()
	}

	end := included[len(included)-1]
	goal := b.goalFor(ctx, compute).Mul(decimal.NewFromInt(int64(len(included))))
	doc.KPIs.Goal = goal.InexactFloat64()
	if !goal.IsZero() {
		doc.KPIs.GoalPct = commission.Div(goal).InexactFloat64()
	}

	share, fromCurve := b.curveShare(ctx, endCutoff.Day(), end.ref.DaysIn())
	doc.Processing.CurveFallback = !fromCurve
	doc.KPIs.ForecastCommission = commission.Sub(end.agg.Commission).InexactFloat64()
	if share > 0 {
		doc.KPIs.ForecastCommission += end.agg.Commission.InexactFloat64() / share
	}
	if !goal.IsZero() {
		doc.KPIs.ForecastPct = doc.KPIs.ForecastCommission / goal.InexactFloat64()
	}

	gap := goal.Sub(commission)
	if gap.IsNegative() {
		gap = decimal.Zero
	}
	doc.KPIs.Gap = gap.InexactFloat64()
	remaining := contract.WorkingDaysBetween(endCutoff.AddDays(1), end.ref.Last())
	doc.KPIs.RemainingWorkingDays = remaining
	if remaining > 0 {
		doc.KPIs.GapPerDay = gap.Div(decimal.NewFromInt(int64(remaining))).InexactFloat64()
	} else {
		doc.KPIs.GapPerDay = gap.InexactFloat64()
	}

	n := len(included)
	prior := b.windowCommission(ctx, shiftMonth(included[0].ref, -n), n)
	priorYear := b.windowCommission(ctx, shiftMonth(included[0].ref, -12), n)
	doc.KPIs.PriorMonthCommission = prior.InexactFloat64()
	doc.KPIs.PriorYearCommission = priorYear.InexactFloat64()
	doc.KPIs.MoMPct = pctDelta(commission, prior)
	doc.KPIs.YoYPct = pctDelta(commission, priorYear)

	totalXP := decimal.Zero
	for _, e := range entries {
		totalXP = totalXP.Add(e.Total)
	}
	doc.KPIs.TotalXP = totalXP.InexactFloat64()
}

// windowCommission sums full-month commission for n months starting at
// first. Read failures degrade to zero, matching how a missing prior
// month reads on the monthly document.
func (b *Builder) windowCommission(ctx context.Context, first contract.MonthRef, n int) decimal.Decimal {
	total := decimal.Zero
	for i := 0; i < n; i++ {
		ref := shiftMonth(first, i)
		agg, err := b.contracts.AggregateMonth(ctx, ref, ref.Last(), b.statuses)
		if err != nil {
			b.logger.Warn("prior window aggregate failed", zap.String("month", ref.String()), zap.Error(err))
			continue
		}
		total = total.Add(agg.Commission)
	}
	return total
}

// periodTrend emits one point per window month instead of one per day;
// the expected share is the linear month index over the window.
func periodTrend(included []*periodMonth) []TrendPoint {
	points := make([]TrendPoint, 0, len(included))
	cumulative := decimal.Zero
	for i, pm := range included {
		cumulative = cumulative.Add(pm.agg.Commission)
		points = append(points, TrendPoint{
			Day:           i + 1,
			Date:          pm.ref.First().String(),
			Commission:    pm.agg.Commission.InexactFloat64(),
			Cumulative:    cumulative.InexactFloat64(),
			ExpectedShare: float64(i+1) / float64(len(included)),
		})
	}
	return points
}

func shiftMonth(m contract.MonthRef, delta int) contract.MonthRef {
	return contract.DateOf(m.First().Time.AddDate(0, delta, 0)).Month()
}
