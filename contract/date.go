package contract

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// DATE - Day-granular date (all contract dates are date-only)
// =============================================================================

// Date is a day-granular point in time, normalized to midnight UTC.
// The zero value means "no date" (source field was absent or unparseable).
type Date struct {
	Time time.Time
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

func DateOf(t time.Time) Date {
	return NewDate(t.Year(), t.Month(), t.Day())
}

func Today() Date {
	return DateOf(time.Now().UTC())
}

// dateLayouts are tried in order. The source emits both ISO dates (with and
// without a time component) and Brazilian DD/MM/YYYY.
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"02/01/2006",
	"02/01/2006 15:04:05",
}

// ParseDate coerces a source date string into a Date. Returns ok=false for
// anything unparseable; callers treat that as a missing field, never an error.
func ParseDate(s string) (Date, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Date{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return DateOf(t), true
		}
	}
	return Date{}, false
}

// Comparison
func (d Date) Before(other Date) bool        { return d.Time.Before(other.Time) }
func (d Date) After(other Date) bool         { return d.Time.After(other.Time) }
func (d Date) Equal(other Date) bool         { return d.Time.Equal(other.Time) }
func (d Date) BeforeOrEqual(other Date) bool { return !d.After(other) }
func (d Date) AfterOrEqual(other Date) bool  { return !d.Before(other) }
func (d Date) IsZero() bool                  { return d.Time.IsZero() }

// Arithmetic
func (d Date) AddDays(n int) Date   { return DateOf(d.Time.AddDate(0, 0, n)) }
func (d Date) AddMonths(n int) Date { return DateOf(d.Time.AddDate(0, n, 0)) }
func (d Date) AddYears(n int) Date  { return DateOf(d.Time.AddDate(n, 0, 0)) }

// DaysUntil returns the signed number of days from d to other.
func (d Date) DaysUntil(other Date) int {
	return int(other.Time.Sub(d.Time).Hours() / 24)
}

// Properties
func (d Date) Year() int             { return d.Time.Year() }
func (d Date) MonthOfYear() time.Month { return d.Time.Month() }
func (d Date) Day() int              { return d.Time.Day() }
func (d Date) Weekday() time.Weekday { return d.Time.Weekday() }
func (d Date) IsWeekend() bool {
	wd := d.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}
func (d Date) IsWorkday() bool { return !d.IsWeekend() }

func (d Date) String() string { return d.Time.Format("2006-01-02") }

// Month returns the month reference this date falls in.
func (d Date) Month() MonthRef {
	return MonthRef(d.Time.Format("2006-01"))
}

// =============================================================================
// MONTH REF - Calendar month key ("2006-01")
// =============================================================================

// MonthRef identifies a calendar month. It is the grouping key for ledger
// computation and snapshots.
type MonthRef string

func ParseMonthRef(s string) (MonthRef, error) {
	if _, err := time.Parse("2006-01", s); err != nil {
		return "", fmt.Errorf("invalid month reference %q: %w", s, err)
	}
	return MonthRef(s), nil
}

func (m MonthRef) time() time.Time {
	t, _ := time.Parse("2006-01", string(m))
	return t
}

// First returns the first day of the month.
func (m MonthRef) First() Date { return DateOf(m.time()) }

// Last returns the last day of the month.
func (m MonthRef) Last() Date { return DateOf(m.time().AddDate(0, 1, -1)) }

// DaysIn returns the number of days in the month.
func (m MonthRef) DaysIn() int { return m.Last().Day() }

// Prev returns the previous calendar month.
func (m MonthRef) Prev() MonthRef { return DateOf(m.time().AddDate(0, -1, 0)).Month() }

// PrevYear returns the same month one year earlier.
func (m MonthRef) PrevYear() MonthRef { return DateOf(m.time().AddDate(-1, 0, 0)).Month() }

// Contains reports whether d falls inside the month.
func (m MonthRef) Contains(d Date) bool { return d.Month() == m }

func (m MonthRef) String() string { return string(m) }

// WorkingDaysBetween counts weekdays in [from, to], inclusive. No holiday
// calendar is applied.
func WorkingDaysBetween(from, to Date) int {
	if to.Before(from) {
		return 0
	}
	n := 0
	for d := from; d.BeforeOrEqual(to); d = d.AddDays(1) {
		if d.IsWorkday() {
			n++
		}
	}
	return n
}
