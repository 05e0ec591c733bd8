package snapshot

import (
	"context"
	"encoding/json"
	"time"

	"github.com/meridian/sales-engine/contract"
)

// Row is one persisted snapshot. Insert-only; rebuilding a key writes a new
// row, reads return the latest.
type Row struct {
	ID           string
	Month        contract.MonthRef
	Scenario     string
	RulesVersion string
	Doc          json.RawMessage
	CreatedAt    time.Time
}

// Store persists snapshot rows.
type Store interface {
	Insert(ctx context.Context, row *Row) error

	// Latest returns the newest row for the key, nil when none exists.
	// Empty scenario selects the official snapshot.
	Latest(ctx context.Context, month contract.MonthRef, scenario string) (*Row, error)
}

// CurveStore reads the historical day-of-month pacing curve.
type CurveStore interface {
	// Share returns the expected cumulative commission share for a day of
	// month, ok=false when no curve row exists for that day.
	Share(ctx context.Context, day int) (float64, bool, error)
}

// AuditEvent is a diagnostic emitted during a build, such as the linear
// pacing fallback when the curve has no row for the cutoff day.
type AuditEvent struct {
	ID     string
	Kind   string
	Detail string
	At     time.Time
}

const (
	AuditCurveFallback = "curve_fallback"
	AuditForcedRebuild = "forced_rebuild"
)

// AuditStore records build diagnostics. Append-only.
type AuditStore interface {
	Append(ctx context.Context, ev AuditEvent) error
}
