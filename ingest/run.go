package ingest

import (
	"context"
	"errors"
	"time"
)

// Status is an ingestion run's lifecycle state. Terminal status is set
// exactly once; the run store rejects a second finalization.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
	StatusStaleData Status = "STALE_DATA"
)

// ErrRunFinalized is returned when finalizing an already-terminal run.
var ErrRunFinalized = errors.New("ingestion run already finalized")

// Run is one ingestion invocation.
type Run struct {
	ID         string
	Kind       string // "incremental" or "backfill"
	Criteria   string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     Status

	Fetched    int
	Inserted   int
	Updated    int
	Duplicates int

	Detail string
}

// RunStore persists ingestion runs. Insert-only plus one finalization.
type RunStore interface {
	Insert(ctx context.Context, r *Run) error

	// Finish sets the terminal status and counts. Returns ErrRunFinalized
	// if the run is already terminal.
	Finish(ctx context.Context, r *Run) error

	// LastSuccessful returns the most recent SUCCESS run, nil when none.
	LastSuccessful(ctx context.Context) (*Run, error)

	// Latest returns the most recent run of any status, nil when none.
	Latest(ctx context.Context) (*Run, error)

	List(ctx context.Context, limit int) ([]*Run, error)
}
