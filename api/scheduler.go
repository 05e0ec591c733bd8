/*
scheduler.go - Scheduled incremental synchronization

PURPOSE:
  Runs the incremental sync on a cron schedule so the dashboard stays
  current without manual triggers. A degraded run (STALE_DATA) is logged
  and retried on the next tick; the previous snapshot keeps serving.

CONFIGURATION:
  The cron expression comes from ingest.schedule in the config file.
  Empty disables scheduling entirely.

SEE ALSO:
  - handlers.go: TriggerIncremental (manual sync)
  - ingest/orchestrator.go: The sync itself
*/
package api

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/meridian/sales-engine/ingest"
)

// SyncScheduler triggers incremental ingestion on a cron schedule.
type SyncScheduler struct {
	orch   *ingest.Orchestrator
	cron   *cron.Cron
	logger *zap.Logger
}

func NewSyncScheduler(orch *ingest.Orchestrator, logger *zap.Logger) *SyncScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncScheduler{
		orch:   orch,
		cron:   cron.New(),
		logger: logger,
	}
}

// Start registers the schedule and begins ticking. Returns an error for an
// invalid cron expression; an empty expression is a no-op.
func (s *SyncScheduler) Start(schedule string) error {
	if schedule == "" {
		return nil
	}
	_, err := s.cron.AddFunc(schedule, func() {
		run, err := s.orch.RunIncremental(context.Background())
		if run == nil {
			s.logger.Warn("scheduled sync failed", zap.Error(err))
			return
		}
		s.logger.Info("scheduled sync finished",
			zap.String("run_id", run.ID),
			zap.String("status", string(run.Status)),
			zap.Int("fetched", run.Fetched))
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts scheduling and waits for an in-flight run to finish.
func (s *SyncScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
