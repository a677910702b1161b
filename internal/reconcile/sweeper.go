// Package reconcile reports work requests whose ticket never landed.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"work-orchestrator/internal/logger"
	"work-orchestrator/internal/models"
	"work-orchestrator/internal/telemetry"
)

// Store is what the sweeper reads.
type Store interface {
	OrphanedRequests(ctx context.Context, cutoff time.Time) ([]string, error)
	CountTicketsByStatus(ctx context.Context, status string) (int64, error)
}

// Sweeper periodically counts orphaned requests and refreshes the pending
// gauge. It only reports; orphans are never repaired here.
type Sweeper struct {
	store    Store
	grace    time.Duration
	interval time.Duration
	log      *logger.Logger
	now      func() time.Time
}

// NewSweeper builds a sweeper. Requests younger than grace are ignored so
// in-flight intakes are not counted.
func NewSweeper(st Store, grace, interval time.Duration, log *logger.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Sweeper{store: st, grace: grace, interval: interval, log: log, now: time.Now}
}

// Sweep runs one pass and returns the orphaned request ids.
func (s *Sweeper) Sweep(ctx context.Context) ([]string, error) {
	ids, err := s.store.OrphanedRequests(ctx, s.now().Add(-s.grace))
	if err != nil {
		return nil, fmt.Errorf("query orphaned requests: %w", err)
	}
	telemetry.OrphanedRequests.Set(float64(len(ids)))
	if len(ids) > 0 {
		s.log.WarnCtx(ctx, "orphaned work requests", logger.F("count", len(ids)), logger.F("work_request_ids", ids))
	}

	if pending, err := s.store.CountTicketsByStatus(ctx, models.TicketPending); err == nil {
		telemetry.PendingTickets.Set(float64(pending))
	}
	return ids, nil
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil {
			s.log.Error("orphan sweep failed", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
