package sweeper

import (
	"context"
	"log"
	"time"

	"hivesync-jobs/internal/telemetry"
)

// Stores is the corrective-write surface the sweeper depends on. Each call is
// one independently-committed statement, so a failure in one pass never rolls
// back another.
type Stores interface {
	MarkStaleWorkers(ctx context.Context, before time.Time) (int64, error)
	ReapStuckPreviewJobs(ctx context.Context, before time.Time) (int64, error)
	ReapStuckAIJobs(ctx context.Context, before time.Time) (int64, error)
}

// Sweeper periodically detects workers that stopped reporting liveness and
// jobs stuck past their execution budget, and performs corrective writes. It
// runs orthogonally to the publish/consume path.
type Sweeper struct {
	store            Stores
	staleWorkerAfter time.Duration
	stuckJobAfter    time.Duration
}

// New builds a sweeper with the given staleness thresholds.
func New(store Stores, staleWorkerAfter, stuckJobAfter time.Duration) *Sweeper {
	if staleWorkerAfter <= 0 {
		staleWorkerAfter = 60 * time.Second
	}
	if stuckJobAfter <= 0 {
		stuckJobAfter = 10 * time.Minute
	}
	return &Sweeper{store: store, staleWorkerAfter: staleWorkerAfter, stuckJobAfter: stuckJobAfter}
}

// Sweep runs the three passes once. A failing pass is logged and the
// remaining passes still run.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now()

	if n, err := s.store.MarkStaleWorkers(ctx, now.Add(-s.staleWorkerAfter)); err != nil {
		log.Printf("sweeper: mark stale workers: %v", err)
	} else if n > 0 {
		telemetry.SweeperStaleMarks.Add(float64(n))
		log.Printf("sweeper: marked %d workers stale", n)
	}

	// Running jobs are aged by creation time, not by their last transition.
	stuckBefore := now.Add(-s.stuckJobAfter)

	if n, err := s.store.ReapStuckPreviewJobs(ctx, stuckBefore); err != nil {
		log.Printf("sweeper: reap stuck preview jobs: %v", err)
	} else if n > 0 {
		telemetry.SweeperReaped.WithLabelValues("preview").Add(float64(n))
		log.Printf("sweeper: reaped %d stuck preview jobs", n)
	}

	if n, err := s.store.ReapStuckAIJobs(ctx, stuckBefore); err != nil {
		log.Printf("sweeper: reap stuck ai jobs: %v", err)
	} else if n > 0 {
		telemetry.SweeperReaped.WithLabelValues("ai").Add(float64(n))
		log.Printf("sweeper: reaped %d stuck ai jobs", n)
	}
}
