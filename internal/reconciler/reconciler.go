// Package reconciler repairs runs left without a linked state.
//
// A materialization crash leaves one of two windows. A crash before the
// state insert leaves a run with no state row at all; re-invoking
// ScheduleRuns over a window covering the orphaned occurrences re-detects
// those rows and completes them. A crash between the state insert and the
// link leaves a state row whose run never gets its state_id: the anti-join
// no longer sees that run as new, so re-scheduling cannot touch it. The
// reconciler repairs that window directly by feeding the orphaned state
// ids back through the link primitive, then re-invokes scheduling for
// deployments still owning state-less runs.
package reconciler

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/runloom/runloom/internal/domain"
	"github.com/runloom/runloom/internal/scheduler"
)

// Store finds and repairs runs left without a linked state.
type Store interface {
	GetStatelessDeployments(ctx context.Context, olderThan time.Time, maxResults int) ([]uuid.UUID, error)
	CountStatelessRuns(ctx context.Context, olderThan time.Time) (int, error)

	// GetUnlinkedStateIDs returns ids of states whose owning run has no
	// state_id and was created before the threshold.
	GetUnlinkedStateIDs(ctx context.Context, olderThan time.Time) ([]uuid.UUID, error)

	// LinkStatesToRuns points each owning run at the given state ids.
	LinkStatesToRuns(ctx context.Context, stateIDs []uuid.UUID) error
}

// RunScheduler re-invokes the idempotent scheduling sequence.
type RunScheduler interface {
	ScheduleRuns(ctx context.Context, deploymentID uuid.UUID, opts scheduler.ScheduleOptions) ([]domain.FlowRun, error)
}

// MetricsSink records reconciler metrics. All methods must be non-blocking
// and fire-and-forget.
type MetricsSink interface {
	StatelessRunsUpdate(count int)
}

// Config holds reconciler configuration.
type Config struct {
	// Interval is how often the reconciler runs.
	// Default: 5 minutes.
	Interval time.Duration

	// Threshold is the age after which an unlinked run is considered
	// orphaned rather than mid-materialization.
	// Default: 10 minutes.
	Threshold time.Duration

	// Lookback is how far into the past the repair window reaches.
	// Default: 24 hours.
	Lookback time.Duration

	// ScheduleAhead is how far into the future the repair window
	// reaches; it must cover the agent's own scheduling horizon so every
	// orphaned occurrence is re-generated.
	ScheduleAhead time.Duration

	// BatchSize is the maximum number of deployments repaired per cycle.
	// Default: 100.
	BatchSize int
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:      5 * time.Minute,
		Threshold:     10 * time.Minute,
		Lookback:      24 * time.Hour,
		ScheduleAhead: scheduler.DefaultScheduleAhead,
		BatchSize:     100,
	}
}

// Reconciler re-schedules deployments owning state-less runs.
type Reconciler struct {
	config    Config
	store     Store
	scheduler RunScheduler
	metrics   MetricsSink // optional, nil = disabled
	clock     func() time.Time
}

// New creates a new Reconciler.
func New(config Config, store Store, sched RunScheduler) *Reconciler {
	return &Reconciler{
		config:    config,
		store:     store,
		scheduler: sched,
		clock:     time.Now,
	}
}

// WithMetrics attaches a metrics sink to the reconciler.
func (r *Reconciler) WithMetrics(sink MetricsSink) *Reconciler {
	r.metrics = sink
	return r
}

// Run starts the reconciliation loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	log.Printf("reconciler: started (interval=%s, threshold=%s, batch=%d)",
		r.config.Interval, r.config.Threshold, r.config.BatchSize)

	// Run immediately on startup, then on ticker
	r.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("reconciler: stopped")
			return
		case <-ticker.C:
			r.runCycle(ctx)
		}
	}
}

// runCycle executes one reconciliation cycle.
func (r *Reconciler) runCycle(ctx context.Context) {
	now := r.clock().UTC()
	threshold := now.Add(-r.config.Threshold)

	// Runs whose state row exists but was never linked are invisible to
	// re-scheduling; link them directly before anything else.
	r.relinkOrphanedStates(ctx, threshold)

	if r.metrics != nil {
		if count, err := r.store.CountStatelessRuns(ctx, threshold); err == nil {
			r.metrics.StatelessRunsUpdate(count)
		}
	}

	deployments, err := r.store.GetStatelessDeployments(ctx, threshold, r.config.BatchSize)
	if err != nil {
		// DB error: log and abort cycle. Will retry next interval.
		log.Printf("reconciler: failed to find stateless runs: %v", err)
		return
	}

	if len(deployments) == 0 {
		// Nothing to do. Silent success.
		return
	}

	log.Printf("reconciler: found %d deployments with stateless runs", len(deployments))

	opts := scheduler.ScheduleOptions{
		StartTime: now.Add(-r.config.Lookback),
		EndTime:   now.Add(r.config.ScheduleAhead),
	}

	repaired := 0
	failed := 0

	for _, id := range deployments {
		// Check context before each repair to allow graceful shutdown
		if ctx.Err() != nil {
			log.Printf("reconciler: cycle interrupted, processed %d/%d deployments", repaired+failed, len(deployments))
			return
		}

		if _, err := r.scheduler.ScheduleRuns(ctx, id, opts); err != nil {
			// Log and continue - will retry next cycle.
			log.Printf("reconciler: failed to repair deployment=%s: %v", id, err)
			failed++
			continue
		}
		repaired++
	}

	log.Printf("reconciler: cycle complete, repaired=%d, failed=%d", repaired, failed)
}

// relinkOrphanedStates completes the link step for states inserted by a
// call that crashed before linking them.
func (r *Reconciler) relinkOrphanedStates(ctx context.Context, olderThan time.Time) {
	stateIDs, err := r.store.GetUnlinkedStateIDs(ctx, olderThan)
	if err != nil {
		log.Printf("reconciler: failed to find unlinked states: %v", err)
		return
	}
	if len(stateIDs) == 0 {
		return
	}

	if err := r.store.LinkStatesToRuns(ctx, stateIDs); err != nil {
		log.Printf("reconciler: failed to relink %d states: %v", len(stateIDs), err)
		return
	}
	log.Printf("reconciler: relinked %d orphaned states", len(stateIDs))
}
