// Package scheduler turns deployment schedules into materialized flow runs.
package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/runloom/runloom/internal/domain"
)

var ErrDeploymentNotFound = errors.New("deployment not found")

// Scheduling window and count defaults, each applied independently when the
// caller leaves the option zero.
const (
	DefaultMaxRuns       = 100
	DefaultScheduleAhead = 365 * 24 * time.Hour
)

// DeploymentStore reads deployments and their schedules.
type DeploymentStore interface {
	GetDeployment(ctx context.Context, id uuid.UUID) (domain.Deployment, error)
	ListDeployments(ctx context.Context, limit, offset int) ([]domain.Deployment, error)
}

// Clock produces a bounded, ordered, deterministic timestamp sequence.
type Clock interface {
	GetDates(n int, start, end time.Time) []time.Time
}

// ClockSource resolves a schedule's recurrence rule to a Clock.
type ClockSource interface {
	ClockFor(schedule domain.Schedule) (Clock, error)
}

// RunMaterializer persists candidate runs exactly once and returns the
// genuinely new ones.
type RunMaterializer interface {
	Materialize(ctx context.Context, runs []domain.FlowRun) ([]domain.FlowRun, error)
}

// ScheduleOptions bounds a scheduling call. Zero values take defaults:
// StartTime = now, EndTime = StartTime + DefaultScheduleAhead,
// MaxRuns = DefaultMaxRuns. MaxRuns bounds candidates per schedule, not
// per deployment.
type ScheduleOptions struct {
	StartTime time.Time
	EndTime   time.Time
	MaxRuns   int
}

// Service composes occurrence generation and materialization.
type Service struct {
	deployments  DeploymentStore
	clocks       ClockSource
	materializer RunMaterializer
	now          func() time.Time
}

func NewService(deployments DeploymentStore, clocks ClockSource, materializer RunMaterializer) *Service {
	return &Service{
		deployments:  deployments,
		clocks:       clocks,
		materializer: materializer,
		now:          time.Now,
	}
}

// ScheduleRuns generates scheduled occurrences for the deployment within
// the window and durably materializes them, returning only the runs
// created by this call. Re-invoking with the same or an overlapping window
// creates nothing new and repairs any run a crashed call left state-less.
func (s *Service) ScheduleRuns(ctx context.Context, deploymentID uuid.UUID, opts ScheduleOptions) ([]domain.FlowRun, error) {
	runs, err := s.generateScheduledRuns(ctx, deploymentID, opts)
	if err != nil {
		return nil, err
	}
	return s.materializer.Materialize(ctx, runs)
}

// generateScheduledRuns expands every schedule on the deployment into
// candidate runs. Pure over its inputs and the clocks' deterministic
// output; nothing is persisted here.
func (s *Service) generateScheduledRuns(ctx context.Context, deploymentID uuid.UUID, opts ScheduleOptions) ([]domain.FlowRun, error) {
	maxRuns := opts.MaxRuns
	if maxRuns == 0 {
		maxRuns = DefaultMaxRuns
	}
	start := opts.StartTime
	if start.IsZero() {
		start = s.now().UTC()
	}
	end := opts.EndTime
	if end.IsZero() {
		end = start.Add(DefaultScheduleAhead)
	}

	deployment, err := s.deployments.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	var runs []domain.FlowRun

	for _, schedule := range deployment.Schedules {
		clk, err := s.clocks.ClockFor(schedule)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", schedule.ID, err)
		}

		for _, date := range clk.GetDates(maxRuns, start, end) {
			key := idempotencyKey(schedule.ID, date)
			id := runID(deployment.FlowID, key)
			state := domain.NewScheduledState(id, date, now)

			runs = append(runs, domain.FlowRun{
				ID:             id,
				FlowID:         deployment.FlowID,
				DeploymentID:   deployment.ID,
				Parameters:     schedule.Parameters,
				IdempotencyKey: key,
				Tags:           []string{domain.TagAutoScheduled},
				Details: domain.RunDetails{
					ScheduleID:    schedule.ID,
					AutoScheduled: true,
				},
				State:     &state,
				CreatedAt: now,
				UpdatedAt: now,
			})
		}
	}

	return runs, nil
}

// runIDNamespace salts the UUIDv5 derivation of run ids.
var runIDNamespace = uuid.MustParse("9f2c1e1a-6b24-4efb-a75e-2f3c76fb61d4")

// idempotencyKey is deterministic over (schedule id, occurrence time): the
// same occurrence always maps to the same key, which is what makes
// re-generation safe.
func idempotencyKey(scheduleID uuid.UUID, scheduledAt time.Time) string {
	data := fmt.Sprintf("%s:%d", scheduleID.String(), scheduledAt.Unix())
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// runID derives the run's identity from its idempotency key so that
// retries of the same occurrence reference the same row. Identity is never
// storage-assigned for scheduled runs.
func runID(flowID uuid.UUID, key string) uuid.UUID {
	return uuid.NewSHA1(runIDNamespace, []byte(flowID.String()+":"+key))
}
