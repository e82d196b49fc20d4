package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/runloom/runloom/internal/domain"
)

// EventEmitter publishes materialization events to the event bus.
type EventEmitter interface {
	Emit(ctx context.Context, event domain.RunsMaterializedEvent) error
}

// MetricsSink records agent metrics. All methods must be non-blocking and
// fire-and-forget.
type MetricsSink interface {
	TickStarted()
	TickCompleted(duration time.Duration, runsCreated int, err error)
}

// AgentConfig holds the periodic scheduling loop configuration.
type AgentConfig struct {
	// TickInterval is how often every deployment is scheduled ahead.
	TickInterval time.Duration

	// ScheduleAhead is the window each tick schedules into the future.
	ScheduleAhead time.Duration

	// MaxRuns bounds occurrences per schedule per tick.
	MaxRuns int

	// DeploymentPageSize bounds the deployment listing page.
	DeploymentPageSize int
}

// DefaultAgentConfig returns the default agent configuration.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		TickInterval:       60 * time.Second,
		ScheduleAhead:      DefaultScheduleAhead,
		MaxRuns:            DefaultMaxRuns,
		DeploymentPageSize: 200,
	}
}

// Agent periodically invokes ScheduleRuns for every deployment, keeping
// each one scheduled ahead. Concurrent agents are safe: materialization is
// idempotent, so overlapping ticks cannot duplicate runs.
type Agent struct {
	config  AgentConfig
	service *Service
	emitter EventEmitter
	metrics MetricsSink // optional, nil = disabled
	now     func() time.Time
}

func NewAgent(config AgentConfig, service *Service, emitter EventEmitter) *Agent {
	return &Agent{
		config:  config,
		service: service,
		emitter: emitter,
		now:     time.Now,
	}
}

// WithMetrics attaches a metrics sink to the agent.
func (a *Agent) WithMetrics(sink MetricsSink) *Agent {
	a.metrics = sink
	return a
}

// Run starts the scheduling loop. It blocks until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.config.TickInterval)
	defer ticker.Stop()

	log.Printf("scheduler: agent started, tick=%s ahead=%s", a.config.TickInterval, a.config.ScheduleAhead)

	for {
		select {
		case <-ctx.Done():
			log.Println("scheduler: agent stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := a.processTick(ctx); err != nil {
				log.Printf("scheduler: tick error: %v", err)
			}
		}
	}
}

func (a *Agent) processTick(ctx context.Context) error {
	if a.metrics != nil {
		a.metrics.TickStarted()
	}
	tickStart := a.now()

	created, err := a.scheduleAll(ctx)

	if a.metrics != nil {
		a.metrics.TickCompleted(a.now().Sub(tickStart), created, err)
	}
	return err
}

// scheduleAll pages through all deployments and schedules each one ahead.
// Per-deployment failures are logged and skipped so one broken deployment
// cannot starve the rest.
func (a *Agent) scheduleAll(ctx context.Context) (int, error) {
	now := a.now().UTC()
	opts := ScheduleOptions{
		StartTime: now,
		EndTime:   now.Add(a.config.ScheduleAhead),
		MaxRuns:   a.config.MaxRuns,
	}

	total := 0
	for offset := 0; ; offset += a.config.DeploymentPageSize {
		deployments, err := a.service.deployments.ListDeployments(ctx, a.config.DeploymentPageSize, offset)
		if err != nil {
			return total, fmt.Errorf("list deployments: %w", err)
		}
		if len(deployments) == 0 {
			return total, nil
		}

		for _, d := range deployments {
			created, err := a.service.ScheduleRuns(ctx, d.ID, opts)
			if err != nil {
				log.Printf("scheduler: deployment %s error: %v", d.ID, err)
				continue
			}
			if len(created) == 0 {
				continue
			}
			total += len(created)
			a.emit(ctx, d, created)
		}

		if len(deployments) < a.config.DeploymentPageSize {
			return total, nil
		}
	}
}

func (a *Agent) emit(ctx context.Context, d domain.Deployment, created []domain.FlowRun) {
	event := domain.RunsMaterializedEvent{
		DeploymentID: d.ID,
		FlowID:       d.FlowID,
		CreatedAt:    a.now().UTC(),
	}
	for _, r := range created {
		event.RunIDs = append(event.RunIDs, r.ID)
		if r.State == nil {
			continue
		}
		ts := r.State.Details.ScheduledTime
		if event.FirstScheduled.IsZero() || ts.Before(event.FirstScheduled) {
			event.FirstScheduled = ts
		}
		if ts.After(event.LastScheduled) {
			event.LastScheduled = ts
		}
	}

	if err := a.emitter.Emit(ctx, event); err != nil {
		log.Printf("scheduler: emit event for deployment %s: %v", d.ID, err)
	}

	log.Printf("scheduler: materialized %d runs for deployment %s", len(created), d.ID)
}
