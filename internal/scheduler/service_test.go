package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/runloom/runloom/internal/domain"
)

// mockDeploymentStore serves deployments from a map.
type mockDeploymentStore struct {
	mu          sync.Mutex
	deployments map[uuid.UUID]domain.Deployment
}

func newMockDeploymentStore() *mockDeploymentStore {
	return &mockDeploymentStore{deployments: make(map[uuid.UUID]domain.Deployment)}
}

func (s *mockDeploymentStore) GetDeployment(ctx context.Context, id uuid.UUID) (domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return domain.Deployment{}, ErrDeploymentNotFound
	}
	return d, nil
}

func (s *mockDeploymentStore) ListDeployments(ctx context.Context, limit, offset int) ([]domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Deployment
	for _, d := range s.deployments {
		out = append(out, d)
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *mockDeploymentStore) add(d domain.Deployment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deployments[d.ID] = d
}

// mockClockSource returns a clock firing at fixed times for every schedule.
type mockClockSource struct {
	fireTimes []time.Time
	lastN     int
	lastStart time.Time
	lastEnd   time.Time
}

func (c *mockClockSource) ClockFor(schedule domain.Schedule) (Clock, error) {
	return &mockClock{source: c}, nil
}

type mockClock struct {
	source *mockClockSource
}

func (c *mockClock) GetDates(n int, start, end time.Time) []time.Time {
	c.source.lastN = n
	c.source.lastStart = start
	c.source.lastEnd = end

	var dates []time.Time
	for _, t := range c.source.fireTimes {
		if len(dates) == n {
			break
		}
		if t.Before(start) || t.After(end) {
			continue
		}
		dates = append(dates, t)
	}
	return dates
}

// captureMaterializer records candidates and passes them through as created.
type captureMaterializer struct {
	mu         sync.Mutex
	candidates [][]domain.FlowRun
}

func (m *captureMaterializer) Materialize(ctx context.Context, runs []domain.FlowRun) ([]domain.FlowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates = append(m.candidates, runs)
	return runs, nil
}

func (m *captureMaterializer) last() []domain.FlowRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.candidates) == 0 {
		return nil
	}
	return m.candidates[len(m.candidates)-1]
}

func testDeployment(schedules ...domain.Schedule) domain.Deployment {
	return domain.Deployment{
		ID:        uuid.New(),
		FlowID:    uuid.New(),
		Name:      "test-deployment",
		Schedules: schedules,
	}
}

func testSchedule(params map[string]any) domain.Schedule {
	return domain.Schedule{
		ID:             uuid.New(),
		CronExpression: "0 * * * *",
		Timezone:       "UTC",
		Parameters:     params,
	}
}

func TestScheduleRuns_DeploymentNotFound(t *testing.T) {
	svc := NewService(newMockDeploymentStore(), &mockClockSource{}, &captureMaterializer{})

	_, err := svc.ScheduleRuns(context.Background(), uuid.New(), ScheduleOptions{})
	if !errors.Is(err, ErrDeploymentNotFound) {
		t.Errorf("expected ErrDeploymentNotFound, got %v", err)
	}
}

func TestScheduleRuns_DefaultsApplied(t *testing.T) {
	store := newMockDeploymentStore()
	clocks := &mockClockSource{}
	mat := &captureMaterializer{}
	svc := NewService(store, clocks, mat)

	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	d := testDeployment(testSchedule(nil))
	store.add(d)

	if _, err := svc.ScheduleRuns(context.Background(), d.ID, ScheduleOptions{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if clocks.lastN != DefaultMaxRuns {
		t.Errorf("max runs = %d, want default %d", clocks.lastN, DefaultMaxRuns)
	}
	if !clocks.lastStart.Equal(now) {
		t.Errorf("window start = %s, want now %s", clocks.lastStart, now)
	}
	if want := now.Add(DefaultScheduleAhead); !clocks.lastEnd.Equal(want) {
		t.Errorf("window end = %s, want %s", clocks.lastEnd, want)
	}
}

func TestScheduleRuns_CandidateShape(t *testing.T) {
	store := newMockDeploymentStore()
	fire := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clocks := &mockClockSource{fireTimes: []time.Time{fire}}
	mat := &captureMaterializer{}
	svc := NewService(store, clocks, mat)

	params := map[string]any{"env": "prod", "retries": 3}
	schedule := testSchedule(params)
	d := testDeployment(schedule)
	store.add(d)

	created, err := svc.ScheduleRuns(context.Background(), d.ID, ScheduleOptions{
		StartTime: fire.Add(-time.Hour),
		EndTime:   fire.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("expected 1 run, got %d", len(created))
	}

	run := created[0]
	if run.FlowID != d.FlowID {
		t.Errorf("FlowID = %s, want %s", run.FlowID, d.FlowID)
	}
	if run.DeploymentID != d.ID {
		t.Errorf("DeploymentID = %s, want %s", run.DeploymentID, d.ID)
	}
	if run.IdempotencyKey == "" {
		t.Error("expected non-empty idempotency key")
	}
	if len(run.Tags) != 1 || run.Tags[0] != domain.TagAutoScheduled {
		t.Errorf("Tags = %v, want [%s]", run.Tags, domain.TagAutoScheduled)
	}
	if run.Details.ScheduleID != schedule.ID {
		t.Errorf("Details.ScheduleID = %s, want %s", run.Details.ScheduleID, schedule.ID)
	}
	if !run.Details.AutoScheduled {
		t.Error("expected Details.AutoScheduled")
	}
	if run.State == nil {
		t.Fatal("expected candidate to carry its initial state")
	}
	if run.State.Type != domain.StateTypeScheduled {
		t.Errorf("state type = %q, want SCHEDULED", run.State.Type)
	}
	if !run.State.Details.ScheduledTime.Equal(fire) {
		t.Errorf("scheduled time = %s, want %s", run.State.Details.ScheduledTime, fire)
	}
	if got := run.Parameters["env"]; got != "prod" {
		t.Errorf("Parameters[env] = %v, want prod", got)
	}
}

func TestScheduleRuns_StableIdentityAcrossRetries(t *testing.T) {
	store := newMockDeploymentStore()
	fire := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clocks := &mockClockSource{fireTimes: []time.Time{fire}}
	mat := &captureMaterializer{}
	svc := NewService(store, clocks, mat)

	d := testDeployment(testSchedule(nil))
	store.add(d)

	opts := ScheduleOptions{StartTime: fire.Add(-time.Hour), EndTime: fire.Add(time.Hour)}
	first, err := svc.ScheduleRuns(context.Background(), d.ID, opts)
	if err != nil {
		t.Fatalf("first call error: %v", err)
	}
	second, err := svc.ScheduleRuns(context.Background(), d.ID, opts)
	if err != nil {
		t.Fatalf("second call error: %v", err)
	}

	if first[0].ID != second[0].ID {
		t.Errorf("run ids differ across retries: %s vs %s", first[0].ID, second[0].ID)
	}
	if first[0].IdempotencyKey != second[0].IdempotencyKey {
		t.Errorf("idempotency keys differ across retries")
	}
}

func TestScheduleRuns_MaxRunsIsPerSchedule(t *testing.T) {
	store := newMockDeploymentStore()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clocks := &mockClockSource{fireTimes: []time.Time{
		base, base.Add(time.Hour), base.Add(2 * time.Hour), base.Add(3 * time.Hour),
	}}
	mat := &captureMaterializer{}
	svc := NewService(store, clocks, mat)

	// Two schedules, max 2 per schedule: 4 candidates total.
	d := testDeployment(testSchedule(nil), testSchedule(nil))
	store.add(d)

	created, err := svc.ScheduleRuns(context.Background(), d.ID, ScheduleOptions{
		StartTime: base.Add(-time.Hour),
		EndTime:   base.Add(24 * time.Hour),
		MaxRuns:   2,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(created) != 4 {
		t.Errorf("expected 2 runs per schedule (4 total), got %d", len(created))
	}
}

func TestScheduleRuns_CoincidingSchedulesYieldDistinctRuns(t *testing.T) {
	store := newMockDeploymentStore()
	fire := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clocks := &mockClockSource{fireTimes: []time.Time{fire}}
	mat := &captureMaterializer{}
	svc := NewService(store, clocks, mat)

	// Two schedules firing at the same instant produce two runs: the
	// idempotency key includes the schedule id.
	d := testDeployment(testSchedule(nil), testSchedule(nil))
	store.add(d)

	created, err := svc.ScheduleRuns(context.Background(), d.ID, ScheduleOptions{
		StartTime: fire.Add(-time.Hour),
		EndTime:   fire.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(created))
	}
	if created[0].IdempotencyKey == created[1].IdempotencyKey {
		t.Error("coinciding schedules must not share an idempotency key")
	}
	if created[0].ID == created[1].ID {
		t.Error("coinciding schedules must not share a run id")
	}
}

func TestIdempotencyKey_Deterministic(t *testing.T) {
	scheduleID := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	if idempotencyKey(scheduleID, at) != idempotencyKey(scheduleID, at) {
		t.Error("same schedule and time must yield the same key")
	}
	if idempotencyKey(scheduleID, at) == idempotencyKey(scheduleID, at.Add(time.Hour)) {
		t.Error("different times must yield different keys")
	}
	if idempotencyKey(scheduleID, at) == idempotencyKey(uuid.New(), at) {
		t.Error("different schedules must yield different keys")
	}
}
