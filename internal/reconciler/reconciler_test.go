package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/runloom/runloom/internal/domain"
	"github.com/runloom/runloom/internal/scheduler"
	"github.com/runloom/runloom/internal/testutil"
)

type mockStore struct {
	mu          sync.Mutex
	deployments []uuid.UUID
	count       int
	unlinked    []uuid.UUID
	linked      [][]uuid.UUID
	err         error
}

func (s *mockStore) GetStatelessDeployments(ctx context.Context, olderThan time.Time, maxResults int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if len(s.deployments) > maxResults {
		return s.deployments[:maxResults], nil
	}
	return s.deployments, nil
}

func (s *mockStore) CountStatelessRuns(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count, nil
}

func (s *mockStore) GetUnlinkedStateIDs(ctx context.Context, olderThan time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.unlinked, nil
}

func (s *mockStore) LinkStatesToRuns(ctx context.Context, stateIDs []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.linked = append(s.linked, stateIDs)
	s.unlinked = nil
	return nil
}

func (s *mockStore) linkCalls() [][]uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.linked
}

type mockScheduler struct {
	mu    sync.Mutex
	calls []uuid.UUID
	opts  []scheduler.ScheduleOptions
	err   error
}

func (m *mockScheduler) ScheduleRuns(ctx context.Context, deploymentID uuid.UUID, opts scheduler.ScheduleOptions) ([]domain.FlowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, deploymentID)
	m.opts = append(m.opts, opts)
	if m.err != nil {
		return nil, m.err
	}
	return nil, nil
}

func (m *mockScheduler) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func TestRunCycle_RepairsEachDeployment(t *testing.T) {
	d1, d2 := uuid.New(), uuid.New()
	store := &mockStore{deployments: []uuid.UUID{d1, d2}}
	sched := &mockScheduler{}

	r := New(DefaultConfig(), store, sched)
	r.runCycle(context.Background())

	if sched.callCount() != 2 {
		t.Fatalf("expected 2 repair calls, got %d", sched.callCount())
	}
	if sched.calls[0] != d1 || sched.calls[1] != d2 {
		t.Errorf("repaired wrong deployments: %v", sched.calls)
	}
}

func TestRunCycle_WindowCoversLookbackAndAhead(t *testing.T) {
	store := &mockStore{deployments: []uuid.UUID{uuid.New()}}
	sched := &mockScheduler{}

	cfg := DefaultConfig()
	cfg.Lookback = 6 * time.Hour
	cfg.ScheduleAhead = 48 * time.Hour

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r := New(cfg, store, sched)
	r.clock = testutil.NewFakeClock(now).Now

	r.runCycle(context.Background())

	if sched.callCount() != 1 {
		t.Fatalf("expected 1 repair call, got %d", sched.callCount())
	}
	opts := sched.opts[0]
	if want := now.Add(-cfg.Lookback); !opts.StartTime.Equal(want) {
		t.Errorf("StartTime = %s, want %s", opts.StartTime, want)
	}
	if want := now.Add(cfg.ScheduleAhead); !opts.EndTime.Equal(want) {
		t.Errorf("EndTime = %s, want %s", opts.EndTime, want)
	}
}

func TestRunCycle_RelinksOrphanedStates(t *testing.T) {
	// A crash between the state insert and link steps leaves states whose
	// runs re-scheduling can never repair; the cycle must link them
	// directly.
	s1, s2 := uuid.New(), uuid.New()
	store := &mockStore{unlinked: []uuid.UUID{s1, s2}}
	sched := &mockScheduler{}

	r := New(DefaultConfig(), store, sched)
	r.runCycle(context.Background())

	calls := store.linkCalls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 link call, got %d", len(calls))
	}
	if len(calls[0]) != 2 || calls[0][0] != s1 || calls[0][1] != s2 {
		t.Errorf("linked states = %v, want [%v %v]", calls[0], s1, s2)
	}
}

func TestRunCycle_NoUnlinkedStates_NoLinkCall(t *testing.T) {
	store := &mockStore{deployments: []uuid.UUID{uuid.New()}}
	sched := &mockScheduler{}

	r := New(DefaultConfig(), store, sched)
	r.runCycle(context.Background())

	if len(store.linkCalls()) != 0 {
		t.Errorf("expected no link calls, got %v", store.linkCalls())
	}
}

func TestRunCycle_NothingToDo(t *testing.T) {
	store := &mockStore{}
	sched := &mockScheduler{}

	r := New(DefaultConfig(), store, sched)
	r.runCycle(context.Background())

	if sched.callCount() != 0 {
		t.Errorf("expected no repair calls, got %d", sched.callCount())
	}
}

func TestRunCycle_StoreErrorAbortsCycle(t *testing.T) {
	store := &mockStore{err: errors.New("connection refused")}
	sched := &mockScheduler{}

	r := New(DefaultConfig(), store, sched)
	r.runCycle(context.Background())

	if sched.callCount() != 0 {
		t.Errorf("expected no repair calls after store error, got %d", sched.callCount())
	}
}

func TestRunCycle_SchedulerErrorContinues(t *testing.T) {
	store := &mockStore{deployments: []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}}
	sched := &mockScheduler{err: errors.New("deployment broken")}

	r := New(DefaultConfig(), store, sched)
	r.runCycle(context.Background())

	// One failing deployment must not starve the others.
	if sched.callCount() != 3 {
		t.Errorf("expected 3 repair attempts, got %d", sched.callCount())
	}
}

func TestRunCycle_BatchSizeRespected(t *testing.T) {
	var ids []uuid.UUID
	for i := 0; i < 10; i++ {
		ids = append(ids, uuid.New())
	}
	store := &mockStore{deployments: ids}
	sched := &mockScheduler{}

	cfg := DefaultConfig()
	cfg.BatchSize = 4
	r := New(cfg, store, sched)
	r.runCycle(context.Background())

	if sched.callCount() != 4 {
		t.Errorf("expected 4 repair calls, got %d", sched.callCount())
	}
}

type countingSink struct {
	mu     sync.Mutex
	counts []int
}

func (s *countingSink) StatelessRunsUpdate(count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts = append(s.counts, count)
}

func TestRunCycle_ReportsStatelessCount(t *testing.T) {
	store := &mockStore{count: 7}
	sched := &mockScheduler{}
	sink := &countingSink{}

	r := New(DefaultConfig(), store, sched).WithMetrics(sink)
	r.runCycle(context.Background())

	if len(sink.counts) != 1 || sink.counts[0] != 7 {
		t.Errorf("expected stateless count [7], got %v", sink.counts)
	}
}
