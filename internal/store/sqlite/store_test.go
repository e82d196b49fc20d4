package sqlite

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/runloom/runloom/internal/api"
	"github.com/runloom/runloom/internal/domain"
	"github.com/runloom/runloom/internal/scheduler"
	"github.com/runloom/runloom/internal/testutil"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func makeDeployment(name string) domain.Deployment {
	now := time.Now().UTC().Truncate(time.Second)
	d := domain.Deployment{
		ID:        uuid.New(),
		FlowID:    uuid.New(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	d.Schedules = []domain.Schedule{{
		ID:             uuid.New(),
		DeploymentID:   d.ID,
		CronExpression: "0 * * * *",
		Timezone:       "UTC",
		Parameters:     map[string]any{"env": "prod"},
		CreatedAt:      now,
		UpdatedAt:      now,
	}}
	return d
}

func makeRun(d domain.Deployment, key string, scheduledAt time.Time) domain.FlowRun {
	now := time.Now().UTC().Truncate(time.Second)
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(d.FlowID.String()+":"+key))
	state := domain.NewScheduledState(id, scheduledAt, now)
	return domain.FlowRun{
		ID:             id,
		FlowID:         d.FlowID,
		DeploymentID:   d.ID,
		Parameters:     map[string]any{"env": "prod"},
		IdempotencyKey: key,
		Tags:           []string{domain.TagAutoScheduled},
		Details: domain.RunDetails{
			ScheduleID:    d.Schedules[0].ID,
			AutoScheduled: true,
		},
		State:     &state,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCreateAndGetDeployment(t *testing.T) {
	store := newTestStore(t)
	ctx := testutil.TestContext(t)

	d := makeDeployment("nightly-etl")
	if err := store.CreateDeployment(ctx, d); err != nil {
		t.Fatalf("CreateDeployment failed: %v", err)
	}

	got, err := store.GetDeployment(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDeployment failed: %v", err)
	}
	if got.Name != "nightly-etl" {
		t.Errorf("Name = %q, want nightly-etl", got.Name)
	}
	if got.FlowID != d.FlowID {
		t.Errorf("FlowID = %v, want %v", got.FlowID, d.FlowID)
	}
	if len(got.Schedules) != 1 {
		t.Fatalf("expected 1 schedule, got %d", len(got.Schedules))
	}
	if got.Schedules[0].CronExpression != "0 * * * *" {
		t.Errorf("CronExpression = %q", got.Schedules[0].CronExpression)
	}
	if got.Schedules[0].Parameters["env"] != "prod" {
		t.Errorf("Parameters = %v", got.Schedules[0].Parameters)
	}
}

func TestCreateDeployment_DuplicateName(t *testing.T) {
	store := newTestStore(t)
	ctx := testutil.TestContext(t)

	if err := store.CreateDeployment(ctx, makeDeployment("dup")); err != nil {
		t.Fatalf("first create failed: %v", err)
	}

	err := store.CreateDeployment(ctx, makeDeployment("dup"))
	if !errors.Is(err, api.ErrDeploymentExists) {
		t.Errorf("expected ErrDeploymentExists, got %v", err)
	}
}

func TestGetDeployment_NotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := testutil.TestContext(t)

	_, err := store.GetDeployment(ctx, uuid.New())
	if !errors.Is(err, scheduler.ErrDeploymentNotFound) {
		t.Errorf("expected ErrDeploymentNotFound, got %v", err)
	}
}

func TestListDeployments_Pagination(t *testing.T) {
	store := newTestStore(t)
	ctx := testutil.TestContext(t)

	for _, name := range []string{"a", "b", "c"} {
		if err := store.CreateDeployment(ctx, makeDeployment(name)); err != nil {
			t.Fatalf("create %s failed: %v", name, err)
		}
	}

	page, err := store.ListDeployments(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListDeployments failed: %v", err)
	}
	if len(page) != 2 {
		t.Errorf("first page size = %d, want 2", len(page))
	}

	page, err = store.ListDeployments(ctx, 2, 2)
	if err != nil {
		t.Fatalf("ListDeployments failed: %v", err)
	}
	if len(page) != 1 {
		t.Errorf("second page size = %d, want 1", len(page))
	}
}

func TestDeleteDeployment(t *testing.T) {
	store := newTestStore(t)
	ctx := testutil.TestContext(t)

	d := makeDeployment("doomed")
	if err := store.CreateDeployment(ctx, d); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := store.DeleteDeployment(ctx, d.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if _, err := store.GetDeployment(ctx, d.ID); !errors.Is(err, scheduler.ErrDeploymentNotFound) {
		t.Errorf("expected not found after delete, got %v", err)
	}

	if err := store.DeleteDeployment(ctx, d.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected sql.ErrNoRows on second delete, got %v", err)
	}
}

func TestMaterializationProtocol(t *testing.T) {
	store := newTestStore(t)
	ctx := testutil.TestContext(t)

	d := makeDeployment("protocol")
	if err := store.CreateDeployment(ctx, d); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	base := time.Now().UTC().Truncate(time.Hour)
	runs := []domain.FlowRun{
		makeRun(d, "key-1", base.Add(time.Hour)),
		makeRun(d, "key-2", base.Add(2*time.Hour)),
		makeRun(d, "key-3", base.Add(3*time.Hour)),
	}

	// Step 1: insert-or-ignore
	if err := store.InsertRuns(ctx, runs); err != nil {
		t.Fatalf("InsertRuns failed: %v", err)
	}

	// Step 2: all three are fresh and state-less
	ids := []uuid.UUID{runs[0].ID, runs[1].ID, runs[2].ID}
	stateless, err := store.FilterStatelessRuns(ctx, ids)
	if err != nil {
		t.Fatalf("FilterStatelessRuns failed: %v", err)
	}
	if len(stateless) != 3 {
		t.Fatalf("stateless count = %d, want 3", len(stateless))
	}

	// Step 3: insert their states
	states := make([]domain.FlowRunState, len(runs))
	stateIDs := make([]uuid.UUID, len(runs))
	for i, r := range runs {
		states[i] = *r.State
		stateIDs[i] = r.State.ID
	}
	if err := store.InsertRunStates(ctx, states); err != nil {
		t.Fatalf("InsertRunStates failed: %v", err)
	}

	// Step 4: link
	if err := store.LinkStatesToRuns(ctx, stateIDs); err != nil {
		t.Fatalf("LinkStatesToRuns failed: %v", err)
	}

	listed, err := store.ListRuns(ctx, d.ID, 10, 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("listed %d runs, want 3", len(listed))
	}
	for _, run := range listed {
		if run.StateID == nil {
			t.Errorf("run %s has no linked state", run.ID)
		}
	}
}

func TestInsertRuns_ConflictIgnored(t *testing.T) {
	store := newTestStore(t)
	ctx := testutil.TestContext(t)

	d := makeDeployment("idempotent")
	if err := store.CreateDeployment(ctx, d); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	scheduled := time.Now().UTC().Add(time.Hour)
	first := makeRun(d, "same-key", scheduled)
	if err := store.InsertRuns(ctx, []domain.FlowRun{first}); err != nil {
		t.Fatalf("first InsertRuns failed: %v", err)
	}

	// Same flow_id and idempotency_key: silently skipped, no error.
	again := makeRun(d, "same-key", scheduled)
	if err := store.InsertRuns(ctx, []domain.FlowRun{again}); err != nil {
		t.Fatalf("conflicting InsertRuns failed: %v", err)
	}

	listed, err := store.ListRuns(ctx, d.ID, 10, 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(listed) != 1 {
		t.Errorf("listed %d runs, want 1", len(listed))
	}
}

func TestFilterStatelessRuns_SkipsLinkedRuns(t *testing.T) {
	store := newTestStore(t)
	ctx := testutil.TestContext(t)

	d := makeDeployment("partial")
	if err := store.CreateDeployment(ctx, d); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	base := time.Now().UTC()
	complete := makeRun(d, "complete", base.Add(time.Hour))
	orphan := makeRun(d, "orphan", base.Add(2*time.Hour))

	if err := store.InsertRuns(ctx, []domain.FlowRun{complete, orphan}); err != nil {
		t.Fatalf("InsertRuns failed: %v", err)
	}
	// Only the first run got its state before the simulated crash.
	if err := store.InsertRunStates(ctx, []domain.FlowRunState{*complete.State}); err != nil {
		t.Fatalf("InsertRunStates failed: %v", err)
	}

	stateless, err := store.FilterStatelessRuns(ctx, []uuid.UUID{complete.ID, orphan.ID})
	if err != nil {
		t.Fatalf("FilterStatelessRuns failed: %v", err)
	}
	if len(stateless) != 1 || stateless[0] != orphan.ID {
		t.Errorf("stateless = %v, want [%v]", stateless, orphan.ID)
	}
}

func TestLinkStatesToRuns_TouchesOnlyTargetRuns(t *testing.T) {
	store := newTestStore(t)
	ctx := testutil.TestContext(t)

	d := makeDeployment("isolation")
	if err := store.CreateDeployment(ctx, d); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	base := time.Now().UTC()
	settled := makeRun(d, "settled", base.Add(time.Hour))
	fresh := makeRun(d, "fresh", base.Add(2*time.Hour))

	// Settle the first run fully.
	if err := store.InsertRuns(ctx, []domain.FlowRun{settled}); err != nil {
		t.Fatalf("InsertRuns failed: %v", err)
	}
	if err := store.InsertRunStates(ctx, []domain.FlowRunState{*settled.State}); err != nil {
		t.Fatalf("InsertRunStates failed: %v", err)
	}
	if err := store.LinkStatesToRuns(ctx, []uuid.UUID{settled.State.ID}); err != nil {
		t.Fatalf("LinkStatesToRuns failed: %v", err)
	}

	// Materialize the second; linking it must not disturb the first.
	if err := store.InsertRuns(ctx, []domain.FlowRun{fresh}); err != nil {
		t.Fatalf("InsertRuns failed: %v", err)
	}
	if err := store.InsertRunStates(ctx, []domain.FlowRunState{*fresh.State}); err != nil {
		t.Fatalf("InsertRunStates failed: %v", err)
	}
	if err := store.LinkStatesToRuns(ctx, []uuid.UUID{fresh.State.ID}); err != nil {
		t.Fatalf("LinkStatesToRuns failed: %v", err)
	}

	listed, err := store.ListRuns(ctx, d.ID, 10, 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	byKey := map[string]domain.FlowRun{}
	for _, run := range listed {
		byKey[run.IdempotencyKey] = run
	}
	if got := byKey["settled"].StateID; got == nil || *got != settled.State.ID {
		t.Errorf("settled run state = %v, want %v", got, settled.State.ID)
	}
	if got := byKey["fresh"].StateID; got == nil || *got != fresh.State.ID {
		t.Errorf("fresh run state = %v, want %v", got, fresh.State.ID)
	}
}

func TestGetUnlinkedStateIDs_RepairsLinkCrashWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := testutil.TestContext(t)

	d := makeDeployment("crashed-mid-link")
	d.FlowID = testutil.MustParseUUID("7b1d2f60-4c3a-4d8e-9f12-aa34bc56de78")
	if err := store.CreateDeployment(ctx, d); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Simulate a crash after the state insert: the run exists, its state
	// exists, but state_id was never set.
	base := time.Now().UTC()
	orphan := makeRun(d, "orphan", base.Add(time.Hour))
	orphan.CreatedAt = base.Add(-time.Hour)
	if err := store.InsertRuns(ctx, []domain.FlowRun{orphan}); err != nil {
		t.Fatalf("InsertRuns failed: %v", err)
	}
	if err := store.InsertRunStates(ctx, []domain.FlowRunState{*orphan.State}); err != nil {
		t.Fatalf("InsertRunStates failed: %v", err)
	}

	// Retrying materialization cannot see the run as new anymore.
	stateless, err := store.FilterStatelessRuns(ctx, []uuid.UUID{orphan.ID})
	if err != nil {
		t.Fatalf("FilterStatelessRuns failed: %v", err)
	}
	if len(stateless) != 0 {
		t.Fatalf("expected anti-join to skip run with existing state, got %v", stateless)
	}

	cutoff := base.Add(-time.Minute)
	unlinked, err := store.GetUnlinkedStateIDs(ctx, cutoff)
	if err != nil {
		t.Fatalf("GetUnlinkedStateIDs failed: %v", err)
	}
	if len(unlinked) != 1 || unlinked[0] != orphan.State.ID {
		t.Fatalf("unlinked = %v, want [%v]", unlinked, orphan.State.ID)
	}

	if err := store.LinkStatesToRuns(ctx, unlinked); err != nil {
		t.Fatalf("LinkStatesToRuns failed: %v", err)
	}

	listed, err := store.ListRuns(ctx, d.ID, 10, 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("listed %d runs, want 1", len(listed))
	}
	if got := listed[0].StateID; got == nil || *got != orphan.State.ID {
		t.Errorf("run state = %v, want %v", got, orphan.State.ID)
	}

	unlinked, err = store.GetUnlinkedStateIDs(ctx, cutoff)
	if err != nil {
		t.Fatalf("GetUnlinkedStateIDs failed: %v", err)
	}
	if len(unlinked) != 0 {
		t.Errorf("expected no unlinked states after repair, got %v", unlinked)
	}
}

func TestStatelessDeploymentsAndCount(t *testing.T) {
	store := newTestStore(t)
	ctx := testutil.TestContext(t)

	d := makeDeployment("broken")
	healthy := makeDeployment("healthy")
	if err := store.CreateDeployment(ctx, d); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := store.CreateDeployment(ctx, healthy); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	base := time.Now().UTC()
	orphan := makeRun(d, "orphan", base.Add(time.Hour))
	orphan.CreatedAt = base.Add(-time.Hour)
	linked := makeRun(healthy, "linked", base.Add(time.Hour))
	linked.CreatedAt = base.Add(-time.Hour)

	if err := store.InsertRuns(ctx, []domain.FlowRun{orphan, linked}); err != nil {
		t.Fatalf("InsertRuns failed: %v", err)
	}
	if err := store.InsertRunStates(ctx, []domain.FlowRunState{*linked.State}); err != nil {
		t.Fatalf("InsertRunStates failed: %v", err)
	}
	if err := store.LinkStatesToRuns(ctx, []uuid.UUID{linked.State.ID}); err != nil {
		t.Fatalf("LinkStatesToRuns failed: %v", err)
	}

	cutoff := base.Add(-time.Minute)

	deployments, err := store.GetStatelessDeployments(ctx, cutoff, 10)
	if err != nil {
		t.Fatalf("GetStatelessDeployments failed: %v", err)
	}
	if len(deployments) != 1 || deployments[0] != d.ID {
		t.Errorf("stateless deployments = %v, want [%v]", deployments, d.ID)
	}

	count, err := store.CountStatelessRuns(ctx, cutoff)
	if err != nil {
		t.Fatalf("CountStatelessRuns failed: %v", err)
	}
	if count != 1 {
		t.Errorf("stateless count = %d, want 1", count)
	}
}

func TestListRuns_Pagination(t *testing.T) {
	store := newTestStore(t)
	ctx := testutil.TestContext(t)

	d := makeDeployment("paged")
	if err := store.CreateDeployment(ctx, d); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	base := time.Now().UTC()
	var runs []domain.FlowRun
	for i := 0; i < 5; i++ {
		runs = append(runs, makeRun(d, uuid.NewString(), base.Add(time.Duration(i)*time.Hour)))
	}
	if err := store.InsertRuns(ctx, runs); err != nil {
		t.Fatalf("InsertRuns failed: %v", err)
	}

	page, err := store.ListRuns(ctx, d.ID, 3, 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(page) != 3 {
		t.Errorf("first page size = %d, want 3", len(page))
	}

	page, err = store.ListRuns(ctx, d.ID, 3, 3)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(page) != 2 {
		t.Errorf("second page size = %d, want 2", len(page))
	}
}
