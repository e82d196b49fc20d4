// Package materializer durably persists scheduled run candidates.
//
// A candidate becomes a flow run through a fixed sequence of storage
// operations: a conflict-free bulk insert keyed on (flow_id,
// idempotency_key), an anti-join against the states table to find which of
// the submitted rows are genuinely new, a bulk insert of one SCHEDULED
// state per new row, and an atomic link of each new row to its state. No
// step requires transactional read-modify-write across the batch; every
// step is idempotent or scoped to the submitted id set. A call that
// crashes before the state insert is repaired by invoking the whole
// sequence again. A crash between the state insert and the link leaves a
// state the anti-join can no longer see as new; the reconciler re-links
// those states directly.
package materializer

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/runloom/runloom/internal/domain"
)

// Store is the minimal storage capability the materializer needs.
type Store interface {
	// InsertRuns bulk-inserts runs, silently skipping rows whose
	// (flow_id, idempotency_key) already exists.
	InsertRuns(ctx context.Context, runs []domain.FlowRun) error

	// FilterStatelessRuns returns the subset of ids that exist in the
	// runs table with no associated state row.
	FilterStatelessRuns(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error)

	// InsertRunStates bulk-inserts state rows. Plain insert; callers only
	// pass states for known-fresh runs.
	InsertRunStates(ctx context.Context, states []domain.FlowRunState) error

	// LinkStatesToRuns sets each owning run's state_id to the given state
	// ids. Implementations must touch only the runs owning those states.
	LinkStatesToRuns(ctx context.Context, stateIDs []uuid.UUID) error
}

// Materializer inserts candidate runs exactly once and attaches their
// initial states.
type Materializer struct {
	store Store
}

func New(store Store) *Materializer {
	return &Materializer{store: store}
}

// Materialize persists the candidates and returns only the genuinely new
// runs, each with its state linked. Candidates whose idempotency key
// already exists are silently dropped. An empty candidate list is a no-op.
//
// Safe to re-invoke with the same candidates after a partial failure:
// rows whose state insert never happened are re-detected and completed.
// Rows whose state was inserted but not linked are outside this call's
// reach and are repaired by the reconciler.
func (m *Materializer) Materialize(ctx context.Context, runs []domain.FlowRun) ([]domain.FlowRun, error) {
	if len(runs) == 0 {
		return nil, nil
	}

	// Step 1: conflict-free bulk insert. Duplicate keys are skipped at
	// the storage level, not reported as errors.
	if err := m.store.InsertRuns(ctx, runs); err != nil {
		return nil, fmt.Errorf("insert runs: %w", err)
	}

	// Step 2: detect which of the submitted rows were actually inserted.
	// Bulk insert-or-ignore cannot report per-row outcomes on every
	// backend, so new rows are identified indirectly: a pre-existing run
	// always has at least one state, a row inserted above has none yet.
	ids := make([]uuid.UUID, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	newIDs, err := m.store.FilterStatelessRuns(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("detect inserted runs: %w", err)
	}

	newSet := make(map[uuid.UUID]bool, len(newIDs))
	for _, id := range newIDs {
		newSet[id] = true
	}

	// Step 3: one initial state per newly inserted run. Candidates carry
	// their initial state from the generator.
	var states []domain.FlowRunState
	stateByRun := make(map[uuid.UUID]uuid.UUID, len(newIDs))
	for _, r := range runs {
		if !newSet[r.ID] || r.State == nil {
			continue
		}
		states = append(states, *r.State)
		stateByRun[r.ID] = r.State.ID
	}

	if len(states) == 0 {
		return nil, nil
	}

	if err := m.store.InsertRunStates(ctx, states); err != nil {
		return nil, fmt.Errorf("insert run states: %w", err)
	}

	// Step 4: atomically point each new run at its state. The touched
	// rows are known-fresh, so no other caller can observe them mid-link.
	stateIDs := make([]uuid.UUID, len(states))
	for i, s := range states {
		stateIDs[i] = s.ID
	}
	if err := m.store.LinkStatesToRuns(ctx, stateIDs); err != nil {
		return nil, fmt.Errorf("link states: %w", err)
	}

	// Step 5: return only the candidates that became new rows.
	var created []domain.FlowRun
	for _, r := range runs {
		if !newSet[r.ID] {
			continue
		}
		stateID := stateByRun[r.ID]
		r.StateID = &stateID
		created = append(created, r)
	}
	return created, nil
}
