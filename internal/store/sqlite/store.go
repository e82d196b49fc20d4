// Package sqlite implements the runloom stores on SQLite.
//
// SQLite lacks UPDATE ... FROM (before 3.33) and cannot report per-row
// insert-vs-ignore outcomes, so the state-link step uses a correlated
// subquery and new-row detection relies on the same anti-join as the
// postgres store.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/runloom/runloom/internal/api"
	"github.com/runloom/runloom/internal/domain"
	"github.com/runloom/runloom/internal/materializer"
	"github.com/runloom/runloom/internal/reconciler"
	"github.com/runloom/runloom/internal/scheduler"
)

//go:embed schema.sql
var schemaSQL string

// Store implements the deployment, materializer and reconciler stores
// using SQLite.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and applies
// pragmas and schema. Idempotent. Use ":memory:" for an in-memory store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}

	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent materialization calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB, for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// CreateDeployment inserts a deployment and its schedules in a transaction.
// Returns api.ErrDeploymentExists if the name is taken.
func (s *Store) CreateDeployment(ctx context.Context, d domain.Deployment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, queryInsertDeployment,
		d.ID, d.FlowID, d.Name, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return api.ErrDeploymentExists
		}
		return err
	}

	for _, sched := range d.Schedules {
		params, err := marshalParams(sched.Parameters)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, queryInsertSchedule,
			sched.ID,
			d.ID,
			sched.CronExpression,
			sched.Timezone,
			int64(sched.Interval/time.Second),
			nullTime(sched.AnchorDate),
			params,
			sched.CreatedAt,
			sched.UpdatedAt,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetDeployment returns a deployment with its schedules.
// Returns scheduler.ErrDeploymentNotFound if the id does not resolve.
func (s *Store) GetDeployment(ctx context.Context, id uuid.UUID) (domain.Deployment, error) {
	var d domain.Deployment
	err := s.db.QueryRowContext(ctx, queryGetDeployment, id).Scan(
		&d.ID, &d.FlowID, &d.Name, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.Deployment{}, scheduler.ErrDeploymentNotFound
	}
	if err != nil {
		return domain.Deployment{}, err
	}

	schedules, err := s.getSchedules(ctx, id)
	if err != nil {
		return domain.Deployment{}, err
	}
	d.Schedules = schedules
	return d, nil
}

// ListDeployments returns deployments with their schedules, paginated by
// limit and offset.
func (s *Store) ListDeployments(ctx context.Context, limit, offset int) ([]domain.Deployment, error) {
	rows, err := s.db.QueryContext(ctx, queryListDeployments, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Deployment
	for rows.Next() {
		var d domain.Deployment
		if err := rows.Scan(&d.ID, &d.FlowID, &d.Name, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range result {
		schedules, err := s.getSchedules(ctx, result[i].ID)
		if err != nil {
			return nil, err
		}
		result[i].Schedules = schedules
	}
	return result, nil
}

func (s *Store) getSchedules(ctx context.Context, deploymentID uuid.UUID) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, queryGetSchedules, deploymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Schedule
	for rows.Next() {
		var sched domain.Schedule
		var intervalSeconds int64
		var anchor sql.NullTime
		var params []byte

		err := rows.Scan(
			&sched.ID,
			&sched.DeploymentID,
			&sched.CronExpression,
			&sched.Timezone,
			&intervalSeconds,
			&anchor,
			&params,
			&sched.CreatedAt,
			&sched.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		sched.Interval = time.Duration(intervalSeconds) * time.Second
		if anchor.Valid {
			sched.AnchorDate = anchor.Time
		}
		if err := unmarshalParams(params, &sched.Parameters); err != nil {
			return nil, err
		}
		result = append(result, sched)
	}
	return result, rows.Err()
}

// DeleteDeployment removes a deployment and its schedules. Runs are kept.
// Returns sql.ErrNoRows if the deployment does not exist.
func (s *Store) DeleteDeployment(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, queryDeleteDeployment, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// InsertRuns bulk-inserts runs with insert-or-ignore semantics on
// (flow_id, idempotency_key). Conflicting rows are silently skipped.
func (s *Store) InsertRuns(ctx context.Context, runs []domain.FlowRun) error {
	if len(runs) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(queryInsertRunsPrefix)
	args := make([]any, 0, len(runs)*11)
	for i, r := range runs {
		params, err := marshalParams(r.Parameters)
		if err != nil {
			return err
		}
		tags, err := json.Marshal(r.Tags)
		if err != nil {
			return err
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			r.ID, r.FlowID, r.DeploymentID, params, r.IdempotencyKey, tags,
			nullUUID(r.Details.ScheduleID), r.Details.AutoScheduled, nil,
			r.CreatedAt, r.UpdatedAt,
		)
	}
	sb.WriteString(queryInsertRunsSuffix)

	_, err := s.db.ExecContext(ctx, sb.String(), args...)
	return err
}

// FilterStatelessRuns returns the subset of ids present in flow_runs with
// no associated state row.
func (s *Store) FilterStatelessRuns(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := queryFilterStatelessRunsPrefix + placeholderList(len(ids))
	rows, err := s.db.QueryContext(ctx, query, uuidArgs(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// InsertRunStates bulk-inserts state rows. Plain insert: callers only pass
// states for known-fresh runs.
func (s *Store) InsertRunStates(ctx context.Context, states []domain.FlowRunState) error {
	if len(states) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(queryInsertRunStatesPrefix)
	args := make([]any, 0, len(states)*7)
	for i, st := range states {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			st.ID, st.FlowRunID, string(st.Type), st.Message,
			st.Details.ScheduledTime, st.Details.AutoScheduled, st.CreatedAt,
		)
	}

	_, err := s.db.ExecContext(ctx, sb.String(), args...)
	return err
}

// LinkStatesToRuns points each run at its freshly created state. SQLite
// updates from another table via a correlated subquery; the outer WHERE
// restricts the update to runs owning the given state ids, so no other row
// is touched.
func (s *Store) LinkStatesToRuns(ctx context.Context, stateIDs []uuid.UUID) error {
	if len(stateIDs) == 0 {
		return nil
	}

	in := placeholderList(len(stateIDs))
	query := `
UPDATE flow_runs
SET state_id = (
        SELECT s.id
        FROM flow_run_states s
        WHERE s.flow_run_id = flow_runs.id
          AND s.id IN ` + in + `
        LIMIT 1
    ),
    updated_at = ?
WHERE id IN (
    SELECT flow_run_id FROM flow_run_states WHERE id IN ` + in + `
)`

	args := uuidArgs(stateIDs)
	args = append(args, time.Now().UTC())
	args = append(args, uuidArgs(stateIDs)...)

	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// ListRuns returns runs for a deployment, newest first, paginated by limit
// and offset.
func (s *Store) ListRuns(ctx context.Context, deploymentID uuid.UUID, limit, offset int) ([]domain.FlowRun, error) {
	rows, err := s.db.QueryContext(ctx, queryListRuns, deploymentID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.FlowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	return result, rows.Err()
}

// GetUnlinkedStateIDs returns ids of states whose owning run has no
// state_id and was created before the threshold.
func (s *Store) GetUnlinkedStateIDs(ctx context.Context, olderThan time.Time) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, queryGetUnlinkedStateIDs, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetStatelessDeployments returns ids of deployments owning runs that have
// no linked state and were created before the threshold.
func (s *Store) GetStatelessDeployments(ctx context.Context, olderThan time.Time, maxResults int) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, queryGetStatelessDeployments, olderThan, maxResults)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// CountStatelessRuns counts unlinked runs older than the threshold.
func (s *Store) CountStatelessRuns(ctx context.Context, olderThan time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, queryCountStatelessRuns, olderThan).Scan(&n)
	return n, err
}

func scanRun(rows *sql.Rows) (domain.FlowRun, error) {
	var run domain.FlowRun
	var params, tags []byte
	var scheduleID, stateID uuid.NullUUID

	err := rows.Scan(
		&run.ID, &run.FlowID, &run.DeploymentID, &params, &run.IdempotencyKey,
		&tags, &scheduleID, &run.Details.AutoScheduled, &stateID,
		&run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return domain.FlowRun{}, err
	}
	if scheduleID.Valid {
		run.Details.ScheduleID = scheduleID.UUID
	}
	if stateID.Valid {
		id := stateID.UUID
		run.StateID = &id
	}
	if err := unmarshalParams(params, &run.Parameters); err != nil {
		return domain.FlowRun{}, err
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &run.Tags); err != nil {
			return domain.FlowRun{}, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	return run, nil
}

// placeholderList renders "(?, ?, ...)" with n placeholders.
func placeholderList(n int) string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('?')
	}
	sb.WriteByte(')')
	return sb.String()
}

func uuidArgs(ids []uuid.UUID) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func marshalParams(params map[string]any) ([]byte, error) {
	if params == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal parameters: %w", err)
	}
	return data, nil
}

func unmarshalParams(data []byte, dst *map[string]any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("unmarshal parameters: %w", err)
	}
	return nil
}

func nullUUID(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// isUniqueViolation checks if the error is a SQLite unique violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint violation")
}

// Compile-time interface assertions
var (
	_ scheduler.DeploymentStore = (*Store)(nil)
	_ materializer.Store        = (*Store)(nil)
	_ reconciler.Store          = (*Store)(nil)
	_ api.Store                 = (*Store)(nil)
)
