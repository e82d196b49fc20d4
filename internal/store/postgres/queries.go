package postgres

const queryInsertDeployment = `
INSERT INTO deployments (id, flow_id, name, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5)
`

const queryInsertSchedule = `
INSERT INTO schedules (id, deployment_id, cron_expression, timezone, interval_seconds, anchor_date, parameters, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`

const queryGetDeployment = `
SELECT id, flow_id, name, created_at, updated_at
FROM deployments
WHERE id = $1
`

const queryGetSchedules = `
SELECT id, deployment_id, cron_expression, timezone, interval_seconds, anchor_date, parameters, created_at, updated_at
FROM schedules
WHERE deployment_id = ANY($1::uuid[])
ORDER BY created_at, id
`

const queryListDeployments = `
SELECT id, flow_id, name, created_at, updated_at
FROM deployments
ORDER BY id
LIMIT $1 OFFSET $2
`

const queryDeleteDeployment = `
DELETE FROM deployments
WHERE id = $1
RETURNING id
`

// Conflicts are silently skipped: a duplicate key is the expected signal
// that the occurrence was already materialized. Run ids are derived from
// (flow_id, idempotency_key), so a retried candidate collides on the
// primary key as well; the targetless clause absorbs both.
const queryInsertRunsPrefix = `
INSERT INTO flow_runs (id, flow_id, deployment_id, parameters, idempotency_key, tags, schedule_id, auto_scheduled, state_id, created_at, updated_at)
VALUES `

const queryInsertRunsSuffix = `
ON CONFLICT DO NOTHING`

// Anti-join: of the submitted ids, keep those with no state row. Every
// pre-existing run has at least one state, so state-less means freshly
// inserted.
const queryFilterStatelessRuns = `
SELECT r.id
FROM flow_runs r
LEFT JOIN flow_run_states s ON s.flow_run_id = r.id
WHERE r.id = ANY($1::uuid[])
  AND s.id IS NULL
`

const queryInsertRunStatesPrefix = `
INSERT INTO flow_run_states (id, flow_run_id, type, message, scheduled_time, auto_scheduled, created_at)
VALUES `

// Postgres supports UPDATE ... FROM, so the link step is a single
// update-join restricted to the freshly created state ids.
const queryLinkStatesToRuns = `
UPDATE flow_runs
SET state_id = s.id, updated_at = $2
FROM flow_run_states s
WHERE s.flow_run_id = flow_runs.id
  AND s.id = ANY($1::uuid[])
`

const queryListRuns = `
SELECT id, flow_id, deployment_id, parameters, idempotency_key, tags, schedule_id, auto_scheduled, state_id, created_at, updated_at
FROM flow_runs
WHERE deployment_id = $1
ORDER BY created_at DESC, id
LIMIT $2 OFFSET $3
`

// A state row whose owning run still has state_id NULL marks a crash
// between the state insert and link steps; those ids feed the link
// primitive directly.
const queryGetUnlinkedStateIDs = `
SELECT s.id
FROM flow_run_states s
JOIN flow_runs r ON r.id = s.flow_run_id
WHERE r.state_id IS NULL
  AND r.created_at < $1
`

const queryGetStatelessDeployments = `
SELECT DISTINCT deployment_id
FROM flow_runs
WHERE state_id IS NULL
  AND created_at < $1
LIMIT $2
`

const queryCountStatelessRuns = `
SELECT COUNT(*)
FROM flow_runs
WHERE state_id IS NULL
  AND created_at < $1
`
