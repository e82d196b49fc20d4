package domain

import (
	"time"

	"github.com/google/uuid"
)

// TagAutoScheduled marks runs created by the scheduler rather than a user.
const TagAutoScheduled = "auto-scheduled"

// FlowRun is one persisted execution instance, materialized from a
// scheduled occurrence. The id is assigned by the generator, not the
// database, so retries of the same occurrence reference the same identity.
//
// (FlowID, IdempotencyKey) is unique across all runs; it is the sole
// duplicate-prevention mechanism. StateID is nil between the insert and
// link steps of materialization and non-nil everywhere else.
type FlowRun struct {
	ID uuid.UUID

	FlowID       uuid.UUID
	DeploymentID uuid.UUID

	Parameters     map[string]any
	IdempotencyKey string
	Tags           []string

	Details RunDetails
	StateID *uuid.UUID

	// State carried here before materialization persists it.
	State *FlowRunState

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RunDetails records scheduling provenance for a run.
type RunDetails struct {
	ScheduleID    uuid.UUID `json:"schedule_id"`
	AutoScheduled bool      `json:"auto_scheduled"`
}

// RunsMaterializedEvent is emitted on the event bus after a materialization
// call creates one or more new runs.
type RunsMaterializedEvent struct {
	DeploymentID uuid.UUID
	FlowID       uuid.UUID
	RunIDs       []uuid.UUID

	FirstScheduled time.Time
	LastScheduled  time.Time

	CreatedAt time.Time
}
