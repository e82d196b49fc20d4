package domain

import (
	"time"

	"github.com/google/uuid"
)

type StateType string

const (
	StateTypeScheduled StateType = "SCHEDULED"
	StateTypePending   StateType = "PENDING"
	StateTypeRunning   StateType = "RUNNING"
	StateTypeCompleted StateType = "COMPLETED"
	StateTypeFailed    StateType = "FAILED"
	StateTypeCancelled StateType = "CANCELLED"
)

// FlowRunState is one state a run has passed through. The scheduling core
// only ever creates SCHEDULED states; all other types belong to the
// orchestration engine.
type FlowRunState struct {
	ID        uuid.UUID
	FlowRunID uuid.UUID

	Type    StateType
	Message string
	Details StateDetails

	CreatedAt time.Time
}

// StateDetails carries the originally scheduled time and provenance.
type StateDetails struct {
	ScheduledTime time.Time `json:"scheduled_time"`
	AutoScheduled bool      `json:"auto_scheduled"`
}

// NewScheduledState builds the initial state attached to a generated run.
func NewScheduledState(runID uuid.UUID, scheduledTime, now time.Time) FlowRunState {
	return FlowRunState{
		ID:        uuid.New(),
		FlowRunID: runID,
		Type:      StateTypeScheduled,
		Message:   "Flow run scheduled",
		Details: StateDetails{
			ScheduledTime: scheduledTime,
			AutoScheduled: true,
		},
		CreatedAt: now,
	}
}
