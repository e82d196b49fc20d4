package domain

import (
	"time"

	"github.com/google/uuid"
)

// Deployment is a named, schedulable binding of a flow to its schedules.
type Deployment struct {
	ID     uuid.UUID
	FlowID uuid.UUID

	Name      string
	Schedules []Schedule

	CreatedAt time.Time
	UpdatedAt time.Time
}
