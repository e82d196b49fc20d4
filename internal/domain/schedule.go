package domain

import (
	"time"

	"github.com/google/uuid"
)

// Schedule is a recurrence rule attached to a deployment, plus fixed
// parameters passed to every run it generates. Exactly one of
// CronExpression or Interval is set.
type Schedule struct {
	ID           uuid.UUID
	DeploymentID uuid.UUID

	CronExpression string
	Timezone       string // IANA timezone, defaults to UTC

	Interval   time.Duration
	AnchorDate time.Time // interval schedules fire at AnchorDate + n*Interval

	Parameters map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time
}
