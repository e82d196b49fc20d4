package api

import (
	"errors"
	"time"

	"github.com/runloom/runloom/internal/domain"
	"github.com/runloom/runloom/internal/scheduler"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

// CreateDeploymentRequest is the POST /deployments request payload.
type CreateDeploymentRequest struct {
	Name      string            `json:"name"`
	FlowID    string            `json:"flow_id"`
	Schedules []ScheduleRequest `json:"schedules"`
}

// ScheduleRequest describes one schedule attached to a deployment. Exactly
// one of cron_expression or interval_seconds must be set.
type ScheduleRequest struct {
	CronExpression  string         `json:"cron_expression,omitempty"`
	Timezone        string         `json:"timezone,omitempty"`
	IntervalSeconds int64          `json:"interval_seconds,omitempty"`
	AnchorDate      string         `json:"anchor_date,omitempty"`
	Parameters      map[string]any `json:"parameters,omitempty"`
}

// ScheduleRunsRequest is the POST /deployments/{id}/schedule-runs payload.
// All fields are optional; empty values fall back to server defaults.
type ScheduleRunsRequest struct {
	StartTime string `json:"start_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`
	MaxRuns   int    `json:"max_runs,omitempty"`
}

type DeploymentResponse struct {
	ID        string             `json:"id"`
	FlowID    string             `json:"flow_id"`
	Name      string             `json:"name"`
	Schedules []ScheduleResponse `json:"schedules"`
	CreatedAt string             `json:"created_at"`
	UpdatedAt string             `json:"updated_at"`
}

type ScheduleResponse struct {
	ID              string         `json:"id"`
	CronExpression  string         `json:"cron_expression,omitempty"`
	Timezone        string         `json:"timezone,omitempty"`
	IntervalSeconds int64          `json:"interval_seconds,omitempty"`
	AnchorDate      string         `json:"anchor_date,omitempty"`
	Parameters      map[string]any `json:"parameters,omitempty"`
}

type ListDeploymentsResponse struct {
	Deployments []DeploymentResponse `json:"deployments"`
}

type RunResponse struct {
	ID             string         `json:"id"`
	FlowID         string         `json:"flow_id"`
	DeploymentID   string         `json:"deployment_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Tags           []string       `json:"tags,omitempty"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	State          *StateResponse `json:"state,omitempty"`
	CreatedAt      string         `json:"created_at"`
}

type StateResponse struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	Message       string `json:"message,omitempty"`
	ScheduledTime string `json:"scheduled_time,omitempty"`
}

type ListRunsResponse struct {
	Runs []RunResponse `json:"runs"`
}

type ScheduleRunsResponse struct {
	Created []RunResponse `json:"created"`
}

func toDeploymentResponse(d domain.Deployment) DeploymentResponse {
	resp := DeploymentResponse{
		ID:        d.ID.String(),
		FlowID:    d.FlowID.String(),
		Name:      d.Name,
		Schedules: make([]ScheduleResponse, len(d.Schedules)),
		CreatedAt: formatTime(d.CreatedAt),
		UpdatedAt: formatTime(d.UpdatedAt),
	}
	for i, s := range d.Schedules {
		resp.Schedules[i] = ScheduleResponse{
			ID:              s.ID.String(),
			CronExpression:  s.CronExpression,
			Timezone:        s.Timezone,
			IntervalSeconds: int64(s.Interval / time.Second),
			Parameters:      s.Parameters,
		}
		if !s.AnchorDate.IsZero() {
			resp.Schedules[i].AnchorDate = formatTime(s.AnchorDate)
		}
	}
	return resp
}

func toRunResponse(run domain.FlowRun) RunResponse {
	resp := RunResponse{
		ID:             run.ID.String(),
		FlowID:         run.FlowID.String(),
		DeploymentID:   run.DeploymentID.String(),
		IdempotencyKey: run.IdempotencyKey,
		Tags:           run.Tags,
		Parameters:     run.Parameters,
		CreatedAt:      formatTime(run.CreatedAt),
	}
	if run.State != nil {
		resp.State = &StateResponse{
			ID:      run.State.ID.String(),
			Type:    string(run.State.Type),
			Message: run.State.Message,
		}
		if st := run.State.Details.ScheduledTime; !st.IsZero() {
			resp.State.ScheduledTime = formatTime(st)
		}
	}
	return resp
}

func parseScheduleOptions(req ScheduleRunsRequest) (scheduler.ScheduleOptions, error) {
	var opts scheduler.ScheduleOptions

	if req.StartTime != "" {
		t, err := time.Parse(time.RFC3339, req.StartTime)
		if err != nil {
			return opts, err
		}
		opts.StartTime = t
	}
	if req.EndTime != "" {
		t, err := time.Parse(time.RFC3339, req.EndTime)
		if err != nil {
			return opts, err
		}
		opts.EndTime = t
	}
	if !opts.StartTime.IsZero() && !opts.EndTime.IsZero() && opts.EndTime.Before(opts.StartTime) {
		return opts, errors.New("end_time must not be before start_time")
	}
	if req.MaxRuns < 0 {
		return opts, errors.New("max_runs must not be negative")
	}
	opts.MaxRuns = req.MaxRuns

	return opts, nil
}

func parseTimeOrZero(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
