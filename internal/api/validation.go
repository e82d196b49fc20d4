package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

const maxNameLength = 255

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

func validateCreateDeployment(req CreateDeploymentRequest) error {
	if req.Name == "" {
		return errors.New("name is required")
	}
	if len(req.Name) > maxNameLength {
		return fmt.Errorf("name must be at most %d characters", maxNameLength)
	}
	if req.FlowID == "" {
		return errors.New("flow_id is required")
	}
	if _, err := uuid.Parse(req.FlowID); err != nil {
		return errors.New("flow_id must be a valid uuid")
	}

	for i, s := range req.Schedules {
		if err := validateSchedule(s); err != nil {
			return fmt.Errorf("schedule %d: %w", i, err)
		}
	}
	return nil
}

func validateSchedule(s ScheduleRequest) error {
	hasCron := s.CronExpression != ""
	hasInterval := s.IntervalSeconds != 0

	if hasCron == hasInterval {
		return errors.New("exactly one of cron_expression or interval_seconds must be set")
	}

	if hasCron {
		if _, err := cronParser.Parse(s.CronExpression); err != nil {
			return fmt.Errorf("invalid cron expression: %v", err)
		}
		if s.Timezone != "" {
			if _, err := time.LoadLocation(s.Timezone); err != nil {
				return fmt.Errorf("invalid timezone %q", s.Timezone)
			}
		}
		return nil
	}

	if s.IntervalSeconds < 0 {
		return errors.New("interval_seconds must be positive")
	}
	if s.Timezone != "" {
		return errors.New("timezone applies to cron schedules only")
	}
	if s.AnchorDate != "" {
		if _, err := time.Parse(time.RFC3339, s.AnchorDate); err != nil {
			return errors.New("anchor_date must be RFC3339")
		}
	}
	return nil
}
