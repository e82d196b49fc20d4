package config

import (
	"fmt"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	// Unknown drivers fail fast instead of degrading at runtime.
	switch cfg.DatabaseDriver {
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			errs = append(errs, ValidationError{
				Field:   "DATABASE_URL",
				Message: "required for the postgres driver",
			})
		}
	case DriverSQLite:
		if cfg.SQLitePath == "" {
			errs = append(errs, ValidationError{
				Field:   "SQLITE_PATH",
				Message: "required for the sqlite3 driver",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "DATABASE_DRIVER",
			Message: fmt.Sprintf("must be %q or %q, got %q", DriverPostgres, DriverSQLite, cfg.DatabaseDriver),
		})
	}

	if cfg.TickIntervalStr != "" {
		d, err := time.ParseDuration(cfg.TickIntervalStr)
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   "TICK_INTERVAL",
				Message: fmt.Sprintf("invalid duration: %v", err),
			})
		} else if d <= 0 {
			errs = append(errs, ValidationError{
				Field:   "TICK_INTERVAL",
				Message: "must be positive",
			})
		}
	}

	if cfg.ScheduleAheadStr != "" {
		d, err := time.ParseDuration(cfg.ScheduleAheadStr)
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   "SCHEDULE_AHEAD",
				Message: fmt.Sprintf("invalid duration: %v", err),
			})
		} else if d <= 0 {
			errs = append(errs, ValidationError{
				Field:   "SCHEDULE_AHEAD",
				Message: "must be positive",
			})
		}
	}

	if cfg.ReconcileThresholdStr != "" {
		if d, err := time.ParseDuration(cfg.ReconcileThresholdStr); err != nil {
			errs = append(errs, ValidationError{
				Field:   "RECONCILE_THRESHOLD",
				Message: fmt.Sprintf("invalid duration: %v", err),
			})
		} else if d <= 0 {
			errs = append(errs, ValidationError{
				Field:   "RECONCILE_THRESHOLD",
				Message: "must be positive",
			})
		}
	}

	// Advisory locks are a postgres feature.
	if cfg.LeaderElectionEnabled && cfg.DatabaseDriver != DriverPostgres {
		errs = append(errs, ValidationError{
			Field:   "LEADER_ELECTION_ENABLED",
			Message: "requires the postgres driver",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
