// Package clock expands schedule recurrence rules into concrete timestamps.
package clock

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Clock produces a bounded, ordered, deterministic sequence of timestamps.
// GetDates returns up to n timestamps in [start, end], strictly ascending.
// Identical inputs always yield identical output.
type Clock interface {
	GetDates(n int, start, end time.Time) []time.Time
}

// Parser builds cron-backed clocks.
type Parser struct {
	parser cron.Parser
}

func NewParser() *Parser {
	return &Parser{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Parse builds a Clock from a cron expression and an IANA timezone.
func (p *Parser) Parse(expression string, timezone string) (Clock, error) {
	sched, err := p.parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse cron: %w", err)
	}

	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}

	return &cronClock{sched: sched, loc: loc}, nil
}

type cronClock struct {
	sched cron.Schedule
	loc   *time.Location
}

func (c *cronClock) GetDates(n int, start, end time.Time) []time.Time {
	var dates []time.Time

	// cron.Next is strictly-after; back off so an occurrence exactly at
	// start is included in the window.
	t := start.Add(-time.Nanosecond).In(c.loc)
	for len(dates) < n {
		t = c.sched.Next(t)
		if t.IsZero() || t.After(end) {
			break
		}
		dates = append(dates, t.UTC())
	}

	return dates
}
