package clock

import (
	"fmt"
	"time"
)

// IntervalClock fires at anchor + n*interval for integer n. Occurrences are
// computed from the anchor, so the sequence does not drift with the query
// window.
type IntervalClock struct {
	interval time.Duration
	anchor   time.Time
}

// NewIntervalClock creates an IntervalClock. The interval must be positive;
// a zero anchor defaults to the Unix epoch.
func NewIntervalClock(interval time.Duration, anchor time.Time) (*IntervalClock, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", interval)
	}
	if anchor.IsZero() {
		anchor = time.Unix(0, 0).UTC()
	}
	return &IntervalClock{interval: interval, anchor: anchor.UTC()}, nil
}

func (c *IntervalClock) GetDates(n int, start, end time.Time) []time.Time {
	var dates []time.Time

	// First occurrence at or after start.
	t := c.next(start)
	for len(dates) < n && !t.After(end) {
		dates = append(dates, t)
		t = t.Add(c.interval)
	}

	return dates
}

func (c *IntervalClock) next(at time.Time) time.Time {
	if !at.After(c.anchor) {
		return c.anchor
	}
	elapsed := at.Sub(c.anchor)
	steps := elapsed / c.interval
	t := c.anchor.Add(steps * c.interval)
	if t.Before(at) {
		t = t.Add(c.interval)
	}
	return t.UTC()
}
