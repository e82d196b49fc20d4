package clock

import (
	"testing"
	"time"
)

func TestParser_ValidExpressions(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"every hour", "0 * * * *"},
		{"every 5 minutes", "*/5 * * * *"},
		{"weekday business hours", "0 9-17 * * 1-5"},
		{"daily 2:30am", "30 2 * * *"},
		{"yearly Jan 1", "0 0 1 1 *"},
		{"every minute", "* * * * *"},
	}

	p := NewParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := p.Parse(tt.expr, "UTC")
			if err != nil {
				t.Errorf("Parse(%q, UTC) returned error: %v", tt.expr, err)
			}
			if c == nil {
				t.Errorf("Parse(%q, UTC) returned nil clock", tt.expr)
			}
		})
	}
}

func TestParser_InvalidExpressions(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"four fields", "* * * *"},
		{"six fields", "* * * * * *"},
		{"invalid minute 60", "60 * * * *"},
		{"non-numeric", "abc * * * *"},
		{"empty", ""},
	}

	p := NewParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Parse(tt.expr, "UTC")
			if err == nil {
				t.Errorf("Parse(%q, UTC) should return error for invalid expression", tt.expr)
			}
		})
	}
}

func TestParser_InvalidTimezone(t *testing.T) {
	p := NewParser()
	if _, err := p.Parse("0 * * * *", "Invalid/Zone"); err == nil {
		t.Error("Parse with invalid timezone should return error")
	}
}

func TestCronClock_GetDates_Hourly(t *testing.T) {
	p := NewParser()
	c, err := p.Parse("0 * * * *", "UTC")
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}

	start := time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC)
	end := start.Add(6 * time.Hour)

	dates := c.GetDates(100, start, end)

	if len(dates) != 6 {
		t.Fatalf("expected 6 dates, got %d", len(dates))
	}
	want := time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC)
	for i, d := range dates {
		if !d.Equal(want) {
			t.Errorf("dates[%d] = %s, want %s", i, d, want)
		}
		want = want.Add(time.Hour)
	}
}

func TestCronClock_GetDates_CountBound(t *testing.T) {
	p := NewParser()
	c, err := p.Parse("* * * * *", "UTC")
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}

	start := time.Date(2025, 3, 1, 0, 0, 30, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	dates := c.GetDates(10, start, end)

	if len(dates) != 10 {
		t.Errorf("expected 10 dates, got %d", len(dates))
	}
}

func TestCronClock_GetDates_IncludesWindowStart(t *testing.T) {
	p := NewParser()
	c, err := p.Parse("0 * * * *", "UTC")
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}

	// Window starts exactly on an occurrence.
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(30 * time.Minute)

	dates := c.GetDates(10, start, end)

	if len(dates) != 1 {
		t.Fatalf("expected 1 date, got %d", len(dates))
	}
	if !dates[0].Equal(start) {
		t.Errorf("dates[0] = %s, want window start %s", dates[0], start)
	}
}

func TestCronClock_GetDates_Deterministic(t *testing.T) {
	p := NewParser()
	c, err := p.Parse("*/15 * * * *", "America/New_York")
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}

	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(3 * time.Hour)

	first := c.GetDates(100, start, end)
	second := c.GetDates(100, start, end)

	if len(first) != len(second) {
		t.Fatalf("lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if !first[i].Equal(second[i]) {
			t.Errorf("dates[%d] differ: %s vs %s", i, first[i], second[i])
		}
	}
}

func TestCronClock_GetDates_EmptyWindow(t *testing.T) {
	p := NewParser()
	c, err := p.Parse("0 0 1 1 *", "UTC")
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}

	// Window too narrow to contain Jan 1 midnight.
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	if dates := c.GetDates(100, start, end); len(dates) != 0 {
		t.Errorf("expected no dates, got %d", len(dates))
	}
}
