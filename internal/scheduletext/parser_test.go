package scheduletext

import (
	"testing"
	"time"
)

func TestParse_RawCron(t *testing.T) {
	s, err := Parse("*/5 * * * *", "UTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s == nil || !s.Recurring || s.Cron != "*/5 * * * *" {
		t.Fatalf("unexpected schedule: %+v", s)
	}
}

func TestParse_EveryDayAt(t *testing.T) {
	s, err := Parse("every day at 9am", "UTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s == nil || !s.Recurring || s.Cron != "0 9 * * *" {
		t.Fatalf("unexpected schedule: %+v", s)
	}
}

func TestParse_EveryDayAt_PM(t *testing.T) {
	s, err := Parse("every day at 5:30pm", "UTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s == nil || s.Cron != "30 17 * * *" {
		t.Fatalf("unexpected schedule: %+v", s)
	}
}

func TestParse_EveryWeekday(t *testing.T) {
	s, err := Parse("every monday at 9am", "UTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s == nil || s.Cron != "0 9 * * 1" {
		t.Fatalf("unexpected schedule: %+v", s)
	}
}

func TestParse_EveryNMinutes(t *testing.T) {
	s, err := Parse("every 15 minutes", "UTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s == nil || s.Cron != "*/15 * * * *" {
		t.Fatalf("unexpected schedule: %+v", s)
	}
}

func TestParse_InDuration(t *testing.T) {
	s, err := Parse("in 2 minutes", "UTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s == nil || s.Recurring {
		t.Fatalf("expected one-time schedule, got %+v", s)
	}
	if time.Until(s.RunAt) > 3*time.Minute || time.Until(s.RunAt) < time.Minute {
		t.Fatalf("RunAt not in expected window: %v", s.RunAt)
	}
}

func TestParse_AtAbsolute(t *testing.T) {
	s, err := Parse("at 2026-08-02 14:00", "UTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2026, 8, 2, 14, 0, 0, 0, time.UTC)
	if s == nil || !s.RunAt.Equal(want) {
		t.Fatalf("unexpected RunAt: %+v", s)
	}
}

func TestParse_Unrecognized(t *testing.T) {
	s, err := Parse("whenever you feel like it", "UTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s != nil {
		t.Fatalf("expected nil for unrecognized text, got %+v", s)
	}
}

func TestParse_UnknownTimezone(t *testing.T) {
	if _, err := Parse("every day at 9am", "Not/AZone"); err == nil {
		t.Fatal("expected error for unknown timezone")
	}
}

func TestNextFire_StrictlyIncreasing(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	first, err := NextFire("*/5 * * * *", "UTC", start)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := NextFire("*/5 * * * *", "UTC", first)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !second.After(first) {
		t.Fatalf("expected strictly increasing fire times, got %v then %v", first, second)
	}
}

func TestNextFire_InvalidCron(t *testing.T) {
	if _, err := NextFire("not a cron", "UTC", time.Now()); err == nil {
		t.Fatal("expected error for invalid cron")
	}
}
