// Package scheduletext turns a user-supplied schedule string ("every
// day at 9am", "in 2 minutes", a raw 5-field cron expression, ...) into
// a normalized Schedule the scheduler can act on, and computes
// successive firing times for recurring schedules.
package scheduletext

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour,
// dom, month, dow) — the same field set go-claw's scheduler used, so a
// cron string accepted there is accepted here.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Schedule is the normalized result of Parse.
type Schedule struct {
	Recurring bool
	Cron      string    // set when Recurring
	RunAt     time.Time // set when !Recurring
	TZ        string
}

var (
	everyDayAt   = regexp.MustCompile(`(?i)^every day at (\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
	everyWeekday = regexp.MustCompile(`(?i)^every (monday|tuesday|wednesday|thursday|friday|saturday|sunday) at (\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
	everyNMin    = regexp.MustCompile(`(?i)^every (\d+) minutes?$`)
	tomorrowAt   = regexp.MustCompile(`(?i)^tomorrow at (\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
	inDuration   = regexp.MustCompile(`(?i)^in (\d+) (minutes?|hours?|days?)$`)
	atAbsolute   = regexp.MustCompile(`(?i)^at (\d{4}-\d{2}-\d{2}) (\d{1,2}):(\d{2})$`)

	weekdays = map[string]time.Weekday{
		"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
		"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday, "saturday": time.Saturday,
	}
)

// Parse recognizes a 5-field cron expression verbatim, or one of a fixed
// set of natural-language patterns, and returns nil if scheduleText
// matches none of them. defaultTZ is used as the IANA timezone when the
// text carries no explicit one (none of the supported patterns do).
func Parse(scheduleText, defaultTZ string) (*Schedule, error) {
	text := strings.TrimSpace(scheduleText)
	if text == "" {
		return nil, nil
	}
	loc, err := time.LoadLocation(defaultTZ)
	if err != nil {
		return nil, fmt.Errorf("scheduletext: unknown timezone %q: %w", defaultTZ, err)
	}
	now := time.Now().In(loc)

	if sched, err := cronParser.Parse(text); err == nil {
		_ = sched
		return &Schedule{Recurring: true, Cron: text, TZ: defaultTZ}, nil
	}

	if m := everyDayAt.FindStringSubmatch(text); m != nil {
		hour, min, err := parseHourMinute(m[1], m[2], m[3])
		if err != nil {
			return nil, err
		}
		return &Schedule{Recurring: true, Cron: fmt.Sprintf("%d %d * * *", min, hour), TZ: defaultTZ}, nil
	}

	if m := everyWeekday.FindStringSubmatch(text); m != nil {
		hour, min, err := parseHourMinute(m[2], m[3], m[4])
		if err != nil {
			return nil, err
		}
		dow := int(weekdays[strings.ToLower(m[1])])
		return &Schedule{Recurring: true, Cron: fmt.Sprintf("%d %d * * %d", min, hour, dow), TZ: defaultTZ}, nil
	}

	if m := everyNMin.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		if n < 1 {
			return nil, fmt.Errorf("scheduletext: interval must be >= 1 minute")
		}
		return &Schedule{Recurring: true, Cron: fmt.Sprintf("*/%d * * * *", n), TZ: defaultTZ}, nil
	}

	if m := tomorrowAt.FindStringSubmatch(text); m != nil {
		hour, min, err := parseHourMinute(m[1], m[2], m[3])
		if err != nil {
			return nil, err
		}
		tomorrow := now.AddDate(0, 0, 1)
		runAt := time.Date(tomorrow.Year(), tomorrow.Month(), tomorrow.Day(), hour, min, 0, 0, loc)
		return &Schedule{Recurring: false, RunAt: runAt.UTC(), TZ: defaultTZ}, nil
	}

	if m := inDuration.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		unit := strings.ToLower(m[2])
		var d time.Duration
		switch {
		case strings.HasPrefix(unit, "minute"):
			d = time.Duration(n) * time.Minute
		case strings.HasPrefix(unit, "hour"):
			d = time.Duration(n) * time.Hour
		case strings.HasPrefix(unit, "day"):
			d = time.Duration(n) * 24 * time.Hour
		}
		return &Schedule{Recurring: false, RunAt: now.Add(d).UTC(), TZ: defaultTZ}, nil
	}

	if m := atAbsolute.FindStringSubmatch(text); m != nil {
		date := m[1]
		hour, _ := strconv.Atoi(m[2])
		min, _ := strconv.Atoi(m[3])
		d, err := time.ParseInLocation("2006-01-02", date, loc)
		if err != nil {
			return nil, fmt.Errorf("scheduletext: invalid date %q: %w", date, err)
		}
		runAt := time.Date(d.Year(), d.Month(), d.Day(), hour, min, 0, 0, loc)
		return &Schedule{Recurring: false, RunAt: runAt.UTC(), TZ: defaultTZ}, nil
	}

	return nil, nil
}

func parseHourMinute(hourStr, minStr, ampm string) (hour, min int, err error) {
	hour, err = strconv.Atoi(hourStr)
	if err != nil {
		return 0, 0, fmt.Errorf("scheduletext: invalid hour %q: %w", hourStr, err)
	}
	if minStr != "" {
		min, err = strconv.Atoi(minStr)
		if err != nil {
			return 0, 0, fmt.Errorf("scheduletext: invalid minute %q: %w", minStr, err)
		}
	}
	switch strings.ToLower(ampm) {
	case "pm":
		if hour < 12 {
			hour += 12
		}
	case "am":
		if hour == 12 {
			hour = 0
		}
	}
	if hour < 0 || hour > 23 || min < 0 || min > 59 {
		return 0, 0, fmt.Errorf("scheduletext: hour/minute out of range")
	}
	return hour, min, nil
}

// NextFire computes the next firing instant strictly after `after`, in
// tz. Two successive calls with the same cron/tz and the previous
// result as `after` MUST yield strictly increasing instants — robfig's
// cron.Schedule.Next already guarantees this since it only ever returns
// times strictly greater than its argument.
func NextFire(cron, tz string, after time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, fmt.Errorf("scheduletext: unknown timezone %q: %w", tz, err)
	}
	sched, err := cronParser.Parse(cron)
	if err != nil {
		return time.Time{}, fmt.Errorf("scheduletext: invalid cron %q: %w", cron, err)
	}
	return sched.Next(after.In(loc)).UTC(), nil
}
