package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"jobsched/internal/job"
)

var (
	reHHMM      = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)
	reCountUnit = regexp.MustCompile(`^\s*(\d+)\s*([a-zA-Z]+)\s*$`)
)

// Parse turns a schedule string into a job.Schedule.
//
// Supported forms:
//   - One-off: "at:2024-05-01T10:00:00Z" or a bare RFC3339 timestamp
//   - Cron: "cron:30 2 * * *", or anything with whitespace or a leading '@'
//   - Interval: "every:2 hours", "every:90m", "interval:02:30", "55m", "01:30"
//
// "@every <duration>" is read as an interval. Interval durations must be a
// whole number of minutes.
func Parse(raw string) (job.Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return job.Schedule{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "at:"):
		return parseAt(strings.TrimSpace(s[len("at:"):]))
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return job.Schedule{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return job.CronSchedule(expr), nil
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseInterval(s[len("every:"):])
	case strings.HasPrefix(low, "@every "):
		return parseInterval(s[len("@every "):])
	}

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return job.Once(t), nil
	}

	// Heuristics:
	// - any whitespace or leading '@' => cron
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return job.CronSchedule(s), nil
	}

	if reHHMM.MatchString(s) {
		d, err := parseHHMMDuration(s)
		if err != nil {
			return job.Schedule{}, err
		}
		return fromDuration(d)
	}

	if d, err := time.ParseDuration(s); err == nil {
		return fromDuration(d)
	}

	return job.Schedule{}, fmt.Errorf(
		"invalid schedule %q (use 'at:<RFC3339>', cron like '30 2 * * *', HH:MM like '02:30', or duration like '55m')",
		raw,
	)
}

func parseAt(v string) (job.Schedule, error) {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return job.Schedule{}, fmt.Errorf("invalid timestamp %q (want RFC3339)", v)
	}
	return job.Once(t), nil
}

func parseInterval(v string) (job.Schedule, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return job.Schedule{}, fmt.Errorf("interval required")
	}
	if m := reCountUnit.FindStringSubmatch(v); m != nil {
		if unit, ok := job.ParseUnit(m[2]); ok {
			n, err := strconv.Atoi(m[1])
			if err != nil || n <= 0 {
				return job.Schedule{}, fmt.Errorf("interval must be > 0")
			}
			return job.Every(n, unit), nil
		}
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMMDuration(v)
		if err != nil {
			return job.Schedule{}, err
		}
		return fromDuration(d)
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return job.Schedule{}, fmt.Errorf("invalid interval %q (use '<n> <unit>', HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	return fromDuration(d)
}

// fromDuration picks the largest unit that divides d exactly.
func fromDuration(d time.Duration) (job.Schedule, error) {
	if d <= 0 {
		return job.Schedule{}, fmt.Errorf("interval must be > 0")
	}
	if d%time.Minute != 0 {
		return job.Schedule{}, fmt.Errorf("interval %s is not a whole number of minutes", d)
	}
	for _, u := range []job.Unit{job.UnitWeeks, job.UnitDays, job.UnitHours, job.UnitMinutes} {
		if d%u.Duration() == 0 {
			return job.Every(int(d/u.Duration()), u), nil
		}
	}
	return job.Every(int(d/time.Minute), job.UnitMinutes), nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
