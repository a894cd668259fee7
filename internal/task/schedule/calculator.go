// Package schedule computes next run times for job schedules and parses the
// textual schedule forms used in config files.
package schedule

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"jobsched/internal/job"
)

var (
	// Five-field expressions plus descriptors.
	standardParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	// SecondOptional allows both 5-field and 6-field (with seconds) specs.
	fullParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// Calculator computes the next run of a schedule.
//
// By default only a narrow cron subset is accepted:
//
//	* * * * *    every minute
//	M * * * *    hourly at minute M
//	M H * * *    daily at H:M
//	@hourly, @daily, @midnight
//
// FullCron accepts anything robfig/cron parses, including seconds fields.
type Calculator struct {
	FullCron        bool
	DefaultTimezone string
}

// NextRun returns the first run strictly after from. ok is false when a once
// schedule has already passed.
func (c Calculator) NextRun(s job.Schedule, from time.Time) (time.Time, bool, error) {
	return c.NextRunIn(s, "", from)
}

// NextRunIn is NextRun evaluating cron expressions in timezone tz.
func (c Calculator) NextRunIn(s job.Schedule, tz string, from time.Time) (time.Time, bool, error) {
	switch s.Kind {
	case job.KindOnce:
		if s.At.IsZero() {
			return time.Time{}, false, job.Unsupported(s.String(), "once schedule without timestamp")
		}
		if from.Before(s.At) {
			return s.At, true, nil
		}
		return time.Time{}, false, nil
	case job.KindRecurring:
		if s.Interval != nil {
			if s.Interval.Overflows() {
				return time.Time{}, false, job.Unsupported(s.String(), "interval is too large")
			}
			d := s.Interval.Duration()
			if d <= 0 {
				return time.Time{}, false, job.Unsupported(s.String(), "interval must be positive")
			}
			return from.Add(d), true, nil
		}
		sched, err := c.parseCron(s.Cron)
		if err != nil {
			return time.Time{}, false, err
		}
		loc := c.location(tz)
		next := sched.Next(from.In(loc))
		if next.IsZero() {
			return time.Time{}, false, job.Unsupported(s.Cron, "expression never fires")
		}
		return next.In(from.Location()), true, nil
	}
	return time.Time{}, false, job.Unsupported(string(s.Kind), "unknown schedule kind")
}

// Next is NextRunIn using the job's own schedule and timezone.
func (c Calculator) Next(j *job.Job, from time.Time) (time.Time, bool, error) {
	return c.NextRunIn(j.Schedule, j.Timezone, from)
}

// Validate checks that the calculator can evaluate s. Errors are
// ValidationErrors so they can be returned straight to a caller.
func (c Calculator) Validate(s job.Schedule) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if s.Kind == job.KindRecurring && s.Interval == nil {
		if _, err := c.parseCron(s.Cron); err != nil {
			return job.InvalidCause("schedule.cron", err)
		}
	}
	return nil
}

func (c Calculator) parseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, job.Unsupported(expr, "empty expression")
	}
	if c.FullCron {
		sched, err := fullParser.Parse(expr)
		if err != nil {
			return nil, job.Unsupported(expr, err.Error())
		}
		return sched, nil
	}
	if !narrowSubset(expr) {
		return nil, job.Unsupported(expr, "only '* * * * *', 'M * * * *', 'M H * * *', @hourly and @daily are supported")
	}
	sched, err := standardParser.Parse(expr)
	if err != nil {
		return nil, job.Unsupported(expr, err.Error())
	}
	return sched, nil
}

func narrowSubset(expr string) bool {
	switch strings.ToLower(expr) {
	case "@hourly", "@daily", "@midnight":
		return true
	}
	f := strings.Fields(expr)
	if len(f) != 5 || f[2] != "*" || f[3] != "*" || f[4] != "*" {
		return false
	}
	switch {
	case f[0] == "*" && f[1] == "*":
		return true
	case f[1] == "*":
		return inRange(f[0], 0, 59)
	default:
		return inRange(f[0], 0, 59) && inRange(f[1], 0, 23)
	}
}

func inRange(s string, lo, hi int) bool {
	n, err := strconv.Atoi(s)
	return err == nil && n >= lo && n <= hi
}

var locCache sync.Map // string -> *time.Location

func (c Calculator) location(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		tz = strings.TrimSpace(c.DefaultTimezone)
	}
	if tz == "" || strings.EqualFold(tz, "utc") {
		return time.UTC
	}
	if v, ok := locCache.Load(tz); ok {
		return v.(*time.Location)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	locCache.Store(tz, loc)
	return loc
}
