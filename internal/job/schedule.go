package job

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// ScheduleKind distinguishes one-off from recurring jobs.
type ScheduleKind string

const (
	KindOnce      ScheduleKind = "once"
	KindRecurring ScheduleKind = "recurring"
)

// Unit is the granularity of an Interval.
type Unit string

const (
	UnitMinutes Unit = "minutes"
	UnitHours   Unit = "hours"
	UnitDays    Unit = "days"
	UnitWeeks   Unit = "weeks"
	UnitMonths  Unit = "months"
)

// Month is approximated as 30 days; intervals are not calendar-exact.
const approxMonth = 30 * 24 * time.Hour

// Duration returns the length of one unit, or 0 for an unknown unit.
func (u Unit) Duration() time.Duration {
	switch u {
	case UnitMinutes:
		return time.Minute
	case UnitHours:
		return time.Hour
	case UnitDays:
		return 24 * time.Hour
	case UnitWeeks:
		return 7 * 24 * time.Hour
	case UnitMonths:
		return approxMonth
	}
	return 0
}

// ParseUnit accepts singular, plural and short forms ("h", "hour", "hours").
func ParseUnit(s string) (Unit, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "m", "min", "mins", "minute", "minutes":
		return UnitMinutes, true
	case "h", "hr", "hrs", "hour", "hours":
		return UnitHours, true
	case "d", "day", "days":
		return UnitDays, true
	case "w", "wk", "week", "weeks":
		return UnitWeeks, true
	case "mo", "mon", "month", "months":
		return UnitMonths, true
	}
	return "", false
}

type Interval struct {
	Value int  `json:"value"`
	Unit  Unit `json:"unit"`
}

// Duration is Value*Unit. It is meaningless when Overflows reports true.
func (i Interval) Duration() time.Duration {
	return time.Duration(i.Value) * i.Unit.Duration()
}

// Overflows reports whether Value*Unit does not fit in a time.Duration.
func (i Interval) Overflows() bool {
	u := i.Unit.Duration()
	return u > 0 && int64(i.Value) > math.MaxInt64/int64(u)
}

// Schedule is either a one-off timestamp or a recurring interval/cron rule.
// For recurring schedules exactly one of Interval or Cron is set.
type Schedule struct {
	Kind     ScheduleKind `json:"kind"`
	At       time.Time    `json:"at,omitempty"`
	Interval *Interval    `json:"interval,omitempty"`
	Cron     string       `json:"cron,omitempty"`
}

func Once(at time.Time) Schedule { return Schedule{Kind: KindOnce, At: at} }

func Every(value int, unit Unit) Schedule {
	return Schedule{Kind: KindRecurring, Interval: &Interval{Value: value, Unit: unit}}
}

func CronSchedule(expr string) Schedule {
	return Schedule{Kind: KindRecurring, Cron: strings.TrimSpace(expr)}
}

func (s Schedule) Clone() Schedule {
	cp := s
	if s.Interval != nil {
		iv := *s.Interval
		cp.Interval = &iv
	}
	return cp
}

// String renders the schedule in the textual form accepted by schedule.Parse.
func (s Schedule) String() string {
	switch s.Kind {
	case KindOnce:
		return "at:" + s.At.UTC().Format(time.RFC3339)
	case KindRecurring:
		if s.Interval != nil {
			return "every:" + strconv.Itoa(s.Interval.Value) + " " + string(s.Interval.Unit)
		}
		return "cron:" + s.Cron
	}
	return ""
}

// Validate checks the shape of the schedule. Cron grammar is checked by the
// calculator, not here.
func (s Schedule) Validate() error {
	switch s.Kind {
	case KindOnce:
		if s.At.IsZero() {
			return Invalid("schedule", "once schedule requires a run timestamp")
		}
		if s.Interval != nil || s.Cron != "" {
			return Invalid("schedule", "once schedule must not carry an interval or cron expression")
		}
	case KindRecurring:
		hasInterval := s.Interval != nil
		hasCron := strings.TrimSpace(s.Cron) != ""
		if hasInterval == hasCron {
			return Invalid("schedule", "recurring schedule requires exactly one of interval or cron")
		}
		if hasInterval {
			if s.Interval.Value <= 0 {
				return Invalid("schedule.interval.value", "must be > 0")
			}
			if s.Interval.Unit.Duration() == 0 {
				return Invalid("schedule.interval.unit", "unknown unit "+string(s.Interval.Unit))
			}
			if s.Interval.Overflows() {
				return Invalid("schedule.interval.value", "interval is too large")
			}
		}
	default:
		return Invalid("schedule.kind", "must be once or recurring")
	}
	return nil
}
