// Package schedule implements recurrence rules: when a job first runs, how it repeats and
// when it stops.
package schedule

import (
	"sort"
	"time"

	"github.com/robfig/cron/v3"
)

type EndOption string

const (
	EndNever         EndOption = "none"
	EndDatetime      EndOption = "end_datetime"
	EndMaxExecutions EndOption = "max_executions"
)

type RepeatUnit string

const (
	UnitMinutes RepeatUnit = "minutes"
	UnitHours   RepeatUnit = "hours"
	UnitDays    RepeatUnit = "days"
	UnitWeeks   RepeatUnit = "weeks"
	UnitMonths  RepeatUnit = "months"
	UnitCron    RepeatUnit = "cron"
)

// maxIterations bounds the candidate search in Next.
const maxIterations = 10000

// Rule describes when a job runs.
//
// ExecutionsCount is owned by the scheduling engine: it is bumped once per dispatched
// occurrence of a repeatable rule and never otherwise.
type Rule struct {
	StartTime  time.Time
	Repeatable bool

	RepeatUnit   RepeatUnit
	RepeatPeriod int
	Weekdays     []time.Weekday
	CronExpr     string

	EndOption     EndOption
	EndTime       time.Time // EndDatetime only
	MaxExecutions int       // EndMaxExecutions only

	ExecutionsCount int

	// Autorun dispatches the job once as soon as it is loaded at startup.
	Autorun bool

	cronSchedule cron.Schedule
}

var _ cron.Schedule = (*Rule)(nil)

// Next returns the next run time strictly after the given instant. A one-shot rule always
// answers StartTime. The zero time means the rule has no further candidates.
func (r *Rule) Next(after time.Time) time.Time {
	if !r.Repeatable {
		return r.StartTime
	}
	switch {
	case r.RepeatUnit == UnitCron:
		return r.nextCron(after)
	case r.RepeatUnit == UnitWeeks && len(r.Weekdays) > 0:
		return r.nextWeekday(after)
	default:
		return r.nextPeriodic(after)
	}
}

// Clone returns a deep copy of the rule.
func (r *Rule) Clone() *Rule {
	c := *r
	c.Weekdays = append([]time.Weekday(nil), r.Weekdays...)
	return &c
}

func (r *Rule) nextCron(after time.Time) time.Time {
	if r.cronSchedule == nil {
		return time.Time{}
	}
	from := after
	if after.Before(r.StartTime) {
		from = r.StartTime.Add(-time.Nanosecond)
	}
	return r.cronSchedule.Next(from)
}

func (r *Rule) nextPeriodic(after time.Time) time.Time {
	if after.Before(r.StartTime) {
		return r.StartTime
	}
	k := r.estimateSteps(after)
	for k > 0 && r.shift(k-1).After(after) {
		k--
	}
	for i := 0; i < maxIterations; i, k = i+1, k+1 {
		if next := r.shift(k); next.After(after) {
			return next
		}
	}
	return time.Time{}
}

// shift returns the k-th periodic candidate counted from the start time.
func (r *Rule) shift(k int) time.Time {
	n := k * r.RepeatPeriod
	switch r.RepeatUnit {
	case UnitMinutes:
		return r.StartTime.Add(time.Duration(n) * time.Minute)
	case UnitHours:
		return r.StartTime.Add(time.Duration(n) * time.Hour)
	case UnitDays:
		return r.StartTime.AddDate(0, 0, n)
	case UnitWeeks:
		return r.StartTime.AddDate(0, 0, 7*n)
	case UnitMonths:
		return addMonths(r.StartTime, n)
	}
	return time.Time{}
}

// estimateSteps guesses how many periods separate the start time from after. The guess may
// be off by a few steps around DST changes and month ends; nextPeriodic corrects it.
func (r *Rule) estimateSteps(after time.Time) int {
	elapsed := after.Sub(r.StartTime)
	var unit time.Duration
	switch r.RepeatUnit {
	case UnitMinutes:
		unit = time.Minute
	case UnitHours:
		unit = time.Hour
	case UnitDays:
		unit = 24 * time.Hour
	case UnitWeeks:
		unit = 7 * 24 * time.Hour
	case UnitMonths:
		sy, sm, _ := r.StartTime.Date()
		ay, am, _ := after.In(r.StartTime.Location()).Date()
		months := (ay-sy)*12 + int(am-sm)
		if months < 0 {
			return 0
		}
		return months / r.RepeatPeriod
	default:
		return 0
	}
	steps := int(elapsed / (unit * time.Duration(r.RepeatPeriod)))
	if steps < 0 {
		return 0
	}
	return steps
}

// nextWeekday walks every RepeatPeriod-th week, counted from the week containing the start
// time, and returns the first listed weekday at the start time-of-day.
func (r *Rule) nextWeekday(after time.Time) time.Time {
	start := r.StartTime
	offsets := make([]int, 0, len(r.Weekdays))
	for _, d := range r.Weekdays {
		offsets = append(offsets, mondayOffset(d))
	}
	sort.Ints(offsets)

	weekStart := start.AddDate(0, 0, -mondayOffset(start.Weekday()))

	week := 0
	if after.After(start) {
		week = int(after.Sub(weekStart)/(7*24*time.Hour)) - 1
		if week < 0 {
			week = 0
		}
		week -= week % r.RepeatPeriod
	}
	for i := 0; i < maxIterations; i, week = i+1, week+r.RepeatPeriod {
		for _, off := range offsets {
			candidate := weekStart.AddDate(0, 0, 7*week+off)
			if candidate.Before(start) || !candidate.After(after) {
				continue
			}
			return candidate
		}
	}
	return time.Time{}
}

func mondayOffset(d time.Weekday) int {
	return (int(d) + 6) % 7
}

// addMonths moves t by n calendar months, clamping the day to the target month's length.
func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := time.Date(first.Year(), first.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
	if d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}
