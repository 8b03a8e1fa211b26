package schedule

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// ErrInvalidRecurrence marks every rule that cannot be parsed or is rejected on creation.
var ErrInvalidRecurrence = errors.New("invalid recurrence")

// TimeLayout is the persisted form of start_datetime and end_arg.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// wireRule is the structured form shared by incoming requests and persisted records.
type wireRule struct {
	Repeatable      bool            `json:"repeatable"`
	StartDatetime   string          `json:"start_datetime"`
	EndOption       EndOption       `json:"end_option,omitempty"`
	EndArg          json.RawMessage `json:"end_arg,omitempty"`
	ExecutionsCount int             `json:"executions_count"`
	RepeatUnit      RepeatUnit      `json:"repeat_unit,omitempty"`
	RepeatPeriod    int             `json:"repeat_period,omitempty"`
	Weekdays        []string        `json:"weekdays,omitempty"`
	CronExpr        string          `json:"cron_expr,omitempty"`
	Autorun         bool            `json:"autorun,omitempty"`
}

// Parse builds a rule from its structured JSON form. Unknown fields are ignored so that
// requests may carry sibling settings such as execution_limit.
func Parse(data []byte) (*Rule, error) {
	var w wireRule
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decode schedule"), ErrInvalidRecurrence)
	}
	r, err := w.rule()
	if err != nil {
		return nil, errors.Mark(err, ErrInvalidRecurrence)
	}
	return r, nil
}

func (r *Rule) MarshalJSON() ([]byte, error) {
	w := wireRule{
		Repeatable:      r.Repeatable,
		StartDatetime:   formatTime(r.StartTime),
		EndOption:       r.EndOption,
		ExecutionsCount: r.ExecutionsCount,
		Autorun:         r.Autorun,
	}
	if r.Repeatable {
		w.RepeatUnit = r.RepeatUnit
		w.RepeatPeriod = r.RepeatPeriod
		w.CronExpr = r.CronExpr
		for _, d := range r.Weekdays {
			w.Weekdays = append(w.Weekdays, strings.ToLower(d.String()))
		}
	}
	switch r.EndOption {
	case EndDatetime:
		w.EndArg, _ = json.Marshal(formatTime(r.EndTime))
	case EndMaxExecutions:
		w.EndArg, _ = json.Marshal(r.MaxExecutions)
	}
	return json.Marshal(w)
}

func (r *Rule) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*r = *parsed
	return nil
}

func (w wireRule) rule() (*Rule, error) {
	if strings.TrimSpace(w.StartDatetime) == "" {
		return nil, errors.New("start_datetime is required")
	}
	start, err := parseTime(w.StartDatetime)
	if err != nil {
		return nil, errors.Wrap(err, "start_datetime")
	}
	if w.ExecutionsCount < 0 {
		return nil, errors.Newf("executions_count must not be negative, got %d", w.ExecutionsCount)
	}
	r := &Rule{
		StartTime:       start,
		Repeatable:      w.Repeatable,
		EndOption:       w.EndOption,
		ExecutionsCount: w.ExecutionsCount,
		Autorun:         w.Autorun,
	}
	if r.EndOption == "" {
		r.EndOption = EndNever
	}

	if r.Repeatable {
		if err := w.parseRepeat(r); err != nil {
			return nil, err
		}
	}

	switch r.EndOption {
	case EndNever:
	case EndDatetime:
		var raw string
		if err := json.Unmarshal(w.EndArg, &raw); err != nil {
			return nil, errors.Wrap(err, "end_arg must be a datetime string")
		}
		if r.EndTime, err = parseTime(raw); err != nil {
			return nil, errors.Wrap(err, "end_arg")
		}
	case EndMaxExecutions:
		if r.MaxExecutions, err = parseCount(w.EndArg); err != nil {
			return nil, errors.Wrap(err, "end_arg")
		}
	default:
		return nil, errors.Newf("unknown end_option %q", w.EndOption)
	}
	return r, nil
}

func (w wireRule) parseRepeat(r *Rule) error {
	r.RepeatUnit = RepeatUnit(strings.ToLower(strings.TrimSpace(string(w.RepeatUnit))))
	switch r.RepeatUnit {
	case UnitCron:
		sched, err := cron.ParseStandard(w.CronExpr)
		if err != nil {
			return errors.Wrapf(err, "cron_expr %q", w.CronExpr)
		}
		r.CronExpr = w.CronExpr
		r.cronSchedule = sched
		return nil
	case UnitMinutes, UnitHours, UnitDays, UnitMonths:
	case UnitWeeks:
		for _, name := range w.Weekdays {
			d, ok := weekdays[strings.ToLower(strings.TrimSpace(name))]
			if !ok {
				return errors.Newf("unknown weekday %q", name)
			}
			r.Weekdays = append(r.Weekdays, d)
		}
	default:
		return errors.Newf("unknown repeat_unit %q", w.RepeatUnit)
	}
	if w.RepeatPeriod <= 0 {
		return errors.Newf("repeat_period must be positive, got %d", w.RepeatPeriod)
	}
	r.RepeatPeriod = w.RepeatPeriod
	return nil
}

var weekdays = map[string]time.Weekday{
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
	"sunday":    time.Sunday,
}

// parseCount accepts a JSON integer or a string holding one.
func parseCount(raw json.RawMessage) (int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, errors.New("count is required")
	}
	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
	} else {
		s = string(raw)
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, errors.Newf("count must be an integer, got %s", raw)
	}
	return n, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}
