// Package trigger provides the unified time-based trigger engine for
// AgentPipe: cron expressions, fixed intervals, one-shot jobs, and the
// heartbeat. Schedule syntax errors are configuration errors rejected at
// creation time; nothing in this package propagates them into timer loops.
package trigger

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// cronField describes the domain of one cron expression field.
type cronField struct {
	name string
	min  int
	max  int
}

var cronFields = []cronField{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// cronSearchHorizonDays bounds the next-fire search to roughly one year.
const cronSearchHorizonDays = 366

// CronSchedule is a parsed 5-field cron expression. Each field holds the
// sorted, de-duplicated set of valid values within its domain.
type CronSchedule struct {
	Minutes     []int
	Hours       []int
	DaysOfMonth []int
	Months      []int
	DaysOfWeek  []int

	// domAny/dowAny record whether the day fields were written as "*".
	// They drive the cron day-matching quirk: when both day fields are
	// restricted, a day qualifies if either matches.
	domAny bool
	dowAny bool

	expr string
}

// String returns the original expression.
func (s *CronSchedule) String() string { return s.expr }

// ParseCron parses a 5-field cron expression (minute, hour, day-of-month,
// month, day-of-week) supporting "*", comma lists, ranges, and step values.
// A malformed field invalidates the whole expression.
func ParseCron(expr string) (*CronSchedule, error) {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) != len(cronFields) {
		return nil, fmt.Errorf("cron expression %q must have %d fields, got %d", expr, len(cronFields), len(fields))
	}

	sets := make([][]int, len(cronFields))
	anys := make([]bool, len(cronFields))
	for i, spec := range cronFields {
		values, isAny, err := parseCronField(fields[i], spec)
		if err != nil {
			return nil, fmt.Errorf("cron expression %q: %w", expr, err)
		}
		sets[i] = values
		anys[i] = isAny
	}

	return &CronSchedule{
		Minutes:     sets[0],
		Hours:       sets[1],
		DaysOfMonth: sets[2],
		Months:      sets[3],
		DaysOfWeek:  sets[4],
		domAny:      anys[2],
		dowAny:      anys[4],
		expr:        expr,
	}, nil
}

// parseCronField expands one field into its sorted value set. isAny reports
// whether the field was a bare "*" (with no step), which matters only for
// the day fields.
func parseCronField(field string, spec cronField) (values []int, isAny bool, err error) {
	seen := make(map[int]bool)
	isAny = field == "*"

	for _, part := range strings.Split(field, ",") {
		if part == "" {
			return nil, false, fmt.Errorf("%s field has an empty list element", spec.name)
		}

		rangePart := part
		step := 1
		if idx := strings.IndexByte(part, '/'); idx >= 0 {
			rangePart = part[:idx]
			step, err = strconv.Atoi(part[idx+1:])
			if err != nil || step <= 0 {
				return nil, false, fmt.Errorf("%s field has malformed step %q", spec.name, part)
			}
		}

		lo, hi := spec.min, spec.max
		switch {
		case rangePart == "*":
			// Full domain.
		case strings.Contains(rangePart, "-"):
			bounds := strings.SplitN(rangePart, "-", 2)
			lo, err = parseCronValue(bounds[0], spec)
			if err != nil {
				return nil, false, err
			}
			hi, err = parseCronValue(bounds[1], spec)
			if err != nil {
				return nil, false, err
			}
			if lo > hi {
				return nil, false, fmt.Errorf("%s field has inverted range %q", spec.name, rangePart)
			}
		default:
			lo, err = parseCronValue(rangePart, spec)
			if err != nil {
				return nil, false, err
			}
			if strings.IndexByte(part, '/') >= 0 {
				// "a/n" runs from a to the end of the domain.
				hi = spec.max
			} else {
				hi = lo
			}
		}

		for v := lo; v <= hi; v += step {
			seen[v] = true
		}
	}

	values = make([]int, 0, len(seen))
	for v := range seen {
		values = append(values, v)
	}
	sort.Ints(values)
	return values, isAny, nil
}

// parseCronValue parses a single numeric field value and checks its domain.
func parseCronValue(raw string, spec cronField) (int, error) {
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s field has non-numeric value %q", spec.name, raw)
	}
	if v < spec.min || v > spec.max {
		return 0, fmt.Errorf("%s field value %d out of range %d-%d", spec.name, v, spec.min, spec.max)
	}
	return v, nil
}

// Next returns the first fire time strictly after now, searching day by day
// up to one year ahead. ok is false when no day within the horizon matches.
func (s *CronSchedule) Next(now time.Time) (next time.Time, ok bool) {
	loc := now.Location()
	for offset := 0; offset <= cronSearchHorizonDays; offset++ {
		day := now.AddDate(0, 0, offset)
		year, month, dom := day.Date()

		if !containsInt(s.Months, int(month)) {
			continue
		}
		if !s.dayMatches(dom, int(day.Weekday())) {
			continue
		}

		for _, h := range s.Hours {
			for _, m := range s.Minutes {
				candidate := time.Date(year, month, dom, h, m, 0, 0, loc)
				if candidate.After(now) {
					return candidate, true
				}
			}
		}
	}
	return time.Time{}, false
}

// dayMatches implements cron day semantics: when both day fields are
// restricted a day qualifies if either matches; a "*" day field defers
// entirely to the other one.
func (s *CronSchedule) dayMatches(dom, dow int) bool {
	switch {
	case s.domAny && s.dowAny:
		return true
	case s.domAny:
		return containsInt(s.DaysOfWeek, dow)
	case s.dowAny:
		return containsInt(s.DaysOfMonth, dom)
	default:
		return containsInt(s.DaysOfMonth, dom) || containsInt(s.DaysOfWeek, dow)
	}
}

// containsInt reports whether the sorted set holds v.
func containsInt(set []int, v int) bool {
	i := sort.SearchInts(set, v)
	return i < len(set) && set[i] == v
}
