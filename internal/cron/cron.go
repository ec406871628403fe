// Package cron parses five-field cron expressions and finds matching minutes.
package cron

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"time"
)

// searchLimit bounds Next; any valid expression matches within four years
const searchLimit = 4 * 366 * 24 * time.Hour

// set is a bitmask of allowed values for one field
type set uint64

func (s set) has(v int) bool { return s&(1<<uint(v)) != 0 }

func (s set) count() int { return bits.OnesCount64(uint64(s)) }

type field struct {
	name     string
	min, max int
}

var fields = [5]field{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// Schedule is a parsed cron expression: minute hour day-of-month month day-of-week
type Schedule struct {
	minute, hour, dom, month, dow set
	expr                          string
}

// Parse validates expr and returns its schedule. Expressions whose day and
// month fields can never coincide (e.g. 30 2 *) are rejected.
func Parse(expr string) (*Schedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != len(fields) {
		return nil, fmt.Errorf("invalid cron expression: expected 5 fields, got %d", len(parts))
	}

	var sets [5]set
	for i, part := range parts {
		s, err := parseField(part, fields[i])
		if err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", fields[i].name, err)
		}
		sets[i] = s
	}

	s := &Schedule{minute: sets[0], hour: sets[1], dom: sets[2], month: sets[3], dow: sets[4], expr: expr}
	if !s.domRestricted() || s.dowRestricted() {
		return s, nil
	}
	for m := 1; m <= 12; m++ {
		if !s.month.has(m) {
			continue
		}
		for d := 1; d <= maxDay(time.Month(m)); d++ {
			if s.dom.has(d) {
				return s, nil
			}
		}
	}
	return nil, fmt.Errorf("impossible date: %q never matches", expr)
}

// parseField handles *, N, A-B, */S, A-B/S and comma lists of those
func parseField(raw string, f field) (set, error) {
	if raw == "" {
		return 0, fmt.Errorf("empty field")
	}

	var out set
	for _, item := range strings.Split(raw, ",") {
		if item == "" {
			return 0, fmt.Errorf("empty value in list")
		}

		rangePart, step := item, 1
		if i := strings.IndexByte(item, '/'); i >= 0 {
			n, err := strconv.Atoi(item[i+1:])
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("invalid step %q", item[i+1:])
			}
			rangePart, step = item[:i], n
			if rangePart != "*" && !strings.Contains(rangePart, "-") {
				return 0, fmt.Errorf("step needs * or a range, got %q", item)
			}
		}

		lo, hi := f.min, f.max
		if rangePart != "*" {
			var err error
			if lo, hi, err = parseRange(rangePart, f); err != nil {
				return 0, err
			}
		}
		for v := lo; v <= hi; v += step {
			out |= 1 << uint(v)
		}
	}
	return out, nil
}

func parseRange(s string, f field) (int, int, error) {
	loStr, hiStr, isRange := strings.Cut(s, "-")
	lo, err := parseValue(loStr, f)
	if err != nil {
		return 0, 0, err
	}
	if !isRange {
		return lo, lo, nil
	}
	hi, err := parseValue(hiStr, f)
	if err != nil {
		return 0, 0, err
	}
	if lo > hi {
		return 0, 0, fmt.Errorf("invalid range: %d > %d", lo, hi)
	}
	return lo, hi, nil
}

func parseValue(s string, f field) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	if v < f.min || v > f.max {
		return 0, fmt.Errorf("value %d out of bounds [%d, %d]", v, f.min, f.max)
	}
	return v, nil
}

func (s *Schedule) String() string { return s.expr }

func (s *Schedule) domRestricted() bool { return s.dom.count() < 31 }

func (s *Schedule) dowRestricted() bool { return s.dow.count() < 7 }

// Matches reports whether the minute containing t is scheduled.
// When both day fields are restricted either one may match.
func (s *Schedule) Matches(t time.Time) bool {
	if !s.minute.has(t.Minute()) || !s.hour.has(t.Hour()) || !s.month.has(int(t.Month())) {
		return false
	}

	return s.dayMatches(t)
}

// Next returns the first scheduled minute strictly after after, or the zero
// time if none exists within the search limit
func (s *Schedule) Next(after time.Time) time.Time {
	t := after.Truncate(time.Minute).Add(time.Minute)
	end := t.Add(searchLimit)
	for t.Before(end) {
		if !s.month.has(int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !s.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !s.hour.has(t.Hour()) {
			t = t.Truncate(time.Hour).Add(time.Hour)
			continue
		}
		if s.minute.has(t.Minute()) {
			return t
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}
}

func (s *Schedule) dayMatches(t time.Time) bool {
	domMatch := s.dom.has(t.Day())
	dowMatch := s.dow.has(int(t.Weekday()))
	switch {
	case s.domRestricted() && s.dowRestricted():
		return domMatch || dowMatch
	case s.domRestricted():
		return domMatch
	case s.dowRestricted():
		return dowMatch
	}
	return true
}

// Between returns scheduled minutes in [start, end)
func (s *Schedule) Between(start, end time.Time) []time.Time {
	var out []time.Time
	t := start.Truncate(time.Minute)
	if !s.Matches(t) || t.Before(start) {
		t = s.Next(t)
	}
	for !t.IsZero() && t.Before(end) {
		out = append(out, t)
		t = s.Next(t)
	}
	return out
}

// maxDay is the longest a month can be, counting Feb 29
func maxDay(m time.Month) int {
	switch m {
	case time.February:
		return 29
	case time.April, time.June, time.September, time.November:
		return 30
	}
	return 31
}
