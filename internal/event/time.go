package event

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ValidationError rejects malformed day/time input typed by an admin.
// It is surfaced back to the requester with a corrective message and never
// mutates state.
type ValidationError struct {
	Input  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid input %q: %s", e.Input, e.Reason)
}

var weekdayCodes = map[string]time.Weekday{
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
	"sun": time.Sunday,
}

// ParseWeekday parses a three-letter weekday code ("mon".."sun").
func ParseWeekday(s string) (time.Weekday, error) {
	d, ok := weekdayCodes[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, &ValidationError{Input: s, Reason: "unknown weekday, expected mon..sun"}
	}
	return d, nil
}

// WeekdayCode renders a weekday back to its three-letter code.
func WeekdayCode(d time.Weekday) string {
	switch d {
	case time.Monday:
		return "mon"
	case time.Tuesday:
		return "tue"
	case time.Wednesday:
		return "wed"
	case time.Thursday:
		return "thu"
	case time.Friday:
		return "fri"
	case time.Saturday:
		return "sat"
	default:
		return "sun"
	}
}

// ParseHHMM parses strict 24h "HH:MM" input.
func ParseHHMM(s string) (hour, minute int, err error) {
	raw := strings.TrimSpace(s)
	parts := strings.Split(raw, ":")
	if len(parts) != 2 {
		return 0, 0, &ValidationError{Input: s, Reason: "expected HH:MM"}
	}
	hour, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, &ValidationError{Input: s, Reason: "hour is not a number"}
	}
	minute, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, &ValidationError{Input: s, Reason: "minute is not a number"}
	}
	if hour < 0 || hour > 23 {
		return 0, 0, &ValidationError{Input: s, Reason: "hour out of range"}
	}
	if minute < 0 || minute > 59 {
		return 0, 0, &ValidationError{Input: s, Reason: "minute out of range"}
	}
	return hour, minute, nil
}

// NoticeDay computes the day the announcement fires: two days before the
// event day, cyclically over the week.
func NoticeDay(eventDay time.Weekday) time.Weekday {
	return (eventDay + 5) % 7
}
