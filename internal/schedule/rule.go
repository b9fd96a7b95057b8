package schedule

import (
	"fmt"
	"strings"
	"time"
)

// Rule is a weekly recurrence: fire every week on Weekday at Hour:Minute,
// wall-clock in TZ.
type Rule struct {
	Weekday time.Weekday `json:"weekday"` // Sunday = 0, as in time.Weekday and cron dow
	Hour    int          `json:"hour"`
	Minute  int          `json:"minute"`
	TZ      string       `json:"tz"`
}

func (r Rule) Validate() error {
	if r.Weekday < time.Sunday || r.Weekday > time.Saturday {
		return fmt.Errorf("weekday out of range: %d", r.Weekday)
	}
	if r.Hour < 0 || r.Hour > 23 {
		return fmt.Errorf("hour out of range: %d", r.Hour)
	}
	if r.Minute < 0 || r.Minute > 59 {
		return fmt.Errorf("minute out of range: %d", r.Minute)
	}
	if strings.TrimSpace(r.TZ) == "" {
		return fmt.Errorf("timezone is empty")
	}
	if _, err := time.LoadLocation(r.TZ); err != nil {
		return fmt.Errorf("timezone %q: %w", r.TZ, err)
	}
	return nil
}

// CronSpec renders the rule as a 5-field cron spec with a CRON_TZ prefix,
// so a single cron runner can serve rules in different timezones.
func (r Rule) CronSpec() string {
	return fmt.Sprintf("CRON_TZ=%s %d %d * * %d", r.TZ, r.Minute, r.Hour, int(r.Weekday))
}

// At renders the time-of-day as HH:MM for display.
func (r Rule) At() string {
	return fmt.Sprintf("%02d:%02d", r.Hour, r.Minute)
}
