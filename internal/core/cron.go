package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron ensures the expression is a valid 5-field cron definition and returns the underlying schedule.
func ParseCron(expr string) (cron.Schedule, error) {
	if strings.HasPrefix(strings.TrimSpace(expr), "@") {
		return nil, fmt.Errorf("only 5-field cron expressions are supported")
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// NextRunAt computes when a routine runs next after a successful run at t.
// Manual routines are never rescheduled.
func NextRunAt(freq Frequency, t time.Time) *time.Time {
	var d time.Duration
	switch freq {
	case FrequencyAuto:
		d = 6 * time.Hour
	case FrequencyDaily:
		d = 24 * time.Hour
	case FrequencyWeekly:
		d = 7 * 24 * time.Hour
	default:
		return nil
	}
	next := t.Add(d)
	return &next
}
