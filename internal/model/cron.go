package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ParseCron parses a standard 5 field cron expression or a macro (@daily, @every 1h)
// and returns the schedule, or an error if it fails.
func ParseCron(expr string) (cron.Schedule, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return nil, fmt.Errorf("empty cron expression")
	}

	// Macros / @every handled by ParseStandard (it also supports plain 5-field specs).
	if strings.HasPrefix(e, "@") {
		return cron.ParseStandard(e)
	}
	parser5 := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser5.Parse(e)
}

// CronInterval returns the distance between the two next activations of expr.
func CronInterval(expr string, now time.Time) (time.Duration, error) {
	schedule, err := ParseCron(expr)
	if err != nil {
		return 0, err
	}
	next1 := schedule.Next(now)
	next2 := schedule.Next(next1)
	return next2.Sub(next1), nil
}
