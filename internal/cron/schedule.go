package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ParseCronExpr validates a cron expression eagerly, at add_job time, so a
// malformed schedule never reaches the store.
func ParseCronExpr(expr string) error {
	_, err := cronParser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// next computes the job's next fire time (in epoch milliseconds) after now,
// and whether the schedule has a next fire time at all ("at" schedules have
// none once passed).
func next(sched Schedule, now time.Time) (int64, bool, error) {
	switch sched.Kind {
	case ScheduleAt:
		at := time.UnixMilli(sched.AtMs)
		if now.After(at) {
			return 0, false, nil
		}
		return sched.AtMs, true, nil
	case ScheduleEvery:
		if sched.IntervalMs <= 0 {
			return 0, false, fmt.Errorf("every schedule missing interval_ms")
		}
		return now.Add(time.Duration(sched.IntervalMs) * time.Millisecond).UnixMilli(), true, nil
	case ScheduleCron:
		if strings.TrimSpace(sched.Expr) == "" {
			return 0, false, fmt.Errorf("cron schedule missing expr")
		}
		loc := now.Location()
		if sched.Tz != "" {
			if tz, err := time.LoadLocation(sched.Tz); err == nil {
				loc = tz
			}
		}
		parsed, err := cronParser.Parse(sched.Expr)
		if err != nil {
			return 0, false, fmt.Errorf("parse cron expression: %w", err)
		}
		nextAt := parsed.Next(now.In(loc))
		if nextAt.IsZero() {
			return 0, false, nil
		}
		return nextAt.UnixMilli(), true, nil
	default:
		return 0, false, fmt.Errorf("unknown schedule kind %q", sched.Kind)
	}
}
