package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"groupcast/internal/domain"
)

// DailySchedule returns the cron schedule firing every day at the rule's
// HH:MM in loc.
func DailySchedule(at string, loc *time.Location) (cron.Schedule, error) {
	h, m, err := domain.ParseClock(at)
	if err != nil {
		return nil, err
	}
	s, err := cron.ParseStandard(fmt.Sprintf("%d %d * * *", m, h))
	if err != nil {
		return nil, err
	}
	if spec, ok := s.(*cron.SpecSchedule); ok && loc != nil {
		spec.Location = loc
	}
	return s, nil
}

// ValidateRule reports whether a rule can be scheduled.
func ValidateRule(r domain.ScheduleRule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.Kind == domain.RuleDaily {
		if _, err := DailySchedule(r.At, time.UTC); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrValidation, err)
		}
	}
	return nil
}

// NextRunTime calculates when a rule fires next.
//
// Interval rules fire immediately when lastDone is zero, then exactly one
// interval after the previous attempt completed. Daily rules fire now when
// the wall clock is inside the target minute and nothing fired in that
// minute yet, otherwise at the next occurrence after now.
func NextRunTime(r domain.ScheduleRule, lastDone, now time.Time, loc *time.Location) (time.Time, error) {
	switch r.Kind {
	case domain.RuleInterval:
		if lastDone.IsZero() {
			return now, nil
		}
		return lastDone.Add(time.Duration(r.Every) * time.Minute), nil
	case domain.RuleDaily:
		s, err := DailySchedule(r.At, loc)
		if err != nil {
			return time.Time{}, err
		}
		minute := minuteStart(now, loc)
		if inTargetMinute(r, now, loc) && lastDone.Before(minute) {
			return now, nil
		}
		return s.Next(now), nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown schedule kind %q", domain.ErrValidation, r.Kind)
	}
}

// inTargetMinute reports whether now falls in the daily rule's HH:MM.
func inTargetMinute(r domain.ScheduleRule, now time.Time, loc *time.Location) bool {
	h, m, err := domain.ParseClock(r.At)
	if err != nil {
		return false
	}
	local := now.In(location(loc))
	return local.Hour() == h && local.Minute() == m
}

func minuteStart(now time.Time, loc *time.Location) time.Time {
	local := now.In(location(loc))
	return time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), local.Minute(), 0, 0, local.Location())
}

func location(loc *time.Location) *time.Location {
	if loc == nil {
		return time.Local
	}
	return loc
}
