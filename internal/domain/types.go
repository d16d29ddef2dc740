package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	// StatusDeleted is reported for removed tasks and is never persisted.
	StatusDeleted Status = "deleted"
)

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusRunning, StatusStopped:
		return true
	}
	return false
}

type RuleKind string

const (
	RuleInterval RuleKind = "interval"
	RuleDaily    RuleKind = "daily"
)

// ScheduleRule is either a repeat interval in whole minutes or a daily
// time of day. Exactly one of Every/At is meaningful, selected by Kind.
type ScheduleRule struct {
	Kind  RuleKind
	Every int    // minutes, RuleInterval only
	At    string // "HH:MM", RuleDaily only
}

func IntervalRule(minutes int) ScheduleRule {
	return ScheduleRule{Kind: RuleInterval, Every: minutes}
}

func DailyRule(at string) ScheduleRule {
	return ScheduleRule{Kind: RuleDaily, At: at}
}

func (r ScheduleRule) Validate() error {
	switch r.Kind {
	case RuleInterval:
		if r.Every < 1 {
			return fmt.Errorf("%w: interval must be at least 1 minute", ErrValidation)
		}
		return nil
	case RuleDaily:
		if _, _, err := ParseClock(r.At); err != nil {
			return err
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown schedule kind %q", ErrValidation, r.Kind)
	}
}

// Value is the persisted form of the rule: minutes for interval rules,
// "HH:MM" for daily rules.
func (r ScheduleRule) Value() string {
	if r.Kind == RuleInterval {
		return strconv.Itoa(r.Every)
	}
	return r.At
}

func (r ScheduleRule) String() string {
	if r.Kind == RuleInterval {
		return fmt.Sprintf("every %dm", r.Every)
	}
	return "daily at " + r.At
}

// ParseRule rebuilds a rule from its persisted kind and value.
func ParseRule(kind, value string) (ScheduleRule, error) {
	switch RuleKind(kind) {
	case RuleInterval:
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return ScheduleRule{}, fmt.Errorf("%w: interval %q is not a number", ErrValidation, value)
		}
		r := IntervalRule(n)
		return r, r.Validate()
	case RuleDaily:
		h, m, err := ParseClock(value)
		if err != nil {
			return ScheduleRule{}, err
		}
		return DailyRule(fmt.Sprintf("%02d:%02d", h, m)), nil
	default:
		return ScheduleRule{}, fmt.Errorf("%w: unknown schedule kind %q", ErrValidation, kind)
	}
}

// ParseClock parses a 24h "HH:MM" time of day.
func ParseClock(v string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(v))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: time %q must be HH:MM", ErrValidation, v)
	}
	return t.Hour(), t.Minute(), nil
}

type Task struct {
	ID         string
	Group      string
	Rule       ScheduleRule
	ImagePath  string
	Text       string
	TagMembers bool
	Status     Status
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TaskPatch carries the mutable fields of a task. Nil fields are left as is.
type TaskPatch struct {
	Group      *string
	Rule       *ScheduleRule
	Text       *string
	TagMembers *bool
}

func (p TaskPatch) Empty() bool {
	return p.Group == nil && p.Rule == nil && p.Text == nil && p.TagMembers == nil
}

func (p TaskPatch) Apply(t *Task) {
	if p.Group != nil {
		t.Group = *p.Group
	}
	if p.Rule != nil {
		t.Rule = *p.Rule
	}
	if p.Text != nil {
		t.Text = *p.Text
	}
	if p.TagMembers != nil {
		t.TagMembers = *p.TagMembers
	}
}

type Session struct {
	Phone     string
	APIID     int64
	APIHash   string
	Blob      []byte
	CreatedAt time.Time
}

type Attempt struct {
	ID         int64
	TaskID     string
	StartedAt  time.Time
	FinishedAt time.Time
	Success    bool
	Error      string
}
