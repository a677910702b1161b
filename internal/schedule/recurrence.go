package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"work-orchestrator/internal/models"
)

// Advance policies selectable through SCHEDULE_ADVANCE.
const (
	AdvanceFrequency = "frequency"
	AdvanceNone      = "none"
)

// ErrUnknownFrequency is returned when a schedule's frequency has no recurrence rule.
var ErrUnknownFrequency = errors.New("unknown schedule frequency")

// Advancer computes the next_run_at written after a successful run.
// A nil time means next_run_at is left unchanged.
type Advancer interface {
	Next(s models.Schedule, now time.Time) (*time.Time, error)
}

// NewAdvancer returns the advancer for policy.
func NewAdvancer(policy string) (Advancer, error) {
	switch policy {
	case AdvanceFrequency, "":
		return frequencyAdvancer{}, nil
	case AdvanceNone:
		return noAdvance{}, nil
	default:
		return nil, fmt.Errorf("unknown schedule advance policy %q", policy)
	}
}

type noAdvance struct{}

func (noAdvance) Next(models.Schedule, time.Time) (*time.Time, error) {
	return nil, nil
}

// frequencyAdvancer moves next_run_at to the first occurrence after now, in UTC.
type frequencyAdvancer struct{}

func (frequencyAdvancer) Next(s models.Schedule, now time.Time) (*time.Time, error) {
	now = now.UTC()
	freq := strings.ToLower(strings.TrimSpace(s.Frequency))

	if freq == "biweekly" {
		next := s.NextRunAt.UTC()
		for !next.After(now) {
			next = next.AddDate(0, 0, 14)
		}
		return &next, nil
	}

	spec, err := cronSpec(s, freq)
	if err != nil {
		return nil, err
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse recurrence %q: %w", spec, err)
	}
	next := sched.Next(now)
	if next.IsZero() {
		return nil, fmt.Errorf("recurrence %q has no future occurrence", spec)
	}
	return &next, nil
}

func cronSpec(s models.Schedule, freq string) (string, error) {
	hour, minute, err := parseTimeOfDay(s.TimeOfDay)
	if err != nil {
		return "", err
	}
	switch freq {
	case "hourly":
		return fmt.Sprintf("%d * * * *", minute), nil
	case "daily":
		return fmt.Sprintf("%d %d * * *", minute, hour), nil
	case "weekly":
		dow := int(s.NextRunAt.UTC().Weekday())
		if s.DayOfWeek != nil {
			dow = *s.DayOfWeek
		}
		if dow < 0 || dow > 6 {
			return "", fmt.Errorf("day_of_week %d out of range", dow)
		}
		return fmt.Sprintf("%d %d * * %d", minute, hour, dow), nil
	case "monthly":
		return fmt.Sprintf("%d %d %d * *", minute, hour, s.NextRunAt.UTC().Day()), nil
	}
	if len(strings.Fields(freq)) == 5 {
		return freq, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFrequency, s.Frequency)
}

// parseTimeOfDay accepts HH:MM or HH:MM:SS. Empty means midnight.
func parseTimeOfDay(v string) (hour, minute int, err error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, 0, nil
	}
	parts := strings.Split(v, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, 0, fmt.Errorf("invalid time_of_day %q", v)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid time_of_day %q", v)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid time_of_day %q", v)
	}
	return hour, minute, nil
}
