// Package care classifies plant instances by how urgently they need care
// and folds those classifications into dashboard views.
//
// Everything in this package is a pure function of its inputs. There is no
// shared state, so any number of callers may classify concurrently.
package care

import (
	"fmt"
	"time"

	"github.com/verdant/plantcare/internal/schedule"
)

// UrgencyLevel is ordered by severity: a larger value is more urgent.
type UrgencyLevel int

const (
	UrgencyUnknown UrgencyLevel = iota
	UrgencyHealthy
	UrgencyDueSoon
	UrgencyDueToday
	UrgencyOverdue
)

var urgencyNames = map[UrgencyLevel]string{
	UrgencyUnknown:  "unknown",
	UrgencyHealthy:  "healthy",
	UrgencyDueSoon:  "due_soon",
	UrgencyDueToday: "due_today",
	UrgencyOverdue:  "overdue",
}

func (u UrgencyLevel) String() string {
	if s, ok := urgencyNames[u]; ok {
		return s
	}
	return fmt.Sprintf("UrgencyLevel(%d)", int(u))
}

// MarshalText encodes the level by name.
func (u UrgencyLevel) MarshalText() ([]byte, error) {
	if _, ok := urgencyNames[u]; !ok {
		return nil, fmt.Errorf("invalid urgency level %d", int(u))
	}
	return []byte(u.String()), nil
}

// UnmarshalText decodes a level name.
func (u *UrgencyLevel) UnmarshalText(text []byte) error {
	level, err := ParseUrgency(string(text))
	if err != nil {
		return err
	}
	*u = level
	return nil
}

// ParseUrgency returns the level with the given name.
func ParseUrgency(s string) (UrgencyLevel, error) {
	for level, name := range urgencyNames {
		if name == s {
			return level, nil
		}
	}
	return UrgencyUnknown, fmt.Errorf("unknown urgency %q", s)
}

// MoreSevere reports whether u is strictly more urgent than other.
func (u UrgencyLevel) MoreSevere(other UrgencyLevel) bool {
	return u > other
}

// DefaultDueSoonDays is the width of the due-soon window.
const DefaultDueSoonDays = 3

// Thresholds configure the classifier.
type Thresholds struct {
	// DueSoonDays is inclusive: a plant due in exactly DueSoonDays days is
	// due_soon, one day later it is healthy.
	DueSoonDays int

	// DefaultInterval replaces schedule.DefaultInterval for unrecognised
	// cadences. Zero means schedule.DefaultInterval.
	DefaultInterval schedule.Interval
}

// DefaultThresholds returns the classifier defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DueSoonDays:     DefaultDueSoonDays,
		DefaultInterval: schedule.DefaultInterval,
	}
}

// CareState is the classifier input for one plant instance.
type CareState struct {
	LastCareAt *time.Time
	Schedule   string // raw cadence as stored
	Now        time.Time
}

// Status is the classifier output.
type Status struct {
	Urgency      UrgencyLevel      `json:"urgency"`
	DaysUntilDue *int              `json:"days_until_due,omitempty"` // negative when overdue
	DueAt        *time.Time        `json:"due_at,omitempty"`
	Interval     schedule.Interval `json:"interval_days"`

	// ScheduleRecognised is false when the cadence fell back to the
	// default interval. Callers log this; it is not an error.
	ScheduleRecognised bool `json:"schedule_recognised"`
}

// Classify derives the urgency of a single plant. It never mutates its
// inputs and returns equal results for equal inputs.
func Classify(state CareState, th Thresholds) Status {
	iv, ok := schedule.Lookup(state.Schedule)
	if !ok {
		iv = schedule.NormalizeWithDefault(state.Schedule, th.DefaultInterval)
	}
	st := Status{
		Urgency:            UrgencyUnknown,
		Interval:           iv,
		ScheduleRecognised: ok,
	}
	if state.LastCareAt == nil || state.LastCareAt.IsZero() {
		return st
	}

	dueAt := schedule.NextDue(*state.LastCareAt, iv)
	delta := schedule.DaysBetween(state.Now, dueAt)
	st.DueAt = &dueAt
	st.DaysUntilDue = &delta

	soon := th.DueSoonDays
	if soon < 0 {
		soon = 0
	}

	switch {
	case delta < 0:
		st.Urgency = UrgencyOverdue
	case delta == 0:
		st.Urgency = UrgencyDueToday
	case delta <= soon:
		st.Urgency = UrgencyDueSoon
	default:
		st.Urgency = UrgencyHealthy
	}
	return st
}
