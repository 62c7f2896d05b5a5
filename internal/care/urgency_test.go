package care

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func ptr[T any](v T) *T { return &v }

func TestClassifyUnknownWithoutLastCare(t *testing.T) {
	for _, sched := range []string{"every_4_weeks", "weekly", "garbage", ""} {
		for _, now := range []time.Time{day(2020, 1, 1), day(2024, 6, 15), time.Now()} {
			st := Classify(CareState{Schedule: sched, Now: now}, DefaultThresholds())
			assert.Equal(t, UrgencyUnknown, st.Urgency)
			assert.Nil(t, st.DaysUntilDue)
			assert.Nil(t, st.DueAt)
		}
	}

	zero := time.Time{}
	st := Classify(CareState{LastCareAt: &zero, Schedule: "weekly", Now: day(2024, 1, 1)}, DefaultThresholds())
	assert.Equal(t, UrgencyUnknown, st.Urgency)
}

func TestClassifyBuckets(t *testing.T) {
	last := day(2024, 1, 1) // due 2024-01-29 on a four week cadence
	th := Thresholds{DueSoonDays: 3}

	tests := []struct {
		name string
		now  time.Time
		want UrgencyLevel
		days int
	}{
		{"well before", day(2024, 1, 10), UrgencyHealthy, 19},
		{"one past the window", day(2024, 1, 25), UrgencyHealthy, 4},
		{"window edge", day(2024, 1, 26), UrgencyDueSoon, 3},
		{"inside window", day(2024, 1, 28), UrgencyDueSoon, 1},
		{"due day", day(2024, 1, 29), UrgencyDueToday, 0},
		{"due day late evening", time.Date(2024, 1, 29, 23, 59, 0, 0, time.UTC), UrgencyDueToday, 0},
		{"one day late", day(2024, 1, 30), UrgencyOverdue, -1},
		{"a week late", day(2024, 2, 5), UrgencyOverdue, -7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := Classify(CareState{LastCareAt: &last, Schedule: "every_4_weeks", Now: tt.now}, th)
			assert.Equal(t, tt.want, st.Urgency)
			require.NotNil(t, st.DaysUntilDue)
			assert.Equal(t, tt.days, *st.DaysUntilDue)
			require.NotNil(t, st.DueAt)
			assert.Equal(t, day(2024, 1, 29), *st.DueAt)
		})
	}
}

func TestClassifyDueSoonBoundaryIsInclusive(t *testing.T) {
	for _, soon := range []int{0, 1, 3, 7} {
		last := day(2024, 3, 1)
		due := last.AddDate(0, 0, 14)
		th := Thresholds{DueSoonDays: soon}

		atEdge := Classify(CareState{LastCareAt: &last, Schedule: "every_2_weeks", Now: due.AddDate(0, 0, -soon)}, th)
		pastEdge := Classify(CareState{LastCareAt: &last, Schedule: "every_2_weeks", Now: due.AddDate(0, 0, -soon-1)}, th)

		if soon == 0 {
			assert.Equal(t, UrgencyDueToday, atEdge.Urgency)
		} else {
			assert.Equal(t, UrgencyDueSoon, atEdge.Urgency, "delta == dueSoonDays (%d)", soon)
		}
		assert.Equal(t, UrgencyHealthy, pastEdge.Urgency, "delta == dueSoonDays+1 (%d)", soon)
	}
}

func TestClassifyIsStable(t *testing.T) {
	last := day(2024, 1, 1)
	state := CareState{LastCareAt: &last, Schedule: "monthly", Now: day(2024, 1, 27)}
	before := state

	first := Classify(state, DefaultThresholds())
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Classify(state, DefaultThresholds()))
	}
	assert.Equal(t, before, state)
	assert.Equal(t, day(2024, 1, 1), last)
}

func TestClassifyUnrecognisedSchedule(t *testing.T) {
	last := day(2024, 1, 1)

	st := Classify(CareState{LastCareAt: &last, Schedule: "when it looks sad", Now: day(2024, 1, 29)}, DefaultThresholds())
	assert.False(t, st.ScheduleRecognised)
	assert.Equal(t, 28, st.Interval.Days())
	assert.Equal(t, UrgencyDueToday, st.Urgency)

	th := Thresholds{DueSoonDays: 3, DefaultInterval: 14}
	st = Classify(CareState{LastCareAt: &last, Schedule: "when it looks sad", Now: day(2024, 1, 15)}, th)
	assert.Equal(t, 14, st.Interval.Days())
	assert.Equal(t, UrgencyDueToday, st.Urgency)
}

func TestClassifyEndToEnd(t *testing.T) {
	last := day(2024, 1, 1)

	st := Classify(CareState{LastCareAt: &last, Schedule: "every_4_weeks", Now: day(2024, 1, 29)}, DefaultThresholds())
	assert.Equal(t, UrgencyDueToday, st.Urgency)
	assert.Equal(t, ptr(0), st.DaysUntilDue)

	st = Classify(CareState{LastCareAt: &last, Schedule: "every_4_weeks", Now: day(2024, 2, 5)}, DefaultThresholds())
	assert.Equal(t, UrgencyOverdue, st.Urgency)
	assert.Equal(t, ptr(-7), st.DaysUntilDue)
}

func TestUrgencyOrderingAndText(t *testing.T) {
	order := []UrgencyLevel{UrgencyUnknown, UrgencyHealthy, UrgencyDueSoon, UrgencyDueToday, UrgencyOverdue}
	for i := 1; i < len(order); i++ {
		assert.True(t, order[i].MoreSevere(order[i-1]))
		assert.False(t, order[i-1].MoreSevere(order[i]))
	}

	data, err := json.Marshal(map[string]UrgencyLevel{"u": UrgencyDueSoon})
	require.NoError(t, err)
	assert.JSONEq(t, `{"u":"due_soon"}`, string(data))

	var decoded map[string]UrgencyLevel
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, UrgencyDueSoon, decoded["u"])

	_, err = ParseUrgency("panic")
	assert.Error(t, err)
	assert.Equal(t, "UrgencyLevel(42)", UrgencyLevel(42).String())
}

func TestLogRequestValidate(t *testing.T) {
	ok := LogRequest{PlantInstanceID: 1, Type: EventFertilize, CareDate: day(2024, 1, 1)}
	assert.NoError(t, ok.Validate())

	bad := []LogRequest{
		{Type: EventFertilize, CareDate: day(2024, 1, 1)},
		{PlantInstanceID: 1, Type: "sing", CareDate: day(2024, 1, 1)},
		{PlantInstanceID: 1, Type: EventWater},
	}
	for _, r := range bad {
		assert.ErrorIs(t, r.Validate(), ErrInvalidEvent)
	}
}

func TestClampCareDate(t *testing.T) {
	now := day(2024, 1, 10)

	got, clamped := ClampCareDate(now.Add(10*time.Minute), now, time.Hour)
	assert.False(t, clamped)
	assert.Equal(t, now.Add(10*time.Minute), got)

	got, clamped = ClampCareDate(now.Add(48*time.Hour), now, time.Hour)
	assert.True(t, clamped)
	assert.Equal(t, now, got)
}
