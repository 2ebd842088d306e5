package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dialcast/internal/apperrors"
	"dialcast/internal/config"
	"dialcast/internal/database"
)

func TestNextOccurrence(t *testing.T) {
	from := time.Date(2026, 8, 19, 14, 30, 0, 0, time.UTC)

	next, err := NextOccurrence(from, &database.Recurrence{Frequency: database.FreqDaily, Interval: 1})
	require.NoError(t, err)
	assert.Equal(t, from.AddDate(0, 0, 1), next)

	next, err = NextOccurrence(from, &database.Recurrence{Frequency: database.FreqWeekly, Interval: 2})
	require.NoError(t, err)
	assert.Equal(t, from.AddDate(0, 0, 14), next)

	next, err = NextOccurrence(from, &database.Recurrence{Frequency: database.FreqMonthly, Interval: 1})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 9, 19, 14, 30, 0, 0, time.UTC), next)

	// Zero interval is treated as one
	next, err = NextOccurrence(from, &database.Recurrence{Frequency: database.FreqDaily})
	require.NoError(t, err)
	assert.Equal(t, from.AddDate(0, 0, 1), next)

	_, err = NextOccurrence(from, &database.Recurrence{Frequency: "hourly"})
	assert.True(t, apperrors.IsKind(err, apperrors.Validation))
}

func TestNextOccurrenceMonthEnd(t *testing.T) {
	// Jan 31 + 1 month normalizes past the short February
	from := time.Date(2026, 1, 31, 10, 0, 0, 0, time.UTC)
	next, err := NextOccurrence(from, &database.Recurrence{Frequency: database.FreqMonthly, Interval: 1})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC), next)
}

func TestValidateRecurrence(t *testing.T) {
	one := 1
	zero := 0

	assert.NoError(t, validateRecurrence(&database.Recurrence{Frequency: database.FreqDaily, Interval: 1}))
	assert.NoError(t, validateRecurrence(&database.Recurrence{Frequency: database.FreqMonthly, MaxOccurrences: &one}))

	err := validateRecurrence(&database.Recurrence{Frequency: "yearly"})
	assert.Equal(t, "INVALID_FREQUENCY", apperrors.CodeOf(err))

	err = validateRecurrence(&database.Recurrence{Frequency: database.FreqDaily, Interval: -1})
	assert.Equal(t, "INVALID_INTERVAL", apperrors.CodeOf(err))

	err = validateRecurrence(&database.Recurrence{Frequency: database.FreqDaily, MaxOccurrences: &zero})
	assert.Equal(t, "INVALID_MAX_OCCURRENCES", apperrors.CodeOf(err))
}

func TestEffectiveBusinessHoursDefaults(t *testing.T) {
	s := &Service{cfg: config.SchedulerConfig{
		DefaultTimezone:    "UTC",
		BusinessHoursStart: "09:00",
		BusinessHoursEnd:   "18:00",
	}}

	bh := s.effectiveBusinessHours(nil)
	require.NotNil(t, bh)
	assert.Equal(t, "09:00", bh.Start)
	assert.Equal(t, "18:00", bh.End)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, bh.DaysOfWeek)

	// A caller-supplied policy passes through untouched
	own := &database.BusinessHours{Start: "10:00", End: "14:00"}
	assert.Same(t, own, s.effectiveBusinessHours(own))
}

func TestDefaultBusinessHoursAdjustment(t *testing.T) {
	s := &Service{cfg: config.SchedulerConfig{
		DefaultTimezone:    "UTC",
		BusinessHoursStart: "09:00",
		BusinessHoursEnd:   "18:00",
	}}
	bh := s.effectiveBusinessHours(nil)

	// Saturday evening rolls to Monday opening under the default window
	sat := time.Date(2026, 8, 22, 20, 0, 0, 0, time.UTC)
	adjusted := AdjustToBusinessHours(sat, bh, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC), adjusted)

	// A weekday time inside the window is untouched
	wed := time.Date(2026, 8, 19, 11, 0, 0, 0, time.UTC)
	assert.Equal(t, wed, AdjustToBusinessHours(wed, bh, time.UTC))
}
