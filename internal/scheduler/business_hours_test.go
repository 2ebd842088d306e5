package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"dialcast/internal/database"
)

// Monday through Friday, 09:00-18:00
func weekdayHours() *database.BusinessHours {
	return &database.BusinessHours{
		Start:      "09:00",
		End:        "18:00",
		DaysOfWeek: []int{1, 2, 3, 4, 5},
	}
}

func TestAdjustToBusinessHours(t *testing.T) {
	bh := weekdayHours()
	// Wednesday
	base := time.Date(2026, 8, 19, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{
			name: "within hours unchanged",
			in:   base.Add(11 * time.Hour),
			want: base.Add(11 * time.Hour),
		},
		{
			name: "before opening snaps to opening",
			in:   base.Add(7 * time.Hour),
			want: base.Add(9 * time.Hour),
		},
		{
			name: "after closing rolls to next day opening",
			in:   base.Add(20 * time.Hour),
			want: base.AddDate(0, 0, 1).Add(9 * time.Hour),
		},
		{
			name: "friday evening rolls past the weekend",
			in:   time.Date(2026, 8, 21, 19, 0, 0, 0, time.UTC),
			want: time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "saturday rolls to monday opening",
			in:   time.Date(2026, 8, 22, 12, 0, 0, 0, time.UTC),
			want: time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := AdjustToBusinessHours(tc.in, bh, time.UTC)
			assert.True(t, got.Equal(tc.want), "got %v, want %v", got, tc.want)
		})
	}
}

func TestAdjustToBusinessHoursNilPolicy(t *testing.T) {
	in := time.Date(2026, 8, 22, 3, 0, 0, 0, time.UTC)
	assert.True(t, AdjustToBusinessHours(in, nil, time.UTC).Equal(in))
}

func TestAdjustToBusinessHoursTimezone(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatal(err)
	}
	bh := weekdayHours()
	bh.Timezone = "America/New_York"

	// 08:00 UTC on a Wednesday is 04:00 in New York, before opening
	in := time.Date(2026, 8, 19, 8, 0, 0, 0, time.UTC)
	want := time.Date(2026, 8, 19, 9, 0, 0, 0, ny)
	got := AdjustToBusinessHours(in, bh, time.UTC)
	assert.True(t, got.Equal(want), "got %v, want %v", got, want)
}

func TestAdjustToBusinessHoursEmptyDays(t *testing.T) {
	// No day restriction: every day is allowed
	bh := &database.BusinessHours{Start: "09:00", End: "18:00"}
	in := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC) // Sunday
	assert.True(t, AdjustToBusinessHours(in, bh, time.UTC).Equal(in))
}

func TestWithinBusinessHours(t *testing.T) {
	bh := weekdayHours()
	assert.True(t, WithinBusinessHours(time.Date(2026, 8, 19, 12, 0, 0, 0, time.UTC), bh, time.UTC))
	assert.False(t, WithinBusinessHours(time.Date(2026, 8, 19, 22, 0, 0, 0, time.UTC), bh, time.UTC))
	assert.False(t, WithinBusinessHours(time.Date(2026, 8, 22, 12, 0, 0, 0, time.UTC), bh, time.UTC))
}

func TestParseClock(t *testing.T) {
	h, m := parseClock("08:30", 9, 0)
	assert.Equal(t, 8, h)
	assert.Equal(t, 30, m)

	// Malformed input falls back to the defaults
	h, m = parseClock("8:30", 9, 0)
	assert.Equal(t, 9, h)
	assert.Equal(t, 0, m)
	h, m = parseClock("25:00", 9, 0)
	assert.Equal(t, 9, h)
	assert.Equal(t, 0, m)
}
