package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyFor(t *testing.T) {
	p, ok := PolicyFor("no_answer")
	require.True(t, ok)
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 5*time.Minute, p.BaseDelay)

	p, ok = PolicyFor("call_rejected")
	require.True(t, ok)
	assert.Equal(t, 1, p.MaxAttempts)

	// Terminal failure classes have no policy
	for _, reason := range []string{"invalid_number", "blocked", "compliance_block", "unknown"} {
		_, ok := PolicyFor(reason)
		assert.False(t, ok, reason)
	}
}

func TestNextAttemptTimeBackoff(t *testing.T) {
	m := &Manager{loc: time.UTC}
	policy := Policy{MaxAttempts: 3, BaseDelay: 5 * time.Minute, Multiplier: 2}

	// Wednesday morning, well inside the off-peak window
	now := time.Date(2026, 8, 19, 10, 0, 0, 0, time.UTC)

	// Attempt 2: 5m * 2 = 10m, +/-10% jitter
	got := m.NextAttemptTime(policy, 2, now)
	assert.False(t, got.Before(now.Add(9*time.Minute)), "got %v", got)
	assert.False(t, got.After(now.Add(11*time.Minute)), "got %v", got)

	// Attempt 3 lands later than attempt 2's latest possible time
	got3 := m.NextAttemptTime(policy, 3, now)
	assert.True(t, got3.After(now.Add(11*time.Minute)), "got %v", got3)
}

func TestNextAttemptTimeClampsToOffPeak(t *testing.T) {
	m := &Manager{loc: time.UTC}
	policy := Policy{MaxAttempts: 1, BaseDelay: time.Hour, Multiplier: 1}

	// Wednesday 15:30 + ~1h crosses the 16:00 boundary
	now := time.Date(2026, 8, 19, 15, 30, 0, 0, time.UTC)
	got := m.NextAttemptTime(policy, 1, now)
	assert.Equal(t, time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC), got)
}

func TestClampOffPeak(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{
			name: "within window unchanged",
			in:   time.Date(2026, 8, 19, 12, 0, 0, 0, time.UTC),
			want: time.Date(2026, 8, 19, 12, 0, 0, 0, time.UTC),
		},
		{
			name: "early morning snaps to ten",
			in:   time.Date(2026, 8, 19, 7, 0, 0, 0, time.UTC),
			want: time.Date(2026, 8, 19, 10, 0, 0, 0, time.UTC),
		},
		{
			name: "evening rolls to next day",
			in:   time.Date(2026, 8, 19, 16, 30, 0, 0, time.UTC),
			want: time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
		},
		{
			name: "saturday rolls to monday",
			in:   time.Date(2026, 8, 22, 12, 0, 0, 0, time.UTC),
			want: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
		},
		{
			name: "friday evening rolls to monday",
			in:   time.Date(2026, 8, 21, 17, 0, 0, 0, time.UTC),
			want: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ClampOffPeak(tc.in, time.UTC)
			assert.True(t, got.Equal(tc.want), "got %v, want %v", got, tc.want)
		})
	}
}
