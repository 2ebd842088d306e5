package dialer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerLifecycle(t *testing.T) {
	tr := NewActiveCallTracker()
	campaignID := "c1"

	tr.Add(&ActiveCall{
		CallLogID:  "log-1",
		CampaignID: campaignID,
		CallID:     "call-1",
		LeaseToken: "pre-token",
		PreDial:    true,
	})

	got := tr.Get("log-1")
	require.NotNil(t, got)
	assert.True(t, got.PreDial)
	assert.Equal(t, 1, tr.Count())
	assert.Equal(t, map[string]int{"c1": 1}, tr.CountByCampaign())

	tr.LinkVendorID("log-1", "CA123")
	byVendor := tr.GetByVendorID("CA123")
	require.NotNil(t, byVendor)
	assert.Equal(t, "log-1", byVendor.CallLogID)

	tr.MarkActive("log-1", "active-token")
	got = tr.Get("log-1")
	assert.False(t, got.PreDial)
	assert.Equal(t, "active-token", got.LeaseToken)

	tr.Remove("log-1")
	assert.Nil(t, tr.Get("log-1"))
	assert.Nil(t, tr.GetByVendorID("CA123"))
	assert.Equal(t, 0, tr.Count())
}

func TestTrackerGetStale(t *testing.T) {
	tr := NewActiveCallTracker()
	tr.Add(&ActiveCall{CallLogID: "old", StartTime: time.Now().Add(-time.Hour)})
	tr.Add(&ActiveCall{CallLogID: "fresh", StartTime: time.Now()})

	stale := tr.GetStale(30 * time.Minute)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].CallLogID)
}
