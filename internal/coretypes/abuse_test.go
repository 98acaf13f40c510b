package coretypes

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAbuseLedgerBelowCapNeverTrips(t *testing.T) {
	l := NewAbuseLedger()
	base := time.Unix(1000, 0)
	for i := 0; i < AbuseLedgerCap-1; i++ {
		require.False(t, l.Record(base.Add(time.Duration(i)*time.Millisecond)))
	}
	require.Equal(t, AbuseLedgerCap-1, l.Len())
}

func TestAbuseLedgerTripsAtCapWithinWindow(t *testing.T) {
	l := NewAbuseLedger()
	base := time.Unix(1000, 0)
	for i := 0; i < AbuseLedgerCap-1; i++ {
		l.Record(base.Add(time.Duration(i) * time.Second))
	}
	// 29th entry, oldest is 28s old: well inside the window
	require.True(t, l.Record(base.Add(28*time.Second)))
}

func TestAbuseLedgerAtCapWithOldestOutsideWindowDoesNotTrip(t *testing.T) {
	l := NewAbuseLedger()
	base := time.Unix(1000, 0)
	l.Record(base)
	for i := 1; i < AbuseLedgerCap-1; i++ {
		l.Record(base.Add(time.Duration(i) * time.Millisecond))
	}
	// 29th entry exactly AbuseWindow after the oldest: >= 60s old, no trip
	require.False(t, l.Record(base.Add(AbuseWindow)))
}

func TestAbuseLedgerEvictsOldestAtCap(t *testing.T) {
	l := NewAbuseLedger()
	base := time.Unix(1000, 0)
	for i := 0; i < AbuseLedgerCap; i++ {
		l.Record(base.Add(time.Duration(i) * time.Second))
	}
	require.Equal(t, AbuseLedgerCap, l.Len())

	l.Record(base.Add(100 * time.Second))
	require.Equal(t, AbuseLedgerCap, l.Len())
	require.Equal(t, base.Add(1*time.Second), l.Oldest())
}
