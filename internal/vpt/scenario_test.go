package vpt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestDeviceLifecycleScenario exercises a full save/restore/reset cycle
// against a periodic ISA entry the way a device model driving a
// save-state/migrate sequence would, as a single higher-level
// integration check above the unit tests in vpt_test.go.
func TestDeviceLifecycleScenario(t *testing.T) {
	set, wheel, clock, sched, plat := newTestSet(ModeDelayForMissedTicks)
	clock.SetGuestTime(0, 1000)

	var entry TimerEntry
	set.CreatePeriodicTime(&entry, time.Millisecond, SourceISA, 2, false, func(int, any) {}, nil)
	require.NotNil(t, entry.owner.Load(), "entry should be owned by the set after create")

	h := lastHandle(wheel)
	h.fire()
	require.Equal(t, 1, entry.pendingIntrNr)

	set.Save()
	require.False(t, entry.doNotFreeze)

	set.Restore()

	set.Reset()
	require.Equal(t, 0, entry.pendingIntrNr, "reset clears pending interrupts")
	require.Equal(t, clock.GuestTimeNow(0), entry.lastPltGtime)

	set.Migrate(3)
	h2 := lastHandle(wheel)
	require.Equal(t, 3, h2.cpu)

	require.False(t, plat.picMasked)
	require.True(t, sched != nil)
}
