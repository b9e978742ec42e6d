package vpt

// Mode selects one of the four tick-delivery policies governing how
// ticks missed while a vCPU was descheduled get replayed. It is read on
// every decision point as a small load of guest configuration; a racy
// read across a concurrent mode change is acceptable since mode changes
// are an administrative operation, not a per-tick one.
type Mode int

const (
	// ModeDefault applies no special missed-tick compensation: ticks
	// accumulate in pending_intr_nr and drain one-for-one on ack.
	ModeDefault Mode = iota
	// ModeDelayForMissedTicks freezes guest time across a save/restore
	// cycle and, on ack, never lets guest time fall behind the last
	// injected tick.
	ModeDelayForMissedTicks
	// ModeNoMissedTicksPending does not count a fire while no tick is
	// outstanding, instead leaving the timer running across the next
	// save (do_not_freeze); fires behind an outstanding tick are counted.
	ModeNoMissedTicksPending
	// ModeOneMissedTickPending collapses all missed ticks into a single
	// pending tick on acknowledgement.
	ModeOneMissedTickPending
)

func (m Mode) String() string {
	switch m {
	case ModeDelayForMissedTicks:
		return "delay_for_missed_ticks"
	case ModeNoMissedTicksPending:
		return "no_missed_ticks_pending"
	case ModeOneMissedTickPending:
		return "one_missed_tick_pending"
	default:
		return "default"
	}
}

// ParseMode converts the YAML/config spelling of a mode into a Mode,
// defaulting to ModeDefault for an unrecognized or empty string.
func ParseMode(s string) Mode {
	switch s {
	case "delay_for_missed_ticks":
		return ModeDelayForMissedTicks
	case "no_missed_ticks_pending":
		return ModeNoMissedTicksPending
	case "one_missed_tick_pending":
		return ModeOneMissedTickPending
	default:
		return ModeDefault
	}
}

// processMissedTicks folds ticks an entry has fallen behind host time
// into pendingIntrNr (or, under ModeNoMissedTicksPending, suppresses
// the increment and arranges for save to leave the timer running
// instead), and advances scheduled past now.
//
// This is called from the host-timer callback for every mode except
// ModeNoMissedTicksPending (after pendingIntrNr has already been
// incremented unconditionally), and from Restore for every mode. Under
// ModeNoMissedTicksPending the callback does its own catch-up in
// TimerEntry.fire and does not call this routine.
func processMissedTicks(e *TimerEntry, mode Mode, now nanoTime) {
	if e.oneShot {
		return
	}

	missed := now - e.scheduled
	if missed <= 0 {
		return
	}

	ticks := missed/e.period + 1

	if mode == ModeNoMissedTicksPending {
		e.doNotFreeze = e.pendingIntrNr == 0
	} else {
		e.pendingIntrNr += int(ticks)
	}
	e.scheduled += ticks * e.period
}
