package vpt

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// TimerEntry is one periodic or one-shot timer. Every field except
// those noted below is read and written exclusively under the owning
// VcpuTimerSet's lock; owner itself is an atomic pointer precisely so
// the stable-vcpu locking protocol can read it without holding any
// lock yet.
type TimerEntry struct {
	// id is a stable identity independent of slot reuse: the host timer
	// wheel closes over *TimerEntry directly, and destroy nils owner
	// before any storage could be reused, so an in-flight callback that
	// re-derefs after destroy simply observes owner==nil and exits.
	id uuid.UUID

	owner atomic.Pointer[VcpuTimerSet]

	source Source
	irq    uint8

	oneShot bool
	period  nanoTime // 0 iff oneShot

	periodCycles int64

	scheduled     nanoTime
	pendingIntrNr int
	lastPltGtime  int64

	irqIssued   bool
	doNotFreeze bool
	onList      bool

	cb   AckCallback
	priv any

	hostTimer TimerHandle
}

// ID exposes the entry's stable identity for logging/tracing.
func (e *TimerEntry) ID() uuid.UUID { return e.id }

// Source reports the immutable delivery family chosen at create.
func (e *TimerEntry) Source() Source { return e.source }

// lockStable reads the owning set, locks it, then re-verifies the
// entry wasn't re-homed (in this design: destroyed, i.e. owner set to
// nil) while the lock was being acquired. Returns nil if the entry has
// already been destroyed.
func (e *TimerEntry) lockStable() *VcpuTimerSet {
	for {
		set := e.owner.Load()
		if set == nil {
			return nil
		}
		set.mu.Lock()
		if e.owner.Load() == set {
			return set
		}
		set.mu.Unlock()
	}
}

// fire applies the host-timer-callback state transition to an entry
// already locked via lockStable. now is the host-monotonic time the
// callback observed. It returns the deadline to re-arm at, or false if
// the entry is one-shot and should not be re-armed.
func (e *TimerEntry) fire(mode Mode, now nanoTime) (nanoTime, bool) {
	if e.oneShot {
		e.pendingIntrNr++
		return 0, false
	}

	if mode == ModeNoMissedTicksPending {
		// This mode's fire handling is self-contained: whether to count
		// this fire (and any it caught up on) against pendingIntrNr
		// depends on whether a tick was already outstanding *before*
		// this fire, not on the unconditional +1 the other modes apply
		// first.
		missed := now - e.scheduled
		ticks := missed/e.period + 1
		if ticks < 1 {
			ticks = 1
		}
		if e.pendingIntrNr > 0 {
			e.pendingIntrNr += int(ticks)
		} else {
			e.doNotFreeze = true
		}
		e.scheduled += ticks * e.period
		return e.scheduled, true
	}

	e.pendingIntrNr++
	e.scheduled += e.period
	processMissedTicks(e, mode, now)
	return e.scheduled, true
}
