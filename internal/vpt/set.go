package vpt

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gvisor.dev/gvisor/pkg/sync"
)

// VcpuTimerSet is the insertion-ordered collection of TimerEntry
// objects belonging to one vCPU, protected by a single mutex that is
// also the lock an entry's owner reference resolves to via lockStable.
// At most one entry per emulated device is expected; that uniqueness is
// enforced by callers, not by this type.
type VcpuTimerSet struct {
	mu sync.Mutex

	vcpuID    int
	processor int

	entries []*TimerEntry

	guestTimeFrozen int64 // 0 = not frozen; delay_for_missed_ticks snapshot

	wheel  HostTimerWheel
	clock  GuestClock
	sched  VCPUScheduler
	plat   Platform
	mode   func() Mode
	cpuKHz int64

	log *slog.Logger
}

// NewVcpuTimerSet constructs the timer set for one vCPU. cpuKHz is the
// guest TSC frequency used to convert a period into cycle units for
// injector ranking; modeFn is consulted on every decision point, so
// callers can swap the active tick-delivery policy at runtime.
func NewVcpuTimerSet(vcpuID, processor int, wheel HostTimerWheel, clock GuestClock, sched VCPUScheduler, plat Platform, cpuKHz int64, modeFn func() Mode, log *slog.Logger) *VcpuTimerSet {
	if log == nil {
		log = slog.Default()
	}
	return &VcpuTimerSet{
		vcpuID:    vcpuID,
		processor: processor,
		wheel:     wheel,
		clock:     clock,
		sched:     sched,
		plat:      plat,
		cpuKHz:    cpuKHz,
		mode:      modeFn,
		log:       log,
	}
}

// now reads the host clock. Broken out so tests can't accidentally
// call time.Now() directly inside the package.
func (s *VcpuTimerSet) now() nanoTime { return hostNow() }

// CreatePeriodicTime arms a new timer into entry's slot. If entry
// already names a live timer, that prior state is idempotently
// destroyed first.
func (s *VcpuTimerSet) CreatePeriodicTime(entry *TimerEntry, period time.Duration, source Source, irq uint8, oneShot bool, cb AckCallback, priv any) {
	_, span := traceOp("vpt.create_periodic_time", s.vcpuID, nil)
	defer span.End()

	if entry.owner.Load() != nil {
		s.DestroyPeriodicTime(entry)
	}

	if !oneShot && period < minPeriod {
		s.log.Warn("vpt: clamping periodic interval below minimum",
			"vcpu", s.vcpuID, "irq", irq, "requested_ns", period.Nanoseconds(), "clamped_ns", minPeriod.Nanoseconds())
		period = minPeriod
	}

	now := s.now()
	schedPeriod := nanoTime(period.Nanoseconds())
	periodNanos := schedPeriod
	if oneShot {
		periodNanos = 0
	}

	*entry = TimerEntry{
		id:            uuid.New(),
		source:        source,
		irq:           irq,
		oneShot:       oneShot,
		period:        periodNanos,
		periodCycles:  period.Nanoseconds() * s.cpuKHz / 1_000_000,
		pendingIntrNr: 0,
		lastPltGtime:  s.clock.GuestTimeNow(s.vcpuID),
		cb:            cb,
		priv:          priv,
	}

	// The first deadline is always now+period, regardless of oneShot:
	// entry.period is zeroed for one-shots only so fire() never
	// reschedules them, not to shorten their initial wait.
	scheduled := now + schedPeriod
	if source == SourceLAPIC {
		// Offsetting by half a period keeps LAPIC ticks from landing on
		// the same host-timer deadline as other periodic sources.
		scheduled += schedPeriod / 2
	}
	entry.scheduled = scheduled

	s.mu.Lock()
	entry.owner.Store(s)
	entry.onList = true
	s.entries = append(s.entries, entry)
	handle := s.wheel.NewTimer(s.processor, func() { s.onHostTimer(entry) })
	entry.hostTimer = handle
	s.mu.Unlock()

	handle.Arm(deadlineFrom(scheduled))
}

// DestroyPeriodicTime delists entry under the lock, then quiesces the
// host timer outside it to avoid deadlocking against a callback already
// spinning on the lock.
func (s *VcpuTimerSet) DestroyPeriodicTime(entry *TimerEntry) {
	set := entry.owner.Load()
	if set == nil {
		return
	}

	_, span := traceOp("vpt.destroy_periodic_time", set.vcpuID, entry)
	defer span.End()

	set.mu.Lock()
	if entry.onList {
		set.removeLocked(entry)
		entry.onList = false
	}
	entry.owner.Store(nil)
	handle := entry.hostTimer
	set.mu.Unlock()

	if handle != nil {
		handle.Cancel()
		handle.WaitQuiesced()
	}
}

func (s *VcpuTimerSet) removeLocked(entry *TimerEntry) {
	for i, e := range s.entries {
		if e == entry {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}

// onHostTimer is the host-timer callback: acquire the entry's lock via
// the stable-vcpu protocol, apply the fire transition, re-arm if
// periodic, kick the vCPU, release.
func (s *VcpuTimerSet) onHostTimer(entry *TimerEntry) {
	set := entry.lockStable()
	if set == nil {
		return
	}

	now := set.now()
	deadline, rearm := entry.fire(set.mode(), now)
	handle := entry.hostTimer
	sched := set.sched
	vcpuID := set.vcpuID
	set.mu.Unlock()

	if rearm && handle != nil {
		handle.Arm(deadlineFrom(deadline))
	}
	if sched != nil {
		sched.Kick(vcpuID)
	}
}
