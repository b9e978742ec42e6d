package vpt

import (
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakeHandle is a manually-fired TimerHandle: tests invoke cb directly
// instead of waiting on a real clock.
type fakeHandle struct {
	mu       sync.Mutex
	cpu      int
	cb       func()
	deadline time.Time
	armed    bool
}

func (h *fakeHandle) Arm(deadline time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deadline = deadline
	h.armed = true
}

func (h *fakeHandle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.armed = false
}

func (h *fakeHandle) Rebind(cpu int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cpu = cpu
}

func (h *fakeHandle) WaitQuiesced() {}

func (h *fakeHandle) fire() {
	h.mu.Lock()
	cb := h.cb
	h.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type fakeWheel struct {
	mu      sync.Mutex
	handles []*fakeHandle
}

func (w *fakeWheel) NewTimer(cpu int, cb func()) TimerHandle {
	h := &fakeHandle{cpu: cpu, cb: cb}
	w.mu.Lock()
	w.handles = append(w.handles, h)
	w.mu.Unlock()
	return h
}

type fakeClock struct {
	mu   sync.Mutex
	now  int64
	init bool
}

func (c *fakeClock) GuestTimeNow(vcpuID int) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) SetGuestTime(vcpuID int, t int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fakeScheduler struct {
	mu      sync.Mutex
	blocked bool
	kicks   int
}

func (s *fakeScheduler) Kick(vcpuID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kicks++
}

func (s *fakeScheduler) Blocked(vcpuID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked
}

func (s *fakeScheduler) Processor(vcpuID int) int { return 0 }

type fakePlatform struct {
	mu           sync.Mutex
	lapicMasked  bool
	picMasked    bool
	ioapicMasked bool
	acceptsPic   bool
	asserts      []uint8
	deasserts    []uint8
	lapicRaises  []uint8
}

func (p *fakePlatform) LapicTimerMasked(vcpuID int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lapicMasked
}

func (p *fakePlatform) RaiseLapicIRQ(vcpuID int, vector uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lapicRaises = append(p.lapicRaises, vector)
}

func (p *fakePlatform) LapicAcceptsPicIntr(vcpuID int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acceptsPic
}

func (p *fakePlatform) PicIRQMasked(line uint8) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.picMasked
}

func (p *fakePlatform) PicVector(line uint8) uint8 { return 0x20 + line }

func (p *fakePlatform) IOAPICMasked(gsi uint8) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ioapicMasked
}

func (p *fakePlatform) IOAPICVector(gsi uint8) uint8 { return 0x30 + gsi }

func (p *fakePlatform) ISAIRQToGSI(line uint8) uint8 { return line }

func (p *fakePlatform) AssertISAIRQ(vcpuID int, line uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.asserts = append(p.asserts, line)
}

func (p *fakePlatform) DeassertISAIRQ(vcpuID int, line uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deasserts = append(p.deasserts, line)
}

func newTestSet(mode Mode) (*VcpuTimerSet, *fakeWheel, *fakeClock, *fakeScheduler, *fakePlatform) {
	wheel := &fakeWheel{}
	clock := &fakeClock{}
	sched := &fakeScheduler{}
	plat := &fakePlatform{acceptsPic: true}
	set := NewVcpuTimerSet(0, 0, wheel, clock, sched, plat, 1_000_000, func() Mode { return mode }, slog.Default())
	return set, wheel, clock, sched, plat
}

func lastHandle(w *fakeWheel) *fakeHandle {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.handles[len(w.handles)-1]
}

func TestBasicPeriodicDeliversTenTicks(t *testing.T) {
	set, wheel, _, _, plat := newTestSet(ModeDefault)

	var entry TimerEntry
	var acks int
	set.CreatePeriodicTime(&entry, time.Millisecond, SourceISA, 0, false,
		func(int, any) { acks++ }, nil)

	h := lastHandle(wheel)
	for i := 0; i < 10; i++ {
		h.fire()
		set.UpdateIRQ()
		set.IntrPost(IntAck{Vector: plat.PicVector(0), Source: AckRoutePIC})
	}

	if acks != 10 {
		t.Fatalf("expected 10 acks, got %d", acks)
	}
	if entry.pendingIntrNr != 0 {
		t.Fatalf("expected pendingIntrNr back to 0, got %d", entry.pendingIntrNr)
	}
	if len(plat.asserts) != 10 || len(plat.deasserts) != 10 {
		t.Fatalf("expected 10 assert/deassert pairs, got %d/%d", len(plat.asserts), len(plat.deasserts))
	}
}

func TestMissedTickCollapsing(t *testing.T) {
	set, wheel, clock, _, _ := newTestSet(ModeOneMissedTickPending)

	var entry TimerEntry
	set.CreatePeriodicTime(&entry, time.Millisecond, SourceISA, 0, false, nil, nil)

	h := lastHandle(wheel)
	for i := 0; i < 5; i++ {
		h.fire()
	}
	if entry.pendingIntrNr != 5 {
		t.Fatalf("expected pendingIntrNr=5 after 5 missed fires, got %d", entry.pendingIntrNr)
	}

	set.UpdateIRQ()
	set.IntrPost(IntAck{Vector: 0x20, Source: AckRoutePIC})

	if entry.pendingIntrNr != 0 {
		t.Fatalf("expected pendingIntrNr=0 after single ack, got %d", entry.pendingIntrNr)
	}
	if entry.lastPltGtime != clock.GuestTimeNow(0) {
		t.Fatalf("expected lastPltGtime snapped to guest time now, got %d want %d", entry.lastPltGtime, clock.GuestTimeNow(0))
	}
}

func TestNoMissedTicksPendingFreezesOnFirstFire(t *testing.T) {
	set, wheel, _, _, _ := newTestSet(ModeNoMissedTicksPending)

	var entry TimerEntry
	set.CreatePeriodicTime(&entry, time.Millisecond, SourceISA, 0, false, nil, nil)

	h := lastHandle(wheel)
	h.fire()

	if entry.pendingIntrNr != 0 {
		t.Fatalf("expected pendingIntrNr to stay 0, got %d", entry.pendingIntrNr)
	}
	if !entry.doNotFreeze {
		t.Fatalf("expected doNotFreeze=true")
	}
}

func TestDelayForMissedTicksNeverRewindsGuestTime(t *testing.T) {
	set, _, clock, _, _ := newTestSet(ModeDelayForMissedTicks)
	clock.SetGuestTime(0, 100)

	var entry TimerEntry
	set.CreatePeriodicTime(&entry, time.Millisecond, SourceISA, 0, false, nil, nil)
	entry.lastPltGtime = 150
	entry.pendingIntrNr = 1
	entry.irqIssued = true

	set.IntrPost(IntAck{Vector: vector(set.plat, &entry, AckRoutePIC), Source: AckRoutePIC})

	if got := clock.GuestTimeNow(0); got < 150 {
		t.Fatalf("expected guest time >= 150 after ack, got %d", got)
	}
}

func TestLAPICSchedulingOffset(t *testing.T) {
	set, wheel, _, _, _ := newTestSet(ModeDefault)

	var lapicEntry, isaEntry TimerEntry
	set.CreatePeriodicTime(&lapicEntry, time.Millisecond, SourceLAPIC, 0, false, nil, nil)
	set.CreatePeriodicTime(&isaEntry, time.Millisecond, SourceISA, 1, false, nil, nil)

	// Both entries were created back-to-back, so the gap between their
	// "now" samples is negligible compared to period/2; allow a small
	// tolerance for that drift instead of requiring exact equality.
	diff := lapicEntry.scheduled - isaEntry.scheduled
	want := lapicEntry.period / 2
	const tolerance = 100 * int64(time.Microsecond)
	if d := diff - want; d > tolerance || d < -tolerance {
		t.Fatalf("expected LAPIC entry scheduled ~period/2 after ISA entry, got diff %d want ~%d", diff, want)
	}
	_ = wheel
}

func TestDestroyAfterFireRemovesEntry(t *testing.T) {
	set, wheel, _, _, _ := newTestSet(ModeDefault)

	var entry TimerEntry
	set.CreatePeriodicTime(&entry, time.Millisecond, SourceISA, 0, false, nil, nil)

	h := lastHandle(wheel)
	h.fire()

	set.DestroyPeriodicTime(&entry)

	if entry.owner.Load() != nil {
		t.Fatalf("expected entry to be fully destroyed")
	}
	set.mu.Lock()
	for _, e := range set.entries {
		if e == &entry {
			set.mu.Unlock()
			t.Fatalf("expected entry to be removed from the set's list")
		}
	}
	set.mu.Unlock()
}

func TestParseModeRoundTrip(t *testing.T) {
	cases := []Mode{ModeDefault, ModeDelayForMissedTicks, ModeNoMissedTicksPending, ModeOneMissedTickPending}
	for _, m := range cases {
		if got := ParseMode(m.String()); got != m {
			t.Fatalf("ParseMode(%q) = %v, want %v", m.String(), got, m)
		}
	}
	if got := ParseMode("nonsense"); got != ModeDefault {
		t.Fatalf("ParseMode of unrecognized string = %v, want ModeDefault", got)
	}
}

func TestOneShotSchedulesAfterItsPeriod(t *testing.T) {
	set, wheel, _, _, _ := newTestSet(ModeDefault)

	before := set.now()
	var entry TimerEntry
	set.CreatePeriodicTime(&entry, 5*time.Millisecond, SourceISA, 0, true, nil, nil)

	want := nanoTime(5 * time.Millisecond)
	if got := entry.scheduled - before; got < want {
		t.Fatalf("expected one-shot to be scheduled at least %d ns out, got %d", want, got)
	}
	if entry.period != 0 {
		t.Fatalf("expected one-shot's stored period to stay 0, got %d", entry.period)
	}
	_ = wheel
}

func TestCreatePeriodicTimeClampsSubMinimumPeriod(t *testing.T) {
	set, _, _, _, _ := newTestSet(ModeDefault)

	var entry TimerEntry
	set.CreatePeriodicTime(&entry, 100*time.Microsecond, SourceISA, 0, false, nil, nil)

	if entry.period != nanoTime(minPeriod.Nanoseconds()) {
		t.Fatalf("expected period clamped to %d, got %d", minPeriod.Nanoseconds(), entry.period)
	}
}

func TestSaveSkipsBlockedVcpu(t *testing.T) {
	set, wheel, _, sched, _ := newTestSet(ModeDefault)
	sched.blocked = true

	var entry TimerEntry
	set.CreatePeriodicTime(&entry, time.Millisecond, SourceISA, 0, false, nil, nil)
	h := lastHandle(wheel)

	set.Save()

	h.mu.Lock()
	armed := h.armed
	h.mu.Unlock()
	if !armed {
		t.Fatalf("expected timer to remain armed for a blocked vcpu")
	}
}
