package hpet

import (
	"sync"
	"testing"
	"time"
)

type fakeSink struct {
	mu    sync.Mutex
	calls []struct {
		irq   uint32
		level bool
	}
}

func (s *fakeSink) SetIRQ(irq uint32, level bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, struct {
		irq   uint32
		level bool
	}{irq, level})
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func TestMMIORegionsCoverBaseAndAliases(t *testing.T) {
	d := New(0xFED00000, &fakeSink{}, WithAliases(0xFED01000, 0))
	regs := d.MMIORegions()
	if len(regs) != 2 {
		t.Fatalf("expected 2 MMIO regions (base + one alias, zero alias dropped), got %d", len(regs))
	}
	if regs[0].Address != 0xFED00000 || regs[1].Address != 0xFED01000 {
		t.Fatalf("unexpected region addresses: %+v", regs)
	}
}

func TestCounterRunsOnlyWhileEnabled(t *testing.T) {
	sink := &fakeSink{}
	d := New(0xFED00000, sink)

	var buf [8]byte
	if err := d.ReadMMIO(0xFED00000+regMainCounter, buf[:]); err != nil {
		t.Fatalf("ReadMMIO: %v", err)
	}
	if d.counter != 0 {
		t.Fatalf("expected counter to stay at 0 while disabled, got %d", d.counter)
	}

	// Enable the counter, then fast-forward lastUpdate to simulate
	// elapsed host time without sleeping.
	if err := d.WriteMMIO(0xFED00000+regGenConfig, []byte{1}); err != nil {
		t.Fatalf("WriteMMIO(genConfig): %v", err)
	}
	d.mu.Lock()
	d.lastUpdate = time.Now().Add(-1 * time.Millisecond)
	d.mu.Unlock()

	if err := d.ReadMMIO(0xFED00000+regMainCounter, buf[:]); err != nil {
		t.Fatalf("ReadMMIO: %v", err)
	}
	if d.counter == 0 {
		t.Fatalf("expected counter to advance once enabled")
	}
}

func TestComparatorMatchFiresLegacyReplacementIRQ(t *testing.T) {
	sink := &fakeSink{}
	d := New(0xFED00000, sink)

	// Enable the HPET with legacy-replacement routing (bit 1) set, so
	// timer 0's match should fire IRQ 0 regardless of its programmed
	// route field.
	if err := d.WriteMMIO(0xFED00000+regGenConfig, []byte{0x3}); err != nil {
		t.Fatalf("WriteMMIO(genConfig): %v", err)
	}

	// Arm timer 0: interrupt-enable bit set, comparator one tick ahead.
	d.mu.Lock()
	d.counter = 0
	d.timers[0].comparator = 1
	d.mu.Unlock()
	if err := d.WriteMMIO(0xFED00000+regTimerConfig, []byte{1 << 2}); err != nil {
		t.Fatalf("WriteMMIO(timerConfig): %v", err)
	}

	d.mu.Lock()
	d.counter = 2
	d.lastUpdate = time.Now()
	d.mu.Unlock()

	d.mu.Lock()
	d.checkTimersLocked(2)
	d.mu.Unlock()

	if sink.count() != 2 {
		t.Fatalf("expected one assert+deassert pair, got %d sink calls", sink.count())
	}
	if sink.calls[0].irq != 0 {
		t.Fatalf("expected legacy-replacement routing to IRQ 0, got %d", sink.calls[0].irq)
	}
}

func TestRefreshVptTimerSkipsWithoutTimerSet(t *testing.T) {
	d := New(0xFED00000, &fakeSink{})
	// With no vptSet configured, arming a timer must not panic and must
	// leave vptArmed clear.
	d.mu.Lock()
	d.timers[0].config = 1 << 2
	d.refreshVptTimerLocked(0)
	armed := d.vptArmed[0]
	d.mu.Unlock()

	if armed {
		t.Fatalf("expected vptArmed to stay false without a configured timer set")
	}
}

func TestLegacyIRQForLockedRoutesCompare0And1(t *testing.T) {
	d := New(0xFED00000, &fakeSink{})
	d.generalConfig = 2 // legacy replacement enabled
	d.timers[0].config = 5 << 9
	d.timers[1].config = 7 << 9

	if got := d.legacyIRQForLocked(0); got != 0 {
		t.Fatalf("expected comparator 0 to route to IRQ 0 under legacy replacement, got %d", got)
	}
	if got := d.legacyIRQForLocked(1); got != 8 {
		t.Fatalf("expected comparator 1 to route to IRQ 8 under legacy replacement, got %d", got)
	}

	d.generalConfig = 0
	if got := d.legacyIRQForLocked(0); got != 5 {
		t.Fatalf("expected comparator 0's programmed route without legacy replacement, got %d", got)
	}
}
