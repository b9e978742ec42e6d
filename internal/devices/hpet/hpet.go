package hpet

import (
	"fmt"
	"sync"
	"time"

	"github.com/tinyrange/vpt/internal/hv"
	"github.com/tinyrange/vpt/internal/vpt"
)

// InterruptSink defines where the HPET sends its signals (usually the IOAPIC).
type InterruptSink interface {
	SetIRQ(irq uint32, level bool) error
}

const (
	clockPeriodFemtoseconds = 10_000_000 // 10ns
	vendorID                = 0x8086
	numTimers               = 3 // enough for typical guests

	regGenCap      = 0x000
	regGenConfig   = 0x010
	regIntStatus   = 0x020
	regMainCounter = 0x0F0
	regTimerConfig = 0x100
	regTimerCmp    = 0x108
	regTimerRoute  = 0x110
	timerStride    = 0x20

	MMIOWindowSize = 0x400
)

type timer struct {
	config     uint64
	comparator uint64
	fsRoute    uint64
}

type Device struct {
	bases []uint64
	sink  InterruptSink

	mu            sync.Mutex
	generalConfig uint64
	intStatus     uint64
	counter       uint64
	lastUpdate    time.Time
	enabled       bool

	timers [numTimers]timer

	// vptSet, when set, registers each enabled comparator as a vpt
	// entry (periodic when Tn_TYPE_CNF is set, one-shot otherwise)
	// instead of relying solely on the MMIO-access-driven polling in
	// updateCounterLocked/checkTimersLocked — a guest that never
	// touches HPET MMIO between comparator matches would otherwise
	// never observe an interrupt at all.
	vptSet    *vpt.VcpuTimerSet
	vptArmed  [numTimers]bool
	vptEntry  [numTimers]vpt.TimerEntry
}

// WithTimerSet routes comparator-match interrupts through the given
// virtual platform timer core.
func WithTimerSet(set *vpt.VcpuTimerSet) Option {
	return func(d *Device) { d.vptSet = set }
}

// Option customises a Device at construction time.
type Option func(*Device)

// New constructs an HPET device mapped at base (and optional aliases).
// sink is typically the virtual machine implementing SetIRQ.
func New(base uint64, sink InterruptSink, opts ...Option) *Device {
	d := &Device{
		bases:      []uint64{base},
		sink:       sink,
		lastUpdate: time.Now(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// WithAliases registers additional MMIO base addresses that mirror the
// primary one.
func WithAliases(aliases ...uint64) Option {
	return func(d *Device) {
		seen := make(map[uint64]struct{}, len(d.bases))
		for _, b := range d.bases {
			seen[b] = struct{}{}
		}
		for _, a := range aliases {
			if a == 0 {
				continue
			}
			if _, ok := seen[a]; ok {
				continue
			}
			seen[a] = struct{}{}
			d.bases = append(d.bases, a)
		}
	}
}

func (d *Device) Init(vm hv.VirtualMachine) error { return nil }

func (d *Device) MMIORegions() []hv.MMIORegion {
	regs := make([]hv.MMIORegion, 0, len(d.bases))
	for _, base := range d.bases {
		regs = append(regs, hv.MMIORegion{Address: base, Size: MMIOWindowSize})
	}
	return regs
}

func (d *Device) offsetFor(addr uint64) (uint64, error) {
	for _, base := range d.bases {
		if addr >= base && addr < base+MMIOWindowSize {
			return addr - base, nil
		}
	}
	return 0, fmt.Errorf("hpet: address 0x%x outside configured MMIO windows", addr)
}

// ReadMMIO handles HPET register reads.
func (d *Device) ReadMMIO(addr uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.updateCounterLocked()

	offset, err := d.offsetFor(addr)
	if err != nil {
		return err
	}
	val := uint64(0)

	switch {
	case offset == regGenCap:
		val = uint64(clockPeriodFemtoseconds)<<32 | uint64(vendorID)<<16 | uint64(1)<<13 | (numTimers - 1)
	case offset == regGenConfig:
		val = d.generalConfig
	case offset == regIntStatus:
		val = d.intStatus
	case offset == regMainCounter:
		val = d.counter
	case offset >= regTimerConfig:
		idx := (offset - regTimerConfig) / timerStride
		if idx >= numTimers {
			return nil
		}
		reg := (offset - regTimerConfig) % timerStride
		t := &d.timers[idx]
		switch reg {
		case 0x00:
			val = t.config
		case 0x08:
			val = t.comparator
		case 0x10:
			val = t.fsRoute
		}
	}

	if len(data) > 8 {
		return fmt.Errorf("hpet: invalid read size %d", len(data))
	}
	for i := 0; i < len(data); i++ {
		data[i] = byte(val >> (i * 8))
	}
	return nil
}

func (d *Device) WriteMMIO(addr uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	offset, err := d.offsetFor(addr)
	if err != nil {
		return err
	}
	var val uint64
	for i := 0; i < len(data) && i < 8; i++ {
		val |= uint64(data[i]) << (i * 8)
	}

	switch {
	case offset == regGenConfig:
		d.updateCounterLocked()
		d.generalConfig = val & 0x3
		enabled := (d.generalConfig & 1) == 1
		if enabled && !d.enabled {
			d.lastUpdate = time.Now()
		}
		d.enabled = enabled
		for i := range d.timers {
			d.refreshVptTimerLocked(uint64(i))
		}
	case offset == regIntStatus:
		d.intStatus &= ^val
	case offset == regMainCounter:
		d.counter = val
		if d.enabled {
			d.lastUpdate = time.Now()
		}
	case offset >= regTimerConfig:
		idx := (offset - regTimerConfig) / timerStride
		if idx >= numTimers {
			return nil
		}
		reg := (offset - regTimerConfig) % timerStride
		t := &d.timers[idx]
		switch reg {
		case 0x00:
			t.config = val
			d.refreshVptTimerLocked(idx)
		case 0x08:
			t.comparator = val
			d.refreshVptTimerLocked(idx)
		case 0x10:
			t.fsRoute = val
		}
	}
	return nil
}

// refreshVptTimerLocked (re)programs comparator idx's host-backed
// interrupt source from its current config/comparator registers. A
// guest that does not access HPET MMIO between comparator matches would
// otherwise never see an interrupt without this: checkTimersLocked only
// notices a match when something calls updateCounterLocked.
func (d *Device) refreshVptTimerLocked(idx uint64) {
	if d.vptSet == nil {
		return
	}
	if d.vptArmed[idx] {
		d.vptSet.DestroyPeriodicTime(&d.vptEntry[idx])
		d.vptArmed[idx] = false
	}

	t := &d.timers[idx]
	const (
		tnIntEnable = 1 << 2
		tnTypeLevel = 1 << 3
	)
	if t.config&tnIntEnable == 0 || !d.enabled {
		return
	}

	d.updateCounterLocked()
	ticks := t.comparator - d.counter
	if int64(ticks) <= 0 {
		ticks = 1
	}
	nanosPerTick := int64(clockPeriodFemtoseconds) / 1_000_000
	period := time.Duration(int64(ticks)*nanosPerTick) * time.Nanosecond
	periodic := t.config&tnTypeLevel != 0

	i := idx
	d.vptSet.CreatePeriodicTime(&d.vptEntry[i], period, vpt.SourceISA, d.legacyIRQForLocked(i), !periodic,
		func(int, any) { d.handleComparatorMatch(i) }, nil)
	d.vptArmed[i] = true
}

// legacyIRQForLocked mirrors checkTimersLocked's LegacyReplacement
// routing: with LegacyReplacement enabled, comparators 0 and 1 replace
// the PIT and RTC lines (IRQ 0 and 8) rather than their programmed
// routes.
func (d *Device) legacyIRQForLocked(idx uint64) uint8 {
	t := &d.timers[idx]
	irq := uint8((t.config >> 9) & 0x1F)
	if d.generalConfig&2 != 0 {
		switch idx {
		case 0:
			irq = 0
		case 1:
			irq = 8
		}
	}
	return irq
}

func (d *Device) handleComparatorMatch(idx uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	irq := d.legacyIRQForLocked(idx)
	if d.sink != nil {
		_ = d.sink.SetIRQ(uint32(irq), true)
		_ = d.sink.SetIRQ(uint32(irq), false)
	}
	d.intStatus |= 1 << idx
}

func (d *Device) updateCounterLocked() {
	if !d.enabled {
		return
	}
	now := time.Now()
	if now.Before(d.lastUpdate) {
		d.lastUpdate = now
		return
	}
	elapsed := now.Sub(d.lastUpdate)
	ticks := (uint64(elapsed.Nanoseconds()) * 1_000_000) / clockPeriodFemtoseconds
	d.counter += ticks
	d.lastUpdate = now
	d.checkTimersLocked(ticks)
}

func (d *Device) checkTimersLocked(delta uint64) {
	for i := range d.timers {
		t := &d.timers[i]
		if (t.config & 4) == 0 {
			continue
		}
		if d.counter >= t.comparator && (d.counter-delta) < t.comparator {
			irq := int((t.config >> 9) & 0x1F)
			if (d.generalConfig & 2) != 0 {
				if i == 0 {
					irq = 0
				}
				if i == 1 {
					irq = 8
				}
			}
			if d.sink != nil {
				_ = d.sink.SetIRQ(uint32(irq), true)
				_ = d.sink.SetIRQ(uint32(irq), false)
			}
			d.intStatus |= (1 << i)
		}
	}
}

var (
	_ hv.MemoryMappedIODevice = (*Device)(nil)
)
