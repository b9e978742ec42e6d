// Package platform wires the virtual platform timer core's small
// collaborator interfaces (internal/vpt.HostTimerWheel, .Platform,
// .GuestClock, .VCPUScheduler) onto concrete implementations: the
// goroutine-backed internal/hostwheel.Wheel, the adapted
// internal/devices/amd64/chipset DualPIC/IOAPIC pair, and one
// internal/lapicview.View per vCPU. Nothing here encodes timer policy;
// it is pure glue, grounded in how tinyrange-cc's own internal/chipset
// registry wires device models to its hv.VirtualMachine.
package platform

import (
	"sync"
	"time"

	"github.com/tinyrange/vpt/internal/devices/amd64/chipset"
	"github.com/tinyrange/vpt/internal/hostwheel"
	"github.com/tinyrange/vpt/internal/lapicview"
	"github.com/tinyrange/vpt/internal/vpt"
)

// Wheel adapts *hostwheel.Wheel's *hostwheel.Handle-returning NewTimer
// to vpt.HostTimerWheel's TimerHandle-returning one; Go's interface
// satisfaction is nominal on method signatures, not structurally
// covariant on return types, so the concrete *hostwheel.Handle needs
// this one-line box even though it already implements every method
// vpt.TimerHandle declares.
type Wheel struct {
	inner *hostwheel.Wheel
}

func NewWheel(inner *hostwheel.Wheel) Wheel { return Wheel{inner: inner} }

func (w Wheel) NewTimer(cpu int, cb func()) vpt.TimerHandle {
	return w.inner.NewTimer(cpu, cb)
}

// Clock is a simple per-vCPU guest-time source: host wall-clock
// nanoseconds plus a per-vCPU offset set by SetGuestTime. It never
// freezes by itself; under delay_for_missed_ticks the timer set keeps
// the saved guest time and writes it back through SetGuestTime on
// restore.
type Clock struct {
	mu      sync.Mutex
	offsets map[int]int64
}

func NewClock() *Clock { return &Clock{offsets: make(map[int]int64)} }

func (c *Clock) GuestTimeNow(vcpuID int) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if off, ok := c.offsets[vcpuID]; ok {
		return time.Now().UnixNano() + off
	}
	return time.Now().UnixNano()
}

func (c *Clock) SetGuestTime(vcpuID int, t int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offsets[vcpuID] = t - time.Now().UnixNano()
}

// Scheduler is a minimal VCPUScheduler: it tracks blocked state and
// host-processor assignment but does not itself implement guest
// execution; Kick is a caller-supplied hook (e.g. to signal a halted
// vCPU's run loop).
type Scheduler struct {
	mu        sync.Mutex
	blocked   map[int]bool
	processor map[int]int
	kick      func(vcpuID int)
}

func NewScheduler(kick func(vcpuID int)) *Scheduler {
	return &Scheduler{
		blocked:   make(map[int]bool),
		processor: make(map[int]int),
		kick:      kick,
	}
}

func (s *Scheduler) SetBlocked(vcpuID int, blocked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked[vcpuID] = blocked
}

func (s *Scheduler) SetProcessor(vcpuID, cpu int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processor[vcpuID] = cpu
}

func (s *Scheduler) Blocked(vcpuID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked[vcpuID]
}

func (s *Scheduler) Processor(vcpuID int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processor[vcpuID]
}

func (s *Scheduler) Kick(vcpuID int) {
	if s.kick != nil {
		s.kick(vcpuID)
	}
}

// Chipset implements vpt.Platform by gluing together the legacy 8259
// pair, the IOAPIC, and one lapicview.View per vCPU.
type Chipset struct {
	pic    *chipset.DualPIC
	ioapic *chipset.IOAPIC

	mu     sync.Mutex
	lapics map[int]*lapicview.View

	isaToGSI func(line uint8) uint8
}

// NewChipset constructs a Platform view. isaToGSI implements
// hvm_isa_irq_to_gsi; pass nil for the common identity mapping used
// when the IOAPIC's redirection table indexes ISA IRQs directly.
func NewChipset(pic *chipset.DualPIC, ioapic *chipset.IOAPIC, isaToGSI func(line uint8) uint8) *Chipset {
	if isaToGSI == nil {
		isaToGSI = func(line uint8) uint8 { return line }
	}
	return &Chipset{
		pic:      pic,
		ioapic:   ioapic,
		lapics:   make(map[int]*lapicview.View),
		isaToGSI: isaToGSI,
	}
}

// LAPIC returns (creating if necessary) the lapicview.View for a vCPU,
// so a LAPIC device model can program it directly.
func (c *Chipset) LAPIC(vcpuID int) *lapicview.View {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lapics[vcpuID]
	if !ok {
		v = lapicview.New()
		c.lapics[vcpuID] = v
	}
	return v
}

func (c *Chipset) LapicTimerMasked(vcpuID int) bool { return c.LAPIC(vcpuID).TimerMasked() }

func (c *Chipset) RaiseLapicIRQ(vcpuID int, vector uint8) { c.LAPIC(vcpuID).RaiseIRQ(vector) }

func (c *Chipset) LapicAcceptsPicIntr(vcpuID int) bool { return c.LAPIC(vcpuID).Enabled() }

func (c *Chipset) PicIRQMasked(line uint8) bool { return c.pic.IsaIRQMasked(line) }

func (c *Chipset) PicVector(line uint8) uint8 { return c.pic.IsaIRQVector(line) }

func (c *Chipset) IOAPICMasked(gsi uint8) bool { return c.ioapic.GSIMasked(gsi) }

func (c *Chipset) IOAPICVector(gsi uint8) uint8 { return c.ioapic.GSIVector(gsi) }

func (c *Chipset) ISAIRQToGSI(line uint8) uint8 { return c.isaToGSI(line) }

func (c *Chipset) AssertISAIRQ(vcpuID int, line uint8) {
	c.pic.SetIRQ(line, true)
}

func (c *Chipset) DeassertISAIRQ(vcpuID int, line uint8) {
	c.pic.SetIRQ(line, false)
}

var (
	_ vpt.HostTimerWheel = Wheel{}
	_ vpt.Platform       = (*Chipset)(nil)
	_ vpt.GuestClock     = (*Clock)(nil)
	_ vpt.VCPUScheduler  = (*Scheduler)(nil)
)
