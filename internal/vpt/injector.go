package vpt

// UpdateIRQ chooses the most deserving pending, unmasked timer on this
// vCPU and raises it. Called by the interrupt-injection path before
// vm-entry.
func (s *VcpuTimerSet) UpdateIRQ() {
	s.mu.Lock()

	var chosen *TimerEntry
	var chosenRank int64
	for _, e := range s.entries {
		if e.pendingIntrNr <= 0 {
			continue
		}
		if isMasked(s.plat, s.vcpuID, e.source, e.irq) {
			continue
		}
		rank := e.lastPltGtime + e.periodCycles
		if chosen == nil || rank < chosenRank {
			chosen = e
			chosenRank = rank
		}
	}

	if chosen == nil {
		s.mu.Unlock()
		return
	}
	chosen.irqIssued = true
	irq := chosen.irq
	isLapic := chosen.source == SourceLAPIC
	vcpuID := s.vcpuID
	plat := s.plat
	s.mu.Unlock()

	if isLapic {
		plat.RaiseLapicIRQ(vcpuID, irq)
		return
	}
	// Deassert-then-assert guarantees an edge even if the line was
	// already asserted by an earlier, still-pending tick.
	plat.DeassertISAIRQ(vcpuID, irq)
	plat.AssertISAIRQ(vcpuID, irq)
}

// IntrPost is called after the guest acknowledges intack.Vector: locate
// the entry that issued it, apply the active policy's ack transition,
// and invoke its callback outside the lock.
func (s *VcpuTimerSet) IntrPost(intack IntAck) {
	s.mu.Lock()

	var matched *TimerEntry
	for _, e := range s.entries {
		if e.pendingIntrNr > 0 && e.irqIssued && vector(s.plat, e, intack.Source) == intack.Vector {
			matched = e
			break
		}
	}
	if matched == nil {
		s.mu.Unlock()
		return
	}

	matched.doNotFreeze = false
	matched.irqIssued = false

	if matched.oneShot {
		if matched.onList {
			s.removeLocked(matched)
			matched.onList = false
		}
		matched.pendingIntrNr = 0
	} else {
		applyAckPolicy(matched, s.mode(), s.clock.GuestTimeNow(s.vcpuID))
	}

	if s.mode() == ModeDelayForMissedTicks {
		now := s.clock.GuestTimeNow(s.vcpuID)
		if now < matched.lastPltGtime {
			s.clock.SetGuestTime(s.vcpuID, matched.lastPltGtime)
		}
	}

	cb := matched.cb
	priv := matched.priv
	vcpuID := s.vcpuID
	s.mu.Unlock()

	if cb != nil {
		cb(vcpuID, priv)
	}
}

// applyAckPolicy applies a periodic entry's acknowledgement transition
// for the given tick-delivery mode. guestTimeNow is the vcpu's current
// guest time, needed by ModeOneMissedTickPending to snap lastPltGtime
// forward to now rather than by a single period.
func applyAckPolicy(e *TimerEntry, mode Mode, guestTimeNow int64) {
	switch mode {
	case ModeOneMissedTickPending:
		e.pendingIntrNr = 0
		e.lastPltGtime = guestTimeNow
	default:
		e.pendingIntrNr--
		if e.pendingIntrNr < 0 {
			e.pendingIntrNr = 0
		}
		e.lastPltGtime += e.periodCycles
	}
}
