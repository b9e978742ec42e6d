package vpt

// Save is called by the vCPU scheduler around descheduling. A blocked
// vCPU is a no-op — its timers keep running so a blocking wait can
// still be woken by one.
func (s *VcpuTimerSet) Save() {
	_, span := traceOp("vpt.save", s.vcpuID, nil)
	defer span.End()

	if s.sched != nil && s.sched.Blocked(s.vcpuID) {
		return
	}

	s.mu.Lock()
	for _, e := range s.entries {
		if e.doNotFreeze {
			e.doNotFreeze = false
			continue
		}
		if e.hostTimer != nil {
			e.hostTimer.Cancel()
		}
	}
	if s.mode() == ModeDelayForMissedTicks {
		s.guestTimeFrozen = s.clock.GuestTimeNow(s.vcpuID)
	}
	s.mu.Unlock()
}

// Restore runs missed-tick processing for every entry and re-arms,
// then thaws guest time.
func (s *VcpuTimerSet) Restore() {
	_, span := traceOp("vpt.restore", s.vcpuID, nil)
	defer span.End()

	s.mu.Lock()
	now := s.now()
	mode := s.mode()
	type rearm struct {
		handle   TimerHandle
		deadline nanoTime
	}
	var toArm []rearm
	for _, e := range s.entries {
		if !e.oneShot {
			processMissedTicks(e, mode, now)
		}
		if e.hostTimer != nil {
			toArm = append(toArm, rearm{e.hostTimer, e.scheduled})
		}
	}
	frozen := s.guestTimeFrozen
	s.guestTimeFrozen = 0
	s.mu.Unlock()

	for _, r := range toArm {
		r.handle.Arm(deadlineFrom(r.deadline))
	}

	if mode == ModeDelayForMissedTicks && frozen != 0 {
		s.clock.SetGuestTime(s.vcpuID, frozen)
	}
}

// Reset re-synchronizes every entry to the current guest/host time, as
// on a guest-initiated device reset.
func (s *VcpuTimerSet) Reset() {
	_, span := traceOp("vpt.reset", s.vcpuID, nil)
	defer span.End()

	s.mu.Lock()
	now := s.now()
	gtime := s.clock.GuestTimeNow(s.vcpuID)
	type rearm struct {
		handle   TimerHandle
		deadline nanoTime
	}
	var toArm []rearm
	for _, e := range s.entries {
		e.pendingIntrNr = 0
		e.lastPltGtime = gtime
		e.scheduled = now + e.period
		if e.hostTimer != nil {
			toArm = append(toArm, rearm{e.hostTimer, e.scheduled})
		}
	}
	s.mu.Unlock()

	for _, r := range toArm {
		r.handle.Arm(deadlineFrom(r.deadline))
	}
}

// Migrate rebinds every entry's host timer to the vCPU's new host
// processor.
func (s *VcpuTimerSet) Migrate(processor int) {
	_, span := traceOp("vpt.migrate", s.vcpuID, nil)
	defer span.End()

	s.mu.Lock()
	s.processor = processor
	handles := make([]TimerHandle, 0, len(s.entries))
	for _, e := range s.entries {
		if e.hostTimer != nil {
			handles = append(handles, e.hostTimer)
		}
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.Rebind(processor)
	}
}
