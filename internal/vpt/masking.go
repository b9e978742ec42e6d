package vpt

// isMasked is a pure query against the Platform collaborator: no
// entry-field mutation, callable while the caller already holds the
// entry's lock.
func isMasked(plat Platform, vcpuID int, source Source, irq uint8) bool {
	if source == SourceLAPIC {
		return plat.LapicTimerMasked(vcpuID)
	}

	// ISA: masked only when *both* delivery paths are closed.
	picClosed := plat.PicIRQMasked(irq) || !plat.LapicAcceptsPicIntr(vcpuID)
	gsi := plat.ISAIRQToGSI(irq)
	ioapicClosed := plat.IOAPICMasked(gsi)
	return picClosed && ioapicClosed
}

// vector resolves the interrupt vector an entry delivers on. ackSource
// distinguishes which controller actually delivered the interrupt
// being acknowledged, needed because an ISA line may be routed through
// either the 8259 pair or, via the IOAPIC, to a LAPIC redirection-table
// entry.
func vector(plat Platform, entry *TimerEntry, ackSource AckRoute) uint8 {
	if entry.source == SourceLAPIC {
		// Entry.irq is already a vector for LAPIC sources, not an
		// index to look up live against the LVT timer register.
		return entry.irq
	}

	if ackSource == AckRoutePIC {
		return plat.PicVector(entry.irq)
	}
	gsi := plat.ISAIRQToGSI(entry.irq)
	return plat.IOAPICVector(gsi)
}
