// +build 386

package cpu

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a single TLB entry for a particular virtual address
// using the invlpg instruction.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets CR3 to the physical address of a page directory and
// flushes the entire (non-global) TLB as a side-effect.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address currently loaded into CR3.
func ActivePDT() uintptr

// ReadCR2 returns the faulting linear address recorded by the CPU in CR2
// the last time a page fault occurred.
func ReadCR2() uintptr

// EnablePaging sets the PG bit (bit 31) in CR0, turning on the MMU. The
// caller must have already loaded a valid page directory into CR3.
func EnablePaging()
