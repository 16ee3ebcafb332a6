package vmm

import "unsafe"

// ptePtrFn returns a pointer to the page table entry living at entryAddr.
// Tests override this indirection to redirect a walk onto a host-heap
// buffer standing in for the recursively-mapped page tables, the same
// technique the teacher's pdt.go uses for ptePtrFn.
var ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
	return unsafe.Pointer(entryAddr)
}

// pageTableWalker is invoked by walk for the page table entry at each
// paging level for a given virtual address. Returning false aborts the
// walk before visiting further levels.
type pageTableWalker func(level uint8, pte *pageTableEntry) bool

// nextTableAddr computes the recursively-mapped address of the table one
// level below the entry living at entryAddr, given the paging level
// entryAddr belongs to. walk's own descent and MapPage's missing-page-table
// allocation (via nextAddrFn) both go through this single formula so the
// two can never compute it differently.
func nextTableAddr(entryAddr uintptr, level uint8) uintptr {
	return entryAddr << pageLevelBits[level]
}

// walk performs a page table walk for virtAddr, invoking walkFn with the
// entry at each of the two paging levels (PDE, then PTE). It addresses
// both levels through the recursive self-map at pdtVirtualAddr, so walk
// may only be called once the kernel directory is active and its
// recursive slot installed.
func walk(virtAddr uintptr, walkFn pageTableWalker) {
	var (
		level                            uint8
		tableAddr, entryAddr, entryIndex uintptr
	)

	for level, tableAddr = 0, pdtVirtualAddr; level < pageLevels; level, tableAddr = level+1, entryAddr {
		entryIndex = (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		entryAddr = tableAddr + (entryIndex << pointerShift)

		if !walkFn(level, (*pageTableEntry)(ptePtrFn(entryAddr))) {
			return
		}

		entryAddr = nextTableAddr(entryAddr, level)
	}
}

// pteForAddress returns the final-level page table entry for virtAddr, or
// nil if any level along the walk is not present.
func pteForAddress(virtAddr uintptr) *pageTableEntry {
	var entry *pageTableEntry

	walk(virtAddr, func(level uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			entry = nil
			return false
		}
		entry = pte
		return true
	})

	return entry
}
