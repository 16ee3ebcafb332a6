package vmm

import "math"

// pageLevels, pageLevelBits and pageLevelShifts parametrize the generic
// walk() helper for the 386's two-level paging scheme: a page directory of
// 1024 entries, each pointing at a page table of 1024 entries, each mapping
// a single 4 KiB page. This is the same parametrization mechanism used by
// the amd64 vmm tree for its four-level scheme, here instantiated with two
// levels of ten bits apiece.
const (
	pageLevels = 2

	// ptePhysPageMask extracts the physical frame address (bits 12-31) from
	// a page directory or page table entry.
	ptePhysPageMask = uintptr(0xfffff000)

	// pointerShift is log2(sizeof(uintptr)) on a 32-bit target.
	pointerShift = 2
)

var (
	pageLevelBits = [pageLevels]uint8{10, 10}

	pageLevelShifts = [pageLevels]uint8{22, 12}

	// pdtVirtualAddr is the virtual address that, once the recursive
	// self-map is installed at PD slot 1023 and the directory is active,
	// resolves back to the page directory itself: every address bit above
	// the page offset is set, so the MMU walks the self-map at each level
	// and lands on the PD.
	pdtVirtualAddr = uintptr(math.MaxUint32 &^ ((1 << 12) - 1))
)

// recursiveSlot is the PD index that spec.md designates for the self-map.
const recursiveSlot = 1023
