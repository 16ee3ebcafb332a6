// Package pmm implements the kernel's physical memory manager: a bitmap
// that tracks which 4 KiB physical page frames are free or used,
// bootstrapped from a firmware-supplied memory map.
package pmm

import (
	"math"
	"reflect"
	"unsafe"

	"github.com/kmemos/memkernel/kernel"
	"github.com/kmemos/memkernel/kernel/hal/multiboot"
	"github.com/kmemos/memkernel/kernel/kfmt/early"
	"github.com/kmemos/memkernel/kernel/mem"
)

// Frame describes a physical memory page frame index; its physical address
// is Frame * mem.PageSize.
type Frame uint32

// InvalidFrame is returned alongside a non-nil error by allocators that
// failed to reserve a frame.
const InvalidFrame = Frame(math.MaxUint32)

// Address returns the physical address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f) << mem.PageShift
}

// FrameFromAddress returns the Frame that contains the given physical
// address, rounding down if the address is not frame-aligned.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame(physAddr >> mem.PageShift)
}

// Fallback parameters used when Init is not given a memory map, matching
// the conservative defaults mandated by spec.md's PMM contract.
const (
	fallbackTotalMemory = 16 * mem.Mb
	fallbackBitmapAddr  = uintptr(0x00100000)
	fallbackFreeStart   = uintptr(4 * mem.Mb)
	fallbackFreeEnd     = uintptr(8 * mem.Mb)
)

var errOutOfMemory = &kernel.Error{Module: "pmm", Message: "no free physical frames available"}

// Manager owns the frame reservation bitmap and running byte counters. It
// replaces the teacher's package-level FrameAllocator global (see
// kernel/mem/pmm/allocator/bitmap_allocator.go in the wider gopher-os tree)
// with an explicit value that a Kernel aggregate owns, per the Design Notes'
// instruction to thread state through rather than scatter it across globals.
type Manager struct {
	bitmap     []uint64
	totalPages uint32

	totalMemory mem.Size
	usedMemory  mem.Size
	freeMemory  mem.Size

	// BitmapStorage returns the backing []uint64 slice for the frame
	// bitmap of the given word count, placed starting at physAddr. The
	// zero value uses defaultBitmapStorage, which overlays the slice
	// directly on top of physical memory the way a real freestanding
	// build must; tests substitute a function that returns a host-heap
	// buffer instead, mirroring the teacher's pattern of overriding
	// package-level indirection functions for testability.
	BitmapStorage func(physAddr uintptr, words int) []uint64
}

func defaultBitmapStorage(physAddr uintptr, words int) []uint64 {
	hdr := reflect.SliceHeader{Data: physAddr, Len: words, Cap: words}
	return *(*[]uint64)(unsafe.Pointer(&hdr))
}

func (m *Manager) storage(physAddr uintptr, words int) []uint64 {
	if m.BitmapStorage != nil {
		return m.BitmapStorage(physAddr, words)
	}
	return defaultBitmapStorage(physAddr, words)
}

// Init bootstraps the bitmap from the supplied memory map and marks the
// frames occupied by the bitmap itself and by the kernel image as used. If
// entries is empty, Init assumes a conservative 16 MiB machine (the
// fallback path described by spec.md §4.1).
func (m *Manager) Init(entries []multiboot.MemoryMapEntry, kernelEnd uintptr) *kernel.Error {
	if len(entries) == 0 {
		return m.initFallback()
	}

	var (
		highestAddr uintptr
		largestBase uintptr
		largestLen  uint64
	)

	m.totalMemory = 0
	multiboot.VisitMemRegions(entries, func(e *multiboot.MemoryMapEntry) bool {
		if end := uintptr(e.PhysAddress + e.Length); end > highestAddr {
			highestAddr = end
		}

		if e.Type == multiboot.MemAvailable {
			m.totalMemory += mem.Size(e.Length)
			if e.Length > largestLen {
				largestLen = e.Length
				largestBase = uintptr(e.PhysAddress)
			}
		}
		return true
	})

	m.totalPages = uint32((mem.Size(highestAddr) + mem.PageSize - 1) / mem.PageSize)
	bitmapWords := int((uint64(m.totalPages) + 63) / 64)
	m.bitmap = m.storage(largestBase, bitmapWords)

	for i := range m.bitmap {
		m.bitmap[i] = math.MaxUint64
	}

	multiboot.VisitMemRegions(entries, func(e *multiboot.MemoryMapEntry) bool {
		if e.Type != multiboot.MemAvailable {
			return true
		}
		m.clearRange(uintptr(e.PhysAddress), uintptr(e.PhysAddress+e.Length))
		return true
	})

	bitmapBytes := mem.Size(bitmapWords * 8)
	m.markUsedRange(largestBase, largestBase+uintptr(bitmapBytes))
	m.markUsedRange(0, kernelEnd+1)

	m.recomputeStats()
	return nil
}

// initFallback assumes a conservative 16 MiB machine with a safe 4-8 MiB
// free window, used when the bootloader does not supply a memory map.
func (m *Manager) initFallback() *kernel.Error {
	early.Printf("[pmm] no memory map supplied; assuming 16MB of available memory\n")

	m.totalMemory = fallbackTotalMemory
	m.totalPages = uint32(fallbackTotalMemory / mem.PageSize)
	bitmapWords := int((uint64(m.totalPages) + 63) / 64)
	m.bitmap = m.storage(fallbackBitmapAddr, bitmapWords)

	for i := range m.bitmap {
		m.bitmap[i] = math.MaxUint64
	}

	m.clearRange(fallbackFreeStart, fallbackFreeEnd)

	bitmapBytes := mem.Size(bitmapWords * 8)
	m.markUsedRange(fallbackBitmapAddr, fallbackBitmapAddr+uintptr(bitmapBytes))

	m.recomputeStats()
	return nil
}

// clearRange marks as free every frame whose address falls in
// [startAddr, endAddr).
func (m *Manager) clearRange(startAddr, endAddr uintptr) {
	start := FrameFromAddress(startAddr)
	end := FrameFromAddress(endAddr)
	for f := start; f < end && uint32(f) < m.totalPages; f++ {
		m.clearBit(f)
	}
}

// markUsedRange marks as used every frame that [startAddr, endAddr)
// touches, including a final frame that the range only partially covers —
// unlike clearRange, rounding the end down here would leave a live frame
// (the tail of the bitmap itself, or of the kernel image) unmarked and
// available for AllocPage to hand out.
func (m *Manager) markUsedRange(startAddr, endAddr uintptr) {
	if endAddr <= startAddr {
		return
	}
	start := FrameFromAddress(startAddr)
	end := FrameFromAddress(endAddr-1) + 1
	for f := start; f < end && uint32(f) < m.totalPages; f++ {
		m.setBit(f)
	}
}

// recomputeStats walks the bitmap and recounts freeMemory/usedMemory. This
// is the "counting form" that spec.md's Design Notes single out as
// canonical, rather than incrementally patching counters as regions are
// reserved.
func (m *Manager) recomputeStats() {
	var free mem.Size
	for i := uint32(0); i < m.totalPages; i++ {
		if !m.testBit(Frame(i)) {
			free += mem.PageSize
		}
	}
	m.freeMemory = free
	m.usedMemory = m.totalMemory - free
}

func (m *Manager) testBit(f Frame) bool {
	return m.bitmap[f/64]&(uint64(1)<<(uint(f)%64)) != 0
}

func (m *Manager) setBit(f Frame) {
	m.bitmap[f/64] |= uint64(1) << (uint(f) % 64)
}

func (m *Manager) clearBit(f Frame) {
	m.bitmap[f/64] &^= uint64(1) << (uint(f) % 64)
}

// AllocPage reserves and returns the lowest-indexed free frame. It returns
// InvalidFrame together with a non-nil error when no frame is available;
// frame 0 is always reserved (it falls inside the kernel image range
// marked used by Init), so a nil error always accompanies a genuine frame.
func (m *Manager) AllocPage() (Frame, *kernel.Error) {
	for word := 0; word < len(m.bitmap); word++ {
		if m.bitmap[word] == math.MaxUint64 {
			continue
		}

		for bit := 0; bit < 64; bit++ {
			frame := Frame(word*64 + bit)
			if uint32(frame) >= m.totalPages {
				break
			}
			if m.bitmap[word]&(uint64(1)<<uint(bit)) == 0 {
				m.setBit(frame)
				m.usedMemory += mem.PageSize
				m.freeMemory -= mem.PageSize
				return frame, nil
			}
		}
	}

	early.Printf("[pmm] out of physical memory\n")
	return InvalidFrame, errOutOfMemory
}

// FreePage returns the frame containing addr to the free pool. Addresses
// outside the tracked range, and frames that are already free (a double
// free), are logged and otherwise ignored.
func (m *Manager) FreePage(addr uintptr) {
	frame := FrameFromAddress(addr)
	if uint32(frame) >= m.totalPages {
		early.Printf("[pmm] FreePage: address %x is out of range\n", addr)
		return
	}

	if !m.testBit(frame) {
		early.Printf("[pmm] FreePage: frame at %x is already free (double free)\n", addr)
		return
	}

	m.clearBit(frame)
	m.usedMemory -= mem.PageSize
	m.freeMemory += mem.PageSize
}

// MarkPageUsed marks the frame containing addr as used without handing it
// out via AllocPage. Out-of-range addresses and frames that are already
// used are silently ignored.
func (m *Manager) MarkPageUsed(addr uintptr) {
	frame := FrameFromAddress(addr)
	if uint32(frame) >= m.totalPages || m.testBit(frame) {
		return
	}

	m.setBit(frame)
	m.usedMemory += mem.PageSize
	m.freeMemory -= mem.PageSize
}

// IsPageFree reports whether the frame containing addr is currently free.
// Out-of-range addresses report false.
func (m *Manager) IsPageFree(addr uintptr) bool {
	frame := FrameFromAddress(addr)
	if uint32(frame) >= m.totalPages {
		return false
	}
	return !m.testBit(frame)
}

// TotalMemory returns the total number of bytes tracked by the PMM.
func (m *Manager) TotalMemory() mem.Size { return m.totalMemory }

// FreeMemory returns the number of free bytes.
func (m *Manager) FreeMemory() mem.Size { return m.freeMemory }

// UsedMemory returns the number of used bytes.
func (m *Manager) UsedMemory() mem.Size { return m.usedMemory }

// PrintStats writes a one-line summary of the PMM's memory accounting to
// the kernel's early log sink.
func (m *Manager) PrintStats() {
	early.Printf(
		"[pmm] memory: %dKB total, %dKB used, %dKB free\n",
		uint64(m.totalMemory/mem.Kb),
		uint64(m.usedMemory/mem.Kb),
		uint64(m.freeMemory/mem.Kb),
	)
}
