package heap

import (
	"testing"
	"unsafe"

	"github.com/kmemos/memkernel/kernel/mem/vmm"
)

// newTestManager backs the heap with a real host-heap arena instead of the
// fixed kernel virtual addresses Init would use, and stubs out AllocAndMap
// to report every page as successfully mapped -- the arena memory already
// exists in the test process, so there is nothing left for paging to do.
// This mirrors the field-injection pattern used by pmm.Manager's
// BitmapStorage and vmm's ptePtrFn/nextAddrFn test overrides.
func newTestManager(t *testing.T, arenaSize uintptr) *Manager {
	t.Helper()
	arena := make([]byte, arenaSize)
	base := uintptr(unsafe.Pointer(&arena[0]))

	m := &Manager{
		heapStart: base,
		heapEnd:   base,
		heapMax:   base + arenaSize,
		allocAndMap: func(va uintptr, _ vmm.PTFlag) uintptr {
			return va
		},
	}

	// keep the arena reachable for the lifetime of the test so the GC
	// does not reclaim memory the heap believes is still backing it
	t.Cleanup(func() { _ = arena })

	if err := m.expandHeap(initialPages); err != nil {
		t.Fatalf("unexpected error expanding initial heap: %v", err)
	}

	return m
}

func walkBlocks(m *Manager) []*blockHeader {
	var blocks []*blockHeader
	for cur := m.first; cur != nil; cur = cur.next {
		blocks = append(blocks, cur)
	}
	return blocks
}

func TestHeapAddressOrderAndCoverage(t *testing.T) {
	m := newTestManager(t, 256*1024)

	blocks := walkBlocks(m)
	if len(blocks) == 0 {
		t.Fatal("expected at least one block after init")
	}

	var sum uintptr
	for i, b := range blocks {
		if i > 0 && uintptr(unsafe.Pointer(b)) <= uintptr(unsafe.Pointer(blocks[i-1])) {
			t.Fatalf("block %d is not at a strictly higher address than block %d", i, i-1)
		}
		sum += b.size
	}

	if exp := m.heapEnd - m.heapStart; sum != exp {
		t.Fatalf("expected block sizes to sum to %d; got %d", exp, sum)
	}
}

func TestKMallocThenKFreeUpdatesStats(t *testing.T) {
	m := newTestManager(t, 256*1024)

	p1 := m.KMalloc(1024)
	if p1 == nil {
		t.Fatal("expected KMalloc(1024) to succeed")
	}
	p2 := m.KMalloc(2048)
	if p2 == nil {
		t.Fatal("expected KMalloc(2048) to succeed")
	}

	block1 := headerFromData(p1)
	firstBlockSize := block1.size

	_, usedBefore, _ := m.Stats()
	m.KFree(p1)
	_, usedAfter, _ := m.Stats()

	if usedBefore-usedAfter != firstBlockSize {
		t.Fatalf("expected used to drop by the full first block size %d; dropped by %d", firstBlockSize, usedBefore-usedAfter)
	}
}

func TestKMallocNoOverlap(t *testing.T) {
	m := newTestManager(t, 256*1024)

	type region struct{ start, end uintptr }
	var regions []region

	for i := 0; i < 20; i++ {
		p := m.KMalloc(uintptr(16 + i*8))
		if p == nil {
			t.Fatalf("unexpected nil from KMalloc on iteration %d", i)
		}
		block := headerFromData(p)
		start := uintptr(unsafe.Pointer(block))
		regions = append(regions, region{start: start, end: start + block.size})
	}

	for i := range regions {
		for j := range regions {
			if i == j {
				continue
			}
			if regions[i].start < regions[j].end && regions[j].start < regions[i].end {
				t.Fatalf("regions %d and %d overlap: [%x,%x) vs [%x,%x)", i, j, regions[i].start, regions[i].end, regions[j].start, regions[j].end)
			}
		}
	}
}

func TestKMallocAlignedAlignment(t *testing.T) {
	m := newTestManager(t, 256*1024)

	p := m.KMallocAligned(100, 4096)
	if p == nil {
		t.Fatal("expected KMallocAligned to succeed")
	}

	if addr := uintptr(p); addr&0xFFF != 0 {
		t.Fatalf("expected returned pointer to be 4096-aligned; got 0x%x", addr)
	}

	wordSize := unsafe.Sizeof(uintptr(0))
	stashed := *(*uintptr)(unsafe.Pointer(uintptr(p) - wordSize))
	if stashed == 0 {
		t.Fatal("expected the raw pointer to be stashed one word below the aligned address")
	}
}

func TestKMallocAlignedRejectsNonPowerOfTwo(t *testing.T) {
	m := newTestManager(t, 256*1024)

	if p := m.KMallocAligned(16, 3); p != nil {
		t.Fatal("expected KMallocAligned to reject a non-power-of-two alignment")
	}
}

func TestKFreeAlignedRoundTrip(t *testing.T) {
	m := newTestManager(t, 256*1024)

	_, usedBefore, _ := m.Stats()
	p := m.KMallocAligned(64, 64)
	if p == nil {
		t.Fatal("expected KMallocAligned to succeed")
	}

	m.KFreeAligned(p)

	_, usedAfter, _ := m.Stats()
	if usedAfter != usedBefore {
		t.Fatalf("expected used memory to return to baseline %d; got %d", usedBefore, usedAfter)
	}
}

func TestHeapCoalescingAfterFreeingEverything(t *testing.T) {
	m := newTestManager(t, 256*1024)

	var ptrs []unsafe.Pointer
	for i := 0; i < 10; i++ {
		p := m.KMalloc(uintptr(32 + i*16))
		if p == nil {
			t.Fatalf("unexpected nil from KMalloc on iteration %d", i)
		}
		ptrs = append(ptrs, p)
	}

	for _, p := range ptrs {
		m.KFree(p)
	}

	blocks := walkBlocks(m)
	if len(blocks) != 1 {
		t.Fatalf("expected exactly one block after freeing everything; got %d", len(blocks))
	}
	if !blocks[0].isFree {
		t.Fatal("expected the sole remaining block to be free")
	}
	if exp := m.heapEnd - m.heapStart; blocks[0].size != exp {
		t.Fatalf("expected the merged block to cover the whole heap (%d); got %d", exp, blocks[0].size)
	}
}

func TestHeapGrowthOnExhaustion(t *testing.T) {
	m := newTestManager(t, 256*1024)

	endBefore := m.heapEnd

	// drain the initial 64KiB window with enough 512-byte allocations to
	// overflow it (each block is 512 bytes plus its header)
	for i := 0; i < 200; i++ {
		if m.KMalloc(512) == nil {
			t.Fatalf("unexpected nil from KMalloc on iteration %d before exhaustion", i)
		}
	}

	if m.heapEnd <= endBefore {
		t.Fatalf("expected heap to have grown past its initial end 0x%x; still at 0x%x", endBefore, m.heapEnd)
	}

	if m.heapEnd > m.heapMax {
		t.Fatalf("heap end 0x%x exceeds heap max 0x%x", m.heapEnd, m.heapMax)
	}
}

func TestHeapGrowthNeverExceedsMax(t *testing.T) {
	m := newTestManager(t, 64*1024+16*4096)

	for i := 0; i < 10000; i++ {
		if m.KMalloc(512) == nil {
			break
		}
	}

	if m.heapEnd > m.heapMax {
		t.Fatalf("heap end 0x%x exceeds heap max 0x%x", m.heapEnd, m.heapMax)
	}
}

func TestDoubleFreeIsNoopAndLogged(t *testing.T) {
	m := newTestManager(t, 256*1024)

	p := m.KMalloc(128)
	if p == nil {
		t.Fatal("expected KMalloc to succeed")
	}

	m.KFree(p)
	_, usedAfterFirstFree, _ := m.Stats()

	m.KFree(p)
	_, usedAfterSecondFree, _ := m.Stats()

	if usedAfterFirstFree != usedAfterSecondFree {
		t.Fatalf("expected a double free to leave stats unchanged; got %d then %d", usedAfterFirstFree, usedAfterSecondFree)
	}
}

func TestKReallocGrowCopiesAndFreesOld(t *testing.T) {
	m := newTestManager(t, 256*1024)

	p := m.KMalloc(16)
	if p == nil {
		t.Fatal("expected KMalloc to succeed")
	}

	data := (*[16]byte)(p)
	for i := range data {
		data[i] = byte(i + 1)
	}

	grown := m.KRealloc(p, 512)
	if grown == nil {
		t.Fatal("expected KRealloc to succeed")
	}

	grownData := (*[16]byte)(grown)
	for i := range grownData {
		if grownData[i] != byte(i+1) {
			t.Fatalf("expected byte %d to be preserved across growth; got %d", i, grownData[i])
		}
	}
}

func TestKReallocShrinkIsInPlace(t *testing.T) {
	m := newTestManager(t, 256*1024)

	p := m.KMalloc(512)
	if p == nil {
		t.Fatal("expected KMalloc to succeed")
	}

	shrunk := m.KRealloc(p, 16)
	if shrunk != p {
		t.Fatalf("expected shrinking to return the same pointer; got a different address")
	}
}

func TestKReallocNilAndZeroSize(t *testing.T) {
	m := newTestManager(t, 256*1024)

	if p := m.KRealloc(nil, 32); p == nil {
		t.Fatal("expected KRealloc(nil, size) to behave like KMalloc")
	}

	p := m.KMalloc(32)
	if p == nil {
		t.Fatal("expected KMalloc to succeed")
	}
	if got := m.KRealloc(p, 0); got != nil {
		t.Fatal("expected KRealloc(ptr, 0) to return nil")
	}
}
