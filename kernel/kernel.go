package kernel

import (
	"github.com/kmemos/memkernel/kernel/hal/multiboot"
	"github.com/kmemos/memkernel/kernel/kfmt/early"
	"github.com/kmemos/memkernel/kernel/mem/heap"
	"github.com/kmemos/memkernel/kernel/mem/pmm"
	"github.com/kmemos/memkernel/kernel/mem/vmm"
)

// Kernel owns the three memory-management subsystems as values rather than
// as package-level globals, so that construction order is explicit and a
// test can stand up any number of independent instances.
type Kernel struct {
	PMM    pmm.Manager
	Paging vmm.Manager
	Heap   heap.Manager
}

// New returns a zero-value Kernel ready for Init.
func New() *Kernel {
	return &Kernel{}
}

// Init sequences the only construction order that matters: the physical
// frame allocator must exist before paging can hand out frames for its own
// tables, and paging must be active before the heap can ask it to map
// fresh pages.
func (k *Kernel) Init(entries []multiboot.MemoryMapEntry, kernelEnd uintptr) *Error {
	if err := k.PMM.Init(entries, kernelEnd); err != nil {
		return err
	}

	if err := k.Paging.Init(&k.PMM); err != nil {
		return err
	}

	if err := k.Heap.Init(&k.Paging); err != nil {
		return err
	}

	early.Printf("kernel memory subsystems initialized\n")
	return nil
}
