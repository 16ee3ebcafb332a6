package kmain

import (
	"reflect"
	"unsafe"

	"github.com/kmemos/memkernel/kernel"
	"github.com/kmemos/memkernel/kernel/hal"
	"github.com/kmemos/memkernel/kernel/hal/multiboot"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// maxMemoryMapEntries bounds how much of the bootloader-supplied E820 buffer
// Kmain will scan. The boot glue that produces this buffer is out of scope
// for this kernel; this is just enough to cover a realistic BIOS map.
const maxMemoryMapEntries = 64

// e820RecordSize mirrors the on-disk record size multiboot.ParseE820 expects.
const e820RecordSize = 8 + 8 + 4 + 4

// Kmain is the only Go symbol visible (exported) from the rt0 initialization
// code. It is invoked by the rt0 assembly after the GDT and a minimal g0
// struct have been set up, leaving just enough stack for Go code to run.
//
// The rt0 code passes the physical address of the bootloader's E820-style
// memory map buffer, along with the physical addresses spanning the loaded
// kernel image itself.
//
// Kmain is not expected to return. If it does, the rt0 code halts the CPU.
//
//go:noinline
func Kmain(memoryMapPtr, kernelStart, kernelEnd uintptr) {
	hal.InitTerminal()
	hal.ActiveTerminal.Clear()

	entries := readMemoryMap(memoryMapPtr)

	k := kernel.New()
	if err := k.Init(entries, kernelEnd); err != nil {
		kernel.Panic(err)
	}

	// Use kernel.Panic instead of panic to prevent the compiler from
	// treating kernel.Panic as dead-code and eliminating it.
	kernel.Panic(errKmainReturned)
}

// readMemoryMap overlays a byte slice on top of the bootloader's memory map
// buffer and decodes it. A nil memoryMapPtr leaves the PMM to fall back to
// its conservative single-region default.
func readMemoryMap(memoryMapPtr uintptr) []multiboot.MemoryMapEntry {
	if memoryMapPtr == 0 {
		return nil
	}

	buf := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  maxMemoryMapEntries * e820RecordSize,
		Cap:  maxMemoryMapEntries * e820RecordSize,
		Data: memoryMapPtr,
	}))

	return multiboot.ParseE820(buf)
}
