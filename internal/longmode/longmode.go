// Package longmode builds the identity-mapped page tables and flat GDT a
// bootstrap vCPU needs to enter 64-bit long mode with its very first
// instruction, and the register bit patterns (CR0/CR4/EFER) that go with it.
package longmode

import (
	"encoding/binary"

	"github.com/gokvm/axvm/internal/guestmem"
	"github.com/gokvm/axvm/internal/kvmioctl"
)

// Register bit patterns, named the way a reader of Intel SDM vol. 3 would
// expect; values match what the bootstrap vCPU needs before its first
// instruction executes.
const (
	CR0PE = 1 << 0 // protected mode enable
	CR0MP = 1 << 1 // monitor co-processor
	CR0NE = 1 << 5 // numeric error
	CR0PG = 1 << 31

	CR4PAE        = 1 << 5
	CR4OSFXSR     = 1 << 9
	CR4OSXMMEXCPT = 1 << 10

	EFERLME = 1 << 8 // long mode enable
	EFERLMA = 1 << 10 // long mode active

	PDE64Present = 1 << 0
	PDE64Write   = 1 << 1
	PDE64PS      = 1 << 7 // page size: 1 GiB page at the PDPT level
)

// PageTableBase and GDTBase are carved out of guest RAM above the kernel
// image, per the fixed address map.
const (
	PageTableBase = 0x0100_0000
	GDTBase       = PageTableBase + 0x3000

	pml4Offset = 0x0
	pdptOffset = 0x1000

	oneGiB = 1 << 30
)

// IdentityMapGiB is how many 1 GiB pages the PDPT identity-maps. Guest
// physical addresses at or above 4 GiB are not covered by this map; the
// configured memory size has no upper bound.
const IdentityMapGiB = 4

// BuildPageTables writes a two-level identity map (one PML4 entry pointing
// at a PDPT whose entries are 1 GiB pages) into guest memory starting at
// PageTableBase, and returns the guest physical address to load into CR3.
func BuildPageTables(mem *guestmem.Memory) (cr3 uint64, err error) {
	pml4 := make([]byte, 8)
	binary.LittleEndian.PutUint64(pml4, PageTableBase+pdptOffset|PDE64Present|PDE64Write)

	if err := mem.Write(PageTableBase+pml4Offset, pml4); err != nil {
		return 0, err
	}

	pdpt := make([]byte, 8*IdentityMapGiB)

	for i := 0; i < IdentityMapGiB; i++ {
		entry := uint64(i)*oneGiB | PDE64Present | PDE64Write | PDE64PS
		binary.LittleEndian.PutUint64(pdpt[i*8:], entry)
	}

	if err := mem.Write(PageTableBase+pdptOffset, pdpt); err != nil {
		return 0, err
	}

	return PageTableBase + pml4Offset, nil
}

// gdt entry indices; selector values are the index shifted left 3.
const (
	gdtNull = iota
	gdtCode
	gdtData
	gdtEntries
)

const (
	CodeSelector = gdtCode << 3
	DataSelector = gdtData << 3
)

// flatEntry packs a 64-bit-mode GDT descriptor. Base/Limit are ignored by
// the CPU in 64-bit mode except for a handful of fields, but KVM's Segment
// struct models the legacy encoding, so we still set Base=0, Limit=0xFFFFFFFF
// to match a typical flat descriptor.
func flatEntry(execute bool) kvmioctl.Segment {
	typ := uint8(0b0010) // data: read/write
	if execute {
		typ = 0b1010 // code: execute/read
	}

	return kvmioctl.Segment{
		Base:    0,
		Limit:   0xFFFFFFFF,
		Present: 1,
		DPL:     0,
		DB:      0,
		S:       1, // code/data, not system
		L:       1, // 64-bit
		G:       1,
		Typ:     typ,
	}
}

// BuildGDT writes a null/code/data flat GDT into guest memory at GDTBase and
// returns the guest physical address and byte limit to load into GDTR.
func BuildGDT(mem *guestmem.Memory) (base uint64, limit uint16, err error) {
	raw := make([]byte, 8*gdtEntries)
	// entry 0 stays the null descriptor (all zero).

	putDescriptor(raw, gdtCode, flatEntry(true))
	putDescriptor(raw, gdtData, flatEntry(false))

	if err := mem.Write(GDTBase, raw); err != nil {
		return 0, 0, err
	}

	return GDTBase, uint16(8*gdtEntries - 1), nil
}

// putDescriptor encodes seg into the legacy 8-byte GDT descriptor format at
// index idx of raw.
func putDescriptor(raw []byte, idx int, seg kvmioctl.Segment) {
	off := idx * 8

	limit := seg.Limit
	flags := uint8(0)
	flags |= seg.G << 7
	flags |= seg.DB << 6
	flags |= seg.L << 5
	flags |= uint8((limit >> 16) & 0xF)

	access := uint8(0x80) // present
	access |= seg.DPL << 5
	access |= 1 << 4 // S=1 (code/data)
	access |= seg.Typ & 0xF

	raw[off+0] = byte(limit)
	raw[off+1] = byte(limit >> 8)
	raw[off+2] = byte(seg.Base)
	raw[off+3] = byte(seg.Base >> 8)
	raw[off+4] = byte(seg.Base >> 16)
	raw[off+5] = access
	raw[off+6] = flags
	raw[off+7] = byte(seg.Base >> 24)
}

// Sregs returns the special-register state for a bootstrap vCPU entering
// long mode at reset: CR0/CR4/EFER bits, CR3 pointing at the identity map,
// GDTR, and flat code/data segment caches matching the GDT contents.
func Sregs(cr3, gdtBase uint64, gdtLimit uint16) kvmioctl.Sregs {
	var sregs kvmioctl.Sregs

	sregs.CR0 = CR0PE | CR0PG | CR0NE | CR0MP
	sregs.CR3 = cr3
	sregs.CR4 = CR4PAE | CR4OSFXSR | CR4OSXMMEXCPT
	sregs.EFER = EFERLME | EFERLMA

	sregs.GDT = kvmioctl.Descriptor{Base: gdtBase, Limit: gdtLimit}

	code := flatEntry(true)
	code.Selector = CodeSelector
	data := flatEntry(false)
	data.Selector = DataSelector

	sregs.CS = code
	sregs.DS = data
	sregs.ES = data
	sregs.FS = data
	sregs.GS = data
	sregs.SS = data

	return sregs
}
