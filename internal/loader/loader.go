// Package loader parses a bzImage Linux kernel per the x86 boot protocol and
// fills in the "zero page" (boot_params) the kernel's 64-bit entry point
// expects in RSI.
package loader

import (
	"encoding/binary"
	"os"

	"github.com/gokvm/axvm/internal/axerr"
	"github.com/gokvm/axvm/internal/guestmem"
)

const (
	setupHeaderOffset = 0x1F1
	hdrSMagicOffset   = 0x202 - setupHeaderOffset // offset of "HdrS" within the header, relative to 0x1F1
	hdrSMagic         = 0x53726448                // "HdrS" little-endian

	minBootProtocolVersion = 0x020F

	// Guest physical addresses, fixed by the address map every component agrees on.
	ZeroPageAddr = 0x0001_0000
	CmdlineAddr  = 0x0002_0000
	KernelAddr   = 0x0010_0000

	lowMemLen = 0x0009_FC00

	acpiWindowBase = 0x000E_0000
	acpiWindowLen  = 0x0002_0000

	typeOfLoaderUnknown = 0xFF
	loadflagLoadedHigh  = 1 << 0
	loadflagKeepSegs    = 1 << 6
	heapEndPtr          = 0xFE00

	e820TypeRAM      = 1
	e820TypeReserved = 2

	// Offsets within the 4 KiB zero page, matching the real boot_params layout.
	zpE820EntriesOff = 0x1E8
	zpHdrOff         = 0x1F1
	zpE820TableOff   = 0x2D0
	zpSize           = 4096

	// Offsets within the setup_header itself (relative to zpHdrOff / 0x1F1).
	shSetupSects    = 0x1F1 - setupHeaderOffset
	shVersion       = 0x206 - setupHeaderOffset
	shTypeOfLoader  = 0x210 - setupHeaderOffset
	shLoadflags     = 0x211 - setupHeaderOffset
	shCode32Start   = 0x214 - setupHeaderOffset
	shCmdLinePtr    = 0x228 - setupHeaderOffset
	shHeapEndPtr    = 0x224 - setupHeaderOffset
	shCmdlineSize   = 0x238 - setupHeaderOffset

	// entry64 offset is fixed by protocol 2.15: the 64-bit entry point is
	// 0x200 bytes past the start of the loaded protected-mode kernel image.
	Entry64Offset = 0x200
)

// Kernel holds the parsed setup header bytes and the raw bzImage file, ready
// to be installed into guest memory.
type Kernel struct {
	raw         []byte
	setupSects  uint8
	version     uint16
}

// Load reads and validates a bzImage file per boot protocol 2.15.
func Load(path string) (*Kernel, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, axerr.Wrap(axerr.LoaderBadImage, "read kernel image", err)
	}

	if len(raw) < setupHeaderOffset+0x240 {
		return nil, axerr.New(axerr.LoaderBadImage, "kernel image too small to contain a setup header")
	}

	hdr := raw[setupHeaderOffset:]

	magic := binary.LittleEndian.Uint32(hdr[hdrSMagicOffset:])
	if magic != hdrSMagic {
		return nil, axerr.New(axerr.LoaderBadImage, "missing HdrS magic in bzImage setup header")
	}

	version := binary.LittleEndian.Uint16(hdr[shVersion:])
	if version < minBootProtocolVersion {
		return nil, axerr.New(axerr.LoaderBadImage, "boot protocol version below 2.15")
	}

	setupSects := hdr[shSetupSects]
	if setupSects == 0 {
		setupSects = 4 // protocol default when the field is zero
	}

	return &Kernel{raw: raw, setupSects: setupSects, version: version}, nil
}

// EntryPoint returns the guest physical address of the kernel's 64-bit entry
// point: the load address plus the fixed protocol offset.
func (k *Kernel) EntryPoint() uint64 {
	return KernelAddr + Entry64Offset
}

// InstallKernel copies the protected-mode kernel image (everything after the
// real-mode setup sectors) to KernelAddr.
func (k *Kernel) InstallKernel(mem *guestmem.Memory) error {
	setupBytes := (int(k.setupSects) + 1) * 512
	if setupBytes > len(k.raw) {
		return axerr.New(axerr.LoaderBadImage, "setup_sects overruns image length")
	}

	return mem.Write(KernelAddr, k.raw[setupBytes:])
}

// InstallCmdline writes the zero-terminated kernel command line at CmdlineAddr.
func InstallCmdline(mem *guestmem.Memory, cmdline string) error {
	b := append([]byte(cmdline), 0)

	return mem.Write(CmdlineAddr, b)
}

// InstallZeroPage builds boot_params at ZeroPageAddr: a copy of the original
// setup header, the loader-identity fields, the cmdline pointer, and a
// 3-entry E820 map (low RAM, the BIOS/ACPI reserved hole, and high RAM up to
// ramSize).
func (k *Kernel) InstallZeroPage(mem *guestmem.Memory, ramSize uint64) error {
	zp := make([]byte, zpSize)

	hdrLen := len(k.raw) - setupHeaderOffset
	if hdrLen > zpSize-zpHdrOff {
		hdrLen = zpSize - zpHdrOff
	}

	copy(zp[zpHdrOff:], k.raw[setupHeaderOffset:setupHeaderOffset+hdrLen])

	zp[zpHdrOff+shTypeOfLoader] = typeOfLoaderUnknown
	zp[zpHdrOff+shLoadflags] |= loadflagLoadedHigh | loadflagKeepSegs
	binary.LittleEndian.PutUint16(zp[zpHdrOff+shHeapEndPtr:], heapEndPtr)
	binary.LittleEndian.PutUint32(zp[zpHdrOff+shCmdLinePtr:], CmdlineAddr)

	entries := []struct {
		base, length uint64
		typ          uint32
	}{
		{0, lowMemLen, e820TypeRAM},
		{KernelAddr, ramSize - KernelAddr, e820TypeRAM},
		{acpiWindowBase, acpiWindowLen, e820TypeReserved},
	}

	zp[zpE820EntriesOff] = uint8(len(entries))

	for i, e := range entries {
		off := zpE820TableOff + i*20
		binary.LittleEndian.PutUint64(zp[off:], e.base)
		binary.LittleEndian.PutUint64(zp[off+8:], e.length)
		binary.LittleEndian.PutUint32(zp[off+16:], e.typ)
	}

	return mem.Write(ZeroPageAddr, zp)
}
