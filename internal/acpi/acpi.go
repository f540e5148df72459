// Package acpi builds the minimal ACPI table set a Linux guest needs to
// discover its vCPUs: an RSDP pointing at an RSDT pointing at a MADT. No
// AML, DSDT, FADT, or MCFG: this monitor exposes no ACPI-visible devices
// beyond the local APICs every vCPU already has.
package acpi

import (
	"bytes"
	"encoding/binary"
)

// BIOSWindow is the fixed guest physical address the RSDP (and the tables
// that follow it) are written to.
const BIOSWindow = 0x000E_0000

const localAPICAddress = 0xFEE0_0000

const pcatCompat = 1 << 0

// Header is the common ACPI system description table header, shared by RSDT
// and MADT alike.
type Header struct {
	Signature  [4]byte
	Length     uint32
	Revision   uint8
	Checksum   uint8
	OEMID      [6]byte
	OEMTableID [8]byte
	OEMRevision uint32
	CreatorID  [4]byte
	CreatorRev uint32
}

func newHeader(sig string, length uint32, revision uint8) Header {
	var oemID [6]byte
	copy(oemID[:], "AXVM  ")

	var oemTableID [8]byte
	copy(oemTableID[:], "AXVMTBL ")

	var creatorID [4]byte
	copy(creatorID[:], "AXVM")

	var sigBytes [4]byte
	copy(sigBytes[:], sig)

	return Header{
		Signature:   sigBytes,
		Length:      length,
		Revision:    revision,
		OEMID:       oemID,
		OEMTableID:  oemTableID,
		CreatorRev:  1,
		CreatorID:   creatorID,
	}
}

// checksum8 computes the one-byte checksum every ACPI structure requires:
// the sum of all bytes in the structure, including the checksum byte itself,
// must equal zero mod 256.
func checksum8(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum += c
	}

	return byte(256 - int(sum)%256)
}

// RSDP is the Root System Description Pointer, the well-known entry point a
// guest firmware or kernel finds by address (here, written directly at
// BIOSWindow since there is no BIOS memory scan to satisfy).
type RSDP struct {
	Signature [8]byte
	Checksum  byte
	OEMID     [6]byte
	Revision  byte
	RSDTAddr  uint32
}

func (r *RSDP) bytes() []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, r)

	return buf.Bytes()
}

// ProcessorLocalAPIC is a MADT sub-structure, one per configured vCPU.
type ProcessorLocalAPIC struct {
	Type        uint8
	Length      uint8
	ProcessorID uint8
	APICID      uint8
	Flags       uint32
}

const (
	madtEntryLocalAPIC = 0
	localAPICEnabled   = 1 << 0
)

func (p *ProcessorLocalAPIC) bytes() []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, p)

	return buf.Bytes()
}

// madtFixedFields follow the MADT's Header: local APIC address and flags.
type madtFixedFields struct {
	LocalAPICAddress uint32
	Flags            uint32
}

// Tables is the serialized byte layout of RSDP + RSDT + MADT, ready to be
// written contiguously into guest memory starting at BIOSWindow.
type Tables struct {
	RSDPBytes []byte
	RSDTBytes []byte
	MADTBytes []byte
}

// Build constructs RSDP/RSDT/MADT for a VM with the given vCPU count. MADT
// contains exactly one enabled Processor Local APIC entry per vCPU, with
// apic_id equal to the vCPU index.
func Build(vcpuCount int) Tables {
	const rsdpLen = 20
	rsdtHeaderLen := 36
	madtHeaderLen := 36 + 8 // Header + madtFixedFields

	rsdtAddr := uint32(BIOSWindow + rsdpLen)
	madtAddr := rsdtAddr + uint32(rsdtHeaderLen) + 4 // +4 for the one entry pointer in RSDT

	madt := buildMADT(vcpuCount, madtHeaderLen)
	rsdt := buildRSDT(rsdtHeaderLen, madtAddr)
	rsdp := buildRSDP(rsdtAddr)

	return Tables{
		RSDPBytes: rsdp,
		RSDTBytes: rsdt,
		MADTBytes: madt,
	}
}

func buildRSDP(rsdtAddr uint32) []byte {
	r := &RSDP{RSDTAddr: rsdtAddr, Revision: 0}
	copy(r.Signature[:], "RSD PTR ")
	copy(r.OEMID[:], "AXVM  ")

	b := r.bytes()
	// checksum covers the first 20 bytes (ACPI 1.0 RSDP layout); Checksum
	// itself sits at byte offset 8.
	b[8] = 0
	b[8] = checksum8(b)

	return b
}

func buildRSDT(headerLen int, madtAddr uint32) []byte {
	length := uint32(headerLen) + 4 // one entry: the MADT pointer
	h := newHeader("RSDT", length, 1)

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, h)
	_ = binary.Write(&buf, binary.LittleEndian, madtAddr)

	b := buf.Bytes()
	b[9] = 0
	b[9] = checksum8(b)

	return b
}

func buildMADT(vcpuCount, headerLen int) []byte {
	length := uint32(headerLen) + uint32(vcpuCount)*8 // 8-byte LocalAPIC entries
	h := newHeader("APIC", length, 3)

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, h)
	_ = binary.Write(&buf, binary.LittleEndian, madtFixedFields{
		LocalAPICAddress: localAPICAddress,
		Flags:            pcatCompat,
	})

	for i := 0; i < vcpuCount; i++ {
		entry := &ProcessorLocalAPIC{
			Type:        madtEntryLocalAPIC,
			Length:      8,
			ProcessorID: uint8(i),
			APICID:      uint8(i),
			Flags:       localAPICEnabled,
		}
		buf.Write(entry.bytes())
	}

	b := buf.Bytes()
	b[9] = 0
	b[9] = checksum8(b)

	return b
}
