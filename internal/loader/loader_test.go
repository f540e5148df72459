package loader

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/gokvm/axvm/internal/guestmem"
)

// synthesizeBzImage builds the minimal bytes Load()/InstallKernel() need:
// a setup header with a valid HdrS magic and version, setupSects sectors of
// filler, and a tiny "protected-mode kernel" payload after them.
func synthesizeBzImage(t *testing.T, setupSects uint8, version uint16, payload []byte) string {
	t.Helper()

	total := setupHeaderOffset + 0x240
	buf := make([]byte, total)

	hdr := buf[setupHeaderOffset:]
	hdr[shSetupSects] = setupSects
	binary.LittleEndian.PutUint32(hdr[hdrSMagicOffset:], hdrSMagic)
	binary.LittleEndian.PutUint16(hdr[shVersion:], version)

	buf = append(buf, make([]byte, (int(setupSects)+1)*512-total)...)
	buf = append(buf, payload...)

	p := filepath.Join(t.TempDir(), "bzImage")
	if err := os.WriteFile(p, buf, 0o644); err != nil {
		t.Fatalf("write bzImage: %v", err)
	}

	return p
}

func TestLoadRejectsMissingMagic(t *testing.T) {
	buf := make([]byte, setupHeaderOffset+0x240)

	p := filepath.Join(t.TempDir(), "bad")
	if err := os.WriteFile(p, buf, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := Load(p); err == nil {
		t.Fatalf("Load() = nil, want error for missing HdrS magic")
	}
}

func TestLoadRejectsOldProtocol(t *testing.T) {
	p := synthesizeBzImage(t, 4, 0x0200, []byte("kernel"))

	if _, err := Load(p); err == nil {
		t.Fatalf("Load() = nil, want error for protocol version < 0x020F")
	}
}

func TestInstallKernelAndZeroPage(t *testing.T) {
	payload := []byte("fake protected-mode kernel bytes")
	p := synthesizeBzImage(t, 4, 0x020F, payload)

	k, err := Load(p)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}

	if k.EntryPoint() != KernelAddr+Entry64Offset {
		t.Errorf("EntryPoint() = %#x, want %#x", k.EntryPoint(), KernelAddr+Entry64Offset)
	}

	mem, err := guestmem.New(256 * 1024 * 1024)
	if err != nil {
		t.Fatalf("guestmem.New() = %v", err)
	}
	defer mem.Close()

	if err := k.InstallKernel(mem); err != nil {
		t.Fatalf("InstallKernel() = %v", err)
	}

	got := make([]byte, len(payload))
	if err := mem.Read(KernelAddr, got); err != nil {
		t.Fatalf("Read() = %v", err)
	}

	if string(got) != string(payload) {
		t.Errorf("installed kernel bytes = %q, want %q", got, payload)
	}

	if err := InstallCmdline(mem, "console=ttyS0"); err != nil {
		t.Fatalf("InstallCmdline() = %v", err)
	}

	cmdline := make([]byte, len("console=ttyS0")+1)
	if err := mem.Read(CmdlineAddr, cmdline); err != nil {
		t.Fatalf("Read() = %v", err)
	}

	if string(cmdline[:len(cmdline)-1]) != "console=ttyS0" || cmdline[len(cmdline)-1] != 0 {
		t.Errorf("cmdline = %q, want zero-terminated %q", cmdline, "console=ttyS0")
	}

	ramSize := uint64(256 * 1024 * 1024)
	if err := k.InstallZeroPage(mem, ramSize); err != nil {
		t.Fatalf("InstallZeroPage() = %v", err)
	}

	zp := make([]byte, zpSize)
	if err := mem.Read(ZeroPageAddr, zp); err != nil {
		t.Fatalf("Read() = %v", err)
	}

	if zp[zpE820EntriesOff] != 3 {
		t.Errorf("e820_entries = %d, want 3", zp[zpE820EntriesOff])
	}

	e0base := binary.LittleEndian.Uint64(zp[zpE820TableOff:])
	e0len := binary.LittleEndian.Uint64(zp[zpE820TableOff+8:])
	e0typ := binary.LittleEndian.Uint32(zp[zpE820TableOff+16:])

	if e0base != 0 || e0len != lowMemLen || e0typ != e820TypeRAM {
		t.Errorf("e820[0] = {%#x,%#x,%d}, want {0,%#x,%d}", e0base, e0len, e0typ, lowMemLen, e820TypeRAM)
	}

	cmdPtr := binary.LittleEndian.Uint32(zp[zpHdrOff+shCmdLinePtr:])
	if cmdPtr != CmdlineAddr {
		t.Errorf("cmd_line_ptr = %#x, want %#x", cmdPtr, CmdlineAddr)
	}

	if zp[zpHdrOff+shTypeOfLoader] != typeOfLoaderUnknown {
		t.Errorf("type_of_loader = %#x, want %#x", zp[zpHdrOff+shTypeOfLoader], typeOfLoaderUnknown)
	}
}
