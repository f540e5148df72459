package vcpu

import (
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/rs/zerolog"

	"github.com/gokvm/axvm/internal/kvmioctl"
	"github.com/gokvm/axvm/internal/metrics"
)

// newTestVCPU builds a VCPU over a plain Go-allocated page, bypassing
// New()'s mmap/ioctl calls so dispatch logic can be unit tested without
// /dev/kvm.
func newTestVCPU(t *testing.T) *VCPU {
	t.Helper()

	page := make([]byte, 4096)
	shutdown := &atomic.Bool{}

	return &VCPU{
		ID:       0,
		page:     page,
		run:      (*kvmioctl.RunData)(unsafe.Pointer(&page[0])),
		log:      zerolog.Nop(),
		shutdown: shutdown,
		metrics:  &metrics.VM{},
	}
}

type fakePIO struct {
	ins, outs []byte
}

func (f *fakePIO) In(port uint64, data []byte) error {
	for i := range data {
		data[i] = 0x42
	}

	f.ins = append(f.ins, data...)

	return nil
}

func (f *fakePIO) Out(port uint64, data []byte) error {
	f.outs = append(f.outs, data...)

	return nil
}

func TestHandleIOOutDispatchesToRegisteredDevice(t *testing.T) {
	v := newTestVCPU(t)
	dev := &fakePIO{}
	v.RegisterPIO(0x3F8, 0x400, dev)

	// direction=OUT(1), size=1, port=0x3F8, count=1, data_offset=64
	v.run.Data[0] = uint64(kvmioctl.ExitIOOut) | (1 << 8) | (0x3F8 << 16) | (1 << 32)
	v.run.Data[1] = 64
	v.page[64] = 'A'
	v.run.ExitReason = kvmioctl.ExitIO

	fatal, err := v.dispatch()
	if err != nil {
		t.Fatalf("dispatch() = %v", err)
	}

	if fatal {
		t.Fatalf("dispatch() fatal = true, want false")
	}

	if len(dev.outs) != 1 || dev.outs[0] != 'A' {
		t.Errorf("outs = %v, want ['A']", dev.outs)
	}
}

type fakeMMIO struct {
	writes  [][]byte
	offsets []uint64
}

func (f *fakeMMIO) Read(offset uint64, data []byte) error {
	data[0] = byte(offset)
	return nil
}

func (f *fakeMMIO) Write(offset uint64, data []byte) error {
	cp := append([]byte(nil), data...)
	f.writes = append(f.writes, cp)
	f.offsets = append(f.offsets, offset)

	return nil
}

func TestHandleMMIOWriteDispatchesWithRelativeOffset(t *testing.T) {
	v := newTestVCPU(t)
	dev := &fakeMMIO{}
	v.RegisterMMIO(0xA000_0000, 0xA000_0200, dev)

	v.run.Data[0] = 0xA000_0010 // phys_addr
	v.run.Data[1] = 0x11223344_55667788
	v.run.Data[2] = uint64(4) | (uint64(1) << 32) // len=4, is_write=1
	v.run.ExitReason = kvmioctl.ExitMMIO

	fatal, err := v.dispatch()
	if err != nil {
		t.Fatalf("dispatch() = %v", err)
	}

	if fatal {
		t.Fatalf("dispatch() fatal = true, want false")
	}

	if len(dev.writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(dev.writes))
	}

	if dev.offsets[0] != 0x10 {
		t.Errorf("offset = %#x, want 0x10", dev.offsets[0])
	}
}

func TestDispatchUnhandledExitIsFatal(t *testing.T) {
	v := newTestVCPU(t)
	v.run.ExitReason = 99

	fatal, err := v.dispatch()
	if err == nil {
		t.Fatalf("dispatch() = nil, want error for unhandled exit")
	}

	if !fatal {
		t.Errorf("dispatch() fatal = false, want true")
	}
}

func TestDispatchHLTIsNotFatal(t *testing.T) {
	v := newTestVCPU(t)
	v.run.ExitReason = kvmioctl.ExitHLT

	fatal, err := v.dispatch()
	if err != nil || fatal {
		t.Errorf("dispatch() = (%v, %v), want (false, nil)", fatal, err)
	}
}
