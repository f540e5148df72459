// Package kvmioctl wraps the host virtualization character device: the set
// of ioctls for creating a VM, registering memory, creating vCPUs, getting
// and setting register state, creating the in-kernel irqchip and PIT, and
// raising IRQ lines. The core package depends only on these semantics, never
// on a particular kernel version's numbering beyond what is encoded here.
package kvmioctl

import (
	"os"
	"syscall"
	"unsafe"

	"github.com/gokvm/axvm/internal/axerr"
)

const (
	kvmGetAPIVersion       = 44544
	kvmCreateVM            = 44545
	kvmCreateVCPU          = 44609
	kvmRun                 = 44672
	kvmGetVCPUMMapSize     = 44548
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmSetUserMemoryRegion = 1075883590
	kvmCreateIRQChip       = 0xae60
	kvmIRQLine             = 0x4008ae61
	kvmCreatePIT2          = 0x4040ae77
	kvmSetTSSAddr          = 0xae47
	kvmSetIdentityMapAddr  = 0x4008ae48

	// ExitReason values from RunData.ExitReason.
	ExitUnknown       = 0
	ExitException     = 1
	ExitIO            = 2
	ExitHypercall     = 3
	ExitDebug         = 4
	ExitHLT           = 5
	ExitMMIO          = 6
	ExitIRQWindowOpen = 7
	ExitShutdown      = 8
	ExitFailEntry     = 9
	ExitIntr          = 10
	ExitSetTPR        = 11
	ExitTPRAccess     = 12
	ExitInternalError = 17

	ExitIOIn  = 0
	ExitIOOut = 1

	numInterrupts = 0x100
)

type Regs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64
}

type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

type Sregs struct {
	CS              Segment
	DS              Segment
	ES              Segment
	FS              Segment
	GS              Segment
	SS              Segment
	TR              Segment
	LDT             Segment
	GDT             Descriptor
	IDT             Descriptor
	CR0             uint64
	CR2             uint64
	CR3             uint64
	CR4             uint64
	CR8             uint64
	EFER            uint64
	ApicBase        uint64
	InterruptBitmap [(numInterrupts + 63) / 64]uint64
}

// RunData is the kernel/userspace shared page mapped at each vCPU's mmap
// offset; ExitReason and Data describe why KVM_RUN returned.
type RunData struct {
	RequestInterruptWindow     uint8
	_                          [7]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the Data union for an ExitIO exit: direction, operand size in
// bytes, port number, repeat count, and the data offset within this page.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return direction, size, port, count, offset
}

// MMIO decodes the Data union for an ExitMMIO exit: phys_addr (Data[0]), an
// 8-byte inline data buffer (Data[1]), then len/is_write packed into Data[2].
func (r *RunData) MMIO() (phys uint64, data []byte, length uint32, isWrite bool) {
	phys = r.Data[0]
	length = uint32(r.Data[2])
	isWrite = (r.Data[2]>>32)&0xFF != 0
	raw := (*[8]byte)(unsafe.Pointer(&r.Data[1]))
	data = raw[:length]

	return phys, data, length, isWrite
}

type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

const memLogDirtyPages = 1 << 0

func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() {
	r.Flags |= memLogDirtyPages
}

type irqLevel struct {
	IRQ   uint32
	Level int32
}

func ioctl(fd, op, arg uintptr) (uintptr, error) {
	res, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, op, arg)
	if errno != 0 {
		return res, errno
	}

	return res, nil
}

// OpenDevice opens the host virtualization character device.
func OpenDevice() (*os.File, error) {
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return nil, axerr.Wrap(axerr.HostCapabilityMissing, "open /dev/kvm", err)
	}

	return f, nil
}

func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, uintptr(kvmGetAPIVersion), 0)
}

func CreateVM(kvmFd uintptr) (uintptr, error) {
	r, err := ioctl(kvmFd, uintptr(kvmCreateVM), 0)
	if err != nil {
		return 0, axerr.Wrap(axerr.HostCapabilityMissing, "create vm", err)
	}

	return r, nil
}

func CreateVCPU(vmFd uintptr) (uintptr, error) {
	r, err := ioctl(vmFd, uintptr(kvmCreateVCPU), 0)
	if err != nil {
		return 0, axerr.Wrap(axerr.HostCapabilityMissing, "create vcpu", err)
	}

	return r, nil
}

func Run(vcpuFd uintptr) error {
	_, err := ioctl(vcpuFd, uintptr(kvmRun), 0)
	if err != nil && err != syscall.EINTR {
		return axerr.Wrap(axerr.VcpuFault, "kvm run", err)
	}

	return nil
}

func GetVCPUMMapSize(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, uintptr(kvmGetVCPUMMapSize), 0)
}

func GetSregs(vcpuFd uintptr) (Sregs, error) {
	sregs := Sregs{}
	_, err := ioctl(vcpuFd, uintptr(kvmGetSregs), uintptr(unsafe.Pointer(&sregs)))

	return sregs, err
}

func SetSregs(vcpuFd uintptr, sregs Sregs) error {
	_, err := ioctl(vcpuFd, uintptr(kvmSetSregs), uintptr(unsafe.Pointer(&sregs)))

	return err
}

func GetRegs(vcpuFd uintptr) (Regs, error) {
	regs := Regs{}
	_, err := ioctl(vcpuFd, uintptr(kvmGetRegs), uintptr(unsafe.Pointer(&regs)))

	return regs, err
}

func SetRegs(vcpuFd uintptr, regs Regs) error {
	_, err := ioctl(vcpuFd, uintptr(kvmSetRegs), uintptr(unsafe.Pointer(&regs)))

	return err
}

func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := ioctl(vmFd, uintptr(kvmSetUserMemoryRegion), uintptr(unsafe.Pointer(region)))
	if err != nil {
		return axerr.Wrap(axerr.HostCapabilityMissing, "set user memory region", err)
	}

	return nil
}

// CreateIRQChip installs the in-kernel PIC/IOAPIC emulation. Required before
// IRQLine or CreatePIT2 will succeed.
func CreateIRQChip(vmFd uintptr) error {
	_, err := ioctl(vmFd, uintptr(kvmCreateIRQChip), 0)
	if err != nil {
		return axerr.Wrap(axerr.HostCapabilityMissing, "create irqchip", err)
	}

	return nil
}

// CreatePIT2 installs the in-kernel i8254 PIT emulation with default config.
func CreatePIT2(vmFd uintptr) error {
	var config [16]uint32 // flags + padding, zero value selects defaults
	_, err := ioctl(vmFd, uintptr(kvmCreatePIT2), uintptr(unsafe.Pointer(&config[0])))
	if err != nil {
		return axerr.Wrap(axerr.HostCapabilityMissing, "create pit2", err)
	}

	return nil
}

// SetTSSAddr and SetIdentityMapAddr configure reserved guest physical ranges
// the kernel virtualization facility uses internally for real-mode emulation
// bookkeeping; required once per VM even though this monitor never enters
// real mode itself.
func SetTSSAddr(vmFd uintptr, addr uint64) error {
	_, err := ioctl(vmFd, uintptr(kvmSetTSSAddr), uintptr(addr))
	if err != nil {
		return axerr.Wrap(axerr.HostCapabilityMissing, "set tss addr", err)
	}

	return nil
}

func SetIdentityMapAddr(vmFd uintptr, addr uint64) error {
	_, err := ioctl(vmFd, uintptr(kvmSetIdentityMapAddr), uintptr(unsafe.Pointer(&addr)))
	if err != nil {
		return axerr.Wrap(axerr.HostCapabilityMissing, "set identity map addr", err)
	}

	return nil
}

// IRQLine raises (level=1) or lowers (level=0) a level-triggered IRQ line on
// the shared irqchip. Thread-safe on the kernel side.
func IRQLine(vmFd uintptr, irq uint32, level int32) error {
	l := irqLevel{IRQ: irq, Level: level}
	_, err := ioctl(vmFd, uintptr(kvmIRQLine), uintptr(unsafe.Pointer(&l)))
	if err != nil {
		return axerr.Wrap(axerr.VcpuFault, "set irq line", err)
	}

	return nil
}
