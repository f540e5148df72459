package vm

import (
	"golang.org/x/sys/unix"

	"github.com/gokvm/axvm/internal/axerr"
	"github.com/gokvm/axvm/internal/guestmem"
	"github.com/gokvm/axvm/internal/kvmioctl"
)

// identityMapAddr and tssAddr sit just below the page tables, in guest RAM
// KVM reserves for its own real-mode emulation bookkeeping; this monitor
// never enters real mode, but Intel VMX still requires both addresses set
// before the first vCPU is created.
const (
	identityMapAddr = 0x00FF_F000
	tssAddr         = 0x00FF_D000
)

func openKVM(mem *guestmem.Memory) (*kvmFD, error) {
	dev, err := kvmioctl.OpenDevice()
	if err != nil {
		return nil, err
	}

	vmFd, err := kvmioctl.CreateVM(dev.Fd())
	if err != nil {
		dev.Close()
		return nil, err
	}

	region := &kvmioctl.UserspaceMemoryRegion{
		Slot:          memSlot,
		GuestPhysAddr: 0,
		MemorySize:    mem.Size(),
		UserspaceAddr: uint64(mem.HostPtr()),
	}

	if err := kvmioctl.SetUserMemoryRegion(vmFd, region); err != nil {
		dev.Close()
		return nil, err
	}

	if err := kvmioctl.SetTSSAddr(vmFd, tssAddr); err != nil {
		dev.Close()
		return nil, err
	}

	if err := kvmioctl.SetIdentityMapAddr(vmFd, identityMapAddr); err != nil {
		dev.Close()
		return nil, err
	}

	mmapSize, err := kvmioctl.GetVCPUMMapSize(dev.Fd())
	if err != nil {
		dev.Close()
		return nil, axerr.Wrap(axerr.HostCapabilityMissing, "get vcpu mmap size", err)
	}

	return &kvmFD{
		dev:      dev.Fd(),
		vm:       vmFd,
		mmapSize: int(mmapSize),
		closeFuncs: []func() error{
			func() error { return unix.Close(int(vmFd)) },
			dev.Close,
		},
	}, nil
}
