// Package vcpu drives a single guest vCPU on its own host thread: bringing
// it up in long mode, running the KVM_RUN loop, and dispatching every exit
// reason to the device registry the orchestrator installed.
package vcpu

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/rs/zerolog"
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sys/unix"

	"github.com/gokvm/axvm/internal/axerr"
	"github.com/gokvm/axvm/internal/guestmem"
	"github.com/gokvm/axvm/internal/kvmioctl"
	"github.com/gokvm/axvm/internal/metrics"
)

// PortIODevice is implemented by anything mapped into the PIO address space
// (currently only the serial UART).
type PortIODevice interface {
	In(port uint64, data []byte) error
	Out(port uint64, data []byte) error
}

// MMIODevice is implemented by anything mapped into the MMIO address space
// (the VirtIO transports).
type MMIODevice interface {
	Read(offset uint64, data []byte) error
	Write(offset uint64, data []byte) error
}

type pioRegion struct {
	start, end uint64
	dev        PortIODevice
}

type mmioRegion struct {
	start, end uint64
	dev        MMIODevice
}

// VCPU owns one guest vCPU's file descriptor, its mmap'd run page, and the
// register snapshot captured at its last exit.
type VCPU struct {
	ID int

	fd   uintptr
	page []byte
	run  *kvmioctl.RunData

	mem *guestmem.Memory
	log zerolog.Logger

	pio  []pioRegion
	mmio []mmioRegion

	shutdown *atomic.Bool
	metrics  *metrics.VM

	lastRegs kvmioctl.Regs
}

// New opens a vCPU on vmFd, mmaps its run page, and returns it unstarted.
func New(id int, vmFd uintptr, mmapSize int, mem *guestmem.Memory, shutdown *atomic.Bool,
	m *metrics.VM, log zerolog.Logger,
) (*VCPU, error) {
	fd, err := kvmioctl.CreateVCPU(vmFd)
	if err != nil {
		return nil, err
	}

	page, err := unix.Mmap(int(fd), 0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, axerr.Wrap(axerr.HostCapabilityMissing, "mmap vcpu run page", err)
	}

	return &VCPU{
		ID:       id,
		fd:       fd,
		page:     page,
		run:      (*kvmioctl.RunData)(unsafe.Pointer(&page[0])),
		mem:      mem,
		log:      log.With().Int("vcpu", id).Logger(),
		shutdown: shutdown,
		metrics:  m,
	}, nil
}

// RegisterPIO installs dev for guest physical... port range [start, end).
func (v *VCPU) RegisterPIO(start, end uint64, dev PortIODevice) {
	v.pio = append(v.pio, pioRegion{start, end, dev})
}

// RegisterMMIO installs dev for address range [start, end).
func (v *VCPU) RegisterMMIO(start, end uint64, dev MMIODevice) {
	v.mmio = append(v.mmio, mmioRegion{start, end, dev})
}

// SetRegs and SetSregs push the initial (or updated) register state.
func (v *VCPU) SetRegs(regs kvmioctl.Regs) error {
	return kvmioctl.SetRegs(v.fd, regs)
}

func (v *VCPU) SetSregs(sregs kvmioctl.Sregs) error {
	return kvmioctl.SetSregs(v.fd, sregs)
}

// LastRegs returns the register snapshot captured at the most recent exit.
func (v *VCPU) LastRegs() kvmioctl.Regs {
	return v.lastRegs
}

// Close unmaps the run page and closes the vCPU file descriptor. VM.Close
// calls it for every vCPU before closing the VM and /dev/kvm descriptors.
func (v *VCPU) Close() error {
	err := unix.Munmap(v.page)

	if closeErr := unix.Close(int(v.fd)); closeErr != nil && err == nil {
		err = closeErr
	}

	return err
}

// Run pins the calling goroutine to its OS thread (required: KVM state is
// per-thread) and loops KVM_RUN until the shutdown flag is set or a fatal
// exit occurs.
func (v *VCPU) Run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for !v.shutdown.Load() {
		v.metrics.VCPURuns.Add(1)

		if err := kvmioctl.Run(v.fd); err != nil {
			return axerr.Wrap(axerr.VcpuFault, "vcpu run", err)
		}

		v.metrics.VCPUExits.Add(1)

		if regs, err := kvmioctl.GetRegs(v.fd); err == nil {
			v.lastRegs = regs
		}

		fatal, err := v.dispatch()
		if err != nil {
			v.metrics.ErrorsTotal.Add(1)
			v.log.Warn().Err(err).Msg("exit dispatch error")

			if fatal {
				v.logDisassembly()

				return err
			}
		}

		if v.run.ExitReason == kvmioctl.ExitShutdown {
			return nil
		}
	}

	return nil
}

// dispatch handles a single KVM_RUN return. fatal reports whether the error
// (if any) requires the VM to shut down.
func (v *VCPU) dispatch() (fatal bool, err error) {
	switch v.run.ExitReason {
	case kvmioctl.ExitHLT, kvmioctl.ExitIntr, kvmioctl.ExitIRQWindowOpen:
		return false, nil

	case kvmioctl.ExitIO:
		v.metrics.IOExits.Add(1)
		return v.handleIO()

	case kvmioctl.ExitMMIO:
		v.metrics.MMIOExits.Add(1)
		return v.handleMMIO()

	case kvmioctl.ExitShutdown:
		return false, nil

	case kvmioctl.ExitFailEntry, kvmioctl.ExitInternalError:
		return true, axerr.New(axerr.VcpuFault, fmt.Sprintf("exit reason %d: entry failure", v.run.ExitReason))

	default:
		return true, axerr.New(axerr.UnhandledExit, fmt.Sprintf("unhandled exit reason %d", v.run.ExitReason))
	}
}

func (v *VCPU) handleIO() (fatal bool, err error) {
	direction, size, port, count, dataOffset := v.run.IO()

	data := v.page[dataOffset : dataOffset+size*count]

	for _, r := range v.pio {
		if port < r.start || port >= r.end {
			continue
		}

		for i := uint64(0); i < count; i++ {
			chunk := data[i*size : (i+1)*size]

			var ioErr error
			if direction == kvmioctl.ExitIOIn {
				ioErr = r.dev.In(port, chunk)
			} else {
				ioErr = r.dev.Out(port, chunk)
			}

			if ioErr != nil {
				return true, axerr.Wrap(axerr.UnhandledExit, "pio handler", ioErr)
			}
		}

		return false, nil
	}

	return false, nil // unclaimed ports are silently ignored, matching real BIOS-less firmware behavior
}

func (v *VCPU) handleMMIO() (fatal bool, err error) {
	phys, data, _, isWrite := v.run.MMIO()

	for _, r := range v.mmio {
		if phys < r.start || phys >= r.end {
			continue
		}

		offset := phys - r.start

		var mmioErr error
		if isWrite {
			mmioErr = r.dev.Write(offset, data)
		} else {
			mmioErr = r.dev.Read(offset, data)
		}

		if mmioErr != nil {
			var axErr *axerr.Error
			if asAxerr(mmioErr, &axErr) && axErr.IsRecoverable() {
				v.log.Warn().Err(mmioErr).Msg("recoverable mmio error")
				return false, nil
			}

			return true, axerr.Wrap(axerr.UnhandledExit, "mmio handler", mmioErr)
		}

		return false, nil
	}

	return false, nil
}

func asAxerr(err error, target **axerr.Error) bool {
	type unwrapper interface{ Unwrap() error }

	for err != nil {
		if e, ok := err.(*axerr.Error); ok {
			*target = e
			return true
		}

		u, ok := err.(unwrapper)
		if !ok {
			return false
		}

		err = u.Unwrap()
	}

	return false
}

// logDisassembly best-effort disassembles the instruction at the last
// snapshot's RIP, to enrich the fatal error log. Never called on the hot
// path, only after a VcpuFault/UnhandledExit.
func (v *VCPU) logDisassembly() {
	code, err := v.mem.Slice(v.lastRegs.RIP, 16)
	if err != nil {
		return
	}

	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		v.log.Warn().Uint64("rip", v.lastRegs.RIP).Msg("could not disassemble faulting instruction")
		return
	}

	v.log.Warn().
		Uint64("rip", v.lastRegs.RIP).
		Str("instruction", x86asm.GNUSyntax(inst, v.lastRegs.RIP, nil)).
		Msg("faulting instruction")
}
