// Package vm is the orchestrator: it owns guest memory, every device, and
// every vCPU thread, and drives them from construction through boot to
// shutdown.
package vm

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/gokvm/axvm/internal/acpi"
	"github.com/gokvm/axvm/internal/config"
	"github.com/gokvm/axvm/internal/guestmem"
	"github.com/gokvm/axvm/internal/kvmioctl"
	"github.com/gokvm/axvm/internal/loader"
	"github.com/gokvm/axvm/internal/longmode"
	"github.com/gokvm/axvm/internal/metrics"
	"github.com/gokvm/axvm/internal/serial"
	"github.com/gokvm/axvm/internal/vcpu"
	"github.com/gokvm/axvm/internal/virtio"
)

const (
	mmioWindowBase = 0x00A0_0000

	memSlot = 0
)

// VM owns guest memory, the device registry, and one goroutine per vCPU.
type VM struct {
	cfg config.VM
	log zerolog.Logger

	kvmFile *kvmFD
	mem     *guestmem.Memory

	serial *serial.Serial
	blkTr  *virtio.Transport
	netTr  *virtio.Transport
	net    *virtio.Net

	vcpus []*vcpu.VCPU

	metrics  metrics.VM
	shutdown atomic.Bool

	wg sync.WaitGroup
}

// kvmFD bundles what every vCPU and the memory registration need: the
// /dev/kvm and VM file descriptors, and the per-vCPU mmap size.
type kvmFD struct {
	dev        uintptr
	vm         uintptr
	mmapSize   int
	closeFuncs []func() error
}

// New builds guest memory, installs the kernel/cmdline/zero page/page
// tables/GDT/ACPI tables, instantiates devices, and creates one vCPU per
// configured count. It does not start any vCPU thread; call Run for that.
func New(cfg config.VM, blkFile virtioBlockFile, netLink virtioNetLink, console io.Writer, log zerolog.Logger) (*VM, error) {
	v := &VM{cfg: cfg, log: log}

	size := cfg.MemoryMiB * 1024 * 1024

	mem, err := guestmem.New(size)
	if err != nil {
		return nil, err
	}

	v.mem = mem

	if err := mem.LockAndAdvise(); err != nil {
		log.Warn().Err(err).Msg("mlock/madvise on guest memory failed, continuing without it")
	}

	kern, err := loader.Load(cfg.KernelPath)
	if err != nil {
		return nil, err
	}

	if err := kern.InstallKernel(mem); err != nil {
		return nil, err
	}

	if cfg.CmdLine == "" {
		cfg.CmdLine = "console=ttyS0 reboot=k panic=1 pci=off"
	}

	hasBlk := blkFile != nil
	hasNet := netLink != nil

	var mmioBases []uint64

	slot := 0

	if hasBlk {
		mmioBases = append(mmioBases, uint64(mmioWindowBase+slot*virtio.MMIOWindowSize))
		slot++
	}

	if hasNet {
		mmioBases = append(mmioBases, uint64(mmioWindowBase+slot*virtio.MMIOWindowSize))
		slot++
	}

	cfg.AppendVirtioMMIOParams(virtio.MMIOWindowSize, hasBlk, hasNet, mmioBases)

	if err := loader.InstallCmdline(mem, cfg.CmdLine); err != nil {
		return nil, err
	}

	if err := kern.InstallZeroPage(mem, size); err != nil {
		return nil, err
	}

	cr3, err := longmode.BuildPageTables(mem)
	if err != nil {
		return nil, err
	}

	gdtBase, gdtLimit, err := longmode.BuildGDT(mem)
	if err != nil {
		return nil, err
	}

	tables := acpi.Build(cfg.VCPUCount)
	if err := mem.Write(acpi.BIOSWindow, tables.RSDPBytes); err != nil {
		return nil, err
	}

	if err := mem.Write(acpi.BIOSWindow+uint64(len(tables.RSDPBytes)), tables.RSDTBytes); err != nil {
		return nil, err
	}

	madtAddr := acpi.BIOSWindow + uint64(len(tables.RSDPBytes)) + uint64(len(tables.RSDTBytes))
	if err := mem.Write(madtAddr, tables.MADTBytes); err != nil {
		return nil, err
	}

	kvmFile, err := openKVM(mem)
	if err != nil {
		return nil, err
	}

	v.kvmFile = kvmFile

	if err := kvmioctl.CreateIRQChip(kvmFile.vm); err != nil {
		return nil, err
	}

	if err := kvmioctl.CreatePIT2(kvmFile.vm); err != nil {
		return nil, err
	}

	if console == nil {
		console = logWriter{&log}
	}

	v.serial = serial.New(console, log)
	v.serial.InjectIRQ = v.injectIRQ

	if blkFile != nil {
		blk := virtio.NewBlk(blkFile, log)
		v.blkTr = virtio.NewTransport(blk, mem, uint32(cfg.BlkIRQ), log)
		v.blkTr.InjectIRQ = v.injectIRQ
	}

	// The net device serves TX kicks only: no receive worker is started and
	// PumpRx is never called, so frames read from netLink do not reach the
	// guest.
	if netLink != nil {
		mac := [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
		v.net = virtio.NewNet(netLink, mac, log)
		v.netTr = virtio.NewTransport(v.net, mem, uint32(cfg.NetIRQ), log)
		v.netTr.InjectIRQ = v.injectIRQ
	}

	for i := 0; i < cfg.VCPUCount; i++ {
		cpu, err := vcpu.New(i, kvmFile.vm, kvmFile.mmapSize, mem, &v.shutdown, &v.metrics, log)
		if err != nil {
			return nil, err
		}

		cpu.RegisterPIO(serial.PortBase, serial.PortBase+serial.PortSize, v.serial)

		mb := 0

		if v.blkTr != nil {
			base := mmioBases[mb]
			cpu.RegisterMMIO(base, base+virtio.MMIOWindowSize, v.blkTr)
			mb++
		}

		if v.netTr != nil {
			base := mmioBases[mb]
			cpu.RegisterMMIO(base, base+virtio.MMIOWindowSize, v.netTr)
			mb++
		}

		if i == 0 {
			regs := kvmioctl.Regs{
				RFLAGS: 0x2,
				RIP:    kern.EntryPoint(),
				RSI:    loader.ZeroPageAddr,
			}

			if err := cpu.SetRegs(regs); err != nil {
				return nil, err
			}

			if err := cpu.SetSregs(longmode.Sregs(cr3, gdtBase, gdtLimit)); err != nil {
				return nil, err
			}
		} else {
			// Secondary vCPUs sit at the same entry; without SIPI support
			// they will HLT immediately and wait for an INIT/SIPI this
			// monitor never sends. Documented limitation.
			if err := cpu.SetRegs(kvmioctl.Regs{RFLAGS: 0x2, RIP: kern.EntryPoint(), RSI: loader.ZeroPageAddr}); err != nil {
				return nil, err
			}

			if err := cpu.SetSregs(longmode.Sregs(cr3, gdtBase, gdtLimit)); err != nil {
				return nil, err
			}
		}

		v.vcpus = append(v.vcpus, cpu)
	}

	return v, nil
}

func (v *VM) injectIRQ(line uint32) {
	if err := kvmioctl.IRQLine(v.kvmFile.vm, line, 1); err != nil {
		v.log.Warn().Err(err).Uint32("irq", line).Msg("failed to raise irq line")
		return
	}

	if err := kvmioctl.IRQLine(v.kvmFile.vm, line, 0); err != nil {
		v.log.Warn().Err(err).Uint32("irq", line).Msg("failed to lower irq line")
	}
}

// Run starts every vCPU on its own goroutine and blocks until all have
// returned (either because the shutdown flag was set, or one hit a fatal
// error, which itself sets the shutdown flag so the others unwind too).
func (v *VM) Run() error {
	errs := make(chan error, len(v.vcpus))

	for _, cpu := range v.vcpus {
		v.wg.Add(1)

		go func(cpu *vcpu.VCPU) {
			defer v.wg.Done()

			if err := cpu.Run(); err != nil {
				v.shutdown.Store(true)
				errs <- err

				return
			}

			errs <- nil
		}(cpu)
	}

	v.wg.Wait()
	close(errs)

	var first error

	for err := range errs {
		if err != nil && first == nil {
			first = err
		}
	}

	if v.cfg.NoMetrics {
		return first
	}

	snap := v.metrics.Snapshot()
	v.log.Info().
		Uint64("vcpu_runs", snap.VCPURuns).
		Uint64("vcpu_exits", snap.VCPUExits).
		Uint64("io_exits", snap.IOExits).
		Uint64("mmio_exits", snap.MMIOExits).
		Uint64("errors_total", snap.ErrorsTotal).
		Msg("vm shutdown, final metrics")

	return first
}

// Shutdown requests every vCPU thread stop at its next exit boundary.
func (v *VM) Shutdown() {
	v.shutdown.Store(true)
}

// ConsolePush forwards one host-typed byte to the guest's serial RBR,
// raising the serial IRQ if the guest has RX interrupts enabled.
func (v *VM) ConsolePush(b byte) {
	v.serial.Push(b)
}

// Metrics returns a live snapshot of the VM's lifetime counters.
func (v *VM) Metrics() metrics.Snapshot {
	return v.metrics.Snapshot()
}

// Close tears down guest memory and every vCPU's run-page mapping. The
// underlying /dev/kvm and VM file descriptors are closed with it.
func (v *VM) Close() error {
	for _, cpu := range v.vcpus {
		_ = cpu.Close()
	}

	if v.kvmFile != nil {
		for _, f := range v.kvmFile.closeFuncs {
			_ = f()
		}
	}

	return v.mem.Close()
}

// virtioBlockFile and virtioNetLink are the narrow interfaces New needs from
// its caller-supplied backing file / network link, so this package does not
// import os. A plain *os.File serves as the link; the backing file also needs
// Size(), which cmd/axvm adds with a thin *os.File wrapper.
type virtioBlockFile interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Size() (int64, error)
}

type virtioNetLink = io.ReadWriter

// logWriter adapts a zerolog.Logger to io.Writer for the serial console's
// transmit side, so guest console output flows through structured logging
// at Info level rather than straight to os.Stdout.
type logWriter struct {
	log *zerolog.Logger
}

func (w logWriter) Write(p []byte) (int, error) {
	w.log.Info().Str("port", "com1").Bytes("data", p).Msg("serial tx")
	return len(p), nil
}
