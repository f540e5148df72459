// Package config holds the VM configuration surface: CLI-derived fields,
// validation, and an optional YAML overlay.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gokvm/axvm/internal/axerr"
)

const (
	MinMemoryMiB = 32
	MaxVCPUs     = 20
	MinVCPUs     = 1

	DefaultBlkIRQ = 5
	DefaultNetIRQ = 6
)

// VM is the fully resolved configuration the orchestrator consumes.
type VM struct {
	MemoryMiB  uint64 `yaml:"memory_mib"`
	VCPUCount  int    `yaml:"vcpu_count"`
	KernelPath string `yaml:"kernel_path"`
	DiskPath   string `yaml:"disk_path"`
	TapName    string `yaml:"tap_name"`
	CmdLine    string `yaml:"cmdline"`
	BlkIRQ     uint8  `yaml:"blk_irq"`
	NetIRQ     uint8  `yaml:"net_irq"`
	Verbosity  int    `yaml:"-"`
	NoMetrics  bool   `yaml:"-"`
}

// LoadYAML overlays fields found in path onto cfg. Fields absent from the
// file are left untouched; fields present replace whatever cfg held. The
// axvm command calls it after copying the flags into cfg, so a value in the
// file overrides the matching flag, and flags do not override the file.
func LoadYAML(cfg *VM, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return axerr.Wrap(axerr.ConfigInvalid, "read config file "+path, err)
	}

	if err := yaml.Unmarshal(b, cfg); err != nil {
		return axerr.Wrap(axerr.ConfigInvalid, "parse config file "+path, err)
	}

	return nil
}

// Validate checks the bounds and host-side preconditions original_source's
// VmConfig::validate enforces, translated to plain Go rather than a
// derive-macro validator.
func (c *VM) Validate() error {
	if c.MemoryMiB < MinMemoryMiB {
		return axerr.New(axerr.ConfigInvalid, "memory size below minimum of 32 MiB")
	}

	if c.VCPUCount < MinVCPUs || c.VCPUCount > MaxVCPUs {
		return axerr.New(axerr.ConfigInvalid, "vcpu count must be between 1 and 20")
	}

	if c.KernelPath == "" {
		return axerr.New(axerr.ConfigInvalid, "kernel path is required")
	}

	if _, err := os.Stat(c.KernelPath); err != nil {
		return axerr.Wrap(axerr.ConfigInvalid, "kernel path not accessible", err)
	}

	if c.DiskPath != "" {
		if _, err := os.Stat(c.DiskPath); err != nil {
			return axerr.Wrap(axerr.ConfigInvalid, "disk path not accessible", err)
		}
	}

	if c.BlkIRQ == 0 {
		c.BlkIRQ = DefaultBlkIRQ
	}

	if c.NetIRQ == 0 {
		c.NetIRQ = DefaultNetIRQ
	}

	return nil
}

// VirtioMMIODeviceParam formats a single device's discovery fragment in the
// virtio_mmio.device=<size>@<baseaddr>:<irq> form the kernel's
// drivers/virtio/virtio_mmio.c command-line parser expects.
func VirtioMMIODeviceParam(size uint64, base uint64, irq uint8) string {
	return fmt.Sprintf("virtio_mmio.device=%d@0x%x:%d", size, base, irq)
}

// AppendVirtioMMIOParams appends one virtio_mmio.device fragment per base
// address in bases (in order) to c.CmdLine, using windowSize for each. IRQs
// are matched to bases in order over the devices present: BlkIRQ (if hasBlk)
// then NetIRQ (if hasNet), so with no block device the first base gets NetIRQ.
func (c *VM) AppendVirtioMMIOParams(windowSize uint64, hasBlk, hasNet bool, bases []uint64) {
	irqs := make([]uint8, 0, 2)

	if hasBlk {
		irqs = append(irqs, c.BlkIRQ)
	}

	if hasNet {
		irqs = append(irqs, c.NetIRQ)
	}

	for i, base := range bases {
		if i >= len(irqs) {
			break
		}

		c.CmdLine += " " + VirtioMMIODeviceParam(windowSize, base, irqs[i])
	}
}
