// Package metrics holds the atomic counters the VM orchestrator accumulates
// over its lifetime and reports at shutdown.
package metrics

import "sync/atomic"

// VM accumulates lifetime counters for a single VM instance. Zero value is ready to use.
type VM struct {
	VCPURuns      atomic.Uint64
	VCPUExits     atomic.Uint64
	IOExits       atomic.Uint64
	MMIOExits     atomic.Uint64
	ErrorsTotal   atomic.Uint64
	BlockRequests atomic.Uint64
	NetRxFrames   atomic.Uint64
	NetTxFrames   atomic.Uint64
	NetRxDrops    atomic.Uint64
}

// Snapshot is a point-in-time copy of VM's counters, safe to log or marshal.
type Snapshot struct {
	VCPURuns      uint64
	VCPUExits     uint64
	IOExits       uint64
	MMIOExits     uint64
	ErrorsTotal   uint64
	BlockRequests uint64
	NetRxFrames   uint64
	NetTxFrames   uint64
	NetRxDrops    uint64
}

// Snapshot reads every counter once, without synchronizing across counters.
func (m *VM) Snapshot() Snapshot {
	return Snapshot{
		VCPURuns:      m.VCPURuns.Load(),
		VCPUExits:     m.VCPUExits.Load(),
		IOExits:       m.IOExits.Load(),
		MMIOExits:     m.MMIOExits.Load(),
		ErrorsTotal:   m.ErrorsTotal.Load(),
		BlockRequests: m.BlockRequests.Load(),
		NetRxFrames:   m.NetRxFrames.Load(),
		NetTxFrames:   m.NetTxFrames.Load(),
		NetRxDrops:    m.NetRxDrops.Load(),
	}
}
