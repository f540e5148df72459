package virtio

import (
	"encoding/binary"

	"github.com/rs/zerolog"

	"github.com/gokvm/axvm/internal/axerr"
	"github.com/gokvm/axvm/internal/guestmem"
)

// MMIOWindowSize is the fixed guest-physical footprint of every
// VirtIO-MMIO device, regardless of backend.
const MMIOWindowSize = 0x200

const (
	regMagicValue        = 0x000
	regVersion           = 0x004
	regDeviceID          = 0x008
	regVendorID          = 0x00C
	regDeviceFeatures    = 0x010
	regDeviceFeaturesSel = 0x014
	regDriverFeatures    = 0x020
	regDriverFeaturesSel = 0x024
	regQueueSel          = 0x030
	regQueueNumMax       = 0x034
	regQueueNum          = 0x038
	regQueueReady        = 0x044
	regQueueNotify       = 0x050
	regInterruptStatus   = 0x060
	regInterruptACK      = 0x064
	regStatus            = 0x070
	regQueueDescLow      = 0x080
	regQueueDescHigh     = 0x084
	regQueueDriverLow    = 0x090
	regQueueDriverHigh   = 0x094
	regQueueDeviceLow    = 0x0A0
	regQueueDeviceHigh   = 0x0A4
	regConfigStart       = 0x100

	magicValue = 0x74726976 // "virt"
	version    = 2
	vendorID   = 0x554D4551 // arbitrary, matches no real vendor

	queueNumMax = 256

	statusAcknowledge  = 1 << 0
	statusDriver       = 1 << 1
	statusDriverOK     = 1 << 2
	statusFeaturesOK   = 1 << 3
	statusFailed       = 1 << 7

	interruptUsedRing    = 1 << 0
	interruptConfigChange = 1 << 1
)

// Backend is implemented by a specific device model (block, net) plugged
// into a Transport.
type Backend interface {
	DeviceID() uint32
	Features() uint64
	QueueCount() int
	ConfigRead(offset uint64, data []byte)
	ConfigWrite(offset uint64, data []byte)
	// HandleNotify is called when the driver kicks queue idx; the backend
	// walks q for as many chains as are available and returns after it has
	// drained the queue or made progress on it.
	HandleNotify(queue int, q *Queue, mem *guestmem.Memory) error
}

// Transport implements one VirtIO-MMIO device's register file and virtqueue
// bookkeeping, dispatching queue kicks to a Backend.
type Transport struct {
	backend Backend
	mem     *guestmem.Memory
	irq     uint32
	log     zerolog.Logger

	InjectIRQ func(line uint32)

	deviceFeaturesSel uint32
	driverFeaturesSel uint32
	driverFeatures    uint64

	queueSel uint32
	queues   []*Queue

	status           uint8
	interruptStatus  uint8
}

// NewTransport wires backend to a fresh register file backed by mem, raising
// irq on used-ring updates.
func NewTransport(backend Backend, mem *guestmem.Memory, irq uint32, log zerolog.Logger) *Transport {
	queues := make([]*Queue, backend.QueueCount())
	for i := range queues {
		queues[i] = &Queue{}
	}

	return &Transport{
		backend:   backend,
		mem:       mem,
		irq:       irq,
		log:       log,
		queues:    queues,
		InjectIRQ: func(uint32) {},
	}
}

func le32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
func putLE32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }

// Read handles an MMIO read at offset within this device's 0x200-byte window.
func (t *Transport) Read(offset uint64, data []byte) error {
	if offset >= regConfigStart {
		t.backend.ConfigRead(offset-regConfigStart, data)
		return nil
	}

	if len(data) != 4 {
		return axerr.New(axerr.VirtqueueMalformed, "non-word-sized register access")
	}

	var v uint32

	switch offset {
	case regMagicValue:
		v = magicValue
	case regVersion:
		v = version
	case regDeviceID:
		v = t.backend.DeviceID()
	case regVendorID:
		v = vendorID
	case regDeviceFeatures:
		features := t.backend.Features()
		if t.deviceFeaturesSel == 0 {
			v = uint32(features)
		} else {
			v = uint32(features >> 32)
		}
	case regQueueNumMax:
		v = queueNumMax
	case regQueueReady:
		if t.activeQueue().Ready {
			v = 1
		}
	case regInterruptStatus:
		v = uint32(t.interruptStatus)
	case regStatus:
		v = uint32(t.status)
	default:
		v = 0
	}

	putLE32(data, v)

	return nil
}

// Write handles an MMIO write at offset within this device's window.
func (t *Transport) Write(offset uint64, data []byte) error {
	if offset >= regConfigStart {
		t.backend.ConfigWrite(offset-regConfigStart, data)
		return nil
	}

	if len(data) != 4 {
		return axerr.New(axerr.VirtqueueMalformed, "non-word-sized register access")
	}

	v := le32(data)

	switch offset {
	case regDeviceFeaturesSel:
		if t.status&statusDriverOK != 0 {
			break
		}

		t.deviceFeaturesSel = v
	case regDriverFeatures:
		if t.status&statusDriverOK != 0 {
			break
		}

		if t.driverFeaturesSel == 0 {
			t.driverFeatures = (t.driverFeatures &^ 0xFFFFFFFF) | uint64(v)
		} else {
			t.driverFeatures = (t.driverFeatures & 0xFFFFFFFF) | (uint64(v) << 32)
		}
	case regDriverFeaturesSel:
		if t.status&statusDriverOK != 0 {
			break
		}

		t.driverFeaturesSel = v
	case regQueueSel:
		t.queueSel = v
	case regQueueNum:
		t.activeQueue().Num = v
	case regQueueReady:
		t.activeQueue().Ready = v != 0
	case regQueueNotify:
		return t.notify(int(v))
	case regInterruptACK:
		t.interruptStatus &^= uint8(v)
	case regStatus:
		t.setStatus(uint8(v))
	case regQueueDescLow:
		t.setLow(&t.activeQueue().DescGPA, v)
	case regQueueDescHigh:
		t.setHigh(&t.activeQueue().DescGPA, v)
	case regQueueDriverLow:
		t.setLow(&t.activeQueue().AvailGPA, v)
	case regQueueDriverHigh:
		t.setHigh(&t.activeQueue().AvailGPA, v)
	case regQueueDeviceLow:
		t.setLow(&t.activeQueue().UsedGPA, v)
	case regQueueDeviceHigh:
		t.setHigh(&t.activeQueue().UsedGPA, v)
	default:
	}

	return nil
}

func (t *Transport) setLow(field *uint64, v uint32) {
	*field = (*field &^ 0xFFFFFFFF) | uint64(v)
}

func (t *Transport) setHigh(field *uint64, v uint32) {
	*field = (*field & 0xFFFFFFFF) | (uint64(v) << 32)
}

func (t *Transport) activeQueue() *Queue {
	if int(t.queueSel) >= len(t.queues) {
		return &Queue{}
	}

	return t.queues[t.queueSel]
}

// setStatus implements the device status state machine: writing zero resets
// the device (clearing all queues and negotiated state); otherwise bits
// accumulate, following the standard ACKNOWLEDGE -> DRIVER -> FEATURES_OK ->
// DRIVER_OK progression without enforcing it, except that FEATURES_OK is
// refused (left unlatched) if the driver negotiated any bit the backend
// doesn't offer.
func (t *Transport) setStatus(v uint8) {
	if v == 0 {
		t.reset()
		return
	}

	if v&statusFeaturesOK != 0 && t.driverFeatures&^t.backend.Features() != 0 {
		v &^= statusFeaturesOK
	}

	t.status |= v
}

func (t *Transport) reset() {
	t.status = 0
	t.interruptStatus = 0
	t.deviceFeaturesSel = 0
	t.driverFeaturesSel = 0
	t.driverFeatures = 0

	for _, q := range t.queues {
		*q = Queue{}
	}
}

func (t *Transport) notify(queueIdx int) error {
	if queueIdx < 0 || queueIdx >= len(t.queues) {
		return axerr.New(axerr.VirtqueueMalformed, "queue notify index out of range")
	}

	q := t.queues[queueIdx]
	if !q.Ready {
		return nil
	}

	if err := t.backend.HandleNotify(queueIdx, q, t.mem); err != nil {
		return err
	}

	t.interruptStatus |= interruptUsedRing
	t.InjectIRQ(t.irq)

	return nil
}
