package virtio

import (
	"io"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/gokvm/axvm/internal/guestmem"
)

const (
	NetDeviceID = 1

	// netHeaderLen is the size of the virtio-net per-packet header that
	// precedes the Ethernet frame in both RX and TX buffers.
	netHeaderLen = 12

	rxQueueIdx = 0
	txQueueIdx = 1

	maxFrameLen = 65536
)

// Net is a virtio-net backend bridging a TAP-like file descriptor: frames
// read from Link are delivered to the guest's RX queue, and frames the guest
// submits on the TX queue are written to Link.
type Net struct {
	link io.ReadWriter
	mac  [6]byte
	log  zerolog.Logger

	rxFrames atomic.Uint64
	txFrames atomic.Uint64
	rxDrops  atomic.Uint64
}

// NewNet builds a net backend bridging link, advertising mac as the device's
// hardware address in its config space.
func NewNet(link io.ReadWriter, mac [6]byte, log zerolog.Logger) *Net {
	return &Net{link: link, mac: mac, log: log}
}

func (n *Net) RxFrames() uint64 { return n.rxFrames.Load() }
func (n *Net) TxFrames() uint64 { return n.txFrames.Load() }
func (n *Net) RxDrops() uint64  { return n.rxDrops.Load() }

func (n *Net) DeviceID() uint32 { return NetDeviceID }

const featureMac = 1 << 5

func (n *Net) Features() uint64 { return featureMac }

func (n *Net) QueueCount() int { return 2 }

func (n *Net) ConfigRead(offset uint64, data []byte) {
	cfg := make([]byte, 8)
	copy(cfg[0:6], n.mac[:])
	cfg[6] = 1 // status: VIRTIO_NET_S_LINK_UP

	if int(offset)+len(data) > len(cfg) {
		return
	}

	copy(data, cfg[offset:])
}

func (n *Net) ConfigWrite(uint64, []byte) {}

// HandleNotify drains the TX queue (queue 1) to the link on every kick; a
// kick on the RX queue (queue 0) does nothing. Frames reach the RX queue
// only through calls to PumpRx, one frame per call.
func (n *Net) HandleNotify(queue int, q *Queue, mem *guestmem.Memory) error {
	if queue != txQueueIdx {
		return nil
	}

	for {
		chain, ok, err := q.PopAvail(mem)
		if err != nil {
			return err
		}

		if !ok {
			return nil
		}

		if err := n.sendChain(chain); err != nil {
			n.log.Warn().Err(err).Msg("virtio-net tx failed")
		} else {
			n.txFrames.Add(1)
		}

		if err := q.PushUsed(mem, chain, netHeaderLen); err != nil {
			return err
		}
	}
}

func (n *Net) sendChain(chain Chain) error {
	total := 0
	for _, b := range chain.Bufs {
		total += len(b)
	}

	if total < netHeaderLen {
		return nil
	}

	frame := make([]byte, 0, total-netHeaderLen)
	skipped := 0

	for _, b := range chain.Bufs {
		if skipped < netHeaderLen {
			n := netHeaderLen - skipped
			if n > len(b) {
				n = len(b)
			}

			skipped += n
			b = b[n:]
		}

		frame = append(frame, b...)
	}

	_, err := n.link.Write(frame)

	return err
}

// PumpRx reads one frame from the link and delivers it to the RX queue if
// the driver has a buffer available, prefixed with a zeroed virtio-net
// header. Returns ok=false when the RX queue has no buffer ready (the frame
// is dropped and counted).
func (n *Net) PumpRx(q *Queue, mem *guestmem.Memory) (ok bool, err error) {
	buf := make([]byte, maxFrameLen)

	nRead, err := n.link.Read(buf)
	if err != nil {
		return false, err
	}

	chain, ok, err := q.PopAvail(mem)
	if err != nil {
		return false, err
	}

	if !ok {
		n.rxDrops.Add(1)
		return false, nil
	}

	written, filled := n.fillChain(chain, buf[:nRead])
	if !filled {
		n.rxDrops.Add(1)

		if err := q.PushUsed(mem, chain, 0); err != nil {
			return false, err
		}

		return false, nil
	}

	if err := q.PushUsed(mem, chain, written); err != nil {
		return false, err
	}

	n.rxFrames.Add(1)

	return true, nil
}

// fillChain copies the virtio-net header followed by frame into chain's
// device-writable buffers in order. If their combined capacity is smaller
// than the header plus frame, nothing is written and ok is false: the frame
// is dropped rather than delivered truncated.
func (n *Net) fillChain(chain Chain, frame []byte) (written uint32, ok bool) {
	var hdr [netHeaderLen]byte

	needed := len(hdr) + len(frame)

	capacity := 0

	for i, b := range chain.Bufs {
		if chain.Write[i] {
			capacity += len(b)
		}
	}

	if capacity < needed {
		return 0, false
	}

	remaining := append(hdr[:0:0], hdr[:]...)
	remaining = append(remaining, frame...)

	for i, b := range chain.Bufs {
		if !chain.Write[i] {
			continue
		}

		n := len(b)
		if n > len(remaining) {
			n = len(remaining)
		}

		copy(b, remaining[:n])
		written += uint32(n)
		remaining = remaining[n:]

		if len(remaining) == 0 {
			break
		}
	}

	return written, true
}
