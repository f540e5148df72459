package virtio

import (
	"bytes"
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/gokvm/axvm/internal/guestmem"
)

// loopbackLink is an io.ReadWriter test double with a fixed read payload and
// a recording of everything written to it.
type loopbackLink struct {
	toRead  []byte
	written bytes.Buffer
}

func (l *loopbackLink) Read(p []byte) (int, error) {
	if len(l.toRead) == 0 {
		return 0, io.EOF
	}

	n := copy(p, l.toRead)
	l.toRead = nil

	return n, nil
}

func (l *loopbackLink) Write(p []byte) (int, error) {
	return l.written.Write(p)
}

func TestNetTxStripsHeaderAndWritesLink(t *testing.T) {
	mem, err := guestmem.New(1 << 20)
	if err != nil {
		t.Fatalf("guestmem.New() = %v", err)
	}
	defer mem.Close()

	link := &loopbackLink{}
	net := NewNet(link, [6]byte{0xAA}, zerolog.Nop())

	q := layoutQueue(t, mem, 0x3000, 4)

	hdr := make([]byte, netHeaderLen)
	frame := []byte("ethernet-frame-bytes")

	gpa := uint64(0x30000)
	if err := mem.Write(gpa, append(hdr, frame...)); err != nil {
		t.Fatalf("write: %v", err)
	}

	putDescriptor(t, mem, q, 0, Descriptor{Addr: gpa, Len: uint32(netHeaderLen + len(frame))})
	pushAvail(t, mem, q, 0)

	if err := net.HandleNotify(txQueueIdx, q, mem); err != nil {
		t.Fatalf("HandleNotify() = %v", err)
	}

	if link.written.String() != string(frame) {
		t.Errorf("written = %q, want %q", link.written.String(), frame)
	}

	if net.TxFrames() != 1 {
		t.Errorf("TxFrames() = %d, want 1", net.TxFrames())
	}
}

func TestNetRxDropsWithoutBuffer(t *testing.T) {
	mem, err := guestmem.New(1 << 20)
	if err != nil {
		t.Fatalf("guestmem.New() = %v", err)
	}
	defer mem.Close()

	link := &loopbackLink{toRead: []byte("incoming-frame")}
	net := NewNet(link, [6]byte{}, zerolog.Nop())

	q := layoutQueue(t, mem, 0x4000, 4)

	ok, err := net.PumpRx(q, mem)
	if err != nil {
		t.Fatalf("PumpRx() = %v", err)
	}

	if ok {
		t.Fatalf("PumpRx() ok = true with no available buffer, want false")
	}

	if net.RxDrops() != 1 {
		t.Errorf("RxDrops() = %d, want 1", net.RxDrops())
	}
}

func TestNetRxDropsFrameExceedingBufferCapacity(t *testing.T) {
	mem, err := guestmem.New(1 << 20)
	if err != nil {
		t.Fatalf("guestmem.New() = %v", err)
	}
	defer mem.Close()

	frame := []byte("this frame is too big for the buffer")
	link := &loopbackLink{toRead: frame}
	net := NewNet(link, [6]byte{}, zerolog.Nop())

	q := layoutQueue(t, mem, 0x6000, 4)

	bufGPA := uint64(0x60000)
	// Buffer is smaller than netHeaderLen+len(frame): too small to hold it.
	putDescriptor(t, mem, q, 0, Descriptor{Addr: bufGPA, Len: uint32(netHeaderLen + len(frame) - 1), Flags: DescFWrite})
	pushAvail(t, mem, q, 0)

	ok, err := net.PumpRx(q, mem)
	if err != nil {
		t.Fatalf("PumpRx() = %v", err)
	}

	if ok {
		t.Fatalf("PumpRx() ok = true for an oversized frame, want false")
	}

	if net.RxDrops() != 1 {
		t.Errorf("RxDrops() = %d, want 1", net.RxDrops())
	}

	if net.RxFrames() != 0 {
		t.Errorf("RxFrames() = %d, want 0", net.RxFrames())
	}
}

func TestNetRxFillsHeaderAndFrame(t *testing.T) {
	mem, err := guestmem.New(1 << 20)
	if err != nil {
		t.Fatalf("guestmem.New() = %v", err)
	}
	defer mem.Close()

	frame := []byte("rx-frame-payload")
	link := &loopbackLink{toRead: frame}
	net := NewNet(link, [6]byte{}, zerolog.Nop())

	q := layoutQueue(t, mem, 0x5000, 4)

	bufGPA := uint64(0x50000)
	putDescriptor(t, mem, q, 0, Descriptor{Addr: bufGPA, Len: uint32(netHeaderLen + len(frame)), Flags: DescFWrite})
	pushAvail(t, mem, q, 0)

	ok, err := net.PumpRx(q, mem)
	if err != nil {
		t.Fatalf("PumpRx() = %v", err)
	}

	if !ok {
		t.Fatalf("PumpRx() ok = false, want true")
	}

	got := make([]byte, netHeaderLen+len(frame))
	if err := mem.Read(bufGPA, got); err != nil {
		t.Fatalf("read: %v", err)
	}

	if !bytes.Equal(got[netHeaderLen:], frame) {
		t.Errorf("frame = %q, want %q", got[netHeaderLen:], frame)
	}

	if net.RxFrames() != 1 {
		t.Errorf("RxFrames() = %d, want 1", net.RxFrames())
	}
}
