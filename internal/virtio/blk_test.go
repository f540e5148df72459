package virtio

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/rs/zerolog"

	"github.com/gokvm/axvm/internal/guestmem"
)

// memFile is an in-memory sectorFile for tests, avoiding a real disk file.
type memFile struct {
	data []byte
}

func newMemFile(size int) *memFile {
	return &memFile{data: make([]byte, size)}
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, f.data[off:])
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	n := copy(f.data[off:], p)
	return n, nil
}

func (f *memFile) Sync() error { return nil }

func (f *memFile) Size() (int64, error) { return int64(len(f.data)), nil }

func TestBlkReadFillsDataAndStatusOK(t *testing.T) {
	mem, err := guestmem.New(1 << 20)
	if err != nil {
		t.Fatalf("guestmem.New() = %v", err)
	}
	defer mem.Close()

	backing := newMemFile(4096)
	for i := 0; i < sectorSize; i++ {
		backing.data[i] = 0xAB
	}

	blk := NewBlk(backing, zerolog.Nop())

	q := layoutQueue(t, mem, 0x2000, 4)

	headerGPA := uint64(0x20000)
	header := make([]byte, blkReqHeaderLen)
	binary.LittleEndian.PutUint32(header[0:4], blkTypeIn)
	binary.LittleEndian.PutUint64(header[8:16], 0)

	if err := mem.Write(headerGPA, header); err != nil {
		t.Fatalf("write header: %v", err)
	}

	dataGPA := uint64(0x21000)
	statusGPA := uint64(0x22000)

	putDescriptor(t, mem, q, 0, Descriptor{Addr: headerGPA, Len: blkReqHeaderLen, Flags: DescFNext, Next: 1})
	putDescriptor(t, mem, q, 1, Descriptor{Addr: dataGPA, Len: sectorSize, Flags: DescFNext | DescFWrite, Next: 2})
	putDescriptor(t, mem, q, 2, Descriptor{Addr: statusGPA, Len: 1, Flags: DescFWrite})

	pushAvail(t, mem, q, 0)

	if err := blk.HandleNotify(0, q, mem); err != nil {
		t.Fatalf("HandleNotify() = %v", err)
	}

	data := make([]byte, sectorSize)
	if err := mem.Read(dataGPA, data); err != nil {
		t.Fatalf("read data: %v", err)
	}

	if !bytes.Equal(data, backing.data[:sectorSize]) {
		t.Errorf("data mismatch")
	}

	status := make([]byte, 1)
	if err := mem.Read(statusGPA, status); err != nil {
		t.Fatalf("read status: %v", err)
	}

	if status[0] != blkStatusOK {
		t.Errorf("status = %d, want %d", status[0], blkStatusOK)
	}

	if blk.Requests() != 1 {
		t.Errorf("Requests() = %d, want 1", blk.Requests())
	}
}

func TestBlkReadSpansMultipleDataDescriptors(t *testing.T) {
	mem, err := guestmem.New(1 << 20)
	if err != nil {
		t.Fatalf("guestmem.New() = %v", err)
	}
	defer mem.Close()

	backing := newMemFile(sectorSize * 2)
	for i := range backing.data {
		backing.data[i] = byte(i)
	}

	blk := NewBlk(backing, zerolog.Nop())

	q := layoutQueue(t, mem, 0x8000, 4)

	headerGPA := uint64(0x80000)
	header := make([]byte, blkReqHeaderLen)
	binary.LittleEndian.PutUint32(header[0:4], blkTypeIn)
	binary.LittleEndian.PutUint64(header[8:16], 0)

	if err := mem.Write(headerGPA, header); err != nil {
		t.Fatalf("write header: %v", err)
	}

	firstGPA := uint64(0x81000)
	secondGPA := uint64(0x82000)
	statusGPA := uint64(0x83000)

	putDescriptor(t, mem, q, 0, Descriptor{Addr: headerGPA, Len: blkReqHeaderLen, Flags: DescFNext, Next: 1})
	putDescriptor(t, mem, q, 1, Descriptor{Addr: firstGPA, Len: sectorSize, Flags: DescFNext | DescFWrite, Next: 2})
	putDescriptor(t, mem, q, 2, Descriptor{Addr: secondGPA, Len: sectorSize, Flags: DescFNext | DescFWrite, Next: 3})
	putDescriptor(t, mem, q, 3, Descriptor{Addr: statusGPA, Len: 1, Flags: DescFWrite})

	pushAvail(t, mem, q, 0)

	if err := blk.HandleNotify(0, q, mem); err != nil {
		t.Fatalf("HandleNotify() = %v", err)
	}

	first := make([]byte, sectorSize)
	if err := mem.Read(firstGPA, first); err != nil {
		t.Fatalf("read first: %v", err)
	}

	second := make([]byte, sectorSize)
	if err := mem.Read(secondGPA, second); err != nil {
		t.Fatalf("read second: %v", err)
	}

	if !bytes.Equal(first, backing.data[:sectorSize]) {
		t.Errorf("first descriptor mismatch")
	}

	if !bytes.Equal(second, backing.data[sectorSize:2*sectorSize]) {
		t.Errorf("second descriptor mismatch")
	}

	status := make([]byte, 1)
	if err := mem.Read(statusGPA, status); err != nil {
		t.Fatalf("read status: %v", err)
	}

	if status[0] != blkStatusOK {
		t.Errorf("status = %d, want %d", status[0], blkStatusOK)
	}
}

func TestBlkConfigReportsCapacity(t *testing.T) {
	backing := newMemFile(sectorSize * 10)
	blk := NewBlk(backing, zerolog.Nop())

	cfg := make([]byte, 8)
	blk.ConfigRead(0, cfg)

	if binary.LittleEndian.Uint64(cfg) != 10 {
		t.Errorf("capacity = %d, want 10", binary.LittleEndian.Uint64(cfg))
	}
}
