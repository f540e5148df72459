// Package virtio implements the VirtIO-MMIO transport and its virtqueue
// layout, plus block and net device backends on top of it.
package virtio

import (
	"encoding/binary"

	"github.com/gokvm/axvm/internal/axerr"
	"github.com/gokvm/axvm/internal/guestmem"
)

const (
	DescFNext     = 1 << 0
	DescFWrite    = 1 << 1
	DescFIndirect = 1 << 2

	descSize = 16
)

// Descriptor mirrors the wire layout of a single virtqueue descriptor.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// Queue is the guest-memory-resident layout of one virtqueue: descriptor
// table, available ring, used ring, all addressed by GPA and read fresh from
// guest memory on every access (the driver may modify them concurrently).
type Queue struct {
	Num      uint32
	Ready    bool
	DescGPA  uint64
	AvailGPA uint64
	UsedGPA  uint64

	lastAvailIdx uint16
}

func (q *Queue) descriptor(mem *guestmem.Memory, idx uint16) (Descriptor, error) {
	raw, err := mem.Slice(q.DescGPA+uint64(idx)*descSize, descSize)
	if err != nil {
		return Descriptor{}, axerr.Wrap(axerr.VirtqueueMalformed, "read descriptor", err)
	}

	return Descriptor{
		Addr:  binary.LittleEndian.Uint64(raw[0:8]),
		Len:   binary.LittleEndian.Uint32(raw[8:12]),
		Flags: binary.LittleEndian.Uint16(raw[12:14]),
		Next:  binary.LittleEndian.Uint16(raw[14:16]),
	}, nil
}

func (q *Queue) availIdx(mem *guestmem.Memory) (uint16, error) {
	raw, err := mem.Slice(q.AvailGPA+2, 2)
	if err != nil {
		return 0, axerr.Wrap(axerr.VirtqueueMalformed, "read avail.idx", err)
	}

	return binary.LittleEndian.Uint16(raw), nil
}

func (q *Queue) availRing(mem *guestmem.Memory, i uint16) (uint16, error) {
	raw, err := mem.Slice(q.AvailGPA+4+uint64(i%uint16(q.Num))*2, 2)
	if err != nil {
		return 0, axerr.Wrap(axerr.VirtqueueMalformed, "read avail.ring", err)
	}

	return binary.LittleEndian.Uint16(raw), nil
}

func (q *Queue) pushUsed(mem *guestmem.Memory, descID uint16, length uint32) error {
	usedIdxRaw, err := mem.Slice(q.UsedGPA+2, 2)
	if err != nil {
		return axerr.Wrap(axerr.VirtqueueMalformed, "read used.idx", err)
	}

	usedIdx := binary.LittleEndian.Uint16(usedIdxRaw)

	elemOff := q.UsedGPA + 4 + uint64(usedIdx%uint16(q.Num))*8
	elem, err := mem.Slice(elemOff, 8)
	if err != nil {
		return axerr.Wrap(axerr.VirtqueueMalformed, "write used.ring element", err)
	}

	binary.LittleEndian.PutUint32(elem[0:4], uint32(descID))
	binary.LittleEndian.PutUint32(elem[4:8], length)

	binary.LittleEndian.PutUint16(usedIdxRaw, usedIdx+1)

	return nil
}

// Chain is one fully-walked descriptor chain: the ordered list of guest
// buffers a driver submitted as a single request.
type Chain struct {
	HeadID uint16
	Bufs   [][]byte
	Write  []bool // true if the corresponding buffer is device-writable
}

// TotalWritableLen sums the length of every device-writable buffer, used to
// report bytes written into a used-ring element.
func (c *Chain) TotalWritableLen() uint32 {
	var total uint32
	for i, b := range c.Bufs {
		if c.Write[i] {
			total += uint32(len(b))
		}
	}

	return total
}

// PopAvail walks the next available descriptor chain, if any, returning ok=false
// when the driver has nothing new queued.
func (q *Queue) PopAvail(mem *guestmem.Memory) (chain Chain, ok bool, err error) {
	avail, err := q.availIdx(mem)
	if err != nil {
		return Chain{}, false, err
	}

	if q.lastAvailIdx == avail {
		return Chain{}, false, nil
	}

	headID, err := q.availRing(mem, q.lastAvailIdx)
	if err != nil {
		return Chain{}, false, err
	}

	c := Chain{HeadID: headID}
	id := headID

	// A chain can visit at most q.Num descriptors: the queue size bounds how
	// many distinct descriptor slots exist, so anything longer is a cyclic
	// or otherwise malformed chain.
	for i := uint32(0); i < q.Num; i++ {
		desc, err := q.descriptor(mem, id)
		if err != nil {
			return Chain{}, false, err
		}

		buf, err := mem.Slice(desc.Addr, uint64(desc.Len))
		if err != nil {
			return Chain{}, false, axerr.Wrap(axerr.VirtqueueMalformed, "descriptor buffer out of bounds", err)
		}

		c.Bufs = append(c.Bufs, buf)
		c.Write = append(c.Write, desc.Flags&DescFWrite != 0)

		if desc.Flags&DescFNext == 0 {
			q.lastAvailIdx++

			return c, true, nil
		}

		id = desc.Next
	}

	return Chain{}, false, axerr.New(axerr.VirtqueueMalformed, "descriptor chain exceeds maximum length")
}

// PushUsed records that HeadID has been fully processed with the given total
// written length, and advances used.idx.
func (q *Queue) PushUsed(mem *guestmem.Memory, chain Chain, length uint32) error {
	return q.pushUsed(mem, chain.HeadID, length)
}
