package virtio

import (
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/gokvm/axvm/internal/guestmem"
)

const (
	BlkDeviceID = 2

	sectorSize = 512

	blkTypeIn    = 0
	blkTypeOut   = 1
	blkTypeFlush = 4

	blkStatusOK     = 0
	blkStatusIOErr  = 1
	blkStatusUnsupp = 2

	blkReqHeaderLen = 16 // type(4) + reserved(4) + sector(8)
)

// Blk is a virtio-blk backend reading and writing sectors of a host file
// treated as a flat array of 512-byte sectors.
type Blk struct {
	mu   sync.Mutex
	file sectorFile
	log  zerolog.Logger

	requests atomic.Uint64
}

// sectorFile is the minimal interface Blk needs from its backing file; a
// plain *os.File provides everything except Size().
type sectorFile interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Size() (int64, error)
}

// NewBlk builds a block backend over f.
func NewBlk(f sectorFile, log zerolog.Logger) *Blk {
	return &Blk{file: f, log: log}
}

// Requests returns the lifetime count of completed block requests, exposed
// for metrics.
func (b *Blk) Requests() uint64 { return b.requests.Load() }

func (b *Blk) DeviceID() uint32 { return BlkDeviceID }

func (b *Blk) Features() uint64 { return 0 }

func (b *Blk) QueueCount() int { return 1 }

func (b *Blk) ConfigRead(offset uint64, data []byte) {
	size, err := b.file.Size()
	if err != nil {
		return
	}

	capacity := uint64(size) / sectorSize

	cfg := make([]byte, 16)
	binary.LittleEndian.PutUint64(cfg[0:8], capacity)
	binary.LittleEndian.PutUint32(cfg[8:12], sectorSize)

	if int(offset)+len(data) > len(cfg) {
		return
	}

	copy(data, cfg[offset:])
}

func (b *Blk) ConfigWrite(uint64, []byte) {}

// HandleNotify drains every available request on q, performing the
// requested sector I/O and writing the status byte into the last descriptor.
func (b *Blk) HandleNotify(_ int, q *Queue, mem *guestmem.Memory) error {
	for {
		chain, ok, err := q.PopAvail(mem)
		if err != nil {
			return err
		}

		if !ok {
			return nil
		}

		status := b.serviceOne(chain)

		if len(chain.Bufs) > 0 {
			last := len(chain.Bufs) - 1
			chain.Bufs[last][0] = status
		}

		if err := q.PushUsed(mem, chain, chain.TotalWritableLen()); err != nil {
			return err
		}

		b.requests.Add(1)
	}
}

func (b *Blk) serviceOne(chain Chain) byte {
	if len(chain.Bufs) < 2 {
		return blkStatusIOErr
	}

	header := chain.Bufs[0]
	if len(header) < blkReqHeaderLen {
		return blkStatusIOErr
	}

	typ := binary.LittleEndian.Uint32(header[0:4])
	sector := binary.LittleEndian.Uint64(header[8:16])

	b.mu.Lock()
	defer b.mu.Unlock()

	switch typ {
	case blkTypeIn:
		dataBufs := chain.Bufs[1 : len(chain.Bufs)-1]
		if len(dataBufs) == 0 {
			return blkStatusIOErr
		}

		off := int64(sector) * sectorSize

		for _, data := range dataBufs {
			if _, err := b.file.ReadAt(data, off); err != nil {
				b.log.Warn().Err(err).Msg("block read failed")
				return blkStatusIOErr
			}

			off += int64(len(data))
		}

		return blkStatusOK
	case blkTypeOut:
		dataBufs := chain.Bufs[1 : len(chain.Bufs)-1]
		if len(dataBufs) == 0 {
			return blkStatusIOErr
		}

		off := int64(sector) * sectorSize

		for _, data := range dataBufs {
			if _, err := b.file.WriteAt(data, off); err != nil {
				b.log.Warn().Err(err).Msg("block write failed")
				return blkStatusIOErr
			}

			off += int64(len(data))
		}

		return blkStatusOK
	case blkTypeFlush:
		if err := b.file.Sync(); err != nil {
			b.log.Warn().Err(err).Msg("block flush failed")
			return blkStatusIOErr
		}

		return blkStatusOK
	default:
		return blkStatusUnsupp
	}
}
