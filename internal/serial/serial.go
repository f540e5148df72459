// Package serial emulates an 8250 UART at the fixed COM1 I/O ports, the
// guest's only console during boot.
package serial

import (
	"io"

	"github.com/rs/zerolog"
)

const (
	PortBase = 0x03F8
	PortSize = 0x8

	fifoCapacity = 16

	lsrDataReady       = 1 << 0
	lsrTHREmpty        = 1 << 5
	lsrTxEmpty         = 1 << 6
	injectIRQ    uint32 = 4
)

// Serial is an 8250 UART bridged to host stdio: writes to THR print to
// Out, reads from RBR drain a small input FIFO fed by host stdin.
type Serial struct {
	ier byte
	lcr byte

	rx  chan byte
	out io.Writer

	log zerolog.Logger

	// InjectIRQ is called with the serial IRQ line when a byte is pushed while
	// IER enables RX, and on every write of a nonzero value to IER.
	InjectIRQ func(line uint32)
}

// New builds a Serial bridged to out for transmitted bytes. Received bytes
// are queued with Push and drained by guest reads of RBR.
func New(out io.Writer, log zerolog.Logger) *Serial {
	return &Serial{
		rx:        make(chan byte, fifoCapacity),
		out:       out,
		log:       log,
		InjectIRQ: func(uint32) {},
	}
}

// Push queues a host-received byte for the guest to read, raising the
// serial IRQ if the guest has enabled RX interrupts.
func (s *Serial) Push(b byte) {
	select {
	case s.rx <- b:
	default:
		s.log.Warn().Msg("serial rx fifo full, dropping byte")
		return
	}

	if s.ier&0x01 != 0 {
		s.InjectIRQ(injectIRQ)
	}
}

func (s *Serial) dlab() bool {
	return s.lcr&0x80 != 0
}

// In handles a PIO read from one of PortBase..PortBase+7.
func (s *Serial) In(port uint64, data []byte) error {
	off := port - PortBase

	switch {
	case off == 0 && !s.dlab():
		if len(s.rx) > 0 {
			data[0] = <-s.rx
		} else {
			data[0] = 0
		}
	case off == 0 && s.dlab():
		data[0] = 0x0c // divisor latch low: 9600 baud
	case off == 1 && !s.dlab():
		data[0] = s.ier
	case off == 1 && s.dlab():
		data[0] = 0x00 // divisor latch high
	case off == 2:
		data[0] = s.iir()
	case off == 3:
		data[0] = s.lcr
	case off == 4:
		data[0] = 0 // MCR readback, not modeled
	case off == 5:
		data[0] = lsrTHREmpty | lsrTxEmpty
		if len(s.rx) > 0 {
			data[0] |= lsrDataReady
		}
	case off == 6:
		data[0] = 0 // MSR, not modeled
	default:
		data[0] = 0
	}

	return nil
}

// iir returns the cause-prioritized interrupt identification byte:
// RX-available beats TX-empty beats "no interrupt pending".
func (s *Serial) iir() byte {
	if s.ier&0x01 != 0 && len(s.rx) > 0 {
		return 0x04 // RX data available
	}

	if s.ier&0x02 != 0 {
		return 0x02 // THR empty
	}

	return 0x01 // no interrupt pending
}

// Out handles a PIO write to one of PortBase..PortBase+7.
func (s *Serial) Out(port uint64, data []byte) error {
	off := port - PortBase

	switch {
	case off == 0 && !s.dlab():
		_, _ = s.out.Write(data[:1])
	case off == 0 && s.dlab():
		// divisor latch low, discarded: no baud rate emulation.
	case off == 1 && !s.dlab():
		s.ier = data[0]
		if s.ier != 0 {
			s.InjectIRQ(injectIRQ)
		}
	case off == 1 && s.dlab():
		// divisor latch high, discarded.
	case off == 2:
		// FCR, accepted and discarded.
	case off == 3:
		s.lcr = data[0]
	case off == 4:
		// MCR, accepted and discarded.
	default:
	}

	return nil
}
