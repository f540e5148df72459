// Package tapdev obtains a TAP network interface fd from the host kernel.
// It is a thin CLI-side helper, outside the core's package boundary: the
// virtio-net backend only ever sees an io.ReadWriter.
package tapdev

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/gokvm/axvm/internal/axerr"
)

const ifNameSize = 0x10

type ifReq struct {
	Name  [ifNameSize]byte
	Flags uint16
	_     [0x28 - ifNameSize - 2]byte
}

// Open performs the TUNSETIFF dance against /dev/net/tun and returns the
// resulting TAP device as a plain *os.File (read = RX, write = TX).
func Open(name string) (*os.File, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, axerr.Wrap(axerr.HostCapabilityMissing, "open /dev/net/tun", err)
	}

	ifr := ifReq{Flags: unix.IFF_TAP | unix.IFF_NO_PI}
	copy(ifr.Name[:ifNameSize-1], name)

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.TUNSETIFF,
		uintptr(unsafe.Pointer(&ifr))); errno != 0 {
		unix.Close(fd)
		return nil, axerr.Wrap(axerr.HostCapabilityMissing, "TUNSETIFF", errno)
	}

	return os.NewFile(uintptr(fd), "tap:"+name), nil
}
