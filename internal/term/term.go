// Package term arranges raw mode on the host's stdin so the serial console
// bridge can forward bytes to the guest one at a time, unbuffered and
// without host-side echo.
package term

import "golang.org/x/sys/unix"

// IsTerminal reports whether fd 0 is attached to a terminal. When it isn't
// (piped input, a background service), the caller should skip SetRawMode
// and not block waiting for interactive input.
func IsTerminal() bool {
	_, err := unix.IoctlGetTermios(0, unix.TCGETS)
	return err == nil
}

// SetRawMode disables canonical mode, echo, and signal generation on stdin
// so every byte the host types reaches the guest's serial port immediately.
// It returns a restore function that must be called before the process
// exits.
func SetRawMode() (func(), error) {
	oldState, err := unix.IoctlGetTermios(0, unix.TCGETS)
	if err != nil {
		return func() {}, err
	}

	newState := *oldState
	newState.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	newState.Oflag &^= unix.OPOST
	newState.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	newState.Cflag &^= unix.CSIZE | unix.PARENB
	newState.Cflag |= unix.CS8
	newState.Cc[unix.VMIN] = 1
	newState.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(0, unix.TCSETS, &newState); err != nil {
		return func() {}, err
	}

	restore := func() {
		_ = unix.IoctlSetTermios(0, unix.TCSETS, oldState)
	}

	return restore, nil
}
