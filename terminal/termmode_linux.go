// +build linux

// Package terminal provides the raw-mode and no-echo-password terminal
// handling cmd/xssh's interactive client needs.
//
// Grounded on the teacher's termmode_bsd.go (itself lifted from
// golang.org/x/crypto/ssh/terminal's util_linux.go/util.go, pre-dating
// that code's move into golang.org/x/term): the teacher's file is
// "+build freebsd" and ioctls with TIOCGETA/TIOCSETA, which don't exist
// on Linux. This is the Linux-side twin, swapping in TCGETS/TCSETS.
package terminal

import (
	"errors"
	"io"
	"unsafe"

	unix "golang.org/x/sys/unix"
)

const getTermios = unix.TCGETS
const setTermios = unix.TCSETS

// State contains the state of a terminal.
type State struct {
	termios unix.Termios
}

// MakeRaw puts the terminal connected to the given file descriptor into
// raw mode and returns the previous state so it can be restored.
func MakeRaw(fd uintptr) (*State, error) {
	var oldState State
	if _, _, err := unix.Syscall(unix.SYS_IOCTL, fd, getTermios, uintptr(unsafe.Pointer(&oldState.termios))); err != 0 {
		return nil, err
	}

	newState := oldState.termios
	newState.Iflag &^= (unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON)
	newState.Oflag &^= unix.OPOST
	newState.Lflag &^= (unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN)
	newState.Cflag &^= (unix.CSIZE | unix.PARENB)
	newState.Cflag |= unix.CS8
	newState.Cc[unix.VMIN] = 1
	newState.Cc[unix.VTIME] = 0

	if _, _, err := unix.Syscall(unix.SYS_IOCTL, fd, setTermios, uintptr(unsafe.Pointer(&newState))); err != 0 {
		return nil, err
	}

	return &oldState, nil
}

// Restore restores the terminal connected to fd to a previous state.
func Restore(fd uintptr, state *State) error {
	if state == nil {
		return errors.New("terminal: nil State")
	}
	if _, _, err := unix.Syscall(unix.SYS_IOCTL, fd, setTermios, uintptr(unsafe.Pointer(&state.termios))); err != 0 {
		return err
	}
	return nil
}

// GetSize returns the terminal's current column/row count, grounded on
// xs/termsize_unix.go's handleTermResizes — but read natively via
// TIOCGWINSZ rather than shelling out to `stty size`.
func GetSize(fd uintptr) (cols, rows int, err error) {
	ws, err := unix.IoctlGetWinsize(int(fd), unix.TIOCGWINSZ)
	if err != nil {
		return 0, 0, err
	}
	return int(ws.Col), int(ws.Row), nil
}

// ReadPassword reads a line of input from a terminal without local echo.
// The returned slice does not include the trailing \n.
func ReadPassword(fd uintptr) ([]byte, error) {
	var oldState State
	if _, _, err := unix.Syscall(unix.SYS_IOCTL, fd, getTermios, uintptr(unsafe.Pointer(&oldState.termios))); err != 0 {
		return nil, err
	}

	newState := oldState.termios
	newState.Lflag &^= unix.ECHO
	newState.Lflag |= unix.ICANON | unix.ISIG
	newState.Iflag |= unix.ICRNL
	if _, _, err := unix.Syscall(unix.SYS_IOCTL, fd, setTermios, uintptr(unsafe.Pointer(&newState))); err != 0 {
		return nil, err
	}

	defer func() {
		unix.Syscall(unix.SYS_IOCTL, fd, setTermios, uintptr(unsafe.Pointer(&oldState.termios)))
	}()

	return readPasswordLine(passwordReader(fd))
}

type passwordReader int

func (r passwordReader) Read(buf []byte) (int, error) {
	return unix.Read(int(r), buf)
}

// readPasswordLine reads until \n or EOF, stripping any \r it finds.
func readPasswordLine(reader io.Reader) ([]byte, error) {
	var buf [1]byte
	var ret []byte

	for {
		n, err := reader.Read(buf[:])
		if n > 0 {
			switch buf[0] {
			case '\n':
				return ret, nil
			case '\r':
			default:
				ret = append(ret, buf[0])
			}
			continue
		}
		if err != nil {
			if err == io.EOF && len(ret) > 0 {
				return ret, nil
			}
			return ret, err
		}
	}
}
