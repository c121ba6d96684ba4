//go:build linux

package transport

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// UART wraps an open serial device as an io.ReadWriteCloser, with
// baud-rate and parity control via golang.org/x/sys/unix's Termios struct.
type UART struct {
	f *os.File
}

// baudToUnix maps a handful of common rates to their unix.B* constants;
// OpenUART rejects any rate not in this table rather than attempting a
// custom divisor, since the 16550 programming spec.md targets only names
// these.
var baudToUnix = map[int]uint32{
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
}

// OpenUART opens path (e.g. "/dev/ttyS1") and configures it 8N1 at baud,
// raw mode, matching the 16550 UART configuration a HyperDbg-style
// debuggee expects on its communication channel.
func OpenUART(path string, baud int) (*UART, error) {
	rate, ok := baudToUnix[baud]
	if !ok {
		return nil, fmt.Errorf("uart %s: unsupported baud rate %d", path, baud)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("uart %s: open: %w", path, err)
	}

	t, err := unix.IoctlGetTermios(int(f.Fd()), unix.TCGETS)
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("uart %s: get termios: %w", path, err)
	}

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
	t.Ispeed = rate
	t.Ospeed = rate

	if err := unix.IoctlSetTermios(int(f.Fd()), unix.TCSETS, t); err != nil {
		f.Close()

		return nil, fmt.Errorf("uart %s: set termios: %w", path, err)
	}

	return &UART{f: f}, nil
}

func (u *UART) Read(p []byte) (int, error)  { return u.f.Read(p) }
func (u *UART) Write(p []byte) (int, error) { return u.f.Write(p) }
func (u *UART) Close() error                { return u.f.Close() }
