package transport

import (
	"fmt"
	"net"
)

// DialTCP connects to addr (host:port) as the debugger side of the
// common same-host two-VM deployment, where a serial port is impractical
// but the wire protocol is otherwise unchanged.
func DialTCP(addr string) (net.Conn, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}

	return conn, nil
}

// ListenTCP opens a listener the debuggee side accepts one connection
// from, mirroring the UART's single-peer nature.
func ListenTCP(addr string) (net.Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}

	return l, nil
}
