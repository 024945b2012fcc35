//go:build linux || darwin || freebsd

package server

import (
	"net"

	"golang.org/x/sys/unix"
)

const udpSocketBufferSize = 1 << 20

// setUDPBufferSizes raises SO_RCVBUF/SO_SNDBUF so bursts of datagrams
// survive scheduling hiccups. Failures are ignored; the kernel defaults
// still work.
func setUDPBufferSizes(conn *net.UDPConn) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, udpSocketBufferSize)
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, udpSocketBufferSize)
	})
}
