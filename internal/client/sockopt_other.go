//go:build !linux

package client

import (
	"net"
	"syscall"
)

const reusePortAvailable = false

func reusePortControl(network, address string, c syscall.RawConn) error {
	return nil
}

func setUDPBufferSizes(conn *net.UDPConn) {
	_ = conn.SetReadBuffer(1 << 20)
	_ = conn.SetWriteBuffer(1 << 20)
}
