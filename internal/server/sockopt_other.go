//go:build !linux && !darwin && !freebsd

package server

import "net"

func setUDPBufferSizes(conn *net.UDPConn) {
	_ = conn.SetReadBuffer(1 << 20)
	_ = conn.SetWriteBuffer(1 << 20)
}
