package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"

	"github.com/streamsockets/streamsockets/internal/config"
)

const maxDatagramSize = 64 * 1024

// udpListeners owns the local UDP sockets. With more than one listener all
// sockets bind the same port via SO_REUSEPORT and the kernel spreads
// senders across them; every datagram funnels into the engine inbox.
// Replies go out through the first socket, which shares the local port.
type udpListeners struct {
	conns []*net.UDPConn
	log   *slog.Logger
}

func listenUDP(cfg config.ClientConfig, logger *slog.Logger) (*udpListeners, error) {
	addr := net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.BindPort))
	count := cfg.Threads
	if count > 1 && !reusePortAvailable {
		logger.Info("SO_REUSEPORT unavailable, using a single UDP listener")
		count = 1
	}

	u := &udpListeners{log: logger}
	for i := 0; i < count; i++ {
		lc := net.ListenConfig{}
		if count > 1 {
			lc.Control = reusePortControl
		}
		pc, err := lc.ListenPacket(context.Background(), "udp", addr)
		if err != nil {
			u.close()
			return nil, fmt.Errorf("bind udp %s: %w", addr, err)
		}
		conn := pc.(*net.UDPConn)
		setUDPBufferSizes(conn)
		u.conns = append(u.conns, conn)
	}
	if count > 1 {
		logger.Info("udp server started with SO_REUSEPORT", "addr", addr, "listeners", count)
	} else {
		logger.Info("udp server started", "addr", addr)
	}
	return u, nil
}

// run reads datagrams until the sockets are closed.
func (u *udpListeners) run(ctx context.Context, inbox chan<- any) {
	for _, conn := range u.conns {
		go func(conn *net.UDPConn) {
			buf := make([]byte, maxDatagramSize)
			for {
				n, sender, err := conn.ReadFromUDPAddrPort(buf)
				if err != nil {
					return
				}
				payload := make([]byte, n)
				copy(payload, buf[:n])
				select {
				case inbox <- evUDPPacket{payload: payload, sender: netip.AddrPortFrom(sender.Addr().Unmap(), sender.Port())}:
				case <-ctx.Done():
					return
				}
			}
		}(conn)
	}
}

// writeTo sends a datagram back to a local sender.
func (u *udpListeners) writeTo(payload []byte, addr netip.AddrPort) {
	if _, err := u.conns[0].WriteToUDPAddrPort(payload, addr); err != nil {
		u.log.Debug("udp reply failed", "addr", addr.String(), "err", err)
	}
}

func (u *udpListeners) close() {
	for _, conn := range u.conns {
		_ = conn.Close()
	}
}
