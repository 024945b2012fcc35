// Package client implements the tunnel client: it listens for UDP datagrams
// on a local port, frames them onto a WebSocket carrier toward the server,
// and delivers the server's frames back to the right local sender.
package client

import (
	"context"
	"log/slog"

	"github.com/streamsockets/streamsockets/internal/config"
)

// Client ties the local UDP listeners to the datagram engine.
type Client struct {
	cfg config.ClientConfig
	log *slog.Logger
	eng *engine
}

// New creates a Client with the given configuration and logger.
func New(cfg config.ClientConfig, logger *slog.Logger) *Client {
	return &Client{cfg: cfg, log: logger, eng: newEngine(cfg, nil, logger)}
}

// Run binds the UDP sockets and drives the engine until ctx is cancelled.
// With EXIT_ON_FAILURE set it returns an error on the first carrier failure
// instead of retrying; the carrier error itself is logged, not wrapped.
func (c *Client) Run(ctx context.Context) error {
	udp, err := listenUDP(c.cfg, c.log)
	if err != nil {
		return err
	}
	defer udp.close()

	c.eng.udp = udp
	udp.run(ctx, c.eng.inbox)
	return c.eng.run(ctx)
}

// ConnectionEpoch reports the current connect-attempt epoch.
func (c *Client) ConnectionEpoch() uint64 {
	return c.eng.epochMirror.Load()
}

// IsConnecting reports whether a connect attempt is outstanding.
func (c *Client) IsConnecting() bool {
	return c.eng.connectingMirror.Load()
}
