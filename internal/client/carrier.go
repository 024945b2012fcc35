package client

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/streamsockets/streamsockets/internal/config"
	"github.com/streamsockets/streamsockets/internal/tunnelproto"
)

const (
	carrierHandshakeTimeout = 10 * time.Second
	carrierWriteTimeout     = 15 * time.Second
	carrierReadLimit        = 1 << 20
)

// carrier wraps one WebSocket connection attempt. Its read pump posts every
// inbound frame to the engine inbox tagged with the attempt's epoch, so the
// engine can discard events from superseded connections. All writes happen
// on the engine goroutine.
type carrier struct {
	conn  *websocket.Conn
	inbox chan<- any
	epoch uint64
	ctx   context.Context
}

// dialCarrier establishes the WebSocket connection with the auth headers of
// the configured protocol. wss URIs get TLS 1.2+ with hostname verification.
func dialCarrier(ctx context.Context, cfg config.ClientConfig, epoch uint64, inbox chan<- any) (*carrier, error) {
	u, err := url.Parse(cfg.WebSocketURI)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("X-Auth-Type", "Token")
	header.Set("X-Auth-Token", cfg.AuthToken)
	if cfg.UseOldProtocol {
		header.Set("X-Auth-Route", cfg.Route)
	} else {
		host, port, err := config.SplitRoute(cfg.Route)
		if err != nil {
			return nil, err
		}
		header.Set("X-Route-Address", host)
		header.Set("X-Route-Port", strconv.Itoa(port))
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: carrierHandshakeTimeout,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			MaxVersion: tls.VersionTLS13,
		}
	}

	conn, _, err := dialer.DialContext(ctx, cfg.WebSocketURI, header)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(carrierReadLimit)

	c := &carrier{conn: conn, inbox: inbox, epoch: epoch, ctx: ctx}
	conn.SetPongHandler(func(string) error {
		c.post(evPong{epoch: epoch})
		return nil
	})
	return c, nil
}

// run is the read pump. It returns when the connection dies, after posting
// evWSClosed.
func (c *carrier) run(ctx context.Context) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.post(evWSClosed{epoch: c.epoch, err: err})
			return
		}
		switch msgType {
		case websocket.TextMessage:
			c.post(evWSText{epoch: c.epoch, text: string(data)})
		case websocket.BinaryMessage:
			c.post(evWSBinary{epoch: c.epoch, data: data})
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (c *carrier) post(ev any) {
	postEvent(c.ctx, c.inbox, ev)
}

func (c *carrier) writeBinary(frame []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(carrierWriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *carrier) writeText(text string) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(carrierWriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (c *carrier) writeJSON(v any) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(carrierWriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

func (c *carrier) writePing() error {
	return c.conn.WriteControl(websocket.PingMessage, []byte(tunnelproto.PingPayload), time.Now().Add(carrierWriteTimeout))
}

func (c *carrier) close() {
	_ = c.conn.Close()
}
