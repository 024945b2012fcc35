package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/streamsockets/streamsockets/internal/accounts"
	"github.com/streamsockets/streamsockets/internal/domain"
	"github.com/streamsockets/streamsockets/internal/tunnelproto"
)

// session owns one admitted WebSocket connection: its tunnel registry, its
// idle reaper, and the pending-frame buffer used by the old protocol before
// the JSON handshake completes. All reads happen on the session goroutine;
// writes are serialized by writeMu because the downstream readers and the
// reaper write too.
type session struct {
	srv  *Server
	conn *websocket.Conn
	log  *slog.Logger

	account     *accounts.Account
	clientIP    string
	route       string
	newProtocol bool
	startedAt   time.Time
	auditID     int64

	writeMu sync.Mutex
	reg     *registry
	udpAddr *net.UDPAddr

	// old protocol only: the single live tunnel and frames that arrived
	// before it was ready.
	legacy  *tunnel
	pending [][]byte

	bytesReceived atomic.Int64
	bytesSent     atomic.Int64

	reaperMu      sync.Mutex
	reaperRunning bool
	reaperStop    chan struct{}

	releaseOnce sync.Once
}

func newSession(srv *Server, conn *websocket.Conn, account *accounts.Account, clientIP, route string, newProtocol bool) *session {
	return &session{
		srv:  srv,
		conn: conn,
		log: srv.log.With(
			"account", account.Name,
			"client_ip", clientIP,
			"remote", conn.RemoteAddr().String(),
		),
		account:     account,
		clientIP:    clientIP,
		route:       route,
		newProtocol: newProtocol,
		startedAt:   time.Now(),
		reg:         newRegistry(srv.cfg.MaxTunnelsPerClient),
	}
}

func (sess *session) run(ctx context.Context) {
	defer sess.teardown()

	sess.srv.metrics.RecordConnectionStart(sess.account.Name)
	sess.recordAuditStart(ctx)

	sess.conn.SetReadLimit(sess.srv.cfg.MaxFrameSize)
	stop := context.AfterFunc(ctx, func() { _ = sess.conn.Close() })
	defer stop()

	if sess.newProtocol {
		if !sess.srv.accounts.ContainsRoute(sess.route) {
			sess.log.Error("attempted to connect to unauthorized route", "route", sess.route, "err", domain.ErrRouteNotAllowed)
			return
		}
		addr, err := net.ResolveUDPAddr("udp", sess.route)
		if err != nil {
			sess.log.Error("invalid route endpoint", "route", sess.route, "err", err)
			return
		}
		sess.udpAddr = addr
		t, err := sess.openTunnel()
		if err != nil {
			sess.log.Error("failed to create first udp tunnel", "route", sess.route, "err", err)
			return
		}
		sess.log.Info("websocket connection established", "route", sess.route, "tunnel_id", t.id)
		if err := sess.writeText(tunnelproto.SocketID(t.id)); err != nil {
			return
		}
	}

	sess.readLoop()
}

func (sess *session) readLoop() {
	for {
		msgType, data, err := sess.conn.ReadMessage()
		if err != nil {
			sess.log.Debug("websocket read ended", "err", err)
			return
		}
		switch msgType {
		case websocket.TextMessage:
			if sess.newProtocol {
				sess.handleControl(string(data))
			} else {
				sess.handleConnectRequest(data)
			}
		case websocket.BinaryMessage:
			sess.handleBinary(data)
		}
	}
}

// handleControl services text frames on the current protocol. Only "NEW" is
// valid from the client; anything else is logged and dropped.
func (sess *session) handleControl(text string) {
	ctl, err := tunnelproto.ParseControl(text)
	if err != nil || ctl.Kind != tunnelproto.KindNew {
		sess.log.Warn("received unexpected text frame", "frame", text)
		return
	}
	if sess.reg.size() >= sess.srv.cfg.MaxTunnelsPerClient {
		sess.log.Warn("max udp tunnels limit reached", "limit", sess.srv.cfg.MaxTunnelsPerClient)
		return
	}
	t, err := sess.openTunnel()
	if err != nil {
		sess.log.Error("failed to create udp tunnel", "route", sess.route, "err", err)
		return
	}
	sess.log.Info("udp tunnel connected", "tunnel_id", t.id, "route", sess.route)
	if err := sess.writeText(tunnelproto.SocketID(t.id)); err != nil {
		return
	}
	if sess.reg.size() >= 2 {
		sess.startReaper()
	}
}

// handleConnectRequest services the old protocol's JSON route request. A
// repeated request replaces the current route after closing its socket.
func (sess *session) handleConnectRequest(data []byte) {
	var req tunnelproto.ConnectRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Address == "" || req.Port <= 0 || req.Port > 65535 {
		sess.replyAndClose(tunnelproto.ConnectResponse{Success: false, Message: "Invalid address or port"})
		return
	}
	route := fmt.Sprintf("%s:%d", req.Address, req.Port)
	if !sess.srv.accounts.ContainsRoute(route) {
		sess.replyAndClose(tunnelproto.ConnectResponse{Success: false, Message: "Route is not allowed"})
		return
	}

	if sess.legacy != nil {
		sess.reg.close(sess.legacy.id)
		sess.legacy = nil
	}

	addr, err := net.ResolveUDPAddr("udp", route)
	if err != nil {
		sess.replyAndClose(tunnelproto.ConnectResponse{Success: false, Message: err.Error()})
		return
	}
	sess.udpAddr = addr
	sess.route = route

	t, err := sess.openTunnel()
	if err != nil {
		sess.pending = nil
		sess.replyAndClose(tunnelproto.ConnectResponse{Success: false, Message: err.Error()})
		return
	}
	sess.legacy = t
	sess.log.Info("connected to remote server", "route", route)
	if err := sess.writeJSON(tunnelproto.ConnectResponse{Success: true, Message: "connected"}); err != nil {
		return
	}

	for _, payload := range sess.pending {
		t.touch()
		if _, err := t.conn.Write(payload); err != nil {
			sess.log.Debug("udp write failed", "tunnel_id", t.id, "err", err)
			break
		}
	}
	sess.pending = nil
}

func (sess *session) handleBinary(data []byte) {
	if !sess.newProtocol {
		if sess.legacy == nil {
			// Route handshake still in flight; hold the payload.
			sess.pending = append(sess.pending, data)
			return
		}
		sess.forwardToTunnel(sess.legacy, data)
		return
	}

	id, payload, err := tunnelproto.SplitFrame(data)
	if err != nil {
		sess.log.Warn("received binary frame with no tunnel id")
		return
	}
	if id == tunnelproto.ReservedTunnelID {
		sess.log.Warn("received binary frame with reserved tunnel id")
		return
	}
	t := sess.reg.lookup(id)
	if t == nil {
		sess.log.Warn("received data for unknown tunnel id", "tunnel_id", id, "err", domain.ErrTunnelNotFound)
		return
	}
	sess.forwardToTunnel(t, payload)
}

func (sess *session) forwardToTunnel(t *tunnel, payload []byte) {
	t.touch()
	sess.srv.metrics.RecordBytesReceived(sess.account.Name, len(payload))
	sess.bytesReceived.Add(int64(len(payload)))
	if _, err := t.conn.Write(payload); err != nil {
		sess.log.Debug("udp write failed", "tunnel_id", t.id, "err", err)
	}
}

// openTunnel dials a connected UDP socket toward the session's route,
// registers it, and starts its downstream reader.
func (sess *session) openTunnel() (*tunnel, error) {
	conn, err := net.DialUDP("udp", nil, sess.udpAddr)
	if err != nil {
		return nil, err
	}
	setUDPBufferSizes(conn)
	t, err := sess.reg.create(conn, sess.route)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	go sess.readDownstream(t)
	return t, nil
}

// readDownstream pumps UDP datagrams from one tunnel back to the client.
// There is no buffering: a frame that cannot be written in time is dropped.
func (sess *session) readDownstream(t *tunnel) {
	buf := make([]byte, 64*1024)
	for {
		n, err := t.conn.Read(buf)
		if err != nil {
			// Socket closed by reaper or teardown.
			return
		}
		var frame []byte
		if sess.newProtocol {
			frame = tunnelproto.EncodeFrame(t.id, buf[:n])
		} else {
			frame = append([]byte(nil), buf[:n]...)
		}
		if err := sess.writeBinary(frame); err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				sess.log.Warn("websocket not writable, dropping datagram", "tunnel_id", t.id, "bytes", n)
				continue
			}
			return
		}
		sess.srv.metrics.RecordBytesSent(sess.account.Name, n)
		sess.bytesSent.Add(int64(n))
	}
}

func (sess *session) startReaper() {
	sess.reaperMu.Lock()
	defer sess.reaperMu.Unlock()
	if sess.reaperRunning {
		return
	}
	sess.reaperRunning = true
	stop := make(chan struct{})
	sess.reaperStop = stop

	timeout := sess.srv.cfg.TunnelTimeout
	go func() {
		ticker := time.NewTicker(timeout)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				for _, id := range sess.reg.reapIdle(timeout) {
					sess.log.Info("udp tunnel timed out", "tunnel_id", id, "timeout", timeout.String())
					_ = sess.writeText(tunnelproto.CloseID(id))
				}
				if sess.reg.size() <= 1 {
					sess.stopReaper()
					return
				}
			}
		}
	}()
}

func (sess *session) stopReaper() {
	sess.reaperMu.Lock()
	defer sess.reaperMu.Unlock()
	if !sess.reaperRunning {
		return
	}
	sess.reaperRunning = false
	close(sess.reaperStop)
}

func (sess *session) writeText(text string) error {
	return sess.write(websocket.TextMessage, []byte(text))
}

func (sess *session) writeBinary(frame []byte) error {
	return sess.write(websocket.BinaryMessage, frame)
}

func (sess *session) write(msgType int, data []byte) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	if err := sess.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return sess.conn.WriteMessage(msgType, data)
}

func (sess *session) writeJSON(v any) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	if err := sess.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return sess.conn.WriteJSON(v)
}

func (sess *session) replyAndClose(resp tunnelproto.ConnectResponse) {
	_ = sess.writeJSON(resp)
	_ = sess.conn.Close()
}

func (sess *session) teardown() {
	sess.stopReaper()
	sess.reg.closeAll()
	sess.legacy = nil
	sess.pending = nil
	_ = sess.conn.Close()

	sess.releaseOnce.Do(func() {
		duration := time.Since(sess.startedAt)
		if sess.srv.accounts.Release(sess.account) {
			sess.log.Info("disconnected from the server", "duration", duration.String())
		}
		sess.srv.metrics.RecordConnectionEnd(sess.account.Name, duration)
		sess.recordAuditEnd(duration)
	})
}

func (sess *session) recordAuditStart(ctx context.Context) {
	if sess.srv.audit == nil {
		return
	}
	protocol := "old"
	if sess.newProtocol {
		protocol = "new"
	}
	auditCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	id, err := sess.srv.audit.RecordConnectionStart(auditCtx, sess.account.Name, sess.clientIP, sess.route, protocol, sess.startedAt)
	if err != nil {
		sess.log.Warn("audit record failed", "err", err)
		return
	}
	sess.auditID = id
}

func (sess *session) recordAuditEnd(duration time.Duration) {
	if sess.srv.audit == nil || sess.auditID == 0 {
		return
	}
	auditCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sess.srv.audit.RecordConnectionEnd(auditCtx, sess.auditID, time.Now(), duration, sess.bytesReceived.Load(), sess.bytesSent.Load()); err != nil {
		sess.log.Warn("audit record failed", "err", err)
	}
}
