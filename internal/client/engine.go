package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync/atomic"
	"time"

	"github.com/streamsockets/streamsockets/internal/config"
	"github.com/streamsockets/streamsockets/internal/retry"
	"github.com/streamsockets/streamsockets/internal/tunnelproto"
)

const (
	maxPingFailures  = 5
	inboxSize        = 1024
	udpIdleSweepTick = 10 * time.Second
	livenessTick     = time.Second
)

// Events posted to the engine inbox. Everything that touches connection
// state flows through it, so the engine goroutine is the sole owner of that
// state and stale-epoch events are discarded in one place.
type (
	evUDPPacket struct {
		payload []byte
		sender  netip.AddrPort
	}
	evConnected struct {
		epoch uint64
		c     *carrier
	}
	evConnectFailed struct {
		epoch uint64
		err   error
	}
	evWSText struct {
		epoch uint64
		text  string
	}
	evWSBinary struct {
		epoch uint64
		data  []byte
	}
	evWSClosed struct {
		epoch uint64
		err   error
	}
	evPong struct {
		epoch uint64
	}
	evRetry struct{}
)

type connState int

const (
	stateInit connState = iota
	stateConnecting
	stateReady
	stateBackoff
)

// queuedFrame is a frame waiting for the carrier or for a tunnel grant. On
// the current protocol the first byte holds the tunnel id, 0 until granted.
type queuedFrame struct {
	sender netip.AddrPort
	frame  []byte
}

// engine is the client datagram engine: it maps local senders to tunnels,
// frames datagrams for the carrier, and drives reconnection with epochs.
type engine struct {
	cfg   config.ClientConfig
	log   *slog.Logger
	udp   *udpListeners
	inbox chan any
	retry *retry.Controller
	ctx   context.Context

	routeHost string
	routePort int

	state         connState
	epoch         uint64
	carrier       *carrier
	authenticated bool
	idleClosed    bool
	retryTimer    *time.Timer

	queue           []queuedFrame
	addrToTunnel    map[netip.AddrPort]uint8
	tunnelToAddr    map[uint8]netip.AddrPort
	pendingSenders  []netip.AddrPort
	defaultAddr     netip.AddrPort
	haveDefault     bool
	defaultTunnelID uint8

	lastUDPPacket time.Time
	lastPong      time.Time
	pingFailures  int

	// read-only mirrors for callers outside the loop
	epochMirror      atomic.Uint64
	connectingMirror atomic.Bool
}

func newEngine(cfg config.ClientConfig, udp *udpListeners, logger *slog.Logger) *engine {
	host, port, _ := config.SplitRoute(cfg.Route)
	return &engine{
		cfg:          cfg,
		log:          logger,
		udp:          udp,
		inbox:        make(chan any, inboxSize),
		retry:        retry.New(cfg.RetryInitialDelay, cfg.RetryMaxDelay),
		routeHost:    host,
		routePort:    port,
		addrToTunnel: map[netip.AddrPort]uint8{},
		tunnelToAddr: map[uint8]netip.AddrPort{},
	}
}

// run is the engine loop. It returns a non-nil error only when a carrier
// failure occurs with EXIT_ON_FAILURE set.
func (e *engine) run(ctx context.Context) error {
	e.ctx = ctx
	e.lastUDPPacket = time.Now()

	pingTicker := time.NewTicker(e.cfg.PingInterval)
	defer pingTicker.Stop()
	liveTicker := time.NewTicker(livenessTick)
	defer liveTicker.Stop()
	idleTicker := time.NewTicker(udpIdleSweepTick)
	defer idleTicker.Stop()

	e.connect()

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return nil
		case ev := <-e.inbox:
			if err := e.handle(ev); err != nil {
				e.shutdown()
				return err
			}
		case <-pingTicker.C:
			if e.isReady() {
				_ = e.carrier.writePing()
			}
		case <-liveTicker.C:
			e.checkLiveness()
		case <-idleTicker.C:
			e.checkUDPIdle()
		}
	}
}

func (e *engine) handle(ev any) error {
	switch ev := ev.(type) {
	case evUDPPacket:
		e.onUDP(ev)
	case evConnected:
		if ev.epoch != e.epoch {
			ev.c.close()
			return nil
		}
		e.onConnected(ev.c)
	case evConnectFailed:
		if ev.epoch != e.epoch {
			return nil
		}
		e.setConnecting(false)
		e.log.Error("failed to connect to websocket server", "uri", e.cfg.WebSocketURI, "err", ev.err)
		return e.scheduleRetry()
	case evWSClosed:
		if ev.epoch != e.epoch {
			return nil
		}
		e.setConnecting(false)
		wasIdle := e.idleClosed
		e.idleClosed = false
		e.dropConnection()
		if wasIdle {
			e.state = stateInit
			e.log.Info("websocket closed after udp inactivity; next datagram reconnects")
			return nil
		}
		e.log.Warn("websocket connection closed, will retry", "err", ev.err)
		return e.scheduleRetry()
	case evWSText:
		if ev.epoch != e.epoch {
			return nil
		}
		e.onText(ev.text)
	case evWSBinary:
		if ev.epoch != e.epoch {
			return nil
		}
		e.onBinary(ev.data)
	case evPong:
		if ev.epoch != e.epoch {
			return nil
		}
		e.lastPong = time.Now()
		e.pingFailures = 0
	case evRetry:
		if e.state == stateBackoff {
			e.connect()
		}
	}
	return nil
}

// connect launches a single connection attempt under a fresh epoch. The
// isConnecting guard ensures only one attempt is outstanding.
func (e *engine) connect() {
	if e.connectingMirror.Load() {
		return
	}
	e.setConnecting(true)
	e.state = stateConnecting
	e.epoch++
	e.epochMirror.Store(e.epoch)
	ep := e.epoch
	e.log.Info("connecting to websocket server", "uri", e.cfg.WebSocketURI, "epoch", ep)

	go func() {
		c, err := dialCarrier(e.ctx, e.cfg, ep, e.inbox)
		if err != nil {
			postEvent(e.ctx, e.inbox, evConnectFailed{epoch: ep, err: err})
			return
		}
		postEvent(e.ctx, e.inbox, evConnected{epoch: ep, c: c})
		c.run(e.ctx)
	}()
}

func (e *engine) onConnected(c *carrier) {
	e.setConnecting(false)
	e.carrier = c
	e.state = stateReady
	e.lastPong = time.Now()
	e.pingFailures = 0

	if e.cfg.UseOldProtocol {
		// Authentication completes when the JSON reply arrives.
		e.authenticated = false
		if err := c.writeJSON(tunnelproto.ConnectRequest{Address: e.routeHost, Port: e.routePort}); err != nil {
			e.log.Error("failed to send connection request", "err", err)
			c.close()
		}
		return
	}

	// Current protocol: admission happened during the upgrade.
	e.authenticated = true
	e.retry.Reset()
	e.log.Info("connected to remote server", "uri", e.cfg.WebSocketURI)
	e.flushQueue()
}

func (e *engine) onUDP(ev evUDPPacket) {
	e.lastUDPPacket = time.Now()
	if e.carrier == nil && e.state == stateInit {
		e.connect()
	}
	if !e.haveDefault {
		e.defaultAddr = ev.sender
		e.haveDefault = true
		e.bindDefault()
	}
	if e.cfg.UseOldProtocol {
		e.onUDPOld(ev)
		return
	}

	if id, ok := e.addrToTunnel[ev.sender]; ok {
		e.sendOrQueue(ev.sender, tunnelproto.EncodeFrame(id, ev.payload))
		return
	}
	if ev.sender == e.defaultAddr {
		frame := tunnelproto.EncodeFrame(e.defaultTunnelID, ev.payload)
		if e.defaultTunnelID == tunnelproto.ReservedTunnelID {
			e.queue = append(e.queue, queuedFrame{sender: ev.sender, frame: frame})
		} else {
			e.sendOrQueue(ev.sender, frame)
		}
		return
	}

	// New sender: ask the server for a tunnel and hold the frame under the
	// placeholder id until the grant arrives.
	if !e.senderPending(ev.sender) {
		e.log.Info("requesting new udp tunnel", "sender", ev.sender.String())
		e.pendingSenders = append(e.pendingSenders, ev.sender)
		if e.isReady() {
			if err := e.carrier.writeText(tunnelproto.ControlNew); err != nil {
				e.log.Debug("tunnel request write failed", "err", err)
			}
		}
	}
	e.queue = append(e.queue, queuedFrame{sender: ev.sender, frame: tunnelproto.EncodeFrame(tunnelproto.ReservedTunnelID, ev.payload)})
}

// onUDPOld services datagrams on the single-tunnel protocol. A different
// sender takes over the connection: the route request is re-issued and
// frames queue until the server confirms.
func (e *engine) onUDPOld(ev evUDPPacket) {
	if ev.sender != e.defaultAddr {
		e.log.Info("new udp sender, renegotiating route", "sender", ev.sender.String())
		e.defaultAddr = ev.sender
		e.authenticated = false
		if e.carrier != nil {
			if err := e.carrier.writeJSON(tunnelproto.ConnectRequest{Address: e.routeHost, Port: e.routePort}); err != nil {
				e.log.Debug("route renegotiation write failed", "err", err)
			}
		}
	}
	e.sendOrQueue(ev.sender, ev.payload)
}

func (e *engine) onText(text string) {
	if e.cfg.UseOldProtocol {
		e.onConnectReply(text)
		return
	}

	ctl, err := tunnelproto.ParseControl(text)
	if err != nil {
		e.log.Warn("received unknown text frame", "frame", text)
		return
	}
	switch ctl.Kind {
	case tunnelproto.KindSocketID:
		e.onTunnelGranted(ctl.TunnelID)
	case tunnelproto.KindCloseID:
		e.onTunnelClosed(ctl.TunnelID)
	default:
		e.log.Warn("received unexpected control frame", "frame", text)
	}
}

func (e *engine) onTunnelGranted(id uint8) {
	if e.defaultTunnelID == tunnelproto.ReservedTunnelID {
		e.defaultTunnelID = id
		e.log.Info("default udp tunnel created", "tunnel_id", id)
		e.bindDefault()
		if !e.authenticated {
			e.authenticated = true
			e.retry.Reset()
			e.lastPong = time.Now()
			e.pingFailures = 0
		}
		e.flushQueue()
		return
	}

	if len(e.pendingSenders) == 0 {
		e.log.Warn("tunnel grant with no pending sender", "tunnel_id", id)
		return
	}
	sender := e.pendingSenders[0]
	e.pendingSenders = e.pendingSenders[1:]
	e.addrToTunnel[sender] = id
	e.tunnelToAddr[id] = sender
	e.rewriteQueued(sender, id)
	e.log.Info("udp tunnel created", "tunnel_id", id, "sender", sender.String())
	e.flushQueue()
}

func (e *engine) onTunnelClosed(id uint8) {
	addr, ok := e.tunnelToAddr[id]
	if !ok {
		return
	}
	delete(e.tunnelToAddr, id)
	delete(e.addrToTunnel, addr)
	if id == e.defaultTunnelID {
		e.defaultTunnelID = tunnelproto.ReservedTunnelID
	}
	e.log.Info("server closed udp tunnel", "tunnel_id", id, "sender", addr.String())
}

// onConnectReply handles the old protocol's JSON authentication reply.
func (e *engine) onConnectReply(text string) {
	var resp tunnelproto.ConnectResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		e.log.Error("failed to parse connection response", "err", err)
		e.carrier.close()
		return
	}
	if resp.Success && strings.EqualFold(resp.Message, "connected") {
		e.authenticated = true
		e.retry.Reset()
		e.lastPong = time.Now()
		e.pingFailures = 0
		e.log.Info("connected to remote server", "uri", e.cfg.WebSocketURI)
		e.flushQueue()
		return
	}
	e.log.Error("failed to connect to remote server", "message", resp.Message)
	e.carrier.close()
}

func (e *engine) onBinary(data []byte) {
	if e.cfg.UseOldProtocol {
		if e.haveDefault {
			e.udp.writeTo(data, e.defaultAddr)
		}
		return
	}

	id, payload, err := tunnelproto.SplitFrame(data)
	if err != nil {
		e.log.Warn("received binary frame with no tunnel id")
		return
	}
	addr, ok := e.tunnelToAddr[id]
	if !ok {
		if id == e.defaultTunnelID && e.haveDefault {
			addr = e.defaultAddr
		} else {
			e.log.Warn("received data for unknown tunnel id", "tunnel_id", id)
			return
		}
	}
	e.udp.writeTo(payload, addr)
}

func (e *engine) sendOrQueue(sender netip.AddrPort, frame []byte) {
	if e.isReady() {
		if err := e.carrier.writeBinary(frame); err == nil {
			return
		}
		// The carrier is dying; the close event will clear the queue.
	}
	e.queue = append(e.queue, queuedFrame{sender: sender, frame: frame})
}

// flushQueue writes every queued frame that has a granted tunnel id. Frames
// still carrying the placeholder stay queued for their grant.
func (e *engine) flushQueue() {
	if !e.isReady() {
		return
	}
	for range e.pendingSenders {
		if err := e.carrier.writeText(tunnelproto.ControlNew); err != nil {
			return
		}
	}
	remaining := e.queue[:0]
	for i, qf := range e.queue {
		if !e.cfg.UseOldProtocol && qf.frame[0] == tunnelproto.ReservedTunnelID {
			remaining = append(remaining, qf)
			continue
		}
		if err := e.carrier.writeBinary(qf.frame); err != nil {
			remaining = append(remaining, qf)
			remaining = append(remaining, e.queue[i+1:]...)
			break
		}
	}
	e.queue = remaining
}

func (e *engine) rewriteQueued(sender netip.AddrPort, id uint8) {
	for _, qf := range e.queue {
		if qf.sender == sender && qf.frame[0] == tunnelproto.ReservedTunnelID {
			qf.frame[0] = id
		}
	}
}

// bindDefault associates the first sender with the first granted tunnel
// once both are known, in either arrival order.
func (e *engine) bindDefault() {
	if !e.haveDefault || e.defaultTunnelID == tunnelproto.ReservedTunnelID {
		return
	}
	e.addrToTunnel[e.defaultAddr] = e.defaultTunnelID
	e.tunnelToAddr[e.defaultTunnelID] = e.defaultAddr
	e.rewriteQueued(e.defaultAddr, e.defaultTunnelID)
}

func (e *engine) senderPending(sender netip.AddrPort) bool {
	for _, p := range e.pendingSenders {
		if p == sender {
			return true
		}
	}
	return false
}

func (e *engine) checkLiveness() {
	if !e.isReady() {
		return
	}
	if time.Since(e.lastPong) <= e.cfg.PingTimeout {
		return
	}
	e.pingFailures++
	e.log.Warn("ping timeout", "failure", e.pingFailures, "max", maxPingFailures)
	if e.pingFailures >= maxPingFailures {
		e.log.Error("max ping failures reached, closing connection for reconnection")
		e.pingFailures = 0
		e.carrier.close()
	}
}

// checkUDPIdle closes the carrier when no local datagram has arrived for
// the configured window; the next datagram re-establishes it.
func (e *engine) checkUDPIdle() {
	if e.carrier == nil || e.cfg.UDPTimeout <= 0 {
		return
	}
	if time.Since(e.lastUDPPacket) <= e.cfg.UDPTimeout {
		return
	}
	e.log.Info("no udp traffic, closing websocket until next datagram", "idle", time.Since(e.lastUDPPacket).String())
	e.idleClosed = true
	e.carrier.close()
}

func (e *engine) scheduleRetry() error {
	if e.cfg.ExitOnFailure {
		return fmt.Errorf("websocket connection failed with EXIT_ON_FAILURE set")
	}
	e.state = stateBackoff
	e.retryTimer = e.retry.Schedule(func() {
		postEvent(e.ctx, e.inbox, evRetry{})
	})
	e.log.Info("reconnect scheduled", "attempt", e.retry.Attempts())
	return nil
}

// dropConnection releases everything tied to the dead carrier: queued
// frames, tunnel mappings, and pending grants. The default sender endpoint
// survives so replies resume after reconnect.
func (e *engine) dropConnection() {
	if e.carrier != nil {
		e.carrier.close()
		e.carrier = nil
	}
	e.authenticated = false
	e.queue = nil
	e.pendingSenders = nil
	e.defaultTunnelID = tunnelproto.ReservedTunnelID
	clear(e.addrToTunnel)
	clear(e.tunnelToAddr)
}

func (e *engine) shutdown() {
	if e.retryTimer != nil {
		e.retryTimer.Stop()
	}
	if e.carrier != nil {
		e.carrier.close()
		e.carrier = nil
	}
}

func (e *engine) isReady() bool {
	return e.carrier != nil && e.authenticated
}

func (e *engine) setConnecting(v bool) {
	e.connectingMirror.Store(v)
}

// postEvent delivers ev unless the engine has shut down.
func postEvent(ctx context.Context, inbox chan<- any, ev any) {
	select {
	case inbox <- ev:
	case <-ctx.Done():
	}
}
