package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/streamsockets/streamsockets/internal/accounts"
	"github.com/streamsockets/streamsockets/internal/config"
	"github.com/streamsockets/streamsockets/internal/metrics"
	"github.com/streamsockets/streamsockets/internal/tunnelproto"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testServerConfig() config.ServerConfig {
	return config.ServerConfig{
		WSPath:               "/tunnel",
		HTTPMaxContentLength: 65536,
		MaxFrameSize:         65536,
		TunnelTimeout:        300 * time.Second,
		MaxTunnelsPerClient:  10,
	}
}

// startUDPEcho runs a UDP echo responder and returns its host:port.
func startUDPEcho(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			_, _ = pc.WriteTo(buf[:n], addr)
		}
	}()
	return pc.LocalAddr().String()
}

func startTestServer(t *testing.T, cfg config.ServerConfig, accs []*accounts.Account) *httptest.Server {
	t.Helper()
	store, err := accounts.NewFromAccounts(accs, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	srv := New(cfg, store, metrics.New(), nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.handleTunnel(ctx, w, r)
	}))
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func newProtocolHeaders(token, route string) http.Header {
	host, port, _ := net.SplitHostPort(route)
	h := http.Header{}
	h.Set("X-Auth-Type", "Token")
	h.Set("X-Auth-Token", token)
	h.Set("X-Route-Address", host)
	h.Set("X-Route-Port", port)
	return h
}

func echoAccount(route string) *accounts.Account {
	return &accounts.Account{
		Name:       "user1",
		Token:      "123456",
		Routes:     []string{route},
		AllowedIPs: []string{"127.0.0.1"},
	}
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if msgType != websocket.TextMessage {
		t.Fatalf("expected text frame, got type %d", msgType)
	}
	return string(data)
}

func readBinary(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if msgType != websocket.BinaryMessage {
		t.Fatalf("expected binary frame, got type %d", msgType)
	}
	return data
}

func TestAdmissionRejectsBadAuthType(t *testing.T) {
	t.Parallel()

	route := startUDPEcho(t)
	ts := startTestServer(t, testServerConfig(), []*accounts.Account{echoAccount(route)})

	h := newProtocolHeaders("123456", route)
	h.Set("X-Auth-Type", "Password")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), h)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %+v", resp)
	}
}

func TestAdmissionRejectsUnknownToken(t *testing.T) {
	t.Parallel()

	route := startUDPEcho(t)
	ts := startTestServer(t, testServerConfig(), []*accounts.Account{echoAccount(route)})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), newProtocolHeaders("wrong", route))
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestAdmissionRejectsUnknownRoute(t *testing.T) {
	t.Parallel()

	route := startUDPEcho(t)
	ts := startTestServer(t, testServerConfig(), []*accounts.Account{echoAccount(route)})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), newProtocolHeaders("123456", "127.0.0.1:1"))
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestAdmissionCIDR(t *testing.T) {
	t.Parallel()

	route := startUDPEcho(t)
	account := &accounts.Account{
		Name:       "cidr",
		Token:      "cidr-token",
		Routes:     []string{route},
		AllowedIPs: []string{"172.16.0.0/16"},
	}
	cfg := testServerConfig()
	cfg.ClientIPHeader = "X-Real-Ip"
	ts := startTestServer(t, cfg, []*accounts.Account{account})

	h := newProtocolHeaders("cidr-token", route)
	h.Set("X-Real-Ip", "172.16.5.9")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), h)
	if err != nil {
		t.Fatalf("expected in-range IP to be admitted: %v", err)
	}
	_ = conn.Close()

	h.Set("X-Real-Ip", "10.0.0.1")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), h)
	if err == nil {
		t.Fatal("expected handshake failure for out-of-range IP")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestAdmissionLeaseExclusion(t *testing.T) {
	t.Parallel()

	route := startUDPEcho(t)
	account := echoAccount(route)
	account.Reuse = false
	ts := startTestServer(t, testServerConfig(), []*accounts.Account{account})

	first, _, err := websocket.DefaultDialer.Dial(wsURL(ts), newProtocolHeaders("123456", route))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = first.Close() }()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), newProtocolHeaders("123456", route))
	if err == nil {
		t.Fatal("expected handshake failure for second lease")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}

	// Releasing the first connection frees the lease.
	_ = first.Close()
	deadline := time.Now().Add(3 * time.Second)
	for {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), newProtocolHeaders("123456", route))
		if err == nil {
			_ = conn.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("lease was never released after close")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestNewProtocolEcho(t *testing.T) {
	t.Parallel()

	route := startUDPEcho(t)
	ts := startTestServer(t, testServerConfig(), []*accounts.Account{echoAccount(route)})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), newProtocolHeaders("123456", route))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	if got := readText(t, conn); got != "SOCKET ID: 1" {
		t.Fatalf("first grant: got %q", got)
	}

	for i := 0; i < 10; i++ {
		payload := fmt.Sprintf("Hello-%d", i)
		if err := conn.WriteMessage(websocket.BinaryMessage, tunnelproto.EncodeFrame(1, []byte(payload))); err != nil {
			t.Fatal(err)
		}
		frame := readBinary(t, conn)
		id, got, err := tunnelproto.SplitFrame(frame)
		if err != nil {
			t.Fatal(err)
		}
		if id != 1 || string(got) != payload {
			t.Fatalf("echo %d: got id=%d payload=%q", i, id, got)
		}
	}
}

func TestNewProtocolSecondTunnel(t *testing.T) {
	t.Parallel()

	route := startUDPEcho(t)
	ts := startTestServer(t, testServerConfig(), []*accounts.Account{echoAccount(route)})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), newProtocolHeaders("123456", route))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	if got := readText(t, conn); got != "SOCKET ID: 1" {
		t.Fatalf("first grant: got %q", got)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("NEW")); err != nil {
		t.Fatal(err)
	}
	if got := readText(t, conn); got != "SOCKET ID: 2" {
		t.Fatalf("second grant: got %q", got)
	}

	// Traffic on both tunnels stays isolated by id.
	if err := conn.WriteMessage(websocket.BinaryMessage, tunnelproto.EncodeFrame(2, []byte("two"))); err != nil {
		t.Fatal(err)
	}
	frame := readBinary(t, conn)
	id, payload, err := tunnelproto.SplitFrame(frame)
	if err != nil {
		t.Fatal(err)
	}
	if id != 2 || string(payload) != "two" {
		t.Fatalf("got id=%d payload=%q", id, payload)
	}
}

func TestNewProtocolUnknownTunnelDropped(t *testing.T) {
	t.Parallel()

	route := startUDPEcho(t)
	ts := startTestServer(t, testServerConfig(), []*accounts.Account{echoAccount(route)})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), newProtocolHeaders("123456", route))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	if got := readText(t, conn); got != "SOCKET ID: 1" {
		t.Fatalf("first grant: got %q", got)
	}

	// Reserved id and unknown id are both dropped without tearing down the
	// connection.
	_ = conn.WriteMessage(websocket.BinaryMessage, tunnelproto.EncodeFrame(0, []byte("zero")))
	_ = conn.WriteMessage(websocket.BinaryMessage, tunnelproto.EncodeFrame(42, []byte("bogus")))

	if err := conn.WriteMessage(websocket.BinaryMessage, tunnelproto.EncodeFrame(1, []byte("still-alive"))); err != nil {
		t.Fatal(err)
	}
	frame := readBinary(t, conn)
	if _, payload, _ := tunnelproto.SplitFrame(frame); string(payload) != "still-alive" {
		t.Fatalf("connection should survive bad frames, got %q", payload)
	}
}

func TestTunnelCap(t *testing.T) {
	t.Parallel()

	route := startUDPEcho(t)
	cfg := testServerConfig()
	cfg.MaxTunnelsPerClient = 2
	ts := startTestServer(t, cfg, []*accounts.Account{echoAccount(route)})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), newProtocolHeaders("123456", route))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	if got := readText(t, conn); got != "SOCKET ID: 1" {
		t.Fatalf("first grant: got %q", got)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("NEW")); err != nil {
		t.Fatal(err)
	}
	if got := readText(t, conn); got != "SOCKET ID: 2" {
		t.Fatalf("second grant: got %q", got)
	}

	// The third request is dropped silently: no grant, no error frame.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("NEW")); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected no frame after capped NEW request")
	}

	// Existing tunnels keep working.
	_ = conn.SetReadDeadline(time.Time{})
	if err := conn.WriteMessage(websocket.BinaryMessage, tunnelproto.EncodeFrame(1, []byte("ok"))); err != nil {
		t.Fatal(err)
	}
	frame := readBinary(t, conn)
	if _, payload, _ := tunnelproto.SplitFrame(frame); string(payload) != "ok" {
		t.Fatalf("tunnel 1 should survive the capped request, got %q", payload)
	}
}

func TestIdleReapSparesFirstTunnel(t *testing.T) {
	t.Parallel()

	route := startUDPEcho(t)
	cfg := testServerConfig()
	cfg.TunnelTimeout = 200 * time.Millisecond
	ts := startTestServer(t, cfg, []*accounts.Account{echoAccount(route)})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), newProtocolHeaders("123456", route))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	if got := readText(t, conn); got != "SOCKET ID: 1" {
		t.Fatalf("first grant: got %q", got)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("NEW")); err != nil {
		t.Fatal(err)
	}
	if got := readText(t, conn); got != "SOCKET ID: 2" {
		t.Fatalf("second grant: got %q", got)
	}

	// Tunnel 2 goes quiet and gets evicted; tunnel 1 survives regardless.
	if got := readText(t, conn); got != "CLOSE ID: 2" {
		t.Fatalf("expected eviction of tunnel 2, got %q", got)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, tunnelproto.EncodeFrame(1, []byte("first-alive"))); err != nil {
		t.Fatal(err)
	}
	frame := readBinary(t, conn)
	if _, payload, _ := tunnelproto.SplitFrame(frame); string(payload) != "first-alive" {
		t.Fatalf("first tunnel must not be reaped, got %q", payload)
	}
}

func oldProtocolHeaders(token, route string) http.Header {
	h := http.Header{}
	h.Set("X-Auth-Type", "Token")
	h.Set("X-Auth-Token", token)
	h.Set("X-Auth-Route", route)
	return h
}

func TestOldProtocolEcho(t *testing.T) {
	t.Parallel()

	route := startUDPEcho(t)
	ts := startTestServer(t, testServerConfig(), []*accounts.Account{echoAccount(route)})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), oldProtocolHeaders("123456", route))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	host, portStr, _ := net.SplitHostPort(route)
	port := 0
	_, _ = fmt.Sscanf(portStr, "%d", &port)
	if err := conn.WriteJSON(tunnelproto.ConnectRequest{Address: host, Port: port}); err != nil {
		t.Fatal(err)
	}

	var resp tunnelproto.ConnectResponse
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.Message != "connected" {
		t.Fatalf("connect reply: %+v", resp)
	}

	// Raw payloads, no tunnel id byte.
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("legacy")); err != nil {
		t.Fatal(err)
	}
	if got := readBinary(t, conn); string(got) != "legacy" {
		t.Fatalf("echo: got %q", got)
	}
}

func TestOldProtocolPendingFramesFlushAfterConnect(t *testing.T) {
	t.Parallel()

	route := startUDPEcho(t)
	ts := startTestServer(t, testServerConfig(), []*accounts.Account{echoAccount(route)})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), oldProtocolHeaders("123456", route))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	// Binary before the JSON handshake is held, then flushed.
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("early")); err != nil {
		t.Fatal(err)
	}

	host, portStr, _ := net.SplitHostPort(route)
	port := 0
	_, _ = fmt.Sscanf(portStr, "%d", &port)
	if err := conn.WriteJSON(tunnelproto.ConnectRequest{Address: host, Port: port}); err != nil {
		t.Fatal(err)
	}

	var resp tunnelproto.ConnectResponse
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success {
		t.Fatalf("connect reply: %+v", resp)
	}

	if got := readBinary(t, conn); string(got) != "early" {
		t.Fatalf("pending frame echo: got %q", got)
	}
}

func TestOldProtocolRejectsUnknownRoute(t *testing.T) {
	t.Parallel()

	route := startUDPEcho(t)
	ts := startTestServer(t, testServerConfig(), []*accounts.Account{echoAccount(route)})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), oldProtocolHeaders("123456", route))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	if err := conn.WriteJSON(tunnelproto.ConnectRequest{Address: "127.0.0.1", Port: 1}); err != nil {
		t.Fatal(err)
	}
	var resp tunnelproto.ConnectResponse
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Success || resp.Message != "Route is not allowed" {
		t.Fatalf("connect reply: %+v", resp)
	}
}

func TestServerEchoesPings(t *testing.T) {
	t.Parallel()

	route := startUDPEcho(t)
	ts := startTestServer(t, testServerConfig(), []*accounts.Account{echoAccount(route)})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), newProtocolHeaders("123456", route))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	if got := readText(t, conn); got != "SOCKET ID: 1" {
		t.Fatalf("first grant: got %q", got)
	}

	pong := make(chan string, 1)
	conn.SetPongHandler(func(data string) error {
		select {
		case pong <- data:
		default:
		}
		return nil
	})
	if err := conn.WriteControl(websocket.PingMessage, []byte(tunnelproto.PingPayload), time.Now().Add(time.Second)); err != nil {
		t.Fatal(err)
	}

	// Pongs surface during reads; nudge the connection with an echo.
	if err := conn.WriteMessage(websocket.BinaryMessage, tunnelproto.EncodeFrame(1, []byte("x"))); err != nil {
		t.Fatal(err)
	}
	_ = readBinary(t, conn)

	select {
	case data := <-pong:
		if data != tunnelproto.PingPayload {
			t.Fatalf("pong payload: got %q", data)
		}
	default:
		t.Fatal("no pong received")
	}
}
