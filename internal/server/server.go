// Package server implements the tunnel server: it authenticates WebSocket
// upgrade requests against the account store, bridges binary frames to
// per-tunnel UDP sockets toward the configured route, and reaps idle
// tunnels.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/streamsockets/streamsockets/internal/accounts"
	"github.com/streamsockets/streamsockets/internal/config"
	"github.com/streamsockets/streamsockets/internal/metrics"
	"github.com/streamsockets/streamsockets/internal/netutil"
	"github.com/streamsockets/streamsockets/internal/store/sqlite"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsWriteTimeout     = 15 * time.Second
)

// Server accepts WebSocket connections and tunnels their frames to UDP.
type Server struct {
	cfg      config.ServerConfig
	accounts *accounts.Store
	metrics  *metrics.Registry
	audit    *sqlite.Store // nil when auditing is disabled
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// New creates a Server. audit may be nil.
func New(cfg config.ServerConfig, store *accounts.Store, reg *metrics.Registry, audit *sqlite.Store, logger *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		accounts: store,
		metrics:  reg,
		audit:    audit,
		log:      logger,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: wsHandshakeTimeout,
			ReadBufferSize:   64 * 1024,
			WriteBufferSize:  64 * 1024,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.WSPath, func(w http.ResponseWriter, r *http.Request) {
		s.handleTunnel(ctx, w, r)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	tlsConfig, err := s.tlsConfig()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort(s.cfg.BindAddress, fmt.Sprintf("%d", s.cfg.BindPort)),
		Handler:           mux,
		ReadHeaderTimeout: wsHandshakeTimeout,
		MaxHeaderBytes:    s.cfg.HTTPMaxContentLength,
		TLSConfig:         tlsConfig,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tlsConfig != nil {
			s.log.Info("starting tunnel server (tls)", "addr", srv.Addr, "path", s.cfg.WSPath)
			err = srv.ListenAndServeTLS("", "")
		} else {
			s.log.Info("starting tunnel server", "addr", srv.Addr, "path", s.cfg.WSPath)
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleTunnel is the admission gate. It checks the auth headers, leases the
// account, completes the upgrade, and hands the connection to a session.
func (s *Server) handleTunnel(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if !strings.EqualFold(strings.TrimSpace(r.Header.Get("X-Auth-Type")), "Token") {
		http.Error(w, "Invalid authentication type", http.StatusBadRequest)
		return
	}

	token := r.Header.Get("X-Auth-Token")
	clientIP := netutil.ClientIP(r, s.cfg.ClientIPHeader)

	routeAddr := r.Header.Get("X-Route-Address")
	routePort := r.Header.Get("X-Route-Port")
	newProtocol := routeAddr != "" && routePort != ""

	var route string
	if newProtocol {
		route = routeAddr + ":" + routePort
	} else {
		route = r.Header.Get("X-Auth-Route")
	}

	account := s.accounts.Authenticate(token, route, clientIP)
	if account == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if !s.accounts.Lease(account) {
		http.Error(w, "Failed to lease account", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.accounts.Release(account)
		s.log.Warn("websocket upgrade failed", "account", account.Name, "client_ip", clientIP, "err", err)
		return
	}

	sess := newSession(s, conn, account, clientIP, route, newProtocol)
	go sess.run(ctx)
}
