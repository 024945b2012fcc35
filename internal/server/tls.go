package server

import (
	"crypto/tls"
	"fmt"

	"golang.org/x/crypto/acme/autocert"

	"github.com/streamsockets/streamsockets/internal/netutil"
)

const (
	tlsModeOff    = "off"
	tlsModeStatic = "static"
	tlsModeAuto   = "auto"
)

// tlsConfig builds the listener TLS configuration for the configured mode:
// nil for plain ws, a static key pair, or an autocert manager restricted to
// the configured domain (ALPN-01 challenges ride the same listener).
func (s *Server) tlsConfig() (*tls.Config, error) {
	switch s.cfg.TLSMode {
	case tlsModeOff, "":
		return nil, nil
	case tlsModeStatic:
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load tls key pair: %w", err)
		}
		s.log.Info("static TLS certificate loaded", "cert_file", s.cfg.TLSCertFile)
		return &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}, nil
	case tlsModeAuto:
		manager := &autocert.Manager{
			Cache:      autocert.DirCache(s.cfg.CertCacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(netutil.NormalizeHost(s.cfg.TLSDomain)),
		}
		s.log.Info("automatic TLS enabled", "domain", s.cfg.TLSDomain, "cache_dir", s.cfg.CertCacheDir)
		cfg := manager.TLSConfig()
		cfg.MinVersion = tls.VersionTLS12
		return cfg, nil
	}
	return nil, fmt.Errorf("unknown tls mode %q", s.cfg.TLSMode)
}
