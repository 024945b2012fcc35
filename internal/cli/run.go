// Package cli dispatches the streamsockets subcommands and wires the
// process-wide pieces together: configuration, logging, the account store,
// metrics, the optional audit store, and signal-driven shutdown.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/streamsockets/streamsockets/internal/accounts"
	"github.com/streamsockets/streamsockets/internal/client"
	"github.com/streamsockets/streamsockets/internal/config"
	"github.com/streamsockets/streamsockets/internal/log"
	"github.com/streamsockets/streamsockets/internal/metrics"
	"github.com/streamsockets/streamsockets/internal/server"
	"github.com/streamsockets/streamsockets/internal/store/sqlite"
	"github.com/streamsockets/streamsockets/internal/versionutil"
)

// Run executes the selected subcommand and returns the process exit code.
func Run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}
	switch args[0] {
	case "client":
		return runClient(args[1:])
	case "server":
		return runServer(args[1:])
	case "version", "--version", "-v":
		fmt.Println(versionutil.EnsureVPrefix(versionutil.Version))
		return 0
	case "help", "--help", "-h":
		printUsage()
		return 0
	}
	fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
	printUsage()
	return 2
}

func runClient(args []string) int {
	cfg, err := config.ParseClientFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	logger := log.New(cfg.LogLevel)
	if cfg.ExitOnFailure {
		logger.Info("EXIT_ON_FAILURE is enabled - process exits on connection failure for supervisor management")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.New(cfg, logger).Run(ctx); err != nil {
		logger.Error("client terminated", "err", err)
		return 1
	}
	return 0
}

func runServer(args []string) int {
	cfg, err := config.ParseServerFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	logger := log.New(cfg.LogLevel)

	store, err := accounts.Load(cfg.AccountsFile, logger)
	if err != nil {
		logger.Error("failed to load accounts", "file", cfg.AccountsFile, "err", err)
		return 1
	}

	var audit *sqlite.Store
	if cfg.AuditDBPath != "" {
		audit, err = sqlite.Open(cfg.AuditDBPath)
		if err != nil {
			logger.Error("failed to open audit store", "path", cfg.AuditDBPath, "err", err)
			return 1
		}
		defer func() { _ = audit.Close() }()
		logger.Info("connection audit enabled", "path", cfg.AuditDBPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go store.Watch(ctx, cfg.ReloadInterval)

	reg := metrics.New()
	errCh := make(chan error, 2)
	if cfg.MetricsEnabled {
		addr := fmt.Sprintf("%s:%d", cfg.MetricsBindAddress, cfg.MetricsPort)
		msrv := metrics.NewServer(reg, addr, cfg.MetricsPath, logger)
		go func() {
			if err := msrv.Run(ctx); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	srv := server.New(cfg, store, reg, audit, logger)
	go func() {
		errCh <- srv.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down servers")
		<-errCh
		return 0
	case err := <-errCh:
		if err != nil {
			logger.Error("server terminated", "err", err)
			return 1
		}
		return 0
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `streamsockets tunnels UDP datagrams over a WebSocket carrier.

Usage:
  streamsockets client [flags]   run the UDP-side client
  streamsockets server [flags]   run the WebSocket-side server
  streamsockets version          print the build version

Configuration comes from environment variables; flags override. See the
README for the full surface.`)
}
