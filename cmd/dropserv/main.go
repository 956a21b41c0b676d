package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sheerbytes/dropline/internal/config"
	"github.com/sheerbytes/dropline/internal/discovery"
	"github.com/sheerbytes/dropline/internal/logging"
	"github.com/sheerbytes/dropline/internal/relay"
)

const serverVersion = "v0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:          "dropserv",
		Short:        "Relay that pairs drop senders and receivers",
		Version:      serverVersion,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
	}
	cfg := config.BindServerFlags(root.Flags())
	root.RunE = func(cmd *cobra.Command, args []string) error {
		cfg.Normalize()
		return serve(cmd.Context(), *cfg)
	}
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg config.ServerConfig) error {
	logger := logging.New("dropserv", cfg.LogLevel)

	srv := relay.NewServer(relay.Options{
		CodeTTL:         cfg.CodeTTL,
		MaxMessageBytes: cfg.MaxMessageBytes,
		MsgRate:         cfg.MsgRate,
		MsgBurst:        cfg.MsgBurst,
		IdleTimeout:     cfg.IdleTimeout,
		Logger:          logger,
	})

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go srv.RunJanitor(ctx, time.Minute)

	if cfg.MDNS {
		port := ln.Addr().(*net.TCPAddr).Port
		adv, err := discovery.Advertise(discovery.Config{Instance: cfg.MDNSName, Port: port})
		if err != nil {
			logger.Warn("mDNS advertisement failed", "error", err)
		} else {
			defer adv.Stop()
			logger.Info("advertising relay", "instance", cfg.MDNSName, "port", port)
		}
	}

	errc := make(chan error, 1)
	go func() {
		errc <- httpSrv.Serve(ln)
	}()
	logger.Info("relay listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		logger.Error("server failed", "error", err)
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return httpSrv.Shutdown(shutdownCtx)
}
