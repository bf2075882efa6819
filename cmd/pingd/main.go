// Command pingd answers Ping with Pong and relays Chat to every connected peer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"mini-packet/config"
	"mini-packet/discovery"
	"mini-packet/logging"
	"mini-packet/message"
	"mini-packet/middleware"
	"mini-packet/pingpong"
	"mini-packet/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "pingd:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	f, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(f.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := pingpong.RegisterAll(message.Default); err != nil {
		return err
	}

	conf, err := f.ServerConfig(logger)
	if err != nil {
		return err
	}

	responder := &pingpong.Responder{Logger: logger}
	svr := server.NewServer(message.Default, responder, conf)
	responder.Relay = func(ctx context.Context, m *pingpong.Chat) error {
		return svr.Broadcast(ctx, m)
	}
	svr.Use(middleware.RecoverMiddleware())
	svr.Use(middleware.LoggingMiddleware(logger))
	svr.Use(middleware.RateLimitMiddleware(100, 200))
	svr.Use(middleware.TimeOutMiddleware(5 * time.Second))

	if len(f.Discovery.Etcd) > 0 {
		etcd, err := discovery.NewEtcdRegistry(f.Discovery.Etcd, logger)
		if err != nil {
			return err
		}
		defer etcd.Close()
		svr.Advertise(etcd, f.Server.Service, discovery.Endpoint{
			Addr:   f.Server.Advertise,
			Weight: f.Server.Weight,
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	served := make(chan error, 1)
	go func() { served <- svr.ListenAndServe(f.Server.Listen) }()

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Int("connections", svr.Len()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := svr.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-served; !errors.Is(err, server.ErrServerClosed) {
		return err
	}
	return nil
}
