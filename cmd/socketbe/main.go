// Command socketbe accepts Minecraft Bedrock websocket clients and logs what
// happens in their worlds.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/handlers"
	"github.com/pkg/errors"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/network"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/sblog"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/sblog/glogadapter"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/sblog/slogadapter"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/server"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/transport"
	quictransport "github.com/tutinoko2048/SocketBE-sub000/pkg/transport/quic"
	websockets "github.com/tutinoko2048/SocketBE-sub000/pkg/transport/websocket"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg := server.DefaultConfig()
	var opts options
	registerFlags(flag.CommandLine, &cfg, &opts)
	flag.Parse()
	defer glog.Flush()

	logger, err := newLogger(opts.logger, cfg.Debug)
	if err != nil {
		glog.Exit(err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, logger); err != nil {
		logger.Error("socketbe stopped", "error", err)
		glog.Flush()
		os.Exit(1)
	}
}

func newLogger(kind string, debug bool) (sblog.Logger, error) {
	switch kind {
	case "slog":
		return slogadapter.NewText(os.Stderr, debug), nil
	case "glog":
		if debug {
			if err := flag.Set("v", strconv.Itoa(int(glogadapter.DebugLevel))); err != nil {
				return nil, err
			}
		}
		return glogadapter.New(), nil
	}
	return nil, errors.Errorf("unknown logger %q", kind)
}

func run(ctx context.Context, cfg server.Config, opts options, logger sblog.Logger) error {
	srv := server.New(cfg,
		server.WithLogger(logger),
		server.WithNetworkOptions(network.WithTracing(cfg.Debug)),
	)
	logSignals(srv, logger)

	ws := websockets.NewTransport()
	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handlers.RecoveryHandler()(handlers.CombinedLoggingHandler(os.Stderr, newRouter(srv, cfg.Path, ws, logger))),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", "addr", httpSrv.Addr, "path", cfg.Path)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return ignoreCanceled(srv.Serve(ctx, ws))
	})

	if opts.quicAddr != "" {
		cert, err := tls.LoadX509KeyPair(opts.quicCert, opts.quicKey)
		if err != nil {
			return errors.Wrap(err, "load QUIC certificate")
		}
		qt := quictransport.NewTransport(opts.quicAddr, &tls.Config{Certificates: []tls.Certificate{cert}}, nil)

		g.Go(func() error {
			return ignoreCanceled(srv.Serve(ctx, qt))
		})
		g.Go(func() error {
			<-ctx.Done()
			if err := qt.Close(); err != nil && !errors.Is(err, transport.ErrTransportNotInitialized) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Close(); err != nil && !errors.Is(err, server.ErrServerClosed) {
			logger.Warn("failed to close worlds", "error", err)
		}
		if err := ws.Close(); err != nil {
			logger.Warn("failed to close websocket transport", "error", err)
		}
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func logSignals(srv *server.Server, logger sblog.Logger) {
	server.On(srv, func(sig *server.WorldAdd) {
		logger.Info("world connected", "world", sig.World().Name(), "addr", sig.World().Connection().RemoteAddr())
	})
	server.On(srv, func(sig *server.WorldInitialize) {
		logger.Info("world initialized", "world", sig.World().Name(), "localPlayer", sig.LocalPlayer.Name())
	})
	server.On(srv, func(sig *server.WorldRemove) {
		logger.Info("world disconnected", "world", sig.World().Name())
	})
	server.On(srv, func(sig *server.PlayerJoin) {
		logger.Info("player joined", "world", sig.World().Name(), "player", sig.Player.Name())
	})
	server.On(srv, func(sig *server.PlayerLeave) {
		logger.Info("player left", "world", sig.World().Name(), "player", sig.Player.Name())
	})
	server.On(srv, func(sig *server.PlayerChat) {
		logger.Info("chat", "world", sig.World().Name(), "sender", sig.SenderName, "type", sig.Type, "message", sig.Message)
	})
}
