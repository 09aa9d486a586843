package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/nicktill/sensorvault/pkg/backup"
	"github.com/nicktill/sensorvault/pkg/config"
	"github.com/nicktill/sensorvault/pkg/logging"
	"github.com/nicktill/sensorvault/pkg/server"
	"github.com/nicktill/sensorvault/pkg/storage"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "sensorvault:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("sensorvault", pflag.ContinueOnError)
	flags := config.RegisterFlags(fs)
	restore := fs.String("restore", "", "load a backup file into the store before serving")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(flags, os.Getenv)
	if err != nil {
		return err
	}
	logging.Init(logging.ParseLevel(cfg.Log.Level), cfg.Log.JSON)
	log := logging.Component("server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(cfg, server.Options{})
	if err != nil {
		return err
	}
	defer func() {
		if err := srv.Close(); err != nil {
			log.Error("shutdown incomplete", "error", err)
		}
	}()

	if *restore != "" {
		dst, ok := srv.Store.(storage.Restorer)
		if !ok {
			return errors.New("store does not support restore")
		}
		if err := backup.Restore(ctx, *restore, dst); err != nil {
			return err
		}
	}

	return serve(ctx, srv, log)
}

// serve runs the HTTP server, the maintenance loop and the websocket hub
// until ctx is cancelled or one of them fails.
func serve(ctx context.Context, srv *server.Server, log *slog.Logger) error {
	httpServer := srv.HTTPServer()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	g.Go(func() error { return srv.RunMaintenance(gctx) })

	g.Go(func() error {
		srv.Hub.Run(gctx)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}
