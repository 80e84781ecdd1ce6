package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/astromechza/session-sync/pkg/auth"
	"github.com/astromechza/session-sync/pkg/blob"
	"github.com/astromechza/session-sync/pkg/config"
	"github.com/astromechza/session-sync/pkg/registry"
	"github.com/astromechza/session-sync/pkg/rooms"
	"github.com/astromechza/session-sync/pkg/server"
	"github.com/astromechza/session-sync/pkg/session"
	"github.com/astromechza/session-sync/pkg/store/gormstore"
	"github.com/astromechza/session-sync/pkg/store/memstore"
	"github.com/astromechza/session-sync/pkg/store/rediscache"
	"github.com/astromechza/session-sync/pkg/store/sqlstore"
	"github.com/astromechza/session-sync/pkg/syncer"
	"github.com/astromechza/session-sync/pkg/transport"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.New(), configPath, cmd.Flags())
			if err != nil {
				return err
			}
			slog.SetDefault(cfg.Log.Logger())
			return serve(cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a yaml config file")
	cmd.Flags().String("http.addr", "", "the address to listen on")
	cmd.Flags().String("store.driver", "", "durable store: sqlite, postgres or memory")
	cmd.Flags().String("store.sqlite_path", "", "sqlite database file")
	cmd.Flags().String("store.postgres_dsn", "", "postgres connection string")
	cmd.Flags().Bool("redis.enabled", false, "cache session reads in redis")
	cmd.Flags().String("blob.dir", "", "directory for uploaded images")
	cmd.Flags().String("log.level", "", "debug, info, warn or error")
	return cmd
}

func openStore(ctx context.Context, cfg config.StoreConfig) (session.Store, func() error, error) {
	slog.Info("Opening store", "driver", cfg.Driver)
	switch cfg.Driver {
	case "sqlite":
		s, err := sqlstore.Open(ctx, cfg.SqlitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "postgres":
		s, err := gormstore.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "memory":
		slog.Warn("memory store selected, sessions are lost on exit")
		return memstore.New(), func() error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func serve(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			slog.Error("failed to close store", "err", err)
		}
	}()

	if cfg.Redis.Enabled {
		cached, err := rediscache.Dial(ctx, store, rediscache.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			TTL:      cfg.Redis.TTL,
		})
		if err != nil {
			return err
		}
		defer cached.Close()
		store = cached
		slog.Info("Caching session reads in redis", "addr", cfg.Redis.Addr)
	}

	blobs, err := blob.NewFileStore(cfg.Blob.Dir, cfg.Blob.PublicBaseURL)
	if err != nil {
		return err
	}

	var verifier *auth.Verifier
	if cfg.Auth.JwtSecret != "" {
		verifier = auth.NewVerifier(cfg.Auth.JwtSecret)
	} else {
		slog.Warn("auth.jwt_secret is empty, accepting unauthenticated clients")
	}

	reg := registry.New(store, registry.WithLoadTimeout(cfg.Registry.LoadTimeout))
	rm := rooms.NewManager(reg)
	persister := syncer.NewPersister(reg, store,
		syncer.WithQueueSize(cfg.Persist.QueueSize),
		syncer.WithWriteTimeout(cfg.Persist.Timeout),
	)
	dispatcher := syncer.NewDispatcher(reg, rm, persister)
	srv := server.New(reg, store, blobs, dispatcher, server.Options{
		BlobDir:        blobs.Dir(),
		MaxUploadBytes: cfg.Blob.MaxUploadBytes,
		Verifier:       verifier,
		Transport: transport.Options{
			SendBuffer:      cfg.WS.SendBuffer,
			WriteTimeout:    cfg.WS.WriteTimeout,
			PingInterval:    cfg.WS.PingInterval,
			MaxMessageBytes: cfg.WS.MaxMessageBytes,
		},
	})

	wg := new(sync.WaitGroup)

	if cfg.Registry.IdleEvictAfter > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t := time.NewTicker(cfg.Registry.SweepInterval)
			defer t.Stop()
			for {
				select {
				case <-t.C:
					if evicted := reg.Evict(cfg.Registry.IdleEvictAfter); len(evicted) > 0 {
						slog.Info("evicted idle sessions", "sessions", evicted, "hot", reg.Len())
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           srv.Handler(ctx),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Listening", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
			cancel()
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shut down http server", "err", err)
	}
	// closes the websocket connections, which http.Server does not track once hijacked
	cancel()
	wg.Wait()
	srv.Wait()

	if err := flushOnShutdown(persister, cfg.Persist.ShutdownTimeout); err != nil {
		slog.Error("failed to flush sessions on shutdown", "err", err, "dirty", reg.Dirty())
		return err
	}
	slog.Info("Flushed sessions", "hot", reg.Len())
	return nil
}

// flushOnShutdown drains the persister with a budget of its own, separate from the one
// the http server used up while shutting down.
func flushOnShutdown(p *syncer.Persister, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return p.Close(ctx)
}
