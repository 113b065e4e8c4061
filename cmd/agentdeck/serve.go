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
	"time"

	"github.com/spf13/cobra"

	"github.com/sebastianm/agentdeck/internal/config"
	"github.com/sebastianm/agentdeck/internal/database"
	"github.com/sebastianm/agentdeck/internal/portutil"
	"github.com/sebastianm/agentdeck/internal/process"
	"github.com/sebastianm/agentdeck/internal/server"
	"github.com/sebastianm/agentdeck/internal/session"
	"github.com/sebastianm/agentdeck/internal/session/store"
	"github.com/sebastianm/agentdeck/internal/watcher"
)

func serveCmd() *cobra.Command {
	var port int
	var staticDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agentdeck server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(port, staticDir)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides config)")
	cmd.Flags().StringVar(&staticDir, "static-dir", "", "UI bundle directory (overrides config)")
	return cmd
}

func serve(portOverride int, staticOverride string) error {
	log := slog.New(slog.NewTextHandler(os.Stdout, nil)).With("component", "agentdeck")

	cfg, err := config.Parse()
	if err != nil {
		log.Error("config error", "error", err)
		return err
	}
	if portOverride != 0 {
		cfg.Port = portOverride
	}
	if staticOverride != "" {
		cfg.StaticDir = staticOverride
	}

	// Storage: SQLite when a database path is configured, one JSON file
	// per session otherwise.
	var st session.Store
	if cfg.DatabasePath != "" && cfg.DatabasePath != "none" {
		db, err := database.Open(context.Background(), cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer db.Close()
		st = store.NewSQLiteStore(db)
		log.Info("database opened", "path", cfg.DatabasePath)
	} else {
		fs, err := store.NewFileStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("opening file store: %w", err)
		}
		st = fs
		log.Info("file store opened", "dir", cfg.DataDir)
	}

	srv := server.New(server.Deps{Log: log, StaticDir: cfg.StaticDir})
	pool := process.NewPool(log)

	mgr := session.NewManager(session.ManagerDeps{
		Log:              log,
		Pool:             pool,
		Store:            st,
		Command:          cfg.Command,
		Args:             cfg.Args,
		Cols:             cfg.TerminalCols,
		Rows:             cfg.TerminalRows,
		OnOutput:         srv.BroadcastOutput,
		OnStatus:         srv.BroadcastStatus,
		OutputBufferSize: cfg.OutputBufferSize,
		FlushInterval:    time.Duration(cfg.FlushIntervalMs) * time.Millisecond,
		PersistInterval:  time.Duration(cfg.PersistIntervalSec) * time.Second,
	})

	if err := mgr.Load(context.Background()); err != nil {
		log.Warn("restoring sessions failed", "error", err)
	}

	watch := watcher.New(log, srv.BroadcastFileChange)
	srv.Attach(mgr, watch)

	for _, sess := range mgr.Sessions() {
		if err := watch.Watch(sess.ID, sess.WorkingDir); err != nil {
			log.Warn("watching restored session failed", "session_id", sess.ID, "error", err)
		}
	}

	port, err := portutil.FindFreePortFrom(cfg.Port, 10)
	if err != nil {
		return fmt.Errorf("finding listen port: %w", err)
	}
	if port != cfg.Port {
		log.Warn("configured port busy", "configured", cfg.Port, "using", port)
	}

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", port),
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	watch.Close()
	mgr.DestroyAll(shutdownCtx)
	pool.KillAll()
	return httpSrv.Shutdown(shutdownCtx)
}
