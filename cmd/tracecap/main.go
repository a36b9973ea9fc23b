package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tracecap/tracecap/internal/config"
	"github.com/tracecap/tracecap/internal/engine"
	"github.com/tracecap/tracecap/internal/logging"
	"github.com/tracecap/tracecap/internal/saver"
	"github.com/tracecap/tracecap/internal/server"
	"github.com/tracecap/tracecap/internal/snapshot"
)

func main() {
	// Set up context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// All configuration comes from environment variables:
	// - TRACECAP_LISTEN_ADDR: API listen address (default 127.0.0.1:8340)
	// - TRACECAP_OUTPUT_DIR: root directory for saved capture files
	// - TRACECAP_SNAPSHOT_DB: sqlite file for settings and snapshots
	// - LOG_LEVEL, LOG_FILE: logging (see internal/config for all options)
	cfg := config.Load()

	closeLog, err := logging.Setup(cfg)
	if err != nil {
		slog.Error("failed to set up logging", "error", err)
		os.Exit(1)
	}
	defer closeLog()

	kv, err := snapshot.OpenSQLite(cfg.SnapshotDB)
	if err != nil {
		slog.Error("failed to open snapshot database", "path", cfg.SnapshotDB, "error", err)
		os.Exit(1)
	}
	defer kv.Close()

	sink, err := saver.NewDiskSink(cfg.OutputDir)
	if err != nil {
		slog.Error("failed to prepare output directory", "dir", cfg.OutputDir, "error", err)
		os.Exit(1)
	}

	eng, err := engine.New(engine.Config{
		MaxRecords:        cfg.MaxRecords,
		MergeCandidateCap: cfg.MergeCandidateCap,
		RelaxedScanDepth:  cfg.RelaxedScanDepth,
		RelaxedScanWindow: cfg.RelaxedScanWindow,
		SnapshotRecords:   cfg.SnapshotRecords,
		RegexCacheSize:    cfg.RegexCacheSize,
		Save: saver.Config{
			Delay:   cfg.RealtimeSaveDelay,
			MaxWait: cfg.MergeMaxWait,
		},
		PersistDebounce: cfg.PersistDebounce,
	}, sink, kv)
	if err != nil {
		slog.Error("failed to create capture engine", "error", err)
		os.Exit(1)
	}

	srv := server.New(eng).HTTPServer(cfg.ListenAddr)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting capture API", "addr", cfg.ListenAddr, "output_dir", cfg.OutputDir)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	// Flush any debounced snapshot before the KV sink closes.
	eng.Persister().Flush()
	slog.Info("server stopped")
}
