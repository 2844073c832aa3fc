// Command agent is the user-mode core of the endpoint agent: it owns the
// shared-memory ring channels the sensors write into, drains and persists
// their telemetry, and serves the configuration control plane.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/N10h0ggr/gladix/pkg/config"
	"github.com/N10h0ggr/gladix/pkg/eventbus"
	"github.com/N10h0ggr/gladix/pkg/events"
	"github.com/N10h0ggr/gladix/pkg/logging"
	"github.com/N10h0ggr/gladix/pkg/observability"
	"github.com/N10h0ggr/gladix/pkg/pipeline"
	"github.com/N10h0ggr/gladix/pkg/ringbuf"
	"github.com/N10h0ggr/gladix/pkg/sensorcfg"
	"github.com/N10h0ggr/gladix/pkg/store"
)

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:           "agent",
		Short:         "Endpoint agent core: ring channels, event store, config control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the agent configuration file")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "agent:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		return err
	}
	defer logger.Sync()
	logger.Info("agent starting", zap.String("config", configPath))

	shutdownTracing, err := observability.Setup(ctx, "gladix-agent", cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	st, err := store.Open(store.Config{
		Path:             cfg.Database.Path,
		PurgeOnStart:     cfg.Database.PurgeOnStart,
		Synchronous:      cfg.Database.Synchronous,
		JournalSizeLimit: cfg.Database.JournalSizeLimit,
	}, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	bus := eventbus.New(16, logger)
	defer bus.Close()

	cfgStore := sensorcfg.NewStore(st, bus, logger)
	if err := cfgStore.Seed(ctx); err != nil {
		return err
	}

	writer := store.NewWriter(st, store.WriterConfig{
		WALSizeLimit:       cfg.Database.WALSizeLimit,
		CheckpointInterval: cfg.Database.CheckpointInterval,
	}, logger)
	batcher := pipeline.NewBatcher(writer, pipeline.BatcherConfig{
		FlushInterval: cfg.Database.FlushInterval,
		MaxBatch:      cfg.Database.BatchSize,
	}, logger)
	reaper := store.NewReaper(st, cfg.Database.RetentionTTL, time.Minute, logger)

	rings, cleanup, err := createRings(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	// Shutdown order matters: listener first, then drain workers (bounded
	// final drain), then the batcher's final flush, then the writer's final
	// checkpoint. Each stage gets its own context so the next one only
	// stops once the previous has fully stopped.
	drainCtx, stopDrain := context.WithCancel(context.Background())
	defer stopDrain()
	batchCtx, stopBatch := context.WithCancel(context.Background())
	defer stopBatch()
	writeCtx, stopWrite := context.WithCancel(context.Background())
	defer stopWrite()

	var writerDone, batcherDone, drainers, background sync.WaitGroup

	writerDone.Add(1)
	go func() {
		defer writerDone.Done()
		writer.Run(writeCtx)
	}()
	batcherDone.Add(1)
	go func() {
		defer batcherDone.Done()
		batcher.Run(batchCtx)
	}()
	background.Add(1)
	go func() {
		defer background.Done()
		reaper.Run(drainCtx)
	}()

	for kind, ring := range rings {
		worker := pipeline.NewDrainWorker(ring, kind, batcher, pipeline.DrainConfig{
			BackoffMin:  cfg.Pipeline.BackoffMin,
			BackoffMax:  cfg.Pipeline.BackoffMax,
			DrainWindow: cfg.Pipeline.DrainWindow,
		}, logger)
		drainers.Add(1)
		go func() {
			defer drainers.Done()
			worker.Run(drainCtx)
		}()
	}

	server := newServer(cfg, cfgStore, logger)
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("control plane listening", zap.String("addr", cfg.RPC.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("control plane listener failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("listener shutdown", zap.Error(err))
	}

	stopDrain()
	drainers.Wait()
	background.Wait()
	stopBatch()
	batcherDone.Wait()
	stopWrite()
	writerDone.Wait()

	logger.Info("agent stopped")
	return nil
}

// createRings creates one shared-memory channel per sensor kind under the
// configured directory. The agent owns the files; sensors attach to them.
func createRings(cfg *config.Config, logger *zap.Logger) (map[events.Kind]*ringbuf.Ring, func(), error) {
	if err := os.MkdirAll(cfg.Ring.Dir, 0o750); err != nil {
		return nil, nil, fmt.Errorf("ring dir: %w", err)
	}
	rings := make(map[events.Kind]*ringbuf.Ring, len(events.Kinds))
	cleanup := func() {
		for _, r := range rings {
			r.Close()
		}
	}
	for _, kind := range events.Kinds {
		path := filepath.Join(cfg.Ring.Dir, kind.String()+".ring")
		region, err := ringbuf.CreateFileRegion(path, cfg.RingSize(kind.String()))
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("create ring %s: %w", kind, err)
		}
		ring, err := ringbuf.Create(region)
		if err != nil {
			region.Close()
			cleanup()
			return nil, nil, fmt.Errorf("init ring %s: %w", kind, err)
		}
		rings[kind] = ring
		logger.Info("ring channel ready", zap.String("kind", kind.String()),
			zap.String("path", path), zap.Int("capacity", ring.Cap()))
	}
	return rings, cleanup, nil
}

func newServer(cfg *config.Config, cfgStore *sensorcfg.Store, logger *zap.Logger) *http.Server {
	svc := sensorcfg.NewService(cfgStore, sensorcfg.ServiceConfig{
		JWTSecret: cfg.RPC.JWTSecret,
		SetRate:   cfg.RPC.SetRate,
	}, logger)

	mux := http.NewServeMux()
	svc.Register(mux)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &http.Server{
		Addr:              cfg.RPC.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
