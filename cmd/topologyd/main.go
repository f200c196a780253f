package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"topologyd/internal/config"
	"topologyd/internal/dispatch"
	"topologyd/internal/ingest/kafka"
	"topologyd/internal/ingest/rabbitmq"
	"topologyd/internal/ingest/socket"
	"topologyd/internal/logging"
	"topologyd/internal/metrics"
	"topologyd/internal/storage"
	"topologyd/internal/storage/sqlite"
)

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:           "topologyd",
		Short:         "Topology event processor",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", envOr("TOPOLOGYD_CONFIG", ""), "path to config file (env TOPOLOGYD_CONFIG)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingest adapters and apply events to the topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	var pretty bool
	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild the topology from the journal and print it as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return replay(cmd.Context(), cfg, pretty)
		},
	}
	replayCmd.Flags().BoolVar(&pretty, "pretty", true, "indent JSON output")

	root.AddCommand(serveCmd, replayCmd)
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	log := logging.New(cfg.Logging("topologyd"))
	defer func() { _ = log.Sync() }()

	met := metrics.New()
	reg := prometheus.NewRegistry()
	if err := met.Register(reg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	journal, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer journal.Close()

	d := dispatch.New(nil, nil,
		dispatch.WithJournal(journal),
		dispatch.WithLogger(log),
		dispatch.WithMetrics(met),
	)
	if cfg.Journal.Enabled && cfg.Journal.ReplayOnStart {
		if err := replayInto(ctx, d, journal, log); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		srv := &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           metricsMux(reg, d),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if cfg.Ingest.Socket.Enabled {
		srv := socket.NewServer(cfg.SocketServer(), d, log.Named("socket"), met)
		g.Go(func() error { return srv.Start(ctx) })
	}

	if cfg.Ingest.Kafka.Enabled {
		adapter, err := kafka.NewAdapter(cfg.KafkaAdapter(), d, log.Named("kafka"), met)
		if err != nil {
			return fmt.Errorf("kafka adapter: %w", err)
		}
		g.Go(func() error {
			if err := adapter.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("kafka adapter: %w", err)
			}
			return nil
		})
	}

	if cfg.Ingest.RabbitMQ.Enabled {
		adapter, err := rabbitmq.NewAdapter(cfg.RabbitMQAdapter(), d, log.Named("rabbitmq"), met)
		if err != nil {
			return fmt.Errorf("rabbitmq adapter: %w", err)
		}
		g.Go(func() error {
			if err := adapter.Start(ctx); err != nil {
				return fmt.Errorf("rabbitmq adapter: %w", err)
			}
			<-ctx.Done()
			return adapter.Close()
		})
	}

	log.Info("topologyd started",
		zap.Bool("socket", cfg.Ingest.Socket.Enabled),
		zap.Bool("kafka", cfg.Ingest.Kafka.Enabled),
		zap.Bool("rabbitmq", cfg.Ingest.RabbitMQ.Enabled),
		zap.Uint64("version", d.Version()),
	)
	err = g.Wait()
	log.Info("topologyd stopped", zap.Uint64("version", d.Version()), zap.Error(err))
	return err
}

func replay(ctx context.Context, cfg config.Config, pretty bool) error {
	if !cfg.Journal.Enabled {
		return errors.New("journal is disabled")
	}
	store, err := sqlite.NewStore(cfg.Journal.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	d := dispatch.New(nil, nil, dispatch.WithJournal(store), dispatch.WithLogger(zap.NewNop()))
	stats, err := d.ReplayJournal(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "replayed handled=%d unknown=%d rejected=%d last_lsn=%d\n",
		stats.Handled, stats.UnknownType, stats.Rejected, stats.LastLSN)

	snap := d.Snapshot()
	view := snap.Topology.View(snap.Version)
	enc := json.NewEncoder(os.Stdout)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(view)
}

func openJournal(cfg config.Config) (storage.Journal, error) {
	if !cfg.Journal.Enabled {
		return storage.NewMemoryJournal(), nil
	}
	store, err := sqlite.NewStore(cfg.Journal.Path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return store, nil
}

func replayInto(ctx context.Context, d *dispatch.Dispatcher, journal storage.Journal, log *zap.Logger) error {
	started := time.Now()
	stats, err := d.ReplayJournal(ctx)
	if err != nil {
		return fmt.Errorf("replay journal: %w", err)
	}
	if store, ok := journal.(*sqlite.Store); ok && stats.LastLSN > 0 {
		if err := store.MarkReplayed(ctx, stats.LastLSN); err != nil {
			log.Warn("record replay position failed", zap.Error(err))
		}
	}
	log.Info("journal replayed",
		zap.Int("handled", stats.Handled),
		zap.Int("unknown_type", stats.UnknownType),
		zap.Int("rejected", stats.Rejected),
		zap.Uint64("last_lsn", stats.LastLSN),
		zap.Duration("took", time.Since(started)),
	)
	return nil
}

func metricsMux(reg *prometheus.Registry, d *dispatch.Dispatcher) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ok, msg := d.Health(r.Context())
		if !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_, _ = fmt.Fprintln(w, msg)
	})
	return mux
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
