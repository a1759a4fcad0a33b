package cli

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

	"github.com/spf13/cobra"

	"github.com/fanvault/tokend/internal/config"
	"github.com/fanvault/tokend/internal/grpc"
	"github.com/fanvault/tokend/internal/logging"
	"github.com/fanvault/tokend/internal/rpc"
	"github.com/fanvault/tokend/internal/storage/archive"
	"github.com/fanvault/tokend/internal/storage/kv"
	"github.com/fanvault/tokend/internal/storage/table"
	"github.com/fanvault/tokend/internal/storage/table/compression"
	"github.com/fanvault/tokend/internal/token"
)

var (
	// Server flags
	rpcAddr string
)

// serverCmd represents the server command (default action)
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the token ledger daemon",
	Long: `Start the tokend server which provides:
- HTTP JSON-RPC endpoints for ledger queries and admin operations
- WebSocket event streams for written ledger entries
- Optional gRPC ops plane for external cron drivers
- Background hold-expiry and retention workers

This is the default command when no subcommand is specified.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	// Set server as the default command
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return serverCmd.RunE(cmd, args)
	}

	// Server-specific flags
	serverCmd.Flags().StringVar(&rpcAddr, "addr", "", "listen address, overrides rpc.addr from the configuration")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if rpcAddr != "" {
		cfg.RPC.Addr = rpcAddr
	}
	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metrics *rpc.Metrics
	metricsPath := ""
	if cfg.Metrics.Enabled {
		metrics = rpc.NewMetrics()
		metricsPath = cfg.Metrics.Path
	}

	// Handlers resolve services.Ledger at request time, so the server can
	// be built before the ledger that feeds its event publisher.
	services := &rpc.Services{
		Log:     log,
		Metrics: metrics,
		Version: rootCmd.Version,
		Backend: cfg.Storage.Backend,
		Started: time.Now(),
	}
	server := rpc.NewServer(rpc.Config{
		Addr:                   cfg.RPC.Addr,
		EnableCORS:             cfg.RPC.EnableCORS,
		AdminToken:             cfg.RPC.AdminToken,
		AdminIPs:               cfg.RPC.AdminIPs,
		WebsocketPingFrequency: cfg.RPC.WebsocketPingFrequency,
		SendQueueLimit:         cfg.RPC.SendQueueLimit,
		MetricsPath:            metricsPath,
	}, services)

	publisher := rpc.NewPublisher(server.WebSocket(), metrics)
	ledger, closeStore, err := openLedger(ctx, cfg, log, token.WithPublisher(publisher))
	if err != nil {
		return err
	}
	defer closeStore()
	services.Ledger = ledger

	var ops *grpc.Server
	if cfg.GRPC.Enabled {
		gcfg := grpc.DefaultServerConfig()
		gcfg.Address = cfg.GRPC.Addr
		opts := []grpc.ServerOption{grpc.WithLogger(log)}
		if metrics != nil {
			opts = append(opts, grpc.WithRunObserver(metrics))
		}
		ops, err = grpc.NewServer(gcfg, ledger, opts...)
		if err != nil {
			return err
		}
		if err := ops.StartAsync(); err != nil {
			return err
		}
		defer ops.Stop()
	}

	if cfg.Workers.ExpiryEnabled {
		go ledger.RunExpiryWorker(ctx,
			time.Duration(cfg.Workers.ExpiryInterval)*time.Second,
			int64(cfg.Workers.ExpiryGrace),
			cfg.Workers.ExpiryBatch)
	}
	if cfg.Workers.PurgeEnabled {
		go ledger.RunRetentionWorker(ctx,
			time.Duration(cfg.Workers.PurgeInterval)*time.Second,
			token.PurgeOptions{
				OlderThanDays: cfg.Workers.PurgeOlderThanDays,
				Limit:         cfg.Workers.PurgeLimit,
				DryRun:        cfg.Workers.PurgeDryRun,
				Archive:       cfg.Workers.PurgeArchive,
				MaxSeconds:    cfg.Workers.PurgeMaxSeconds,
			})
	}

	if !quiet {
		fmt.Println("Starting tokend - Token Ledger Daemon")
		fmt.Printf("  - JSON-RPC:   http://%s/\n", cfg.RPC.Addr)
		fmt.Printf("  - WebSocket:  ws://%s/ws\n", cfg.RPC.Addr)
		fmt.Printf("  - Health:     http://%s/health\n", cfg.RPC.Addr)
		if metricsPath != "" {
			fmt.Printf("  - Metrics:    http://%s%s\n", cfg.RPC.Addr, metricsPath)
		}
		if ops != nil {
			fmt.Printf("  - gRPC ops:   %s\n", ops.Address())
		}
	}
	log.WriteLog(logging.Event{
		Flag:    logging.FlagRPC,
		Action:  "SERVER_START",
		Message: "tokend started",
		Data: map[string]any{
			"addr":    cfg.RPC.Addr,
			"backend": cfg.Storage.Backend,
			"version": rootCmd.Version,
		},
	})

	httpServer := &http.Server{Addr: cfg.RPC.Addr, Handler: server.Routes()}
	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	if !quiet {
		fmt.Println("Shutting down...")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// openLedger opens the configured storage stack and builds the ledger over
// it. One-shot commands use it as is; the server command adds the event
// publisher through extra options. The returned cleanup closes the archive
// store and the kv backend.
func openLedger(ctx context.Context, cfg *config.Config, log *logging.Logger, extra ...token.Option) (*token.Manager, func(), error) {
	db, err := kv.Open(cfg.Storage.Backend, cfg.Storage.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s backend: %w", cfg.Storage.Backend, err)
	}
	cleanup := func() { db.Close() }

	var comp compression.Compressor
	if name := cfg.Storage.Compression; name != "" {
		if comp, err = compression.Get(name); err != nil {
			cleanup()
			return nil, nil, err
		}
	}
	store, err := table.New(db, table.Options{Compressor: comp, CacheSize: cfg.Storage.CacheSize})
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	opts := []token.Option{
		token.WithLogger(log),
		token.WithTable(cfg.Storage.Table),
	}
	if cfg.Archive.Enabled {
		archiveStore, err := archive.New(&cfg.Archive.Config)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("archive: %w", err)
		}
		if err := archiveStore.Open(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("archive: %w", err)
		}
		cleanup = func() {
			archiveStore.Close()
			db.Close()
		}
		opts = append(opts, token.WithArchiver(archiveStore))
	}
	opts = append(opts, extra...)

	ledger := token.NewManager(store, opts...)
	if err := ledger.EnsureIndexes(ctx); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("ensure indexes: %w", err)
	}
	return ledger, cleanup, nil
}

// printJSON pretty-prints a command result to stdout.
func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
