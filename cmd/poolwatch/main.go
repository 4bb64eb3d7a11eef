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

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/0xbitsave/poolwatch-go/api"
	"github.com/0xbitsave/poolwatch-go/checkpoint"
	"github.com/0xbitsave/poolwatch-go/client"
	"github.com/0xbitsave/poolwatch-go/contracts"
	"github.com/0xbitsave/poolwatch-go/events"
	"github.com/0xbitsave/poolwatch-go/internal/config"
	"github.com/0xbitsave/poolwatch-go/internal/logger"
	"github.com/0xbitsave/poolwatch-go/notify"
	"github.com/0xbitsave/poolwatch-go/scan"
	"github.com/0xbitsave/poolwatch-go/watch"
	"golang.org/x/time/rate"
)

var (
	// Version information (injected at build time)
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Path to configuration file (YAML)")
		showVersion = flag.Bool("version", false, "Show version information and exit")
		rpcEndpoint = flag.String("rpc", "", "Chain RPC endpoint URL")
		wsEndpoint  = flag.String("ws", "", "Chain WebSocket endpoint URL")
		startBlock  = flag.Uint64("start-block", 0, "Block to start backfill from")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		logFormat   = flag.String("log-format", "", "Log format (json, console)")
		apiPort     = flag.Int("api-port", 0, "API server port")
	)

	flag.Parse()

	if *showVersion {
		fmt.Printf("poolwatch version %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", buildTime)
		os.Exit(0)
	}

	if err := loadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg, *rpcEndpoint, *wsEndpoint, *startBlock, *logLevel, *logFormat, *apiPort)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewWithConfig(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting poolwatch",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("rpc_endpoint", cfg.RPC.Endpoint),
		zap.Int("contracts", len(cfg.Contracts)),
		zap.Bool("scan", cfg.Scan.Enabled),
		zap.Bool("watcher", cfg.Watcher.Enabled),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if err := run(ctx, cancel, sigChan, cfg, log); err != nil {
		log.Fatal("poolwatch failed", zap.Error(err))
	}
}

func run(ctx context.Context, cancel context.CancelFunc, sigChan chan os.Signal, cfg *config.Config, log *zap.Logger) error {
	// Chain clients. The HTTP client serves range queries; live
	// subscriptions need the WebSocket endpoint.
	httpClient, err := client.NewClient(&client.Config{
		Endpoint: cfg.RPC.Endpoint,
		Timeout:  cfg.RPC.Timeout,
		Logger:   logger.WithComponent(log, "client"),
	})
	if err != nil {
		return fmt.Errorf("failed to create chain client: %w", err)
	}
	defer httpClient.Close()

	// Contract registry.
	registry := contracts.NewRegistry()
	for _, contract := range cfg.Contracts {
		addr := common.HexToAddress(contract.Address)
		if err := registry.RegisterPool(contract.Name, addr, events.Source(contract.Source)); err != nil {
			return fmt.Errorf("failed to register contract %s: %w", contract.Name, err)
		}
	}

	// Event bus with Prometheus metrics.
	bus := events.New(events.Config{
		MaxHistorySize: cfg.Bus.MaxHistorySize,
		Verbose:        cfg.Bus.Verbose,
		Logger:         logger.WithComponent(log, "bus"),
	})
	defer bus.Close()
	bus.SetMetrics(events.NewMetrics("poolwatch", "eventbus"))

	// Notification channels.
	notifySvc, err := buildNotify(cfg, log)
	if err != nil {
		return err
	}
	if notifySvc != nil {
		notifySvc.Start(ctx, bus)
		defer notifySvc.Stop()
	}

	// Live watcher.
	var watcher *watch.Watcher
	if cfg.Watcher.Enabled {
		wsClient, err := client.NewClient(&client.Config{
			Endpoint: cfg.RPC.WSEndpoint,
			Timeout:  cfg.RPC.Timeout,
			Logger:   logger.WithComponent(log, "ws-client"),
		})
		if err != nil {
			return fmt.Errorf("failed to create WebSocket client: %w", err)
		}
		defer wsClient.Close()

		watcher = watch.NewWatcher(wsClient, registry, bus, watch.Config{
			ReconnectDelay:    cfg.Watcher.ReconnectDelay,
			MaxReconnectDelay: cfg.Watcher.MaxReconnectDelay,
			BufferSize:        cfg.Watcher.BufferSize,
		}, logger.WithComponent(log, "watcher"))
		watcher.Start(ctx)
		defer watcher.Stop()
	}

	// API server.
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer, err = api.NewServer(&api.Config{
			Host:            cfg.API.Host,
			Port:            cfg.API.Port,
			ReadTimeout:     api.DefaultReadTimeout,
			WriteTimeout:    api.DefaultWriteTimeout,
			IdleTimeout:     api.DefaultIdleTimeout,
			EnableCORS:      cfg.API.EnableCORS,
			AllowedOrigins:  cfg.API.AllowedOrigins,
			EnableWebSocket: cfg.API.EnableWebSocket,
			WebSocketPath:   api.DefaultWebSocketPath,
			ShutdownTimeout: api.DefaultShutdownTimeout,
		}, bus, logger.WithComponent(log, "api"))
		if err != nil {
			return fmt.Errorf("failed to create API server: %w", err)
		}

		go func() {
			if err := apiServer.Start(); err != nil {
				log.Error("API server stopped", zap.Error(err))
				cancel()
			}
		}()
	}

	// Historical backfill runs in the background; the live watcher keeps
	// delivering while old ranges are scanned.
	if cfg.Scan.Enabled {
		go func() {
			if err := backfill(ctx, cfg, httpClient, registry, bus, watcher, log); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("backfill failed", zap.Error(err))
			}
		}()
	}

	// Wait for shutdown signal.
	select {
	case sig := <-sigChan:
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}
	cancel()

	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := apiServer.Stop(shutdownCtx); err != nil {
			log.Warn("API server shutdown failed", zap.Error(err))
		}
	}

	log.Info("poolwatch stopped")
	return nil
}

// buildNotify assembles the notification service from configured
// channels; returns nil when no channel is configured.
func buildNotify(cfg *config.Config, log *zap.Logger) (*notify.Service, error) {
	var senders []notify.Sender

	if cfg.Notify.Webhook.URL != "" {
		sender, err := notify.NewWebhookSender(notify.WebhookConfig{
			URL:    cfg.Notify.Webhook.URL,
			Secret: cfg.Notify.Webhook.Secret,
		})
		if err != nil {
			return nil, fmt.Errorf("invalid webhook config: %w", err)
		}
		senders = append(senders, sender)
	}

	if cfg.Notify.Slack.WebhookURL != "" {
		sender, err := notify.NewSlackSender(notify.SlackConfig{
			WebhookURL: cfg.Notify.Slack.WebhookURL,
			Username:   cfg.Notify.Slack.Username,
			IconEmoji:  cfg.Notify.Slack.IconEmoji,
		})
		if err != nil {
			return nil, fmt.Errorf("invalid slack config: %w", err)
		}
		senders = append(senders, sender)
	}

	if len(senders) == 0 {
		return nil, nil
	}

	var types []events.EventType
	for _, t := range cfg.Notify.EventTypes {
		types = append(types, events.EventType(t))
	}

	return notify.NewService(senders, notify.Config{EventTypes: types}, logger.WithComponent(log, "notify")), nil
}

// backfill scans each contract from its checkpoint (or the configured
// start block) up to the chain head, emitting decoded events onto the
// bus. Blocks already delivered live are left to the watcher.
func backfill(ctx context.Context, cfg *config.Config, chainClient *client.Client, registry *contracts.Registry, bus *events.Bus, watcher *watch.Watcher, log *zap.Logger) error {
	scanLog := logger.WithComponent(log, "scan")

	var cursors *checkpoint.Store
	if cfg.Checkpoint.Path != "" {
		var err error
		cursors, err = checkpoint.Open(cfg.Checkpoint.Path, scanLog)
		if err != nil {
			return fmt.Errorf("failed to open checkpoint store: %w", err)
		}
		defer cursors.Close()
	}

	head, err := chainClient.LatestBlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get chain head: %w", err)
	}

	for _, addr := range registry.Addresses() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := backfillContract(ctx, cfg, chainClient, registry, bus, watcher, cursors, addr, head, scanLog); err != nil {
			scanLog.Error("contract backfill failed",
				zap.String("contract", addr.Hex()),
				zap.Error(err),
			)
		}
	}
	return nil
}

func backfillContract(ctx context.Context, cfg *config.Config, querier scan.LogQuerier, registry *contracts.Registry, bus *events.Bus, watcher *watch.Watcher, cursors *checkpoint.Store, addr common.Address, head uint64, log *zap.Logger) error {
	contract, _ := registry.Contract(addr)

	from := cfg.Scan.StartBlock
	if cursors != nil {
		if last, err := cursors.LastScanned(addr); err == nil && last >= from {
			from = last + 1
		}
	}
	if from > head {
		log.Info("contract already up to date",
			zap.String("contract", contract.Name),
			zap.Uint64("head", head),
		)
		return nil
	}

	processor, err := scan.NewProcessor(querier, addr, contract.ABI(), scan.Config{
		MaxRetries:   cfg.Scan.MaxRetries,
		RetryDelay:   cfg.Scan.RetryDelay,
		DisableDedup: cfg.Scan.DisableDedup,
		RateLimit:    rate.Limit(cfg.Scan.RateLimit),
	}, log)
	if err != nil {
		return err
	}

	ranges, err := scan.SplitRange(from, head, cfg.Scan.BatchSize)
	if err != nil {
		return err
	}

	log.Info("backfilling contract",
		zap.String("contract", contract.Name),
		zap.Uint64("from", from),
		zap.Uint64("to", head),
		zap.Int("ranges", len(ranges)),
	)

	progress := func(percent float64, message string) {
		log.Debug("backfill progress",
			zap.String("contract", contract.Name),
			zap.Float64("percent", percent),
			zap.String("message", message),
		)
	}

	emitted := 0
	hasFailed := false
	var failedFrom uint64
	for name := range contract.ABI().Events {
		logs, stats, err := processor.ProcessBatches(ctx, name, ranges, progress)
		if err != nil {
			return fmt.Errorf("failed to scan %s: %w", name, err)
		}
		if stats.RangesFailed > 0 {
			log.Warn("some ranges failed, results are partial",
				zap.String("contract", contract.Name),
				zap.String("event", name),
				zap.Int("failed", stats.RangesFailed),
			)
			for _, r := range stats.FailedRanges {
				if !hasFailed || r.From < failedFrom {
					failedFrom = r.From
					hasFailed = true
				}
			}
		}

		for _, rawLog := range logs {
			// Blocks the live watcher already delivered stay with it.
			if watcher != nil {
				if first := watcher.FirstLiveBlock(); first > 0 && rawLog.BlockNumber >= first {
					continue
				}
			}
			event, err := registry.Decode(rawLog)
			if err != nil {
				log.Debug("skipping undecodable log", zap.Error(err))
				continue
			}
			event.Timestamp = time.Now()
			bus.Emit(event)
			emitted++
		}
	}

	// The cursor only covers fully scanned blocks. A failed range caps it
	// just below, so the next run retries from there instead of skipping
	// the range's events forever.
	if cursors != nil {
		scannedTo := head
		persist := true
		if hasFailed {
			if failedFrom <= from {
				persist = false
				log.Warn("checkpoint not advanced, a failed range starts at the cursor",
					zap.String("contract", contract.Name),
					zap.Uint64("failed_from", failedFrom),
				)
			} else {
				scannedTo = failedFrom - 1
			}
		}
		if persist {
			if err := cursors.SetLastScanned(addr, scannedTo); err != nil {
				log.Warn("failed to persist checkpoint", zap.Error(err))
			}
		}
	}

	log.Info("contract backfill complete",
		zap.String("contract", contract.Name),
		zap.Int("events_emitted", emitted),
	)
	return nil
}

// loadDotEnv loads environment variables from a .env file if it exists.
func loadDotEnv() error {
	info, err := os.Stat(".env")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat .env: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf(".env exists but is a directory")
	}
	return godotenv.Load(".env")
}

// applyFlags applies command-line flag overrides to configuration
func applyFlags(cfg *config.Config, rpcEndpoint, wsEndpoint string, startBlock uint64, logLevel, logFormat string, apiPort int) {
	if rpcEndpoint != "" {
		cfg.RPC.Endpoint = rpcEndpoint
	}
	if wsEndpoint != "" {
		cfg.RPC.WSEndpoint = wsEndpoint
	}
	if startBlock > 0 {
		cfg.Scan.StartBlock = startBlock
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if apiPort > 0 {
		cfg.API.Port = apiPort
	}
}
