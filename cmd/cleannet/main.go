package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cleannet/pkg/api"
	"cleannet/pkg/blocklist"
	"cleannet/pkg/config"
	"cleannet/pkg/dns"
	"cleannet/pkg/errcoll"
	"cleannet/pkg/forwarder"
	"cleannet/pkg/ledger"
	"cleannet/pkg/logging"
	"cleannet/pkg/notify"
	"cleannet/pkg/override"
	"cleannet/pkg/ratelimit"
	"cleannet/pkg/resolver"
	"cleannet/pkg/risk"
	"cleannet/pkg/telemetry"
)

var (
	configPath  = flag.String("config", "config.yml", "Path to configuration file")
	showVersion = flag.Bool("version", false, "Print version and exit")
	version     = "dev"
	buildTime   = "unknown"
)

const (
	httpClientTimeout = 30 * time.Second
	shutdownTimeout   = 10 * time.Second
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("cleannet %s (built %s)\n", version, buildTime)
		return
	}

	// Parse configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)

	logger.Info("CleanNET starting",
		"version", version,
		"build_time", buildTime,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("CleanNET failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize telemetry
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = version
	}
	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}

	// Initialize metrics
	metrics, err := telem.InitMetrics()
	if err != nil {
		return fmt.Errorf("initialize metrics: %w", err)
	}

	errs, err := errcoll.New(&cfg.Errors, version, logger)
	if err != nil {
		return fmt.Errorf("initialize error reporting: %w", err)
	}

	fwd := forwarder.NewForwarder(cfg, logger.WithComponent("forwarder"), forwarder.WithMetrics(metrics))

	// Outbound HTTP resolves through the upstreams so list downloads, risk
	// lookups and webhooks never loop back through this server.
	httpClient := resolver.NewStrict(fwd, logger.WithComponent("resolver")).NewHTTPClient(httpClientTimeout)

	store := blocklist.NewStore()
	manager := blocklist.NewManager(cfg.Blocklists, store, logger.WithComponent("blocklist"), metrics, httpClient)

	overrides, err := override.New(cfg.Overrides)
	if err != nil {
		return fmt.Errorf("load overrides: %w", err)
	}

	activity := ledger.New(cfg.Ledger.MaxEntriesPerClient)

	scorer, err := risk.NewScorer(&cfg.Risk, httpClient, logger.WithComponent("risk"))
	if err != nil {
		return fmt.Errorf("initialize risk scorer: %w", err)
	}
	guard := risk.NewGuard(scorer, &cfg.Risk, logger.WithComponent("risk"), metrics)

	var notifier notify.Notifier = notify.Nop{}
	var async *notify.Async
	if cfg.Notify.WebhookURL != "" {
		webhook := notify.NewWebhook(&cfg.Notify, httpClient, logger.WithComponent("notify"))
		async = notify.NewAsync(webhook, cfg.Notify.QueueSize, logger.WithComponent("notify"), metrics)
		notifier = async
	} else {
		logger.Info("No webhook configured, block notifications disabled")
	}

	rl := ratelimit.NewManager(&cfg.RateLimit, logger.WithComponent("ratelimit"))

	handler := dns.NewHandler(cfg, store, overrides, activity, logger)
	handler.SetForwarder(fwd)
	handler.SetRisk(guard)
	handler.SetNotifier(notifier)
	handler.SetRateLimiter(rl)
	handler.SetErrorCollector(errs)
	handler.SetMetrics(metrics)
	handler.SetTracer(telem.TracerProvider().Tracer("cleannet/dns"))

	// Bind before loading lists so a taken port fails fast.
	server := dns.NewServer(&cfg.Server, handler, logger, metrics)
	if err := server.Listen(); err != nil {
		return fmt.Errorf("bind dns server: %w", err)
	}

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("start blocklist manager: %w", err)
	}

	// Overrides and client names follow the config file; everything else
	// needs a restart.
	watcher, err := config.NewWatcher(*configPath, logger.Logger)
	if err != nil {
		logger.Warn("Config hot reload disabled", "error", err)
	} else {
		watcher.OnChange(func(newCfg *config.Config) {
			if err := overrides.Replace(newCfg.Overrides); err != nil {
				logger.Error("Invalid overrides, keeping previous", "error", err)
			} else {
				logger.Info("Overrides reloaded", "count", overrides.Len())
			}
			handler.ClientNames.Replace(newCfg.ClientNames)
		})
		go func() {
			if err := watcher.Start(ctx); err != nil {
				logger.Error("Config watcher stopped", "error", err)
			}
		}()
	}

	errChan := make(chan error, 2)
	go func() {
		if err := server.Start(ctx); err != nil {
			errChan <- fmt.Errorf("dns server: %w", err)
		}
	}()

	var apiServer *api.Server
	if cfg.Server.WebUIAddress != "" {
		apiServer = api.New(&api.Config{
			ListenAddress:    cfg.Server.WebUIAddress,
			BlocklistManager: manager,
			Overrides:        overrides,
			Ledger:           activity,
			ClientNames:      handler.ClientNames,
			Logger:           logger.WithComponent("api"),
			Version:          version,
		})
		go func() {
			if err := apiServer.Start(ctx); err != nil {
				errChan <- fmt.Errorf("api server: %w", err)
			}
		}()
	}

	logger.Info("CleanNET DNS server is running",
		"address", cfg.Server.ListenAddress,
		"upstreams", cfg.UpstreamDNSServers,
		"dashboard", cfg.Server.WebUIAddress,
	)

	// Setup signal handling: SIGHUP reloads the block lists, the rest stop.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	var runErr error
wait:
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				logger.Info("Received SIGHUP, reloading block lists")
				go func() {
					if err := manager.Reload(ctx); err != nil {
						logger.Warn("Block list reload finished with errors", "error", err)
					}
				}()
				continue
			}
			logger.Info("Received shutdown signal", "signal", sig.String())
			break wait

		case err := <-errChan:
			runErr = err
			break wait
		}
	}

	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", "error", err)
	}
	if apiServer != nil {
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error during API shutdown", "error", err)
		}
	}
	if watcher != nil {
		_ = watcher.Close()
	}

	manager.Stop()
	rl.Stop()

	if async != nil {
		if err := async.Close(shutdownCtx); err != nil {
			logger.Warn("Pending notifications abandoned", "error", err)
		}
	}

	if err := telem.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during telemetry shutdown", "error", err)
	}

	if fc, ok := errs.(errcoll.FlushCollector); ok {
		fc.Flush()
	}

	logger.Info("CleanNET stopped")
	return runErr
}
