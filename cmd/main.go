package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pocketfence/pocketfence"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		// Config file (takes precedence over defaults)
		configPath = flag.String("config", "", "path to config file (default: search ./pocketfence.yaml, ~/.pocketfence, /etc/pocketfence)")
		genConfig  = flag.String("gen-config", "", "write an example config file to path and exit")

		// Overrides
		settingsPath   = flag.String("settings", "", "path to settings file (overrides settings_path)")
		port           = flag.Int("port", -1, "proxy port (overrides the settings file)")
		verbose        = flag.Bool("v", false, "verbose logging")
		console        = flag.Bool("console", true, "read operator commands from stdin")
		printBlockPage = flag.Bool("print-block-page", false, "print default block page template and exit")
	)
	flag.Parse()

	if *printBlockPage {
		fmt.Println(pocketfence.DefaultBlockPageHTML)
		return 0
	}

	if *genConfig != "" {
		if err := pocketfence.WriteExampleConfig(*genConfig); err != nil {
			fmt.Fprintf(os.Stderr, "generate config: %v\n", err)
			return 1
		}
		fmt.Printf("Generated %s\n", *genConfig)
		return 0
	}

	cfg, err := pocketfence.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	if *settingsPath != "" {
		cfg.SettingsPath = *settingsPath
	}

	logger, logCloser, err := pocketfence.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "set up logging: %v\n", err)
		return 1
	}
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(logger)

	// Settings
	store := pocketfence.NewSettingsStore(cfg.SettingsPath, logger)
	settings, err := store.Load()
	if err != nil {
		logger.Warn("could not write default settings", "path", cfg.SettingsPath, "error", err)
	}
	if *port >= 0 {
		settings.ProxyPort = *port
	}

	// Engine and keyword tables
	engine := pocketfence.NewEngine(nil)
	engine.Logger = logger

	var metrics *pocketfence.Metrics
	if cfg.Metrics.Enabled {
		metrics = pocketfence.NewMetrics()
	}

	loader, err := cfg.BuildKeywordLoader()
	if err != nil {
		logger.Error("build keyword loader", "error", err)
		return 1
	}
	keywords := pocketfence.NewReloadableTables(engine, loader)
	keywords.OnReload = func(count int) {
		logger.Info("keyword tables loaded", "count", count)
		if metrics != nil {
			metrics.SetKeywordCount(count)
			metrics.RecordKeywordReload()
		}
	}
	keywords.OnError = func(err error) {
		logger.Warn("keyword load failed, keeping current tables", "error", err)
		if metrics != nil {
			metrics.RecordKeywordReloadError()
		}
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = keywords.Load(ctx)
	if cfg.Keywords.ReloadInterval > 0 {
		cancel := keywords.StartAutoReload(ctx, cfg.Keywords.ReloadInterval)
		defer cancel()
		logger.Info("keyword auto-reload enabled", "interval", cfg.Keywords.ReloadInterval)
	}

	// Proxy
	proxy := pocketfence.NewProxy(engine, settings.ProxyPort)
	proxy.Logger = logger
	proxy.Hosts = cfg.Server.Hosts
	proxy.ForwardTimeout = cfg.Server.ForwardTimeout
	proxy.ReadHeaderTimeout = cfg.Server.ReadHeaderTimeout
	proxy.IdleTimeout = cfg.Server.IdleTimeout
	proxy.Transport = pocketfence.NewTransportPool(cfg.Server.DialTimeout)
	proxy.Metrics = metrics

	health := pocketfence.NewHealthChecker()
	health.ReadinessChecks = append(health.ReadinessChecks, pocketfence.TablesLoaded(engine))
	proxy.HealthChecker = health

	if cfg.BlockPage.TemplatePath != "" {
		blockPage, err := pocketfence.NewBlockPageFromFile(cfg.BlockPage.TemplatePath)
		if err != nil {
			logger.Error("load block page template", "error", err, "file", cfg.BlockPage.TemplatePath)
			return 1
		}
		proxy.BlockPage = blockPage
		logger.Info("loaded custom block page", "file", cfg.BlockPage.TemplatePath)
	}

	if cfg.AccessLog.Path != "" {
		accessLog := pocketfence.NewFileAccessLogger(cfg.AccessLog)
		defer func() { _ = accessLog.Close() }()
		proxy.AccessLog = accessLog
	}

	if cfg.RateLimit.Enabled {
		limiter := pocketfence.NewRateLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Burst)
		defer limiter.Close()
		proxy.RateLimiter = limiter
	}

	if len(cfg.Clients.AllowedNetworks) > 0 {
		acl, err := pocketfence.NewClientACL(cfg.Clients.AllowedNetworks)
		if err != nil {
			logger.Error("client networks", "error", err)
			return 1
		}
		proxy.ClientACL = acl
		logger.Info("client ACL enabled", "networks", acl.Len())
	}

	bypass := pocketfence.NewBypass(cfg.Bypass.Tokens...)
	bypass.Header = cfg.Bypass.Header
	bypass.Logger = logger
	proxy.Bypass = bypass

	// Control surface
	controller := pocketfence.NewController(engine, proxy, store)
	controller.Logger = logger
	controller.Keywords = keywords
	controller.ApplySettings(settings)

	if cfg.Admin.Enabled {
		admin := pocketfence.NewAdminAPI(controller)
		admin.Logger = logger
		admin.PathPrefix = cfg.Admin.PathPrefix
		proxy.Admin = admin
	}

	watcher, err := pocketfence.NewSettingsWatcher(store, controller.ApplySettings, logger)
	if err == nil {
		err = watcher.Start()
	}
	if err != nil {
		logger.Warn("settings file watching disabled", "error", err)
	} else {
		defer func() { _ = watcher.Close() }()
	}

	reloader := pocketfence.WatchSIGHUP(pocketfence.ReloadAll(controller), logger)
	defer reloader.Cancel()

	if settings.AutoStart || !*console {
		if err := controller.Start(ctx); err != nil {
			logger.Error("start proxy", "error", err, "port", settings.ProxyPort)
			return 1
		}
		logger.Info("pocketfence running",
			"port", settings.ProxyPort,
			"age_level", engine.AgeLevel().Label(),
			"child_mode", engine.ChildMode(),
		)
		logger.Info("configure devices to use this machine as their HTTP proxy")
	} else {
		logger.Info("autoStart is off, type start to begin filtering")
	}

	if *console {
		c := pocketfence.NewConsole(controller, os.Stdin, os.Stdout)
		go func() {
			if err := c.Run(ctx); err != nil {
				logger.Warn("console stopped", "error", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down...")
	case <-controller.Done():
	case err := <-controller.Failed():
		logger.Error("proxy failed", "error", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := controller.Stop(shutdownCtx); err != nil {
		logger.Warn("shutdown", "error", err)
	}
	return 0
}
