// Package app wires configuration, storage, clients, and services into a
// runnable core shared by the server binary and the CLI.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mfinch/spyglass/internal/cache"
	"github.com/mfinch/spyglass/internal/common"
	"github.com/mfinch/spyglass/internal/cookies"
	"github.com/mfinch/spyglass/internal/feed"
	"github.com/mfinch/spyglass/internal/fetch"
	"github.com/mfinch/spyglass/internal/interfaces"
	"github.com/mfinch/spyglass/internal/jobs"
	"github.com/mfinch/spyglass/internal/llm"
	"github.com/mfinch/spyglass/internal/pipeline"
	"github.com/mfinch/spyglass/internal/ratelimit"
	"github.com/mfinch/spyglass/internal/retry"
	"github.com/mfinch/spyglass/internal/scheduler"
	"github.com/mfinch/spyglass/internal/server"
	"github.com/mfinch/spyglass/internal/social"
	"github.com/mfinch/spyglass/internal/storage"
	"github.com/mfinch/spyglass/internal/watchdog"
)

// App holds all initialized services. It is the shared core used by both
// cmd/spyglass-server and the spyglass CLI.
type App struct {
	Config      *common.Config
	Logger      *common.Logger
	Storage     interfaces.StorageManager
	Cache       interfaces.Cache
	Fetcher     interfaces.Fetcher
	LLM         interfaces.LLM
	Pipeline    interfaces.Pipeline
	Scheduler   interfaces.Scheduler
	Processor   interfaces.RetryProcessor
	Watchdog    interfaces.Watchdog
	Hub         *server.JobEventHub
	Server      *server.Server
	Deps        *jobs.Deps
	StartupTime time.Time

	hubCancel context.CancelFunc
}

// getBinaryDir returns the directory containing the executable.
func getBinaryDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// NewApp initializes all services from config. configPath may be empty, in
// which case SPYGLASS_CONFIG and then the binary directory are checked.
func NewApp(ctx context.Context, configPath string) (*App, error) {
	startupStart := time.Now()

	common.LoadVersionFromFile()

	binDir := getBinaryDir()

	if configPath == "" {
		configPath = os.Getenv("SPYGLASS_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join(binDir, "spyglass.toml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = "config/spyglass.toml" // fallback for development
		}
	}

	config, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Resolve relative log file path to binary directory
	if config.Logging.FilePath != "" && !filepath.IsAbs(config.Logging.FilePath) {
		config.Logging.FilePath = filepath.Join(binDir, config.Logging.FilePath)
	}

	logger := common.NewLoggerFromConfig(config.Logging)

	storageManager, err := storage.NewManager(ctx, config, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	calendar := common.NewMarketCalendar(config.Scheduler.Timezone)

	cacheLayer, err := buildCache(config, logger, calendar)
	if err != nil {
		storageManager.Close()
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}

	fetcher := fetch.NewClient(
		fetch.WithLogger(logger),
		fetch.WithSolverURL(config.Fetcher.SolverURL),
		fetch.WithTimeout(config.Fetcher.GetTimeout()),
		fetch.WithSolverTimeout(config.Fetcher.GetSolverTimeout()),
		fetch.WithRobotsChecks(config.Fetcher.RobotsChecks),
	)

	adapter := buildLLM(config, logger)
	analyzer := llm.NewAnalyzer(adapter, config.LLM.OllamaModel, logger)

	parser := feed.NewParser(logger)
	pipe := pipeline.New(fetcher, parser, storageManager.Research(), logger,
		pipeline.WithAnalyzer(analyzer, adapter))

	deps := &jobs.Deps{
		Config:      config,
		Operational: storageManager.Operational(),
		Research:    storageManager.Research(),
		Pipeline:    pipe,
		Fetcher:     fetcher,
		LLM:         adapter,
		Cache:       cacheLayer,
		Market:      jobs.NewStooqClient(fetcher, logger),
		Scrapers:    []interfaces.SocialScraper{social.NewScraper(config, fetcher, logger)},
		Calendar:    calendar,
		Logger:      logger,
	}
	jobList := jobs.All(deps)

	hub := server.NewJobEventHub(logger)

	sched := scheduler.New(config, storageManager.Operational(), logger,
		scheduler.WithEventBus(hub))
	for _, job := range jobList {
		if err := sched.Register(job); err != nil {
			storageManager.Close()
			cacheLayer.Close()
			return nil, fmt.Errorf("failed to register job %s: %w", job.Name(), err)
		}
	}

	processor := retry.NewProcessor(storageManager.Operational(), jobList, logger)
	wd := watchdog.New(config, storageManager.Operational(), processor, logger,
		watchdog.WithEventBus(hub))

	limiter := ratelimit.New(config.RateLimit.GetWindow(), config.RateLimit.GetLimit(), common.SystemClock{})
	srv := server.New(config, logger, storageManager, sched, wd, adapter, limiter, hub)

	a := &App{
		Config:      config,
		Logger:      logger,
		Storage:     storageManager,
		Cache:       cacheLayer,
		Fetcher:     fetcher,
		LLM:         adapter,
		Pipeline:    pipe,
		Scheduler:   sched,
		Processor:   processor,
		Watchdog:    wd,
		Hub:         hub,
		Server:      srv,
		Deps:        deps,
		StartupTime: startupStart,
	}

	logger.Info().Dur("startup", time.Since(startupStart)).Msg("App initialized")
	return a, nil
}

// buildCache selects the cache backend from config.
func buildCache(config *common.Config, logger *common.Logger, calendar *common.MarketCalendar) (interfaces.Cache, error) {
	switch config.Cache.Backend {
	case "badger":
		path := config.Cache.BadgerPath
		if path == "" {
			path = filepath.Join(getBinaryDir(), "cache")
		}
		return cache.NewBadgerCache(logger, common.SystemClock{}, path)
	default:
		return cache.NewMemoryCache(logger, common.SystemClock{}, calendar), nil
	}
}

// buildLLM assembles the adapter from whichever backends are configured.
func buildLLM(config *common.Config, logger *common.Logger) *llm.Adapter {
	var opts []llm.AdapterOption

	if config.LLM.OllamaEnabled {
		opts = append(opts, llm.WithOllama(llm.NewOllamaClient(config.LLM.OllamaBaseURL,
			llm.WithOllamaLogger(logger),
			llm.WithOllamaTimeout(config.LLM.GetOllamaTimeout()),
			llm.WithEmbedModel(config.LLM.EmbedModel),
		)))
	}
	if config.LLM.ZhipuAPIKey != "" {
		opts = append(opts, llm.WithZhipu(llm.NewZhipuClient(config.LLM.ZhipuAPIKey,
			llm.WithZhipuLogger(logger),
		)))
	}
	if config.Cookies.ServiceURL != "" && config.Cookies.InputFile != "" {
		provider := cookies.NewFileProvider(config.Cookies.InputFile, logger)
		opts = append(opts, llm.WithWebAI(llm.NewWebAIClient(config.Cookies.ServiceURL, provider,
			llm.WithWebAILogger(logger),
		)))
	}
	opts = append(opts, llm.WithStreamTimeout(config.LLM.GetStreamTimeout()))

	return llm.NewAdapter(logger, opts...)
}

// Start launches the event hub, the scheduler, and the watchdog. The HTTP
// server is started separately so the caller controls its lifecycle.
func (a *App) Start(ctx context.Context) error {
	hubCtx, cancel := context.WithCancel(context.Background())
	a.hubCancel = cancel
	go a.Hub.Run(hubCtx)

	if err := a.Scheduler.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	a.Watchdog.Start(ctx)
	return nil
}

// Close releases all resources. Shutdown order: watchdog, scheduler (drains
// in-flight jobs), event hub, cache, storage.
func (a *App) Close() {
	if a.Watchdog != nil {
		a.Watchdog.Stop()
	}
	if a.Scheduler != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.Config.Scheduler.GetDrainTimeout())
		defer cancel()
		if err := a.Scheduler.Stop(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Scheduler did not drain cleanly")
		}
	}
	if a.hubCancel != nil {
		a.hubCancel()
		a.hubCancel = nil
	}
	if a.Cache != nil {
		a.Cache.Close()
	}
	if a.Storage != nil {
		a.Storage.Close()
		a.Storage = nil
	}
}
