// Package common provides shared utilities for Spyglass
package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for Spyglass
type Config struct {
	Environment string          `toml:"environment"`
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Watchdog    WatchdogConfig  `toml:"watchdog"`
	Fetcher     FetcherConfig   `toml:"fetcher"`
	LLM         LLMConfig       `toml:"llm"`
	Cookies     CookieConfig    `toml:"cookies"`
	Cache       CacheConfig     `toml:"cache"`
	RateLimit   RateLimitConfig `toml:"rate_limit"`
	Social      SocialConfig    `toml:"social"`
	Portfolio   PortfolioConfig `toml:"portfolio"`
	Feeds       []FeedConfig    `toml:"feeds"`
	Logging     LoggingConfig   `toml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// StorageConfig holds the two logical store endpoints.
// The operational store carries portfolios, trades, job state, the retry
// queue, and exchange rates. The research store carries articles, social
// posts, and embeddings. Both are Postgres (Supabase-hosted in production).
type StorageConfig struct {
	OperationalURL string `toml:"operational_url"` // SUPABASE_DATABASE_URL
	ResearchURL    string `toml:"research_url"`    // RESEARCH_DATABASE_URL
	SupabaseURL    string `toml:"supabase_url"`    // REST endpoint, informational
	SupabaseKey    string `toml:"supabase_key"`    // publishable key
}

// SchedulerConfig holds scheduler core configuration.
type SchedulerConfig struct {
	Timezone     string `toml:"timezone"`      // cron interpretation timezone, default "America/Toronto"
	TickInterval string `toml:"tick_interval"` // heartbeat/trigger scan interval, default "30s"
	DrainTimeout string `toml:"drain_timeout"` // shutdown drain window, default "30s"
	MaxWorkers   int    `toml:"max_workers"`   // bounded handler pool, default 5
}

// GetTickInterval parses and returns the tick interval.
func (c *SchedulerConfig) GetTickInterval() time.Duration {
	d, err := time.ParseDuration(c.TickInterval)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// GetDrainTimeout parses and returns the shutdown drain window.
func (c *SchedulerConfig) GetDrainTimeout() time.Duration {
	d, err := time.ParseDuration(c.DrainTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// GetMaxWorkers returns the bounded worker pool size.
func (c *SchedulerConfig) GetMaxWorkers() int {
	if c.MaxWorkers <= 0 {
		return 5
	}
	return c.MaxWorkers
}

// WatchdogConfig holds watchdog configuration.
type WatchdogConfig struct {
	Interval       string `toml:"interval"`        // default "45m"
	RetryBatch     int    `toml:"retry_batch"`     // retry queue drain limit per cycle, default 10
	ValidationDays int    `toml:"validation_days"` // trading days to validate, default 7
}

// GetInterval parses and returns the watchdog cycle interval.
func (c *WatchdogConfig) GetInterval() time.Duration {
	d, err := time.ParseDuration(c.Interval)
	if err != nil || d <= 0 {
		return 45 * time.Minute
	}
	return d
}

// GetRetryBatch returns the per-cycle retry drain limit.
func (c *WatchdogConfig) GetRetryBatch() int {
	if c.RetryBatch <= 0 {
		return 10
	}
	return c.RetryBatch
}

// GetValidationDays returns the number of recent trading days validated.
func (c *WatchdogConfig) GetValidationDays() int {
	if c.ValidationDays <= 0 {
		return 7
	}
	return c.ValidationDays
}

// FetcherConfig holds outbound HTTP fetcher configuration.
type FetcherConfig struct {
	SolverURL     string `toml:"solver_url"`     // FLARESOLVERR_URL
	Timeout       string `toml:"timeout"`        // direct request timeout, default "30s"
	SolverTimeout string `toml:"solver_timeout"` // bypass request timeout, default "70s"
	RobotsChecks  bool   `toml:"robots_checks"`  // ENABLE_ROBOTS_TXT_CHECKS
}

// GetTimeout parses and returns the direct request timeout.
func (c *FetcherConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// GetSolverTimeout parses and returns the bypass solver timeout.
func (c *FetcherConfig) GetSolverTimeout() time.Duration {
	d, err := time.ParseDuration(c.SolverTimeout)
	if err != nil || d <= 0 {
		return 70 * time.Second
	}
	return d
}

// LLMConfig holds LLM adapter configuration across all three backends.
type LLMConfig struct {
	OllamaBaseURL string `toml:"ollama_base_url"` // OLLAMA_BASE_URL
	OllamaModel   string `toml:"ollama_model"`    // OLLAMA_MODEL
	OllamaTimeout string `toml:"ollama_timeout"`  // OLLAMA_TIMEOUT
	OllamaEnabled bool   `toml:"ollama_enabled"`  // OLLAMA_ENABLED
	ZhipuAPIKey   string `toml:"zhipu_api_key"`   // ZHIPU_API_KEY, enables glm-* models
	EmbedModel    string `toml:"embed_model"`     // default "nomic-embed-text"
	StreamTimeout string `toml:"stream_timeout"`  // streaming deadline, default "90s"
}

// GetOllamaTimeout parses and returns the Ollama request timeout.
func (c *LLMConfig) GetOllamaTimeout() time.Duration {
	d, err := time.ParseDuration(c.OllamaTimeout)
	if err != nil || d <= 0 {
		return 120 * time.Second
	}
	return d
}

// GetStreamTimeout parses and returns the streaming wall-clock deadline.
func (c *LLMConfig) GetStreamTimeout() time.Duration {
	d, err := time.ParseDuration(c.StreamTimeout)
	if err != nil || d <= 0 {
		return 90 * time.Second
	}
	return d
}

// CookieConfig holds cookie refresher configuration.
type CookieConfig struct {
	ServiceURL      string `toml:"service_url"`      // AI_SERVICE_WEB_URL
	RefreshInterval string `toml:"refresh_interval"` // COOKIE_REFRESH_INTERVAL, default "30m"
	OutputFile      string `toml:"output_file"`      // COOKIE_OUTPUT_FILE
	InputFile       string `toml:"input_file"`       // COOKIE_INPUT_FILE
}

// GetRefreshInterval parses and returns the refresh cycle interval.
func (c *CookieConfig) GetRefreshInterval() time.Duration {
	d, err := time.ParseDuration(c.RefreshInterval)
	if err != nil || d <= 0 {
		return 30 * time.Minute
	}
	return d
}

// CacheConfig holds cache layer configuration.
type CacheConfig struct {
	Backend    string `toml:"backend"`     // "memory" (default) or "badger"
	BadgerPath string `toml:"badger_path"` // path for the badger backend
}

// RateLimitConfig holds the fixed-window rate limiter configuration.
type RateLimitConfig struct {
	Window string `toml:"window"` // default "60s"
	Limit  int    `toml:"limit"`  // default 5
}

// GetWindow parses and returns the rate limit window.
func (c *RateLimitConfig) GetWindow() time.Duration {
	d, err := time.ParseDuration(c.Window)
	if err != nil || d <= 0 {
		return 60 * time.Second
	}
	return d
}

// GetLimit returns the per-window request limit.
func (c *RateLimitConfig) GetLimit() int {
	if c.Limit <= 0 {
		return 5
	}
	return c.Limit
}

// SocialConfig selects the social-sentiment scraping strategy.
type SocialConfig struct {
	Strategy string `toml:"strategy"` // "endpoint" (default), "frontend", "browser"
}

// PortfolioConfig holds base currency and benchmark settings for the
// calculation jobs.
type PortfolioConfig struct {
	BaseCurrency string   `toml:"base_currency"` // default "CAD"
	Funds        []string `toml:"funds"`         // production funds, default ["core"]
	Benchmarks   []string `toml:"benchmarks"`    // benchmark symbols to track
	RatePairs    []string `toml:"rate_pairs"`    // currency pairs, "USD/CAD" form
}

// GetBaseCurrency returns the portfolio base currency.
func (c *PortfolioConfig) GetBaseCurrency() string {
	if c.BaseCurrency == "" {
		return "CAD"
	}
	return c.BaseCurrency
}

// GetFunds returns the production funds tracked by the portfolio jobs.
func (c *PortfolioConfig) GetFunds() []string {
	if len(c.Funds) == 0 {
		return []string{"core"}
	}
	return c.Funds
}

// FeedConfig is one scrape target in the config file.
type FeedConfig struct {
	Name      string `toml:"name"`
	URL       string `toml:"url"`
	Kind      string `toml:"kind"`       // "rss" or "html"
	FetchMode string `toml:"fetch_mode"` // "direct", "bypass", "auto"
	Enabled   bool   `toml:"enabled"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string   `toml:"level"`
	Format     string   `toml:"format"`
	Outputs    []string `toml:"outputs"`
	FilePath   string   `toml:"file_path"`
	MaxSizeMB  int      `toml:"max_size_mb"`
	MaxBackups int      `toml:"max_backups"`
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8090,
		},
		Scheduler: SchedulerConfig{
			Timezone:     "America/Toronto",
			TickInterval: "30s",
			DrainTimeout: "30s",
			MaxWorkers:   5,
		},
		Watchdog: WatchdogConfig{
			Interval:       "45m",
			RetryBatch:     10,
			ValidationDays: 7,
		},
		Fetcher: FetcherConfig{
			SolverURL:     "http://flaresolverr:8191",
			Timeout:       "30s",
			SolverTimeout: "70s",
		},
		LLM: LLMConfig{
			OllamaBaseURL: "http://localhost:11434",
			OllamaModel:   "qwen2.5:7b",
			OllamaTimeout: "120s",
			OllamaEnabled: true,
			EmbedModel:    "nomic-embed-text",
			StreamTimeout: "90s",
		},
		Cookies: CookieConfig{
			ServiceURL:      "https://gemini.google.com",
			RefreshInterval: "30m",
			OutputFile:      "/shared/webai_cookies.json",
			InputFile:       "/shared/webai_cookies.json",
		},
		Cache: CacheConfig{
			Backend: "memory",
		},
		RateLimit: RateLimitConfig{
			Window: "60s",
			Limit:  5,
		},
		Social: SocialConfig{
			Strategy: "endpoint",
		},
		Portfolio: PortfolioConfig{
			BaseCurrency: "CAD",
			Funds:        []string{"core"},
			Benchmarks:   []string{"SPY", "XIC.TO"},
			RatePairs:    []string{"USD/CAD", "EUR/CAD"},
		},
		Feeds: []FeedConfig{
			{Name: "yahoo-finance", URL: "https://finance.yahoo.com/news/rssindex", Kind: "rss", FetchMode: "auto", Enabled: true},
			{Name: "seeking-alpha", URL: "https://seekingalpha.com/market_currents.xml", Kind: "rss", FetchMode: "bypass", Enabled: true},
			{Name: "cnbc-markets", URL: "https://search.cnbc.com/rs/search/combinedcms/view.xml?partnerId=wrss01&id=20910258", Kind: "rss", FetchMode: "direct", Enabled: true},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Outputs:    []string{"console"},
			FilePath:   "./logs/spyglass.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
	}
}

// LoadConfig loads configuration from files with environment overrides
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier)
	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue // Skip missing files
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("SPYGLASS_ENV"); env != "" {
		config.Environment = env
	}
	if host := os.Getenv("SPYGLASS_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SPYGLASS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if level := os.Getenv("SPYGLASS_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	// Persistence endpoints
	if v := os.Getenv("SUPABASE_DATABASE_URL"); v != "" {
		config.Storage.OperationalURL = v
	}
	if v := os.Getenv("RESEARCH_DATABASE_URL"); v != "" {
		config.Storage.ResearchURL = v
	}
	if v := os.Getenv("SUPABASE_URL"); v != "" {
		config.Storage.SupabaseURL = v
	}
	if v := os.Getenv("SUPABASE_PUBLISHABLE_KEY"); v != "" {
		config.Storage.SupabaseKey = v
	}

	// Challenge solver
	if v := os.Getenv("FLARESOLVERR_URL"); v != "" {
		config.Fetcher.SolverURL = v
	}
	if v := os.Getenv("ENABLE_ROBOTS_TXT_CHECKS"); v != "" {
		config.Fetcher.RobotsChecks = parseBool(v)
	}

	// LLM backends
	if v := os.Getenv("OLLAMA_BASE_URL"); v != "" {
		config.LLM.OllamaBaseURL = v
	}
	if v := os.Getenv("OLLAMA_MODEL"); v != "" {
		config.LLM.OllamaModel = v
	}
	if v := os.Getenv("OLLAMA_TIMEOUT"); v != "" {
		// Accepts either a duration string or bare seconds
		if _, err := time.ParseDuration(v); err == nil {
			config.LLM.OllamaTimeout = v
		} else if secs, err := strconv.Atoi(v); err == nil {
			config.LLM.OllamaTimeout = fmt.Sprintf("%ds", secs)
		}
	}
	if v := os.Getenv("OLLAMA_ENABLED"); v != "" {
		config.LLM.OllamaEnabled = parseBool(v)
	}
	if v := os.Getenv("ZHIPU_API_KEY"); v != "" {
		config.LLM.ZhipuAPIKey = v
	}

	// Cookie refresher
	if v := os.Getenv("AI_SERVICE_WEB_URL"); v != "" {
		config.Cookies.ServiceURL = v
	}
	if v := os.Getenv("COOKIE_REFRESH_INTERVAL"); v != "" {
		if _, err := time.ParseDuration(v); err == nil {
			config.Cookies.RefreshInterval = v
		} else if secs, err := strconv.Atoi(v); err == nil {
			config.Cookies.RefreshInterval = fmt.Sprintf("%ds", secs)
		}
	}
	if v := os.Getenv("COOKIE_OUTPUT_FILE"); v != "" {
		config.Cookies.OutputFile = v
	}
	if v := os.Getenv("COOKIE_INPUT_FILE"); v != "" {
		config.Cookies.InputFile = v
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
